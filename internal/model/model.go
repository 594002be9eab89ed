package model

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Turn is a single message held in the active window.
type Turn struct {
	ID         uuid.UUID  `json:"id"`
	Role       Role       `json:"role"`
	Text       string     `json:"text"`
	Tokens     int        `json:"tokens"`
	Importance float64    `json:"importance"`
	Attributes Attributes `json:"attributes,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// KeyPoint is a durable fragment preserved from a turn before eviction.
type KeyPoint struct {
	Text        string    `json:"text"`
	SourceIndex int       `json:"sourceIndex"`
	Category    string    `json:"category"` // "preserved" or "important"
	Relevance   float64   `json:"relevance"`
	ExtractedAt time.Time `json:"extractedAt"`
}

// CompressionLevel selects a summary density in the hierarchy.
type CompressionLevel int

const (
	LevelUltra    CompressionLevel = 1
	LevelMid      CompressionLevel = 2
	LevelDetailed CompressionLevel = 3
)

// Summary is one compressed rendering of a batch of turns.
type Summary struct {
	ID          uuid.UUID        `json:"id"`
	Text        string           `json:"text"`
	Tokens      int              `json:"tokens"`
	Level       CompressionLevel `json:"level"`
	SourceTurns int              `json:"sourceTurns"`
	Ratio       float64          `json:"ratio"` // output tokens / input tokens
	Importance  float64          `json:"importance"`
	From        time.Time        `json:"from"`
	To          time.Time        `json:"to"`
	CreatedAt   time.Time        `json:"createdAt"`
	Degraded    bool             `json:"degraded,omitempty"` // abstractive call failed, extractive used
}

// HierarchicalSummary groups the summaries produced for one source batch,
// one per compression level.
type HierarchicalSummary struct {
	Levels    map[CompressionLevel]*Summary `json:"levels"`
	CreatedAt time.Time                     `json:"createdAt"`
}

// Adaptive returns the most detailed level that fits in the token budget.
func (h *HierarchicalSummary) Adaptive(availableTokens int) *Summary {
	for _, level := range []CompressionLevel{LevelDetailed, LevelMid, LevelUltra} {
		if s, ok := h.Levels[level]; ok && s.Tokens <= availableTokens {
			return s
		}
	}
	return nil
}

// Document is a unit of external knowledge held by the retrieval index.
type Document struct {
	ID        string     `json:"id"`
	Text      string     `json:"text"`
	Metadata  Attributes `json:"metadata,omitempty"`
	Tokens    int        `json:"tokens"`
	Source    string     `json:"source"`
	Embedding []float32  `json:"-"`
	CreatedAt time.Time  `json:"createdAt"`
}

// RetrievalResult is one scored match produced by a retrieval query.
type RetrievalResult struct {
	Document *Document `json:"document"`
	Score    float64   `json:"score"`
	Rank     int       `json:"rank"`
	Method   string    `json:"method"` // semantic, keyword, hybrid, local-scan, *-reranked
}

// Entity is a tracked real-world concept in the entity graph.
type Entity struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Type         string     `json:"type"`
	Attributes   Attributes `json:"attributes,omitempty"`
	FirstSeen    time.Time  `json:"firstSeen"`
	LastSeen     time.Time  `json:"lastSeen"`
	MentionCount int        `json:"mentionCount"`
	Importance   float64    `json:"importance"`
}

// Relationship is a directed typed edge between two entities.
type Relationship struct {
	ID         string     `json:"id"`
	From       string     `json:"from"` // entity id
	To         string     `json:"to"`   // entity id
	Type       string     `json:"type"`
	Strength   float64    `json:"strength"`
	Attributes Attributes `json:"attributes,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Preference is a durable user fact, last-write-wins per key.
type Preference struct {
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	Confidence float64   `json:"confidence"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ContextBudget is the per-query token allocation across tiers. The four
// tier allocations plus the system-prompt reserve sum to the requested
// maximum.
type ContextBudget struct {
	Active       int `json:"active"`
	Compressed   int `json:"compressed"`
	Retrieval    int `json:"retrieval"`
	Persistent   int `json:"persistent"`
	SystemPrompt int `json:"systemPrompt"`
}

// Total returns the sum of all budget components.
func (b ContextBudget) Total() int {
	return b.Active + b.Compressed + b.Retrieval + b.Persistent + b.SystemPrompt
}

// TierName identifies one of the four memory tiers.
type TierName string

const (
	TierActive     TierName = "active"
	TierCompressed TierName = "compressed"
	TierRetrieval  TierName = "retrieval"
	TierPersistent TierName = "persistent"
)

// TierPayload is one tier's contribution to an assembled context.
type TierPayload struct {
	Tier     TierName `json:"tier"`
	Text     string   `json:"text"`
	Tokens   int      `json:"tokens"`
	Degraded bool     `json:"degraded,omitempty"`
}

// AssembledContext is the final token-budgeted payload for one query.
type AssembledContext struct {
	SystemPrompt string        `json:"systemPrompt"`
	Payloads     []TierPayload `json:"payloads"`
	Budget       ContextBudget `json:"budget"`
	TotalTokens  int           `json:"totalTokens"`
}

// Payload returns the payload contributed by the named tier, or nil.
func (a *AssembledContext) Payload(tier TierName) *TierPayload {
	for i := range a.Payloads {
		if a.Payloads[i].Tier == tier {
			return &a.Payloads[i]
		}
	}
	return nil
}
