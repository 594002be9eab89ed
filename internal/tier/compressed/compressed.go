// Package compressed implements tier 2: hierarchical summaries of
// consolidated conversation batches, evicted by importance and recency.
package compressed

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/context-engine/internal/model"
	registrycomplete "github.com/chirino/context-engine/internal/registry/complete"
	"github.com/chirino/context-engine/internal/token"
	"github.com/google/uuid"
)

// levelTargets maps each compression level to its output token target.
var levelTargets = map[model.CompressionLevel]int{
	model.LevelUltra:    100,
	model.LevelMid:      500,
	model.LevelDetailed: 2000,
}

// extractiveKeywords score sentences during local compression.
var extractiveKeywords = []string{
	"important", "key", "remember", "note", "decision",
	"prefer", "need", "must", "critical", "essential",
}

const compressionPrompt = `Compress the following conversation history into a dense summary preserving:
1. Key facts and decisions
2. Important entities and relationships
3. User preferences and patterns
4. Critical context for future interactions

Conversation:
%s

Provide a compressed summary (target %d tokens):`

// Stats describes the compressed memory state.
type Stats struct {
	Memories        int     `json:"memories"`
	Hierarchies     int     `json:"hierarchies"`
	CurrentTokens   int     `json:"currentTokens"`
	MaxTokens       int     `json:"maxTokens"`
	Utilization     float64 `json:"utilization"`
	SourceTurns     int     `json:"sourceTurns"`
	AverageRatio    float64 `json:"averageRatio"`
	TotalCompressed int     `json:"totalCompressed"`
}

// Manager is the tier-2 compressed memory store.
type Manager struct {
	mu sync.RWMutex

	counter   token.Counter
	completer registrycomplete.Completer // nil disables abstractive compression
	maxTokens int

	memories    []*model.Summary
	hierarchies []*model.HierarchicalSummary

	currentTokens   int
	totalCompressed int
}

// NewManager creates a compressed memory manager bounded to maxTokens.
// The completer may be nil, in which case compression is always extractive.
func NewManager(counter token.Counter, maxTokens int, completer registrycomplete.Completer) *Manager {
	return &Manager{
		counter:   counter,
		completer: completer,
		maxTokens: maxTokens,
	}
}

// Compress summarizes a batch of turns at one level and stores the result
// in the evictable pool. The abstractive path degrades to the local
// extractive strategy when the completion capability fails.
func (m *Manager) Compress(ctx context.Context, batch []*model.Turn, level model.CompressionLevel) (*model.Summary, error) {
	if len(batch) == 0 {
		return nil, model.Validationf("batch", "empty turn batch")
	}
	target, ok := levelTargets[level]
	if !ok {
		return nil, model.Validationf("level", "unknown compression level %d", level)
	}

	s := m.summarize(ctx, batch, level, target)

	m.mu.Lock()
	m.memories = append(m.memories, s)
	m.currentTokens += s.Tokens
	m.totalCompressed++
	m.evictToBudgetLocked()
	m.mu.Unlock()
	return s, nil
}

// Consolidate produces a full hierarchical summary (all levels) for one
// batch. The mid-level summary joins the evictable pool; the remaining
// levels live only in the hierarchy record so the pool is not charged
// three times for the same source batch.
func (m *Manager) Consolidate(ctx context.Context, batch []*model.Turn) (*model.HierarchicalSummary, error) {
	if len(batch) == 0 {
		return nil, model.Validationf("batch", "empty turn batch")
	}
	h := &model.HierarchicalSummary{
		Levels:    make(map[model.CompressionLevel]*model.Summary, len(levelTargets)),
		CreatedAt: time.Now(),
	}
	for _, level := range []model.CompressionLevel{model.LevelUltra, model.LevelMid, model.LevelDetailed} {
		h.Levels[level] = m.summarize(ctx, batch, level, levelTargets[level])
	}

	pooled := h.Levels[model.LevelMid]
	m.mu.Lock()
	m.hierarchies = append(m.hierarchies, h)
	m.memories = append(m.memories, pooled)
	m.currentTokens += pooled.Tokens
	m.totalCompressed++
	m.evictToBudgetLocked()
	m.mu.Unlock()
	return h, nil
}

func (m *Manager) summarize(ctx context.Context, batch []*model.Turn, level model.CompressionLevel, target int) *model.Summary {
	text := formatBatch(batch)
	inputTokens := m.counter.Count(text)

	summary, degraded := m.abstractive(ctx, text, target)
	if summary == "" {
		summary = m.extractive(text, target)
	}
	outTokens := m.counter.Count(summary)
	ratio := 0.0
	if inputTokens > 0 {
		ratio = float64(outTokens) / float64(inputTokens)
	}
	return &model.Summary{
		ID:          uuid.New(),
		Text:        summary,
		Tokens:      outTokens,
		Level:       level,
		SourceTurns: len(batch),
		Ratio:       ratio,
		Importance:  batchImportance(batch),
		From:        batch[0].CreatedAt,
		To:          batch[len(batch)-1].CreatedAt,
		CreatedAt:   time.Now(),
		Degraded:    degraded,
	}
}

// abstractive asks the completion capability for a summary. It returns
// ("", true) when the capability is unavailable or fails, signalling the
// caller to fall back.
func (m *Manager) abstractive(ctx context.Context, text string, target int) (string, bool) {
	if m.completer == nil {
		return "", false
	}
	out, err := m.completer.Complete(ctx, registrycomplete.Request{
		Messages: []registrycomplete.Message{
			{Role: "user", Content: fmt.Sprintf(compressionPrompt, text, target)},
		},
		MaxTokens: target,
	})
	if err != nil {
		log.Warn("Compressed memory: abstractive compression failed, using extractive", "err", err)
		return "", true
	}
	return m.counter.Truncate(out, target), false
}

// extractive selects the highest-scoring sentences until the target is
// reached, preserving their original order. It is deterministic for
// identical input.
func (m *Manager) extractive(text string, target int) string {
	sentences := strings.Split(text, ". ")

	type scored struct {
		index int
		text  string
		score int
	}
	all := make([]scored, 0, len(sentences))
	for i, sent := range sentences {
		lower := strings.ToLower(sent)
		score := 0
		for _, kw := range extractiveKeywords {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		if strings.HasPrefix(sent, "User:") || strings.HasPrefix(sent, "user:") {
			score += 2
		}
		all = append(all, scored{index: i, text: sent, score: score})
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].score > all[j].score })

	var selected []scored
	used := 0
	for _, s := range all {
		cost := m.counter.Count(s.text)
		if used+cost > target {
			break
		}
		selected = append(selected, s)
		used += cost
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i].index < selected[j].index })

	parts := make([]string, len(selected))
	for i, s := range selected {
		parts[i] = s.text
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, ". ") + "."
}

func formatBatch(batch []*model.Turn) string {
	parts := make([]string, len(batch))
	for i, t := range batch {
		role := string(t.Role)
		if role != "" {
			role = strings.ToUpper(role[:1]) + role[1:]
		}
		parts[i] = fmt.Sprintf("%s: %s", role, t.Text)
	}
	return strings.Join(parts, "\n\n")
}

// batchImportance is the recency-weighted average of the batch's turn
// importances: later turns weigh more (weight = position + 1).
func batchImportance(batch []*model.Turn) float64 {
	var sum, weights float64
	for i, t := range batch {
		w := float64(i + 1)
		sum += t.Importance * w
		weights += w
	}
	if weights == 0 {
		return 0.5
	}
	return sum / weights
}

// evictToBudgetLocked removes the single lowest-(importance, timestamp)
// memory until the pool fits its budget.
func (m *Manager) evictToBudgetLocked() {
	for m.currentTokens > m.maxTokens && len(m.memories) > 0 {
		lowest := 0
		for i := 1; i < len(m.memories); i++ {
			if less(m.memories[i], m.memories[lowest]) {
				lowest = i
			}
		}
		removed := m.memories[lowest]
		m.memories = append(m.memories[:lowest], m.memories[lowest+1:]...)
		m.currentTokens -= removed.Tokens
	}
}

func less(a, b *model.Summary) bool {
	if a.Importance != b.Importance {
		return a.Importance < b.Importance
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// Select returns the most important and recent memories that fit within
// availableTokens, in selection order.
func (m *Manager) Select(availableTokens int) []*model.Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sorted := make([]*model.Summary, len(m.memories))
	copy(sorted, m.memories)
	sort.Slice(sorted, func(i, j int) bool { return less(sorted[j], sorted[i]) })

	var out []*model.Summary
	used := 0
	for _, s := range sorted {
		if used+s.Tokens > availableTokens {
			break
		}
		out = append(out, s)
		used += s.Tokens
	}
	return out
}

// RenderSummary formats the selected memories into a context block no
// larger than availableTokens. Returns "" when nothing fits.
func (m *Manager) RenderSummary(availableTokens int) string {
	selected := m.Select(availableTokens)
	if len(selected) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("=== Historical Context ===\n")
	for i, s := range selected {
		fmt.Fprintf(&b, "\n[Memory %d | %s | %d turns]\n%s\n",
			i+1, s.From.Format("2006-01-02 15:04"), s.SourceTurns, s.Text)
	}
	out := b.String()
	if m.counter.Count(out) > availableTokens {
		out = m.counter.Truncate(out, availableTokens)
	}
	return out
}

// Memories returns a copy of the evictable pool, for snapshots.
func (m *Manager) Memories() []*model.Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Summary, len(m.memories))
	copy(out, m.memories)
	return out
}

// Import replaces the pool contents, for snapshot restore.
func (m *Manager) Import(memories []*model.Summary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memories = make([]*model.Summary, len(memories))
	copy(m.memories, memories)
	m.currentTokens = 0
	for _, s := range m.memories {
		m.currentTokens += s.Tokens
	}
	m.evictToBudgetLocked()
}

// CurrentTokens returns the live token total.
func (m *Manager) CurrentTokens() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentTokens
}

// Stats returns the current tier statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sourceTurns := 0
	ratioSum := 0.0
	for _, s := range m.memories {
		sourceTurns += s.SourceTurns
		ratioSum += s.Ratio
	}
	avg := 0.0
	if len(m.memories) > 0 {
		avg = ratioSum / float64(len(m.memories))
	}
	util := 0.0
	if m.maxTokens > 0 {
		util = float64(m.currentTokens) / float64(m.maxTokens) * 100
	}
	return Stats{
		Memories:        len(m.memories),
		Hierarchies:     len(m.hierarchies),
		CurrentTokens:   m.currentTokens,
		MaxTokens:       m.maxTokens,
		Utilization:     util,
		SourceTurns:     sourceTurns,
		AverageRatio:    avg,
		TotalCompressed: m.totalCompressed,
	}
}
