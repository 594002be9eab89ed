// Package active implements tier 1: a bounded sliding window of recent
// conversation turns with key-point retention on eviction.
package active

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/chirino/context-engine/internal/model"
	registrywal "github.com/chirino/context-engine/internal/registry/wal"
	"github.com/chirino/context-engine/internal/token"
	"github.com/google/uuid"
)

const (
	// Turns evicted with importance above this cutoff leave a key point behind.
	preserveCutoff = 0.7
	// Turns dropped by TrimTo use a lower cutoff, matching consolidation's
	// coarser sweep.
	trimCutoff = 0.6
	// Preserved key points keep at most this many characters.
	keyPointMaxChars = 500
	// The marker scan runs every scanEvery appends over the scanDepth most
	// recent turns.
	scanEvery = 5
	scanDepth = 5
	// Stored key points are capped to the most recent maxKeyPoints.
	maxKeyPoints = 100
	// Render includes at most this many recent key points.
	renderKeyPoints = 10
)

// markerPhrases flag turns that carry explicitly important content. This is
// a deterministic, cheap substitute for semantic importance detection.
var markerPhrases = []string{
	"important:", "note:", "remember:",
	"key point:", "decision:", "preference:",
	"don't forget:", "crucial:",
}

// Exchange is one rendered {role, text} pair.
type Exchange struct {
	Role model.Role `json:"role"`
	Text string     `json:"text"`
}

// Stats describes the current window state.
type Stats struct {
	Turns          int     `json:"turns"`
	CurrentTokens  int     `json:"currentTokens"`
	MaxTokens      int     `json:"maxTokens"`
	Utilization    float64 `json:"utilization"`
	KeyPoints      int     `json:"keyPoints"`
	TotalProcessed int     `json:"totalProcessed"`
	HasSystem      bool    `json:"hasSystem"`
}

// Window is the tier-1 active context window. Mutations are serialized;
// reads see a consistent snapshot.
type Window struct {
	mu sync.RWMutex

	counter   token.Counter
	wal       registrywal.DurableLog
	maxTokens int

	system    *model.Turn
	turns     []*model.Turn
	keyPoints []model.KeyPoint

	currentTokens  int
	totalProcessed int
}

// NewWindow creates a window bounded to maxTokens. The durable log may be
// nil, in which case turns are held in memory only.
func NewWindow(counter token.Counter, maxTokens int, durable registrywal.DurableLog) *Window {
	return &Window{
		counter:   counter,
		wal:       durable,
		maxTokens: maxTokens,
	}
}

// Append adds a turn to the tail of the window and evicts from the head
// until the window fits its budget again. The durable log write is
// fire-and-forget: a failure is logged and swallowed.
func (w *Window) Append(ctx context.Context, role model.Role, text string, importance float64, attrs model.Attributes) (*model.Turn, error) {
	if !role.Valid() {
		return nil, model.Validationf("role", "unknown role %q", role)
	}
	if importance < 0 || importance > 1 {
		return nil, model.Validationf("importance", "must be in [0,1], got %v", importance)
	}

	t := &model.Turn{
		ID:         uuid.New(),
		Role:       role,
		Text:       text,
		Tokens:     w.counter.Count(text),
		Importance: importance,
		Attributes: attrs,
		CreatedAt:  time.Now(),
	}

	w.mu.Lock()
	if role == model.RoleSystem {
		w.system = t
		w.mu.Unlock()
		return t, nil
	}

	w.turns = append(w.turns, t)
	w.currentTokens += t.Tokens
	w.totalProcessed++
	w.evictToBudgetLocked()
	if w.totalProcessed%scanEvery == 0 {
		w.scanMarkersLocked()
	}
	w.mu.Unlock()

	if w.wal != nil {
		if err := w.wal.Append(ctx, t); err != nil {
			log.Error("Active window: durable log append failed", "turnId", t.ID, "err", err)
		}
	}
	return t, nil
}

// SetSystem sets or replaces the system turn. It lives outside the FIFO
// and is never evicted.
func (w *Window) SetSystem(text string) *model.Turn {
	t := &model.Turn{
		ID:        uuid.New(),
		Role:      model.RoleSystem,
		Text:      text,
		Tokens:    w.counter.Count(text),
		CreatedAt: time.Now(),
	}
	w.mu.Lock()
	w.system = t
	w.mu.Unlock()
	return t
}

// evictToBudgetLocked removes turns from the head while the window is over
// budget, always retaining at least one turn. High-importance turns leave a
// key point behind.
func (w *Window) evictToBudgetLocked() {
	for w.currentTokens > w.maxTokens && len(w.turns) > 1 {
		removed := w.turns[0]
		w.turns = w.turns[1:]
		w.currentTokens -= removed.Tokens
		if removed.Importance > preserveCutoff {
			w.preserveLocked(removed, len(w.turns))
		}
	}
}

func (w *Window) preserveLocked(t *model.Turn, position int) {
	w.addKeyPointLocked(model.KeyPoint{
		Text:        clipRunes(t.Text, keyPointMaxChars),
		SourceIndex: position,
		Category:    "preserved",
		Relevance:   t.Importance,
		ExtractedAt: time.Now(),
	})
}

// clipRunes shortens s to at most max runes, never splitting a rune.
func clipRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}

// scanMarkersLocked emits key points for recent turns containing a literal
// marker phrase. It never removes turns.
func (w *Window) scanMarkersLocked() {
	start := len(w.turns) - scanDepth
	if start < 0 {
		start = 0
	}
	for i := start; i < len(w.turns); i++ {
		lower := strings.ToLower(w.turns[i].Text)
		for _, marker := range markerPhrases {
			if strings.Contains(lower, marker) {
				w.addKeyPointLocked(model.KeyPoint{
					Text:        w.turns[i].Text,
					SourceIndex: i,
					Category:    "important",
					Relevance:   0.8,
					ExtractedAt: time.Now(),
				})
				break
			}
		}
	}
}

func (w *Window) addKeyPointLocked(kp model.KeyPoint) {
	w.keyPoints = append(w.keyPoints, kp)
	if len(w.keyPoints) > maxKeyPoints {
		w.keyPoints = w.keyPoints[len(w.keyPoints)-maxKeyPoints:]
	}
}

// Render returns the window as an ordered exchange list: the system turn
// first (if set), then a synthesized key-point block, then all live turns
// in arrival order.
func (w *Window) Render(includeKeyPoints bool) []Exchange {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var out []Exchange
	if w.system != nil {
		out = append(out, Exchange{Role: model.RoleSystem, Text: w.system.Text})
	}
	if includeKeyPoints && len(w.keyPoints) > 0 {
		out = append(out, Exchange{
			Role: model.RoleSystem,
			Text: "Key points from earlier conversation:\n" + w.formatKeyPointsLocked(),
		})
	}
	for _, t := range w.turns {
		out = append(out, Exchange{Role: t.Role, Text: t.Text})
	}
	return out
}

// RenderBudgeted formats the window into a single text block no larger
// than maxTokens. The system turn and key points come first; live turns
// are packed most-recent-first so the newest context survives a tight
// budget, then emitted in arrival order.
func (w *Window) RenderBudgeted(maxTokens int, includeKeyPoints bool) string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if maxTokens <= 0 {
		return ""
	}
	var header []string
	remaining := maxTokens
	if w.system != nil && w.system.Tokens <= remaining {
		header = append(header, w.system.Text)
		remaining -= w.system.Tokens
	}
	if includeKeyPoints && len(w.keyPoints) > 0 {
		block := "Key points from earlier conversation:\n" + w.formatKeyPointsLocked()
		if cost := w.counter.Count(block); cost <= remaining {
			header = append(header, block)
			remaining -= cost
		}
	}

	included := 0
	for i := len(w.turns) - 1; i >= 0; i-- {
		line := formatTurn(w.turns[i])
		cost := w.counter.Count(line)
		if cost > remaining {
			break
		}
		remaining -= cost
		included++
	}

	parts := header
	for _, t := range w.turns[len(w.turns)-included:] {
		parts = append(parts, formatTurn(t))
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "\n\n")
}

func formatTurn(t *model.Turn) string {
	role := string(t.Role)
	if len(role) > 0 {
		role = strings.ToUpper(role[:1]) + role[1:]
	}
	return fmt.Sprintf("%s: %s", role, t.Text)
}

// formatKeyPointsLocked formats the most recent key points grouped by
// category, content clipped per line.
func (w *Window) formatKeyPointsLocked() string {
	recent := w.keyPoints
	if len(recent) > renderKeyPoints {
		recent = recent[len(recent)-renderKeyPoints:]
	}
	byCategory := map[string][]model.KeyPoint{}
	for _, kp := range recent {
		byCategory[kp.Category] = append(byCategory[kp.Category], kp)
	}
	categories := make([]string, 0, len(byCategory))
	for c := range byCategory {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	var b strings.Builder
	for _, c := range categories {
		fmt.Fprintf(&b, "\n[%s]", strings.ToUpper(c))
		for _, kp := range byCategory[c] {
			fmt.Fprintf(&b, "\n- %s", clipRunes(kp.Text, 200))
		}
	}
	return b.String()
}

// ExportBatch returns a copy of the live turns in arrival order, for
// consolidation into tier 2.
func (w *Window) ExportBatch() []*model.Turn {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*model.Turn, len(w.turns))
	copy(out, w.turns)
	return out
}

// TrimTo drops all but the keepRecent newest turns after a consolidation
// pass, preserving key points for the important ones. The durable log is
// reset to the surviving turns on a best-effort basis.
func (w *Window) TrimTo(ctx context.Context, keepRecent int) {
	w.mu.Lock()
	if len(w.turns) <= keepRecent {
		w.mu.Unlock()
		return
	}
	dropped := w.turns[:len(w.turns)-keepRecent]
	for i, t := range dropped {
		if t.Importance > trimCutoff {
			w.preserveLocked(t, i)
		}
	}
	w.turns = append([]*model.Turn(nil), w.turns[len(w.turns)-keepRecent:]...)
	w.currentTokens = 0
	for _, t := range w.turns {
		w.currentTokens += t.Tokens
	}
	keep := make([]*model.Turn, len(w.turns))
	copy(keep, w.turns)
	w.mu.Unlock()

	if w.wal != nil {
		if err := w.wal.Reset(ctx, keep); err != nil {
			log.Error("Active window: durable log reset failed", "err", err)
		}
	}
}

// Restore replays the durable log into an empty window. Turns are
// re-appended through the normal eviction path.
func (w *Window) Restore(ctx context.Context) error {
	if w.wal == nil {
		return nil
	}
	turns, err := w.wal.Replay(ctx)
	if err != nil {
		return fmt.Errorf("active window restore: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range turns {
		if t.Role == model.RoleSystem {
			w.system = t
			continue
		}
		w.turns = append(w.turns, t)
		w.currentTokens += t.Tokens
		w.totalProcessed++
	}
	w.evictToBudgetLocked()
	if len(turns) > 0 {
		log.Info("Active window: restored turns from durable log", "count", len(turns))
	}
	return nil
}

// Import replaces the window contents with the given turns and key
// points, preserving their identities and timestamps. Used by snapshot
// restore; the durable log is not rewritten.
func (w *Window) Import(system *model.Turn, turns []*model.Turn, keyPoints []model.KeyPoint) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.system = system
	w.turns = make([]*model.Turn, len(turns))
	copy(w.turns, turns)
	w.keyPoints = make([]model.KeyPoint, len(keyPoints))
	copy(w.keyPoints, keyPoints)
	w.currentTokens = 0
	for _, t := range w.turns {
		w.currentTokens += t.Tokens
	}
	w.totalProcessed = len(w.turns)
	w.evictToBudgetLocked()
}

// System returns the pinned system turn, or nil.
func (w *Window) System() *model.Turn {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.system
}

// KeyPoints returns a copy of the retained key points, oldest first.
func (w *Window) KeyPoints() []model.KeyPoint {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]model.KeyPoint, len(w.keyPoints))
	copy(out, w.keyPoints)
	return out
}

// Stats returns the current window statistics.
func (w *Window) Stats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	util := 0.0
	if w.maxTokens > 0 {
		util = float64(w.currentTokens) / float64(w.maxTokens) * 100
	}
	return Stats{
		Turns:          len(w.turns),
		CurrentTokens:  w.currentTokens,
		MaxTokens:      w.maxTokens,
		Utilization:    util,
		KeyPoints:      len(w.keyPoints),
		TotalProcessed: w.totalProcessed,
		HasSystem:      w.system != nil,
	}
}

// CurrentTokens returns the live token total.
func (w *Window) CurrentTokens() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.currentTokens
}
