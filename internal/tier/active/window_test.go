package active_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/chirino/context-engine/internal/model"
	registrywal "github.com/chirino/context-engine/internal/registry/wal"
	"github.com/chirino/context-engine/internal/tier/active"
	"github.com/chirino/context-engine/internal/token"
	"github.com/stretchr/testify/require"
)

// memLog is an in-memory DurableLog for tests.
type memLog struct {
	mu    sync.Mutex
	turns []*model.Turn
}

func (l *memLog) Name() string { return "mem" }

func (l *memLog) Append(_ context.Context, t *model.Turn) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = append(l.turns, t)
	return nil
}

func (l *memLog) Replay(_ context.Context) ([]*model.Turn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*model.Turn, len(l.turns))
	copy(out, l.turns)
	return out, nil
}

func (l *memLog) Reset(_ context.Context, keep []*model.Turn) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = make([]*model.Turn, len(keep))
	copy(l.turns, keep)
	return nil
}

var _ registrywal.DurableLog = (*memLog)(nil)

// words returns text that the estimator counts as exactly n tokens.
func words(n int) string {
	return strings.TrimSpace(strings.Repeat("a ", n))
}

func TestAppendEvictsToBudget(t *testing.T) {
	counter := token.NewEstimator()
	w := active.NewWindow(counter, 50, nil)

	for i := 0; i < 10; i++ {
		_, err := w.Append(context.Background(), model.RoleUser, words(20), 0.5, nil)
		require.NoError(t, err)
		require.LessOrEqual(t, w.CurrentTokens(), 50, "window must never exceed its budget after append")
	}
	stats := w.Stats()
	require.Equal(t, 2, stats.Turns)
	require.Equal(t, 10, stats.TotalProcessed)
}

func TestAppendRejectsInvalidInput(t *testing.T) {
	w := active.NewWindow(token.NewEstimator(), 100, nil)

	_, err := w.Append(context.Background(), model.Role("moderator"), "hi", 0.5, nil)
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = w.Append(context.Background(), model.RoleUser, "hi", 1.5, nil)
	require.ErrorAs(t, err, &verr)
}

func TestEvictionPreservesImportantTurns(t *testing.T) {
	counter := token.NewEstimator()
	w := active.NewWindow(counter, 40, nil)

	important := "the database password rotation happens every thirty days " + words(15)
	_, err := w.Append(context.Background(), model.RoleUser, important, 0.9, nil)
	require.NoError(t, err)

	// Push it out of the window.
	_, err = w.Append(context.Background(), model.RoleAssistant, words(30), 0.2, nil)
	require.NoError(t, err)

	kps := w.KeyPoints()
	require.Len(t, kps, 1)
	require.Equal(t, "preserved", kps[0].Category)
	require.True(t, strings.HasPrefix(important, kps[0].Text))
	require.InDelta(t, 0.9, kps[0].Relevance, 1e-9)
}

func TestPreservedKeyPointsClipOnRuneBoundaries(t *testing.T) {
	w := active.NewWindow(token.NewEstimator(), 40, nil)

	long := strings.Repeat("安", 600)
	_, err := w.Append(context.Background(), model.RoleUser, long, 0.9, nil)
	require.NoError(t, err)
	_, err = w.Append(context.Background(), model.RoleAssistant, words(30), 0.2, nil)
	require.NoError(t, err)

	kps := w.KeyPoints()
	require.Len(t, kps, 1)
	require.True(t, utf8.ValidString(kps[0].Text))
	require.Equal(t, 500, utf8.RuneCountInString(kps[0].Text))
}

func TestLowImportanceEvictionLeavesNoKeyPoint(t *testing.T) {
	w := active.NewWindow(token.NewEstimator(), 40, nil)

	_, err := w.Append(context.Background(), model.RoleUser, words(30), 0.3, nil)
	require.NoError(t, err)
	_, err = w.Append(context.Background(), model.RoleAssistant, words(30), 0.3, nil)
	require.NoError(t, err)

	require.Empty(t, w.KeyPoints())
}

func TestMarkerScanExtractsKeyPoints(t *testing.T) {
	w := active.NewWindow(token.NewEstimator(), 10000, nil)

	// The scan runs every 5 appends over the last 5 turns.
	_, err := w.Append(context.Background(), model.RoleUser, "Remember: the deploy freeze starts Friday", 0.5, nil)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := w.Append(context.Background(), model.RoleAssistant, "plain reply with no markers", 0.5, nil)
		require.NoError(t, err)
	}

	kps := w.KeyPoints()
	require.Len(t, kps, 1)
	require.Equal(t, "important", kps[0].Category)
	require.Contains(t, kps[0].Text, "deploy freeze")
}

func TestRenderBudgetedKeepsNewestTurns(t *testing.T) {
	counter := token.NewEstimator()
	w := active.NewWindow(counter, 10000, nil)

	_, err := w.Append(context.Background(), model.RoleUser, "oldest "+words(40), 0.5, nil)
	require.NoError(t, err)
	_, err = w.Append(context.Background(), model.RoleAssistant, "newest reply", 0.5, nil)
	require.NoError(t, err)

	out := w.RenderBudgeted(10, false)
	require.LessOrEqual(t, counter.Count(out), 10)
	require.Contains(t, out, "Assistant: newest reply")
	require.NotContains(t, out, "oldest")
}

func TestRenderIncludesSystemAndOrder(t *testing.T) {
	w := active.NewWindow(token.NewEstimator(), 10000, nil)
	w.SetSystem("You are a helpful assistant.")
	_, err := w.Append(context.Background(), model.RoleUser, "first", 0.5, nil)
	require.NoError(t, err)
	_, err = w.Append(context.Background(), model.RoleAssistant, "second", 0.5, nil)
	require.NoError(t, err)

	exchanges := w.Render(false)
	require.Len(t, exchanges, 3)
	require.Equal(t, model.RoleSystem, exchanges[0].Role)
	require.Equal(t, "first", exchanges[1].Text)
	require.Equal(t, "second", exchanges[2].Text)
}

func TestTrimToResetsDurableLog(t *testing.T) {
	wal := &memLog{}
	w := active.NewWindow(token.NewEstimator(), 10000, wal)

	for i := 0; i < 8; i++ {
		_, err := w.Append(context.Background(), model.RoleUser, words(5), 0.5, nil)
		require.NoError(t, err)
	}
	w.TrimTo(context.Background(), 3)

	require.Equal(t, 3, w.Stats().Turns)
	replayed, err := wal.Replay(context.Background())
	require.NoError(t, err)
	require.Len(t, replayed, 3)
}

func TestRestoreReplaysDurableLog(t *testing.T) {
	wal := &memLog{}
	w := active.NewWindow(token.NewEstimator(), 10000, wal)
	_, err := w.Append(context.Background(), model.RoleUser, "hello there", 0.5, nil)
	require.NoError(t, err)
	_, err = w.Append(context.Background(), model.RoleAssistant, "hi, how can I help?", 0.5, nil)
	require.NoError(t, err)

	restored := active.NewWindow(token.NewEstimator(), 10000, wal)
	require.NoError(t, restored.Restore(context.Background()))

	require.Equal(t, 2, restored.Stats().Turns)
	require.Equal(t, w.CurrentTokens(), restored.CurrentTokens())
}
