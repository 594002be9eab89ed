package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/chirino/context-engine/internal/model"
	"github.com/chirino/context-engine/internal/orchestrator"
	embedlocal "github.com/chirino/context-engine/internal/plugin/embed/local"
	"github.com/chirino/context-engine/internal/registry/complete"
	"github.com/chirino/context-engine/internal/tier/active"
	"github.com/chirino/context-engine/internal/tier/compressed"
	"github.com/chirino/context-engine/internal/tier/entity"
	"github.com/chirino/context-engine/internal/tier/retrieval"
	"github.com/chirino/context-engine/internal/token"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T, opts orchestrator.Options) *orchestrator.Orchestrator {
	t.Helper()
	counter := token.NewEstimator()
	window := active.NewWindow(counter, 2000, nil)
	memory := compressed.NewManager(counter, 5000, nil)
	idx, err := retrieval.NewIndex(counter, &embedlocal.LocalEmbedder{}, nil, retrieval.Options{})
	require.NoError(t, err)
	t.Cleanup(idx.Close)
	graph := entity.NewGraph(counter, 6000, nil)
	return orchestrator.New(counter, window, memory, idx, graph, entity.NewExtractor(nil), nil, opts)
}

func TestIngestTurnExtractsEntitiesInBackground(t *testing.T) {
	o := newEngine(t, orchestrator.Options{})
	ctx := context.Background()

	_, err := o.IngestTurn(ctx, model.RoleUser, "Alice just moved to Berlin", 0.5, nil)
	require.NoError(t, err)
	o.Drain()

	s := o.Stats()
	require.Equal(t, int64(1), s.Turns)
	require.Equal(t, 1, s.Active.Turns)
	require.Equal(t, 2, s.Entities.Entities)
}

func TestIngestTurnRejectsInvalidInput(t *testing.T) {
	o := newEngine(t, orchestrator.Options{})

	var verr *model.ValidationError
	_, err := o.IngestTurn(context.Background(), "narrator", "hi", 0.5, nil)
	require.ErrorAs(t, err, &verr)
}

func TestAssembleContextRejectsEmptyQuery(t *testing.T) {
	o := newEngine(t, orchestrator.Options{})

	var verr *model.ValidationError
	_, err := o.AssembleContext(context.Background(), "   ", 1000)
	require.ErrorAs(t, err, &verr)
}

func TestAssembleContextPacksContributingTiers(t *testing.T) {
	o := newEngine(t, orchestrator.Options{})
	ctx := context.Background()

	_, err := o.IngestTurn(ctx, model.RoleUser, "Alice asked about the transformer architecture", 0.6, nil)
	require.NoError(t, err)
	_, err = o.IngestTurn(ctx, model.RoleAssistant, "Transformers rely on attention", 0.5, nil)
	require.NoError(t, err)
	err = o.IngestDocument(ctx, []*model.Document{
		{Text: "Transformers process tokens with self attention", Source: "notes"},
	})
	require.NoError(t, err)
	o.Drain()

	a, err := o.AssembleContext(ctx, "tell me about alice and transformers", 10000)
	require.NoError(t, err)

	require.Equal(t, 10000, a.Budget.Total())
	require.NotNil(t, a.Payload(model.TierActive))
	require.NotNil(t, a.Payload(model.TierRetrieval))
	require.NotNil(t, a.Payload(model.TierPersistent))
	// Nothing was consolidated yet, so tier 2 contributes no payload.
	require.Nil(t, a.Payload(model.TierCompressed))

	require.Contains(t, a.SystemPrompt, "Recent conversation turns")
	require.Contains(t, a.SystemPrompt, "Knowledge retrieved for this query")
	require.NotContains(t, a.SystemPrompt, "Summaries of earlier conversation")

	total := token.NewEstimator().Count(a.SystemPrompt)
	for _, p := range a.Payloads {
		require.LessOrEqual(t, p.Tokens, a.Budget.Total())
		total += p.Tokens
	}
	require.Equal(t, total, a.TotalTokens)
}

func TestConsolidationCompressesWindowAtInterval(t *testing.T) {
	o := newEngine(t, orchestrator.Options{
		ConsolidationInterval: 4,
		ConsolidationMinBatch: 2,
		KeepRecentAfterTrim:   1,
	})
	ctx := context.Background()

	for _, text := range []string{
		"we shipped the ingest service",
		"latency regressed after the rollout",
		"the fix is to batch the writes",
		"agreed, batching goes out tomorrow",
	} {
		_, err := o.IngestTurn(ctx, model.RoleUser, text, 0.5, nil)
		require.NoError(t, err)
	}
	o.Drain()

	s := o.Stats()
	require.Equal(t, 1, s.Compressed.Memories)
	require.Equal(t, 1, s.Active.Turns)
	require.Equal(t, int64(4), s.Turns)

	a, err := o.AssembleContext(ctx, "what happened earlier in this conversation history", 10000)
	require.NoError(t, err)
	require.NotNil(t, a.Payload(model.TierCompressed))
	require.Contains(t, a.Payload(model.TierCompressed).Text, "=== Historical Context ===")
}

func TestSnapshotRoundTripPreservesState(t *testing.T) {
	o := newEngine(t, orchestrator.Options{})
	ctx := context.Background()

	_, err := o.IngestTurn(ctx, model.RoleUser, "Alice works at Acme", 0.7, nil)
	require.NoError(t, err)
	err = o.IngestDocument(ctx, []*model.Document{{Text: "Acme builds rockets", Source: "wiki"}})
	require.NoError(t, err)
	_, err = o.SetPreference(ctx, "language", "Go", 0.9)
	require.NoError(t, err)
	o.Drain()

	data, err := o.ExportSnapshot()
	require.NoError(t, err)

	restored := newEngine(t, orchestrator.Options{})
	require.NoError(t, restored.ImportSnapshot(data))

	want, got := o.Stats(), restored.Stats()
	require.Equal(t, want.Turns, got.Turns)
	require.Equal(t, want.Active.Turns, got.Active.Turns)
	require.Equal(t, want.Retrieval.Documents, got.Retrieval.Documents)
	require.Equal(t, want.Entities, got.Entities)

	a, err := restored.AssembleContext(ctx, "tell me about acme", 10000)
	require.NoError(t, err)
	require.Contains(t, a.Payload(model.TierActive).Text, "Alice works at Acme")
	require.Contains(t, a.Payload(model.TierPersistent).Text, "language: Go")
}

// stalledCompleter blocks until its context expires, like a hung
// upstream completion endpoint.
type stalledCompleter struct{}

func (stalledCompleter) Complete(ctx context.Context, _ complete.Request) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (stalledCompleter) ModelName() string { return "stalled" }

func TestDrainIsBoundedWhenCompletionStalls(t *testing.T) {
	counter := token.NewEstimator()
	idx, err := retrieval.NewIndex(counter, &embedlocal.LocalEmbedder{}, nil, retrieval.Options{})
	require.NoError(t, err)
	t.Cleanup(idx.Close)
	o := orchestrator.New(
		counter,
		active.NewWindow(counter, 2000, nil),
		compressed.NewManager(counter, 5000, nil),
		idx,
		entity.NewGraph(counter, 6000, nil),
		entity.NewExtractor(stalledCompleter{}),
		nil,
		orchestrator.Options{TierCallTimeout: 50 * time.Millisecond},
	)

	_, err = o.IngestTurn(context.Background(), model.RoleUser, "Alice met Bob", 0.5, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		o.Drain()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not return, background extraction is unbounded")
	}

	// The timed-out structured extraction fell back to the heuristic.
	require.Equal(t, 2, o.Stats().Entities.Entities)
}

func TestImportSnapshotRejectsBadPayloads(t *testing.T) {
	o := newEngine(t, orchestrator.Options{})

	var verr *model.ValidationError
	require.ErrorAs(t, o.ImportSnapshot([]byte("not json")), &verr)
	require.ErrorAs(t, o.ImportSnapshot([]byte(`{"version": 99}`)), &verr)
}
