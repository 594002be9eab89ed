package retrieval_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/chirino/context-engine/internal/model"
	embedlocal "github.com/chirino/context-engine/internal/plugin/embed/local"
	"github.com/chirino/context-engine/internal/tier/retrieval"
	"github.com/chirino/context-engine/internal/token"
	"github.com/stretchr/testify/require"
)

func newIndex(t *testing.T, opts retrieval.Options) *retrieval.Index {
	t.Helper()
	idx, err := retrieval.NewIndex(token.NewEstimator(), &embedlocal.LocalEmbedder{}, nil, opts)
	require.NoError(t, err)
	t.Cleanup(idx.Close)
	return idx
}

func corpus() []*model.Document {
	return []*model.Document{
		{ID: "doc-transformers", Text: "Transformers use self attention to weigh the relevance of each token against every other token", Source: "ml-notes"},
		{ID: "doc-bert", Text: "BERT is a bidirectional transformer pretrained with masked language modeling", Source: "ml-notes"},
		{ID: "doc-cooking", Text: "Slow roasting vegetables concentrates their natural sweetness", Source: "recipes"},
		{ID: "doc-attention", Text: "The attention mechanism computes weighted sums of value vectors", Source: "ml-notes"},
	}
}

func TestIngestAssignsIDsAndTokens(t *testing.T) {
	idx := newIndex(t, retrieval.Options{})
	docs := []*model.Document{{Text: "some knowledge worth keeping"}}
	require.NoError(t, idx.Ingest(context.Background(), docs))
	require.NotEmpty(t, docs[0].ID)
	require.Greater(t, docs[0].Tokens, 0)
	require.NotNil(t, docs[0].Embedding)

	require.Error(t, idx.Ingest(context.Background(), []*model.Document{{Text: "  "}}))
}

func TestKeywordSearchScoresByTermOverlap(t *testing.T) {
	idx := newIndex(t, retrieval.Options{})
	require.NoError(t, idx.Ingest(context.Background(), corpus()))

	results, err := idx.Search(context.Background(), "attention mechanism value vectors", 10, retrieval.StrategyKeyword, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		require.Equal(t, "keyword", r.Method)
		require.Greater(t, r.Score, 0.0)
		require.LessOrEqual(t, r.Score, 1.0)
		require.NotEqual(t, "doc-cooking", r.Document.ID)
	}
	// doc-attention matches all four query terms.
	require.Equal(t, "doc-attention", results[0].Document.ID)
	require.InDelta(t, 1.0, results[0].Score, 1e-9)
}

func TestKeywordMatchesWholeWordsOnly(t *testing.T) {
	idx := newIndex(t, retrieval.Options{})
	require.NoError(t, idx.Ingest(context.Background(), corpus()))

	// "transformer" appears as a word only in doc-bert; the plural in
	// doc-transformers must not match by substring.
	results, err := idx.Search(context.Background(), "transformer", 10, retrieval.StrategyKeyword, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "doc-bert", results[0].Document.ID)

	// Short terms are terms too.
	results, err = idx.Search(context.Background(), "of", 10, retrieval.StrategyKeyword, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestHybridFusesSemanticAndKeyword(t *testing.T) {
	idx := newIndex(t, retrieval.Options{})
	require.NoError(t, idx.Ingest(context.Background(), corpus()))

	results, err := idx.Search(context.Background(), "how does attention work in transformers like BERT", 3, retrieval.StrategyHybrid, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.LessOrEqual(t, len(results), 3)
	for i, r := range results {
		require.Equal(t, "hybrid", r.Method)
		require.Equal(t, i+1, r.Rank)
	}
	// The cooking doc shares no terms with the query and is fused out.
	for _, r := range results {
		require.NotEqual(t, "doc-cooking", r.Document.ID)
	}
}

func TestHybridScoresAreReciprocalRankSums(t *testing.T) {
	idx := newIndex(t, retrieval.Options{})
	require.NoError(t, idx.Ingest(context.Background(), []*model.Document{
		{ID: "doc-both", Text: "alpha beta"},
		{ID: "doc-partial", Text: "alpha gamma delta"},
		{ID: "doc-neither", Text: "epsilon zeta eta"},
	}))

	results, err := idx.Search(context.Background(), "alpha beta", 10, retrieval.StrategyHybrid, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)

	// doc-both holds rank 1 in both the semantic and keyword lists and
	// doc-partial rank 2 in both; doc-neither shares no query terms, so it
	// appears only in the semantic list, at rank 3.
	require.Equal(t, "doc-both", results[0].Document.ID)
	require.InDelta(t, 1.0/61+1.0/61, results[0].Score, 1e-12)
	require.Equal(t, "doc-partial", results[1].Document.ID)
	require.InDelta(t, 1.0/62+1.0/62, results[1].Score, 1e-12)
	require.Equal(t, "doc-neither", results[2].Document.ID)
	require.InDelta(t, 1.0/63, results[2].Score, 1e-12)
}

func TestHybridIsIdempotentAcrossIngestOrder(t *testing.T) {
	query := "bidirectional transformer attention"

	forward := newIndex(t, retrieval.Options{})
	require.NoError(t, forward.Ingest(context.Background(), corpus()))

	reversed := newIndex(t, retrieval.Options{})
	docs := corpus()
	for i, j := 0, len(docs)-1; i < j; i, j = i+1, j-1 {
		docs[i], docs[j] = docs[j], docs[i]
	}
	require.NoError(t, reversed.Ingest(context.Background(), docs))

	a, err := forward.Search(context.Background(), query, 4, retrieval.StrategyHybrid, nil)
	require.NoError(t, err)
	b, err := reversed.Search(context.Background(), query, 4, retrieval.StrategyHybrid, nil)
	require.NoError(t, err)

	require.Equal(t, len(a), len(b))
	for i := range a {
		require.Equal(t, a[i].Document.ID, b[i].Document.ID)
		require.InDelta(t, a[i].Score, b[i].Score, 1e-12)
	}
}

func TestRerankBlendsScoreAndOverlap(t *testing.T) {
	idx := newIndex(t, retrieval.Options{RerankEnabled: true, RerankTopN: 2})
	require.NoError(t, idx.Ingest(context.Background(), corpus()))

	results, err := idx.Search(context.Background(), "attention mechanism", 10, retrieval.StrategyHybrid, nil)
	require.NoError(t, err)
	// Reranking rescores, it does not shrink the result set.
	require.Len(t, results, 4)
	for i, r := range results {
		require.Equal(t, i+1, r.Rank)
		if i > 0 {
			require.GreaterOrEqual(t, results[i-1].Score, r.Score)
		}
	}
	// doc-attention contains both query terms, so the overlap term keeps
	// it on top after blending.
	require.Equal(t, "doc-attention", results[0].Document.ID)
}

func TestRerankPreservesRequestedTopK(t *testing.T) {
	idx := newIndex(t, retrieval.Options{RerankEnabled: true, RerankTopN: 5})
	docs := make([]*model.Document, 8)
	for i := range docs {
		docs[i] = &model.Document{ID: fmt.Sprintf("doc-%d", i), Text: fmt.Sprintf("indexing note number %d", i)}
	}
	require.NoError(t, idx.Ingest(context.Background(), docs))

	results, err := idx.Search(context.Background(), "indexing", 8, retrieval.StrategyKeyword, nil)
	require.NoError(t, err)
	require.Len(t, results, 8)
	for i, r := range results {
		require.Equal(t, i+1, r.Rank)
	}
}

func TestMetadataFiltersApplyBeforeScoring(t *testing.T) {
	idx := newIndex(t, retrieval.Options{})
	docs := corpus()
	docs[0].Metadata = model.Attributes{"topic": "ml"}
	docs[1].Metadata = model.Attributes{"topic": "ml"}
	docs[2].Metadata = model.Attributes{"topic": "food"}
	docs[3].Metadata = model.Attributes{"topic": "ml"}
	require.NoError(t, idx.Ingest(context.Background(), docs))

	results, err := idx.Search(context.Background(), "roasting vegetables attention", 10, retrieval.StrategyKeyword, map[string]any{"topic": "food"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "doc-cooking", results[0].Document.ID)
}

func TestMultiSearchDeduplicates(t *testing.T) {
	idx := newIndex(t, retrieval.Options{})
	require.NoError(t, idx.Ingest(context.Background(), corpus()))

	results, err := idx.MultiSearch(context.Background(), []string{
		"transformer attention",
		"bidirectional transformer",
	}, 10, retrieval.StrategyKeyword)
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, r := range results {
		require.False(t, seen[r.Document.ID], "document %s returned twice", r.Document.ID)
		seen[r.Document.ID] = true
	}
}

func TestSearchValidation(t *testing.T) {
	idx := newIndex(t, retrieval.Options{})
	var verr *model.ValidationError

	_, err := idx.Search(context.Background(), "   ", 5, retrieval.StrategyKeyword, nil)
	require.ErrorAs(t, err, &verr)

	_, err = idx.Search(context.Background(), "ok", 5, retrieval.Strategy("fuzzy"), nil)
	require.ErrorAs(t, err, &verr)
}

func TestRenderPacksWholeDocuments(t *testing.T) {
	counter := token.NewEstimator()
	idx := newIndex(t, retrieval.Options{})
	require.NoError(t, idx.Ingest(context.Background(), corpus()))

	out, err := idx.Render(context.Background(), "transformer attention", 60)
	require.NoError(t, err)
	require.Contains(t, out, "=== Retrieved Knowledge ===")
	require.Contains(t, out, "[Source: ml-notes")
	require.LessOrEqual(t, counter.Count(out), 60)
}

func TestRenderIsBoundedByTierCeiling(t *testing.T) {
	idx := newIndex(t, retrieval.Options{MaxTokens: 40, Strategy: retrieval.StrategyKeyword})
	require.NoError(t, idx.Ingest(context.Background(), corpus()))

	// A caller budget above the configured ceiling is clamped to it.
	out, err := idx.Render(context.Background(), "attention mechanism value vectors", 100000)
	require.NoError(t, err)
	require.NotEmpty(t, out)
	require.LessOrEqual(t, token.NewEstimator().Count(out), 40)
}

func TestRenderStopsAtFirstOverflowingDocument(t *testing.T) {
	idx := newIndex(t, retrieval.Options{Strategy: retrieval.StrategyKeyword})
	require.NoError(t, idx.Ingest(context.Background(), []*model.Document{
		{ID: "doc-big", Text: strings.Repeat("alpha beta ", 40)},
		{ID: "doc-small", Text: "alpha note"},
	}))

	out, err := idx.Render(context.Background(), "alpha beta", 40)
	require.NoError(t, err)
	// The best match does not fit, so packing stops there rather than
	// skipping ahead to the smaller, lower-ranked document.
	require.Empty(t, out)
}

func TestSnapshotRoundTrip(t *testing.T) {
	idx := newIndex(t, retrieval.Options{})
	require.NoError(t, idx.Ingest(context.Background(), corpus()))

	exported := idx.Documents()
	fresh := newIndex(t, retrieval.Options{})
	fresh.Import(exported)

	require.Equal(t, len(exported), fresh.Stats().Documents)
	got, ok := fresh.Get("doc-bert")
	require.True(t, ok)
	require.Equal(t, "ml-notes", got.Source)
}
