package semcache_test

import (
	"context"
	"errors"
	"testing"

	"github.com/chirino/context-engine/internal/model"
	embedlocal "github.com/chirino/context-engine/internal/plugin/embed/local"
	"github.com/chirino/context-engine/internal/semcache"
	"github.com/stretchr/testify/require"
)

func assembled(prompt string) *model.AssembledContext {
	return &model.AssembledContext{SystemPrompt: prompt}
}

func TestExactQueryHits(t *testing.T) {
	c := semcache.New(&embedlocal.LocalEmbedder{}, 0.95, 0)
	ctx := context.Background()

	c.Put(ctx, "alice status report", assembled("first"))

	got, ok := c.Get(ctx, "alice status report")
	require.True(t, ok)
	require.Equal(t, "first", got.SystemPrompt)

	hits, misses, rate := c.HitRate()
	require.Equal(t, int64(1), hits)
	require.Equal(t, int64(0), misses)
	require.Equal(t, 1.0, rate)
}

func TestNearDuplicateQueryHits(t *testing.T) {
	c := semcache.New(&embedlocal.LocalEmbedder{}, 0.95, 0)
	ctx := context.Background()

	c.Put(ctx, "alice status report", assembled("first"))

	// Same bag of words, different order: similarity 1.0.
	got, ok := c.Get(ctx, "status report alice")
	require.True(t, ok)
	require.Equal(t, "first", got.SystemPrompt)
}

func TestUnrelatedQueryMisses(t *testing.T) {
	c := semcache.New(&embedlocal.LocalEmbedder{}, 0.95, 0)
	ctx := context.Background()

	c.Put(ctx, "alice status report", assembled("first"))

	_, ok := c.Get(ctx, "weather forecast for berlin")
	require.False(t, ok)

	hits, misses, rate := c.HitRate()
	require.Equal(t, int64(0), hits)
	require.Equal(t, int64(1), misses)
	require.Equal(t, 0.0, rate)
}

func TestInvalidateDropsEverything(t *testing.T) {
	c := semcache.New(&embedlocal.LocalEmbedder{}, 0.95, 0)
	ctx := context.Background()

	c.Put(ctx, "alice status report", assembled("first"))
	c.Invalidate()

	_, ok := c.Get(ctx, "alice status report")
	require.False(t, ok)
}

func TestPutReplacesSameQuery(t *testing.T) {
	c := semcache.New(&embedlocal.LocalEmbedder{}, 0.95, 0)
	ctx := context.Background()

	c.Put(ctx, "alice status report", assembled("first"))
	c.Put(ctx, "alice status report", assembled("second"))

	got, ok := c.Get(ctx, "alice status report")
	require.True(t, ok)
	require.Equal(t, "second", got.SystemPrompt)
}

func TestBoundedEntriesEvictOldest(t *testing.T) {
	c := semcache.New(&embedlocal.LocalEmbedder{}, 0.95, 2)
	ctx := context.Background()

	c.Put(ctx, "first distinct query", assembled("a"))
	c.Put(ctx, "second distinct query", assembled("b"))
	c.Put(ctx, "third distinct query", assembled("c"))

	_, ok := c.Get(ctx, "first distinct query")
	require.False(t, ok)
	_, ok = c.Get(ctx, "third distinct query")
	require.True(t, ok)
}

type failingEmbedder struct{}

func (failingEmbedder) ModelName() string { return "failing" }
func (failingEmbedder) Dimension() int    { return 0 }
func (failingEmbedder) EmbedTexts(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("embedder offline")
}

func TestEmbedFailureIsAMiss(t *testing.T) {
	c := semcache.New(failingEmbedder{}, 0.95, 0)
	ctx := context.Background()

	c.Put(ctx, "anything", assembled("a"))
	_, ok := c.Get(ctx, "anything else")
	require.False(t, ok)
}
