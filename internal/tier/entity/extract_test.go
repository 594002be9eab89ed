package entity_test

import (
	"context"
	"errors"
	"testing"

	registrycomplete "github.com/chirino/context-engine/internal/registry/complete"
	"github.com/chirino/context-engine/internal/tier/entity"
	"github.com/stretchr/testify/require"
)

type fakeCompleter struct {
	response string
	err      error
	lastReq  registrycomplete.Request
}

func (f *fakeCompleter) Complete(_ context.Context, req registrycomplete.Request) (string, error) {
	f.lastReq = req
	return f.response, f.err
}

func (f *fakeCompleter) ModelName() string { return "fake" }

func TestExtractStructured(t *testing.T) {
	fc := &fakeCompleter{response: `{
		"entities": [{"name": "Alice", "type": "person"}, {"name": "  ", "type": "person"}],
		"relationships": [{"from": "Alice", "to": "Acme", "type": "works_at", "strength": 2.5}],
		"preferences": [{"key": "language", "value": "Go", "confidence": 0.9}]
	}`}
	ex := entity.NewExtractor(fc)

	got := ex.Extract(context.Background(), "Alice works at Acme.")
	require.True(t, fc.lastReq.JSONOutput)

	require.Len(t, got.Entities, 1)
	require.Equal(t, "Alice", got.Entities[0].Name)
	require.Len(t, got.Relationships, 1)
	// Out-of-range strengths clamp to the neutral default.
	require.Equal(t, 0.5, got.Relationships[0].Strength)
	require.Len(t, got.Preferences, 1)
	require.Equal(t, 0.9, got.Preferences[0].Confidence)
}

func TestExtractFallsBackOnCompleterError(t *testing.T) {
	ex := entity.NewExtractor(&fakeCompleter{err: errors.New("provider down")})

	got := ex.Extract(context.Background(), "Alice moved to Berlin.")
	require.Len(t, got.Entities, 2)
	require.ElementsMatch(t,
		[]string{"Alice", "Berlin"},
		[]string{got.Entities[0].Name, got.Entities[1].Name})
}

func TestExtractFallsBackOnMalformedJSON(t *testing.T) {
	ex := entity.NewExtractor(&fakeCompleter{response: "sorry, I cannot do that"})

	got := ex.Extract(context.Background(), "Bob visited Paris.")
	require.Len(t, got.Entities, 2)
}

func TestHeuristicJoinsCapitalizedSpans(t *testing.T) {
	ex := entity.NewExtractor(nil)

	got := ex.Extract(context.Background(), "User: I met Alice Cooper in New York. The weather was fine, Alice said.")

	names := make([]string, len(got.Entities))
	for i, e := range got.Entities {
		names[i] = e.Name
	}
	// Adjacent capitalized words form one entity; stopwords and repeats drop.
	require.Equal(t, []string{"Alice Cooper", "New York", "Alice"}, names)
	require.NotContains(t, names, "The")
	require.NotContains(t, names, "User")
	require.Empty(t, got.Relationships)
	require.Empty(t, got.Preferences)

	for _, e := range got.Entities {
		require.Equal(t, "other", e.Type)
	}
}

func TestHeuristicIgnoresShortAndLowercaseWords(t *testing.T) {
	ex := entity.NewExtractor(nil)

	got := ex.Extract(context.Background(), "a quick brown fox and I ran")
	require.Empty(t, got.Entities)
}
