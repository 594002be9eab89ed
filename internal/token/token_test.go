package token_test

import (
	"strings"
	"testing"

	"github.com/chirino/context-engine/internal/token"
	"github.com/stretchr/testify/require"
)

func TestCountEmptyIsZero(t *testing.T) {
	e := token.NewEstimator()
	require.Equal(t, 0, e.Count(""))
}

func TestCountUsesLargerOfWordsAndRuneQuarters(t *testing.T) {
	e := token.NewEstimator()

	// Many short words: the word count dominates.
	require.Equal(t, 10, e.Count(strings.TrimSpace(strings.Repeat("a ", 10))))

	// One long word: the rune count dominates, rounded up.
	require.Equal(t, 5, e.Count(strings.Repeat("x", 20)))
	require.Equal(t, 6, e.Count(strings.Repeat("x", 21)))
}

func TestCountIsMonotonicUnderAppend(t *testing.T) {
	e := token.NewEstimator()
	text := ""
	prev := 0
	for i := 0; i < 50; i++ {
		text += "another word "
		n := e.Count(text)
		require.GreaterOrEqual(t, n, prev)
		prev = n
	}
}

func TestTruncateStaysWithinBudget(t *testing.T) {
	e := token.NewEstimator()
	text := strings.TrimSpace(strings.Repeat("alpha beta gamma delta ", 40))

	for _, budget := range []int{1, 7, 50, 1000} {
		got := e.Truncate(text, budget)
		require.LessOrEqual(t, e.Count(got), budget, "budget=%d", budget)
	}

	// A text already inside the budget comes back untouched.
	require.Equal(t, "short text", e.Truncate("short text", 100))
	require.Equal(t, "", e.Truncate(text, 0))
}

func TestTruncateCutsOnWordBoundaries(t *testing.T) {
	e := token.NewEstimator()
	got := e.Truncate("one two three four five six seven eight", 2)
	require.Equal(t, "one two", got)
}
