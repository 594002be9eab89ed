package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func budgetOrchestrator() *Orchestrator {
	o := &Orchestrator{}
	o.opts.defaults()
	return o
}

func TestBudgetPartsSumExactly(t *testing.T) {
	o := budgetOrchestrator()
	queries := []string{
		"hello there",
		"what did we discuss earlier",
		"explain how transformers work",
		"alice",
	}
	for _, maxTokens := range []int{100000, 99991, 8000, 501} {
		for _, q := range queries {
			for _, entities := range []bool{false, true} {
				b := o.budgetFor(q, maxTokens, entities)
				require.Equal(t, maxTokens, b.Total(), "query=%q maxTokens=%d entities=%v", q, maxTokens, entities)
				require.GreaterOrEqual(t, b.Active, 0)
				require.GreaterOrEqual(t, b.Compressed, 0)
				require.GreaterOrEqual(t, b.Retrieval, 0)
				require.GreaterOrEqual(t, b.Persistent, 0)
			}
		}
	}
}

func TestBudgetBaseWeights(t *testing.T) {
	o := budgetOrchestrator()
	b := o.budgetFor("hello there", 100000, false)

	available := 100000 - 500
	require.Equal(t, 500, b.SystemPrompt)
	require.Equal(t, int(0.20*float64(available)), b.Compressed)
	require.Equal(t, int(0.30*float64(available)), b.Retrieval)
	require.Equal(t, int(0.15*float64(available)), b.Persistent)
	require.Equal(t, available-b.Compressed-b.Retrieval-b.Persistent, b.Active)
}

func TestBudgetShiftsTowardHistory(t *testing.T) {
	o := budgetOrchestrator()
	base := o.budgetFor("hello there", 100000, false)
	history := o.budgetFor("summarize our earlier discussion", 100000, false)

	require.Greater(t, history.Compressed, base.Compressed)
	require.Less(t, history.Active, base.Active)
	require.Less(t, history.Retrieval, base.Retrieval)
}

func TestBudgetShiftsTowardKnowledge(t *testing.T) {
	o := budgetOrchestrator()
	base := o.budgetFor("hello there", 100000, false)
	knowledge := o.budgetFor("explain quantum computing", 100000, false)

	require.Greater(t, knowledge.Retrieval, base.Retrieval)
	require.Less(t, knowledge.Active, base.Active)
}

func TestBudgetShiftsTowardEntities(t *testing.T) {
	o := budgetOrchestrator()
	base := o.budgetFor("status update", 100000, false)
	entities := o.budgetFor("status update", 100000, true)

	require.Greater(t, entities.Persistent, base.Persistent)
	require.Less(t, entities.Compressed, base.Compressed)
	require.Less(t, entities.Retrieval, base.Retrieval)
}

func TestBudgetReserveCappedBySmallBudgets(t *testing.T) {
	o := budgetOrchestrator()
	b := o.budgetFor("hello", 300, false)

	require.Equal(t, 300, b.SystemPrompt)
	require.Equal(t, 0, b.Active)
	require.Equal(t, 300, b.Total())
}
