package orchestrator

import (
	"strings"

	"github.com/chirino/context-engine/internal/model"
)

// Base budget weights per tier. Query intent shifts these before
// renormalization.
const (
	baseActive     = 0.35
	baseCompressed = 0.20
	baseRetrieval  = 0.30
	basePersistent = 0.15
)

var historyTerms = []string{"history", "earlier", "before", "previous"}

var knowledgeTerms = []string{"what", "how", "why", "explain", "tell me about"}

// budgetFor splits maxTokens across the tiers. A fixed reserve comes off
// the top for the system prompt; the rest is divided by intent-adjusted
// weights. Integer truncation remainders fold into the active tier so the
// parts always sum exactly to maxTokens.
func (o *Orchestrator) budgetFor(query string, maxTokens int, hasRelevantEntities bool) model.ContextBudget {
	w1, w2, w3, w4 := baseActive, baseCompressed, baseRetrieval, basePersistent

	lower := strings.ToLower(query)
	if containsAny(lower, historyTerms) {
		w2 += 0.10
		w1 -= 0.05
		w3 -= 0.05
	}
	if containsAny(lower, knowledgeTerms) {
		w3 += 0.10
		w1 -= 0.10
	}
	if hasRelevantEntities {
		w4 += 0.10
		w2 -= 0.05
		w3 -= 0.05
	}

	sum := w1 + w2 + w3 + w4
	w2, w3, w4 = w2/sum, w3/sum, w4/sum

	reserve := o.opts.SystemPromptReserve
	if reserve > maxTokens {
		reserve = maxTokens
	}
	available := maxTokens - reserve

	b := model.ContextBudget{
		Compressed:   int(w2 * float64(available)),
		Retrieval:    int(w3 * float64(available)),
		Persistent:   int(w4 * float64(available)),
		SystemPrompt: reserve,
	}
	b.Active = available - b.Compressed - b.Retrieval - b.Persistent
	return b
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}
