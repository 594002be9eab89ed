// Package token provides token accounting for budget math. All tiers count
// text through a Counter so budgets stay comparable across the system.
package token

import (
	"strings"
	"unicode/utf8"
)

// Counter counts tokens for arbitrary text. Implementations must be
// deterministic: identical input always yields identical counts.
type Counter interface {
	// Count returns the token count for text. Empty text counts as zero.
	Count(text string) int
	// Truncate shortens text so that Count(result) <= maxTokens, cutting on
	// word boundaries where possible.
	Truncate(text string, maxTokens int) string
	// Name identifies the tokenizer, e.g. "estimator".
	Name() string
}

// Estimator is the default local Counter. It approximates subword
// tokenization as the larger of the whitespace word count and one token per
// four runes, which tracks real tokenizers closely enough for budget
// ceilings while staying dependency-free and deterministic.
type Estimator struct{}

// NewEstimator returns the default estimator.
func NewEstimator() *Estimator { return &Estimator{} }

func (e *Estimator) Name() string { return "estimator" }

func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	words := len(strings.Fields(text))
	byLength := (utf8.RuneCountInString(text) + 3) / 4
	if words > byLength {
		return words
	}
	return byLength
}

func (e *Estimator) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if e.Count(text) <= maxTokens {
		return text
	}
	words := strings.Fields(text)
	lo, hi := 0, len(words)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if e.Count(strings.Join(words[:mid], " ")) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return strings.Join(words[:lo], " ")
}

var _ Counter = (*Estimator)(nil)
