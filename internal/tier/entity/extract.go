package entity

import (
	"context"
	"encoding/json"
	"strings"
	"unicode"

	"github.com/charmbracelet/log"
	"github.com/chirino/context-engine/internal/model"
	registrycomplete "github.com/chirino/context-engine/internal/registry/complete"
)

const extractionPrompt = `Extract entities, relationships, and user preferences from this text.

Text:
%TEXT%

Respond with a JSON object of this shape:
{
  "entities": [{"name": "...", "type": "person|place|organization|concept|other", "attributes": {}}],
  "relationships": [{"from": "...", "to": "...", "type": "...", "strength": 0.5}],
  "preferences": [{"key": "...", "value": "...", "confidence": 0.5}]
}

Only include what the text states. Respond with JSON only.`

// stopwords are skipped by the heuristic extractor even when capitalized
// (sentence starts, common pronouns).
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "i": true, "you": true, "he": true,
	"she": true, "it": true, "we": true, "they": true, "this": true,
	"that": true, "my": true, "your": true, "his": true, "her": true,
	"its": true, "our": true, "their": true, "what": true, "when": true,
	"where": true, "who": true, "how": true, "why": true, "yes": true,
	"no": true, "ok": true, "okay": true, "please": true, "thanks": true,
	"hello": true, "hi": true, "user": true, "assistant": true,
}

// Extraction is what extraction pulls out of one piece of text.
type Extraction struct {
	Entities      []ExtractedEntity       `json:"entities"`
	Relationships []ExtractedRelationship `json:"relationships"`
	Preferences   []ExtractedPreference   `json:"preferences"`
}

type ExtractedEntity struct {
	Name       string           `json:"name"`
	Type       string           `json:"type"`
	Attributes model.Attributes `json:"attributes"`
}

type ExtractedRelationship struct {
	From     string  `json:"from"`
	To       string  `json:"to"`
	Type     string  `json:"type"`
	Strength float64 `json:"strength"`
}

type ExtractedPreference struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Extractor pulls entities out of conversation text, preferring
// structured extraction via the completion capability and degrading to a
// capitalization heuristic when it is unavailable or fails.
type Extractor struct {
	completer registrycomplete.Completer // nil forces the heuristic
}

// NewExtractor creates an extractor. completer may be nil.
func NewExtractor(completer registrycomplete.Completer) *Extractor {
	return &Extractor{completer: completer}
}

// Extract returns the entities, relationships and preferences found in
// text. It never returns an error: every failure path falls back to the
// local heuristic.
func (ex *Extractor) Extract(ctx context.Context, text string) Extraction {
	if ex.completer != nil {
		if out, ok := ex.structured(ctx, text); ok {
			return out
		}
	}
	return heuristic(text)
}

func (ex *Extractor) structured(ctx context.Context, text string) (Extraction, bool) {
	raw, err := ex.completer.Complete(ctx, registrycomplete.Request{
		Messages: []registrycomplete.Message{
			{Role: "user", Content: strings.Replace(extractionPrompt, "%TEXT%", text, 1)},
		},
		JSONOutput: true,
	})
	if err != nil {
		log.Warn("Entity graph: structured extraction failed, using heuristic", "err", err)
		return Extraction{}, false
	}
	var out Extraction
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &out); err != nil {
		log.Warn("Entity graph: extraction response was not valid JSON, using heuristic", "err", err)
		return Extraction{}, false
	}
	out.sanitize()
	return out, true
}

// sanitize drops malformed records and clamps scores so a sloppy model
// response cannot poison the graph.
func (e *Extraction) sanitize() {
	entities := e.Entities[:0]
	for _, ent := range e.Entities {
		ent.Name = strings.TrimSpace(ent.Name)
		if ent.Name == "" {
			continue
		}
		entities = append(entities, ent)
	}
	e.Entities = entities

	rels := e.Relationships[:0]
	for _, r := range e.Relationships {
		if strings.TrimSpace(r.From) == "" || strings.TrimSpace(r.To) == "" || strings.TrimSpace(r.Type) == "" {
			continue
		}
		r.Strength = clamp01(r.Strength, 0.5)
		rels = append(rels, r)
	}
	e.Relationships = rels

	prefs := e.Preferences[:0]
	for _, p := range e.Preferences {
		if strings.TrimSpace(p.Key) == "" {
			continue
		}
		p.Confidence = clamp01(p.Confidence, 0.5)
		prefs = append(prefs, p)
	}
	e.Preferences = prefs
}

func clamp01(v, fallback float64) float64 {
	if v <= 0 || v > 1 {
		return fallback
	}
	return v
}

// heuristic extracts capitalized word spans as entities. It knows nothing
// about relationships or preferences.
func heuristic(text string) Extraction {
	var out Extraction
	seen := make(map[string]bool)
	words := strings.Fields(text)
	for i := 0; i < len(words); i++ {
		w := strings.Trim(words[i], ".,!?;:\"'()")
		if !isCapitalized(w) || stopwords[strings.ToLower(w)] {
			continue
		}
		span := []string{w}
		for i+1 < len(words) {
			next := strings.Trim(words[i+1], ".,!?;:\"'()")
			if !isCapitalized(next) || stopwords[strings.ToLower(next)] {
				break
			}
			span = append(span, next)
			i++
		}
		name := strings.Join(span, " ")
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out.Entities = append(out.Entities, ExtractedEntity{Name: name, Type: "other"})
	}
	return out
}

func isCapitalized(w string) bool {
	if len(w) < 2 {
		return false
	}
	r := []rune(w)
	return unicode.IsUpper(r[0]) && unicode.IsLetter(r[0])
}
