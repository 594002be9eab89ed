package model

import "fmt"

// Attributes is a closed attribute map: string keys and string, number, or
// boolean values. Loosely-typed payloads from extraction and API boundaries
// are validated into this shape rather than carried around as raw JSON.
type Attributes map[string]any

// NormalizeAttributes validates a decoded JSON object into Attributes.
// Permitted value kinds are string, float64, int, and bool; anything else
// (nested objects, arrays, nulls) is rejected.
func NormalizeAttributes(raw map[string]any) (Attributes, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(Attributes, len(raw))
	for k, v := range raw {
		switch v.(type) {
		case string, float64, int, int64, bool:
			out[k] = v
		default:
			return nil, &ValidationError{Field: k, Reason: fmt.Sprintf("unsupported attribute value type %T", v)}
		}
	}
	return out, nil
}

// Merge returns a copy of a with the entries of b applied on top. Values
// from b win on key collision. A nil receiver is treated as empty.
func (a Attributes) Merge(b Attributes) Attributes {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(Attributes, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
