package model

import "fmt"

// ValidationError reports invalid input rejected at a call boundary:
// malformed role, negative token budget, unknown strategy, bad attribute
// value. It is the only error class AssembleContext surfaces to callers.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Validationf builds a ValidationError for the given field.
func Validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
