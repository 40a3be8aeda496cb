package model

import "fmt"

// ValidationError is a configuration or request validation failure. The API
// layer renders it 400-equivalent; it is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
