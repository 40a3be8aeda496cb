package store

import (
	"errors"
	"fmt"
)

// ErrNotFound means the referenced row does not exist.
var ErrNotFound = errors.New("not found")

// AmbiguousDatapointError is returned when a legacy label-only lookup matches
// more than one datapoint even after scoping. The candidates are surfaced so
// the caller can disambiguate; the store never guesses.
type AmbiguousDatapointError struct {
	Label      string
	Candidates []int64
}

func (e *AmbiguousDatapointError) Error() string {
	return fmt.Sprintf("ambiguous datapoint label %q: %d candidates %v", e.Label, len(e.Candidates), e.Candidates)
}
