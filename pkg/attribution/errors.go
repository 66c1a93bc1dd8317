package attribution

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyCorrected is returned when a correction targets an event
	// that already has one.
	ErrAlreadyCorrected = errors.New("event already has a correction")

	// ErrNotCorrectable is returned when a correction targets an
	// unattributable event.
	ErrNotCorrectable = errors.New("only cost events can be corrected")
)

// SourceError reports a failure reading from a usage source.
type SourceError struct {
	Source string
	Cause  error
}

// Error implements the error interface.
func (e *SourceError) Error() string {
	return fmt.Sprintf("usage source %q: %v", e.Source, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *SourceError) Unwrap() error {
	return e.Cause
}

// NewSourceError creates a new SourceError.
func NewSourceError(source string, cause error) *SourceError {
	return &SourceError{Source: source, Cause: cause}
}
