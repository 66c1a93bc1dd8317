package ledger

import (
	"errors"
	"fmt"
)

// ErrWriteRejected is returned by storage when a write would modify,
// reorder or remove an existing entry.
var ErrWriteRejected = errors.New("ledger is append-only: write rejected")

// ErrEventNotFound is returned when no stream holds an event id.
var ErrEventNotFound = errors.New("event not found")

// WriteError (LedgerWriteError) reports a failed append. The entry was not
// committed and the stream head did not move.
type WriteError struct {
	Stream   string
	Sequence uint64
	Cause    error
}

// Error implements the error interface.
func (e *WriteError) Error() string {
	return fmt.Sprintf("ledger write failed [stream=%s, sequence=%d]: %v", e.Stream, e.Sequence, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *WriteError) Unwrap() error {
	return e.Cause
}

// NewWriteError creates a new WriteError.
func NewWriteError(stream string, sequence uint64, cause error) *WriteError {
	return &WriteError{Stream: stream, Sequence: sequence, Cause: cause}
}

// IntegrityError (LedgerIntegrityError) reports the first entry of a
// stream whose stored hashes do not match its content or its predecessor.
type IntegrityError struct {
	Stream   string
	Sequence uint64
	Reason   string
}

// Error implements the error interface.
func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger integrity violation [stream=%s, sequence=%d]: %s", e.Stream, e.Sequence, e.Reason)
}

// NewIntegrityError creates a new IntegrityError.
func NewIntegrityError(stream string, sequence uint64, reason string) *IntegrityError {
	return &IntegrityError{Stream: stream, Sequence: sequence, Reason: reason}
}

// StorageError wraps a failure from a storage backend.
type StorageError struct {
	Backend   string
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("ledger storage error [backend=%s, operation=%s]: %v", e.Backend, e.Operation, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewStorageError creates a new StorageError.
func NewStorageError(backend, operation string, cause error) *StorageError {
	return &StorageError{Backend: backend, Operation: operation, Cause: cause}
}
