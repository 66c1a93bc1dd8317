package usage

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("usage record not found")

	// ErrConflict is returned when a record id is reused for different content.
	ErrConflict = errors.New("usage record id already retained with different content")
)

// Store retains usage records for replay.
type Store interface {
	// Put retains a record. Putting an identical record again is a no-op.
	Put(ctx context.Context, rec Record) error

	// Get returns the record with the given id.
	Get(ctx context.Context, id string) (Record, error)

	// ByExecution returns all records of an execution in timestamp order.
	ByExecution(ctx context.Context, executionID string) ([]Record, error)

	// Executions lists the ids of every execution with retained records.
	Executions(ctx context.Context) ([]string, error)

	// Close releases resources held by the store.
	Close() error
}

// StoreError wraps a failure from a Store backend.
type StoreError struct {
	Backend   string
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return fmt.Sprintf("usage store error [backend=%s, operation=%s]: %v", e.Backend, e.Operation, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// NewStoreError creates a new StoreError.
func NewStoreError(backend, operation string, cause error) *StoreError {
	return &StoreError{Backend: backend, Operation: operation, Cause: cause}
}

// Equal reports whether two records carry the same content.
func Equal(a, b Record) bool {
	return a.WithID().ID == b.WithID().ID && a.DerivedID() == b.DerivedID()
}
