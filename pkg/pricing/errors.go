package pricing

import (
	"fmt"
	"time"
)

// DuplicateVersionError is returned when publishing a version that exists.
type DuplicateVersionError struct {
	Version uint64
}

// Error implements the error interface.
func (e *DuplicateVersionError) Error() string {
	return fmt.Sprintf("pricing version %d already published", e.Version)
}

// NewDuplicateVersionError creates a new DuplicateVersionError.
func NewDuplicateVersionError(version uint64) *DuplicateVersionError {
	return &DuplicateVersionError{Version: version}
}

// InvalidTierTableError is returned when a tier table has gaps, overlaps
// or does not cover every quantity.
type InvalidTierTableError struct {
	Version   uint64
	Dimension string // empty for the base rate
	Reason    string
}

// Error implements the error interface.
func (e *InvalidTierTableError) Error() string {
	if e.Dimension != "" {
		return fmt.Sprintf("invalid tier table [version=%d, dimension=%s]: %s", e.Version, e.Dimension, e.Reason)
	}
	return fmt.Sprintf("invalid tier table [version=%d]: %s", e.Version, e.Reason)
}

// NewInvalidTierTableError creates a new InvalidTierTableError.
func NewInvalidTierTableError(version uint64, dimension, reason string) *InvalidTierTableError {
	return &InvalidTierTableError{Version: version, Dimension: dimension, Reason: reason}
}

// InvalidModelError is returned when a model field is missing or does not
// fit the model's kind.
type InvalidModelError struct {
	Version uint64
	Field   string
	Reason  string
}

// Error implements the error interface.
func (e *InvalidModelError) Error() string {
	return fmt.Sprintf("invalid pricing model [version=%d, field=%s]: %s", e.Version, e.Field, e.Reason)
}

// NewInvalidModelError creates a new InvalidModelError.
func NewInvalidModelError(version uint64, field, reason string) *InvalidModelError {
	return &InvalidModelError{Version: version, Field: field, Reason: reason}
}

// PricingVersionNotFoundError is returned when resolving an unknown version.
type PricingVersionNotFoundError struct {
	Version uint64
}

// Error implements the error interface.
func (e *PricingVersionNotFoundError) Error() string {
	return fmt.Sprintf("pricing version %d not found", e.Version)
}

// NewPricingVersionNotFoundError creates a new PricingVersionNotFoundError.
func NewPricingVersionNotFoundError(version uint64) *PricingVersionNotFoundError {
	return &PricingVersionNotFoundError{Version: version}
}

// NoApplicablePricingError is returned when no published version covers a
// component and action at a point in time.
type NoApplicablePricingError struct {
	Component string
	Action    string
	At        time.Time

	// KnownComponent is false when no version was ever published for the
	// component.
	KnownComponent bool
}

// Error implements the error interface.
func (e *NoApplicablePricingError) Error() string {
	if !e.KnownComponent {
		return fmt.Sprintf("no pricing for unknown component %q", e.Component)
	}
	return fmt.Sprintf("no pricing effective for component=%s action=%s at %s",
		e.Component, e.Action, e.At.UTC().Format(time.RFC3339))
}

// NewNoApplicablePricingError creates a new NoApplicablePricingError.
func NewNoApplicablePricingError(component, action string, at time.Time, known bool) *NoApplicablePricingError {
	return &NoApplicablePricingError{Component: component, Action: action, At: at, KnownComponent: known}
}

// StoreError wraps a failure from a pricing Store.
type StoreError struct {
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return fmt.Sprintf("pricing store error [operation=%s]: %v", e.Operation, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *StoreError) Unwrap() error {
	return e.Cause
}
