package costs

import (
	"errors"
	"fmt"

	"mercator-hq/tally/pkg/pricing"
	"mercator-hq/tally/pkg/usage"
)

// MalformedUsageError is returned when a usage record cannot be priced
// because its own content is invalid or does not fit the pricing model.
type MalformedUsageError struct {
	RecordID string
	Field    string
	Reason   string
}

// Error implements the error interface.
func (e *MalformedUsageError) Error() string {
	return fmt.Sprintf("malformed usage record [id=%s, field=%s]: %s", e.RecordID, e.Field, e.Reason)
}

// NewMalformedUsageError creates a new MalformedUsageError.
func NewMalformedUsageError(recordID, field, reason string) *MalformedUsageError {
	return &MalformedUsageError{RecordID: recordID, Field: field, Reason: reason}
}

// NewTimestampRegressionError reports a record whose timestamp precedes a
// record already attributed for the same execution.
func NewTimestampRegressionError(rec usage.Record) *MalformedUsageError {
	return NewMalformedUsageError(rec.ID, "timestamp",
		"precedes a record already attributed for execution "+rec.ExecutionID)
}

// ReasonFor maps an attribution failure to the reason code recorded on the
// unattributable event.
func ReasonFor(err error) ReasonCode {
	var (
		malformed *MalformedUsageError
		noPricing *pricing.NoApplicablePricingError
		notFound  *pricing.PricingVersionNotFoundError
	)
	switch {
	case errors.As(err, &malformed):
		return ReasonMalformedUsage
	case errors.As(err, &noPricing):
		if !noPricing.KnownComponent {
			return ReasonUnknownComponent
		}
		return ReasonNoApplicablePricing
	case errors.As(err, &notFound):
		// A pinned version that was never published leaves the record
		// with no applicable pricing.
		return ReasonNoApplicablePricing
	}
	return ReasonNoApplicablePricing
}
