package replay

import "fmt"

// DivergenceError (ReplayDivergenceError) is returned by Verify when a
// replay with the original pricing does not match every recorded event.
type DivergenceError struct {
	ExecutionID string
	Report      *Report
}

// Error implements the error interface.
func (e *DivergenceError) Error() string {
	s := e.Report.Summary
	return fmt.Sprintf("replay divergence [execution=%s]: %d of %d lines diverge (%d rounding, %d pricing, %d structural)",
		e.ExecutionID, s.Lines-s.Match, s.Lines, s.RoundingDrift, s.PricingDivergence, s.StructuralDivergence)
}

// NewDivergenceError creates a new DivergenceError.
func NewDivergenceError(report *Report) *DivergenceError {
	return &DivergenceError{ExecutionID: report.ExecutionID, Report: report}
}
