package export

import (
	"context"
	"fmt"
	"io"

	"mercator-hq/tally/pkg/ledger"
	"mercator-hq/tally/pkg/replay"
)

// Format names an export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// Exporter writes ledger views and replay reports to a writer.
type Exporter interface {
	// ExportEntries writes itemized ledger entries.
	ExportEntries(ctx context.Context, entries []*ledger.Entry, w io.Writer) error

	// ExportEntryStream writes entries as they arrive until ch is closed.
	ExportEntryStream(ctx context.Context, ch <-chan *ledger.Entry, w io.Writer) error

	// ExportAggregate writes an aggregate's group and currency totals.
	ExportAggregate(ctx context.Context, agg *ledger.Aggregate, w io.Writer) error

	// ExportReports writes delta reports line by line.
	ExportReports(ctx context.Context, reports []*replay.Report, w io.Writer) error
}

// New returns the exporter for a format.
func New(format Format) (Exporter, error) {
	switch format {
	case FormatJSON:
		return NewJSONExporter(true), nil
	case FormatCSV:
		return NewCSVExporter(true), nil
	}
	return nil, fmt.Errorf("unsupported export format %q", format)
}

// ExportError represents a failure while exporting.
type ExportError struct {
	Format string
	Count  int
	Cause  error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export error [format=%s, count=%d]: %v", e.Format, e.Count, e.Cause)
}

func (e *ExportError) Unwrap() error {
	return e.Cause
}

// NewExportError creates a new ExportError.
func NewExportError(format Format, count int, cause error) *ExportError {
	return &ExportError{Format: string(format), Count: count, Cause: cause}
}
