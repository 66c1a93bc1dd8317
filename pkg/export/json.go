package export

import (
	"context"
	"encoding/json"
	"io"

	"mercator-hq/tally/pkg/ledger"
	"mercator-hq/tally/pkg/replay"
)

// JSONExporter exports ledger data as JSON.
type JSONExporter struct {
	// Pretty enables indentation.
	Pretty bool
}

// NewJSONExporter creates a new JSON exporter.
func NewJSONExporter(pretty bool) *JSONExporter {
	return &JSONExporter{Pretty: pretty}
}

// ExportEntries writes entries as a JSON array; no entries yield "[]".
func (e *JSONExporter) ExportEntries(ctx context.Context, entries []*ledger.Entry, w io.Writer) error {
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	if err := e.encode(w, entries); err != nil {
		return NewExportError(FormatJSON, len(entries), err)
	}
	return nil
}

// aggregateDocument adds the itemized entries, which Aggregate omits from
// its own encoding.
type aggregateDocument struct {
	*ledger.Aggregate
	Entries []*ledger.Entry `json:"entries"`
}

// ExportAggregate writes the aggregate with its itemized entries.
func (e *JSONExporter) ExportAggregate(ctx context.Context, agg *ledger.Aggregate, w io.Writer) error {
	doc := aggregateDocument{Aggregate: agg, Entries: agg.Entries}
	if doc.Entries == nil {
		doc.Entries = []*ledger.Entry{}
	}
	if err := e.encode(w, doc); err != nil {
		return NewExportError(FormatJSON, len(agg.Entries), err)
	}
	return nil
}

// ExportReports writes a single report as an object and several as an array.
func (e *JSONExporter) ExportReports(ctx context.Context, reports []*replay.Report, w io.Writer) error {
	var v any = reports
	switch len(reports) {
	case 0:
		v = []*replay.Report{}
	case 1:
		v = reports[0]
	}
	if err := e.encode(w, v); err != nil {
		return NewExportError(FormatJSON, len(reports), err)
	}
	return nil
}

// ExportEntryStream writes entries from a channel as one JSON array
// without buffering them all in memory.
func (e *JSONExporter) ExportEntryStream(ctx context.Context, ch <-chan *ledger.Entry, w io.Writer) error {
	if _, err := io.WriteString(w, "["); err != nil {
		return NewExportError(FormatJSON, 0, err)
	}

	count := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case entry, ok := <-ch:
			if !ok {
				closing := "]\n"
				if e.Pretty && count > 0 {
					closing = "\n]\n"
				}
				if _, err := io.WriteString(w, closing); err != nil {
					return NewExportError(FormatJSON, count, err)
				}
				return nil
			}

			sep := ""
			if count > 0 {
				sep = ","
			}
			if e.Pretty {
				sep += "\n  "
			}
			if _, err := io.WriteString(w, sep); err != nil {
				return NewExportError(FormatJSON, count, err)
			}

			data, err := e.marshalElement(entry)
			if err != nil {
				return NewExportError(FormatJSON, count, err)
			}
			if _, err := w.Write(data); err != nil {
				return NewExportError(FormatJSON, count, err)
			}
			count++
		}
	}
}

func (e *JSONExporter) encode(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	if e.Pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

func (e *JSONExporter) marshalElement(v any) ([]byte, error) {
	if e.Pretty {
		return json.MarshalIndent(v, "  ", "  ")
	}
	return json.Marshal(v)
}
