package export

import (
	"context"
	"encoding/csv"
	"io"
	"maps"
	"slices"
	"strconv"
	"time"

	"mercator-hq/tally/pkg/ledger"
	"mercator-hq/tally/pkg/replay"
)

// CSVExporter exports ledger data as CSV with one row per entry, group or
// report line.
type CSVExporter struct {
	// IncludeHeader writes a header row first.
	IncludeHeader bool
}

// NewCSVExporter creates a new CSV exporter.
func NewCSVExporter(includeHeader bool) *CSVExporter {
	return &CSVExporter{IncludeHeader: includeHeader}
}

var entryHeader = []string{
	"stream", "sequence", "event_id", "kind", "timestamp",
	"execution_id", "component", "action", "line", "usage_record_id",
	"quantity", "unit", "unit_cost", "total_cost", "currency",
	"pricing_version", "cost_source", "corrects", "reason", "detail",
	"event_hash", "prev_hash", "hash",
}

var aggregateHeader = []string{"scope", "group_by", "key", "currency", "total", "events"}

var reportHeader = []string{
	"execution_id", "snapshot", "usage_record_id", "line", "component", "action",
	"currency", "stream", "sequence", "original_event_id",
	"original_version", "recomputed_version",
	"original_total", "recomputed_total", "delta", "classification", "detail",
}

// ExportEntries writes one row per entry.
func (e *CSVExporter) ExportEntries(ctx context.Context, entries []*ledger.Entry, w io.Writer) error {
	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, entryRow(entry))
	}
	if err := e.write(w, entryHeader, rows); err != nil {
		return NewExportError(FormatCSV, len(entries), err)
	}
	return nil
}

// ExportEntryStream writes entries from a channel, flushing every 100 rows.
func (e *CSVExporter) ExportEntryStream(ctx context.Context, ch <-chan *ledger.Entry, w io.Writer) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if e.IncludeHeader {
		if err := writer.Write(entryHeader); err != nil {
			return NewExportError(FormatCSV, 0, err)
		}
	}

	count := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case entry, ok := <-ch:
			if !ok {
				writer.Flush()
				if err := writer.Error(); err != nil {
					return NewExportError(FormatCSV, count, err)
				}
				return nil
			}
			if err := writer.Write(entryRow(entry)); err != nil {
				return NewExportError(FormatCSV, count, err)
			}
			count++
			if count%100 == 0 {
				writer.Flush()
				if err := writer.Error(); err != nil {
					return NewExportError(FormatCSV, count, err)
				}
			}
		}
	}
}

// ExportAggregate writes one "group" row per group followed by one "total"
// row per currency, in sorted currency order.
func (e *CSVExporter) ExportAggregate(ctx context.Context, agg *ledger.Aggregate, w io.Writer) error {
	groupBy := string(agg.GroupBy)
	rows := make([][]string, 0, len(agg.Groups)+len(agg.Totals))
	for _, g := range agg.Groups {
		rows = append(rows, []string{"group", groupBy, g.Key, g.Currency, g.Total.String(), strconv.Itoa(g.Events)})
	}
	for _, cur := range slices.Sorted(maps.Keys(agg.Totals)) {
		rows = append(rows, []string{"total", groupBy, "", cur, agg.Totals[cur].String(), strconv.Itoa(agg.CostEvents)})
	}
	if err := e.write(w, aggregateHeader, rows); err != nil {
		return NewExportError(FormatCSV, len(rows), err)
	}
	return nil
}

// ExportReports writes one row per report line.
func (e *CSVExporter) ExportReports(ctx context.Context, reports []*replay.Report, w io.Writer) error {
	var rows [][]string
	for _, r := range reports {
		for _, l := range r.Lines {
			seq := ""
			if l.Sequence != nil {
				seq = strconv.FormatUint(*l.Sequence, 10)
			}
			rows = append(rows, []string{
				r.ExecutionID, r.Snapshot, l.UsageRecordID, l.Line, l.Component, l.Action,
				l.Currency, l.Stream, seq, l.OriginalEventID,
				version(l.OriginalVersion), version(l.RecomputedVersion),
				l.OriginalTotal.String(), l.RecomputedTotal.String(), l.Delta.String(),
				string(l.Classification), l.Detail,
			})
		}
	}
	if err := e.write(w, reportHeader, rows); err != nil {
		return NewExportError(FormatCSV, len(reports), err)
	}
	return nil
}

func (e *CSVExporter) write(w io.Writer, header []string, rows [][]string) error {
	writer := csv.NewWriter(w)
	if e.IncludeHeader {
		if err := writer.Write(header); err != nil {
			return err
		}
	}
	if err := writer.WriteAll(rows); err != nil {
		return err
	}
	return writer.Error()
}

func entryRow(entry *ledger.Entry) []string {
	row := []string{
		entry.Stream,
		strconv.FormatUint(entry.Sequence, 10),
		entry.Event.ID(),
		string(entry.Event.Kind),
		entry.Event.Timestamp().UTC().Format(time.RFC3339Nano),
		entry.Event.ExecutionID(),
		entry.Event.Component(),
		entry.Event.Action(),
	}

	switch {
	case entry.Event.Cost != nil:
		c := entry.Event.Cost
		row = append(row,
			c.Line, c.UsageRecordID,
			c.Quantity.String(), string(c.BaseUnit), c.UnitCost.String(), c.TotalCost.String(), c.Currency,
			version(c.PricingVersion), c.CostSource, c.Corrects, "", "",
		)
	case entry.Event.Unattributable != nil:
		u := entry.Event.Unattributable
		row = append(row,
			"", u.UsageRecordID,
			u.Quantity.String(), string(u.Unit), "", "", "",
			version(u.PricingVersion), u.Source, "", string(u.Reason), u.Detail,
		)
	default:
		row = append(row, make([]string, 12)...)
	}

	return append(row, entry.EventHash, entry.PrevHash, entry.Hash)
}

func version(v uint64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatUint(v, 10)
}
