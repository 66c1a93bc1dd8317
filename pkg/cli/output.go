package cli

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"mercator-hq/tally/pkg/attribution"
	"mercator-hq/tally/pkg/audit"
	"mercator-hq/tally/pkg/export"
	"mercator-hq/tally/pkg/ledger"
	"mercator-hq/tally/pkg/pricing"
	"mercator-hq/tally/pkg/replay"
)

// OutputFormat represents the output format for command results.
type OutputFormat string

const (
	// FormatText is aligned plain text (default).
	FormatText OutputFormat = "text"
	// FormatJSON is indented JSON.
	FormatJSON OutputFormat = "json"
	// FormatCSV is CSV with a header row.
	FormatCSV OutputFormat = "csv"
)

// ParseOutputFormat validates a --output value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(s)); f {
	case FormatText, FormatJSON, FormatCSV:
		return f, nil
	case "":
		return FormatText, nil
	}
	return "", fmt.Errorf("unknown output format %q: must be 'text', 'json', or 'csv'", s)
}

// Printer renders command results in one output format. JSON and CSV
// output for ledger data and delta reports goes through pkg/export so the
// CLI and exports produce identical documents.
type Printer struct {
	w        io.Writer
	format   OutputFormat
	exporter export.Exporter
}

// NewPrinter creates a printer writing to w.
func NewPrinter(w io.Writer, format OutputFormat) (*Printer, error) {
	p := &Printer{w: w, format: format}
	switch format {
	case FormatJSON:
		p.exporter = export.NewJSONExporter(true)
	case FormatCSV:
		p.exporter = export.NewCSVExporter(true)
	case FormatText:
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
	return p, nil
}

// Format returns the printer's output format.
func (p *Printer) Format() OutputFormat {
	return p.format
}

// Summary prints the result of an ingest run.
func (p *Printer) Summary(s *attribution.Summary) error {
	switch p.format {
	case FormatJSON:
		return p.json(s)
	case FormatCSV:
		return p.csv([]string{"source", "records", "duplicates", "executions", "cost_events", "unattributable_events"},
			[][]string{{
				s.Source, strconv.Itoa(s.Records), strconv.Itoa(s.Duplicates), strconv.Itoa(len(s.Executions)),
				strconv.Itoa(s.CostEvents), strconv.Itoa(s.UnattributableEvents),
			}})
	}

	tw := p.table()
	fmt.Fprintf(tw, "Source:\t%s\n", s.Source)
	fmt.Fprintf(tw, "Records:\t%s\n", humanize.Comma(int64(s.Records)))
	if s.Duplicates > 0 {
		fmt.Fprintf(tw, "Already attributed:\t%s\n", humanize.Comma(int64(s.Duplicates)))
	}
	fmt.Fprintf(tw, "Executions:\t%s\n", humanize.Comma(int64(len(s.Executions))))
	fmt.Fprintf(tw, "Cost events:\t%s\n", humanize.Comma(int64(s.CostEvents)))
	fmt.Fprintf(tw, "Unattributable events:\t%s\n", humanize.Comma(int64(s.UnattributableEvents)))
	for _, reason := range slices.Sorted(maps.Keys(s.Reasons)) {
		fmt.Fprintf(tw, "  %s:\t%d\n", reason, s.Reasons[reason])
	}
	writeTotals(tw, "Total", s.Totals)
	fmt.Fprintf(tw, "Duration:\t%s\n", s.Duration.Round(time.Millisecond))
	return tw.Flush()
}

// Reports prints replay delta reports.
func (p *Printer) Reports(reports []*replay.Report) error {
	if p.exporter != nil {
		return p.exporter.ExportReports(context.Background(), reports, p.w)
	}

	tw := p.table()
	for i, r := range reports {
		if i > 0 {
			fmt.Fprintln(tw)
		}
		fmt.Fprintf(tw, "Execution:\t%s\n", r.ExecutionID)
		fmt.Fprintf(tw, "Snapshot:\t%s\n", r.Snapshot)
		fmt.Fprintf(tw, "Lines:\t%d (%d match, %d rounding drift, %d pricing, %d structural)\n",
			r.Summary.Lines, r.Summary.Match, r.Summary.RoundingDrift,
			r.Summary.PricingDivergence, r.Summary.StructuralDivergence)
		fmt.Fprintf(tw, "Match rate:\t%.1f%%\n", r.MatchRate()*100)
		writeTotals(tw, "Original", r.OriginalTotals)
		writeTotals(tw, "Recomputed", r.RecomputedTotals)
		writeTotals(tw, "Delta", r.Deltas)

		if diverged := r.Diverged(); len(diverged) > 0 {
			fmt.Fprintln(tw, "\nRECORD\tLINE\tCOMPONENT\tORIGINAL\tRECOMPUTED\tDELTA\tCLASS\tDETAIL")
			for _, l := range diverged {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					short(l.UsageRecordID), l.Line, l.Component,
					l.OriginalTotal, l.RecomputedTotal, l.Delta, l.Classification, l.Detail)
			}
		}
	}
	return tw.Flush()
}

// Aggregate prints an aggregate report, followed by its entries when
// itemized is set.
func (p *Printer) Aggregate(agg *ledger.Aggregate, itemized bool) error {
	if p.exporter != nil {
		if itemized && p.format == FormatCSV {
			return p.exporter.ExportEntries(context.Background(), agg.Entries, p.w)
		}
		return p.exporter.ExportAggregate(context.Background(), agg, p.w)
	}

	tw := p.table()
	if agg.GroupBy != ledger.GroupByNone {
		fmt.Fprintf(tw, "%s\tCURRENCY\tTOTAL\tEVENTS\n", strings.ToUpper(string(agg.GroupBy)))
		for _, g := range agg.Groups {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", g.Key, g.Currency, g.Total, g.Events)
		}
		fmt.Fprintln(tw)
	}
	fmt.Fprintf(tw, "Cost events:\t%s\n", humanize.Comma(int64(agg.CostEvents)))
	if agg.Superseded > 0 {
		fmt.Fprintf(tw, "Superseded by corrections:\t%d\n", agg.Superseded)
	}
	fmt.Fprintf(tw, "Unattributable events:\t%s\n", humanize.Comma(int64(agg.UnattributableEvents)))
	writeTotals(tw, "Total", agg.Totals)
	if err := tw.Flush(); err != nil {
		return err
	}

	if itemized {
		fmt.Fprintln(p.w)
		return p.Entries(agg.Entries)
	}
	return nil
}

// Entries prints itemized ledger entries.
func (p *Printer) Entries(entries []*ledger.Entry) error {
	if p.exporter != nil {
		return p.exporter.ExportEntries(context.Background(), entries, p.w)
	}

	tw := p.table()
	fmt.Fprintln(tw, "STREAM\tSEQ\tTIMESTAMP\tEXECUTION\tCOMPONENT\tACTION\tQUANTITY\tTOTAL\tVERSION\tNOTE")
	for _, e := range entries {
		ts := e.Event.Timestamp().UTC().Format(time.RFC3339)
		switch {
		case e.Event.Cost != nil:
			c := e.Event.Cost
			note := c.Line
			if c.Corrects != "" {
				note = "corrects " + short(c.Corrects)
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s %s\t%s %s\t%d\t%s\n",
				e.Stream, e.Sequence, ts, c.ExecutionID, c.Component, c.Action,
				c.Quantity, c.BaseUnit, c.TotalCost, c.Currency, c.PricingVersion, note)
		case e.Event.Unattributable != nil:
			u := e.Event.Unattributable
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s %s\t-\t-\t%s\n",
				e.Stream, e.Sequence, ts, u.ExecutionID, u.Component, u.Action,
				u.Quantity, u.Unit, u.Reason)
		}
	}
	return tw.Flush()
}

// Audit prints the result of a verification run.
func (p *Printer) Audit(res *audit.Result) error {
	switch p.format {
	case FormatJSON:
		return p.json(auditDocument(res))
	case FormatCSV:
		rows := make([][]string, 0, len(res.Streams)+len(res.Executions))
		for _, s := range res.Streams {
			rows = append(rows, []string{"stream", s.Stream, strconv.Itoa(s.Entries), status(s.Err), errString(s.Err)})
		}
		for _, x := range res.Executions {
			rows = append(rows, []string{"execution", x.ExecutionID, "", status(x.Err), errString(x.Err)})
		}
		return p.csv([]string{"kind", "id", "entries", "status", "error"}, rows)
	}

	tw := p.table()
	fmt.Fprintln(tw, "STREAM\tENTRIES\tSTATUS")
	for _, s := range res.Streams {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Stream, humanize.Comma(int64(s.Entries)), statusText(s.Err))
	}
	if len(res.Executions) > 0 {
		fmt.Fprintln(tw, "\nEXECUTION\tMATCH RATE\tSTATUS")
		for _, x := range res.Executions {
			rate := "-"
			if x.Report != nil {
				rate = fmt.Sprintf("%.1f%%", x.Report.MatchRate()*100)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", x.ExecutionID, rate, statusText(x.Err))
		}
	}
	fmt.Fprintf(tw, "\nVerified %s entries in %d streams in %s\n",
		humanize.Comma(int64(res.Entries)), len(res.Streams), res.Duration.Round(time.Millisecond))
	return tw.Flush()
}

// Models prints pricing versions.
func (p *Printer) Models(models []*pricing.Model) error {
	switch p.format {
	case FormatJSON:
		if models == nil {
			models = []*pricing.Model{}
		}
		return p.json(models)
	case FormatCSV:
		rows := make([][]string, 0, len(models))
		for _, m := range models {
			rows = append(rows, []string{
				strconv.FormatUint(m.Version, 10), m.Component, m.Action, string(m.Kind), string(m.Unit),
				m.Currency, m.UnitCost.String(), strconv.Itoa(len(m.Tiers)), m.FixedFee.String(),
				m.EffectiveFrom.UTC().Format(time.RFC3339), m.Description,
			})
		}
		return p.csv([]string{"version", "component", "action", "kind", "unit", "currency",
			"unit_cost", "tiers", "fixed_fee", "effective_from", "description"}, rows)
	}

	tw := p.table()
	fmt.Fprintln(tw, "VERSION\tCOMPONENT\tACTION\tKIND\tRATE\tFIXED FEE\tEFFECTIVE FROM")
	for _, m := range models {
		action := m.Action
		if action == "" {
			action = "*"
		}
		rate := fmt.Sprintf("%s %s/%s", m.UnitCost, m.Currency, m.ExpectedUnit())
		if len(m.Tiers) > 0 {
			rate = fmt.Sprintf("%d tiers %s/%s", len(m.Tiers), m.Currency, m.ExpectedUnit())
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			m.Version, m.Component, action, m.Kind, rate, m.FixedFee, m.EffectiveFrom.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}

// Model prints one pricing version in full, including its tier table.
func (p *Printer) Model(m *pricing.Model, history []pricing.HistoryEntry) error {
	if p.format != FormatText {
		return p.Models([]*pricing.Model{m})
	}

	tw := p.table()
	fmt.Fprintf(tw, "Version:\t%d\n", m.Version)
	fmt.Fprintf(tw, "Component:\t%s\n", m.Component)
	if m.Action != "" {
		fmt.Fprintf(tw, "Action:\t%s\n", m.Action)
	}
	fmt.Fprintf(tw, "Kind:\t%s\n", m.Kind)
	fmt.Fprintf(tw, "Unit:\t%s\n", m.ExpectedUnit())
	fmt.Fprintf(tw, "Currency:\t%s (rounded to %d places)\n", m.Currency, m.RoundingPlaces())
	if len(m.Tiers) == 0 {
		fmt.Fprintf(tw, "Unit cost:\t%s\n", m.UnitCost)
	}
	fmt.Fprintf(tw, "Fixed fee:\t%s\n", m.FixedFee)
	if m.TierScope != "" {
		fmt.Fprintf(tw, "Tier scope:\t%s\n", m.TierScope)
	}
	fmt.Fprintf(tw, "Effective from:\t%s\n", m.EffectiveFrom.UTC().Format(time.RFC3339))
	if m.Description != "" {
		fmt.Fprintf(tw, "Description:\t%s\n", m.Description)
	}
	for _, t := range m.Tiers {
		to := "∞"
		if t.To != nil {
			to = t.To.String()
		}
		fmt.Fprintf(tw, "  tier %s-%s:\t%s\n", t.From, to, t.UnitCost)
	}
	for _, dim := range slices.Sorted(maps.Keys(m.Dimensions)) {
		fmt.Fprintf(tw, "  %s:\t%s\n", dim, m.Dimensions[dim].UnitCost)
	}
	for _, h := range history {
		if h.Model.Version == m.Version && h.SupersededBy != 0 {
			fmt.Fprintf(tw, "Superseded by:\t%d\n", h.SupersededBy)
		}
	}
	return tw.Flush()
}

func (p *Printer) table() *tabwriter.Writer {
	return tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
}

func (p *Printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *Printer) csv(header []string, rows [][]string) error {
	w := csv.NewWriter(p.w)
	if err := w.Write(header); err != nil {
		return err
	}
	return w.WriteAll(rows)
}

type auditStream struct {
	Stream  string `json:"stream"`
	Entries int    `json:"entries"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

type auditExecution struct {
	ExecutionID string         `json:"execution_id"`
	Status      string         `json:"status"`
	Error       string         `json:"error,omitempty"`
	Report      *replay.Report `json:"report,omitempty"`
}

type auditResult struct {
	Started           time.Time        `json:"started"`
	DurationMS        int64            `json:"duration_ms"`
	Entries           int              `json:"entries"`
	IntegrityFailures int              `json:"integrity_failures"`
	Divergences       int              `json:"divergences"`
	Streams           []auditStream    `json:"streams"`
	Executions        []auditExecution `json:"executions,omitempty"`
	Error             string           `json:"error,omitempty"`
}

func auditDocument(res *audit.Result) auditResult {
	doc := auditResult{
		Started:           res.Started.UTC(),
		DurationMS:        res.Duration.Milliseconds(),
		Entries:           res.Entries,
		IntegrityFailures: res.IntegrityFailures,
		Divergences:       res.Divergences,
		Streams:           make([]auditStream, 0, len(res.Streams)),
		Error:             errString(res.Err),
	}
	for _, s := range res.Streams {
		doc.Streams = append(doc.Streams, auditStream{Stream: s.Stream, Entries: s.Entries, Status: status(s.Err), Error: errString(s.Err)})
	}
	for _, x := range res.Executions {
		doc.Executions = append(doc.Executions, auditExecution{
			ExecutionID: x.ExecutionID, Status: status(x.Err), Error: errString(x.Err), Report: x.Report,
		})
	}
	return doc
}

func writeTotals(w io.Writer, label string, totals map[string]decimal.Decimal) {
	if len(totals) == 0 {
		fmt.Fprintf(w, "%s:\t0\n", label)
		return
	}
	for _, cur := range slices.Sorted(maps.Keys(totals)) {
		fmt.Fprintf(w, "%s:\t%s %s\n", label, totals[cur], cur)
	}
}

func status(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}

func statusText(err error) string {
	if err != nil {
		return "FAILED: " + err.Error()
	}
	return "ok"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// short abbreviates a UUID to its first block.
func short(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
