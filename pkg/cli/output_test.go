package cli

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mercator-hq/tally/pkg/attribution"
	"mercator-hq/tally/pkg/audit"
	"mercator-hq/tally/pkg/costs"
	"mercator-hq/tally/pkg/ledger"
	"mercator-hq/tally/pkg/pricing"
	"mercator-hq/tally/pkg/replay"
)

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"", FormatText, false},
		{"text", FormatText, false},
		{"JSON", FormatJSON, false},
		{"csv", FormatCSV, false},
		{"junit", "", true},
	}
	for _, tt := range tests {
		got, err := ParseOutputFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseOutputFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseOutputFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewPrinterRejectsUnknownFormat(t *testing.T) {
	if _, err := NewPrinter(&bytes.Buffer{}, "xml"); err == nil {
		t.Error("NewPrinter(xml) should fail")
	}
}

func sampleSummary() *attribution.Summary {
	return &attribution.Summary{
		Source:               "transcript.json",
		Records:              1234,
		Executions:           []string{"exec-1", "exec-2"},
		CostEvents:           1230,
		UnattributableEvents: 4,
		Reasons:              map[costs.ReasonCode]int{costs.ReasonNoApplicablePricing: 4},
		Totals:               map[string]decimal.Decimal{"USD": decimal.RequireFromString("12.34"), "EUR": decimal.RequireFromString("1")},
		Duration:             1500 * time.Millisecond,
	}
}

func TestPrinterSummaryText(t *testing.T) {
	var buf bytes.Buffer
	p, err := NewPrinter(&buf, FormatText)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Summary(sampleSummary()); err != nil {
		t.Fatalf("Summary() error = %v", err)
	}

	out := buf.String()
	for _, want := range []string{"1,234", "NoApplicablePricingError", "12.34 USD", "1 EUR"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "EUR") > strings.Index(out, "USD") {
		t.Error("currency totals should be sorted")
	}
}

func TestPrinterSummaryJSONAndCSV(t *testing.T) {
	var buf bytes.Buffer
	p, _ := NewPrinter(&buf, FormatJSON)
	if err := p.Summary(sampleSummary()); err != nil {
		t.Fatal(err)
	}
	var decoded attribution.Summary
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if decoded.Records != 1234 || !decoded.Totals["USD"].Equal(decimal.RequireFromString("12.34")) {
		t.Errorf("decoded = %+v", decoded)
	}

	buf.Reset()
	p, _ = NewPrinter(&buf, FormatCSV)
	if err := p.Summary(sampleSummary()); err != nil {
		t.Fatal(err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[1][1] != "1234" || rows[1][3] != "2" {
		t.Errorf("rows = %v", rows)
	}
}

func TestPrinterReportsText(t *testing.T) {
	report := &replay.Report{
		ExecutionID: "exec-1",
		Snapshot:    "versions 2",
		Lines: []replay.Line{
			{UsageRecordID: "11111111-2222", Component: "gpt-4", Classification: replay.Match},
			{
				UsageRecordID:   "33333333-4444",
				Component:       "search",
				OriginalTotal:   decimal.RequireFromString("1"),
				RecomputedTotal: decimal.RequireFromString("2"),
				Delta:           decimal.RequireFromString("1"),
				Classification:  replay.PricingDivergence,
			},
		},
		Summary:          replay.Summary{Lines: 2, Match: 1, PricingDivergence: 1},
		OriginalTotals:   map[string]decimal.Decimal{"USD": decimal.RequireFromString("1")},
		RecomputedTotals: map[string]decimal.Decimal{"USD": decimal.RequireFromString("2")},
		Deltas:           map[string]decimal.Decimal{"USD": decimal.RequireFromString("1")},
	}

	var buf bytes.Buffer
	p, _ := NewPrinter(&buf, FormatText)
	if err := p.Reports([]*replay.Report{report}); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	for _, want := range []string{"exec-1", "50.0%", "pricing-divergence", "33333333"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "11111111") {
		t.Error("matching lines should not be listed")
	}
}

func TestPrinterAudit(t *testing.T) {
	res := &audit.Result{
		Started:  time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC),
		Duration: 250 * time.Millisecond,
		Streams: []ledger.StreamResult{
			{Stream: "exec-1", Entries: 3},
			{Stream: "exec-2", Entries: 2, Err: ledger.NewIntegrityError("exec-2", 1, "payload hash mismatch")},
		},
		Entries:           5,
		IntegrityFailures: 1,
	}

	var buf bytes.Buffer
	p, _ := NewPrinter(&buf, FormatJSON)
	if err := p.Audit(res); err != nil {
		t.Fatal(err)
	}
	var doc struct {
		IntegrityFailures int `json:"integrity_failures"`
		Streams           []struct {
			Stream string `json:"stream"`
			Status string `json:"status"`
			Error  string `json:"error"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if doc.IntegrityFailures != 1 || len(doc.Streams) != 2 {
		t.Fatalf("doc = %+v", doc)
	}
	if doc.Streams[1].Status != "failed" || !strings.Contains(doc.Streams[1].Error, "sequence=1") {
		t.Errorf("stream 2 = %+v", doc.Streams[1])
	}

	buf.Reset()
	p, _ = NewPrinter(&buf, FormatText)
	if err := p.Audit(res); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "FAILED") || !strings.Contains(buf.String(), "Verified 5 entries in 2 streams") {
		t.Errorf("text output:\n%s", buf.String())
	}
}

func TestPrinterModels(t *testing.T) {
	to := decimal.NewFromInt(100)
	models := []*pricing.Model{
		{
			Version: 1, Component: "gpt-4", Kind: pricing.KindToken, Currency: "USD",
			Rate:          pricing.Rate{UnitCost: decimal.RequireFromString("0.01")},
			EffectiveFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			Version: 2, Component: "search", Action: "query", Kind: pricing.KindTiered, Unit: "request", Currency: "USD",
			Rate: pricing.Rate{Tiers: []pricing.Tier{
				{From: decimal.Zero, To: &to, UnitCost: decimal.RequireFromString("0.01")},
				{From: to, UnitCost: decimal.RequireFromString("0.005")},
			}},
			EffectiveFrom: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	var buf bytes.Buffer
	p, _ := NewPrinter(&buf, FormatText)
	if err := p.Models(models); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "2 tiers") || !strings.Contains(out, "2025-02-01T00:00:00Z") {
		t.Errorf("text output:\n%s", out)
	}

	buf.Reset()
	if err := p.Model(models[1], []pricing.HistoryEntry{{Model: models[1]}}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "tier 100-∞") {
		t.Errorf("model output:\n%s", buf.String())
	}

	buf.Reset()
	p, _ = NewPrinter(&buf, FormatCSV)
	if err := p.Models(models); err != nil {
		t.Fatal(err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 || rows[2][7] != "2" {
		t.Errorf("rows = %v", rows)
	}
}

func TestStatusHelpers(t *testing.T) {
	if status(nil) != "ok" || status(errors.New("x")) != "failed" {
		t.Error("status() mismatch")
	}
	if short("abcdef12-3456") != "abcdef12" || short("plain") != "plain" {
		t.Error("short() mismatch")
	}
}
