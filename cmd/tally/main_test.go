package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"mercator-hq/tally/pkg/cli"
	"mercator-hq/tally/pkg/config"
	"mercator-hq/tally/pkg/telemetry/logging"
)

const testPricing = `
models:
  - version: 1
    component: gpt-4
    kind: token
    currency: USD
    unit_cost: "0.01"
    effective_from: 2025-01-01T00:00:00Z
  - version: 2
    component: gpt-4
    kind: token
    currency: USD
    unit_cost: "0.02"
    effective_from: 2030-01-01T00:00:00Z
`

const testTranscript = `{
  "execution_id": "run-1",
  "model_invocations": [
    {"model": "gpt-4", "timestamp": "2025-04-01T12:00:00Z", "tokens": "100"}
  ]
}`

const unpricedTranscript = `{
  "execution_id": "run-2",
  "model_invocations": [
    {"model": "mystery", "timestamp": "2025-04-01T12:00:00Z", "tokens": "10"}
  ]
}`

// setupCLI points the global configuration at fresh SQLite stores.
func setupCLI(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	if err := config.Initialize(""); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	cfg := config.NewDefaultConfig()
	cfg.Ledger.SQLite.Path = filepath.Join(dir, "ledger.db")
	cfg.Pricing.SQLitePath = filepath.Join(dir, "pricing.db")
	cfg.Usage.SQLitePath = filepath.Join(dir, "usage.db")
	cfg.Telemetry.Logging.Level = "error"
	config.SetConfig(cfg)

	for name, content := range map[string]string{
		"pricing.yaml":     testPricing,
		"pricing-bad.yaml": "models:\n  - version: 3\n    component: gpt-4\n    kind: token\n    currency: dollars\n",
		"run-1.json":       testTranscript,
		"run-2.json":       unpricedTranscript,
		"broken.json":      `{"execution_id": "run-3", "model_invocations": [`,
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

// run executes the root command and returns its stdout and exit code.
func run(t *testing.T, args ...string) (string, int) {
	t.Helper()

	// Flag values outlive a single execution.
	outputFormat, logLevel = "text", ""
	ingestFlags.progress = true
	replayFlags.versions, replayFlags.output = nil, ""
	verifyFlags.all, verifyFlags.replay = false, false
	reportFlags.execution, reportFlags.component, reportFlags.action = "", "", ""
	reportFlags.currency, reportFlags.kind, reportFlags.groupBy = "", "", ""
	reportFlags.since, reportFlags.until, reportFlags.timeRange = "", "", ""
	reportFlags.itemized, reportFlags.limit, reportFlags.output = false, 0, ""
	pricingFlags.dryRun, pricingFlags.component, pricingFlags.action = false, "", ""
	correctFlags.version = 0

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	if err != nil {
		t.Logf("tally %s: %v", strings.Join(args, " "), err)
	}
	return stdout.String(), cli.ExitCode(err)
}

func TestCLIWorkflow(t *testing.T) {
	dir := setupCLI(t)

	if _, code := run(t, "pricing", "publish", filepath.Join(dir, "pricing.yaml")); code != cli.ExitOK {
		t.Fatalf("pricing publish exit = %d", code)
	}

	out, code := run(t, "ingest", filepath.Join(dir, "run-1.json"), "--format", "json")
	if code != cli.ExitOK {
		t.Fatalf("ingest exit = %d", code)
	}
	var summary struct {
		Records    int                        `json:"records"`
		CostEvents int                        `json:"cost_events"`
		Totals     map[string]decimal.Decimal `json:"totals"`
	}
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("invalid summary JSON: %v\n%s", err, out)
	}
	if summary.Records != 1 || summary.CostEvents != 1 || !summary.Totals["USD"].Equal(decimal.NewFromInt(1)) {
		t.Errorf("summary = %+v", summary)
	}

	out, code = run(t, "report", "--execution", "run-1", "--format", "json")
	if code != cli.ExitOK {
		t.Fatalf("report exit = %d", code)
	}
	var agg struct {
		CostEvents int                        `json:"cost_events"`
		Totals     map[string]decimal.Decimal `json:"totals"`
	}
	if err := json.Unmarshal([]byte(out), &agg); err != nil {
		t.Fatalf("invalid report JSON: %v\n%s", err, out)
	}
	if agg.CostEvents != 1 || !agg.Totals["USD"].Equal(decimal.NewFromInt(1)) {
		t.Errorf("aggregate = %+v", agg)
	}

	if _, code := run(t, "verify", "run-1"); code != cli.ExitOK {
		t.Errorf("verify exit = %d", code)
	}
	if _, code := run(t, "verify", "--all", "--replay"); code != cli.ExitOK {
		t.Errorf("verify --all exit = %d", code)
	}

	out, code = run(t, "replay", "run-1", "--pricing-version", "2", "--format", "json")
	if code != cli.ExitOK {
		t.Fatalf("replay exit = %d", code)
	}
	var report struct {
		Deltas map[string]decimal.Decimal `json:"deltas"`
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("invalid replay JSON: %v\n%s", err, out)
	}
	if !report.Deltas["USD"].Equal(decimal.NewFromInt(1)) {
		t.Errorf("delta = %v, want 1 USD", report.Deltas)
	}

	// Re-ingesting appends nothing.
	if _, code := run(t, "ingest", filepath.Join(dir, "run-1.json")); code != cli.ExitOK {
		t.Errorf("second ingest exit = %d", code)
	}
	out, _ = run(t, "report", "--format", "json")
	if err := json.Unmarshal([]byte(out), &agg); err != nil {
		t.Fatal(err)
	}
	if agg.CostEvents != 1 {
		t.Errorf("cost events after re-ingest = %d, want 1", agg.CostEvents)
	}
}

func TestCLIExitCodes(t *testing.T) {
	dir := setupCLI(t)
	if _, code := run(t, "pricing", "publish", filepath.Join(dir, "pricing.yaml")); code != cli.ExitOK {
		t.Fatalf("pricing publish exit = %d", code)
	}

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"unpriced component", []string{"ingest", filepath.Join(dir, "run-2.json")}, cli.ExitConfig},
		{"truncated transcript", []string{"ingest", filepath.Join(dir, "broken.json")}, cli.ExitMalformedInput},
		{"missing transcript", []string{"ingest", filepath.Join(dir, "nope.json")}, cli.ExitMalformedInput},
		{"invalid pricing", []string{"pricing", "publish", filepath.Join(dir, "pricing-bad.yaml")}, cli.ExitConfig},
		{"republish identical", []string{"pricing", "publish", filepath.Join(dir, "pricing.yaml")}, cli.ExitOK},
		{"unknown pricing version", []string{"pricing", "show", "42"}, cli.ExitConfig},
		{"replay unknown version", []string{"replay", "run-1", "--pricing-version", "42"}, cli.ExitConfig},
		{"replay without id", []string{"replay"}, cli.ExitMalformedInput},
		{"verify unknown execution", []string{"verify", "run-9"}, cli.ExitMalformedInput},
		{"unknown format", []string{"pricing", "list", "--format", "xml"}, cli.ExitMalformedInput},
		{"unknown flag", []string{"report", "--nope"}, cli.ExitMalformedInput},
		{"bad time range", []string{"report", "--time-range", "yesterday"}, cli.ExitMalformedInput},
		{"correct without version", []string{"correct", "abc"}, cli.ExitMalformedInput},
		{"correct unknown event", []string{"correct", "abc", "--pricing-version", "1"}, cli.ExitMalformedInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, code := run(t, tt.args...); code != tt.want {
				t.Errorf("exit = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestPricingList(t *testing.T) {
	dir := setupCLI(t)
	run(t, "pricing", "publish", filepath.Join(dir, "pricing.yaml"))

	out, code := run(t, "pricing", "list", "--format", "csv")
	if code != cli.ExitOK {
		t.Fatalf("exit = %d", code)
	}
	if lines := strings.Split(strings.TrimSpace(out), "\n"); len(lines) != 3 {
		t.Errorf("got %d CSV lines, want header and 2 versions:\n%s", len(lines), out)
	}

	out, _ = run(t, "pricing", "show", "1")
	if !strings.Contains(out, "Superseded by:") {
		t.Errorf("show output missing supersession:\n%s", out)
	}
}

func TestWorseIngestCode(t *testing.T) {
	tests := []struct {
		current, next, want int
	}{
		{cli.ExitOK, cli.ExitOK, cli.ExitOK},
		{cli.ExitOK, cli.ExitConfig, cli.ExitConfig},
		{cli.ExitConfig, cli.ExitMalformedInput, cli.ExitMalformedInput},
		{cli.ExitMalformedInput, cli.ExitConfig, cli.ExitMalformedInput},
	}
	for _, tt := range tests {
		if got := worseIngestCode(tt.current, tt.next); got != tt.want {
			t.Errorf("worseIngestCode(%d, %d) = %d, want %d", tt.current, tt.next, got, tt.want)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	out, code := run(t, "version")
	if code != cli.ExitOK {
		t.Fatalf("exit = %d", code)
	}
	if !strings.Contains(out, "Tally "+Version) {
		t.Errorf("output = %q", out)
	}
}

func TestReloadConfigAppliesLogLevel(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(previous)
		cfgFile, logLevel = "", ""
	})

	path := filepath.Join(t.TempDir(), "tally.yaml")
	if err := os.WriteFile(path, []byte("telemetry:\n  logging:\n    level: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfgFile, logLevel = path, ""

	var buf bytes.Buffer
	logger, err := logging.Setup(logging.Config{Level: "error", Format: "text", Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}
	derived := logger.With("component", "audit")

	if err := reloadConfig(&app{logger: logger}); err != nil {
		t.Fatalf("reloadConfig() error = %v", err)
	}
	derived.Debug("after reload")
	if !strings.Contains(buf.String(), "after reload") {
		t.Errorf("log level not applied: %s", buf.String())
	}
	if got := config.GetConfig().Telemetry.Logging.Level; got != "debug" {
		t.Errorf("global config level = %q", got)
	}

	if err := os.WriteFile(path, []byte("ledger:\n  stream: tenant\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := reloadConfig(&app{logger: logger}); err == nil {
		t.Error("expected error reloading an invalid config")
	}
}
