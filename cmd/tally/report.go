package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/tally/pkg/cli"
	"mercator-hq/tally/pkg/costs"
	"mercator-hq/tally/pkg/ledger"
)

var reportFlags struct {
	execution string
	component string
	action    string
	currency  string
	kind      string
	since     string
	until     string
	timeRange string
	groupBy   string
	itemized  bool
	limit     int
	output    string
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Aggregate ledger costs",
	Long: `Aggregate the cost events a filter selects, optionally grouped and
itemized. Totals are kept per currency. A cost event that has been
corrected is replaced by its correction. The ledger is only read.

Time Range Format:
  --since and --until take RFC3339 timestamps and bound the usage time:
  since <= t < until. --time-range accepts both as "start/end".

Examples:
  # Total cost of one execution, itemized
  tally report --execution 9f0c6a2e-... --itemized

  # Cost per component in April
  tally report --time-range "2025-04-01T00:00:00Z/2025-05-01T00:00:00Z" --group-by component

  # Export every entry of one component as CSV
  tally report --component gpt-4 --itemized --format csv -o gpt-4.csv`,
	Args: args(cobra.NoArgs),
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().StringVar(&reportFlags.execution, "execution", "", "filter by execution ID")
	reportCmd.Flags().StringVar(&reportFlags.component, "component", "", "filter by component")
	reportCmd.Flags().StringVar(&reportFlags.action, "action", "", "filter by action")
	reportCmd.Flags().StringVar(&reportFlags.currency, "currency", "", "filter by currency")
	reportCmd.Flags().StringVar(&reportFlags.kind, "kind", "", "filter by event kind: cost, unattributable")
	reportCmd.Flags().StringVar(&reportFlags.since, "since", "", "include usage at or after this time (RFC3339)")
	reportCmd.Flags().StringVar(&reportFlags.until, "until", "", "include usage before this time (RFC3339)")
	reportCmd.Flags().StringVar(&reportFlags.timeRange, "time-range", "", "time range (RFC3339 interval: start/end)")
	reportCmd.Flags().StringVar(&reportFlags.groupBy, "group-by", "", "group totals by: component, action, execution")
	reportCmd.Flags().BoolVar(&reportFlags.itemized, "itemized", false, "list the entries behind the totals")
	reportCmd.Flags().IntVar(&reportFlags.limit, "limit", 0, "max entries (0 for no limit)")
	reportCmd.Flags().StringVarP(&reportFlags.output, "output", "o", "", "output file (default: stdout)")
}

func runReport(cmd *cobra.Command, _ []string) error {
	filter, err := reportFilter()
	if err != nil {
		return usageError(cmd, err)
	}
	groupBy, err := ledger.ParseGroupBy(reportFlags.groupBy)
	if err != nil {
		return usageError(cmd, err)
	}

	ctx, cancel := cli.SetupSignalHandler(cmd.Context())
	defer cancel()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.close()

	agg, err := app.ledger.Aggregate(ctx, filter, groupBy)
	if err != nil {
		return cli.NewCommandError("report", err)
	}

	out, err := outputFile(reportFlags.output, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer out.Close()

	printer, err := app.printer(out)
	if err != nil {
		return err
	}
	return printer.Aggregate(agg, reportFlags.itemized)
}

// reportFilter builds the ledger filter from the report flags.
func reportFilter() (ledger.Filter, error) {
	filter := ledger.Filter{
		ExecutionID: reportFlags.execution,
		Component:   reportFlags.component,
		Action:      reportFlags.action,
		Currency:    strings.ToUpper(reportFlags.currency),
		Limit:       reportFlags.limit,
	}
	if reportFlags.limit < 0 {
		return filter, fmt.Errorf("invalid limit %d: must be non-negative", reportFlags.limit)
	}

	switch kind := costs.EventKind(reportFlags.kind); kind {
	case "", costs.KindCost, costs.KindUnattributable:
		filter.Kind = kind
	default:
		return filter, fmt.Errorf("invalid kind %q: must be 'cost' or 'unattributable'", reportFlags.kind)
	}

	since, until := reportFlags.since, reportFlags.until
	if reportFlags.timeRange != "" {
		if since != "" || until != "" {
			return filter, fmt.Errorf("--time-range cannot be combined with --since or --until")
		}
		parts := strings.Split(reportFlags.timeRange, "/")
		if len(parts) != 2 {
			return filter, fmt.Errorf("invalid time range format (expected: start/end)")
		}
		since, until = parts[0], parts[1]
	}

	var err error
	if filter.Since, err = parseTime("start", since); err != nil {
		return filter, err
	}
	if filter.Until, err = parseTime("end", until); err != nil {
		return filter, err
	}
	if filter.Since != nil && filter.Until != nil && !filter.Until.After(*filter.Since) {
		return filter, fmt.Errorf("end time must be after start time")
	}
	return filter, nil
}

func parseTime(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s time: %w", name, err)
	}
	return &t, nil
}
