/*
Package cli provides command-line helpers for the tally command.

Output Formatting:

Command results are rendered by a Printer in text, JSON, or CSV. JSON and
CSV output for ledger entries, aggregates, and delta reports goes through
pkg/export:

	printer, err := cli.NewPrinter(os.Stdout, cli.FormatJSON)
	if err != nil {
		return err
	}
	return printer.Reports(reports)

Exit Codes:

ExitCode maps an error to the process exit status: 1 for integrity
violations and replay divergence, 2 for malformed input, and 3 for
configuration or pricing errors.

Progress Reporting:

	progress := cli.NewProgressReporter(os.Stderr)
	progress.Start(len(files))
	for i, f := range files {
		ingest(f)
		progress.Update(i + 1)
	}
	progress.Finish()

Signal Handling:

	ctx, cancel := cli.SetupSignalHandler(context.Background())
	defer cancel()
*/
package cli
