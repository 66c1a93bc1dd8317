package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mercator-hq/tally/pkg/attribution"
	"mercator-hq/tally/pkg/cli"
	"mercator-hq/tally/pkg/usage/transcript"
)

var ingestFlags struct {
	progress bool
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <transcript>...",
	Short: "Attribute usage from execution transcripts",
	Long: `Attribute the usage recorded in execution transcripts and append the
resulting cost events to the ledger.

Transcripts are JSON documents with model_invocations and tool_calls
sections, or JSON Lines usage logs (.jsonl). Every record is retained for
replay and priced under its pinned pricing version, or the version
effective at its timestamp.

Records that cannot be priced are recorded as unattributable events and
reflected in the exit code: 2 if any record was malformed, otherwise 3 if
pricing was missing. Ingesting the same transcript twice appends nothing.

Examples:
  # Attribute one execution
  tally ingest runs/9f0c.json

  # Attribute a directory of usage logs
  tally ingest logs/*.jsonl --format json`,
	Args: args(cobra.MinimumNArgs(1)),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().BoolVar(&ingestFlags.progress, "progress", true, "show progress when ingesting several transcripts")
}

func runIngest(cmd *cobra.Command, paths []string) error {
	ctx, cancel := cli.SetupSignalHandler(cmd.Context())
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	printer, err := a.printer(cmd.OutOrStdout())
	if err != nil {
		return err
	}

	// Open every source first so a missing file fails before anything is
	// appended.
	sources := make([]*transcript.Source, 0, len(paths))
	for _, path := range paths {
		src, err := transcript.Open(path)
		if err != nil {
			return cli.NewExitError(cli.ExitMalformedInput, fmt.Errorf("failed to open transcript: %w", err))
		}
		sources = append(sources, src)
	}

	var progress cli.ProgressReporter
	if ingestFlags.progress && len(sources) > 1 {
		progress = cli.NewProgressReporter(cmd.ErrOrStderr())
		progress.Start(int64(len(sources)))
	}

	code := cli.ExitOK
	for i, src := range sources {
		summary, err := a.pipeline.Ingest(ctx, src)
		if summary != nil {
			if perr := printSummary(printer, summary); perr != nil {
				return perr
			}
		}
		if err != nil {
			if progress != nil {
				progress.Error(err)
			}
			return err
		}
		code = worseIngestCode(code, cli.IngestExitCode(summary))
		if progress != nil {
			progress.Update(int64(i + 1))
		}
	}
	if progress != nil {
		progress.Finish()
	}

	if code != cli.ExitOK {
		return cli.NewExitError(code, nil)
	}
	return nil
}

func printSummary(p *cli.Printer, s *attribution.Summary) error {
	if err := p.Summary(s); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}

// worseIngestCode keeps malformed input ahead of missing pricing.
func worseIngestCode(current, next int) int {
	switch {
	case current == cli.ExitMalformedInput || next == cli.ExitMalformedInput:
		return cli.ExitMalformedInput
	case current == cli.ExitConfig || next == cli.ExitConfig:
		return cli.ExitConfig
	}
	return cli.ExitOK
}
