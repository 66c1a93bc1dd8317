package main

import (
	"errors"

	"github.com/spf13/cobra"

	"mercator-hq/tally/pkg/attribution"
	"mercator-hq/tally/pkg/cli"
	"mercator-hq/tally/pkg/ledger"
)

var correctFlags struct {
	version uint64
}

var correctCmd = &cobra.Command{
	Use:   "correct <event_id>",
	Short: "Reprice a recorded cost event",
	Long: `Reprice one recorded cost event under a pricing version and append the
result as a correcting event.

The original event stays in the ledger; aggregates count the correction
in its place. An event can be corrected once.

Examples:
  tally correct 3b1d7c0e-... --pricing-version 8`,
	Args: args(cobra.ExactArgs(1)),
	RunE: runCorrect,
}

func init() {
	rootCmd.AddCommand(correctCmd)

	correctCmd.Flags().Uint64Var(&correctFlags.version, "pricing-version", 0, "pricing version to reprice with")
}

func runCorrect(cmd *cobra.Command, a []string) error {
	if correctFlags.version == 0 {
		return usageError(cmd, errors.New("--pricing-version is required"))
	}

	ctx, cancel := cli.SetupSignalHandler(cmd.Context())
	defer cancel()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.close()

	entry, err := app.pipeline.Correct(ctx, a[0], correctFlags.version)
	switch {
	case errors.Is(err, ledger.ErrEventNotFound),
		errors.Is(err, attribution.ErrAlreadyCorrected),
		errors.Is(err, attribution.ErrNotCorrectable):
		return cli.NewExitError(cli.ExitMalformedInput, err)
	case err != nil:
		return err
	}

	printer, err := app.printer(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	return printer.Entries([]*ledger.Entry{entry})
}
