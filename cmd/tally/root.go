package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mercator-hq/tally/pkg/cli"
)

var (
	// Global flags
	cfgFile      string
	outputFormat string
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "tally",
	Short: "Tally - inference cost attribution engine",
	Long: `Tally attributes the cost of agent executions to the model invocations and
tool calls that incurred it.

Costs are computed under immutable, versioned pricing and recorded in an
append-only, hash-chained ledger. Recorded executions can be replayed
against any pricing snapshot and verified for tampering at any time.

Exit codes:
  0  success
  1  ledger integrity violation or replay divergence
  2  malformed input
  3  configuration or pricing failure`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits with the code its error maps to.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}

	var exitErr *cli.ExitError
	if !errors.As(err, &exitErr) || exitErr.Err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.ExitCode(err))
}

func init() {
	// Global persistent flags (available to all subcommands)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: built-in defaults)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "f", "text", "output format: text, json, csv")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	// Flag and argument mistakes are malformed input.
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError(cmd, err)
	})
}

func usageError(cmd *cobra.Command, err error) error {
	return cli.NewExitError(cli.ExitMalformedInput, fmt.Errorf("%w\nRun '%s --help' for usage", err, cmd.CommandPath()))
}

// args wraps a cobra argument validator so violations exit as malformed input.
func args(validate cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, a []string) error {
		if err := validate(cmd, a); err != nil {
			return usageError(cmd, err)
		}
		return nil
	}
}
