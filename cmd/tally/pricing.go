package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"mercator-hq/tally/pkg/cli"
	"mercator-hq/tally/pkg/pricing"
)

var pricingFlags struct {
	dryRun    bool
	component string
	action    string
}

var pricingCmd = &cobra.Command{
	Use:   "pricing",
	Short: "Manage pricing versions",
	Long: `Publish and inspect immutable pricing versions.

Pricing documents are YAML, JSON or TOML files holding a list of models.
A document is published wholesale or not at all; a published version can
never be changed or removed.

Subcommands:
  publish - Publish pricing documents
  list    - List published versions
  show    - Show one version and its history`,
}

var pricingPublishCmd = &cobra.Command{
	Use:   "publish <file|dir>...",
	Short: "Publish pricing documents",
	Long: `Validate and publish pricing documents. A directory publishes every
document in it, in lexical order.

Versions already published with identical content are skipped. Any invalid
model, duplicate version, or malformed tier table rejects the whole publish
and exits with 3.

Examples:
  # Publish a pricing table
  tally pricing publish pricing/2025-04.yaml

  # Validate without publishing
  tally pricing publish pricing/ --dry-run`,
	Args: args(cobra.MinimumNArgs(1)),
	RunE: runPricingPublish,
}

var pricingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List published pricing versions",
	Args:  args(cobra.NoArgs),
	RunE:  runPricingList,
}

var pricingShowCmd = &cobra.Command{
	Use:   "show <version>",
	Short: "Show a pricing version",
	Long:  `Show a pricing version in full, including its tier table and the version that superseded it.`,
	Args:  args(cobra.ExactArgs(1)),
	RunE:  runPricingShow,
}

func init() {
	rootCmd.AddCommand(pricingCmd)
	pricingCmd.AddCommand(pricingPublishCmd, pricingListCmd, pricingShowCmd)

	pricingPublishCmd.Flags().BoolVar(&pricingFlags.dryRun, "dry-run", false, "validate documents without publishing")

	pricingListCmd.Flags().StringVar(&pricingFlags.component, "component", "", "filter by component")
	pricingListCmd.Flags().StringVar(&pricingFlags.action, "action", "", "filter by action")
}

func runPricingPublish(cmd *cobra.Command, paths []string) error {
	ctx := cmd.Context()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.close()

	doc := &pricing.Document{}
	for _, path := range paths {
		d, err := pricing.LoadDocuments(path)
		if err != nil {
			return cli.NewConfigError(path, err.Error())
		}
		doc.Models = append(doc.Models, d.Models...)
	}

	if pricingFlags.dryRun {
		for _, m := range doc.Models {
			if _, err := pricing.Normalize(m, app.registry.Currencies()); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %d pricing models valid\n", len(doc.Models))
		return nil
	}

	published, err := app.registry.PublishDocument(ctx, doc)
	if err != nil {
		return err
	}

	printer, err := app.printer(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if printer.Format() == cli.FormatText && len(published) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No new pricing versions")
		return nil
	}
	return printer.Models(published)
}

func runPricingList(cmd *cobra.Command, _ []string) error {
	app, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer app.close()

	var models []*pricing.Model
	for _, m := range app.registry.Versions() {
		if pricingFlags.component != "" && m.Component != pricingFlags.component {
			continue
		}
		if pricingFlags.action != "" && m.Action != pricingFlags.action {
			continue
		}
		models = append(models, m)
	}

	printer, err := app.printer(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	return printer.Models(models)
}

func runPricingShow(cmd *cobra.Command, a []string) error {
	version, err := strconv.ParseUint(a[0], 10, 64)
	if err != nil || version == 0 {
		return usageError(cmd, fmt.Errorf("invalid pricing version %q", a[0]))
	}

	app, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer app.close()

	m, err := app.registry.Resolve(version)
	if err != nil {
		return err
	}

	printer, err := app.printer(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	return printer.Model(m, app.registry.History(m.Component, m.Action))
}
