package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/tally/pkg/audit"
	"mercator-hq/tally/pkg/cli"
	"mercator-hq/tally/pkg/config"
	"mercator-hq/tally/pkg/pricing"
	"mercator-hq/tally/pkg/telemetry/health"
	"mercator-hq/tally/pkg/telemetry/logging"
)

const shutdownTimeout = 10 * time.Second

var serveFlags struct {
	listenAddress string
	dryRun        bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve metrics and health, and run scheduled audits",
	Long: `Run the long-lived parts of tally: the Prometheus metrics endpoint,
liveness and readiness probes, the scheduled chain audit, and the pricing
directory watcher.

Readiness requires a readable ledger, at least one published pricing
version, and, when audits are enabled, a passing last audit.

SIGHUP re-reads the configuration file and applies its log level; other
settings take effect on restart.

Examples:
  # Start with default config
  tally serve

  # Hourly audits with replay, publishing new pricing documents as they land
  TALLY_AUDIT_ENABLED=true TALLY_AUDIT_REPLAY=true \
  TALLY_PRICING_PATH=/etc/tally/pricing TALLY_PRICING_WATCH=true tally serve

  # Validate config without starting
  tally serve --dry-run`,
	Args: args(cobra.NoArgs),
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveFlags.listenAddress, "listen", "l", "", "override listen address")
	serveCmd.Flags().BoolVar(&serveFlags.dryRun, "dry-run", false, "validate config and open stores without serving")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := cli.SetupSignalHandler(cmd.Context())
	defer cancel()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.close()

	cfg := app.cfg
	if serveFlags.listenAddress != "" {
		cfg.Telemetry.ListenAddress = serveFlags.listenAddress
	}
	if serveFlags.dryRun {
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration valid")
		return nil
	}

	checker := health.New(cfg.Telemetry.Health.CheckTimeout)
	checker.RegisterCheck("ledger", health.LedgerCheck(app.ledger))
	checker.RegisterCheck("pricing", health.PricingCheck(app.registry))

	if cfg.Audit.Enabled {
		opts := []audit.Option{
			audit.WithTimeout(cfg.Audit.Timeout),
			audit.WithObserver(app.metrics),
		}
		if cfg.Audit.Replay {
			opts = append(opts, audit.WithReplay(app.replay))
		}
		auditor := audit.NewAuditor(app.ledger, opts...)
		checker.RegisterCheck("audit", health.AuditCheck(auditor))

		scheduler := audit.NewScheduler(auditor, cfg.Audit.Schedule)
		if err := scheduler.Start(ctx); err != nil {
			return cli.NewConfigError("audit.schedule", err.Error())
		}
		defer scheduler.Stop()
		if next := scheduler.NextRun(); next != nil {
			app.logger.Info("Next audit scheduled", "at", next)
		}
	}

	if cfg.Pricing.Watch {
		watcher, err := pricing.NewWatcher(app.registry, cfg.Pricing.Path, cfg.Pricing.WatchDebounce)
		if err != nil {
			return cli.NewCommandError("serve", err)
		}
		defer watcher.Stop()
		go func() {
			if err := watcher.Watch(ctx); err != nil {
				app.logger.Error("Pricing watcher stopped", "error", err)
			}
		}()
	}

	go reloadOnHangup(ctx, app)

	mux := http.NewServeMux()
	if cfg.Telemetry.Metrics.Enabled {
		mux.Handle(cfg.Telemetry.Metrics.Path, app.metrics.Handler())
	}
	health.Mount(mux, &cfg.Telemetry.Health, checker, Version, GitCommit, BuildDate)

	listener, err := net.Listen("tcp", cfg.Telemetry.ListenAddress)
	if err != nil {
		return cli.NewConfigError("telemetry.listen_address", err.Error())
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	app.logger.Info("Serving",
		"address", listener.Addr().String(),
		"metrics", cfg.Telemetry.Metrics.Enabled,
		"audit", cfg.Audit.Enabled,
		"pricing_watch", cfg.Pricing.Watch,
	)

	select {
	case err := <-errChan:
		return cli.NewCommandError("serve", err)
	case <-ctx.Done():
	}

	app.logger.Info("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return cli.NewCommandError("serve", err)
	}
	return nil
}

func reloadOnHangup(ctx context.Context, app *app) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := reloadConfig(app); err != nil {
				app.logger.Error("Configuration reload failed", "error", err)
			}
		}
	}
}

// reloadConfig re-reads the configuration file and applies its log level.
// The --log-level flag still wins over the file.
func reloadConfig(app *app) error {
	cfg, err := config.ReloadConfig(cfgFile)
	if err != nil {
		return err
	}
	level := cfg.Telemetry.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	if err := logging.SetLevel(level); err != nil {
		return cli.NewConfigError("telemetry.logging.level", err.Error())
	}
	app.logger.Info("Configuration reloaded", "path", cfgFile, "log_level", level)
	return nil
}
