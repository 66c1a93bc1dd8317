package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"mercator-hq/tally/pkg/attribution"
	"mercator-hq/tally/pkg/cli"
	"mercator-hq/tally/pkg/config"
	"mercator-hq/tally/pkg/ledger"
	ledgerstorage "mercator-hq/tally/pkg/ledger/storage"
	"mercator-hq/tally/pkg/pricing"
	pricingstorage "mercator-hq/tally/pkg/pricing/storage"
	"mercator-hq/tally/pkg/replay"
	"mercator-hq/tally/pkg/telemetry/logging"
	"mercator-hq/tally/pkg/telemetry/metrics"
	"mercator-hq/tally/pkg/telemetry/tracing"
	"mercator-hq/tally/pkg/usage"
	usagestorage "mercator-hq/tally/pkg/usage/storage"
)

// app holds the components one command runs against.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Collector
	tracer   *tracing.Tracer
	registry *pricing.Registry
	ledger   *ledger.Ledger
	records  usage.Store
	pipeline *attribution.Pipeline
	replay   *replay.Engine

	closers []io.Closer
}

// newApp loads configuration and opens every store. The caller must call
// close when done.
func newApp(ctx context.Context) (_ *app, err error) {
	if err := config.Initialize(cfgFile); err != nil {
		return nil, cli.NewConfigError(cfgFile, fmt.Sprintf("failed to load config: %v", err))
	}
	cfg := config.GetConfig()

	// Apply flag overrides
	if logLevel != "" {
		cfg.Telemetry.Logging.Level = logLevel
	}

	logger, err := logging.Setup(logging.FromConfig(cfg.Telemetry.Logging, os.Stderr))
	if err != nil {
		return nil, cli.NewConfigError("telemetry.logging", err.Error())
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewCollector(&cfg.Telemetry.Metrics, nil),
	}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.tracer, err = tracing.New(&cfg.Telemetry.Tracing, Version)
	if err != nil {
		return nil, cli.NewConfigError("telemetry.tracing", err.Error())
	}

	if err := a.openPricing(ctx); err != nil {
		return nil, err
	}
	if err := a.openLedger(); err != nil {
		return nil, err
	}
	if err := a.openUsage(); err != nil {
		return nil, err
	}

	a.pipeline = attribution.New(a.registry, a.ledger, a.records,
		attribution.WithRetryPolicy(attribution.RetryPolicy{
			MaxRetries:     cfg.Attribution.MaxRetries,
			InitialBackoff: cfg.Attribution.InitialBackoff,
			MaxBackoff:     cfg.Attribution.MaxBackoff,
		}),
		attribution.WithObserver(a.metrics),
	)
	a.replay = replay.NewEngine(a.ledger, a.records, a.registry,
		replay.WithWorkers(cfg.Replay.Workers),
		replay.WithObserver(a.metrics),
	)
	return a, nil
}

func (a *app) openPricing(ctx context.Context) error {
	cfg := a.cfg.Pricing
	opts := []pricing.Option{
		pricing.WithCurrencies(pricing.DefaultCurrencies().Merge(cfg.Currencies)),
	}
	if cfg.Backend == "sqlite" {
		store, err := pricingstorage.NewSQLiteStore(cfg.SQLitePath, a.cfg.Usage.BusyTimeout)
		if err != nil {
			return cli.NewCommandError("pricing", fmt.Errorf("failed to open pricing store: %w", err))
		}
		a.closers = append(a.closers, store)
		opts = append(opts, pricing.WithStore(store))
	}

	a.registry = pricing.NewRegistry(opts...)
	if err := a.registry.Load(ctx); err != nil {
		return cli.NewCommandError("pricing", err)
	}

	// A configured pricing path is published wholesale on every start.
	// Versions already published with identical content are skipped.
	if cfg.Path != "" {
		doc, err := pricing.LoadDocuments(cfg.Path)
		if err != nil {
			return cli.NewConfigError("pricing.path", err.Error())
		}
		published, err := a.registry.PublishDocument(ctx, doc)
		if err != nil {
			return err
		}
		if len(published) > 0 {
			a.logger.Info("Published pricing from configured path",
				"path", cfg.Path,
				"versions", len(published),
				"latest", a.registry.Latest(),
			)
		}
	}
	return nil
}

func (a *app) openLedger() error {
	cfg := a.cfg.Ledger

	var store ledger.Storage
	switch cfg.Backend {
	case "sqlite":
		s, err := ledgerstorage.NewSQLiteStorage(&ledgerstorage.SQLiteConfig{
			Path:         cfg.SQLite.Path,
			MaxOpenConns: cfg.SQLite.MaxOpenConns,
			MaxIdleConns: cfg.SQLite.MaxIdleConns,
			WALMode:      cfg.SQLite.WALMode,
			BusyTimeout:  cfg.SQLite.BusyTimeout,
		})
		if err != nil {
			return cli.NewCommandError("ledger", fmt.Errorf("failed to create SQLite storage: %w", err))
		}
		store = s
	case "memory":
		store = ledgerstorage.NewMemoryStorage()
	default:
		return cli.NewConfigError("ledger.backend", fmt.Sprintf("unsupported backend: %s", cfg.Backend))
	}
	a.closers = append(a.closers, store)

	a.ledger = ledger.New(store,
		ledger.WithStreamFunc(streamFunc(cfg)),
		ledger.WithObserver(a.metrics),
	)
	return nil
}

func streamFunc(cfg config.LedgerConfig) ledger.StreamFunc {
	switch cfg.Stream {
	case "component":
		return ledger.StreamByComponent
	case "single":
		return ledger.SingleStream(cfg.StreamName)
	}
	return ledger.StreamByExecution
}

func (a *app) openUsage() error {
	cfg := a.cfg.Usage
	switch cfg.Backend {
	case "sqlite":
		store, err := usagestorage.NewSQLiteStoreWithConfig(usagestorage.SQLiteStoreConfig{
			Path:        cfg.SQLitePath,
			BusyTimeout: cfg.BusyTimeout,
		})
		if err != nil {
			return cli.NewCommandError("usage", fmt.Errorf("failed to open usage store: %w", err))
		}
		a.records = store
	case "memory":
		a.records = usagestorage.NewMemoryStore()
	default:
		return cli.NewConfigError("usage.backend", fmt.Sprintf("unsupported backend: %s", cfg.Backend))
	}
	a.closers = append(a.closers, a.records)
	return nil
}

// printer creates a printer for the --format flag writing to w.
func (a *app) printer(w io.Writer) (*cli.Printer, error) {
	format, err := cli.ParseOutputFormat(outputFormat)
	if err != nil {
		return nil, cli.NewExitError(cli.ExitMalformedInput, err)
	}
	return cli.NewPrinter(w, format)
}

func (a *app) close() {
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("Failed to flush traces", "error", err)
		}
		cancel()
	}

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("Failed to close stores", "error", err)
	}
}

// outputFile opens path for writing, or returns def when path is empty.
func outputFile(path string, def io.Writer) (io.WriteCloser, error) {
	if path == "" {
		return nopCloser{def}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return f, nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
