package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"mercator-hq/tally/pkg/costs"
	"mercator-hq/tally/pkg/ledger"
	"mercator-hq/tally/pkg/pricing"
	"mercator-hq/tally/pkg/telemetry/logging"
	"mercator-hq/tally/pkg/usage"
)

// Observer receives replay outcomes, typically for metrics.
type Observer interface {
	ObserveReplay(report *Report, d time.Duration)
}

// Engine recomputes executions from retained usage records.
type Engine struct {
	ledger   *ledger.Ledger
	records  usage.Store
	registry *pricing.Registry
	calc     *costs.Calculator

	workers  int
	observer Observer
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers bounds the number of executions VerifyAll replays at once.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithObserver reports every finished replay to o.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// NewEngine creates a replay engine.
func NewEngine(l *ledger.Ledger, records usage.Store, registry *pricing.Registry, opts ...Option) *Engine {
	e := &Engine{
		ledger:   l,
		records:  records,
		registry: registry,
		calc:     costs.NewCalculator(),
		workers:  runtime.GOMAXPROCS(0),
		logger:   slog.Default().With("component", "replay"),
		tracer:   otel.Tracer("mercator-hq/tally/pkg/replay"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Replay recomputes every retained usage record of an execution under a
// snapshot and compares the result with the recorded events. It fails
// only if the inputs cannot be read or a snapshot version is not
// published; divergences are reported in the Report.
func (e *Engine) Replay(ctx context.Context, executionID string, snap Snapshot) (report *Report, err error) {
	start := time.Now()
	ctx = logging.WithExecutionID(ctx, executionID)
	ctx, span := e.tracer.Start(ctx, "replay.Replay", trace.WithAttributes(
		attribute.String("replay.execution_id", executionID),
		attribute.String("replay.snapshot", snap.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Int("replay.lines", report.Summary.Lines),
				attribute.Int("replay.matched", report.Summary.Match),
			)
			if e.observer != nil {
				e.observer.ObserveReplay(report, time.Since(start))
			}
		}
		span.End()
	}()

	overrides, err := e.resolveSnapshot(snap)
	if err != nil {
		return nil, err
	}

	records, err := e.records.ByExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load usage records for %s: %w", executionID, err)
	}
	usage.SortByTimestamp(records)

	entries, err := e.ledger.ByExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger entries for %s: %w", executionID, err)
	}

	report = newReport(executionID, snap)

	originals := make(map[costs.LineKey]side)
	var (
		originalOrder []costs.LineKey
		extra         []pair
	)
	versionOf := make(map[string]uint64)
	for _, entry := range entries {
		ev := entry.Event
		if ev.Cost != nil && ev.Cost.Corrects != "" {
			report.Corrections++
			continue
		}
		k := keyOf(ev)
		if _, dup := originals[k]; dup {
			// A second original for one line cannot come from a
			// single ingest; it is reported unpaired.
			extra = append(extra, pair{key: k, original: side{event: &ev, stream: entry.Stream, sequence: entry.Sequence}})
			continue
		}
		originals[k] = side{event: &ev, stream: entry.Stream, sequence: entry.Sequence}
		originalOrder = append(originalOrder, k)
		if ev.Cost != nil {
			versionOf[ev.Cost.UsageRecordID] = ev.Cost.PricingVersion
		}
	}

	meter := e.calc.NewMeter(executionID)
	var pairs []pair
	paired := make(map[costs.LineKey]bool)

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, ev := range e.recompute(meter, rec, overrides, versionOf[rec.ID]) {
			k := keyOf(ev)
			p := pair{key: k, recomputed: side{event: &ev}}
			if o, ok := originals[k]; ok && !paired[k] {
				p.original = o
				paired[k] = true
			}
			pairs = append(pairs, p)
		}
	}
	for _, k := range originalOrder {
		if o, ok := originals[k]; ok && !paired[k] {
			pairs = append(pairs, pair{key: k, original: o})
			paired[k] = true
		}
	}
	pairs = append(pairs, extra...)

	for _, p := range pairs {
		report.add(classify(p))
	}
	report.finish(pairs)

	e.logger.DebugContext(ctx, "Replay complete",
		"snapshot", report.Snapshot,
		"lines", report.Summary.Lines,
		"matched", report.Summary.Match,
	)
	return report, nil
}

// recompute prices one record the way attribution would have, with the
// snapshot's overrides applied. originalVersion is the version the record
// was originally priced under, or zero.
func (e *Engine) recompute(meter *costs.Meter, rec usage.Record, overrides []*pricing.Model, originalVersion uint64) []costs.Event {
	rec = rec.WithID()
	if rec.Regressed() {
		return []costs.Event{costs.NewUnattributable(costs.Unattributable(rec, costs.NewTimestampRegressionError(rec)))}
	}

	var (
		model *pricing.Model
		err   error
	)
	if m := override(overrides, rec.Component, rec.Action); m != nil {
		model = m
	} else if rec.PricingVersion == 0 && originalVersion != 0 {
		model, err = e.registry.Resolve(originalVersion)
	} else {
		model, err = e.registry.ResolveFor(rec.PricingVersion, rec.Component, rec.Action, rec.Timestamp)
	}

	events, _ := meter.Attribute(rec, model, err)
	return events
}

func (e *Engine) resolveSnapshot(snap Snapshot) ([]*pricing.Model, error) {
	out := make([]*pricing.Model, 0, len(snap.Versions))
	for _, v := range snap.Versions {
		m, err := e.registry.Resolve(v)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// override picks the snapshot model for a component and action.
func override(models []*pricing.Model, component, action string) *pricing.Model {
	var best *pricing.Model
	for _, m := range models {
		if !m.Matches(component, action) {
			continue
		}
		switch {
		case best == nil:
			best = m
		case (m.Action != "") != (best.Action != ""):
			if m.Action != "" {
				best = m
			}
		case m.Version > best.Version:
			best = m
		}
	}
	return best
}

// Verify replays an execution with its original pricing and fails with a
// *DivergenceError unless every line matches.
func (e *Engine) Verify(ctx context.Context, executionID string) (*Report, error) {
	report, err := e.Replay(ctx, executionID, Original())
	if err != nil {
		return nil, err
	}
	if !report.Matched() {
		e.logger.WarnContext(logging.WithExecutionID(ctx, executionID), "Replay diverged",
			"lines", report.Summary.Lines,
			"diverged", report.Summary.Lines-report.Summary.Match,
		)
		return report, NewDivergenceError(report)
	}
	return report, nil
}

// Result is the outcome of verifying one execution.
type Result struct {
	ExecutionID string
	Report      *Report
	Err         error
}

// Diverged reports whether the result is a replay divergence.
func (r Result) Diverged() bool {
	var de *DivergenceError
	return errors.As(r.Err, &de)
}

// Executions lists every execution with retained usage records.
func (e *Engine) Executions(ctx context.Context) ([]string, error) {
	return e.records.Executions(ctx)
}

// VerifyAll verifies executions in parallel, at most the configured number
// at a time. With no ids it verifies every retained execution. Results are
// in the order of the ids. Cancellation is observed between executions; the
// returned error is non-nil only when ctx ended the run early.
func (e *Engine) VerifyAll(ctx context.Context, executionIDs []string) ([]Result, error) {
	if len(executionIDs) == 0 {
		ids, err := e.Executions(ctx)
		if err != nil {
			return nil, err
		}
		executionIDs = ids
	}

	results := make([]Result, len(executionIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for i, id := range executionIDs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			report, err := e.Verify(gctx, id)
			results[i] = Result{ExecutionID: id, Report: report, Err: err}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}
