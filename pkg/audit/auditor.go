package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mercator-hq/tally/pkg/ledger"
	"mercator-hq/tally/pkg/replay"
)

// ChainVerifier is satisfied by *ledger.Ledger.
type ChainVerifier interface {
	VerifyAll(ctx context.Context) ([]ledger.StreamResult, error)
}

// ReplayVerifier is satisfied by *replay.Engine.
type ReplayVerifier interface {
	VerifyAll(ctx context.Context, executionIDs []string) ([]replay.Result, error)
}

// Observer receives audit outcomes, typically for metrics.
type Observer interface {
	ObserveAudit(streams, integrityFailures, divergences int, d time.Duration, err error)
}

// Result is the outcome of one audit run.
type Result struct {
	Started  time.Time
	Duration time.Duration

	Streams    []ledger.StreamResult
	Executions []replay.Result

	// Entries is the number of ledger entries verified across all streams.
	Entries int

	IntegrityFailures int
	Divergences       int

	// Err is set when the run itself could not complete, for example
	// because the ledger could not list its streams or the run timed out.
	Err error
}

// Failed reports whether the run found a broken chain or a divergence, or
// could not complete.
func (r *Result) Failed() bool {
	return r.Err != nil || r.IntegrityFailures > 0 || r.Divergences > 0
}

// Cause joins every failure of the run into one error, or returns nil.
func (r *Result) Cause() error {
	var errs []error
	if r.Err != nil {
		errs = append(errs, r.Err)
	}
	for _, s := range r.Streams {
		if s.Err != nil {
			errs = append(errs, s.Err)
		}
	}
	for _, x := range r.Executions {
		if x.Err != nil {
			errs = append(errs, x.Err)
		}
	}
	return errors.Join(errs...)
}

// Auditor verifies every ledger stream and, when a replay verifier is set,
// replays every retained execution against its original pricing. It never
// writes to the ledger.
type Auditor struct {
	chains   ChainVerifier
	replayer ReplayVerifier
	timeout  time.Duration
	observer Observer
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	mu   sync.Mutex
	last *Result
}

// Option configures an Auditor.
type Option func(*Auditor)

// WithReplay also verifies executions by replay.
func WithReplay(r ReplayVerifier) Option {
	return func(a *Auditor) {
		a.replayer = r
	}
}

// WithTimeout bounds each run.
func WithTimeout(d time.Duration) Option {
	return func(a *Auditor) {
		a.timeout = d
	}
}

// WithObserver reports every finished run to o.
func WithObserver(o Observer) Option {
	return func(a *Auditor) {
		a.observer = o
	}
}

// WithLogger sets the auditor logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Auditor) {
		a.logger = l
	}
}

// NewAuditor creates an auditor over a ledger.
func NewAuditor(chains ChainVerifier, opts ...Option) *Auditor {
	a := &Auditor{
		chains: chains,
		logger: slog.Default().With("component", "audit"),
		tracer: otel.Tracer("mercator-hq/tally/pkg/audit"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run performs one audit. The returned error is the run error; integrity
// failures and divergences are reported in the Result.
func (a *Auditor) Run(ctx context.Context) (*Result, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	ctx, span := a.tracer.Start(ctx, "audit.Run", trace.WithAttributes(
		attribute.Bool("audit.replay", a.replayer != nil),
	))
	defer span.End()

	res := &Result{Started: a.now()}
	a.run(ctx, res)
	res.Duration = a.now().Sub(res.Started)

	span.SetAttributes(
		attribute.Int("audit.streams", len(res.Streams)),
		attribute.Int("audit.integrity_failures", res.IntegrityFailures),
		attribute.Int("audit.divergences", res.Divergences),
	)
	if cause := res.Cause(); cause != nil {
		span.RecordError(cause)
		span.SetStatus(codes.Error, "audit failed")
	}

	a.mu.Lock()
	a.last = res
	a.mu.Unlock()

	if a.observer != nil {
		a.observer.ObserveAudit(len(res.Streams), res.IntegrityFailures, res.Divergences, res.Duration, res.Err)
	}
	a.log(ctx, res)
	return res, res.Err
}

func (a *Auditor) run(ctx context.Context, res *Result) {
	streams, err := a.chains.VerifyAll(ctx)
	res.Streams = streams
	for _, s := range streams {
		res.Entries += s.Entries
		var ie *ledger.IntegrityError
		if errors.As(s.Err, &ie) {
			res.IntegrityFailures++
		}
	}
	if err != nil {
		res.Err = fmt.Errorf("verify chains: %w", err)
		return
	}

	if a.replayer == nil {
		return
	}
	executions, err := a.replayer.VerifyAll(ctx, nil)
	res.Executions = executions
	for _, x := range executions {
		if x.Diverged() {
			res.Divergences++
		}
	}
	if err != nil {
		res.Err = fmt.Errorf("replay executions: %w", err)
	}
}

func (a *Auditor) log(ctx context.Context, res *Result) {
	attrs := []any{
		"streams", len(res.Streams),
		"entries", res.Entries,
		"executions", len(res.Executions),
		"integrity_failures", res.IntegrityFailures,
		"divergences", res.Divergences,
		"duration", res.Duration,
	}
	switch {
	case res.Err != nil:
		a.logger.ErrorContext(ctx, "Audit did not complete", append(attrs, "error", res.Err)...)
	case res.Failed():
		for _, s := range res.Streams {
			if s.Err != nil {
				a.logger.ErrorContext(ctx, "Ledger stream failed verification", "stream", s.Stream, "error", s.Err)
			}
		}
		for _, x := range res.Executions {
			if x.Err != nil {
				a.logger.ErrorContext(ctx, "Execution failed replay verification", "execution_id", x.ExecutionID, "error", x.Err)
			}
		}
		a.logger.ErrorContext(ctx, "Audit found failures", attrs...)
	default:
		a.logger.InfoContext(ctx, "Audit passed", attrs...)
	}
}

// Last returns the most recent result, or nil before the first run.
func (a *Auditor) Last() *Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// LastError returns the failures of the most recent run, or nil when it
// passed or no run has completed yet.
func (a *Auditor) LastError() error {
	last := a.Last()
	if last == nil {
		return nil
	}
	return last.Cause()
}
