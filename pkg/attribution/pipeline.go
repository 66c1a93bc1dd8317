package attribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mercator-hq/tally/pkg/costs"
	"mercator-hq/tally/pkg/ledger"
	"mercator-hq/tally/pkg/pricing"
	"mercator-hq/tally/pkg/telemetry/logging"
	"mercator-hq/tally/pkg/usage"
)

// RetryPolicy bounds how ledger appends are retried after a WriteError.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// InitialBackoff is the delay before the first retry; it doubles on
	// every further retry up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy returns the default append retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     time.Second,
	}
}

// Outcome is the result of attributing one usage record.
type Outcome struct {
	Record  usage.Record
	Entries []*ledger.Entry

	// Cause is why the record could not be priced; nil when it was.
	Cause error

	// Duplicate is set when the record had already been attributed and
	// Entries are the entries recorded then.
	Duplicate bool
}

// Observer receives attribution outcomes, typically for metrics.
type Observer interface {
	ObserveOutcome(o *Outcome, d time.Duration)
}

// Pipeline attributes usage records to ledger entries.
// It is safe for concurrent use; records of one execution are serialized.
type Pipeline struct {
	registry *pricing.Registry
	ledger   *ledger.Ledger
	records  usage.Store
	calc     *costs.Calculator

	retry    RetryPolicy
	observer Observer
	logger   *slog.Logger
	tracer   trace.Tracer

	mu    sync.Mutex
	execs map[string]*execution
}

// execution is the attribution state of one execution.
type execution struct {
	mu     sync.Mutex
	loaded bool
	meter  *costs.Meter
	last   time.Time

	// attributed maps usage record ids to their original entries.
	attributed map[string][]*ledger.Entry
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRetryPolicy sets the append retry policy.
func WithRetryPolicy(r RetryPolicy) Option {
	return func(p *Pipeline) {
		p.retry = r
	}
}

// WithObserver reports every outcome to o.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) {
		p.observer = o
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// New creates a pipeline.
func New(registry *pricing.Registry, l *ledger.Ledger, records usage.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		registry: registry,
		ledger:   l,
		records:  records,
		calc:     costs.NewCalculator(),
		retry:    DefaultRetryPolicy(),
		logger:   slog.Default().With("component", "attribution"),
		tracer:   otel.Tracer("mercator-hq/tally/pkg/attribution"),
		execs:    make(map[string]*execution),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Summary describes one ingest run.
type Summary struct {
	Source     string   `json:"source"`
	Records    int      `json:"records"`
	Duplicates int      `json:"duplicates,omitempty"`
	Executions []string `json:"executions"`

	// CostEvents counts the cost events appended by this run.
	CostEvents int `json:"cost_events"`

	// UnattributableEvents and Reasons also count the failures recorded
	// for duplicate records, so a re-ingest reports the same failures.
	UnattributableEvents int                      `json:"unattributable_events"`
	Reasons              map[costs.ReasonCode]int `json:"reasons,omitempty"`

	// Totals per currency of the cost events appended by this run.
	Totals map[string]decimal.Decimal `json:"totals"`

	Duration time.Duration `json:"duration"`
}

func newSummary(source string) *Summary {
	return &Summary{
		Source:  source,
		Reasons: make(map[costs.ReasonCode]int),
		Totals:  make(map[string]decimal.Decimal),
	}
}

func (s *Summary) add(o *Outcome, seen map[string]bool) {
	s.Records++
	if !seen[o.Record.ExecutionID] {
		seen[o.Record.ExecutionID] = true
		s.Executions = append(s.Executions, o.Record.ExecutionID)
	}
	if o.Duplicate {
		s.Duplicates++
	}
	for _, e := range o.Entries {
		switch {
		case e.Event.Cost != nil && o.Duplicate:
			// Counted by the run that appended it.
		case e.Event.Cost != nil:
			s.CostEvents++
			s.Totals[e.Event.Cost.Currency] = s.Totals[e.Event.Cost.Currency].Add(e.Event.Cost.TotalCost)
		case e.Event.Unattributable != nil:
			s.UnattributableEvents++
			s.Reasons[e.Event.Unattributable.Reason]++
		}
	}
}

// Ingest attributes every record of a source. Records that cannot be
// priced are counted in the summary; the returned error is set only when
// the source fails or the ledger or usage store cannot be written, in
// which case the summary covers the records attributed so far.
func (p *Pipeline) Ingest(ctx context.Context, src usage.Source) (*Summary, error) {
	start := time.Now()
	summary := newSummary(src.Name())
	seen := make(map[string]bool)

	ctx = logging.WithSource(ctx, src.Name())
	ctx, span := p.tracer.Start(ctx, "attribution.Ingest", trace.WithAttributes(
		attribute.String("attribution.source", src.Name()),
	))
	defer span.End()

	for rec, err := range src.Records(ctx) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			summary.Duration = time.Since(start)
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			return summary, NewSourceError(src.Name(), err)
		}
		outcome, err := p.Attribute(ctx, rec)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			summary.Duration = time.Since(start)
			return summary, err
		}
		summary.add(outcome, seen)
	}

	summary.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("attribution.records", summary.Records),
		attribute.Int("attribution.cost_events", summary.CostEvents),
		attribute.Int("attribution.unattributable_events", summary.UnattributableEvents),
	)
	p.logger.InfoContext(ctx, "Ingest complete",
		"records", summary.Records,
		"cost_events", summary.CostEvents,
		"unattributable_events", summary.UnattributableEvents,
		"duration", summary.Duration,
	)
	return summary, nil
}

// Attribute prices one usage record and appends its events. The returned
// error reports a failure to retain the record or append its events; a
// record that cannot be priced is described by Outcome.Cause instead.
func (p *Pipeline) Attribute(ctx context.Context, rec usage.Record) (*Outcome, error) {
	start := time.Now()
	rec = rec.WithID()
	ctx = logging.WithExecutionID(ctx, rec.ExecutionID)

	// Without an indexable timestamp not even an unattributable event can
	// be recorded, so the record is rejected outright.
	switch {
	case rec.Timestamp.IsZero():
		return nil, costs.NewMalformedUsageError(rec.ID, "timestamp", "is required")
	case !usage.IndexableTimestamp(rec.Timestamp):
		return nil, costs.NewMalformedUsageError(rec.ID, "timestamp",
			fmt.Sprintf("%s is outside the supported range", rec.Timestamp.Format(time.RFC3339)))
	}

	x := p.execution(rec.ExecutionID)
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := p.load(ctx, x, rec.ExecutionID); err != nil {
		return nil, err
	}

	if prior, ok := x.attributed[rec.ID]; ok {
		p.logger.DebugContext(ctx, "Usage record already attributed", "usage_record_id", rec.ID)
		return &Outcome{Record: rec, Entries: prior, Duplicate: true}, nil
	}

	var (
		events []costs.Event
		cause  error
	)
	if !x.last.IsZero() && rec.Timestamp.Before(x.last) {
		rec = rec.MarkRegressed()
		cause = costs.NewTimestampRegressionError(rec)
		events = []costs.Event{costs.NewUnattributable(costs.Unattributable(rec, cause))}
	} else {
		model, err := p.registry.ResolveFor(rec.PricingVersion, rec.Component, rec.Action, rec.Timestamp)
		events, cause = x.meter.Attribute(rec, model, err)
		x.last = rec.Timestamp
	}

	outcome := &Outcome{Record: rec, Cause: cause}
	if err := p.commit(ctx, rec, events, outcome); err != nil {
		// The meter already counted these events; rebuild it from the
		// ledger before the next record of this execution.
		x.loaded = false
		return nil, err
	}
	x.attributed[rec.ID] = outcome.Entries

	if cause != nil {
		p.logger.WarnContext(ctx, "Usage record is unattributable",
			"usage_record_id", rec.ID,
			"reason", costs.ReasonFor(cause),
			"error", cause,
		)
	}
	if p.observer != nil {
		p.observer.ObserveOutcome(outcome, time.Since(start))
	}
	return outcome, nil
}

func (p *Pipeline) commit(ctx context.Context, rec usage.Record, events []costs.Event, outcome *Outcome) error {
	if err := p.records.Put(ctx, rec); err != nil {
		return fmt.Errorf("failed to retain usage record %s: %w", rec.ID, err)
	}
	for _, ev := range events {
		entry, err := p.appendWithRetry(ctx, ev)
		if err != nil {
			return err
		}
		outcome.Entries = append(outcome.Entries, entry)
	}
	return nil
}

func (p *Pipeline) execution(id string) *execution {
	p.mu.Lock()
	defer p.mu.Unlock()

	x, ok := p.execs[id]
	if !ok {
		x = &execution{}
		p.execs[id] = x
	}
	return x
}

// load seeds the execution's meter and ordering watermark from events
// already in the ledger, so ingest can resume across runs.
func (p *Pipeline) load(ctx context.Context, x *execution, executionID string) error {
	if x.loaded {
		return nil
	}
	entries, err := p.ledger.ByExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("failed to load ledger entries for %s: %w", executionID, err)
	}

	byRecord := make(map[string][]*ledger.Entry)
	for _, e := range entries {
		if e.Event.Cost != nil && e.Event.Cost.Corrects != "" {
			continue
		}
		id := e.Event.UsageRecordID()
		byRecord[id] = append(byRecord[id], e)
	}

	x.meter = p.calc.NewMeter(executionID)
	x.last = time.Time{}
	x.attributed = make(map[string][]*ledger.Entry, len(byRecord))
	for _, e := range entries {
		if e.Event.Cost != nil && e.Event.Cost.Corrects != "" {
			continue
		}
		id := e.Event.UsageRecordID()
		prior := byRecord[id]
		if !complete(prior) {
			// Left out of the meter so the record reprices from the same
			// tier offsets and its missing lines are appended on retry.
			continue
		}
		x.meter.Observe(e.Event)
		x.attributed[id] = prior
		if ts := e.Event.Timestamp(); ts.After(x.last) {
			x.last = ts
		}
	}
	for id, prior := range byRecord {
		if !complete(prior) {
			p.logger.WarnContext(ctx, "Usage record partially appended, will be re-attributed",
				"usage_record_id", id,
				"appended", len(prior),
				"lines", prior[0].Event.Cost.RecordLines(),
			)
		}
	}
	x.loaded = true
	return nil
}

// complete reports whether every event of a usage record is in the ledger.
func complete(entries []*ledger.Entry) bool {
	if len(entries) == 0 {
		return false
	}
	first := entries[0].Event
	if first.Cost == nil {
		return true
	}
	return len(entries) >= first.Cost.RecordLines()
}

// appendWithRetry appends an event, retrying transient write failures with
// exponential backoff. Appends are idempotent by event id, so a retry
// after an ambiguous failure cannot duplicate the entry.
func (p *Pipeline) appendWithRetry(ctx context.Context, ev costs.Event) (*ledger.Entry, error) {
	var lastErr error
	backoff := p.retry.InitialBackoff

	for attempt := 0; attempt <= p.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			p.logger.DebugContext(ctx, "Retrying ledger append",
				"event_id", ev.ID(),
				"attempt", attempt,
				"max_retries", p.retry.MaxRetries,
				"backoff", backoff,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if p.retry.MaxBackoff > 0 && backoff > p.retry.MaxBackoff {
				backoff = p.retry.MaxBackoff
			}
		}

		entry, err := p.ledger.Append(ctx, ev)
		if err == nil {
			return entry, nil
		}
		lastErr = err

		if errors.Is(err, ledger.ErrWriteRejected) || ctx.Err() != nil {
			break
		}
		p.logger.WarnContext(ctx, "Ledger append failed, will retry",
			"event_id", ev.ID(),
			"attempt", attempt,
			"error", err,
		)
	}
	return nil, lastErr
}

// Correct reprices a recorded cost event under a pricing version and
// appends the result as a correcting event. The original stays in the
// ledger and is superseded in aggregates.
func (p *Pipeline) Correct(ctx context.Context, eventID string, version uint64) (*ledger.Entry, error) {
	ctx, span := p.tracer.Start(ctx, "attribution.Correct", trace.WithAttributes(
		attribute.String("attribution.event_id", eventID),
		attribute.Int64("attribution.pricing_version", int64(version)),
	))
	defer span.End()

	original, err := p.ledger.FindEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if original.Event.Cost == nil {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotCorrectable, eventID, original.Event.Kind)
	}

	x := p.execution(original.Event.ExecutionID())
	x.mu.Lock()
	defer x.mu.Unlock()

	siblings, err := p.ledger.ByExecution(ctx, original.Event.ExecutionID())
	if err != nil {
		return nil, err
	}
	for _, s := range siblings {
		if s.Event.Cost != nil && s.Event.Cost.Corrects == eventID {
			return nil, fmt.Errorf("%w: %s is corrected by %s", ErrAlreadyCorrected, eventID, s.Event.ID())
		}
	}

	model, err := p.registry.Resolve(version)
	if err != nil {
		return nil, err
	}
	corrected, err := p.calc.Correct(*original.Event.Cost, model)
	if err != nil {
		return nil, err
	}

	entry, err := p.appendWithRetry(ctx, costs.NewCost(corrected))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	p.logger.Info("Cost event corrected",
		"event_id", eventID,
		"correction_id", corrected.EventID,
		"pricing_version", version,
		"delta", corrected.TotalCost.Sub(original.Event.Cost.TotalCost).String(),
	)
	return entry, nil
}
