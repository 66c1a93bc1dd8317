package attribution_test

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercator-hq/tally/pkg/attribution"
	"mercator-hq/tally/pkg/costs"
	"mercator-hq/tally/pkg/ledger"
	ledgerstorage "mercator-hq/tally/pkg/ledger/storage"
	"mercator-hq/tally/pkg/pricing"
	"mercator-hq/tally/pkg/replay"
	"mercator-hq/tally/pkg/usage"
	usagestorage "mercator-hq/tally/pkg/usage/storage"
)

var t0 = time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func bound(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

type fixture struct {
	registry *pricing.Registry
	storage  *ledgerstorage.MemoryStorage
	ledger   *ledger.Ledger
	records  *usagestorage.MemoryStore
	pipeline *attribution.Pipeline
}

func newFixture(t *testing.T, opts ...attribution.Option) *fixture {
	t.Helper()
	reg := pricing.NewRegistry()
	_, err := reg.PublishAll(context.Background(), []pricing.Model{
		{
			Version:       1,
			Component:     "gpt-4",
			Kind:          pricing.KindToken,
			Currency:      "USD",
			Rate:          pricing.Rate{UnitCost: dec("0.01")},
			EffectiveFrom: t0.AddDate(-1, 0, 0),
		},
		{
			Version:   2,
			Component: "embed",
			Kind:      pricing.KindTiered,
			Unit:      usage.UnitToken,
			Currency:  "USD",
			Rate: pricing.Rate{Tiers: []pricing.Tier{
				{From: dec("0"), To: bound("100"), UnitCost: dec("0.01")},
				{From: dec("100"), UnitCost: dec("0.005")},
			}},
			TierScope:     pricing.ScopeExecution,
			EffectiveFrom: t0.AddDate(-1, 0, 0),
		},
		{
			Version:       3,
			Component:     "search",
			Kind:          pricing.KindRequest,
			Currency:      "USD",
			Rate:          pricing.Rate{UnitCost: dec("0.002")},
			FixedFee:      dec("0.01"),
			EffectiveFrom: t0.AddDate(-1, 0, 0),
		},
	})
	require.NoError(t, err)

	mem := ledgerstorage.NewMemoryStorage()
	l := ledger.New(mem)
	records := usagestorage.NewMemoryStore()
	opts = append([]attribution.Option{attribution.WithRetryPolicy(attribution.RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	})}, opts...)

	return &fixture{
		registry: reg,
		storage:  mem,
		ledger:   l,
		records:  records,
		pipeline: attribution.New(reg, l, records, opts...),
	}
}

func tokens(exec, component string, qty int64, at time.Time) usage.Record {
	return usage.Record{
		ExecutionID: exec,
		Component:   component,
		Unit:        usage.UnitToken,
		Quantity:    decimal.NewFromInt(qty),
		Timestamp:   at,
	}
}

func calls(exec string, n int64, at time.Time) usage.Record {
	return usage.Record{
		ExecutionID: exec,
		Component:   "search",
		Action:      "query",
		Unit:        usage.UnitCall,
		Quantity:    decimal.NewFromInt(n),
		Timestamp:   at,
	}
}

func TestIngest_AttributesRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := usage.NewSliceSource("unit-test",
		tokens("exec-1", "gpt-4", 1000, t0),
		calls("exec-1", 3, t0.Add(time.Second)),
		tokens("exec-2", "gpt-4", 250, t0.Add(2*time.Second)),
	)

	summary, err := f.pipeline.Ingest(ctx, src)
	require.NoError(t, err)

	assert.Equal(t, "unit-test", summary.Source)
	assert.Equal(t, 3, summary.Records)
	assert.Equal(t, 3, summary.CostEvents)
	assert.Equal(t, 0, summary.UnattributableEvents)
	assert.Equal(t, []string{"exec-1", "exec-2"}, summary.Executions)
	// 10.00 + (0.006 + 0.01 -> 0.02) + 2.50
	assert.True(t, dec("12.52").Equal(summary.Totals["USD"]), summary.Totals["USD"].String())

	entries, err := f.ledger.ByExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "unit-test", entries[0].Event.Cost.CostSource)

	retained, err := f.records.ByExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Len(t, retained, 2)

	results, err := f.ledger.VerifyAll(ctx)
	require.NoError(t, err)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}
}

func TestIngest_UnpublishedPinnedVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.Ingest(ctx, usage.NewSliceSource("s", tokens("exec-1", "gpt-4", 10, t0)))
	require.NoError(t, err)
	before, err := f.ledger.Head(ctx, "exec-1")
	require.NoError(t, err)

	pinned := tokens("exec-1", "gpt-4", 10, t0.Add(time.Second))
	pinned.PricingVersion = 42

	summary, err := f.pipeline.Ingest(ctx, usage.NewSliceSource("s", pinned))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.CostEvents)
	assert.Equal(t, 1, summary.UnattributableEvents)
	assert.Equal(t, 1, summary.Reasons[costs.ReasonNoApplicablePricing])

	after, err := f.ledger.Head(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, before.Sequence+1, after.Sequence)
	require.NotNil(t, after.Event.Unattributable)
	assert.Equal(t, costs.ReasonNoApplicablePricing, after.Event.Unattributable.Reason)
	assert.Equal(t, uint64(42), after.Event.Unattributable.PricingVersion)
}

func TestAttribute_FailureReasons(t *testing.T) {
	negative := tokens("exec-1", "gpt-4", 0, t0)
	negative.Quantity = dec("-5")

	wrongUnit := tokens("exec-1", "search", 5, t0)
	wrongUnit.Action = "query"

	early := tokens("exec-1", "gpt-4", 5, t0.AddDate(-2, 0, 0))

	tests := []struct {
		name   string
		rec    usage.Record
		reason costs.ReasonCode
	}{
		{"negative quantity", negative, costs.ReasonMalformedUsage},
		{"unit mismatch", wrongUnit, costs.ReasonMalformedUsage},
		{"unknown component", tokens("exec-1", "claude-9", 5, t0), costs.ReasonUnknownComponent},
		{"before any effective pricing", early, costs.ReasonNoApplicablePricing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			outcome, err := f.pipeline.Attribute(context.Background(), tt.rec)
			require.NoError(t, err)
			require.Error(t, outcome.Cause)
			require.Len(t, outcome.Entries, 1)
			assert.Equal(t, tt.reason, outcome.Entries[0].Event.Unattributable.Reason)
		})
	}
}

func TestAttribute_TimestampRegression(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.Attribute(ctx, tokens("exec-1", "gpt-4", 10, t0.Add(time.Minute)))
	require.NoError(t, err)

	late := tokens("exec-1", "gpt-4", 20, t0)
	outcome, err := f.pipeline.Attribute(ctx, late)
	require.NoError(t, err)

	var malformed *costs.MalformedUsageError
	require.ErrorAs(t, outcome.Cause, &malformed)
	assert.Equal(t, "timestamp", malformed.Field)
	assert.Equal(t, late.WithID().ID, outcome.Record.ID)
	assert.True(t, outcome.Record.Regressed())

	retained, err := f.records.Get(ctx, outcome.Record.ID)
	require.NoError(t, err)
	assert.True(t, retained.Regressed())

	// Later records are still accepted.
	outcome, err = f.pipeline.Attribute(ctx, tokens("exec-1", "gpt-4", 30, t0.Add(2*time.Minute)))
	require.NoError(t, err)
	assert.NoError(t, outcome.Cause)
}

func TestAttribute_RejectsUnindexableTimestamps(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
	}{
		{"missing", time.Time{}},
		{"before 1678", time.Date(1600, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"after 2262", time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			_, err := f.pipeline.Attribute(ctx, tokens("exec-1", "gpt-4", 10, tt.at))
			var malformed *costs.MalformedUsageError
			require.ErrorAs(t, err, &malformed)
			assert.Equal(t, "timestamp", malformed.Field)

			head, err := f.ledger.Head(ctx, "exec-1")
			require.NoError(t, err)
			assert.Nil(t, head)
		})
	}
}

func TestIngest_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	recs := []usage.Record{
		tokens("exec-1", "embed", 80, t0),
		tokens("exec-1", "embed", 70, t0.Add(time.Second)),
		calls("exec-1", 2, t0.Add(2*time.Second)),
	}

	first, err := f.pipeline.Ingest(ctx, usage.NewSliceSource("s", recs...))
	require.NoError(t, err)

	// A fresh pipeline over the same ledger must recognise every record.
	again := attribution.New(f.registry, f.ledger, f.records)
	second, err := again.Ingest(ctx, usage.NewSliceSource("s", recs...))
	require.NoError(t, err)

	assert.Equal(t, 3, second.Duplicates)
	assert.Equal(t, 0, second.CostEvents)

	entries, err := f.ledger.ByExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Len(t, entries, first.CostEvents)
}

func TestIngest_DuplicatesReportRecordedFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	recs := []usage.Record{
		tokens("exec-1", "claude-9", 5, t0),
		tokens("exec-1", "gpt-4", 5, t0.Add(time.Second)),
	}

	first, err := f.pipeline.Ingest(ctx, usage.NewSliceSource("s", recs...))
	require.NoError(t, err)
	require.Equal(t, 1, first.Reasons[costs.ReasonUnknownComponent])

	again := attribution.New(f.registry, f.ledger, f.records)
	second, err := again.Ingest(ctx, usage.NewSliceSource("s", recs...))
	require.NoError(t, err)

	assert.Equal(t, 2, second.Duplicates)
	assert.Equal(t, 0, second.CostEvents)
	assert.Empty(t, second.Totals)
	assert.Equal(t, 1, second.UnattributableEvents)
	assert.Equal(t, first.Reasons, second.Reasons)
}

func TestAttribute_ExecutionTiersResumeAcrossPipelines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.pipeline.Attribute(ctx, tokens("exec-1", "embed", 80, t0))
	require.NoError(t, err)
	assert.True(t, dec("0.8").Equal(out.Entries[0].Event.Cost.TotalCost))

	resumed := attribution.New(f.registry, f.ledger, f.records)
	out, err = resumed.Attribute(ctx, tokens("exec-1", "embed", 70, t0.Add(time.Second)))
	require.NoError(t, err)
	// 20 @ 0.01 + 50 @ 0.005
	assert.True(t, dec("0.45").Equal(out.Entries[0].Event.Cost.TotalCost), out.Entries[0].Event.Cost.TotalCost.String())
}

// flakyStorage fails the first n inserts.
type flakyStorage struct {
	ledger.Storage
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (s *flakyStorage) Insert(ctx context.Context, row *ledger.Row) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		return s.err
	}
	return s.Storage.Insert(ctx, row)
}

// cutoffStorage lets the first allowed inserts through and fails every
// later insert until healed.
type cutoffStorage struct {
	ledger.Storage
	mu        sync.Mutex
	allowed   int
	inserts   int
	recovered bool
}

func (s *cutoffStorage) Insert(ctx context.Context, row *ledger.Row) error {
	s.mu.Lock()
	s.inserts++
	fail := !s.recovered && s.inserts > s.allowed
	s.mu.Unlock()
	if fail {
		return errors.New("disk I/O error")
	}
	return s.Storage.Insert(ctx, row)
}

func (s *cutoffStorage) heal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recovered = true
}

func TestIngest_CompletesPartiallyAppendedRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cutoff := &cutoffStorage{Storage: f.storage, allowed: 1}
	l := ledger.New(cutoff)
	p := attribution.New(f.registry, l, f.records,
		attribution.WithRetryPolicy(attribution.RetryPolicy{MaxRetries: 1, InitialBackoff: time.Millisecond}))

	rec := tokens("exec-p", "gpt-4", 150, t0)
	rec.Breakdown = []usage.Measure{
		{Dimension: "prompt", Quantity: dec("100")},
		{Dimension: "completion", Quantity: dec("50")},
	}

	_, err := p.Ingest(ctx, usage.NewSliceSource("s", rec))
	var we *ledger.WriteError
	require.ErrorAs(t, err, &we)

	entries, err := l.ByExecution(ctx, "exec-p")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Event.Cost.RecordLines())

	cutoff.heal()
	summary, err := p.Ingest(ctx, usage.NewSliceSource("s", rec))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Duplicates)

	entries, err = l.ByExecution(ctx, "exec-p")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "prompt", entries[0].Event.Cost.Line)
	assert.Equal(t, "completion", entries[1].Event.Cost.Line)

	report, err := replay.NewEngine(l, f.records, f.registry).Verify(ctx, "exec-p")
	require.NoError(t, err)
	assert.True(t, report.Matched())

	// Once complete, the record is a duplicate for any pipeline.
	out, err := attribution.New(f.registry, l, f.records).Attribute(ctx, rec)
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.Len(t, out.Entries, 2)
}

func TestAttribute_RetriesTransientWriteErrors(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyStorage{Storage: f.storage, failures: 2, err: errors.New("database is locked")}
	p := attribution.New(f.registry, ledger.New(flaky), f.records,
		attribution.WithRetryPolicy(attribution.RetryPolicy{MaxRetries: 3, InitialBackoff: time.Millisecond}))

	out, err := p.Attribute(context.Background(), tokens("exec-1", "gpt-4", 10, t0))
	require.NoError(t, err)
	require.Len(t, out.Entries, 1)
	assert.Equal(t, 3, flaky.calls)
}

func TestAttribute_GivesUpAfterRetries(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyStorage{Storage: f.storage, failures: 100, err: errors.New("disk I/O error")}
	p := attribution.New(f.registry, ledger.New(flaky), f.records,
		attribution.WithRetryPolicy(attribution.RetryPolicy{MaxRetries: 2, InitialBackoff: time.Millisecond}))

	_, err := p.Attribute(context.Background(), tokens("exec-1", "gpt-4", 10, t0))
	var we *ledger.WriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, 3, flaky.calls)

	head, err := f.ledger.Head(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Nil(t, head)
}

func TestAttribute_DoesNotRetryRejectedWrites(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyStorage{Storage: f.storage, failures: 100, err: ledger.ErrWriteRejected}
	p := attribution.New(f.registry, ledger.New(flaky), f.records)

	_, err := p.Attribute(context.Background(), tokens("exec-1", "gpt-4", 10, t0))
	require.ErrorIs(t, err, ledger.ErrWriteRejected)
	assert.Equal(t, 1, flaky.calls)
}

func TestCorrect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.pipeline.Attribute(ctx, tokens("exec-1", "gpt-4", 100, t0))
	require.NoError(t, err)
	original := out.Entries[0]

	_, err = f.registry.Publish(ctx, pricing.Model{
		Version:       4,
		Component:     "gpt-4",
		Kind:          pricing.KindToken,
		Currency:      "USD",
		Rate:          pricing.Rate{UnitCost: dec("0.008")},
		EffectiveFrom: t0,
	})
	require.NoError(t, err)

	entry, err := f.pipeline.Correct(ctx, original.Event.ID(), 4)
	require.NoError(t, err)
	assert.Equal(t, original.Event.ID(), entry.Event.Cost.Corrects)
	assert.True(t, dec("0.8").Equal(entry.Event.Cost.TotalCost))
	assert.Equal(t, original.Sequence+1, entry.Sequence)

	_, err = f.pipeline.Correct(ctx, original.Event.ID(), 4)
	assert.ErrorIs(t, err, attribution.ErrAlreadyCorrected)

	agg, err := f.ledger.Aggregate(ctx, ledger.Filter{ExecutionID: "exec-1"}, ledger.GroupByNone)
	require.NoError(t, err)
	assert.Equal(t, 1, agg.Superseded)
	assert.True(t, dec("0.8").Equal(agg.Totals["USD"]))
}

func TestCorrect_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.pipeline.Attribute(ctx, tokens("exec-1", "claude-9", 10, t0))
	require.NoError(t, err)

	_, err = f.pipeline.Correct(ctx, out.Entries[0].Event.ID(), 1)
	assert.ErrorIs(t, err, attribution.ErrNotCorrectable)

	out, err = f.pipeline.Attribute(ctx, tokens("exec-1", "gpt-4", 10, t0))
	require.NoError(t, err)
	_, err = f.pipeline.Correct(ctx, out.Entries[0].Event.ID(), 99)
	var nf *pricing.PricingVersionNotFoundError
	assert.ErrorAs(t, err, &nf)

	_, err = f.pipeline.Correct(ctx, "no-such-event", 1)
	assert.Error(t, err)
}

// brokenSource yields one record and then fails.
type brokenSource struct{}

func (brokenSource) Name() string { return "broken" }

func (brokenSource) Records(ctx context.Context) iter.Seq2[usage.Record, error] {
	return func(yield func(usage.Record, error) bool) {
		if !yield(tokens("exec-1", "gpt-4", 1, t0), nil) {
			return
		}
		yield(usage.Record{}, errors.New("unexpected end of input"))
	}
}

func TestIngest_SourceError(t *testing.T) {
	f := newFixture(t)

	summary, err := f.pipeline.Ingest(context.Background(), brokenSource{})
	var se *attribution.SourceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "broken", se.Source)
	assert.Equal(t, 1, summary.Records)
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes int
	failures int
}

func (o *countingObserver) ObserveOutcome(out *attribution.Outcome, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes++
	if out.Cause != nil {
		o.failures++
	}
}

func TestIngest_Observer(t *testing.T) {
	obs := &countingObserver{}
	f := newFixture(t, attribution.WithObserver(obs))

	_, err := f.pipeline.Ingest(context.Background(), usage.NewSliceSource("s",
		tokens("exec-1", "gpt-4", 1, t0),
		tokens("exec-1", "nope", 1, t0.Add(time.Second)),
	))
	require.NoError(t, err)
	assert.Equal(t, 2, obs.outcomes)
	assert.Equal(t, 1, obs.failures)
}
