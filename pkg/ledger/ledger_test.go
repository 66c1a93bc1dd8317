package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercator-hq/tally/pkg/costs"
	"mercator-hq/tally/pkg/ledger"
	"mercator-hq/tally/pkg/ledger/storage"
	"mercator-hq/tally/pkg/pricing"
	"mercator-hq/tally/pkg/usage"
)

var t0 = time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)

func model(t *testing.T, component, unitCost string) *pricing.Model {
	t.Helper()
	m, err := pricing.Normalize(pricing.Model{
		Version:       1,
		Component:     component,
		Kind:          pricing.KindToken,
		Currency:      "USD",
		Rate:          pricing.Rate{UnitCost: decimal.RequireFromString(unitCost)},
		EffectiveFrom: t0.AddDate(-1, 0, 0),
	}, pricing.DefaultCurrencies())
	require.NoError(t, err)
	return m
}

// costEvent prices qty tokens of component for an execution.
func costEvent(t *testing.T, exec, component string, qty int64, at time.Time) costs.Event {
	t.Helper()
	rec := usage.Record{
		ExecutionID: exec,
		Component:   component,
		Unit:        usage.UnitToken,
		Quantity:    decimal.NewFromInt(qty),
		Timestamp:   at,
		Source:      "test",
	}
	events, err := costs.NewCalculator().Attribute(rec, model(t, component, "0.01"), nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	return events[0]
}

func unattributable(exec string, at time.Time) costs.Event {
	rec := usage.Record{
		ExecutionID:    exec,
		Component:      "gpt-4",
		Unit:           usage.UnitToken,
		Quantity:       decimal.NewFromInt(10),
		PricingVersion: 99,
		Timestamp:      at,
		Source:         "test",
	}
	return costs.NewUnattributable(costs.Unattributable(rec, pricing.NewNoApplicablePricingError("gpt-4", "", at, true)))
}

func appendN(t *testing.T, l *ledger.Ledger, exec string, n int) []*ledger.Entry {
	t.Helper()
	var out []*ledger.Entry
	for i := 0; i < n; i++ {
		e, err := l.Append(context.Background(), costEvent(t, exec, "gpt-4", int64(100+i), t0.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestAppend_RejectsUnindexableTimestamp(t *testing.T) {
	l := ledger.New(storage.NewMemoryStorage())

	_, err := l.Append(context.Background(), unattributable("exec-1", time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC)))
	var we *ledger.WriteError
	require.ErrorAs(t, err, &we)
	assert.ErrorIs(t, err, ledger.ErrWriteRejected)

	head, err := l.Head(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Nil(t, head)
}

func TestAppend_LinksEntries(t *testing.T) {
	l := ledger.New(storage.NewMemoryStorage())

	entries := appendN(t, l, "exec-1", 3)

	assert.Equal(t, ledger.GenesisHash, entries[0].PrevHash)
	for i, e := range entries {
		assert.Equal(t, uint64(i), e.Sequence)
		assert.Equal(t, "exec-1", e.Stream)
		assert.Len(t, e.Hash, 64)
		if i > 0 {
			assert.Equal(t, entries[i-1].Hash, e.PrevHash)
		}
	}

	head, err := l.Head(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, entries[2].Hash, head.Hash)

	require.NoError(t, l.VerifyStream(context.Background(), "exec-1"))
}

func TestAppend_Deterministic(t *testing.T) {
	a := ledger.New(storage.NewMemoryStorage())
	b := ledger.New(storage.NewMemoryStorage())

	ea := appendN(t, a, "exec-1", 4)
	eb := appendN(t, b, "exec-1", 4)

	for i := range ea {
		assert.Equal(t, ea[i].Hash, eb[i].Hash)
		assert.Equal(t, ea[i].EventHash, eb[i].EventHash)
	}
}

func TestAppend_IdempotentForSameEvent(t *testing.T) {
	l := ledger.New(storage.NewMemoryStorage())
	ev := costEvent(t, "exec-1", "gpt-4", 100, t0)

	first, err := l.Append(context.Background(), ev)
	require.NoError(t, err)
	again, err := l.Append(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, first.Sequence, again.Sequence)
	assert.Equal(t, first.Hash, again.Hash)

	entries, err := l.ByExecution(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAppend_RejectsConflictingContent(t *testing.T) {
	l := ledger.New(storage.NewMemoryStorage())
	ev := costEvent(t, "exec-1", "gpt-4", 100, t0)
	_, err := l.Append(context.Background(), ev)
	require.NoError(t, err)

	forged := ev
	c := *ev.Cost
	c.TotalCost = decimal.RequireFromString("99")
	forged.Cost = &c

	_, err = l.Append(context.Background(), forged)
	var we *ledger.WriteError
	require.ErrorAs(t, err, &we)
	assert.ErrorIs(t, err, ledger.ErrWriteRejected)
}

func TestAppend_InvalidEvent(t *testing.T) {
	l := ledger.New(storage.NewMemoryStorage())

	_, err := l.Append(context.Background(), costs.Event{Kind: costs.KindCost, Cost: &costs.CostEvent{ExecutionID: "exec-1"}})

	var we *ledger.WriteError
	require.ErrorAs(t, err, &we)
}

func TestAppend_UnattributableAdvancesChainByOne(t *testing.T) {
	l := ledger.New(storage.NewMemoryStorage())
	appendN(t, l, "exec-1", 2)

	e, err := l.Append(context.Background(), unattributable("exec-1", t0.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e.Sequence)
	assert.Equal(t, costs.KindUnattributable, e.Event.Kind)
	assert.Equal(t, costs.ReasonNoApplicablePricing, e.Event.Unattributable.Reason)

	require.NoError(t, l.VerifyStream(context.Background(), "exec-1"))
}

// failingStorage fails every Insert.
type failingStorage struct {
	ledger.Storage
}

func (failingStorage) Insert(context.Context, *ledger.Row) error {
	return errors.New("disk full")
}

func TestAppend_WriteFailureLeavesHeadUnchanged(t *testing.T) {
	mem := storage.NewMemoryStorage()
	good := ledger.New(mem)
	entries := appendN(t, good, "exec-1", 2)

	bad := ledger.New(failingStorage{mem})
	_, err := bad.Append(context.Background(), costEvent(t, "exec-1", "gpt-4", 500, t0.Add(time.Hour)))

	var we *ledger.WriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, uint64(2), we.Sequence)

	head, err := good.Head(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, entries[1].Hash, head.Hash)
}

func TestAppend_ConcurrentStreams(t *testing.T) {
	l := ledger.New(storage.NewMemoryStorage())

	var events [][]costs.Event
	for s := 0; s < 4; s++ {
		var evs []costs.Event
		for i := 0; i < 25; i++ {
			evs = append(evs, costEvent(t, fmt.Sprintf("exec-%d", s), "gpt-4", int64(i+1), t0.Add(time.Duration(i)*time.Second)))
		}
		events = append(events, evs)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for _, evs := range events {
		for _, ev := range evs {
			wg.Add(1)
			go func(ev costs.Event) {
				defer wg.Done()
				if _, err := l.Append(context.Background(), ev); err != nil {
					errs <- err
				}
			}(ev)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append failed: %v", err)
	}

	results, err := l.VerifyAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 4)
	for _, r := range results {
		assert.NoError(t, r.Err)
		assert.Equal(t, 25, r.Entries)
	}
}

func TestVerifyChain_DetectsTamperAtSequence(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ledger.Row)
	}{
		{
			name: "payload byte flipped",
			mutate: func(r *ledger.Row) {
				r.Payload[len(r.Payload)/2] ^= 0x01
			},
		},
		{
			name: "payload replaced",
			mutate: func(r *ledger.Row) {
				r.Payload = []byte(`{"kind":"cost"}`)
			},
		},
		{
			name: "entry hash replaced",
			mutate: func(r *ledger.Row) {
				r.Hash = ledger.GenesisHash
			},
		},
		{
			name: "previous hash replaced",
			mutate: func(r *ledger.Row) {
				r.PrevHash = ledger.GenesisHash
			},
		},
		{
			name: "index column rewritten",
			mutate: func(r *ledger.Row) {
				r.Component = "cheap-model"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := storage.NewMemoryStorage()
			l := ledger.New(mem)
			appendN(t, l, "exec-1", 6)

			require.NoError(t, mem.Tamper("exec-1", 3, tt.mutate))

			err := l.VerifyStream(context.Background(), "exec-1")
			var ie *ledger.IntegrityError
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, uint64(3), ie.Sequence)
			assert.Equal(t, "exec-1", ie.Stream)

			assert.NoError(t, l.VerifyChain(context.Background(), "exec-1", 0, 2))
		})
	}
}

func TestVerifyChain_Range(t *testing.T) {
	l := ledger.New(storage.NewMemoryStorage())
	appendN(t, l, "exec-1", 5)

	assert.NoError(t, l.VerifyChain(context.Background(), "exec-1", 2, 4))
	assert.Error(t, l.VerifyChain(context.Background(), "exec-1", 4, 2))

	var ie *ledger.IntegrityError
	err := l.VerifyChain(context.Background(), "exec-1", 9, 12)
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, uint64(8), ie.Sequence)
}

func TestVerifyAll_ReportsPerStream(t *testing.T) {
	mem := storage.NewMemoryStorage()
	l := ledger.New(mem)
	appendN(t, l, "exec-a", 3)
	appendN(t, l, "exec-b", 3)

	require.NoError(t, mem.Tamper("exec-b", 1, func(r *ledger.Row) { r.Payload[5] ^= 0xff }))

	results, err := l.VerifyAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "exec-a", results[0].Stream)
	assert.NoError(t, results[0].Err)

	var ie *ledger.IntegrityError
	require.ErrorAs(t, results[1].Err, &ie)
	assert.Equal(t, uint64(1), ie.Sequence)
}

func TestStreamByComponent(t *testing.T) {
	l := ledger.New(storage.NewMemoryStorage(), ledger.WithStreamFunc(ledger.StreamByComponent))

	_, err := l.Append(context.Background(), costEvent(t, "exec-1", "gpt-4", 10, t0))
	require.NoError(t, err)
	_, err = l.Append(context.Background(), costEvent(t, "exec-2", "gpt-4", 20, t0.Add(time.Second)))
	require.NoError(t, err)
	e, err := l.Append(context.Background(), costEvent(t, "exec-1", "search", 30, t0.Add(2*time.Second)))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), e.Sequence)

	streams, err := l.Streams(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-4", "search"}, streams)

	entries, err := l.ByExecution(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestFindEvent(t *testing.T) {
	l := ledger.New(storage.NewMemoryStorage())
	entries := appendN(t, l, "exec-1", 2)

	got, err := l.FindEvent(context.Background(), entries[1].Event.ID())
	require.NoError(t, err)
	assert.Equal(t, entries[1].Sequence, got.Sequence)

	_, err = l.FindEvent(context.Background(), "missing")
	assert.ErrorIs(t, err, ledger.ErrEventNotFound)
}

type recordingObserver struct {
	mu       sync.Mutex
	appends  int
	failures int
	verified int
}

func (o *recordingObserver) ObserveAppend(_ string, _ costs.EventKind, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.appends++
	if err != nil {
		o.failures++
	}
}

func (o *recordingObserver) ObserveVerify(_ string, entries int, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.verified += entries
}

func TestObserver(t *testing.T) {
	obs := &recordingObserver{}
	l := ledger.New(storage.NewMemoryStorage(), ledger.WithObserver(obs))
	appendN(t, l, "exec-1", 3)
	require.NoError(t, l.VerifyStream(context.Background(), "exec-1"))

	assert.Equal(t, 3, obs.appends)
	assert.Equal(t, 0, obs.failures)
	assert.Equal(t, 3, obs.verified)
}
