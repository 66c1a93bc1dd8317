package ledger

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mercator-hq/tally/pkg/costs"
	"mercator-hq/tally/pkg/telemetry/logging"
	"mercator-hq/tally/pkg/usage"
)

// Ledger is the append-only cost ledger.
// It is safe for concurrent use.
type Ledger struct {
	storage  Storage
	streamOf StreamFunc
	observer Observer
	logger   *slog.Logger
	tracer   trace.Tracer

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithStreamFunc sets how events are assigned to streams.
func WithStreamFunc(f StreamFunc) Option {
	return func(l *Ledger) {
		l.streamOf = f
	}
}

// WithObserver reports appends and verifications to o.
func WithObserver(o Observer) Option {
	return func(l *Ledger) {
		l.observer = o
	}
}

// WithLogger sets the ledger logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// New creates a ledger over storage. Events are streamed by execution id
// unless WithStreamFunc is given.
func New(storage Storage, opts ...Option) *Ledger {
	l := &Ledger{
		storage:  storage,
		streamOf: StreamByExecution,
		logger:   slog.Default().With("component", "ledger"),
		tracer:   otel.Tracer("mercator-hq/tally/pkg/ledger"),
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// StreamOf returns the stream an event is appended to.
func (l *Ledger) StreamOf(ev costs.Event) string {
	return l.streamOf(ev)
}

func (l *Ledger) streamLock(stream string) *sync.Mutex {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()

	mu, ok := l.locks[stream]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[stream] = mu
	}
	return mu
}

// Append computes the event's hash, links it to the head of its stream,
// assigns the next sequence number and commits the entry atomically.
//
// Appending an event whose id is already in the stream returns the
// existing entry, so a caller may safely retry after a *WriteError.
func (l *Ledger) Append(ctx context.Context, ev costs.Event) (entry *Entry, err error) {
	start := time.Now()
	stream := l.streamOf(ev)
	ctx = logging.WithStream(ctx, stream)

	ctx, span := l.tracer.Start(ctx, "ledger.Append", trace.WithAttributes(
		attribute.String("ledger.stream", stream),
		attribute.String("ledger.event_id", ev.ID()),
		attribute.String("ledger.kind", string(ev.Kind)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Int64("ledger.sequence", int64(entry.Sequence)))
		}
		span.End()
		if l.observer != nil {
			l.observer.ObserveAppend(stream, ev.Kind, time.Since(start), err)
		}
	}()

	if stream == "" {
		return nil, NewWriteError(stream, 0, fmt.Errorf("event %s has no stream", ev.ID()))
	}
	if ts := ev.Timestamp(); !usage.IndexableTimestamp(ts) {
		return nil, NewWriteError(stream, 0,
			fmt.Errorf("%w: timestamp %s cannot be indexed", ErrWriteRejected, ts.Format(time.RFC3339)))
	}
	payload, err := ev.Canonical()
	if err != nil {
		return nil, NewWriteError(stream, 0, fmt.Errorf("invalid event: %w", err))
	}

	mu := l.streamLock(stream)
	mu.Lock()
	defer mu.Unlock()

	existing, err := l.storage.FindEvent(ctx, stream, ev.ID())
	if err != nil {
		return nil, NewWriteError(stream, 0, err)
	}
	if existing != nil {
		if !bytes.Equal(existing.Payload, payload) {
			return nil, NewWriteError(stream, existing.Sequence,
				fmt.Errorf("%w: event id %s already recorded with different content", ErrWriteRejected, ev.ID()))
		}
		l.logger.DebugContext(ctx, "Event already appended", "event_id", ev.ID(), "sequence", existing.Sequence)
		return decodeRow(existing)
	}

	head, err := l.storage.Head(ctx, stream)
	if err != nil {
		return nil, NewWriteError(stream, 0, err)
	}
	seq, prev := uint64(0), GenesisHash
	if head != nil {
		seq, prev = head.Sequence+1, head.Hash
	}

	row := newRow(stream, seq, ev, payload, prev)
	if err := l.storage.Insert(ctx, row); err != nil {
		l.logger.ErrorContext(ctx, "Ledger append failed", "sequence", seq, "error", err)
		return nil, NewWriteError(stream, seq, err)
	}

	return &Entry{
		Stream:    stream,
		Sequence:  seq,
		Event:     ev,
		EventHash: row.EventHash,
		PrevHash:  row.PrevHash,
		Hash:      row.Hash,
	}, nil
}

// VerifyChain recomputes every hash of the entries with from <= sequence
// <= to and returns an *IntegrityError at the first mismatch. Entries
// before from are trusted only for the hash of entry from-1.
func (l *Ledger) VerifyChain(ctx context.Context, stream string, from, to uint64) error {
	_, err := l.verify(ctx, stream, from, to)
	return err
}

// VerifyStream verifies a whole stream.
func (l *Ledger) VerifyStream(ctx context.Context, stream string) error {
	_, err := l.verify(ctx, stream, 0, math.MaxUint64)
	return err
}

// StreamResult is the outcome of verifying one stream.
type StreamResult struct {
	Stream  string
	Entries int
	Err     error
}

// VerifyAll verifies every stream. It stops early only if ctx is done;
// integrity failures are reported per stream.
func (l *Ledger) VerifyAll(ctx context.Context) ([]StreamResult, error) {
	streams, err := l.storage.Streams(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]StreamResult, 0, len(streams))
	for _, s := range streams {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		n, err := l.verify(ctx, s, 0, math.MaxUint64)
		results = append(results, StreamResult{Stream: s, Entries: n, Err: err})
	}
	return results, nil
}

func (l *Ledger) verify(ctx context.Context, stream string, from, to uint64) (n int, err error) {
	ctx, span := l.tracer.Start(ctx, "ledger.VerifyChain", trace.WithAttributes(
		attribute.String("ledger.stream", stream),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("ledger.entries_verified", n))
		span.End()
		if l.observer != nil {
			l.observer.ObserveVerify(stream, n, err)
		}
	}()

	if from > to {
		return 0, fmt.Errorf("invalid range: from %d is after to %d", from, to)
	}

	prev := GenesisHash
	if from > 0 {
		before, err := l.storage.Range(ctx, stream, from-1, from-1)
		if err != nil {
			return 0, err
		}
		if len(before) == 0 {
			return 0, NewIntegrityError(stream, from-1, "entry is missing")
		}
		prev = before[0].Hash
	}

	rows, err := l.storage.Range(ctx, stream, from, to)
	if err != nil {
		return 0, err
	}

	expect := from
	for _, row := range rows {
		if row.Sequence != expect {
			return n, l.integrityFailure(NewIntegrityError(stream, expect, "entry is missing"))
		}
		if row.Stream != stream {
			return n, l.integrityFailure(NewIntegrityError(stream, row.Sequence, "entry belongs to another stream"))
		}
		if _, reason := checkRow(row, prev); reason != "" {
			return n, l.integrityFailure(NewIntegrityError(stream, row.Sequence, reason))
		}
		prev = row.Hash
		expect++
		n++
	}

	l.logger.Debug("Verified ledger range", "stream", stream, "from", from, "entries", n)
	return n, nil
}

func (l *Ledger) integrityFailure(err *IntegrityError) error {
	l.logger.Error("Ledger integrity violation",
		"stream", err.Stream,
		"sequence", err.Sequence,
		"reason", err.Reason,
	)
	return err
}

// Streams lists every stream in the ledger.
func (l *Ledger) Streams(ctx context.Context) ([]string, error) {
	return l.storage.Streams(ctx)
}

// Head returns the last entry of a stream, or nil if it is empty.
func (l *Ledger) Head(ctx context.Context, stream string) (*Entry, error) {
	row, err := l.storage.Head(ctx, stream)
	if err != nil || row == nil {
		return nil, err
	}
	return l.decode(row)
}

// Get returns the entry at a stream position.
func (l *Ledger) Get(ctx context.Context, stream string, sequence uint64) (*Entry, error) {
	rows, err := l.storage.Range(ctx, stream, sequence, sequence)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no entry at %s/%d", stream, sequence)
	}
	return l.decode(rows[0])
}

// FindEvent returns the entry holding an event id, searching every stream.
func (l *Ledger) FindEvent(ctx context.Context, eventID string) (*Entry, error) {
	streams, err := l.storage.Streams(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range streams {
		row, err := l.storage.FindEvent(ctx, s, eventID)
		if err != nil {
			return nil, err
		}
		if row != nil {
			return l.decode(row)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
}

func (l *Ledger) decode(row *Row) (*Entry, error) {
	entry, err := decodeRow(row)
	if err != nil {
		return nil, NewIntegrityError(row.Stream, row.Sequence, err.Error())
	}
	return entry, nil
}
