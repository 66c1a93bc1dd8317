package ledger

import (
	"context"
	"time"

	"mercator-hq/tally/internal/canonical"
	"mercator-hq/tally/pkg/costs"
)

// GenesisHash is the previous hash of entry 0 in every stream.
var GenesisHash = canonical.GenesisHash

// Entry is one appended event with its chain linkage.
type Entry struct {
	Stream    string      `json:"stream"`
	Sequence  uint64      `json:"sequence"`
	Event     costs.Event `json:"event"`
	EventHash string      `json:"event_hash"`
	PrevHash  string      `json:"prev_hash"`
	Hash      string      `json:"hash"`
}

// Row is the persisted form of an entry: the canonical payload, the chain
// hashes and the index columns views filter on.
type Row struct {
	Stream   string
	Sequence uint64
	EventID  string
	Kind     costs.EventKind

	ExecutionID string
	Component   string
	Action      string
	Currency    string
	Timestamp   time.Time

	Payload   []byte
	EventHash string
	PrevHash  string
	Hash      string
}

// Clone returns a deep copy of the row.
func (r *Row) Clone() *Row {
	out := *r
	out.Payload = append([]byte(nil), r.Payload...)
	return &out
}

// Filter selects entries for views and aggregation. Zero fields match all.
type Filter struct {
	Stream      string          `json:"stream,omitempty"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Component   string          `json:"component,omitempty"`
	Action      string          `json:"action,omitempty"`
	Currency    string          `json:"currency,omitempty"`
	Kind        costs.EventKind `json:"kind,omitempty"`

	// Since and Until bound the usage timestamp: Since <= t < Until.
	Since *time.Time `json:"since,omitempty"`
	Until *time.Time `json:"until,omitempty"`

	// Limit caps the number of entries returned; zero means no limit.
	Limit int `json:"limit,omitempty"`
}

// Matches reports whether a row satisfies the filter.
func (f *Filter) Matches(r *Row) bool {
	switch {
	case f.Stream != "" && r.Stream != f.Stream:
		return false
	case f.ExecutionID != "" && r.ExecutionID != f.ExecutionID:
		return false
	case f.Component != "" && r.Component != f.Component:
		return false
	case f.Action != "" && r.Action != f.Action:
		return false
	case f.Currency != "" && r.Currency != f.Currency:
		return false
	case f.Kind != "" && r.Kind != f.Kind:
		return false
	case f.Since != nil && r.Timestamp.Before(*f.Since):
		return false
	case f.Until != nil && !r.Timestamp.Before(*f.Until):
		return false
	}
	return true
}

// Storage persists ledger rows. Implementations must commit each Insert
// atomically and must never modify or remove a stored row.
type Storage interface {
	// Insert commits a row. It fails with ErrWriteRejected if the row's
	// sequence is not the next one for its stream or its event id is
	// already present in the stream.
	Insert(ctx context.Context, row *Row) error

	// Head returns the last row of a stream, or nil for an empty stream.
	Head(ctx context.Context, stream string) (*Row, error)

	// Range returns the rows of a stream with from <= sequence <= to, in
	// sequence order.
	Range(ctx context.Context, stream string, from, to uint64) ([]*Row, error)

	// FindEvent returns the row holding an event id in a stream, or nil.
	FindEvent(ctx context.Context, stream, eventID string) (*Row, error)

	// Query returns rows matching a filter ordered by timestamp, stream
	// and sequence.
	Query(ctx context.Context, filter Filter) ([]*Row, error)

	// Streams lists every stream with at least one row.
	Streams(ctx context.Context) ([]string, error)

	// Close releases resources held by the backend.
	Close() error
}

// Observer receives ledger activity, typically for metrics.
type Observer interface {
	ObserveAppend(stream string, kind costs.EventKind, d time.Duration, err error)
	ObserveVerify(stream string, entries int, err error)
}

// StreamFunc assigns an event to a stream.
type StreamFunc func(costs.Event) string

// UnassignedStream holds events that carry no execution id.
const UnassignedStream = "_unassigned"

// StreamByExecution gives every execution its own chain.
func StreamByExecution(e costs.Event) string {
	if id := e.ExecutionID(); id != "" {
		return id
	}
	return UnassignedStream
}

// StreamByComponent gives every component its own chain.
func StreamByComponent(e costs.Event) string {
	return e.Component()
}

// SingleStream places every event on one chain.
func SingleStream(name string) StreamFunc {
	return func(costs.Event) string { return name }
}
