package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"mercator-hq/tally/pkg/ledger"
)

// MemoryStorage is an in-memory ledger.Storage.
type MemoryStorage struct {
	mu      sync.RWMutex
	streams map[string][]*ledger.Row
	events  map[string]map[string]uint64
	closed  bool
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		streams: make(map[string][]*ledger.Row),
		events:  make(map[string]map[string]uint64),
	}
}

// Insert implements ledger.Storage.
func (m *MemoryStorage) Insert(ctx context.Context, row *ledger.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ledger.NewStorageError("memory", "insert", fmt.Errorf("storage is closed"))
	}

	rows := m.streams[row.Stream]
	if row.Sequence != uint64(len(rows)) {
		return fmt.Errorf("%w: sequence %d is not the next sequence %d of stream %s",
			ledger.ErrWriteRejected, row.Sequence, len(rows), row.Stream)
	}
	ids := m.events[row.Stream]
	if ids == nil {
		ids = make(map[string]uint64)
		m.events[row.Stream] = ids
	}
	if _, dup := ids[row.EventID]; dup {
		return fmt.Errorf("%w: event %s already recorded in stream %s",
			ledger.ErrWriteRejected, row.EventID, row.Stream)
	}

	m.streams[row.Stream] = append(rows, row.Clone())
	ids[row.EventID] = row.Sequence
	return nil
}

// Head implements ledger.Storage.
func (m *MemoryStorage) Head(ctx context.Context, stream string) (*ledger.Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.streams[stream]
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[len(rows)-1].Clone(), nil
}

// Range implements ledger.Storage.
func (m *MemoryStorage) Range(ctx context.Context, stream string, from, to uint64) ([]*ledger.Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.streams[stream]
	var out []*ledger.Row
	for i := from; i < uint64(len(rows)) && i <= to; i++ {
		out = append(out, rows[i].Clone())
	}
	return out, nil
}

// FindEvent implements ledger.Storage.
func (m *MemoryStorage) FindEvent(ctx context.Context, stream, eventID string) (*ledger.Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seq, ok := m.events[stream][eventID]
	if !ok {
		return nil, nil
	}
	return m.streams[stream][seq].Clone(), nil
}

// Query implements ledger.Storage.
func (m *MemoryStorage) Query(ctx context.Context, filter ledger.Filter) ([]*ledger.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var out []*ledger.Row
	for _, rows := range m.streams {
		for _, r := range rows {
			if filter.Matches(r) {
				out = append(out, r.Clone())
			}
		}
	}
	m.mu.RUnlock()

	sortRows(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Streams implements ledger.Storage.
func (m *MemoryStorage) Streams(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.streams))
	for s := range m.streams {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// Close implements ledger.Storage.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Tamper replaces a stored row in place, bypassing the append-only checks.
// It exists so tests can simulate corrupted storage.
func (m *MemoryStorage) Tamper(stream string, sequence uint64, mutate func(*ledger.Row)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.streams[stream]
	if sequence >= uint64(len(rows)) {
		return fmt.Errorf("no row at %s/%d", stream, sequence)
	}
	mutate(rows[sequence])
	return nil
}

func sortRows(rows []*ledger.Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.Stream != b.Stream {
			return a.Stream < b.Stream
		}
		return a.Sequence < b.Sequence
	})
}
