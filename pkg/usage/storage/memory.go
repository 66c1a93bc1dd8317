package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"mercator-hq/tally/pkg/usage"
)

// MemoryStore is an in-memory usage.Store.
type MemoryStore struct {
	mu          sync.RWMutex
	records     map[string]usage.Record
	byExecution map[string][]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:     make(map[string]usage.Record),
		byExecution: make(map[string][]string),
	}
}

// Put implements usage.Store.
func (m *MemoryStore) Put(ctx context.Context, rec usage.Record) error {
	if rec.ExecutionID == "" {
		return usage.NewStoreError("memory", "put", fmt.Errorf("execution id cannot be empty"))
	}
	rec = rec.WithID()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[rec.ID]; ok {
		if existing.DerivedID() != rec.DerivedID() {
			return usage.NewStoreError("memory", "put", fmt.Errorf("%w: %s", usage.ErrConflict, rec.ID))
		}
		return nil
	}

	m.records[rec.ID] = rec
	m.byExecution[rec.ExecutionID] = append(m.byExecution[rec.ExecutionID], rec.ID)
	return nil
}

// Get implements usage.Store.
func (m *MemoryStore) Get(ctx context.Context, id string) (usage.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return usage.Record{}, fmt.Errorf("%w: %s", usage.ErrNotFound, id)
	}
	return rec, nil
}

// ByExecution implements usage.Store.
func (m *MemoryStore) ByExecution(ctx context.Context, executionID string) ([]usage.Record, error) {
	m.mu.RLock()
	ids := m.byExecution[executionID]
	out := make([]usage.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.records[id])
	}
	m.mu.RUnlock()

	usage.SortByTimestamp(out)
	return out, nil
}

// Executions implements usage.Store.
func (m *MemoryStore) Executions(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.byExecution))
	for id := range m.byExecution {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Close implements usage.Store.
func (m *MemoryStore) Close() error {
	return nil
}
