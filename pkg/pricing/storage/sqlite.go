// Package storage persists published pricing versions in an immutable
// SQLite table.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"mercator-hq/tally/pkg/pricing"
)

const pricingSchema = `
CREATE TABLE IF NOT EXISTS pricing_versions (
	version INTEGER PRIMARY KEY,
	component TEXT NOT NULL,
	action TEXT NOT NULL,
	kind TEXT NOT NULL,
	effective_from INTEGER NOT NULL,
	digest TEXT NOT NULL,
	model TEXT NOT NULL,
	published_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pricing_component ON pricing_versions(component, action, version);

CREATE TRIGGER IF NOT EXISTS pricing_versions_no_update
BEFORE UPDATE ON pricing_versions
BEGIN
	SELECT RAISE(ABORT, 'pricing versions are immutable');
END;

CREATE TRIGGER IF NOT EXISTS pricing_versions_no_delete
BEFORE DELETE ON pricing_versions
BEGIN
	SELECT RAISE(ABORT, 'pricing versions are immutable');
END;
`

// SQLiteStore is a pricing.Store backed by SQLite.
type SQLiteStore struct {
	db        *sql.DB
	mu        sync.Mutex
	closeOnce sync.Once
}

// NewSQLiteStore opens (or creates) a pricing table at path.
func NewSQLiteStore(path string, busyTimeout time.Duration) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if busyTimeout == 0 {
		busyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(pricingSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Save implements pricing.Store.
func (s *SQLiteStore) Save(ctx context.Context, models []*pricing.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &pricing.StoreError{Operation: "begin", Cause: err}
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, m := range models {
		data, err := json.Marshal(m)
		if err != nil {
			return &pricing.StoreError{Operation: "marshal", Cause: err}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO pricing_versions (version, component, action, kind, effective_from, digest, model, published_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, int64(m.Version), m.Component, m.Action, string(m.Kind), m.EffectiveFrom.UnixNano(), m.Digest(), string(data), now)
		if err != nil {
			return &pricing.StoreError{Operation: "insert", Cause: fmt.Errorf("version %d: %w", m.Version, err)}
		}
	}

	if err := tx.Commit(); err != nil {
		return &pricing.StoreError{Operation: "commit", Cause: err}
	}
	return nil
}

// LoadAll implements pricing.Store. Rows whose content no longer matches
// their recorded digest are rejected.
func (s *SQLiteStore) LoadAll(ctx context.Context) ([]*pricing.Model, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version, digest, model FROM pricing_versions ORDER BY version`)
	if err != nil {
		return nil, &pricing.StoreError{Operation: "load", Cause: err}
	}
	defer rows.Close()

	var out []*pricing.Model
	for rows.Next() {
		var (
			version int64
			digest  string
			data    string
		)
		if err := rows.Scan(&version, &digest, &data); err != nil {
			return nil, &pricing.StoreError{Operation: "load", Cause: err}
		}
		var m pricing.Model
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, &pricing.StoreError{Operation: "decode", Cause: fmt.Errorf("version %d: %w", version, err)}
		}
		if m.Digest() != digest {
			return nil, &pricing.StoreError{Operation: "load", Cause: fmt.Errorf("version %d does not match its digest", version)}
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Close implements pricing.Store.
func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
	})
	return err
}
