package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"mercator-hq/tally/pkg/usage"
)

const usageSchema = `
CREATE TABLE IF NOT EXISTS usage_records (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	execution_id TEXT NOT NULL,
	component TEXT NOT NULL,
	timestamp_ns INTEGER NOT NULL,
	digest TEXT NOT NULL,
	payload TEXT NOT NULL,
	retained_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_execution ON usage_records(execution_id, timestamp_ns, seq);

CREATE TRIGGER IF NOT EXISTS usage_records_no_update
BEFORE UPDATE ON usage_records
BEGIN
	SELECT RAISE(ABORT, 'usage records are immutable');
END;
`

// SQLiteStoreConfig configures the SQLite usage store.
type SQLiteStoreConfig struct {
	// Path is the path to the SQLite database file.
	Path string

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// SQLiteStore is a usage.Store backed by SQLite.
type SQLiteStore struct {
	db        *sql.DB
	mu        sync.Mutex
	closeOnce sync.Once
}

// NewSQLiteStore opens (or creates) a usage store at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithConfig(SQLiteStoreConfig{Path: path})
}

// NewSQLiteStoreWithConfig opens a usage store with custom configuration.
func NewSQLiteStoreWithConfig(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(usageSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Put implements usage.Store.
func (s *SQLiteStore) Put(ctx context.Context, rec usage.Record) error {
	if rec.ExecutionID == "" {
		return usage.NewStoreError("sqlite", "put", fmt.Errorf("execution id cannot be empty"))
	}
	rec = rec.WithID()

	payload, err := json.Marshal(rec)
	if err != nil {
		return usage.NewStoreError("sqlite", "put", fmt.Errorf("failed to marshal record: %w", err))
	}
	digest := rec.DerivedID()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (id, execution_id, component, timestamp_ns, digest, payload, retained_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, rec.ExecutionID, rec.Component, rec.Timestamp.UnixNano(), digest, string(payload), time.Now().Unix())
	if err != nil {
		return usage.NewStoreError("sqlite", "put", err)
	}

	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var existing string
	err = s.db.QueryRowContext(ctx, `SELECT digest FROM usage_records WHERE id = ?`, rec.ID).Scan(&existing)
	if err != nil {
		return usage.NewStoreError("sqlite", "put", err)
	}
	if existing != digest {
		return usage.NewStoreError("sqlite", "put", fmt.Errorf("%w: %s", usage.ErrConflict, rec.ID))
	}
	return nil
}

// Get implements usage.Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (usage.Record, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM usage_records WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return usage.Record{}, fmt.Errorf("%w: %s", usage.ErrNotFound, id)
	}
	if err != nil {
		return usage.Record{}, usage.NewStoreError("sqlite", "get", err)
	}
	return decodeRecord(payload)
}

// ByExecution implements usage.Store.
func (s *SQLiteStore) ByExecution(ctx context.Context, executionID string) ([]usage.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM usage_records
		WHERE execution_id = ?
		ORDER BY timestamp_ns ASC, seq ASC
	`, executionID)
	if err != nil {
		return nil, usage.NewStoreError("sqlite", "by_execution", err)
	}
	defer rows.Close()

	var out []usage.Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, usage.NewStoreError("sqlite", "by_execution", err)
		}
		rec, err := decodeRecord(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, usage.NewStoreError("sqlite", "by_execution", err)
	}
	return out, nil
}

// Executions implements usage.Store.
func (s *SQLiteStore) Executions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT execution_id FROM usage_records ORDER BY execution_id`)
	if err != nil {
		return nil, usage.NewStoreError("sqlite", "executions", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, usage.NewStoreError("sqlite", "executions", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Close implements usage.Store.
func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
	})
	return err
}

func decodeRecord(payload string) (usage.Record, error) {
	var rec usage.Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return usage.Record{}, usage.NewStoreError("sqlite", "decode", err)
	}
	return rec, nil
}
