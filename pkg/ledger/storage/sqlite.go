package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"mercator-hq/tally/internal/canonical"
	"mercator-hq/tally/pkg/costs"
	"mercator-hq/tally/pkg/ledger"
)

// SQLiteConfig contains configuration for the SQLite storage backend.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// MaxOpenConns is the maximum number of open connections to the database.
	// Default: 10
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	// Default: 5
	MaxIdleConns int

	// WALMode enables Write-Ahead Logging mode for better concurrency.
	// Default: true
	WALMode bool

	// BusyTimeout is the duration to wait when the database is locked.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// DefaultSQLiteConfig returns the default SQLite configuration.
func DefaultSQLiteConfig() *SQLiteConfig {
	return &SQLiteConfig{
		Path:         "data/ledger.db",
		MaxOpenConns: 10,
		MaxIdleConns: 5,
		WALMode:      true,
		BusyTimeout:  5 * time.Second,
	}
}

// SQLiteStorage implements ledger.Storage using SQLite.
type SQLiteStorage struct {
	db     *sql.DB
	config *SQLiteConfig
	logger *slog.Logger

	// writeMu serializes inserts so the next-sequence check and the insert
	// see the same stream head.
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewSQLiteStorage opens (or creates) a ledger database.
func NewSQLiteStorage(config *SQLiteConfig) (*SQLiteStorage, error) {
	if config == nil {
		config = DefaultSQLiteConfig()
	}
	if config.Path == "" {
		return nil, ledger.NewStorageError("sqlite", "open", fmt.Errorf("database path cannot be empty"))
	}
	if config.BusyTimeout == 0 {
		config.BusyTimeout = 5 * time.Second
	}
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 10
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 5
	}

	logger := slog.Default().With("component", "ledger.storage.sqlite")

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d", config.Path, config.BusyTimeout.Milliseconds())
	if config.WALMode {
		dsn += "&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, ledger.NewStorageError("sqlite", "open", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)

	s := &SQLiteStorage{
		db:     db,
		config: config,
		logger: logger,
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("SQLite ledger storage initialized",
		"path", config.Path,
		"wal_mode", config.WALMode,
		"max_open_conns", config.MaxOpenConns,
	)
	return s, nil
}

func (s *SQLiteStorage) initialize() error {
	if _, err := s.db.Exec(Schema); err != nil {
		return ledger.NewStorageError("sqlite", "create_schema", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return ledger.NewStorageError("sqlite", "check_schema_version", err)
	}
	switch {
	case version == 0:
		_, err = s.db.Exec("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
			SchemaVersion, time.Now().Unix())
		if err != nil {
			return ledger.NewStorageError("sqlite", "record_schema_version", err)
		}
		s.logger.Debug("Schema version recorded", "version", SchemaVersion)
	case version > SchemaVersion:
		return ledger.NewStorageError("sqlite", "check_schema_version",
			fmt.Errorf("database schema version %d is newer than supported version %d", version, SchemaVersion))
	}
	return s.checkEncoding()
}

// checkEncoding records the canonical encoding the ledger's hashes are
// computed over, and refuses a ledger recorded with another encoding.
func (s *SQLiteStorage) checkEncoding() error {
	var recorded string
	err := s.db.QueryRow("SELECT version FROM hash_encoding LIMIT 1").Scan(&recorded)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.Exec("INSERT INTO hash_encoding (version, recorded_at) VALUES (?, ?)",
			canonical.Version, time.Now().Unix())
		if err != nil {
			return ledger.NewStorageError("sqlite", "record_encoding", err)
		}
		return nil
	case err != nil:
		return ledger.NewStorageError("sqlite", "check_encoding", err)
	case recorded != canonical.Version:
		return ledger.NewStorageError("sqlite", "check_encoding",
			fmt.Errorf("ledger hashes use encoding %s, this build computes %s", recorded, canonical.Version))
	}
	return nil
}

// Encoding returns the canonical encoding version recorded for the ledger.
func (s *SQLiteStorage) Encoding(ctx context.Context) (string, error) {
	var version string
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM hash_encoding LIMIT 1").Scan(&version); err != nil {
		return "", ledger.NewStorageError("sqlite", "encoding", err)
	}
	return version, nil
}

// Insert implements ledger.Storage.
func (s *SQLiteStorage) Insert(ctx context.Context, row *ledger.Row) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.NewStorageError("sqlite", "begin", err)
	}
	defer tx.Rollback()

	var next uint64
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(sequence) + 1, 0) FROM ledger_entries WHERE stream = ?",
		row.Stream).Scan(&next)
	if err != nil {
		return ledger.NewStorageError("sqlite", "insert", err)
	}
	if row.Sequence != next {
		return fmt.Errorf("%w: sequence %d is not the next sequence %d of stream %s",
			ledger.ErrWriteRejected, row.Sequence, next, row.Stream)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (
			stream, sequence, event_id, kind, execution_id, component, action,
			currency, timestamp_ns, payload, event_hash, prev_hash, hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		row.Stream, row.Sequence, row.EventID, string(row.Kind), row.ExecutionID,
		row.Component, row.Action, row.Currency, row.Timestamp.UnixNano(),
		row.Payload, row.EventHash, row.PrevHash, row.Hash,
	)
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("%w: %v", ledger.ErrWriteRejected, err)
		}
		return ledger.NewStorageError("sqlite", "insert", err)
	}

	if err := tx.Commit(); err != nil {
		return ledger.NewStorageError("sqlite", "commit", err)
	}
	return nil
}

const selectColumns = `
	SELECT stream, sequence, event_id, kind, execution_id, component, action,
		currency, timestamp_ns, payload, event_hash, prev_hash, hash
	FROM ledger_entries`

// Head implements ledger.Storage.
func (s *SQLiteStorage) Head(ctx context.Context, stream string) (*ledger.Row, error) {
	rows, err := s.query(ctx, "head",
		selectColumns+" WHERE stream = ? ORDER BY sequence DESC LIMIT 1", stream)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// Range implements ledger.Storage.
func (s *SQLiteStorage) Range(ctx context.Context, stream string, from, to uint64) ([]*ledger.Row, error) {
	// SQLite integers are signed; clamp the open upper bound.
	const maxSeq = uint64(1<<63 - 1)
	if to > maxSeq {
		to = maxSeq
	}
	return s.query(ctx, "range",
		selectColumns+" WHERE stream = ? AND sequence >= ? AND sequence <= ? ORDER BY sequence",
		stream, int64(from), int64(to))
}

// FindEvent implements ledger.Storage.
func (s *SQLiteStorage) FindEvent(ctx context.Context, stream, eventID string) (*ledger.Row, error) {
	rows, err := s.query(ctx, "find_event",
		selectColumns+" WHERE stream = ? AND event_id = ?", stream, eventID)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// Query implements ledger.Storage.
func (s *SQLiteStorage) Query(ctx context.Context, filter ledger.Filter) ([]*ledger.Row, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		where = append(where, clause)
		args = append(args, arg)
	}
	if filter.Stream != "" {
		add("stream = ?", filter.Stream)
	}
	if filter.ExecutionID != "" {
		add("execution_id = ?", filter.ExecutionID)
	}
	if filter.Component != "" {
		add("component = ?", filter.Component)
	}
	if filter.Action != "" {
		add("action = ?", filter.Action)
	}
	if filter.Currency != "" {
		add("currency = ?", filter.Currency)
	}
	if filter.Kind != "" {
		add("kind = ?", string(filter.Kind))
	}
	if filter.Since != nil {
		add("timestamp_ns >= ?", filter.Since.UnixNano())
	}
	if filter.Until != nil {
		add("timestamp_ns < ?", filter.Until.UnixNano())
	}

	q := selectColumns
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY timestamp_ns, stream, sequence"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return s.query(ctx, "query", q, args...)
}

// Streams implements ledger.Storage.
func (s *SQLiteStorage) Streams(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT stream FROM ledger_entries ORDER BY stream")
	if err != nil {
		return nil, ledger.NewStorageError("sqlite", "streams", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var stream string
		if err := rows.Scan(&stream); err != nil {
			return nil, ledger.NewStorageError("sqlite", "streams", err)
		}
		out = append(out, stream)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.NewStorageError("sqlite", "streams", err)
	}
	return out, nil
}

// Close implements ledger.Storage.
func (s *SQLiteStorage) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
		s.logger.Info("SQLite ledger storage closed")
	})
	return err
}

func (s *SQLiteStorage) query(ctx context.Context, op, q string, args ...any) ([]*ledger.Row, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, ledger.NewStorageError("sqlite", op, err)
	}
	defer rows.Close()

	var out []*ledger.Row
	for rows.Next() {
		var (
			r    ledger.Row
			kind string
			seq  int64
			ts   int64
		)
		err := rows.Scan(&r.Stream, &seq, &r.EventID, &kind, &r.ExecutionID, &r.Component,
			&r.Action, &r.Currency, &ts, &r.Payload, &r.EventHash, &r.PrevHash, &r.Hash)
		if err != nil {
			return nil, ledger.NewStorageError("sqlite", op, err)
		}
		r.Sequence = uint64(seq)
		r.Kind = costs.EventKind(kind)
		r.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.NewStorageError("sqlite", op, err)
	}
	return out, nil
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}
