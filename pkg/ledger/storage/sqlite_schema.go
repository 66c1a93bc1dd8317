package storage

// SchemaVersion is the current ledger schema version.
const SchemaVersion = 1

// Schema creates the ledger tables. Entries are immutable once committed:
// the triggers abort any UPDATE or DELETE on ledger_entries.
const Schema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS hash_encoding (
	version TEXT PRIMARY KEY,
	recorded_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	stream TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	event_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	execution_id TEXT NOT NULL,
	component TEXT NOT NULL,
	action TEXT NOT NULL,
	currency TEXT NOT NULL,
	timestamp_ns INTEGER NOT NULL,
	payload BLOB NOT NULL,
	event_hash TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	PRIMARY KEY (stream, sequence),
	UNIQUE (stream, event_id)
);

CREATE INDEX IF NOT EXISTS idx_ledger_execution ON ledger_entries(execution_id, timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_ledger_component ON ledger_entries(component, timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_ledger_timestamp ON ledger_entries(timestamp_ns);

CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update
BEFORE UPDATE ON ledger_entries
BEGIN
	SELECT RAISE(ABORT, 'ledger entries are append-only');
END;

CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete
BEFORE DELETE ON ledger_entries
BEGIN
	SELECT RAISE(ABORT, 'ledger entries are append-only');
END;
`
