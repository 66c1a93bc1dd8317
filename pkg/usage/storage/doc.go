// Package storage provides usage record retention backends.
//
// Two backends are available:
//   - MemoryStore: process-local, for tests and one-shot runs
//   - SQLiteStore: durable retention using the pure-Go modernc SQLite driver
//
// Retained records are what the replay engine recomputes costs from, so
// both backends refuse to overwrite a record with different content.
package storage
