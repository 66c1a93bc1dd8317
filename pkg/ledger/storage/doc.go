// Package storage provides ledger storage backends.
//
// MemoryStorage keeps rows in process memory and is intended for tests and
// one-shot CLI runs. SQLiteStorage persists rows in a SQLite database whose
// triggers refuse UPDATE and DELETE on committed entries, so the ledger
// stays append-only even against direct writes through the driver.
package storage
