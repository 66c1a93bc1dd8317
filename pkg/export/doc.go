// Package export writes ledger entries, aggregates and replay delta
// reports as JSON or CSV.
//
// # JSON
//
// Entries are always written as an array. Aggregates include their
// itemized entries. A single delta report is written as an object and
// several as an array.
//
// # CSV
//
// Entries flatten both event kinds into one column set; cost-only columns
// are empty for unattributable events and vice versa. Aggregates write
// "group" rows followed by per-currency "total" rows. Reports write one row
// per compared line.
//
// # Streaming
//
// ExportEntryStream consumes a channel so large ledger exports never hold
// every entry in memory.
package export
