// Package replay re-derives recorded cost events from retained usage
// records and reports how they compare.
//
// An Engine never appends to the ledger. Replay with the original snapshot
// reproduces every event a correct ingest produced, so any line that is
// not a match points at tampering, lost usage records or a change in
// pricing logic. Replay with an override snapshot answers "what would this
// execution have cost under version V".
package replay
