// Package ledger provides the append-only, hash-chained cost ledger.
//
// # Streams
//
// Entries are partitioned into streams (by default one per execution).
// Every stream is an independent chain: entry n stores the SHA-256 of its
// canonical event payload, the hash of entry n-1 (GenesisHash for entry 0),
// and its own hash over stream, sequence, event hash and previous hash.
// Appends are serialized per stream; different streams append concurrently.
//
// # Immutability
//
// Append is the only write. It accepts an event, never a pre-built entry,
// so linkage is always computed here. Storage backends reject any attempt
// to overwrite, update or delete an entry with ErrWriteRejected.
// Corrections are new events whose Corrects field names the original.
//
// # Verification
//
// VerifyChain recomputes every hash in a range and reports the first
// offending sequence number as an *IntegrityError. Nothing is repaired
// automatically.
//
// # Usage
//
//	l := ledger.New(storage.NewMemoryStorage())
//	entry, err := l.Append(ctx, costs.NewCost(event))
//	if err := l.VerifyStream(ctx, entry.Stream); err != nil {
//	    // tampering detected
//	}
package ledger
