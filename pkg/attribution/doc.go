// Package attribution turns usage records into ledger entries.
//
// A Pipeline drives a usage.Source record by record: it retains each
// record for replay, resolves the pricing that applies to it, prices it
// through a per-execution costs.Meter and appends the resulting events to
// the ledger. Records that cannot be priced become unattributable events
// rather than errors, so every record leaves exactly one trace in the
// ledger per priced line or one unattributable entry.
//
// Records of one execution must arrive in timestamp order. A record whose
// timestamp precedes one already attributed for its execution is retained
// with a regression marker and recorded as malformed.
package attribution
