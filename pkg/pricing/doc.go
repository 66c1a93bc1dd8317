// Package pricing holds the versioned pricing definitions that every cost
// event is computed against.
//
// # Versions
//
// A pricing Model is identified by a positive, monotonically increasing
// version number. Once published a version is never edited or removed;
// corrections are published as a new version. A version is superseded when a
// higher version exists for the same component and action, but it remains
// resolvable so historical costs can be replayed.
//
// # Kinds
//
// Each model has exactly one kind, and each kind uses only the fields it
// needs:
//
//   - token, request, time: a flat UnitCost per token, call or second
//   - tiered: a Tiers table priced in the model's declared Unit
//
// Tier tables must start at zero, be contiguous and end with an unbounded
// tier, so that every possible quantity is priced.
//
// # Documents
//
// Pricing tables are loaded from YAML, JSON or TOML documents and published
// wholesale: either every model in a document is published or none is.
package pricing
