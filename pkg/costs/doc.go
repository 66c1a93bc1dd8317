// Package costs defines cost events and the calculator that derives them
// from usage records and pricing models.
//
// A usage record priced successfully becomes one CostEvent per priced line
// (the whole record, or each breakdown dimension). A record that cannot be
// priced becomes exactly one UnattributableEvent carrying a reason code;
// records are never dropped.
//
// # Determinism
//
// Events contain no wall-clock or random data. Event ids are UUIDv5 values
// over the canonical encoding of every other field, so computing the same
// record against the same pricing version always yields byte-identical
// events.
//
// # Rounding
//
// Tier subtotals and fixed fees are summed at full precision. Only the
// final total is rounded, half-to-even, to the pricing model's precision
// (the currency minor unit unless the model overrides it). The unrounded
// subtotal is kept in event metadata under MetaSubtotal.
package costs
