// Package usage defines the usage record consumed by attribution and the
// contracts that produce and retain those records.
//
// A Source is the adapter boundary: any transcript, tool log or metadata
// blob is turned into a lazy, finite, restartable sequence of Records. A
// Store retains records after attribution so that the replay engine can
// recompute costs from the exact inputs that produced them.
package usage
