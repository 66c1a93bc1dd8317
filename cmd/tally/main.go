// Tally attributes the cost of agent executions to components and actions
// and keeps the result in a tamper-evident ledger.
//
// Every usage record is priced under an immutable pricing version and
// appended to a hash-chained ledger. Any execution can later be replayed
// against the pricing it was recorded with, or against a different set of
// versions, and the differences are reported line by line.
//
// Usage:
//
//	# Publish a pricing table
//	tally pricing publish pricing.yaml
//
//	# Attribute an execution transcript
//	tally ingest transcript.json
//
//	# Replay an execution under new pricing
//	tally replay 9f0c... --pricing-version 7
//
//	# Verify every ledger stream and replay every execution
//	tally verify --all --replay
//
//	# Cost per component for April
//	tally report --since 2025-04-01T00:00:00Z --until 2025-05-01T00:00:00Z --group-by component
//
// Exit codes: 0 success, 1 integrity or divergence failure, 2 malformed
// input, 3 configuration or pricing failure.
package main

func main() {
	Execute()
}
