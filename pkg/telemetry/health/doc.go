// Package health provides liveness and readiness endpoints for "tally serve".
//
// Liveness reports that the process is up. Readiness runs registered checks
// concurrently, each bounded by a timeout:
//
//   - ledger: the ledger backend answers a stream listing
//   - pricing: at least one pricing version is published
//   - audit: the most recent scheduled audit found no broken chain
//
// A failing check turns readiness into 503 with per-check detail.
//
// # Usage
//
//	checker := health.New(cfg.Telemetry.Health.CheckTimeout)
//	checker.RegisterCheck("ledger", health.LedgerCheck(l))
//	checker.RegisterCheck("pricing", health.PricingCheck(registry))
//	health.Mount(mux, &cfg.Telemetry.Health, checker, version, commit, buildTime)
package health
