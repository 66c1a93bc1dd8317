// Package metrics exposes Tally activity as Prometheus metrics.
//
// A Collector implements the observer interfaces of the ledger, the
// attribution pipeline and the replay engine:
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	l := ledger.New(storage, ledger.WithObserver(collector))
//	p := attribution.New(registry, l, records, attribution.WithObserver(collector))
//	http.Handle("/metrics", collector.Handler())
//
// Metric families (namespace "tally" by default):
//
//   - ledger_appends_total, ledger_append_duration_seconds
//   - ledger_verifications_total, ledger_verified_entries_total
//   - attribution_records_total, attribution_unattributable_total
//   - attribution_cost_total{component,currency}
//   - replay_executions_total, replay_lines_total{classification}
//   - audit_runs_total and last-run gauges
//
// Streams and execution ids are never used as labels. Component labels are
// capped by a CardinalityLimiter.
package metrics
