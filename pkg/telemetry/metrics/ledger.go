package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/tally/pkg/config"
)

// LedgerMetrics tracks ledger appends and chain verification.
//
// Metrics:
//   - tally_ledger_appends_total: appends by event kind and status
//   - tally_ledger_append_duration_seconds: append latency
//   - tally_ledger_verifications_total: verified ranges by status
//   - tally_ledger_verified_entries_total: entries checked by verification
type LedgerMetrics struct {
	appendsTotal    *prometheus.CounterVec
	appendDuration  *prometheus.HistogramVec
	verifyTotal     *prometheus.CounterVec
	verifiedEntries prometheus.Counter
}

// NewLedgerMetrics creates and registers ledger metrics.
func NewLedgerMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *LedgerMetrics {
	lm := &LedgerMetrics{
		appendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "ledger",
				Name:      "appends_total",
				Help:      "Ledger appends by event kind and status",
			},
			[]string{"kind", "status"},
		),
		appendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: "ledger",
				Name:      "append_duration_seconds",
				Help:      "Ledger append latency in seconds",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"kind"},
		),
		verifyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "ledger",
				Name:      "verifications_total",
				Help:      "Verified ledger ranges by status",
			},
			[]string{"status"},
		),
		verifiedEntries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "ledger",
				Name:      "verified_entries_total",
				Help:      "Ledger entries checked by chain verification",
			},
		),
	}

	registry.MustRegister(lm.appendsTotal, lm.appendDuration, lm.verifyTotal, lm.verifiedEntries)
	return lm
}

// RecordAppend records one append attempt.
func (lm *LedgerMetrics) RecordAppend(kind, status string, d time.Duration) {
	lm.appendsTotal.WithLabelValues(kind, status).Inc()
	lm.appendDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordVerify records one verified range.
func (lm *LedgerMetrics) RecordVerify(status string, entries int) {
	lm.verifyTotal.WithLabelValues(status).Inc()
	lm.verifiedEntries.Add(float64(entries))
}
