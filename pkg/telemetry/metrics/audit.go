package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/tally/pkg/config"
)

// AuditMetrics tracks scheduled verification runs.
type AuditMetrics struct {
	runsTotal         *prometheus.CounterVec
	lastRun           prometheus.Gauge
	lastDuration      prometheus.Gauge
	streams           prometheus.Gauge
	integrityFailures prometheus.Gauge
	divergences       prometheus.Gauge
}

// NewAuditMetrics creates and registers audit metrics.
func NewAuditMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *AuditMetrics {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: "audit",
			Name:      name,
			Help:      help,
		})
	}

	am := &AuditMetrics{
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "audit",
				Name:      "runs_total",
				Help:      "Audit runs by result (success, failed, error)",
			},
			[]string{"result"},
		),
		lastRun:           gauge("last_run_timestamp_seconds", "Unix time of the last completed audit run"),
		lastDuration:      gauge("last_run_duration_seconds", "Duration of the last audit run"),
		streams:           gauge("streams", "Streams verified by the last audit run"),
		integrityFailures: gauge("integrity_failures", "Streams that failed verification in the last audit run"),
		divergences:       gauge("divergences", "Executions that diverged on replay in the last audit run"),
	}

	registry.MustRegister(am.runsTotal, am.lastRun, am.lastDuration, am.streams, am.integrityFailures, am.divergences)
	return am
}

// RecordRun records a completed audit run.
func (am *AuditMetrics) RecordRun(result string, streams, integrityFailures, divergences int, d time.Duration) {
	am.runsTotal.WithLabelValues(result).Inc()
	am.lastRun.SetToCurrentTime()
	am.lastDuration.Set(d.Seconds())
	am.streams.Set(float64(streams))
	am.integrityFailures.Set(float64(integrityFailures))
	am.divergences.Set(float64(divergences))
}
