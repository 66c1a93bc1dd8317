package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/tally/pkg/config"
)

// AttributionMetrics tracks ingested usage records and attributed cost.
//
// Metrics:
//   - tally_attribution_records_total: usage records by outcome
//   - tally_attribution_record_duration_seconds: time to attribute a record
//   - tally_attribution_unattributable_total: unattributable records by reason
//   - tally_attribution_cost_total: attributed cost by component and currency
type AttributionMetrics struct {
	recordsTotal        *prometheus.CounterVec
	recordDuration      prometheus.Histogram
	unattributableTotal *prometheus.CounterVec
	costTotal           *prometheus.CounterVec
}

// NewAttributionMetrics creates and registers attribution metrics.
func NewAttributionMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *AttributionMetrics {
	am := &AttributionMetrics{
		recordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "attribution",
				Name:      "records_total",
				Help:      "Usage records by outcome (attributed, unattributable, duplicate)",
			},
			[]string{"outcome"},
		),
		recordDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: "attribution",
				Name:      "record_duration_seconds",
				Help:      "Time to attribute one usage record in seconds",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		unattributableTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "attribution",
				Name:      "unattributable_total",
				Help:      "Unattributable usage records by reason",
			},
			[]string{"reason"},
		),
		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "attribution",
				Name:      "cost_total",
				Help:      "Attributed cost by component and currency",
			},
			[]string{"component", "currency"},
		),
	}

	registry.MustRegister(am.recordsTotal, am.recordDuration, am.unattributableTotal, am.costTotal)
	return am
}

// RecordRecord records one attributed usage record.
func (am *AttributionMetrics) RecordRecord(outcome string, d time.Duration) {
	am.recordsTotal.WithLabelValues(outcome).Inc()
	am.recordDuration.Observe(d.Seconds())
}

// RecordUnattributable records an unattributable usage record.
func (am *AttributionMetrics) RecordUnattributable(reason string) {
	am.unattributableTotal.WithLabelValues(reason).Inc()
}

// RecordCost adds attributed cost. Negative amounts (corrections that
// lower a total) are not representable by a counter and are skipped.
func (am *AttributionMetrics) RecordCost(component, currency string, amount float64) {
	if amount <= 0 {
		return
	}
	am.costTotal.WithLabelValues(component, currency).Add(amount)
}
