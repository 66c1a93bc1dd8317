package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/tally/pkg/config"
)

// ReplayMetrics tracks replay runs and line classifications.
type ReplayMetrics struct {
	replaysTotal   *prometheus.CounterVec
	replayDuration prometheus.Histogram
	linesTotal     *prometheus.CounterVec
}

// NewReplayMetrics creates and registers replay metrics.
func NewReplayMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *ReplayMetrics {
	rm := &ReplayMetrics{
		replaysTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "replay",
				Name:      "executions_total",
				Help:      "Replayed executions by result (match, diverged)",
			},
			[]string{"result"},
		),
		replayDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: "replay",
				Name:      "duration_seconds",
				Help:      "Time to replay one execution in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		linesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "replay",
				Name:      "lines_total",
				Help:      "Replayed lines by classification",
			},
			[]string{"classification"},
		),
	}

	registry.MustRegister(rm.replaysTotal, rm.replayDuration, rm.linesTotal)
	return rm
}

// RecordReplay records one replayed execution.
func (rm *ReplayMetrics) RecordReplay(result string, d time.Duration) {
	rm.replaysTotal.WithLabelValues(result).Inc()
	rm.replayDuration.Observe(d.Seconds())
}

// RecordLines adds n lines with a classification.
func (rm *ReplayMetrics) RecordLines(classification string, n int) {
	if n > 0 {
		rm.linesTotal.WithLabelValues(classification).Add(float64(n))
	}
}
