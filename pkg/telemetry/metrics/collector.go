package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/tally/pkg/attribution"
	"mercator-hq/tally/pkg/costs"
	"mercator-hq/tally/pkg/config"
	"mercator-hq/tally/pkg/replay"
)

// maxComponents bounds the distinct component label values; further
// components are reported as "other".
const maxComponents = 1000

// Collector records Tally activity as Prometheus metrics. It implements
// ledger.Observer, attribution.Observer and replay.Observer, so one
// collector is handed to each of them.
type Collector struct {
	config   *config.MetricsConfig
	registry *prometheus.Registry

	ledgerMetrics      *LedgerMetrics
	attributionMetrics *AttributionMetrics
	replayMetrics      *ReplayMetrics
	auditMetrics       *AuditMetrics

	components *CardinalityLimiter
}

// NewCollector creates a collector and registers its metrics. If registry
// is nil a new one is created.
func NewCollector(cfg *config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = config.DefaultMetricsNamespace
	}

	return &Collector{
		config:             cfg,
		registry:           registry,
		ledgerMetrics:      NewLedgerMetrics(cfg, registry),
		attributionMetrics: NewAttributionMetrics(cfg, registry),
		replayMetrics:      NewReplayMetrics(cfg, registry),
		auditMetrics:       NewAuditMetrics(cfg, registry),
		components:         NewCardinalityLimiter(maxComponents),
	}
}

// ObserveAppend implements ledger.Observer.
func (c *Collector) ObserveAppend(stream string, kind costs.EventKind, d time.Duration, err error) {
	if !c.config.Enabled {
		return
	}
	c.ledgerMetrics.RecordAppend(string(kind), status(err), d)
}

// ObserveVerify implements ledger.Observer.
func (c *Collector) ObserveVerify(stream string, entries int, err error) {
	if !c.config.Enabled {
		return
	}
	c.ledgerMetrics.RecordVerify(status(err), entries)
}

// ObserveOutcome implements attribution.Observer.
func (c *Collector) ObserveOutcome(o *attribution.Outcome, d time.Duration) {
	if !c.config.Enabled {
		return
	}

	switch {
	case o.Duplicate:
		c.attributionMetrics.RecordRecord("duplicate", d)
		return
	case o.Cause != nil:
		c.attributionMetrics.RecordRecord("unattributable", d)
		c.attributionMetrics.RecordUnattributable(string(costs.ReasonFor(o.Cause)))
		return
	}

	c.attributionMetrics.RecordRecord("attributed", d)
	for _, entry := range o.Entries {
		ev := entry.Event.Cost
		if ev == nil {
			continue
		}
		component := ev.Component
		if !c.components.Allow(component) {
			component = "other"
		}
		c.attributionMetrics.RecordCost(component, ev.Currency, ev.TotalCost.InexactFloat64())
	}
}

// ObserveReplay implements replay.Observer.
func (c *Collector) ObserveReplay(report *replay.Report, d time.Duration) {
	if !c.config.Enabled {
		return
	}

	result := "match"
	if !report.Matched() {
		result = "diverged"
	}
	c.replayMetrics.RecordReplay(result, d)

	s := report.Summary
	c.replayMetrics.RecordLines(string(replay.Match), s.Match)
	c.replayMetrics.RecordLines(string(replay.RoundingDrift), s.RoundingDrift)
	c.replayMetrics.RecordLines(string(replay.PricingDivergence), s.PricingDivergence)
	c.replayMetrics.RecordLines(string(replay.StructuralDivergence), s.StructuralDivergence)
}

// ObserveAudit records one scheduled audit run.
func (c *Collector) ObserveAudit(streams, integrityFailures, divergences int, d time.Duration, err error) {
	if !c.config.Enabled {
		return
	}
	result := status(err)
	if integrityFailures > 0 || divergences > 0 {
		result = "failed"
	}
	c.auditMetrics.RecordRun(result, streams, integrityFailures, divergences, d)
}

// Registry returns the Prometheus registry used by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// CardinalityLimiter prevents metric cardinality explosion by limiting
// the number of unique label values.
type CardinalityLimiter struct {
	maxCardinality int
	current        map[string]struct{}
	mu             sync.RWMutex
}

// NewCardinalityLimiter creates a new cardinality limiter with the specified
// maximum cardinality.
func NewCardinalityLimiter(maxCardinality int) *CardinalityLimiter {
	return &CardinalityLimiter{
		maxCardinality: maxCardinality,
		current:        make(map[string]struct{}),
	}
}

// Allow reports whether a label value may be used: it is already known or
// the limit has not been reached.
func (cl *CardinalityLimiter) Allow(labelSet string) bool {
	cl.mu.RLock()
	if _, exists := cl.current[labelSet]; exists {
		cl.mu.RUnlock()
		return true
	}
	cl.mu.RUnlock()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	// Double-check after acquiring write lock
	if _, exists := cl.current[labelSet]; exists {
		return true
	}

	if len(cl.current) >= cl.maxCardinality {
		return false
	}

	cl.current[labelSet] = struct{}{}
	return true
}

// Count returns the current cardinality.
func (cl *CardinalityLimiter) Count() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.current)
}
