package costs

import (
	"github.com/shopspring/decimal"

	"mercator-hq/tally/pkg/pricing"
	"mercator-hq/tally/pkg/usage"
)

type meterKey struct {
	version uint64
	line    string
}

// Meter prices the usage records of one execution in timestamp order,
// carrying cumulative consumption for models with execution-scoped tiers.
// A Meter is not safe for concurrent use.
type Meter struct {
	calc        *Calculator
	executionID string
	consumed    map[meterKey]decimal.Decimal
}

// NewMeter creates a meter for an execution.
func (c *Calculator) NewMeter(executionID string) *Meter {
	return &Meter{
		calc:        c,
		executionID: executionID,
		consumed:    make(map[meterKey]decimal.Decimal),
	}
}

// ExecutionID returns the execution the meter tracks.
func (m *Meter) ExecutionID() string {
	return m.executionID
}

// Observe accounts for an already recorded event, so that records priced
// afterwards continue from the recorded consumption. Corrections and
// events of other executions are ignored.
func (m *Meter) Observe(e Event) {
	if e.Cost == nil || e.Cost.Corrects != "" || e.Cost.ExecutionID != m.executionID {
		return
	}
	if e.Cost.Metadata[MetaTierScope] != string(pricing.ScopeExecution) {
		return
	}
	k := meterKey{version: e.Cost.PricingVersion, line: e.Cost.Line}
	m.consumed[k] = m.consumed[k].Add(e.Cost.Quantity)
}

// Consumed returns the cumulative quantity recorded for a version and line.
func (m *Meter) Consumed(version uint64, line string) decimal.Decimal {
	return m.consumed[meterKey{version: version, line: line}]
}

// Compute prices rec like Calculator.Compute, starting execution-scoped
// tiers at the quantity already consumed.
func (m *Meter) Compute(rec usage.Record, model *pricing.Model) ([]CostEvent, error) {
	events, err := m.calc.compute(rec, model, func(pm pricing.Model, line string) decimal.Decimal {
		return m.consumed[meterKey{version: pm.Version, line: line}]
	})
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		m.Observe(NewCost(e))
	}
	return events, nil
}

// Attribute is Calculator.Attribute with execution-scoped tiers.
func (m *Meter) Attribute(rec usage.Record, model *pricing.Model, resolveErr error) ([]Event, error) {
	if resolveErr == nil {
		events, err := m.Compute(rec, model)
		if err == nil {
			return wrapCost(events), nil
		}
		resolveErr = err
	}
	return []Event{NewUnattributable(Unattributable(rec, resolveErr))}, resolveErr
}
