package replay

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"mercator-hq/tally/pkg/costs"
)

// Classification is the outcome of comparing one original line with its
// recomputation.
type Classification string

const (
	Match                Classification = "match"
	RoundingDrift        Classification = "rounding-drift"
	PricingDivergence    Classification = "pricing-divergence"
	StructuralDivergence Classification = "structural-divergence"
)

// Snapshot selects the pricing a replay recomputes with. The zero value
// replays every record with the version it was originally priced under.
type Snapshot struct {
	// Versions replace the original version for every record their model
	// applies to. A model for the exact action wins over a component-wide
	// one; among equals the highest version wins.
	Versions []uint64 `json:"versions,omitempty"`
}

// Original is the snapshot that reuses each record's original pricing.
func Original() Snapshot {
	return Snapshot{}
}

// String describes the snapshot.
func (s Snapshot) String() string {
	if len(s.Versions) == 0 {
		return "original"
	}
	parts := make([]string, len(s.Versions))
	for i, v := range s.Versions {
		parts[i] = strconv.FormatUint(v, 10)
	}
	return "versions " + strings.Join(parts, ",")
}

// Line compares one original event with its recomputation.
type Line struct {
	UsageRecordID string `json:"usage_record_id"`
	Line          string `json:"line,omitempty"`
	Component     string `json:"component"`
	Action        string `json:"action,omitempty"`
	Currency      string `json:"currency,omitempty"`

	// Stream and Sequence locate the original entry; Sequence is nil when
	// there is no original.
	Stream          string  `json:"stream,omitempty"`
	Sequence        *uint64 `json:"sequence,omitempty"`
	OriginalEventID string  `json:"original_event_id,omitempty"`

	OriginalTotal   decimal.Decimal `json:"original_total"`
	RecomputedTotal decimal.Decimal `json:"recomputed_total"`
	Delta           decimal.Decimal `json:"delta"`

	OriginalVersion   uint64 `json:"original_version,omitempty"`
	RecomputedVersion uint64 `json:"recomputed_version,omitempty"`

	Classification Classification `json:"classification"`
	Detail         string         `json:"detail,omitempty"`
}

// Summary counts lines per classification.
type Summary struct {
	Lines                int `json:"lines"`
	Match                int `json:"match"`
	RoundingDrift        int `json:"rounding_drift"`
	PricingDivergence    int `json:"pricing_divergence"`
	StructuralDivergence int `json:"structural_divergence"`
}

func (s *Summary) add(c Classification) {
	s.Lines++
	switch c {
	case Match:
		s.Match++
	case RoundingDrift:
		s.RoundingDrift++
	case PricingDivergence:
		s.PricingDivergence++
	case StructuralDivergence:
		s.StructuralDivergence++
	}
}

// Report is the delta report of one replay.
type Report struct {
	ExecutionID string  `json:"execution_id"`
	Snapshot    string  `json:"snapshot"`
	Lines       []Line  `json:"lines"`
	Summary     Summary `json:"summary"`

	// Totals per currency; amounts in different currencies are never
	// summed together.
	OriginalTotals   map[string]decimal.Decimal `json:"original_totals"`
	RecomputedTotals map[string]decimal.Decimal `json:"recomputed_totals"`
	Deltas           map[string]decimal.Decimal `json:"deltas"`

	// Corrections counts correction events skipped during pairing.
	Corrections int `json:"corrections,omitempty"`
}

// Matched reports whether every line matched.
func (r *Report) Matched() bool {
	return r.Summary.Match == r.Summary.Lines
}

// MatchRate returns the fraction of matching lines; an empty report
// matches fully.
func (r *Report) MatchRate() float64 {
	if r.Summary.Lines == 0 {
		return 1
	}
	return float64(r.Summary.Match) / float64(r.Summary.Lines)
}

// Diverged returns the lines that did not match.
func (r *Report) Diverged() []Line {
	var out []Line
	for _, l := range r.Lines {
		if l.Classification != Match {
			out = append(out, l)
		}
	}
	return out
}

func newReport(executionID string, snap Snapshot) *Report {
	return &Report{
		ExecutionID:      executionID,
		Snapshot:         snap.String(),
		OriginalTotals:   make(map[string]decimal.Decimal),
		RecomputedTotals: make(map[string]decimal.Decimal),
		Deltas:           make(map[string]decimal.Decimal),
	}
}

func (r *Report) add(l Line) {
	r.Lines = append(r.Lines, l)
	r.Summary.add(l.Classification)
}

// finish computes currency totals from cost lines.
func (r *Report) finish(pairs []pair) {
	for _, p := range pairs {
		if c := p.original.cost(); c != nil {
			r.OriginalTotals[c.Currency] = r.OriginalTotals[c.Currency].Add(c.TotalCost)
		}
		if c := p.recomputed.cost(); c != nil {
			r.RecomputedTotals[c.Currency] = r.RecomputedTotals[c.Currency].Add(c.TotalCost)
		}
	}
	currencies := make(map[string]bool)
	for c := range r.OriginalTotals {
		currencies[c] = true
	}
	for c := range r.RecomputedTotals {
		currencies[c] = true
	}
	for c := range currencies {
		r.Deltas[c] = r.RecomputedTotals[c].Sub(r.OriginalTotals[c])
	}
}

// side is one half of a pair: an event and, for originals, its location.
type side struct {
	event    *costs.Event
	stream   string
	sequence uint64
}

func (s side) cost() *costs.CostEvent {
	if s.event == nil {
		return nil
	}
	return s.event.Cost
}

type pair struct {
	key        costs.LineKey
	original   side
	recomputed side
}

func keyOf(e costs.Event) costs.LineKey {
	if e.Cost != nil {
		return e.Cost.Key()
	}
	return costs.LineKey{UsageRecordID: e.UsageRecordID()}
}

// classify compares a pair and builds its report line.
func classify(p pair) Line {
	l := Line{UsageRecordID: p.key.UsageRecordID, Line: p.key.Line}
	o, n := p.original.event, p.recomputed.event

	if o != nil {
		seq := p.original.sequence
		l.Stream = p.original.stream
		l.Sequence = &seq
		l.OriginalEventID = o.ID()
		l.Component, l.Action = o.Component(), o.Action()
	} else if n != nil {
		l.Component, l.Action = n.Component(), n.Action()
	}
	if c := p.original.cost(); c != nil {
		l.OriginalTotal, l.OriginalVersion, l.Currency = c.TotalCost, c.PricingVersion, c.Currency
	}
	if c := p.recomputed.cost(); c != nil {
		l.RecomputedTotal, l.RecomputedVersion = c.TotalCost, c.PricingVersion
		if l.Currency == "" {
			l.Currency = c.Currency
		}
	}
	l.Delta = l.RecomputedTotal.Sub(l.OriginalTotal)

	switch {
	case o == nil:
		l.Classification, l.Detail = StructuralDivergence, "recomputed event has no recorded original"
		return l
	case n == nil:
		l.Classification, l.Detail = StructuralDivergence, "recorded event has no recomputed counterpart"
		return l
	case o.Kind != n.Kind:
		l.Classification = StructuralDivergence
		l.Detail = fmt.Sprintf("recorded %s event recomputes as %s", o.Kind, n.Kind)
		if n.Unattributable != nil {
			l.Detail += ": " + string(n.Unattributable.Reason)
		}
		return l
	case o.Unattributable != nil:
		if o.Unattributable.Reason == n.Unattributable.Reason {
			l.Classification, l.Detail = Match, string(o.Unattributable.Reason)
		} else {
			l.Classification = StructuralDivergence
			l.Detail = fmt.Sprintf("reason %s recomputes as %s", o.Unattributable.Reason, n.Unattributable.Reason)
		}
		return l
	}

	oc, nc := o.Cost, n.Cost
	if d := structuralDiff(oc, nc); d != "" {
		l.Classification, l.Detail = StructuralDivergence, d
		return l
	}

	switch {
	case oc.TotalCost.Equal(nc.TotalCost):
		l.Classification = Match
	case oc.Subtotal().Equal(nc.Subtotal()):
		l.Classification = RoundingDrift
		l.Detail = "subtotals agree, rounded totals differ"
	case oc.PricingVersion == nc.PricingVersion && l.Delta.Abs().LessThanOrEqual(minorUnit(nc)):
		l.Classification = RoundingDrift
		l.Detail = "totals differ by at most one minor unit"
	default:
		l.Classification = PricingDivergence
		l.Detail = fmt.Sprintf("unit cost %s at version %d, recomputed %s at version %d",
			oc.UnitCost, oc.PricingVersion, nc.UnitCost, nc.PricingVersion)
	}
	return l
}

func structuralDiff(o, n *costs.CostEvent) string {
	switch {
	case !o.Quantity.Equal(n.Quantity):
		return fmt.Sprintf("quantity %s recomputes as %s", o.Quantity, n.Quantity)
	case o.BaseUnit != n.BaseUnit:
		return fmt.Sprintf("unit %s recomputes as %s", o.BaseUnit, n.BaseUnit)
	case o.Component != n.Component:
		return fmt.Sprintf("component %s recomputes as %s", o.Component, n.Component)
	case o.Action != n.Action:
		return fmt.Sprintf("action %s recomputes as %s", o.Action, n.Action)
	case o.Currency != n.Currency:
		return fmt.Sprintf("currency %s recomputes as %s", o.Currency, n.Currency)
	}
	return ""
}

// minorUnit returns one unit of the precision the event was rounded to.
func minorUnit(e *costs.CostEvent) decimal.Decimal {
	places := int32(2)
	if s, ok := e.Metadata[costs.MetaPrecision]; ok {
		if p, err := strconv.Atoi(s); err == nil {
			places = int32(p)
		}
	}
	return decimal.New(1, -places)
}
