package pricing

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"mercator-hq/tally/internal/canonical"
	"mercator-hq/tally/pkg/usage"
)

// Kind is the pricing scheme of a model.
type Kind string

const (
	// KindToken prices each token at a flat unit cost.
	KindToken Kind = "token"

	// KindRequest prices each call at a flat unit cost.
	KindRequest Kind = "request"

	// KindTime prices each second at a flat unit cost.
	KindTime Kind = "time"

	// KindTiered prices quantity across ascending tiers.
	KindTiered Kind = "tiered"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindToken, KindRequest, KindTime, KindTiered:
		return true
	}
	return false
}

// TierScope controls which consumption a tier table is applied to.
type TierScope string

const (
	// ScopeRecord applies tiers to each usage record on its own.
	ScopeRecord TierScope = "record"

	// ScopeExecution applies tiers to the cumulative quantity consumed
	// within one execution, in timestamp order.
	ScopeExecution TierScope = "execution"
)

// Tier is one band of a tier table. To is nil for the final, unbounded tier.
type Tier struct {
	From     decimal.Decimal  `json:"from" yaml:"from" toml:"from"`
	To       *decimal.Decimal `json:"to,omitempty" yaml:"to,omitempty" toml:"to,omitempty"`
	UnitCost decimal.Decimal  `json:"unit_cost" yaml:"unit_cost" toml:"unit_cost"`
}

// Contains reports whether q falls inside the tier.
func (t Tier) Contains(q decimal.Decimal) bool {
	if q.LessThan(t.From) {
		return false
	}
	return t.To == nil || q.LessThan(*t.To)
}

// Rate is the price applied to a quantity. Flat kinds use UnitCost, the
// tiered kind uses Tiers.
type Rate struct {
	UnitCost decimal.Decimal `json:"unit_cost" yaml:"unit_cost" toml:"unit_cost"`
	Tiers    []Tier          `json:"tiers,omitempty" yaml:"tiers,omitempty" toml:"tiers,omitempty"`
}

// Model is an immutable, versioned pricing definition.
type Model struct {
	Version   uint64 `json:"version" yaml:"version" toml:"version"`
	Component string `json:"component" yaml:"component" toml:"component"`

	// Action narrows the model to one action. Empty matches every action of
	// the component.
	Action string `json:"action,omitempty" yaml:"action,omitempty" toml:"action,omitempty"`

	Kind Kind `json:"kind" yaml:"kind" toml:"kind"`

	// Unit is the base unit quantities are priced in. Flat kinds imply it;
	// tiered models must declare it.
	Unit usage.Unit `json:"unit" yaml:"unit" toml:"unit"`

	Currency string `json:"currency" yaml:"currency" toml:"currency"`

	Rate `yaml:",inline"`

	// Dimensions holds per-dimension rates for usage records that carry a
	// breakdown. Dimensions without an entry use the base rate.
	Dimensions map[string]Rate `json:"dimensions,omitempty" yaml:"dimensions,omitempty" toml:"dimensions,omitempty"`

	FixedFee decimal.Decimal `json:"fixed_fee" yaml:"fixed_fee" toml:"fixed_fee"`

	// Precision is the number of decimal places totals are rounded to. It
	// defaults to the currency's minor unit and is fixed at publish time.
	Precision *int32 `json:"precision,omitempty" yaml:"precision,omitempty" toml:"precision,omitempty"`

	TierScope     TierScope `json:"tier_scope,omitempty" yaml:"tier_scope,omitempty" toml:"tier_scope,omitempty"`
	EffectiveFrom time.Time `json:"effective_from" yaml:"effective_from" toml:"effective_from"`
	Description   string    `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
}

// ExpectedUnit returns the unit usage must be declared in for this model.
func (m *Model) ExpectedUnit() usage.Unit {
	switch m.Kind {
	case KindToken:
		return usage.UnitToken
	case KindRequest:
		return usage.UnitCall
	case KindTime:
		return usage.UnitSecond
	}
	return m.Unit
}

// RoundingPlaces returns the precision totals are rounded to.
func (m *Model) RoundingPlaces() int32 {
	if m.Precision == nil {
		return 2
	}
	return *m.Precision
}

// RateFor returns the rate for a breakdown dimension.
func (m *Model) RateFor(dimension string) Rate {
	if dimension != "" {
		if r, ok := m.Dimensions[dimension]; ok {
			return r
		}
	}
	return m.Rate
}

// Matches reports whether the model applies to a component and action.
func (m *Model) Matches(component, action string) bool {
	return m.Component == component && (m.Action == "" || m.Action == action)
}

// Digest returns the hash of the model's canonical encoding.
func (m *Model) Digest() string {
	data, err := canonical.Marshal(m)
	if err != nil {
		panic(err)
	}
	return canonical.Hash(data)
}

// Clone returns a deep copy of m.
func (m *Model) Clone() *Model {
	out := *m
	out.Rate = m.Rate.clone()
	if m.Dimensions != nil {
		out.Dimensions = make(map[string]Rate, len(m.Dimensions))
		for k, v := range m.Dimensions {
			out.Dimensions[k] = v.clone()
		}
	}
	if m.Precision != nil {
		p := *m.Precision
		out.Precision = &p
	}
	return &out
}

func (r Rate) clone() Rate {
	if r.Tiers != nil {
		tiers := make([]Tier, len(r.Tiers))
		copy(tiers, r.Tiers)
		r.Tiers = tiers
	}
	return r
}

// Normalize returns a validated copy of m with defaults filled in:
// currency upper-cased, unit and precision resolved, tiers sorted and the
// effective time in UTC.
func Normalize(m Model, currencies CurrencyTable) (*Model, error) {
	out := m.Clone()
	out.Currency = strings.ToUpper(strings.TrimSpace(out.Currency))
	out.EffectiveFrom = out.EffectiveFrom.UTC()
	if out.TierScope == "" {
		out.TierScope = ScopeRecord
	}
	if out.Kind != KindTiered && out.Unit == "" {
		out.Unit = out.ExpectedUnit()
	}
	if out.Precision == nil {
		if places, ok := currencies.MinorUnits(out.Currency); ok {
			out.Precision = &places
		}
	}
	sortTiers(out.Rate.Tiers)
	for _, r := range out.Dimensions {
		sortTiers(r.Tiers)
	}

	if err := Validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

func sortTiers(tiers []Tier) {
	sort.SliceStable(tiers, func(i, j int) bool {
		return tiers[i].From.LessThan(tiers[j].From)
	})
}

// Validate checks that a normalized model is publishable.
func Validate(m *Model) error {
	v := m.Version
	if v == 0 {
		return NewInvalidModelError(v, "version", "must be positive")
	}
	if m.Component == "" {
		return NewInvalidModelError(v, "component", "is required")
	}
	if !m.Kind.Valid() {
		return NewInvalidModelError(v, "kind", fmt.Sprintf("unknown kind %q", m.Kind))
	}
	if len(m.Currency) != 3 {
		return NewInvalidModelError(v, "currency", fmt.Sprintf("invalid currency code %q", m.Currency))
	}
	if m.Precision == nil {
		return NewInvalidModelError(v, "precision", fmt.Sprintf("no minor-unit precision known for %s", m.Currency))
	}
	if *m.Precision < 0 || *m.Precision > 12 {
		return NewInvalidModelError(v, "precision", "must be between 0 and 12")
	}
	if m.FixedFee.IsNegative() {
		return NewInvalidModelError(v, "fixed_fee", "cannot be negative")
	}
	if m.TierScope != ScopeRecord && m.TierScope != ScopeExecution {
		return NewInvalidModelError(v, "tier_scope", fmt.Sprintf("unknown tier scope %q", m.TierScope))
	}
	if m.EffectiveFrom.IsZero() {
		return NewInvalidModelError(v, "effective_from", "is required")
	}

	if m.Kind == KindTiered {
		if !m.Unit.Valid() {
			return NewInvalidModelError(v, "unit", fmt.Sprintf("tiered models must declare a valid unit, got %q", m.Unit))
		}
	} else if m.Unit != m.ExpectedUnit() {
		return NewInvalidModelError(v, "unit", fmt.Sprintf("%s models are priced per %s, got %q", m.Kind, m.ExpectedUnit(), m.Unit))
	}

	if err := validateRate(m, "", m.Rate); err != nil {
		return err
	}
	for dim, r := range m.Dimensions {
		if dim == "" {
			return NewInvalidModelError(v, "dimensions", "dimension name cannot be empty")
		}
		if err := validateRate(m, dim, r); err != nil {
			return err
		}
	}
	return nil
}

func validateRate(m *Model, dim string, r Rate) error {
	field := "unit_cost"
	if dim != "" {
		field = "dimensions." + dim + ".unit_cost"
	}

	if m.Kind != KindTiered {
		if len(r.Tiers) > 0 {
			return NewInvalidModelError(m.Version, "tiers", fmt.Sprintf("%s models cannot declare tiers", m.Kind))
		}
		if r.UnitCost.IsNegative() {
			return NewInvalidModelError(m.Version, field, "cannot be negative")
		}
		return nil
	}

	if !r.UnitCost.IsZero() {
		return NewInvalidModelError(m.Version, field, "tiered models price through tiers only")
	}
	return validateTiers(m.Version, dim, r.Tiers)
}

// validateTiers expects tiers sorted by From.
func validateTiers(version uint64, dim string, tiers []Tier) error {
	if len(tiers) == 0 {
		return NewInvalidTierTableError(version, dim, "at least one tier is required")
	}
	if !tiers[0].From.IsZero() {
		return NewInvalidTierTableError(version, dim, fmt.Sprintf("first tier must start at 0, starts at %s", tiers[0].From))
	}

	for i, t := range tiers {
		if t.UnitCost.IsNegative() {
			return NewInvalidTierTableError(version, dim, fmt.Sprintf("tier %d has a negative unit cost", i))
		}
		last := i == len(tiers)-1
		if t.To == nil {
			if !last {
				return NewInvalidTierTableError(version, dim, fmt.Sprintf("tier %d is unbounded but is not the last tier", i))
			}
			continue
		}
		if last {
			return NewInvalidTierTableError(version, dim, fmt.Sprintf("last tier must be unbounded, ends at %s", *t.To))
		}
		if !t.To.GreaterThan(t.From) {
			return NewInvalidTierTableError(version, dim, fmt.Sprintf("tier %d is empty or inverted: [%s, %s)", i, t.From, *t.To))
		}
		next := tiers[i+1].From
		switch {
		case next.GreaterThan(*t.To):
			return NewInvalidTierTableError(version, dim, fmt.Sprintf("gap between %s and %s", *t.To, next))
		case next.LessThan(*t.To):
			return NewInvalidTierTableError(version, dim, fmt.Sprintf("tiers %d and %d overlap", i, i+1))
		}
	}
	return nil
}
