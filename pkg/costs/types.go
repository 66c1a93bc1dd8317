package costs

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mercator-hq/tally/internal/canonical"
	"mercator-hq/tally/pkg/usage"
)

// Metadata keys written by the calculator.
const (
	MetaSubtotal   = "calc.subtotal"
	MetaFixedFee   = "calc.fixed_fee"
	MetaTierOffset = "calc.tier_offset"
	MetaPrecision  = "calc.precision"
	MetaTierScope  = "calc.tier_scope"
	MetaTiers      = "calc.tiers"

	// MetaLines is the number of priced lines of the usage record; it is
	// written only when a record is split into more than one line.
	MetaLines = "calc.lines"
)

var (
	// CostNamespace is the UUIDv5 namespace for cost event ids.
	CostNamespace = uuid.MustParse("0f8a6c52-7d1e-5b3a-8c4f-2e9d1a7b6c30")

	// UnattributableNamespace is the UUIDv5 namespace for unattributable event ids.
	UnattributableNamespace = uuid.MustParse("a3c5e7f9-1b2d-5e4f-9a8b-7c6d5e4f3a21")
)

// EventKind distinguishes the variants of Event.
type EventKind string

const (
	KindCost           EventKind = "cost"
	KindUnattributable EventKind = "unattributable"
)

// ReasonCode classifies why a usage record could not be priced.
type ReasonCode string

const (
	ReasonMalformedUsage      ReasonCode = "MalformedUsageError"
	ReasonNoApplicablePricing ReasonCode = "NoApplicablePricingError"
	ReasonUnknownComponent    ReasonCode = "UnknownComponentError"
)

// CostEvent is an immutable, itemized cost attributed to one priced line
// of a usage record.
type CostEvent struct {
	EventID     string    `json:"event_id"`
	Timestamp   time.Time `json:"timestamp"`
	ExecutionID string    `json:"execution_id"`
	Component   string    `json:"component"`
	Action      string    `json:"action"`

	// Line is the breakdown dimension priced, empty for whole-record events.
	Line          string `json:"line,omitempty"`
	UsageRecordID string `json:"usage_record_id"`

	// UnitCost is the effective per-unit cost. For tiered models it is the
	// tier-weighted average.
	UnitCost  decimal.Decimal `json:"unit_cost"`
	Quantity  decimal.Decimal `json:"quantity"`
	TotalCost decimal.Decimal `json:"total_cost"`
	Currency  string          `json:"currency"`

	CostSource     string     `json:"cost_source"`
	PricingVersion uint64     `json:"pricing_version"`
	BaseUnit       usage.Unit `json:"base_unit"`

	// Corrects is the id of the event this event corrects, if any.
	Corrects string `json:"corrects,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Key identifies the usage line an event prices.
func (e *CostEvent) Key() LineKey {
	return LineKey{UsageRecordID: e.UsageRecordID, Line: e.Line}
}

// RecordLines returns the number of events the originating usage record
// was priced into.
func (e *CostEvent) RecordLines() int {
	if s, ok := e.Metadata[MetaLines]; ok {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return 1
}

// Subtotal returns the unrounded total recorded in metadata, or TotalCost
// when it is absent.
func (e *CostEvent) Subtotal() decimal.Decimal {
	if s, ok := e.Metadata[MetaSubtotal]; ok {
		if d, err := decimal.NewFromString(s); err == nil {
			return d
		}
	}
	return e.TotalCost
}

// UnattributableEvent records a usage record that could not be priced.
// It is never aggregated as cost.
type UnattributableEvent struct {
	EventID       string          `json:"event_id"`
	Timestamp     time.Time       `json:"timestamp"`
	ExecutionID   string          `json:"execution_id"`
	Component     string          `json:"component"`
	Action        string          `json:"action"`
	UsageRecordID string          `json:"usage_record_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	Unit          usage.Unit      `json:"unit"`
	Reason        ReasonCode      `json:"reason"`
	Detail        string          `json:"detail"`

	// PricingVersion is the version the record pinned, if any.
	PricingVersion uint64 `json:"pricing_version,omitempty"`

	Source   string            `json:"source"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// LineKey pairs recorded and recomputed events during replay.
type LineKey struct {
	UsageRecordID string
	Line          string
}

// Event is the unit appended to the ledger: exactly one of Cost or
// Unattributable is set, matching Kind.
type Event struct {
	Kind           EventKind            `json:"kind"`
	Cost           *CostEvent           `json:"cost,omitempty"`
	Unattributable *UnattributableEvent `json:"unattributable,omitempty"`
}

// NewCost wraps a cost event.
func NewCost(e CostEvent) Event {
	return Event{Kind: KindCost, Cost: &e}
}

// NewUnattributable wraps an unattributable event.
func NewUnattributable(u UnattributableEvent) Event {
	return Event{Kind: KindUnattributable, Unattributable: &u}
}

// Validate checks the variant invariant.
func (e Event) Validate() error {
	switch e.Kind {
	case KindCost:
		if e.Cost == nil || e.Unattributable != nil {
			return fmt.Errorf("cost event must carry only a cost payload")
		}
		if e.Cost.EventID == "" {
			return fmt.Errorf("cost event has no id")
		}
	case KindUnattributable:
		if e.Unattributable == nil || e.Cost != nil {
			return fmt.Errorf("unattributable event must carry only an unattributable payload")
		}
		if e.Unattributable.EventID == "" {
			return fmt.Errorf("unattributable event has no id")
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}

// ID returns the event id.
func (e Event) ID() string {
	if e.Cost != nil {
		return e.Cost.EventID
	}
	if e.Unattributable != nil {
		return e.Unattributable.EventID
	}
	return ""
}

// ExecutionID returns the execution the event belongs to.
func (e Event) ExecutionID() string {
	if e.Cost != nil {
		return e.Cost.ExecutionID
	}
	if e.Unattributable != nil {
		return e.Unattributable.ExecutionID
	}
	return ""
}

// Component returns the component the event is attributed to.
func (e Event) Component() string {
	if e.Cost != nil {
		return e.Cost.Component
	}
	if e.Unattributable != nil {
		return e.Unattributable.Component
	}
	return ""
}

// Action returns the action the event is attributed to.
func (e Event) Action() string {
	if e.Cost != nil {
		return e.Cost.Action
	}
	if e.Unattributable != nil {
		return e.Unattributable.Action
	}
	return ""
}

// Timestamp returns the usage timestamp of the event.
func (e Event) Timestamp() time.Time {
	if e.Cost != nil {
		return e.Cost.Timestamp
	}
	if e.Unattributable != nil {
		return e.Unattributable.Timestamp
	}
	return time.Time{}
}

// UsageRecordID returns the id of the originating usage record.
func (e Event) UsageRecordID() string {
	if e.Cost != nil {
		return e.Cost.UsageRecordID
	}
	if e.Unattributable != nil {
		return e.Unattributable.UsageRecordID
	}
	return ""
}

// Canonical returns the canonical encoding of the event.
func (e Event) Canonical() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	out := e
	if e.Cost != nil {
		c := *e.Cost
		c.Timestamp = c.Timestamp.UTC()
		out.Cost = &c
	}
	if e.Unattributable != nil {
		u := *e.Unattributable
		u.Timestamp = u.Timestamp.UTC()
		out.Unattributable = &u
	}
	return canonical.Marshal(out)
}

// Hash returns the hex SHA-256 of the canonical encoding.
func (e Event) Hash() (string, error) {
	data, err := e.Canonical()
	if err != nil {
		return "", err
	}
	return canonical.Hash(data), nil
}

func costEventID(e CostEvent) string {
	e.EventID = ""
	e.Timestamp = e.Timestamp.UTC()
	data, err := canonical.Marshal(e)
	if err != nil {
		panic(err)
	}
	return uuid.NewSHA1(CostNamespace, data).String()
}

func unattributableEventID(u UnattributableEvent) string {
	u.EventID = ""
	u.Timestamp = u.Timestamp.UTC()
	data, err := canonical.Marshal(u)
	if err != nil {
		panic(err)
	}
	return uuid.NewSHA1(UnattributableNamespace, data).String()
}
