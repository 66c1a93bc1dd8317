package usage

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mercator-hq/tally/internal/canonical"
)

// Unit is the base unit a quantity is measured in.
type Unit string

const (
	// UnitToken measures model tokens.
	UnitToken Unit = "token"

	// UnitCall measures discrete requests or invocations.
	UnitCall Unit = "call"

	// UnitSecond measures elapsed time.
	UnitSecond Unit = "second"
)

// Valid reports whether u is a known unit.
func (u Unit) Valid() bool {
	switch u {
	case UnitToken, UnitCall, UnitSecond:
		return true
	}
	return false
}

var (
	// MinTimestamp and MaxTimestamp bound the timestamps that stores can
	// index as Unix nanoseconds, roughly the years 1678 to 2262.
	MinTimestamp = time.Unix(0, math.MinInt64).UTC()
	MaxTimestamp = time.Unix(0, math.MaxInt64).UTC()
)

// IndexableTimestamp reports whether t lies within MinTimestamp and
// MaxTimestamp.
func IndexableTimestamp(t time.Time) bool {
	return !t.Before(MinTimestamp) && !t.After(MaxTimestamp)
}

// RecordNamespace is the UUIDv5 namespace for content-derived record ids.
var RecordNamespace = uuid.MustParse("6b1f3f5e-2c4d-5a8e-9f7b-0d3c2a1e4b5f")

// Measure is one priced dimension of a usage record, for example the
// prompt or completion share of a model call.
type Measure struct {
	Dimension string          `json:"dimension"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// Record is a single unit of raw usage reported by an adapter.
// Records are immutable once handed to attribution.
type Record struct {
	// ID identifies the record. Adapters may leave it empty, in which case
	// a content-derived id is assigned by WithID.
	ID string `json:"id"`

	ExecutionID string `json:"execution_id"`
	Component   string `json:"component"`
	Action      string `json:"action"`

	// Unit is the declared unit of Quantity.
	Unit     Unit            `json:"unit"`
	Quantity decimal.Decimal `json:"quantity"`

	// Breakdown optionally splits Quantity into separately priced dimensions.
	Breakdown []Measure `json:"breakdown,omitempty"`

	// PricingVersion pins the record to a specific pricing version.
	// Zero means the version effective at Timestamp is used.
	PricingVersion uint64 `json:"pricing_version,omitempty"`

	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type canonicalRecord struct {
	ExecutionID    string            `json:"execution_id"`
	Component      string            `json:"component"`
	Action         string            `json:"action"`
	Unit           Unit              `json:"unit"`
	Quantity       decimal.Decimal   `json:"quantity"`
	Breakdown      []Measure         `json:"breakdown,omitempty"`
	PricingVersion uint64            `json:"pricing_version,omitempty"`
	Timestamp      string            `json:"timestamp"`
	Source         string            `json:"source"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// DerivedID returns the content-derived id of the record, ignoring ID.
func (r Record) DerivedID() string {
	data, err := canonical.Marshal(canonicalRecord{
		ExecutionID:    r.ExecutionID,
		Component:      r.Component,
		Action:         r.Action,
		Unit:           r.Unit,
		Quantity:       r.Quantity,
		Breakdown:      r.Breakdown,
		PricingVersion: r.PricingVersion,
		Timestamp:      canonical.Time(r.Timestamp),
		Source:         r.Source,
		Metadata:       r.Metadata,
	})
	if err != nil {
		// Only plain strings and decimals are encoded, so this cannot fail.
		panic(err)
	}
	return uuid.NewSHA1(RecordNamespace, data).String()
}

// WithID returns a copy of r with ID populated and the timestamp in UTC.
func (r Record) WithID() Record {
	r.Timestamp = r.Timestamp.UTC()
	if r.ID == "" {
		r.ID = r.DerivedID()
	}
	return r
}

// TotalQuantity returns Quantity, or the breakdown sum when Quantity is zero.
func (r Record) TotalQuantity() decimal.Decimal {
	if !r.Quantity.IsZero() || len(r.Breakdown) == 0 {
		return r.Quantity
	}
	total := decimal.Zero
	for _, m := range r.Breakdown {
		total = total.Add(m.Quantity)
	}
	return total
}

// SortByTimestamp orders records by timestamp, preserving the relative
// order of records with equal timestamps.
func SortByTimestamp(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
}

// Metadata recorded by attribution on retained records.
const (
	// MetaOrdering marks a record that arrived with a timestamp earlier
	// than a record already attributed for its execution.
	MetaOrdering      = "usage.ordering"
	OrderingRegressed = "regressed"
)

// Regressed reports whether the record was marked out of order at ingest.
func (r Record) Regressed() bool {
	return r.Metadata[MetaOrdering] == OrderingRegressed
}

// MarkRegressed returns a copy of r marked out of order. The id is assigned
// before marking so it still identifies the record as reported.
func (r Record) MarkRegressed() Record {
	r = r.WithID()
	meta := make(map[string]string, len(r.Metadata)+1)
	for k, v := range r.Metadata {
		meta[k] = v
	}
	meta[MetaOrdering] = OrderingRegressed
	r.Metadata = meta
	return r
}
