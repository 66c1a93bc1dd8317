package costs

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"mercator-hq/tally/pkg/pricing"
	"mercator-hq/tally/pkg/usage"
)

// unitCostPlaces bounds the tier-weighted unit cost of tiered events.
const unitCostPlaces = 12

// Calculator is the cost computer: it applies a resolved pricing model to
// a usage record. It holds no state and is safe for concurrent use.
type Calculator struct {
	logger *slog.Logger
}

// NewCalculator creates a new calculator.
func NewCalculator() *Calculator {
	return &Calculator{
		logger: slog.Default().With("component", "costs.calculator"),
	}
}

// line is one priced slice of a usage record.
type line struct {
	dimension string
	quantity  decimal.Decimal
}

// Compute prices rec against model with record-scoped tiers. It returns
// one event per priced line or a *MalformedUsageError.
func (c *Calculator) Compute(rec usage.Record, model *pricing.Model) ([]CostEvent, error) {
	return c.compute(rec, model, nil)
}

// Attribute prices rec, or builds the single unattributable event that
// records why it could not be priced. resolveErr is the error from
// resolving model; when it is set model is ignored. The returned error is
// non-nil exactly when the events describe a failure.
func (c *Calculator) Attribute(rec usage.Record, model *pricing.Model, resolveErr error) ([]Event, error) {
	if resolveErr == nil {
		events, err := c.Compute(rec, model)
		if err == nil {
			return wrapCost(events), nil
		}
		resolveErr = err
	}
	return []Event{NewUnattributable(Unattributable(rec, resolveErr))}, resolveErr
}

func wrapCost(events []CostEvent) []Event {
	out := make([]Event, len(events))
	for i, e := range events {
		out[i] = NewCost(e)
	}
	return out
}

// compute prices every line of rec. offsets, when non-nil, returns the
// quantity already consumed for execution-scoped tiers.
func (c *Calculator) compute(rec usage.Record, model *pricing.Model, offsets func(pricing.Model, string) decimal.Decimal) ([]CostEvent, error) {
	rec = rec.WithID()
	if model == nil {
		return nil, NewMalformedUsageError(rec.ID, "pricing", "no pricing model supplied")
	}

	lines, err := validate(rec, model)
	if err != nil {
		c.logger.Debug("Rejected malformed usage record", "record_id", rec.ID, "error", err)
		return nil, err
	}

	events := make([]CostEvent, 0, len(lines))
	for i, l := range lines {
		offset := decimal.Zero
		if offsets != nil && model.TierScope == pricing.ScopeExecution {
			offset = offsets(*model, l.dimension)
		}
		events = append(events, priceLine(lineInput{
			executionID:   rec.ExecutionID,
			component:     rec.Component,
			action:        rec.Action,
			usageRecordID: rec.ID,
			timestamp:     rec.Timestamp,
			source:        rec.Source,
			metadata:      rec.Metadata,
			lines:         len(lines),
			line:          l,
		}, model, offset, i == 0))
	}
	return events, nil
}

func validate(rec usage.Record, model *pricing.Model) ([]line, error) {
	malformed := func(field, format string, args ...any) error {
		return NewMalformedUsageError(rec.ID, field, fmt.Sprintf(format, args...))
	}

	switch {
	case rec.ExecutionID == "":
		return nil, malformed("execution_id", "is required")
	case rec.Component == "":
		return nil, malformed("component", "is required")
	case rec.Timestamp.IsZero():
		return nil, malformed("timestamp", "is required")
	case !usage.IndexableTimestamp(rec.Timestamp):
		return nil, malformed("timestamp", "%s is outside the supported range", rec.Timestamp.Format(time.RFC3339))
	case rec.Quantity.IsNegative():
		return nil, malformed("quantity", "cannot be negative, got %s", rec.Quantity)
	case !rec.Unit.Valid():
		return nil, malformed("unit", "unknown unit %q", rec.Unit)
	case rec.Unit != model.ExpectedUnit():
		return nil, malformed("unit", "pricing version %d is %s-based and prices per %s, record declares %s",
			model.Version, model.Kind, model.ExpectedUnit(), rec.Unit)
	case !model.Matches(rec.Component, rec.Action):
		return nil, malformed("component", "pricing version %d does not apply to %s/%s",
			model.Version, rec.Component, rec.Action)
	}

	if len(rec.Breakdown) == 0 {
		return []line{{quantity: rec.Quantity}}, nil
	}

	seen := make(map[string]bool, len(rec.Breakdown))
	sum := decimal.Zero
	lines := make([]line, 0, len(rec.Breakdown))
	for _, m := range rec.Breakdown {
		if m.Dimension == "" {
			return nil, malformed("breakdown", "dimension name is required")
		}
		if seen[m.Dimension] {
			return nil, malformed("breakdown", "dimension %q repeated", m.Dimension)
		}
		if m.Quantity.IsNegative() {
			return nil, malformed("breakdown", "dimension %q has negative quantity %s", m.Dimension, m.Quantity)
		}
		seen[m.Dimension] = true
		sum = sum.Add(m.Quantity)
		lines = append(lines, line{dimension: m.Dimension, quantity: m.Quantity})
	}
	if !rec.Quantity.IsZero() && !sum.Equal(rec.Quantity) {
		return nil, malformed("breakdown", "dimensions sum to %s but quantity is %s", sum, rec.Quantity)
	}
	return lines, nil
}

type lineInput struct {
	executionID   string
	component     string
	action        string
	usageRecordID string
	timestamp     time.Time
	source        string
	metadata      map[string]string
	corrects      string
	lines         int
	line          line
}

// priceLine builds the cost event for one line. The fixed fee is added
// when withFee is set, which is the first line of each usage record.
func priceLine(in lineInput, model *pricing.Model, offset decimal.Decimal, withFee bool) CostEvent {
	rate := model.RateFor(in.line.dimension)
	qty := in.line.quantity

	var (
		subtotal decimal.Decimal
		unitCost decimal.Decimal
		slices   []Slice
	)
	if model.Kind == pricing.KindTiered {
		slices = Partition(rate.Tiers, offset, qty)
		for _, s := range slices {
			subtotal = subtotal.Add(s.Cost)
		}
		if !qty.IsZero() {
			unitCost = subtotal.DivRound(qty, unitCostPlaces)
		}
	} else {
		unitCost = rate.UnitCost
		subtotal = rate.UnitCost.Mul(qty)
	}

	fee := decimal.Zero
	if withFee {
		fee = model.FixedFee
	}
	exact := subtotal.Add(fee)
	places := model.RoundingPlaces()

	meta := make(map[string]string, len(in.metadata)+6)
	for k, v := range in.metadata {
		if !strings.HasPrefix(k, "calc.") {
			meta[k] = v
		}
	}
	meta[MetaSubtotal] = exact.String()
	meta[MetaPrecision] = strconv.Itoa(int(places))
	if in.lines > 1 {
		meta[MetaLines] = strconv.Itoa(in.lines)
	}
	if withFee {
		meta[MetaFixedFee] = fee.String()
	}
	if model.Kind == pricing.KindTiered {
		meta[MetaTierScope] = string(model.TierScope)
		meta[MetaTiers] = formatSlices(slices)
		if model.TierScope == pricing.ScopeExecution {
			meta[MetaTierOffset] = offset.String()
		}
	}

	e := CostEvent{
		Timestamp:      in.timestamp.UTC(),
		ExecutionID:    in.executionID,
		Component:      in.component,
		Action:         in.action,
		Line:           in.line.dimension,
		UsageRecordID:  in.usageRecordID,
		UnitCost:       unitCost,
		Quantity:       qty,
		TotalCost:      exact.RoundBank(places),
		Currency:       model.Currency,
		CostSource:     in.source,
		PricingVersion: model.Version,
		BaseUnit:       model.ExpectedUnit(),
		Corrects:       in.corrects,
		Metadata:       meta,
	}
	e.EventID = costEventID(e)
	return e
}

// Slice is the share of a quantity that falls into one tier.
type Slice struct {
	Tier     int
	Quantity decimal.Decimal
	UnitCost decimal.Decimal
	Cost     decimal.Decimal
}

// Partition splits the quantity range [offset, offset+qty) across tiers in
// ascending order. Every unit lands in exactly one tier; tiers that receive
// nothing are omitted.
func Partition(tiers []pricing.Tier, offset, qty decimal.Decimal) []Slice {
	start := offset
	end := offset.Add(qty)

	var out []Slice
	for i, t := range tiers {
		lo := decimal.Max(start, t.From)
		hi := end
		if t.To != nil && t.To.LessThan(hi) {
			hi = *t.To
		}
		if !hi.GreaterThan(lo) {
			continue
		}
		covered := hi.Sub(lo)
		out = append(out, Slice{
			Tier:     i,
			Quantity: covered,
			UnitCost: t.UnitCost,
			Cost:     covered.Mul(t.UnitCost),
		})
	}
	return out
}

func formatSlices(slices []Slice) string {
	parts := make([]string, len(slices))
	for i, s := range slices {
		parts[i] = fmt.Sprintf("%d:%s@%s", s.Tier, s.Quantity, s.UnitCost)
	}
	return strings.Join(parts, ",")
}

// Reprice recomputes a recorded cost event from its own fields against
// model. The fixed fee and tier offset are taken from the event's
// metadata, so repricing with the event's original version reproduces it
// exactly.
func (c *Calculator) Reprice(e CostEvent, model *pricing.Model) (CostEvent, error) {
	if model == nil {
		return CostEvent{}, NewMalformedUsageError(e.UsageRecordID, "pricing", "no pricing model supplied")
	}
	if e.BaseUnit != model.ExpectedUnit() {
		return CostEvent{}, NewMalformedUsageError(e.UsageRecordID, "unit",
			fmt.Sprintf("event priced per %s cannot be repriced per %s", e.BaseUnit, model.ExpectedUnit()))
	}

	offset := decimal.Zero
	if s, ok := e.Metadata[MetaTierOffset]; ok && model.TierScope == pricing.ScopeExecution {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return CostEvent{}, NewMalformedUsageError(e.UsageRecordID, "metadata", "invalid tier offset "+s)
		}
		offset = d
	}
	_, withFee := e.Metadata[MetaFixedFee]

	return priceLine(lineInput{
		executionID:   e.ExecutionID,
		component:     e.Component,
		action:        e.Action,
		usageRecordID: e.UsageRecordID,
		timestamp:     e.Timestamp,
		source:        e.CostSource,
		metadata:      e.Metadata,
		corrects:      e.Corrects,
		lines:         e.RecordLines(),
		line:          line{dimension: e.Line, quantity: e.Quantity},
	}, model, offset, withFee), nil
}

// Correct reprices a recorded event under model as a new event that
// names the original in Corrects.
func (c *Calculator) Correct(original CostEvent, model *pricing.Model) (CostEvent, error) {
	original.Corrects = original.EventID
	return c.Reprice(original, model)
}

// Unattributable builds the failure record for a usage record that could
// not be priced.
func Unattributable(rec usage.Record, cause error) UnattributableEvent {
	rec = rec.WithID()

	var meta map[string]string
	if len(rec.Metadata) > 0 {
		meta = make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			meta[k] = v
		}
	}

	u := UnattributableEvent{
		Timestamp:      rec.Timestamp.UTC(),
		ExecutionID:    rec.ExecutionID,
		Component:      rec.Component,
		Action:         rec.Action,
		UsageRecordID:  rec.ID,
		Quantity:       rec.TotalQuantity(),
		Unit:           rec.Unit,
		Reason:         ReasonFor(cause),
		PricingVersion: rec.PricingVersion,
		Source:         rec.Source,
		Metadata:       meta,
	}
	if cause != nil {
		u.Detail = cause.Error()
	}
	u.EventID = unattributableEventID(u)
	return u
}
