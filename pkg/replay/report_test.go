package replay

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"mercator-hq/tally/pkg/costs"
	"mercator-hq/tally/pkg/usage"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func costSide(total, subtotal string, version uint64, mutate ...func(*costs.CostEvent)) side {
	c := costs.CostEvent{
		EventID:        "e",
		ExecutionID:    "exec-1",
		Component:      "gpt-4",
		UsageRecordID:  "r1",
		UnitCost:       dec("0.01"),
		Quantity:       dec("100"),
		TotalCost:      dec(total),
		Currency:       "USD",
		PricingVersion: version,
		BaseUnit:       usage.UnitToken,
		Metadata: map[string]string{
			costs.MetaSubtotal:  subtotal,
			costs.MetaPrecision: "2",
		},
	}
	for _, m := range mutate {
		m(&c)
	}
	ev := costs.NewCost(c)
	return side{event: &ev}
}

func unattributableSide(reason costs.ReasonCode) side {
	ev := costs.NewUnattributable(costs.UnattributableEvent{
		EventID:       "u",
		ExecutionID:   "exec-1",
		Component:     "gpt-4",
		UsageRecordID: "r1",
		Reason:        reason,
	})
	return side{event: &ev}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		original   side
		recomputed side
		want       Classification
	}{
		{
			name:       "identical totals",
			original:   costSide("1.00", "1.004", 1),
			recomputed: costSide("1.00", "1.004", 1),
			want:       Match,
		},
		{
			name:       "same subtotal rounded differently",
			original:   costSide("1.00", "1.005", 1),
			recomputed: costSide("1.01", "1.005", 1),
			want:       RoundingDrift,
		},
		{
			name:       "one minor unit apart under the same version",
			original:   costSide("1.00", "1.004", 1),
			recomputed: costSide("1.01", "1.006", 1),
			want:       RoundingDrift,
		},
		{
			name:       "one minor unit apart under another version",
			original:   costSide("1.00", "1.004", 1),
			recomputed: costSide("1.01", "1.006", 2),
			want:       PricingDivergence,
		},
		{
			name:       "different rate",
			original:   costSide("1.00", "1", 1),
			recomputed: costSide("2.00", "2", 2),
			want:       PricingDivergence,
		},
		{
			name:     "quantity differs",
			original: costSide("1.00", "1", 1),
			recomputed: costSide("1.00", "1", 1, func(c *costs.CostEvent) {
				c.Quantity = dec("101")
			}),
			want: StructuralDivergence,
		},
		{
			name:     "currency differs",
			original: costSide("1.00", "1", 1),
			recomputed: costSide("1.00", "1", 1, func(c *costs.CostEvent) {
				c.Currency = "EUR"
			}),
			want: StructuralDivergence,
		},
		{
			name:       "missing recomputation",
			original:   costSide("1.00", "1", 1),
			recomputed: side{},
			want:       StructuralDivergence,
		},
		{
			name:       "missing original",
			original:   side{},
			recomputed: costSide("1.00", "1", 1),
			want:       StructuralDivergence,
		},
		{
			name:       "priced becomes unattributable",
			original:   costSide("1.00", "1", 1),
			recomputed: unattributableSide(costs.ReasonNoApplicablePricing),
			want:       StructuralDivergence,
		},
		{
			name:       "same failure reason",
			original:   unattributableSide(costs.ReasonMalformedUsage),
			recomputed: unattributableSide(costs.ReasonMalformedUsage),
			want:       Match,
		},
		{
			name:       "different failure reason",
			original:   unattributableSide(costs.ReasonMalformedUsage),
			recomputed: unattributableSide(costs.ReasonUnknownComponent),
			want:       StructuralDivergence,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := classify(pair{key: costs.LineKey{UsageRecordID: "r1"}, original: tt.original, recomputed: tt.recomputed})
			assert.Equal(t, tt.want, l.Classification, l.Detail)
		})
	}
}

func TestClassify_Delta(t *testing.T) {
	l := classify(pair{
		original:   costSide("1.00", "1", 1),
		recomputed: costSide("1.50", "1.5", 2),
	})
	assert.True(t, dec("0.5").Equal(l.Delta))
	assert.Equal(t, uint64(1), l.OriginalVersion)
	assert.Equal(t, uint64(2), l.RecomputedVersion)
	assert.Equal(t, "USD", l.Currency)
}

func TestMinorUnit(t *testing.T) {
	c := &costs.CostEvent{Metadata: map[string]string{costs.MetaPrecision: "0"}}
	assert.True(t, dec("1").Equal(minorUnit(c)))

	c.Metadata[costs.MetaPrecision] = "3"
	assert.True(t, dec("0.001").Equal(minorUnit(c)))

	assert.True(t, dec("0.01").Equal(minorUnit(&costs.CostEvent{})))
}

func TestSnapshotString(t *testing.T) {
	assert.Equal(t, "original", Original().String())
	assert.Equal(t, "versions 3,7", Snapshot{Versions: []uint64{3, 7}}.String())
}

func TestReport_EmptyMatches(t *testing.T) {
	r := newReport("exec-1", Original())
	assert.True(t, r.Matched())
	assert.Equal(t, 1.0, r.MatchRate())
}
