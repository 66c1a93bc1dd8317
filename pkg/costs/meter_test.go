package costs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercator-hq/tally/pkg/pricing"
)

func TestMeter_ExecutionScopedTiersAccumulate(t *testing.T) {
	m := tieredModel(t, pricing.ScopeExecution, "0")
	meter := NewCalculator().NewMeter("exec-1")

	first, err := meter.Compute(tokens("80"), m)
	require.NoError(t, err)
	assert.True(t, first[0].TotalCost.Equal(dec("0.8")))

	second, err := meter.Compute(tokens("70"), m)
	require.NoError(t, err)
	// 20 tokens left in the first tier, 50 in the second.
	assert.True(t, second[0].TotalCost.Equal(dec("0.45")), "got %s", second[0].TotalCost)
	assert.Equal(t, "80", second[0].Metadata[MetaTierOffset])
	assert.True(t, meter.Consumed(1, "").Equal(dec("150")))

	// The combined cost matches pricing both records as one quantity.
	assert.True(t, first[0].TotalCost.Add(second[0].TotalCost).Equal(dec("1.25")))
}

func TestMeter_RecordScopeIgnoresHistory(t *testing.T) {
	m := tieredModel(t, pricing.ScopeRecord, "0")
	meter := NewCalculator().NewMeter("exec-1")

	_, err := meter.Compute(tokens("80"), m)
	require.NoError(t, err)
	second, err := meter.Compute(tokens("70"), m)
	require.NoError(t, err)
	assert.True(t, second[0].TotalCost.Equal(dec("0.7")))
	_, hasOffset := second[0].Metadata[MetaTierOffset]
	assert.False(t, hasOffset)
}

func TestMeter_ObserveSeedsFromRecordedEvents(t *testing.T) {
	calc := NewCalculator()
	m := tieredModel(t, pricing.ScopeExecution, "0")

	original := calc.NewMeter("exec-1")
	first, err := original.Compute(tokens("80"), m)
	require.NoError(t, err)

	resumed := calc.NewMeter("exec-1")
	resumed.Observe(NewCost(first[0]))
	resumed.Observe(NewCost(CostEvent{ExecutionID: "exec-2", Quantity: dec("1000")}))

	second, err := resumed.Compute(tokens("70"), m)
	require.NoError(t, err)
	assert.True(t, second[0].TotalCost.Equal(dec("0.45")))
}

func TestMeter_AttributeFailureDoesNotConsume(t *testing.T) {
	m := tieredModel(t, pricing.ScopeExecution, "0")
	meter := NewCalculator().NewMeter("exec-1")

	events, err := meter.Attribute(tokens("-1"), m, nil)
	require.Error(t, err)
	assert.Equal(t, KindUnattributable, events[0].Kind)
	assert.True(t, meter.Consumed(1, "").IsZero())
}
