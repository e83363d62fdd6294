package rules

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestEvaluateValueRule_Pass(t *testing.T) {
	res, err := EvaluateValueRule(d("30000"), d("50000"), DefaultValueThreshold)
	require.NoError(t, err)
	assert.True(t, res.MaxAllowed.Equal(d("35000")), "max allowed %s", res.MaxAllowed)
	assert.True(t, res.Pass)
}

func TestEvaluateValueRule_FailsAboveThreshold(t *testing.T) {
	cases := []struct{ asking, market string }{
		{"35000.01", "50000"},
		{"100", "100"},
		{"71", "100"},
		{"700001", "1000000"},
	}
	for _, c := range cases {
		res, err := EvaluateValueRule(d(c.asking), d(c.market), DefaultValueThreshold)
		require.NoError(t, err)
		assert.False(t, res.Pass, "asking=%s market=%s should fail", c.asking, c.market)
	}
}

func TestEvaluateValueRule_BoundaryPasses(t *testing.T) {
	res, err := EvaluateValueRule(d("70"), d("100"), DefaultValueThreshold)
	require.NoError(t, err)
	assert.True(t, res.Pass)
}

func TestEvaluateValueRule_InvalidInput(t *testing.T) {
	_, err := EvaluateValueRule(d("-1"), d("100"), DefaultValueThreshold)
	assert.True(t, errors.Is(err, ErrInvalidInput))

	_, err = EvaluateValueRule(d("1"), d("0"), DefaultValueThreshold)
	assert.True(t, errors.Is(err, ErrInvalidInput))

	_, err = EvaluateValueRule(d("1"), d("-5"), DefaultValueThreshold)
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestEvaluateAfterRepairRule_Scenarios(t *testing.T) {
	res, err := EvaluateAfterRepairRule(d("30000"), d("5500"), d("65000"), DefaultAfterRepairThreshold)
	require.NoError(t, err)
	assert.True(t, res.TotalInvestment.Equal(d("35500")))
	assert.True(t, res.MaxInvestment.Equal(d("52000")))
	assert.True(t, res.Pass)

	res, err = EvaluateAfterRepairRule(d("30000"), d("5500"), d("40000"), DefaultAfterRepairThreshold)
	require.NoError(t, err)
	assert.True(t, res.MaxInvestment.Equal(d("32000")))
	assert.False(t, res.Pass)
}

func TestEvaluateAfterRepairRule_InvalidInput(t *testing.T) {
	_, err := EvaluateAfterRepairRule(d("1"), d("-1"), d("100"), DefaultAfterRepairThreshold)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = EvaluateAfterRepairRule(d("1"), d("1"), decimal.Zero, DefaultAfterRepairThreshold)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRulesAreDeterministic(t *testing.T) {
	first, err := EvaluateValueRule(d("33333.33"), d("47619.07"), d("0.7"))
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		again, err := EvaluateValueRule(d("33333.33"), d("47619.07"), d("0.7"))
		require.NoError(t, err)
		require.Equal(t, first.MaxAllowed.String(), again.MaxAllowed.String())
		require.Equal(t, first.Pass, again.Pass)
	}

	a, err := EvaluateAfterRepairRule(d("10000.10"), d("0.20"), d("12500.33"), d("0.8"))
	require.NoError(t, err)
	b, err := EvaluateAfterRepairRule(d("10000.10"), d("0.20"), d("12500.33"), d("0.8"))
	require.NoError(t, err)
	assert.Equal(t, a.MaxInvestment.String(), b.MaxInvestment.String())
	assert.Equal(t, a.TotalInvestment.String(), b.TotalInvestment.String())
}

func TestAggregateRepairCost_Scenario(t *testing.T) {
	res := AggregateRepairCost([]string{"roof", "hvac"})
	assert.True(t, res.Total.Equal(d("5500")), "total %s", res.Total)
	assert.True(t, res.Breakdown["roof"].Equal(d("3000")))
	assert.True(t, res.Breakdown["hvac"].Equal(d("2500")))
}

func TestAggregateRepairCost_Commutative(t *testing.T) {
	a := AggregateRepairCost([]string{"roof", "hvac", "mold"})
	b := AggregateRepairCost([]string{"mold", "hvac", "roof"})
	require.True(t, a.Total.Equal(b.Total))
	require.Equal(t, a.Tags(), b.Tags())
	for tag, cost := range a.Breakdown {
		assert.True(t, cost.Equal(b.Breakdown[tag]), "tag %s", tag)
	}
}

func TestAggregateRepairCost_UnknownTagsUseOther(t *testing.T) {
	res := AggregateRepairCost([]string{"Roof ", "termites", "roof", ""})
	assert.Equal(t, []string{"roof", "termites"}, res.Tags())
	assert.True(t, res.Breakdown["termites"].Equal(d("1000")))
	assert.True(t, res.Total.Equal(d("4000")))
}

func TestNormalizeTagsKeepsSubmissionOrder(t *testing.T) {
	assert.Equal(t, []string{"roof", "plumbing", "mold"}, NormalizeTags([]string{" Roof", "plumbing", "", "ROOF", "mold"}))
}

func TestAggregateRepairCost_Empty(t *testing.T) {
	res := AggregateRepairCost(nil)
	assert.True(t, res.Total.IsZero())
	assert.Empty(t, res.Breakdown)
}

func TestCostTableValidate(t *testing.T) {
	require.NoError(t, DefaultCostTable().Validate())
	assert.ErrorIs(t, CostTable{"roof": d("3000")}.Validate(), ErrInvalidInput)
	assert.ErrorIs(t, CostTable{"roof": d("-1"), OtherTag: d("1000")}.Validate(), ErrInvalidInput)
	assert.ErrorIs(t, CostTable{"Roof": d("3000"), OtherTag: d("1000")}.Validate(), ErrInvalidInput)
}

func TestCustomCostTable(t *testing.T) {
	table := CostTable{"roof": d("4200.50"), OtherTag: d("250")}
	res := table.AggregateRepairCost([]string{"roof", "hvac"})
	assert.True(t, res.Total.Equal(d("4450.50")), "total %s", res.Total)
	assert.True(t, res.Breakdown["hvac"].Equal(d("250")))
}

func TestThresholdsValidate(t *testing.T) {
	require.NoError(t, DefaultThresholds().Validate())
	assert.ErrorIs(t, Thresholds{Value: d("1.2"), AfterRepair: d("0.8")}.Validate(), ErrInvalidInput)
	assert.ErrorIs(t, Thresholds{Value: d("0.7"), AfterRepair: decimal.Zero}.Validate(), ErrInvalidInput)
}
