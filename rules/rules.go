// Package rules holds the qualification math for acquisition cases. Every
// function here is pure: no I/O, no clocks, no package state.
package rules

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidInput signals a negative amount or a zero valuation base.
var ErrInvalidInput = errors.New("rules: invalid input")

var (
	// DefaultValueThreshold caps the asking price at 70% of market value.
	DefaultValueThreshold = decimal.RequireFromString("0.70")
	// DefaultAfterRepairThreshold caps price plus repairs at 80% of ARV.
	DefaultAfterRepairThreshold = decimal.RequireFromString("0.80")
)

// centPlaces is the precision every derived amount is rounded to before it is
// compared, so a reported limit is always the limit that was applied.
const centPlaces = 2

// ValueResult is the outcome of the percentage-of-value rule.
type ValueResult struct {
	AskingPrice decimal.Decimal
	MarketValue decimal.Decimal
	Threshold   decimal.Decimal
	MaxAllowed  decimal.Decimal
	Pass        bool
}

// AfterRepairResult is the outcome of the percentage-of-ARV rule.
type AfterRepairResult struct {
	AskingPrice     decimal.Decimal
	RepairEstimate  decimal.Decimal
	ARV             decimal.Decimal
	Threshold       decimal.Decimal
	TotalInvestment decimal.Decimal
	MaxInvestment   decimal.Decimal
	Pass            bool
}

// Thresholds groups the two rule percentages so callers can configure them once.
type Thresholds struct {
	Value       decimal.Decimal
	AfterRepair decimal.Decimal
}

// DefaultThresholds returns the 70/80 pair.
func DefaultThresholds() Thresholds {
	return Thresholds{Value: DefaultValueThreshold, AfterRepair: DefaultAfterRepairThreshold}
}

// Validate rejects thresholds outside (0, 1].
func (t Thresholds) Validate() error {
	for name, v := range map[string]decimal.Decimal{"value": t.Value, "after_repair": t.AfterRepair} {
		if !v.IsPositive() || v.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("%w: %s threshold %s outside (0, 1]", ErrInvalidInput, name, v)
		}
	}
	return nil
}

// EvaluateValueRule checks askingPrice <= marketValue * threshold.
func EvaluateValueRule(askingPrice, marketValue, threshold decimal.Decimal) (ValueResult, error) {
	if askingPrice.IsNegative() {
		return ValueResult{}, fmt.Errorf("%w: asking_price is negative", ErrInvalidInput)
	}
	if marketValue.IsNegative() || marketValue.IsZero() {
		return ValueResult{}, fmt.Errorf("%w: market_value must be positive", ErrInvalidInput)
	}
	if !threshold.IsPositive() {
		return ValueResult{}, fmt.Errorf("%w: threshold must be positive", ErrInvalidInput)
	}

	maxAllowed := marketValue.Mul(threshold).RoundBank(centPlaces)
	return ValueResult{
		AskingPrice: askingPrice,
		MarketValue: marketValue,
		Threshold:   threshold,
		MaxAllowed:  maxAllowed,
		Pass:        askingPrice.LessThanOrEqual(maxAllowed),
	}, nil
}

// EvaluateAfterRepairRule checks askingPrice + repairEstimate <= arv * threshold.
func EvaluateAfterRepairRule(askingPrice, repairEstimate, arv, threshold decimal.Decimal) (AfterRepairResult, error) {
	if askingPrice.IsNegative() {
		return AfterRepairResult{}, fmt.Errorf("%w: asking_price is negative", ErrInvalidInput)
	}
	if repairEstimate.IsNegative() {
		return AfterRepairResult{}, fmt.Errorf("%w: repair_estimate is negative", ErrInvalidInput)
	}
	if arv.IsNegative() || arv.IsZero() {
		return AfterRepairResult{}, fmt.Errorf("%w: arv must be positive", ErrInvalidInput)
	}
	if !threshold.IsPositive() {
		return AfterRepairResult{}, fmt.Errorf("%w: threshold must be positive", ErrInvalidInput)
	}

	total := askingPrice.Add(repairEstimate)
	maxInvestment := arv.Mul(threshold).RoundBank(centPlaces)
	return AfterRepairResult{
		AskingPrice:     askingPrice,
		RepairEstimate:  repairEstimate,
		ARV:             arv,
		Threshold:       threshold,
		TotalInvestment: total,
		MaxInvestment:   maxInvestment,
		Pass:            total.LessThanOrEqual(maxInvestment),
	}, nil
}

// ValidateAmount reports ErrInvalidInput for a negative amount. A nil amount is
// treated as absent and accepted.
func ValidateAmount(field string, v *decimal.Decimal) error {
	if v != nil && v.IsNegative() {
		return fmt.Errorf("%w: %s is negative", ErrInvalidInput, field)
	}
	return nil
}

// ValidateBase is ValidateAmount for a value a threshold is applied to, such
// as market value or ARV, where zero is also invalid.
func ValidateBase(field string, v *decimal.Decimal) error {
	if v != nil && !v.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidInput, field)
	}
	return nil
}
