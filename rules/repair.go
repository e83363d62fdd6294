package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// OtherTag is the cost-table key charged for any tag the table does not know.
const OtherTag = "other"

// CostTable maps a normalised defect tag to its fixed repair cost.
type CostTable map[string]decimal.Decimal

// DefaultCostTable returns the built-in defect price list.
func DefaultCostTable() CostTable {
	return CostTable{
		"roof":       decimal.NewFromInt(3000),
		"hvac":       decimal.NewFromInt(2500),
		"foundation": decimal.NewFromInt(7500),
		"plumbing":   decimal.NewFromInt(1800),
		"electrical": decimal.NewFromInt(2200),
		"windows":    decimal.NewFromInt(1500),
		"flooring":   decimal.NewFromInt(1200),
		"paint":      decimal.NewFromInt(800),
		"mold":       decimal.NewFromInt(2000),
		OtherTag:     decimal.NewFromInt(1000),
	}
}

// Validate requires an "other" entry and non-negative costs keyed by
// normalised tags.
func (t CostTable) Validate() error {
	if _, ok := t[OtherTag]; !ok {
		return fmt.Errorf("%w: cost table has no %q entry", ErrInvalidInput, OtherTag)
	}
	for tag, cost := range t {
		if tag == "" || tag != strings.ToLower(strings.TrimSpace(tag)) {
			return fmt.Errorf("%w: cost table tag %q is not normalised", ErrInvalidInput, tag)
		}
		if cost.IsNegative() {
			return fmt.Errorf("%w: cost of %s is negative", ErrInvalidInput, tag)
		}
	}
	return nil
}

// RepairBreakdown is the aggregated cost of a set of defects.
type RepairBreakdown struct {
	Total     decimal.Decimal
	Breakdown map[string]decimal.Decimal
}

// Tags returns the breakdown keys in sorted order.
func (b RepairBreakdown) Tags() []string {
	out := make([]string, 0, len(b.Breakdown))
	for tag := range b.Breakdown {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// NormalizeTags trims, lower-cases, drops empties and de-duplicates tags,
// keeping the first occurrence of each in submission order.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, raw := range tags {
		tag := strings.ToLower(strings.TrimSpace(raw))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// AggregateRepairCost prices each defect tag from the table. Unknown tags are
// charged at the table's "other" rate; the call never fails.
func (t CostTable) AggregateRepairCost(tags []string) RepairBreakdown {
	other := t[OtherTag]
	breakdown := make(map[string]decimal.Decimal, len(tags))
	total := decimal.Zero
	for _, tag := range NormalizeTags(tags) {
		cost, ok := t[tag]
		if !ok {
			cost = other
		}
		breakdown[tag] = cost
		total = total.Add(cost)
	}
	return RepairBreakdown{Total: total, Breakdown: breakdown}
}

// AggregateRepairCost prices tags against DefaultCostTable.
func AggregateRepairCost(tags []string) RepairBreakdown {
	return DefaultCostTable().AggregateRepairCost(tags)
}
