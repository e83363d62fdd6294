// Package stage is the static workflow graph for acquisition cases: the stage
// enumeration, the fields each stage needs, and the only legal edges.
package stage

import (
	"errors"
	"fmt"
)

// Stage is the authoritative progress marker of a case.
type Stage string

const (
	DocumentsPending    Stage = "documents_pending"
	Initial             Stage = "initial"
	Passed70Rule        Stage = "passed_70_rule"
	InspectionDone      Stage = "inspection_done"
	Passed80Rule        Stage = "passed_80_rule"
	ContractGenerated   Stage = "contract_generated"
	Rejected            Stage = "rejected"
	ReviewRequired      Stage = "review_required"
	ReviewRequiredTitle Stage = "review_required_title"
	ReviewRequired80    Stage = "review_required_80"
)

// Field names used in required-field sets and missing-field reports.
const (
	FieldAskingPrice  = "asking_price"
	FieldMarketValue  = "market_value"
	FieldARV          = "arv"
	FieldTitleStatus  = "title_status"
	FieldDefectTags   = "defect_tags"
	FieldDocuments    = "documents"
	FieldConfirmation = "confirmation"
	FieldJustify      = "justification"
)

// Rule names the evaluation that guards a gate.
type Rule string

const (
	RuleDocuments    Rule = "documents"
	RuleValue        Rule = "value_rule"
	RuleInspection   Rule = "inspection"
	RuleAfterRepair  Rule = "after_repair_rule"
	RuleConfirmation Rule = "confirmation"
	RuleReview       Rule = "review"
)

// ErrIllegalTransition signals an edge that is not in the registry.
var ErrIllegalTransition = errors.New("stage: illegal transition")

// ErrUnknownStage signals a stage value that is not part of the enumeration.
var ErrUnknownStage = errors.New("stage: unknown stage")

// Definition describes one node of the workflow graph.
type Definition struct {
	Stage    Stage
	Status   string
	Required []string
	Rule     Rule
	// OnPass is the successor when Rule passes; empty for terminal stages.
	OnPass Stage
	// OnFail is the review branch taken when Rule fails; empty when the gate
	// has no failure edge.
	OnFail Stage
	// Origin is set on review stages: the gate the case branched from.
	Origin Stage
}

// Gated reports whether leaving this stage requires a rule evaluation.
func (d Definition) Gated() bool {
	return d.Rule != "" && d.Rule != RuleReview && d.OnPass != ""
}

var definitions = map[Stage]Definition{
	DocumentsPending: {
		Stage:    DocumentsPending,
		Status:   "Awaiting documents",
		Required: nil,
		Rule:     RuleDocuments,
		OnPass:   Initial,
	},
	Initial: {
		Stage:    Initial,
		Status:   "Collecting price and valuation",
		Required: []string{FieldAskingPrice, FieldMarketValue},
		Rule:     RuleValue,
		OnPass:   Passed70Rule,
		OnFail:   ReviewRequired,
	},
	Passed70Rule: {
		Stage:    Passed70Rule,
		Status:   "Passed 70% rule, awaiting inspection",
		Required: []string{FieldTitleStatus, FieldDefectTags},
		Rule:     RuleInspection,
		OnPass:   InspectionDone,
		OnFail:   ReviewRequiredTitle,
	},
	InspectionDone: {
		Stage:    InspectionDone,
		Status:   "Inspection complete, awaiting ARV",
		Required: []string{FieldARV},
		Rule:     RuleAfterRepair,
		OnPass:   Passed80Rule,
		OnFail:   ReviewRequired80,
	},
	Passed80Rule: {
		Stage:    Passed80Rule,
		Status:   "Passed 80% rule, awaiting confirmation",
		Required: nil,
		Rule:     RuleConfirmation,
		OnPass:   ContractGenerated,
	},
	ContractGenerated: {
		Stage:  ContractGenerated,
		Status: "Contract generated",
	},
	Rejected: {
		Stage:  Rejected,
		Status: "Rejected",
	},
	ReviewRequired: {
		Stage:    ReviewRequired,
		Status:   "Under review: price exceeds 70% of market value",
		Required: []string{FieldJustify},
		Rule:     RuleReview,
		OnFail:   Rejected,
		Origin:   Initial,
	},
	ReviewRequiredTitle: {
		Stage:    ReviewRequiredTitle,
		Status:   "Under review: title is not clean",
		Required: []string{FieldJustify},
		Rule:     RuleReview,
		OnFail:   Rejected,
		Origin:   Passed70Rule,
	},
	ReviewRequired80: {
		Stage:    ReviewRequired80,
		Status:   "Under review: investment exceeds 80% of ARV",
		Required: []string{FieldJustify},
		Rule:     RuleReview,
		OnFail:   Rejected,
		Origin:   InspectionDone,
	},
}

// order is the canonical forward sequence, used for listings and progress.
var order = []Stage{
	DocumentsPending,
	Initial,
	Passed70Rule,
	InspectionDone,
	Passed80Rule,
	ContractGenerated,
}

// All returns every stage, forward sequence first, then review and rejected.
func All() []Stage {
	out := append([]Stage{}, order...)
	return append(out, ReviewRequired, ReviewRequiredTitle, ReviewRequired80, Rejected)
}

// Parse converts a raw string into a Stage.
func Parse(raw string) (Stage, error) {
	s := Stage(raw)
	if _, ok := definitions[s]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownStage, raw)
	}
	return s, nil
}

// Lookup returns the definition for s.
func Lookup(s Stage) (Definition, error) {
	def, ok := definitions[s]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownStage, string(s))
	}
	return def, nil
}

// Status returns the human-readable label derived from s.
func Status(s Stage) string {
	if def, ok := definitions[s]; ok {
		return def.Status
	}
	return string(s)
}

// IsTerminal reports whether no transition may leave s.
func IsTerminal(s Stage) bool {
	return s == ContractGenerated || s == Rejected
}

// IsReview reports whether s is a human-review holding stage.
func IsReview(s Stage) bool {
	return definitions[s].Rule == RuleReview
}

// IsGate reports whether leaving s requires a rule evaluation.
func IsGate(s Stage) bool {
	def, ok := definitions[s]
	return ok && def.Gated()
}

// Origin returns the gate a review stage branched from.
func Origin(review Stage) (Stage, bool) {
	def, ok := definitions[review]
	if !ok || def.Rule != RuleReview {
		return "", false
	}
	return def.Origin, true
}

// Successor returns the stage a gate leads to for the given rule outcome.
func Successor(from Stage, pass bool) (Stage, error) {
	def, err := Lookup(from)
	if err != nil {
		return "", err
	}
	if !def.Gated() {
		return "", fmt.Errorf("%w: %s is not a gated stage", ErrIllegalTransition, from)
	}
	if pass {
		return def.OnPass, nil
	}
	if def.OnFail == "" {
		return "", fmt.Errorf("%w: %s has no failure branch", ErrIllegalTransition, from)
	}
	return def.OnFail, nil
}

// Validate returns ErrIllegalTransition unless from -> to is an edge of the graph.
func Validate(from, to Stage) error {
	def, err := Lookup(from)
	if err != nil {
		return err
	}
	if _, err := Lookup(to); err != nil {
		return err
	}
	if IsTerminal(from) {
		return fmt.Errorf("%w: %s is terminal", ErrIllegalTransition, from)
	}
	if to == def.OnPass || to == def.OnFail || to == def.Origin {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}
