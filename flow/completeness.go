// Package flow decides whether a case holds enough data to attempt its next
// gate and which handler should talk to the user. It never writes a case and
// never evaluates a business rule.
package flow

import (
	"dealflow/deal"
	"dealflow/stage"
)

// Completeness lists the fields a case still lacks for its current stage.
type Completeness struct {
	Stage      stage.Stage
	IsComplete bool
	Missing    []string
}

// ValidateCompleteness diffs the stage's required fields against the case.
// Confirmation and justification are per-request inputs that are never stored
// on the case, so stages requiring them always report them missing.
func ValidateCompleteness(c deal.Case) Completeness {
	out := Completeness{Stage: c.Stage, Missing: []string{}}
	def, err := stage.Lookup(c.Stage)
	if err != nil {
		return out
	}

	required := def.Required
	if def.Rule == stage.RuleConfirmation {
		required = append(append([]string{}, required...), stage.FieldConfirmation)
	}
	for _, field := range required {
		if !present(c, field) {
			out.Missing = append(out.Missing, field)
		}
	}
	out.IsComplete = len(out.Missing) == 0
	return out
}

func present(c deal.Case, field string) bool {
	switch field {
	case stage.FieldAskingPrice:
		return c.AskingPrice != nil
	case stage.FieldMarketValue:
		return c.MarketValue != nil
	case stage.FieldARV:
		return c.ARV != nil
	case stage.FieldTitleStatus:
		return c.TitleStatus != nil
	case stage.FieldDefectTags:
		return c.HasInspection()
	default:
		return false
	}
}
