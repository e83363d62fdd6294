package flow

import (
	"fmt"
	"strings"

	"dealflow/deal"
	"dealflow/stage"
)

// Handler names the in-flow conversation handler responsible for a stage.
type Handler string

const (
	HandlerDocuments   Handler = "documents"
	HandlerValuation   Handler = "valuation"
	HandlerInspection  Handler = "inspection"
	HandlerAfterRepair Handler = "after_repair"
	HandlerContract    Handler = "contract"
	HandlerReview      Handler = "review"
	HandlerClosed      Handler = "closed"
)

// Guidance tells the orchestrator what to ask for next and who should ask.
type Guidance struct {
	Stage              stage.Stage
	Missing            []string
	SuggestedPrompt    string
	RecommendedHandler Handler
}

var fieldPrompts = map[string]string{
	stage.FieldAskingPrice:  "the asking price",
	stage.FieldMarketValue:  "the current market value",
	stage.FieldARV:          "the after-repair value (ARV)",
	stage.FieldTitleStatus:  "the title search result",
	stage.FieldDefectTags:   "the inspection defect list",
	stage.FieldConfirmation: "your confirmation to generate the contract",
	stage.FieldJustify:      "a written justification for the reviewer decision",
}

// HandlerFor maps a stage to the handler that owns it.
func HandlerFor(s stage.Stage) Handler {
	switch {
	case stage.IsTerminal(s):
		return HandlerClosed
	case stage.IsReview(s):
		return HandlerReview
	}
	switch s {
	case stage.DocumentsPending:
		return HandlerDocuments
	case stage.Initial:
		return HandlerValuation
	case stage.Passed70Rule:
		return HandlerInspection
	case stage.InspectionDone:
		return HandlerAfterRepair
	case stage.Passed80Rule:
		return HandlerContract
	default:
		return HandlerClosed
	}
}

// NextGuidance derives the next prompt from the case alone.
func NextGuidance(c deal.Case) Guidance {
	comp := ValidateCompleteness(c)
	g := Guidance{
		Stage:              c.Stage,
		Missing:            comp.Missing,
		RecommendedHandler: HandlerFor(c.Stage),
	}

	switch {
	case stage.IsTerminal(c.Stage):
		g.SuggestedPrompt = fmt.Sprintf("This case is closed (%s).", stage.Status(c.Stage))
	case c.Stage == stage.DocumentsPending:
		g.SuggestedPrompt = "Please upload the required property documents so we can open the valuation."
	case comp.IsComplete:
		g.SuggestedPrompt = fmt.Sprintf("Everything needed for %q is on file. Say when you want me to evaluate it.", stage.Status(c.Stage))
	default:
		asks := make([]string, 0, len(comp.Missing))
		for _, field := range comp.Missing {
			if p, ok := fieldPrompts[field]; ok {
				asks = append(asks, p)
			} else {
				asks = append(asks, field)
			}
		}
		g.SuggestedPrompt = "Please provide " + joinList(asks) + "."
	}
	return g
}

func joinList(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return items[0] + " and " + items[1]
	default:
		return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
	}
}
