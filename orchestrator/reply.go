package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"dealflow/deal"
	"dealflow/flow"
	"dealflow/stage"
	"dealflow/transition"
)

// ReplyKind tells the presentation layer how to render a Reply.
type ReplyKind string

const (
	ReplyMessage      ReplyKind = "message"
	ReplyNeedInput    ReplyKind = "need_input"
	ReplyClarify      ReplyKind = "clarify"
	ReplyCaseCreated  ReplyKind = "case_created"
	ReplyCaseList     ReplyKind = "case_list"
	ReplyCaseDeleted  ReplyKind = "case_deleted"
	ReplyCaseSwitched ReplyKind = "case_switched"
	ReplyAdvanced     ReplyKind = "advanced"
	ReplyReviewed     ReplyKind = "reviewed"
	ReplyClosed       ReplyKind = "closed"
	ReplyFallback     ReplyKind = "fallback"
)

// Reply is structured material for the response composer. Text is a plain
// default rendering.
type Reply struct {
	Kind       ReplyKind
	Text       string
	Case       *deal.Case
	Cases      []deal.Case
	Total      int
	Missing    []string
	Guidance   *flow.Guidance
	Transition *transition.Outcome
}

const fallbackText = "Sorry, I lost track of what to do next. Could you say that another way?"

func fallbackReply() Reply {
	return Reply{Kind: ReplyFallback, Text: fallbackText}
}

// needInput turns a missing-data error into a prompt built from the case as
// it is now, since the handler may have persisted part of the input.
func (o *Orchestrator) needInput(ctx context.Context, call *Call, inc *transition.IncompleteError) Reply {
	r := Reply{Kind: ReplyNeedInput, Missing: inc.Missing}
	if call.CaseID != "" {
		if c, err := o.store.Get(ctx, call.CaseID); err == nil {
			g := flow.NextGuidance(c)
			r.Case, r.Guidance = &c, &g
			if c.Stage == inc.Stage && len(g.Missing) > 0 {
				r.Text = g.SuggestedPrompt
				return r
			}
		}
	}
	r.Text = "Please provide " + strings.Join(inc.Missing, ", ") + "."
	return r
}

func describeTransition(out transition.Outcome) string {
	res := out.Result
	var b strings.Builder
	switch {
	case res.Value != nil:
		v := res.Value
		if v.Pass {
			fmt.Fprintf(&b, "Asking price %s is within %s%% of market value (limit %s).",
				v.AskingPrice.StringFixed(2), v.Threshold.Shift(2).String(), v.MaxAllowed.StringFixed(2))
		} else {
			fmt.Fprintf(&b, "Asking price %s exceeds %s%% of market value (limit %s).",
				v.AskingPrice.StringFixed(2), v.Threshold.Shift(2).String(), v.MaxAllowed.StringFixed(2))
		}
	case res.AfterRepair != nil:
		a := res.AfterRepair
		verb := "is within"
		if !a.Pass {
			verb = "exceeds"
		}
		fmt.Fprintf(&b, "Total investment %s %s %s%% of ARV (limit %s).",
			a.TotalInvestment.StringFixed(2), verb, a.Threshold.Shift(2).String(), a.MaxInvestment.StringFixed(2))
	case res.Repair != nil:
		fmt.Fprintf(&b, "Inspection recorded: estimated repairs %s, title %s.", res.Repair.Total.StringFixed(2), res.TitleStatus)
	}
	if b.Len() > 0 {
		b.WriteString(" ")
	}
	fmt.Fprintf(&b, "Case is now: %s.", stage.Status(out.To))
	return b.String()
}

func advancedReply(out transition.Outcome) Reply {
	g := flow.NextGuidance(out.Case)
	c := out.Case
	return Reply{
		Kind:       ReplyAdvanced,
		Text:       describeTransition(out),
		Case:       &c,
		Guidance:   &g,
		Transition: &out,
	}
}
