package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"dealflow/deal"
	"dealflow/flow"
	"dealflow/review"
	"dealflow/stage"
	"dealflow/transition"
)

// Global handlers, picked by the intent router.
const (
	HandlerCreateCase = "create_case"
	HandlerListCases  = "list_cases"
	HandlerDeleteCase = "delete_case"
	HandlerSwitchCase = "switch_case"
	HandlerClarify    = "clarify"
)

func (o *Orchestrator) registerBuiltins() {
	o.handlers[HandlerCreateCase] = HandlerFunc(o.createCase)
	o.handlers[HandlerListCases] = HandlerFunc(o.listCases)
	o.handlers[HandlerDeleteCase] = HandlerFunc(o.deleteCase)
	o.handlers[HandlerSwitchCase] = HandlerFunc(o.switchCase)
	o.handlers[HandlerClarify] = HandlerFunc(clarify)

	o.handlers[string(flow.HandlerDocuments)] = o.inFlow(flow.HandlerDocuments, o.documents)
	o.handlers[string(flow.HandlerValuation)] = o.inFlow(flow.HandlerValuation, o.valuation)
	o.handlers[string(flow.HandlerInspection)] = o.inFlow(flow.HandlerInspection, o.inspection)
	o.handlers[string(flow.HandlerAfterRepair)] = o.inFlow(flow.HandlerAfterRepair, o.afterRepair)
	o.handlers[string(flow.HandlerContract)] = o.inFlow(flow.HandlerContract, o.contract)
	o.handlers[string(flow.HandlerReview)] = o.inFlow(flow.HandlerReview, o.reviewCase)
	o.handlers[string(flow.HandlerClosed)] = o.inFlow(flow.HandlerClosed, closed)
}

// inFlow guards a stage handler: without an active case it asks the user to
// pick one, and when the case has moved on it redirects to the owner of the
// current stage.
func (o *Orchestrator) inFlow(self flow.Handler, fn HandlerFunc) Handler {
	return HandlerFunc(func(ctx context.Context, call *Call) (Result, error) {
		if call.Case == nil {
			return Result{Redirect: HandlerClarify}, nil
		}
		if owner := flow.HandlerFor(call.Case.Stage); owner != self {
			return Result{Redirect: string(owner)}, nil
		}
		return fn(ctx, call)
	})
}

func actor(call *Call) string {
	if call.Payload.Actor != "" {
		return call.Payload.Actor
	}
	return call.Context["user_id"]
}

func (o *Orchestrator) createCase(ctx context.Context, call *Call) (Result, error) {
	c, err := o.store.Create(ctx, deal.CreateParams{
		Address:   strings.TrimSpace(call.Payload.Address),
		CreatedBy: actor(call),
	})
	if err != nil {
		return Result{}, err
	}
	return Result{
		Reply:        Reply{Kind: ReplyCaseCreated, Text: "Opened a new case.", Case: &c},
		Redirect:     string(flow.HandlerFor(c.Stage)),
		ActiveCaseID: c.ID,
		ChangeActive: true,
	}, nil
}

func (o *Orchestrator) listCases(ctx context.Context, call *Call) (Result, error) {
	cases, total, err := o.store.List(ctx, deal.ListFilters{CreatedBy: actor(call), Page: call.Payload.Page})
	if err != nil {
		return Result{}, err
	}
	text := fmt.Sprintf("You have %d case(s).", total)
	if total == 0 {
		text = "You have no cases yet. Say \"new deal\" to open one."
	}
	return Result{Reply: Reply{Kind: ReplyCaseList, Text: text, Cases: cases, Total: total}}, nil
}

func targetCase(call *Call) string {
	if call.Payload.TargetCaseID != "" {
		return call.Payload.TargetCaseID
	}
	if call.Intent != nil {
		return call.Intent.CaseRef
	}
	return ""
}

func (o *Orchestrator) deleteCase(ctx context.Context, call *Call) (Result, error) {
	id := targetCase(call)
	if id == "" {
		return Result{Reply: Reply{Kind: ReplyNeedInput, Text: "Which case should I delete?", Missing: []string{"case_id"}}}, nil
	}
	if err := o.store.Delete(ctx, id); err != nil {
		return Result{}, err
	}
	res := Result{Reply: Reply{Kind: ReplyCaseDeleted, Text: "Case deleted."}}
	if call.Context[ActiveCaseKey] == id {
		res.ChangeActive = true
	}
	return res, nil
}

func (o *Orchestrator) switchCase(ctx context.Context, call *Call) (Result, error) {
	id := targetCase(call)
	if id == "" {
		return Result{Reply: Reply{Kind: ReplyNeedInput, Text: "Which case do you want to work on?", Missing: []string{"case_id"}}}, nil
	}
	c, err := o.store.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Reply:        Reply{Kind: ReplyCaseSwitched, Text: "Switched case.", Case: &c},
		Redirect:     string(flow.HandlerFor(c.Stage)),
		ActiveCaseID: c.ID,
		ChangeActive: true,
	}, nil
}

func clarify(_ context.Context, call *Call) (Result, error) {
	text := "I can open a new deal, list your deals, switch to one, or delete one. What would you like to do?"
	if call.Case != nil {
		text = "I'm not sure what to do with that. " + call.Guidance.SuggestedPrompt
	}
	return Result{Reply: Reply{Kind: ReplyClarify, Text: text, Guidance: call.Guidance}}, nil
}

func (o *Orchestrator) documents(ctx context.Context, call *Call) (Result, error) {
	if o.docs != nil {
		for _, d := range call.Payload.Documents {
			d.CaseID = call.Case.ID
			if d.UploadedBy == "" {
				d.UploadedBy = actor(call)
			}
			if _, err := o.docs.Attach(ctx, d); err != nil {
				return Result{}, err
			}
		}
	}
	out, err := o.engine.AttemptAdvance(ctx, call.Case.ID, transition.Inputs{})
	if err != nil {
		return Result{}, err
	}
	return Result{Reply: advancedReply(out), Redirect: string(flow.HandlerFor(out.To))}, nil
}

func (o *Orchestrator) valuation(ctx context.Context, call *Call) (Result, error) {
	p := call.Payload
	out, err := o.engine.AttemptAdvance(ctx, call.Case.ID, transition.Inputs{AskingPrice: p.AskingPrice, MarketValue: p.MarketValue})
	if err != nil {
		return Result{}, err
	}
	return Result{Reply: advancedReply(out)}, nil
}

func (o *Orchestrator) inspection(ctx context.Context, call *Call) (Result, error) {
	p := call.Payload
	var missing []string
	if p.TitleStatus == "" {
		missing = append(missing, stage.FieldTitleStatus)
	}
	if p.DefectTags == nil {
		missing = append(missing, stage.FieldDefectTags)
	}
	if len(missing) > 0 {
		return Result{}, &transition.IncompleteError{Stage: call.Case.Stage, Missing: missing}
	}
	out, err := o.engine.RecordInspection(ctx, call.Case.ID, p.DefectTags, p.TitleStatus)
	if err != nil {
		return Result{}, err
	}
	return Result{Reply: advancedReply(out)}, nil
}

func (o *Orchestrator) afterRepair(ctx context.Context, call *Call) (Result, error) {
	out, err := o.engine.AttemptAdvance(ctx, call.Case.ID, transition.Inputs{
		AskingPrice: call.Payload.AskingPrice,
		ARV:         call.Payload.ARV,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Reply: advancedReply(out)}, nil
}

func (o *Orchestrator) contract(ctx context.Context, call *Call) (Result, error) {
	confirmed := call.Payload.Confirmed
	if !confirmed && call.Input != "" {
		confirmed = flow.DetectCompletionSignal(call.Input, *call.Case).Signaled
	}
	out, err := o.engine.AttemptAdvance(ctx, call.Case.ID, transition.Inputs{Confirmed: confirmed})
	if err != nil {
		return Result{}, err
	}
	return Result{Reply: advancedReply(out)}, nil
}

func (o *Orchestrator) reviewCase(ctx context.Context, call *Call) (Result, error) {
	p := call.Payload
	from := call.Case.Stage
	if p.Decision == "" {
		return Result{Reply: Reply{
			Kind:     ReplyNeedInput,
			Text:     fmt.Sprintf("%s. A reviewer can override or reject with a written justification.", stage.Status(from)),
			Missing:  []string{stage.FieldJustify},
			Case:     call.Case,
			Guidance: call.Guidance,
		}}, nil
	}

	var (
		c   deal.Case
		err error
	)
	switch {
	case p.Decision != review.DecisionOverride && p.Decision != review.DecisionReject:
		return Result{}, fmt.Errorf("orchestrator: %w", review.ErrBadOutcome)
	case o.reviews != nil && p.Decision == review.DecisionOverride:
		c, _, err = o.reviews.Override(ctx, call.Case.ID, from, p.Justification, actor(call))
	case o.reviews != nil:
		c, _, err = o.reviews.Reject(ctx, call.Case.ID, from, p.Justification, actor(call))
	case p.Decision == review.DecisionOverride:
		c, err = o.engine.ForceOverride(ctx, call.Case.ID, from, strings.TrimSpace(p.Justification) != "")
	default:
		c, err = o.engine.Reject(ctx, call.Case.ID, from, strings.TrimSpace(p.Justification) != "")
	}
	if err != nil {
		return Result{}, err
	}
	g := flow.NextGuidance(c)
	text := fmt.Sprintf("Review %s recorded. Case is now: %s.", p.Decision, stage.Status(c.Stage))
	return Result{Reply: Reply{Kind: ReplyReviewed, Text: text, Case: &c, Guidance: &g}}, nil
}

func closed(_ context.Context, call *Call) (Result, error) {
	return Result{Reply: Reply{Kind: ReplyClosed, Text: call.Guidance.SuggestedPrompt, Case: call.Case, Guidance: call.Guidance}}, nil
}
