package flow

import (
	"testing"

	"dealflow/deal"
	"dealflow/stage"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func amount(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

func inspected(c deal.Case) deal.Case {
	title := deal.TitleClean
	c.RepairEstimate = amount(5500)
	c.TitleStatus = &title
	return c
}

func TestValidateCompleteness(t *testing.T) {
	cases := []struct {
		name    string
		c       deal.Case
		missing []string
	}{
		{"documents pending has no field requirements", deal.Case{Stage: stage.DocumentsPending}, []string{}},
		{"initial without numbers", deal.Case{Stage: stage.Initial}, []string{stage.FieldAskingPrice, stage.FieldMarketValue}},
		{"initial half filled", deal.Case{Stage: stage.Initial, AskingPrice: amount(30000)}, []string{stage.FieldMarketValue}},
		{"initial complete", deal.Case{Stage: stage.Initial, AskingPrice: amount(30000), MarketValue: amount(50000)}, []string{}},
		{"passed 70 awaiting inspection", deal.Case{Stage: stage.Passed70Rule}, []string{stage.FieldTitleStatus, stage.FieldDefectTags}},
		{"passed 70 inspected", inspected(deal.Case{Stage: stage.Passed70Rule}), []string{}},
		{"inspection done needs arv", inspected(deal.Case{Stage: stage.InspectionDone}), []string{stage.FieldARV}},
		{"passed 80 always asks for confirmation", deal.Case{Stage: stage.Passed80Rule}, []string{stage.FieldConfirmation}},
		{"review needs justification", deal.Case{Stage: stage.ReviewRequired80}, []string{stage.FieldJustify}},
		{"terminal has nothing missing", deal.Case{Stage: stage.ContractGenerated}, []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ValidateCompleteness(tc.c)
			assert.Equal(t, tc.missing, got.Missing)
			assert.Equal(t, len(tc.missing) == 0, got.IsComplete)
		})
	}
}

func TestValidateCompletenessDoesNotMutate(t *testing.T) {
	c := deal.Case{Stage: stage.Passed80Rule}
	before := c.Clone()
	ValidateCompleteness(c)
	NextGuidance(c)
	DetectCompletionSignal("done", c)
	assert.Equal(t, before, c)
}

func TestDetectCompletionSignal(t *testing.T) {
	initial := deal.Case{Stage: stage.Initial}
	cases := []struct {
		text     string
		c        deal.Case
		signaled bool
	}{
		{"done", initial, true},
		{"OK I think we're all done here!", initial, true},
		{"That’s all I have", initial, true},
		{"finsihed with the numbers", initial, true},
		{"Dóne.", initial, true},
		{"good to go", initial, true},
		{"I'm not done", initial, false},
		{"haven't finished yet", initial, false},
		{"not yet", initial, false},
		{"what's next?", initial, false},
		{"the roof looks bad", initial, false},
		{"", initial, false},
		{"uploaded the deed", deal.Case{Stage: stage.DocumentsPending}, true},
		{"uploaded the deed", initial, false},
		{"yes", deal.Case{Stage: stage.Passed80Rule}, true},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			got := DetectCompletionSignal(tc.text, tc.c)
			assert.Equal(t, tc.signaled, got.Signaled, "confidence=%.2f cue=%q", got.Confidence, got.Cue)
			assert.GreaterOrEqual(t, got.Confidence, 0.0)
			assert.LessOrEqual(t, got.Confidence, 1.0)
		})
	}
}

func TestDetectCompletionSignalCompleteCaseScoresHigher(t *testing.T) {
	empty := deal.Case{Stage: stage.Initial}
	full := deal.Case{Stage: stage.Initial, AskingPrice: amount(1), MarketValue: amount(2)}

	a := DetectCompletionSignal("ready", empty)
	b := DetectCompletionSignal("ready", full)
	require.True(t, a.Signaled)
	assert.Greater(t, b.Confidence, a.Confidence)
}

func TestNextGuidance(t *testing.T) {
	g := NextGuidance(deal.Case{Stage: stage.Initial})
	assert.Equal(t, HandlerValuation, g.RecommendedHandler)
	assert.Equal(t, "Please provide the asking price and the current market value.", g.SuggestedPrompt)

	g = NextGuidance(inspected(deal.Case{Stage: stage.InspectionDone}))
	assert.Equal(t, HandlerAfterRepair, g.RecommendedHandler)
	assert.Equal(t, []string{stage.FieldARV}, g.Missing)

	g = NextGuidance(deal.Case{Stage: stage.ReviewRequiredTitle})
	assert.Equal(t, HandlerReview, g.RecommendedHandler)

	g = NextGuidance(deal.Case{Stage: stage.Rejected})
	assert.Equal(t, HandlerClosed, g.RecommendedHandler)
	assert.Empty(t, g.Missing)
}

func TestHandlerForCoversEveryStage(t *testing.T) {
	for _, s := range stage.All() {
		assert.NotEmpty(t, HandlerFor(s), "stage %s", s)
	}
}

func TestEditDistance(t *testing.T) {
	assert.Equal(t, 0, editDistance("done", "done"))
	assert.Equal(t, 1, editDistance("finsihed", "finished"))
	assert.Equal(t, 1, editDistance("complted", "completed"))
	assert.Equal(t, 2, editDistance("abc", "abcde"))
}
