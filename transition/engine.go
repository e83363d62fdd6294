// Package transition is the only writer of a case's stage. Every forward move
// is the result of a rule evaluation followed by a compare-and-set on the
// stage the evaluation was computed from.
package transition

import (
	"context"
	"errors"
	"fmt"

	"dealflow/deal"
	"dealflow/logger"
	"dealflow/rules"
	"dealflow/stage"
	"dealflow/telemetry"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "dealflow/transition"

// DocumentCheck answers whether a case has its required documents on file.
type DocumentCheck interface {
	HasRequiredDocuments(ctx context.Context, caseID string) (bool, error)
}

// DocumentCheckFunc adapts a function to DocumentCheck.
type DocumentCheckFunc func(ctx context.Context, caseID string) (bool, error)

func (f DocumentCheckFunc) HasRequiredDocuments(ctx context.Context, caseID string) (bool, error) {
	return f(ctx, caseID)
}

// Inputs are explicit values supplied with an advance request. Non-nil amounts
// are persisted before evaluation and win over stored values.
type Inputs struct {
	AskingPrice *decimal.Decimal
	MarketValue *decimal.Decimal
	ARV         *decimal.Decimal
	Confirmed   bool
}

func (in Inputs) fields() deal.Fields {
	return deal.Fields{AskingPrice: in.AskingPrice, MarketValue: in.MarketValue, ARV: in.ARV}
}

// RuleResult is the evaluation that justified a stage change.
type RuleResult struct {
	Rule        stage.Rule
	Pass        bool
	Value       *rules.ValueResult
	AfterRepair *rules.AfterRepairResult
	Repair      *rules.RepairBreakdown
	TitleStatus deal.TitleStatus
}

// Outcome is returned by every successful stage change.
type Outcome struct {
	Case   deal.Case
	Result RuleResult
	From   stage.Stage
	To     stage.Stage
}

// Engine evaluates gates and moves cases between stages.
type Engine struct {
	store       deal.Store
	docs        DocumentCheck
	thresholds  rules.Thresholds
	costs       rules.CostTable
	log         *logger.Logger
	tracer      trace.Tracer
	transitions metric.Int64Counter
}

// Option customises an Engine.
type Option func(*Engine)

// WithDocumentCheck sets the oracle consulted at documents_pending. Without it
// every case is treated as fully documented.
func WithDocumentCheck(dc DocumentCheck) Option {
	return func(e *Engine) { e.docs = dc }
}

func WithThresholds(t rules.Thresholds) Option {
	return func(e *Engine) { e.thresholds = t }
}

// WithCostTable replaces the repair price list. An empty table keeps the
// default.
func WithCostTable(t rules.CostTable) Option {
	return func(e *Engine) {
		if len(t) > 0 {
			e.costs = t
		}
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New builds an Engine over store.
func New(store deal.Store, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		docs:       DocumentCheckFunc(func(context.Context, string) (bool, error) { return true, nil }),
		thresholds: rules.DefaultThresholds(),
		costs:      rules.DefaultCostTable(),
		tracer:     telemetry.Tracer(scopeName),
	}
	for _, opt := range opts {
		opt(e)
	}
	var err error
	e.transitions, err = telemetry.Counter(telemetry.Meter(scopeName), "dealflow.transitions",
		"Stage changes written by the transition engine")
	if err != nil {
		e.log.Warn("transition counter unavailable", "error", err)
	}
	return e
}

// AttemptAdvance persists explicit inputs, evaluates the current gate and
// moves the case to the pass or fail successor. A lost compare-and-set re-runs
// the whole evaluation once against the reloaded case.
func (e *Engine) AttemptAdvance(ctx context.Context, caseID string, in Inputs) (Outcome, error) {
	ctx, span := e.start(ctx, "AttemptAdvance", caseID)
	out, err := e.advance(ctx, caseID, in, "")
	e.end(span, out, err)
	return out, err
}

// advance runs AttemptAdvance. A non-empty pin restricts evaluation to that
// stage: if the case has moved on, the attempt counts as a lost race.
func (e *Engine) advance(ctx context.Context, caseID string, in Inputs, pin stage.Stage) (Outcome, error) {
	fields := in.fields()
	if err := deal.ValidateFields(fields); err != nil {
		return Outcome{}, err
	}

	c, err := e.store.Get(ctx, caseID)
	if err != nil {
		return Outcome{}, err
	}
	if !stage.IsGate(c.Stage) {
		return Outcome{}, fmt.Errorf("%w: %s is not a gated stage", stage.ErrIllegalTransition, c.Stage)
	}
	if !fields.Empty() {
		if _, err := e.store.UpdateFields(ctx, caseID, fields); err != nil {
			return Outcome{}, err
		}
	}

	var out Outcome
	err = e.withRetry(ctx, func(attempt int) error {
		current, err := e.store.Get(ctx, caseID)
		if err != nil {
			return err
		}
		if pin != "" && current.Stage != pin {
			return fmt.Errorf("%w: expected %s, found %s", deal.ErrStageConflict, pin, current.Stage)
		}
		if !stage.IsGate(current.Stage) {
			return fmt.Errorf("%w: %s is not a gated stage", stage.ErrIllegalTransition, current.Stage)
		}

		result, err := e.evaluate(ctx, current, in)
		if err != nil {
			return err
		}
		next, err := stage.Successor(current.Stage, result.Pass)
		if err != nil {
			return err
		}
		if err := stage.Validate(current.Stage, next); err != nil {
			return err
		}

		updated, err := e.store.CompareAndSetStage(ctx, caseID, current.Stage, next)
		if err != nil {
			if errors.Is(err, deal.ErrStageConflict) {
				e.log.Debug("stage compare-and-set lost", "case_id", caseID, "expected", current.Stage, "attempt", attempt)
			}
			return err
		}
		out = Outcome{Case: updated, Result: result, From: current.Stage, To: next}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	e.record(ctx, caseID, out.From, out.To, string(out.Result.Rule), out.Result.Pass)
	return out, nil
}

func (e *Engine) evaluate(ctx context.Context, c deal.Case, in Inputs) (RuleResult, error) {
	def, err := stage.Lookup(c.Stage)
	if err != nil {
		return RuleResult{}, err
	}
	res := RuleResult{Rule: def.Rule}

	switch def.Rule {
	case stage.RuleDocuments:
		ok, err := e.docs.HasRequiredDocuments(ctx, c.ID)
		if err != nil {
			return RuleResult{}, fmt.Errorf("transition: document check: %w", err)
		}
		if !ok {
			return RuleResult{}, incomplete(c.Stage, stage.FieldDocuments)
		}
		res.Pass = true

	case stage.RuleValue:
		asking := pick(in.AskingPrice, c.AskingPrice)
		market := pick(in.MarketValue, c.MarketValue)
		if missing := absent(map[string]*decimal.Decimal{
			stage.FieldAskingPrice: asking,
			stage.FieldMarketValue: market,
		}); len(missing) > 0 {
			return RuleResult{}, incomplete(c.Stage, missing...)
		}
		v, err := rules.EvaluateValueRule(*asking, *market, e.thresholds.Value)
		if err != nil {
			return RuleResult{}, err
		}
		res.Value, res.Pass = &v, v.Pass

	case stage.RuleInspection:
		if !c.HasInspection() {
			return RuleResult{}, incomplete(c.Stage, stage.FieldTitleStatus, stage.FieldDefectTags)
		}
		res.TitleStatus = *c.TitleStatus
		res.Pass = *c.TitleStatus == deal.TitleClean

	case stage.RuleAfterRepair:
		asking := pick(in.AskingPrice, c.AskingPrice)
		arv := pick(in.ARV, c.ARV)
		if missing := absent(map[string]*decimal.Decimal{
			stage.FieldAskingPrice: asking,
			stage.FieldARV:         arv,
		}); len(missing) > 0 {
			return RuleResult{}, incomplete(c.Stage, missing...)
		}
		if c.RepairEstimate == nil {
			return RuleResult{}, incomplete(c.Stage, stage.FieldDefectTags)
		}
		v, err := rules.EvaluateAfterRepairRule(*asking, *c.RepairEstimate, *arv, e.thresholds.AfterRepair)
		if err != nil {
			return RuleResult{}, err
		}
		res.AfterRepair, res.Pass = &v, v.Pass

	case stage.RuleConfirmation:
		if !in.Confirmed {
			return RuleResult{}, incomplete(c.Stage, stage.FieldConfirmation)
		}
		res.Pass = true

	default:
		return RuleResult{}, fmt.Errorf("%w: %s has no evaluable rule", stage.ErrIllegalTransition, c.Stage)
	}
	return res, nil
}

// RecordInspection prices the defect list, appends the inspection and
// evaluates the inspection gate in the same call.
func (e *Engine) RecordInspection(ctx context.Context, caseID string, defectTags []string, title deal.TitleStatus) (Outcome, error) {
	ctx, span := e.start(ctx, "RecordInspection", caseID)
	out, err := e.recordInspection(ctx, caseID, defectTags, title)
	e.end(span, out, err)
	return out, err
}

func (e *Engine) recordInspection(ctx context.Context, caseID string, defectTags []string, title deal.TitleStatus) (Outcome, error) {
	if !title.IsValid() {
		return Outcome{}, fmt.Errorf("%w: title_status %q", rules.ErrInvalidInput, title)
	}
	c, err := e.store.Get(ctx, caseID)
	if err != nil {
		return Outcome{}, err
	}
	if c.Stage != stage.Passed70Rule {
		return Outcome{}, fmt.Errorf("%w: inspections are recorded at %s, case is at %s",
			stage.ErrIllegalTransition, stage.Passed70Rule, c.Stage)
	}

	repair := e.costs.AggregateRepairCost(defectTags)
	if _, err := e.store.AppendInspection(ctx, caseID, deal.InspectionRecord{
		DefectTags:     rules.NormalizeTags(defectTags),
		Breakdown:      repair.Breakdown,
		RepairEstimate: repair.Total,
		TitleStatus:    title,
	}); err != nil {
		return Outcome{}, err
	}

	out, err := e.advance(ctx, caseID, Inputs{}, stage.Passed70Rule)
	if err != nil {
		return Outcome{}, err
	}
	out.Result.Repair = &repair
	return out, nil
}

// ForceOverride returns a case from a review stage to the gate it branched
// from. It never moves a case forward past that gate.
func (e *Engine) ForceOverride(ctx context.Context, caseID string, fromReview stage.Stage, justificationRecorded bool) (deal.Case, error) {
	ctx, span := e.start(ctx, "ForceOverride", caseID)
	c, err := e.leaveReview(ctx, caseID, fromReview, justificationRecorded, true)
	e.end(span, Outcome{Case: c}, err)
	return c, err
}

// Reject closes a case under review.
func (e *Engine) Reject(ctx context.Context, caseID string, fromReview stage.Stage, justificationRecorded bool) (deal.Case, error) {
	ctx, span := e.start(ctx, "Reject", caseID)
	c, err := e.leaveReview(ctx, caseID, fromReview, justificationRecorded, false)
	e.end(span, Outcome{Case: c}, err)
	return c, err
}

func (e *Engine) leaveReview(ctx context.Context, caseID string, fromReview stage.Stage, justified, override bool) (deal.Case, error) {
	if !justified {
		return deal.Case{}, ErrJustificationRequired
	}
	def, err := stage.Lookup(fromReview)
	if err != nil {
		return deal.Case{}, err
	}
	if !stage.IsReview(fromReview) {
		return deal.Case{}, fmt.Errorf("%w: %s is not a review stage", stage.ErrIllegalTransition, fromReview)
	}
	target, action := def.OnFail, "reject"
	if override {
		target, action = def.Origin, "override"
	}
	if err := stage.Validate(fromReview, target); err != nil {
		return deal.Case{}, err
	}

	var updated deal.Case
	err = e.withRetry(ctx, func(attempt int) error {
		c, err := e.store.Get(ctx, caseID)
		if err != nil {
			return err
		}
		if c.Stage != fromReview {
			if attempt > 1 {
				return fmt.Errorf("%w: expected %s, found %s", deal.ErrStageConflict, fromReview, c.Stage)
			}
			return fmt.Errorf("%w: case is at %s, not %s", stage.ErrIllegalTransition, c.Stage, fromReview)
		}
		updated, err = e.store.CompareAndSetStage(ctx, caseID, fromReview, target)
		return err
	})
	if err != nil {
		return deal.Case{}, err
	}

	e.record(ctx, caseID, fromReview, target, action, override)
	return updated, nil
}

// withRetry runs op and, if it loses the stage compare-and-set, runs it exactly
// once more. Any other error stops immediately.
func (e *Engine) withRetry(ctx context.Context, op func(attempt int) error) error {
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := op(attempt)
		if err == nil || errors.Is(err, deal.ErrStageConflict) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1), ctx))
	if errors.Is(err, deal.ErrStageConflict) {
		return fmt.Errorf("%w: %v", ErrConcurrentModification, err)
	}
	return err
}

func (e *Engine) record(ctx context.Context, caseID string, from, to stage.Stage, rule string, pass bool) {
	e.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
		attribute.String("rule", rule),
		attribute.Bool("pass", pass),
	))
	e.log.Info("stage changed", "case_id", caseID, "from", from, "to", to, "rule", rule, "pass", pass)
}

func (e *Engine) start(ctx context.Context, op, caseID string) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "transition."+op, trace.WithAttributes(attribute.String("dealflow.case.id", caseID)))
}

func (e *Engine) end(span trace.Span, out Outcome, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if out.To != "" {
		span.SetAttributes(
			attribute.String("dealflow.stage.from", string(out.From)),
			attribute.String("dealflow.stage.to", string(out.To)),
		)
	}
	span.End()
}

func pick(explicit, stored *decimal.Decimal) *decimal.Decimal {
	if explicit != nil {
		return explicit
	}
	return stored
}

func absent(fields map[string]*decimal.Decimal) []string {
	var missing []string
	for _, name := range []string{stage.FieldAskingPrice, stage.FieldMarketValue, stage.FieldARV} {
		if v, ok := fields[name]; ok && v == nil {
			missing = append(missing, name)
		}
	}
	return missing
}
