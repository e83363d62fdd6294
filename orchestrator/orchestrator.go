// Package orchestrator is the single conversational entry point. It picks a
// handler from the intent router (no active case) or from flow guidance
// (active case), follows a bounded number of handler redirects and records
// every invocation in the audit trail.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dealflow/audit"
	"dealflow/deal"
	"dealflow/document"
	"dealflow/flow"
	"dealflow/intent"
	"dealflow/logger"
	"dealflow/review"
	"dealflow/telemetry"
	"dealflow/transition"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// MaxRedirects is the number of handler-to-handler hops one request may take.
const MaxRedirects = 3

// ActiveCaseKey is the Request.Context key holding the active case id.
const ActiveCaseKey = "active_case_id"

// ErrRedirectLoopDetected is returned together with a fallback reply when a
// request exceeds the redirect bound.
var ErrRedirectLoopDetected = errors.New("orchestrator: redirect loop detected")

// ErrUnknownHandler signals a redirect to a name nobody registered.
var ErrUnknownHandler = errors.New("orchestrator: unknown handler")

// Payload carries structured values extracted upstream from the user's turn.
// Nil and zero members mean "not supplied".
type Payload struct {
	AskingPrice   *decimal.Decimal
	MarketValue   *decimal.Decimal
	ARV           *decimal.Decimal
	DefectTags    []string
	TitleStatus   deal.TitleStatus
	Confirmed     bool
	Decision      review.Decision
	Justification string
	Address       string
	TargetCaseID  string
	Documents     []document.Document
	Actor         string
	Page          int
}

// Request is one conversational turn.
type Request struct {
	CaseID  string
	Input   string
	Context map[string]string
	Payload Payload
}

// Outcome is the orchestrator's answer to one turn.
type Outcome struct {
	Reply        Reply
	Redirects    []string
	Audit        []audit.Entry
	ActiveCaseID string
}

// Call is what a handler receives. Case and Guidance are set when a case is
// active; Intent is set when the router picked the handler.
type Call struct {
	Request
	Case     *deal.Case
	Guidance *flow.Guidance
	Intent   *intent.Result
}

// Result is a handler's answer: a reply, or a redirect to another handler.
type Result struct {
	Reply        Reply
	Redirect     string
	ActiveCaseID string
	// ChangeActive applies ActiveCaseID, including clearing it.
	ChangeActive bool
}

// Handler handles one step of a conversation.
type Handler interface {
	Handle(ctx context.Context, call *Call) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, call *Call) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, call *Call) (Result, error) { return f(ctx, call) }

// Orchestrator dispatches requests to handlers.
type Orchestrator struct {
	store        deal.Store
	engine       *transition.Engine
	router       *intent.Router
	reviews      *review.Service
	docs         *document.Service
	sink         audit.Sink
	handlers     map[string]Handler
	maxRedirects int
	now          func() time.Time
	log          *logger.Logger
	tracer       trace.Tracer
	loops        metric.Int64Counter
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

func WithAuditSink(s audit.Sink) Option { return func(o *Orchestrator) { o.sink = s } }

func WithReviews(s *review.Service) Option { return func(o *Orchestrator) { o.reviews = s } }

func WithDocuments(s *document.Service) Option { return func(o *Orchestrator) { o.docs = s } }

func WithLogger(l *logger.Logger) Option { return func(o *Orchestrator) { o.log = l } }

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// WithHandler registers or replaces a handler by name.
func WithHandler(name string, h Handler) Option {
	return func(o *Orchestrator) { o.handlers[name] = h }
}

// New builds an Orchestrator with the built-in handlers registered.
func New(store deal.Store, engine *transition.Engine, router *intent.Router, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:        store,
		engine:       engine,
		router:       router,
		handlers:     make(map[string]Handler),
		maxRedirects: MaxRedirects,
		now:          time.Now,
		tracer:       telemetry.Tracer("dealflow/orchestrator"),
	}
	o.registerBuiltins()
	for _, opt := range opts {
		opt(o)
	}
	var err error
	o.loops, err = telemetry.Counter(telemetry.Meter("dealflow/orchestrator"), "dealflow.redirect_loops",
		"Requests that exceeded the redirect bound")
	if err != nil {
		o.log.Warn("redirect loop counter unavailable", "error", err)
	}
	return o
}

// Handle runs one conversational turn.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (Outcome, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Handle")
	defer span.End()

	out, err := o.handle(ctx, req)
	span.SetAttributes(
		attribute.Int("dealflow.redirects", len(out.Redirects)),
		attribute.String("dealflow.reply.kind", string(out.Reply.Kind)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (o *Orchestrator) handle(ctx context.Context, req Request) (Outcome, error) {
	if req.CaseID == "" {
		req.CaseID = req.Context[ActiveCaseKey]
	}
	out := Outcome{ActiveCaseID: req.CaseID}

	call := &Call{Request: req}
	var target string
	if req.CaseID == "" {
		routed := o.router.Route(ctx, req.Input, req.Context)
		call.Intent = &routed
		target = handlerForIntent(routed)
	} else {
		if err := o.load(ctx, call); err != nil {
			return out, err
		}
		target = string(call.Guidance.RecommendedHandler)
	}

	for hops := 0; ; {
		res, err := o.invoke(ctx, target, call, &out)
		if err != nil {
			var inc *transition.IncompleteError
			if !errors.As(err, &inc) {
				return out, err
			}
			res = Result{Reply: o.needInput(ctx, call, inc)}
		}
		if res.ChangeActive {
			out.ActiveCaseID = res.ActiveCaseID
		}
		if res.Redirect == "" {
			out.Reply = res.Reply
			return out, nil
		}

		if hops >= o.maxRedirects {
			o.loops.Add(ctx, 1, metric.WithAttributes(attribute.String("handler", target)))
			o.log.Warn("redirect loop detected", "case_id", out.ActiveCaseID, "handler", target,
				"redirect", res.Redirect, "chain", out.Redirects)
			out.Reply = fallbackReply()
			return out, fmt.Errorf("%w: %d redirects, last %s -> %s", ErrRedirectLoopDetected, hops+1, target, res.Redirect)
		}
		hops++
		out.Redirects = append(out.Redirects, res.Redirect)
		target = res.Redirect

		next := &Call{Request: call.Request}
		next.Payload = Payload{Actor: call.Payload.Actor}
		next.CaseID = out.ActiveCaseID
		if next.CaseID != "" {
			if err := o.load(ctx, next); err != nil {
				return out, err
			}
		}
		call = next
	}
}

// invoke runs one handler, retrying once when it lost a stage race.
func (o *Orchestrator) invoke(ctx context.Context, name string, call *Call, out *Outcome) (Result, error) {
	h, ok := o.handlers[name]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownHandler, name)
	}

	res, err := o.run(ctx, name, h, call, out)
	if errors.Is(err, transition.ErrConcurrentModification) {
		o.log.Info("retrying handler after concurrent modification", "case_id", call.CaseID, "handler", name)
		if call.CaseID != "" {
			if lerr := o.load(ctx, call); lerr != nil {
				return Result{}, lerr
			}
		}
		res, err = o.run(ctx, name, h, call, out)
	}
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, name string, h Handler, call *Call, out *Outcome) (Result, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.handler."+name)
	res, err := h.Handle(ctx, call)
	if err != nil {
		span.RecordError(err)
	}
	span.End()

	entry := audit.Entry{
		CaseID:    call.CaseID,
		Handler:   name,
		Input:     call.Input,
		Output:    res.Reply.Text,
		Redirect:  res.Redirect,
		Timestamp: o.now().UTC(),
	}
	if err != nil {
		entry.Err = err.Error()
	}
	out.Audit = append(out.Audit, entry)
	if o.sink != nil {
		if serr := o.sink.Append(ctx, entry); serr != nil {
			o.log.Error("audit sink append failed", "handler", name, "case_id", call.CaseID, "error", serr)
		}
	}
	return res, err
}

func (o *Orchestrator) load(ctx context.Context, call *Call) error {
	c, err := o.store.Get(ctx, call.CaseID)
	if err != nil {
		return fmt.Errorf("orchestrator: load case %s: %w", call.CaseID, err)
	}
	g := flow.NextGuidance(c)
	call.Case, call.Guidance = &c, &g
	return nil
}

func handlerForIntent(r intent.Result) string {
	if r.NeedsClarification {
		return HandlerClarify
	}
	switch r.Label {
	case intent.LabelCreateCase:
		return HandlerCreateCase
	case intent.LabelListCases:
		return HandlerListCases
	case intent.LabelDeleteCase:
		return HandlerDeleteCase
	case intent.LabelSwitchCase:
		return HandlerSwitchCase
	default:
		return HandlerClarify
	}
}
