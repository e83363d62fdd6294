// Package intent classifies free-text input into one of the global case
// operations. It is only consulted while no case is active; in-flow routing
// belongs to the flow package.
package intent

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"dealflow/logger"
	"dealflow/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Label is the operation category an input was mapped to.
type Label string

const (
	LabelCreateCase Label = "create_case"
	LabelListCases  Label = "list_cases"
	LabelDeleteCase Label = "delete_case"
	LabelSwitchCase Label = "switch_case"
	LabelNone       Label = "none"
)

const (
	// Threshold is the Tier 1 confidence below which Tier 2 is consulted.
	Threshold = 0.70
	// DefaultTimeout bounds a Tier 2 call.
	DefaultTimeout = 3 * time.Second

	strongConfidence = 0.95
	weakConfidence   = 0.5
)

// ErrUnknownLabel signals a classifier answer outside the label set.
var ErrUnknownLabel = errors.New("intent: unknown label")

// ParseLabel validates a label string.
func ParseLabel(raw string) (Label, error) {
	l := Label(strings.ToLower(strings.TrimSpace(raw)))
	switch l {
	case LabelCreateCase, LabelListCases, LabelDeleteCase, LabelSwitchCase, LabelNone:
		return l, nil
	}
	return "", ErrUnknownLabel
}

// Classification is a labelled answer with its confidence in [0, 1].
type Classification struct {
	Label      Label
	Confidence float64
}

// Classifier is the slow fallback tier. Implementations must honour ctx.
type Classifier interface {
	Classify(ctx context.Context, text string, hints map[string]string) (Classification, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, text string, hints map[string]string) (Classification, error)

func (f ClassifierFunc) Classify(ctx context.Context, text string, c map[string]string) (Classification, error) {
	return f(ctx, text, c)
}

// Result is the routing decision for one input.
type Result struct {
	Label      Label
	Confidence float64
	// Tier is 1 or 2 depending on which tier produced Label.
	Tier int
	// Degraded is set when Tier 2 was needed but failed or timed out.
	Degraded bool
	// NeedsClarification asks the caller to prompt the user again.
	NeedsClarification bool
	// CaseRef is a case identifier quoted in the input, if any.
	CaseRef string
}

type pattern struct {
	label  Label
	strong *regexp.Regexp
	weak   *regexp.Regexp
}

var patterns = []pattern{
	{
		label:  LabelDeleteCase,
		strong: regexp.MustCompile(`\b(delete|remove|drop|discard|trash)\s+(the\s+|this\s+|that\s+|my\s+)?(deal|case|property|lead)\b`),
		weak:   regexp.MustCompile(`\b(delete|remove|discard|trash)\b`),
	},
	{
		label:  LabelSwitchCase,
		strong: regexp.MustCompile(`\b((switch|go|change|jump)\s+(back\s+)?to\s+(the\s+|another\s+|a\s+different\s+)?(other\s+)?(deal|case|property)|(open|resume|continue|load)\s+(the\s+|my\s+)?(deal|case|property)\s+\S+)`),
		weak:   regexp.MustCompile(`\b(switch|resume|other\s+(deal|case|property))\b`),
	},
	{
		label:  LabelCreateCase,
		strong: regexp.MustCompile(`\b((create|start|add)\s+(a\s+|an\s+)?(new\s+)?|open\s+(a|an)\s+(new\s+)?|new\s+)(deal|case|property|lead|acquisition)\b`),
		weak:   regexp.MustCompile(`\b(new|create|start)\b`),
	},
	{
		label:  LabelListCases,
		strong: regexp.MustCompile(`\b(list|show|see|view|display)\s+(me\s+)?((all|my|the|of)\s+)*(deals|cases|properties|leads|pipeline)\b|\bwhat\s+(deals|cases)\b`),
		weak:   regexp.MustCompile(`\b(deals|cases|properties|pipeline)\b`),
	},
}

var caseRef = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)

// MatchTier1 runs the deterministic patterns. A single strong match scores
// 0.95; conflicting strong matches or a lone weak cue score 0.5.
func MatchTier1(text string) Result {
	lower := strings.ToLower(text)
	res := Result{Label: LabelNone, Tier: 1, CaseRef: caseRef.FindString(text)}

	var strong, weak []Label
	for _, p := range patterns {
		switch {
		case p.strong.MatchString(lower):
			strong = append(strong, p.label)
		case p.weak.MatchString(lower):
			weak = append(weak, p.label)
		}
	}
	switch {
	case len(strong) == 1:
		res.Label, res.Confidence = strong[0], strongConfidence
	case len(strong) > 1:
		res.Label, res.Confidence = strong[0], weakConfidence
	case len(weak) > 0:
		res.Label, res.Confidence = weak[0], weakConfidence
	}
	return res
}

// Router combines the two tiers.
type Router struct {
	classifier Classifier
	timeout    time.Duration
	log        *logger.Logger
	tracer     trace.Tracer
}

// Option customises a Router.
type Option func(*Router)

func WithTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(r *Router) { r.log = l }
}

// NewRouter builds a Router. A nil classifier disables Tier 2.
func NewRouter(c Classifier, opts ...Option) *Router {
	r := &Router{
		classifier: c,
		timeout:    DefaultTimeout,
		tracer:     telemetry.Tracer("dealflow/intent"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route classifies text. It never fails: Tier 2 problems degrade to the
// Tier 1 guess, or to a clarification request when there is none.
func (r *Router) Route(ctx context.Context, text string, hints map[string]string) Result {
	ctx, span := r.tracer.Start(ctx, "intent.Route")
	defer span.End()

	t1 := MatchTier1(text)
	if t1.Confidence >= Threshold {
		span.SetAttributes(attribute.String("dealflow.intent", string(t1.Label)), attribute.Int("dealflow.intent.tier", 1))
		return t1
	}
	if r.classifier == nil {
		return degrade(t1)
	}

	c, err := r.classify(ctx, text, hints)
	if err != nil {
		r.log.Warn("intent classifier degraded", "error", err, "tier1_label", t1.Label)
		span.RecordError(err)
		return degrade(t1)
	}
	if c.Confidence < Threshold || c.Label == LabelNone {
		out := degrade(t1)
		if c.Label != LabelNone && t1.Label == LabelNone {
			out.Label, out.Confidence, out.Tier = c.Label, c.Confidence, 2
		}
		return out
	}
	span.SetAttributes(attribute.String("dealflow.intent", string(c.Label)), attribute.Int("dealflow.intent.tier", 2))
	return Result{Label: c.Label, Confidence: c.Confidence, Tier: 2, CaseRef: t1.CaseRef}
}

func (r *Router) classify(ctx context.Context, text string, hints map[string]string) (Classification, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type answer struct {
		c   Classification
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		c, err := r.classifier.Classify(ctx, text, hints)
		ch <- answer{c, err}
	}()

	select {
	case a := <-ch:
		if a.err != nil {
			return Classification{}, a.err
		}
		if _, err := ParseLabel(string(a.c.Label)); err != nil {
			return Classification{}, err
		}
		return a.c, nil
	case <-ctx.Done():
		return Classification{}, ctx.Err()
	}
}

func degrade(t1 Result) Result {
	t1.Degraded = true
	if t1.Label == LabelNone {
		t1.NeedsClarification = true
	}
	return t1
}
