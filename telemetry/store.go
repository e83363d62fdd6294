package telemetry

import (
	"context"
	"time"

	"dealflow/deal"
	"dealflow/stage"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const storeScopeName = "dealflow/deal"

// InstrumentedStore wraps deal.Store with a span, an operation counter and a
// duration histogram per call.
type InstrumentedStore struct {
	inner  deal.Store
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

var _ deal.Store = (*InstrumentedStore)(nil)

// WrapStore decorates s with the currently installed providers.
func WrapStore(s deal.Store) *InstrumentedStore {
	m := Meter(storeScopeName)
	ops, err := Counter(m, "dealflow.store.operations", "Case store operations executed")
	if err != nil {
		otel.Handle(err)
	}
	dur, err := Histogram(m, "dealflow.store.operation.duration", "Case store operation duration in milliseconds")
	if err != nil {
		otel.Handle(err)
	}
	errs, err := Counter(m, "dealflow.store.errors", "Case store operation errors")
	if err != nil {
		otel.Handle(err)
	}
	return &InstrumentedStore{
		inner:  s,
		tracer: Tracer(storeScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
	}
}

// Unwrap returns the decorated store.
func (s *InstrumentedStore) Unwrap() deal.Store { return s.inner }

func (s *InstrumentedStore) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "store."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

func (s *InstrumentedStore) done(ctx context.Context, span trace.Span, start time.Time, err error, name string) {
	attrs := metric.WithAttributes(attribute.String("db.operation", name))
	s.dur.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, attrs)
	}
	span.End()
}

func caseAttr(id string) attribute.KeyValue { return attribute.String("dealflow.case.id", id) }

func (s *InstrumentedStore) Create(ctx context.Context, params deal.CreateParams) (deal.Case, error) {
	ctx, span, t := s.op(ctx, "Create", attribute.String("dealflow.actor", params.CreatedBy))
	c, err := s.inner.Create(ctx, params)
	if err == nil {
		span.SetAttributes(caseAttr(c.ID))
	}
	s.done(ctx, span, t, err, "Create")
	return c, err
}

func (s *InstrumentedStore) Get(ctx context.Context, id string) (deal.Case, error) {
	ctx, span, t := s.op(ctx, "Get", caseAttr(id))
	c, err := s.inner.Get(ctx, id)
	s.done(ctx, span, t, err, "Get")
	return c, err
}

func (s *InstrumentedStore) List(ctx context.Context, filters deal.ListFilters) ([]deal.Case, int, error) {
	ctx, span, t := s.op(ctx, "List", attribute.Int("dealflow.page", filters.Page))
	out, total, err := s.inner.List(ctx, filters)
	span.SetAttributes(attribute.Int("dealflow.total", total))
	s.done(ctx, span, t, err, "List")
	return out, total, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, id string) error {
	ctx, span, t := s.op(ctx, "Delete", caseAttr(id))
	err := s.inner.Delete(ctx, id)
	s.done(ctx, span, t, err, "Delete")
	return err
}

func (s *InstrumentedStore) UpdateFields(ctx context.Context, id string, fields deal.Fields) (deal.Case, error) {
	ctx, span, t := s.op(ctx, "UpdateFields", caseAttr(id), attribute.StringSlice("dealflow.fields", fields.Names()))
	c, err := s.inner.UpdateFields(ctx, id, fields)
	s.done(ctx, span, t, err, "UpdateFields")
	return c, err
}

func (s *InstrumentedStore) AppendInspection(ctx context.Context, id string, rec deal.InspectionRecord) (deal.Case, error) {
	ctx, span, t := s.op(ctx, "AppendInspection", caseAttr(id), attribute.Int("dealflow.defects", len(rec.DefectTags)))
	c, err := s.inner.AppendInspection(ctx, id, rec)
	s.done(ctx, span, t, err, "AppendInspection")
	return c, err
}

func (s *InstrumentedStore) Inspections(ctx context.Context, id string) ([]deal.InspectionRecord, error) {
	ctx, span, t := s.op(ctx, "Inspections", caseAttr(id))
	out, err := s.inner.Inspections(ctx, id)
	s.done(ctx, span, t, err, "Inspections")
	return out, err
}

func (s *InstrumentedStore) CompareAndSetStage(ctx context.Context, id string, expected, next stage.Stage) (deal.Case, error) {
	ctx, span, t := s.op(ctx, "CompareAndSetStage",
		caseAttr(id),
		attribute.String("dealflow.stage.expected", string(expected)),
		attribute.String("dealflow.stage.next", string(next)),
	)
	c, err := s.inner.CompareAndSetStage(ctx, id, expected, next)
	s.done(ctx, span, t, err, "CompareAndSetStage")
	return c, err
}
