package telemetry

import (
	"context"
	"errors"
	"testing"

	"dealflow/deal"
	"dealflow/stage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestWrapStoreRecordsSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx := context.Background()
	store := WrapStore(deal.NewMemoryStore())

	c, err := store.Create(ctx, deal.CreateParams{CreatedBy: "op"})
	require.NoError(t, err)
	_, err = store.CompareAndSetStage(ctx, c.ID, stage.Initial, stage.Passed70Rule)
	require.ErrorIs(t, err, deal.ErrStageConflict)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "store.Create", spans[0].Name())
	assert.Equal(t, "store.CompareAndSetStage", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.IsType(t, &deal.MemoryStore{}, store.Unwrap())
}

type refusingMeter struct {
	metricnoop.Meter
}

var errRefused = errors.New("instrument refused")

func (refusingMeter) Int64Counter(string, ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	return nil, errRefused
}

func (refusingMeter) Float64Histogram(string, ...metric.Float64HistogramOption) (metric.Float64Histogram, error) {
	return nil, errRefused
}

func TestInstrumentsFallBackToNoop(t *testing.T) {
	ctx := context.Background()

	c, err := Counter(refusingMeter{}, "dealflow.test", "test counter")
	assert.ErrorIs(t, err, errRefused)
	require.NotNil(t, c)
	assert.NotPanics(t, func() { c.Add(ctx, 1) })

	h, err := Histogram(refusingMeter{}, "dealflow.test.duration", "test histogram")
	assert.ErrorIs(t, err, errRefused)
	require.NotNil(t, h)
	assert.NotPanics(t, func() { h.Record(ctx, 1.5) })

	c, err = Counter(Meter(""), "dealflow.test", "test counter")
	require.NoError(t, err)
	assert.NotNil(t, c)
}
