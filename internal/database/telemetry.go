package database

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/irfndi/tickstream-go/internal/models"
	"github.com/irfndi/tickstream-go/internal/telemetry"
)

// TracedWriter wraps a PriceWriter with spans and write counters.
type TracedWriter struct {
	PriceWriter
	tracer  *telemetry.BusinessTracer
	metrics *telemetry.Metrics
}

// NewTracedWriter wraps w. Either tracer or metrics may be nil.
func NewTracedWriter(w PriceWriter, tracer *telemetry.BusinessTracer, metrics *telemetry.Metrics) *TracedWriter {
	return &TracedWriter{PriceWriter: w, tracer: tracer, metrics: metrics}
}

func (w *TracedWriter) UpsertOne(ctx context.Context, u models.PriceUpdate) error {
	return w.observe(ctx, "upsert_one", 1, func(ctx context.Context) error {
		return w.PriceWriter.UpsertOne(ctx, u)
	})
}

func (w *TracedWriter) UpsertBulk(ctx context.Context, updates []models.PriceUpdate) error {
	return w.observe(ctx, "upsert_bulk", len(updates), func(ctx context.Context) error {
		return w.PriceWriter.UpsertBulk(ctx, updates)
	})
}

func (w *TracedWriter) UpsertSpot(ctx context.Context, u models.SpotUpdate) error {
	return w.observe(ctx, "upsert_spot", 1, func(ctx context.Context) error {
		return w.PriceWriter.UpsertSpot(ctx, u)
	})
}

func (w *TracedWriter) observe(ctx context.Context, operation string, rows int, fn func(context.Context) error) error {
	if w.tracer != nil {
		var span trace.Span
		ctx, span = w.tracer.TraceUpsert(ctx, operation, rows)
		defer span.End()

		err := fn(ctx)
		w.tracer.RecordError(span, err)
		w.count(operation, rows, err)
		return err
	}

	err := fn(ctx)
	w.count(operation, rows, err)
	return err
}

func (w *TracedWriter) count(operation string, rows int, err error) {
	if w.metrics == nil {
		return
	}
	if err != nil {
		w.metrics.UpsertErrors.WithLabelValues(operation).Inc()
		return
	}
	w.metrics.RowsUpserted.WithLabelValues(operation).Add(float64(rows))
}
