package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// BusinessTracer provides utilities for tracing pipeline operations.
// It wraps a tracer with span names and attributes for feed sessions,
// consumer batches and store writes.
type BusinessTracer struct {
	tracer trace.Tracer
}

// BatchMetrics summarizes one consumer batch.
type BatchMetrics struct {
	Size       int
	Spots      int
	Contracts  int
	Dropped    int
	Emergency  bool
	QueueDepth int
	Duration   time.Duration
}

// NewBusinessTracer creates a new instance of BusinessTracer.
//
// Parameters:
//   - tracer: The tracer spans are started from.
//
// Returns:
//   - A pointer to an initialized BusinessTracer.
func NewBusinessTracer(tracer trace.Tracer) *BusinessTracer {
	return &BusinessTracer{tracer: tracer}
}

// TraceFeedSession starts a span covering one feed connection.
//
// Parameters:
//   - ctx: The context to attach the span to.
//   - sessionID: The id of the feed session.
//   - instruments: The number of subscribed instrument ids.
//
// Returns:
//   - A context containing the new span.
//   - The created span.
func (bt *BusinessTracer) TraceFeedSession(ctx context.Context, sessionID string, instruments int) (context.Context, trace.Span) {
	return bt.tracer.Start(ctx, "feed_session",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("feed.session_id", sessionID),
			attribute.Int("feed.instruments", instruments),
		),
	)
}

// TraceBatch starts a span for one consumer batch.
//
// Parameters:
//   - ctx: The context to attach the span to.
//   - worker: The consumer index.
//
// Returns:
//   - A context containing the new span.
//   - The created span.
func (bt *BusinessTracer) TraceBatch(ctx context.Context, worker int) (context.Context, trace.Span) {
	return bt.tracer.Start(ctx, "consumer_batch",
		trace.WithAttributes(attribute.Int("consumer.worker", worker)),
	)
}

// RecordBatchMetrics adds the outcome of a batch to its span.
//
// Parameters:
//   - span: The span to update.
//   - metrics: The batch summary.
func (bt *BusinessTracer) RecordBatchMetrics(span trace.Span, metrics BatchMetrics) {
	span.SetAttributes(
		attribute.Int("batch.size", metrics.Size),
		attribute.Int("batch.spots", metrics.Spots),
		attribute.Int("batch.contracts", metrics.Contracts),
		attribute.Int("batch.dropped", metrics.Dropped),
		attribute.Bool("batch.emergency", metrics.Emergency),
		attribute.Int("queue.depth", metrics.QueueDepth),
		attribute.Int64("batch.duration_ms", metrics.Duration.Milliseconds()),
	)
}

// TraceUpsert starts a span for a store write.
//
// Parameters:
//   - ctx: The context to attach the span to.
//   - operation: upsert_one, upsert_bulk or upsert_spot.
//   - rows: The number of rows written.
//
// Returns:
//   - A context containing the new span.
//   - The created span.
func (bt *BusinessTracer) TraceUpsert(ctx context.Context, operation string, rows int) (context.Context, trace.Span) {
	return bt.tracer.Start(ctx, operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", operation),
			attribute.Int("db.rows", rows),
		),
	)
}

// RecordError marks span as failed.
func (bt *BusinessTracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
