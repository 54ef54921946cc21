package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/nimburion/coordination"

// Coordination span names.
const (
	SpanLeaseAcquire     = "lease.acquire"
	SpanLeaseRelease     = "lease.release"
	SpanLeaseExtend      = "lease.extend"
	SpanIdempotencyCheck = "idempotency.check"
)

// StartCoordinationSpan starts an internal span tagged with the coordination key.
func StartCoordinationSpan(ctx context.Context, name, key string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append([]attribute.KeyValue{attribute.String("coordination.key", key)}, attrs...)
	return otel.Tracer(instrumentationName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// EndSpan records the outcome and ends span. A non-nil err marks the span failed.
func EndSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("coordination.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
