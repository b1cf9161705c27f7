package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanManager opens and closes the spans callmesh emits: one per
// execution attempt and one per delivery attempt.
type SpanManager interface {
	StartExecutionSpan(ctx context.Context, target, executionID string, attempt int) (context.Context, trace.Span)
	StartMessageSpan(ctx context.Context, msgType, messageID string, attempt int) (context.Context, trace.Span)

	// EndSpanWithError ends span, marking it failed when err is non-nil.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent annotates the recording span in ctx, if any.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

type otelSpanManager struct{}

// NewSpanManager returns a SpanManager backed by the global tracer
// provider. The provider is looked up per span, so one installed with
// otel.SetTracerProvider after this call is still used.
func NewSpanManager() SpanManager {
	return otelSpanManager{}
}

func startSpan(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer("callmesh").Start(ctx, name,
		trace.WithSpanKind(kind),
		trace.WithAttributes(attrs...),
	)
}

func (otelSpanManager) StartExecutionSpan(ctx context.Context, target, executionID string, attempt int) (context.Context, trace.Span) {
	return startSpan(ctx, "callmesh.execute."+target, trace.SpanKindInternal,
		attribute.String("execution.id", executionID),
		attribute.String("execution.target", target),
		attribute.Int("execution.attempt", attempt),
	)
}

func (otelSpanManager) StartMessageSpan(ctx context.Context, msgType, messageID string, attempt int) (context.Context, trace.Span) {
	return startSpan(ctx, "callmesh.deliver."+msgType, trace.SpanKindProducer,
		attribute.String("message.id", messageID),
		attribute.String("message.type", msgType),
		attribute.Int("message.attempt", attempt),
	)
}

func (otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	defer span.End()
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func (otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}
