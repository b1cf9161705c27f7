package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics discards every measurement. Components default to it.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

func (NoopMetrics) RecordInvocation(context.Context, string, time.Duration, error) {}
func (NoopMetrics) RecordExecution(context.Context, string, string, int, time.Duration) {}
func (NoopMetrics) RecordPublish(context.Context, string, int) {}
func (NoopMetrics) RecordMessage(context.Context, string, string) {}
func (NoopMetrics) RecordLock(context.Context, string, string) {}

// NoopSpanManager hands out non-recording spans and leaves ctx alone.
type NoopSpanManager struct{}

var _ SpanManager = NoopSpanManager{}

func (NoopSpanManager) StartExecutionSpan(ctx context.Context, _, _ string, _ int) (context.Context, trace.Span) {
	return ctx, noop.Span{}
}

func (NoopSpanManager) StartMessageSpan(ctx context.Context, _, _ string, _ int) (context.Context, trace.Span) {
	return ctx, noop.Span{}
}

func (NoopSpanManager) EndSpanWithError(trace.Span, error) {}

func (NoopSpanManager) AddSpanEvent(context.Context, string, ...attribute.KeyValue) {}
