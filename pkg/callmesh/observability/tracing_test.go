package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// recordSpans routes the global tracer provider into memory for one test.
func recordSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func attrValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestStartExecutionSpan(t *testing.T) {
	exporter := recordSpans(t)

	sm := NewSpanManager()
	_, span := sm.StartExecutionSpan(context.Background(), "resize", "exec-1", 2)
	sm.EndSpanWithError(span, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	s := spans[0]
	assert.Equal(t, "callmesh.execute.resize", s.Name)
	assert.Equal(t, codes.Ok, s.Status.Code)

	id, ok := attrValue(s.Attributes, "execution.id")
	require.True(t, ok)
	assert.Equal(t, "exec-1", id.AsString())
	attempt, ok := attrValue(s.Attributes, "execution.attempt")
	require.True(t, ok)
	assert.Equal(t, int64(2), attempt.AsInt64())
}

func TestStartMessageSpanWithError(t *testing.T) {
	exporter := recordSpans(t)

	sm := NewSpanManager()
	_, span := sm.StartMessageSpan(context.Background(), "ping", "msg-1", 1)
	sm.EndSpanWithError(span, errors.New("no ack"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	s := spans[0]
	assert.Equal(t, "callmesh.deliver.ping", s.Name)
	assert.Equal(t, codes.Error, s.Status.Code)
	assert.Equal(t, "no ack", s.Status.Description)
	require.Len(t, s.Events, 1)
	assert.Equal(t, "exception", s.Events[0].Name)
}

func TestAddSpanEvent(t *testing.T) {
	exporter := recordSpans(t)

	sm := NewSpanManager()
	ctx, span := sm.StartExecutionSpan(context.Background(), "job", "exec-2", 1)
	sm.AddSpanEvent(ctx, "retry.scheduled", attribute.Int("delay_ms", 100))
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Len(t, spans[0].Events, 1)
	assert.Equal(t, "retry.scheduled", spans[0].Events[0].Name)

	// No span in context: no panic.
	sm.AddSpanEvent(context.Background(), "orphan")
}

func TestNoopImplementations(t *testing.T) {
	ctx := context.Background()

	var m MetricsRecorder = NoopMetrics{}
	m.RecordInvocation(ctx, "x", 0, nil)
	m.RecordExecution(ctx, "x", "completed", 1, 0)
	m.RecordPublish(ctx, "x", 0)
	m.RecordMessage(ctx, "x", "sent")
	m.RecordLock(ctx, "x", "granted")

	var sm SpanManager = NoopSpanManager{}
	got, span := sm.StartExecutionSpan(ctx, "x", "id", 1)
	assert.Equal(t, ctx, got)
	assert.False(t, span.IsRecording())
	sm.AddSpanEvent(ctx, "e")
	sm.EndSpanWithError(span, errors.New("ignored"))
}
