package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records callmesh metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordInvocation records one callback invocation.
	RecordInvocation(ctx context.Context, name string, duration time.Duration, err error)

	// RecordExecution records a scheduled execution reaching a terminal status.
	RecordExecution(ctx context.Context, target, status string, attempts int, duration time.Duration)

	// RecordPublish records an event publish and how many subscribers it reached.
	RecordPublish(ctx context.Context, eventType string, subscribers int)

	// RecordMessage records a message status transition.
	RecordMessage(ctx context.Context, msgType, status string)

	// RecordLock records a lock table outcome (granted, queued, released, expired).
	RecordLock(ctx context.Context, resource, outcome string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	invocations      metric.Int64Counter
	invocationErrors metric.Int64Counter
	invocationTime   metric.Float64Histogram
	executions       metric.Int64Counter
	executionTime    metric.Float64Histogram
	executionRetries metric.Int64Counter
	publishes        metric.Int64Counter
	fanout           metric.Int64Histogram
	messages         metric.Int64Counter
	locks            metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("callmesh")
	m := &otelMetrics{}
	var err error

	if m.invocations, err = meter.Int64Counter("callmesh.callback.invocations",
		metric.WithDescription("Number of callback invocations"),
	); err != nil {
		return nil, err
	}
	if m.invocationErrors, err = meter.Int64Counter("callmesh.callback.errors",
		metric.WithDescription("Number of failed callback invocations"),
	); err != nil {
		return nil, err
	}
	if m.invocationTime, err = meter.Float64Histogram("callmesh.callback.latency_ms",
		metric.WithDescription("Callback invocation latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.executions, err = meter.Int64Counter("callmesh.scheduler.executions",
		metric.WithDescription("Number of executions reaching a terminal status"),
	); err != nil {
		return nil, err
	}
	if m.executionTime, err = meter.Float64Histogram("callmesh.scheduler.latency_ms",
		metric.WithDescription("Execution latency from submit to terminal status in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.executionRetries, err = meter.Int64Counter("callmesh.scheduler.retries",
		metric.WithDescription("Number of retry attempts made by the scheduler"),
	); err != nil {
		return nil, err
	}
	if m.publishes, err = meter.Int64Counter("callmesh.event.published",
		metric.WithDescription("Number of published events"),
	); err != nil {
		return nil, err
	}
	if m.fanout, err = meter.Int64Histogram("callmesh.event.fanout",
		metric.WithDescription("Subscribers reached per published event"),
	); err != nil {
		return nil, err
	}
	if m.messages, err = meter.Int64Counter("callmesh.message.transitions",
		metric.WithDescription("Number of message status transitions"),
	); err != nil {
		return nil, err
	}
	if m.locks, err = meter.Int64Counter("callmesh.lock.outcomes",
		metric.WithDescription("Number of lock table outcomes"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordInvocation records a callback invocation.
func (m *otelMetrics) RecordInvocation(ctx context.Context, name string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("callback", name))
	m.invocations.Add(ctx, 1, attrs)
	m.invocationTime.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	if err != nil {
		m.invocationErrors.Add(ctx, 1, attrs)
	}
}

// RecordExecution records a terminal execution.
func (m *otelMetrics) RecordExecution(ctx context.Context, target, status string, attempts int, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("target", target),
		attribute.String("status", status),
	)
	m.executions.Add(ctx, 1, attrs)
	m.executionTime.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	if attempts > 1 {
		m.executionRetries.Add(ctx, int64(attempts-1), metric.WithAttributes(attribute.String("target", target)))
	}
}

// RecordPublish records an event publish.
func (m *otelMetrics) RecordPublish(ctx context.Context, eventType string, subscribers int) {
	attrs := metric.WithAttributes(attribute.String("event_type", eventType))
	m.publishes.Add(ctx, 1, attrs)
	m.fanout.Record(ctx, int64(subscribers), attrs)
}

// RecordMessage records a message status transition.
func (m *otelMetrics) RecordMessage(ctx context.Context, msgType, status string) {
	m.messages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("message_type", msgType),
		attribute.String("status", status),
	))
}

// RecordLock records a lock outcome.
func (m *otelMetrics) RecordLock(ctx context.Context, resource, outcome string) {
	m.locks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource", resource),
		attribute.String("outcome", outcome),
	))
}
