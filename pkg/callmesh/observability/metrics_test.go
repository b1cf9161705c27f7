package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// recordMetrics routes the global meter provider into a manual reader for
// one test and returns a function that collects what was recorded.
func recordMetrics(t *testing.T) func() *metricdata.ResourceMetrics {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		_ = provider.Shutdown(context.Background())
	})
	return func() *metricdata.ResourceMetrics {
		var rm metricdata.ResourceMetrics
		require.NoError(t, reader.Collect(context.Background(), &rm))
		return &rm
	}
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumInt64(t *testing.T, m *metricdata.Metrics) int64 {
	t.Helper()
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected Sum[int64], got %T", m.Data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestNewMetricsRecorder(t *testing.T) {
	recordMetrics(t)

	recorder := NewMetricsRecorder()
	require.NotNil(t, recorder)
	_, isNoop := recorder.(NoopMetrics)
	assert.False(t, isNoop, "Expected real metrics recorder, got noop")
}

func TestRecordInvocation(t *testing.T) {
	collect := recordMetrics(t)

	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordInvocation(ctx, "save", 5*time.Millisecond, nil)
	m.RecordInvocation(ctx, "save", 7*time.Millisecond, errors.New("boom"))

	rm := collect()
	assert.Equal(t, int64(2), sumInt64(t, findMetric(rm, "callmesh.callback.invocations")))
	assert.Equal(t, int64(1), sumInt64(t, findMetric(rm, "callmesh.callback.errors")))

	latency := findMetric(rm, "callmesh.callback.latency_ms")
	require.NotNil(t, latency)
	hist, ok := latency.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(2), hist.DataPoints[0].Count)
}

func TestRecordExecution(t *testing.T) {
	collect := recordMetrics(t)

	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordExecution(ctx, "job", "completed", 1, time.Millisecond)
	m.RecordExecution(ctx, "job", "failed", 3, time.Millisecond)

	rm := collect()
	assert.Equal(t, int64(2), sumInt64(t, findMetric(rm, "callmesh.scheduler.executions")))
	assert.Equal(t, int64(2), sumInt64(t, findMetric(rm, "callmesh.scheduler.retries")))
}

func TestRecordPublishMessageLock(t *testing.T) {
	collect := recordMetrics(t)

	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordPublish(ctx, "user.created", 3)
	m.RecordMessage(ctx, "ping", "delivered")
	m.RecordMessage(ctx, "ping", "acknowledged")
	m.RecordLock(ctx, "db", "granted")

	rm := collect()
	assert.Equal(t, int64(1), sumInt64(t, findMetric(rm, "callmesh.event.published")))
	assert.Equal(t, int64(2), sumInt64(t, findMetric(rm, "callmesh.message.transitions")))
	assert.Equal(t, int64(1), sumInt64(t, findMetric(rm, "callmesh.lock.outcomes")))

	fanout := findMetric(rm, "callmesh.event.fanout")
	require.NotNil(t, fanout)
	hist, ok := fanout.Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, int64(3), hist.DataPoints[0].Sum)
}
