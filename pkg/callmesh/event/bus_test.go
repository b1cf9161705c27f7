package event_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmerrors "github.com/randalmurphal/callmesh/pkg/callmesh/errors"
	"github.com/randalmurphal/callmesh/pkg/callmesh/event"
)

func newBus(t *testing.T, mutate ...func(*event.BusConfig)) *event.Bus {
	t.Helper()
	cfg := event.DefaultBusConfig
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, m := range mutate {
		m(&cfg)
	}
	bus := event.NewBus(cfg)
	t.Cleanup(bus.Dispose)
	return bus
}

func TestWildcardDeliversPayloadOnce(t *testing.T) {
	bus := newBus(t)

	var got []any
	_, err := bus.Subscribe("node.*", event.HandlerFunc(func(_ context.Context, evt event.Event) error {
		got = append(got, evt.Payload)
		return nil
	}))
	require.NoError(t, err)

	payload := map[string]any{"id": "n1"}
	id, err := bus.Publish(context.Background(), "node.expand", payload)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.Len(t, got, 1)
	assert.Equal(t, payload, got[0])

	// "*" never spans two segments.
	_, err = bus.Publish(context.Background(), "node.expand.deep", nil)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestPatternMatrix(t *testing.T) {
	bus := newBus(t)
	counts := map[string]*atomic.Int32{}
	for _, p := range []string{"diagram.node.expand", "diagram.*.expand", "diagram.#", "#", "other"} {
		c := &atomic.Int32{}
		counts[p] = c
		_, err := bus.Subscribe(p, event.HandlerFunc(func(context.Context, event.Event) error {
			c.Add(1)
			return nil
		}))
		require.NoError(t, err)
	}

	_, err := bus.Publish(context.Background(), "diagram.node.expand", nil)
	require.NoError(t, err)

	assert.Equal(t, int32(1), counts["diagram.node.expand"].Load())
	assert.Equal(t, int32(1), counts["diagram.*.expand"].Load())
	assert.Equal(t, int32(1), counts["diagram.#"].Load())
	assert.Equal(t, int32(1), counts["#"].Load())
	assert.Equal(t, int32(0), counts["other"].Load())
}

func TestDisableWildcards(t *testing.T) {
	bus := newBus(t, func(c *event.BusConfig) { c.DisableWildcards = true })
	var calls atomic.Int32
	_, err := bus.Subscribe("node.*", event.HandlerFunc(func(context.Context, event.Event) error {
		calls.Add(1)
		return nil
	}))
	require.NoError(t, err)

	bus.Publish(context.Background(), "node.expand", nil)
	assert.Equal(t, int32(0), calls.Load())
	bus.Publish(context.Background(), "node.*", nil)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPriorityOrder(t *testing.T) {
	bus := newBus(t)
	var order []string
	sub := func(name string, prio int) {
		_, err := bus.Subscribe("x.#", event.HandlerFunc(func(context.Context, event.Event) error {
			order = append(order, name)
			return nil
		}), event.WithPriority(prio))
		require.NoError(t, err)
	}
	sub("low", 0)
	sub("high", 10)
	sub("mid", 5)
	sub("mid-later", 5)

	bus.Publish(context.Background(), "x.y", nil)
	assert.Equal(t, []string{"high", "mid", "mid-later", "low"}, order)
}

func TestOnceAndFilter(t *testing.T) {
	bus := newBus(t)
	var calls atomic.Int32
	_, err := bus.Subscribe("job.*", event.HandlerFunc(func(context.Context, event.Event) error {
		calls.Add(1)
		return nil
	}), event.Once(), event.WithFilter(func(evt event.Event) bool {
		return evt.Payload == "match"
	}))
	require.NoError(t, err)

	bus.Publish(context.Background(), "job.done", "skip")
	assert.Equal(t, int32(0), calls.Load())
	assert.True(t, bus.HasSubscribers("job.done"))

	bus.Publish(context.Background(), "job.done", "match")
	bus.Publish(context.Background(), "job.done", "match")
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, bus.HasSubscribers("job.done"))
}

func TestSubscriberFailureIsolated(t *testing.T) {
	var reported []*event.SubscriberError
	bus := newBus(t, func(c *event.BusConfig) {
		c.OnError = func(err *event.SubscriberError) { reported = append(reported, err) }
	})

	var reached atomic.Int32
	bus.Subscribe("a", event.HandlerFunc(func(context.Context, event.Event) error {
		return errors.New("first fails")
	}), event.WithPriority(3))
	bus.Subscribe("a", event.HandlerFunc(func(context.Context, event.Event) error {
		panic("second panics")
	}), event.WithPriority(2))
	bus.Subscribe("a", event.HandlerFunc(func(context.Context, event.Event) error {
		reached.Add(1)
		return nil
	}), event.WithPriority(1))

	_, err := bus.Publish(context.Background(), "a", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), reached.Load())
	require.Len(t, reported, 2)
	assert.Equal(t, cmerrors.CodeHandlerPanic, cmerrors.CodeOf(reported[1]))

	m := bus.Metrics()
	assert.Equal(t, int64(2), m.Errors)
	assert.Equal(t, int64(3), m.Dispatched)
}

func TestNamespaces(t *testing.T) {
	bus := newBus(t)
	var scoped, unscoped atomic.Int32
	bus.Subscribe("evt", event.HandlerFunc(func(context.Context, event.Event) error {
		scoped.Add(1)
		return nil
	}), event.InNamespace("editor"))
	bus.Subscribe("evt", event.HandlerFunc(func(context.Context, event.Event) error {
		unscoped.Add(1)
		return nil
	}))

	bus.Publish(context.Background(), "evt", nil)
	bus.Publish(context.Background(), "evt", nil, event.ToNamespace("editor"))
	bus.Publish(context.Background(), "evt", nil, event.ToNamespace("viewer"))

	assert.Equal(t, int32(1), scoped.Load())
	assert.Equal(t, int32(3), unscoped.Load())

	assert.Equal(t, 1, bus.UnsubscribeNamespace("editor"))
	assert.Equal(t, 1, bus.Metrics().Subscribers)
}

func TestAsyncPreservesOrder(t *testing.T) {
	bus := newBus(t, func(c *event.BusConfig) { c.Async = true })

	var mu sync.Mutex
	var seen []int
	var inFlight, overlap atomic.Int32
	done := make(chan struct{})
	bus.Subscribe("tick", event.HandlerFunc(func(_ context.Context, evt event.Event) error {
		if inFlight.Add(1) > 1 {
			overlap.Add(1)
		}
		defer inFlight.Add(-1)
		mu.Lock()
		seen = append(seen, evt.Payload.(int))
		n := len(seen)
		mu.Unlock()
		if n == 50 {
			close(done)
		}
		return nil
	}))

	for i := 0; i < 50; i++ {
		_, err := bus.Publish(context.Background(), "tick", i)
		require.NoError(t, err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async drain did not finish")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range seen {
		assert.Equal(t, i, v)
	}
	assert.Zero(t, overlap.Load())
}

func TestSyncOverride(t *testing.T) {
	bus := newBus(t, func(c *event.BusConfig) { c.Async = true })
	var calls atomic.Int32
	bus.Subscribe("now", event.HandlerFunc(func(context.Context, event.Event) error {
		calls.Add(1)
		return nil
	}))
	bus.Publish(context.Background(), "now", nil, event.Sync())
	assert.Equal(t, int32(1), calls.Load())
}

func TestUnsubscribe(t *testing.T) {
	bus := newBus(t)
	var calls atomic.Int32
	h := event.HandlerFunc(func(context.Context, event.Event) error {
		calls.Add(1)
		return nil
	})
	id, _ := bus.Subscribe("a.b", h)
	bus.Subscribe("a.*", h)
	bus.Subscribe("a.*", h)

	assert.True(t, bus.Unsubscribe(id))
	assert.False(t, bus.Unsubscribe(id))
	assert.Equal(t, 2, bus.UnsubscribePattern("a.*"))

	bus.Publish(context.Background(), "a.b", nil)
	assert.Equal(t, int32(0), calls.Load())
}

func TestHistoryAndMetrics(t *testing.T) {
	bus := newBus(t, func(c *event.BusConfig) { c.HistorySize = 2 })
	bus.Publish(context.Background(), "a", 1)
	bus.Publish(context.Background(), "b", 2)
	bus.Publish(context.Background(), "b", 3, event.WithMetadata("k", "v"))

	h := bus.History(0)
	require.Len(t, h, 2)
	assert.Equal(t, 2, h[0].Payload)
	assert.Equal(t, 3, h[1].Payload)
	assert.Equal(t, "v", h[1].Metadata["k"])
	assert.Len(t, bus.History(1), 1)

	m := bus.Metrics()
	assert.Equal(t, int64(1), m.Published["a"])
	assert.Equal(t, int64(2), m.Published["b"])
	assert.Equal(t, 2, m.HistorySize)
}

func TestSubscribeValidation(t *testing.T) {
	bus := newBus(t, func(c *event.BusConfig) { c.MaxSubscribers = 1 })
	h := event.HandlerFunc(func(context.Context, event.Event) error { return nil })

	_, err := bus.Subscribe("", h)
	assert.Equal(t, cmerrors.CodeInvalidArgument, cmerrors.CodeOf(err))

	_, err = bus.Subscribe("a", h)
	require.NoError(t, err)
	_, err = bus.Subscribe("b", h)
	assert.Error(t, err)

	_, err = bus.Publish(context.Background(), "", nil)
	assert.Equal(t, cmerrors.CodeInvalidArgument, cmerrors.CodeOf(err))
}

func TestBusDispose(t *testing.T) {
	bus := newBus(t)
	bus.Subscribe("a", event.HandlerFunc(func(context.Context, event.Event) error { return nil }))
	bus.Publish(context.Background(), "a", nil)

	bus.Dispose()
	bus.Dispose()

	_, err := bus.Publish(context.Background(), "a", nil)
	assert.True(t, errors.Is(err, cmerrors.ErrManagerDisposed))
	_, err = bus.Subscribe("a", event.HandlerFunc(func(context.Context, event.Event) error { return nil }))
	assert.True(t, errors.Is(err, cmerrors.ErrManagerDisposed))
	assert.Empty(t, bus.History(0))
	assert.False(t, bus.HasSubscribers("a"))
}
