package callback_test

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

	"github.com/randalmurphal/callmesh/pkg/callmesh/callback"
	cmerrors "github.com/randalmurphal/callmesh/pkg/callmesh/errors"
)

func newRegistry(t *testing.T, mutate ...func(*callback.Config)) *callback.Registry {
	t.Helper()
	cfg := callback.DefaultConfig
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, m := range mutate {
		m(&cfg)
	}
	reg := callback.NewRegistry(cfg)
	t.Cleanup(reg.Dispose)
	return reg
}

func double() callback.Handler {
	return callback.HandlerFunc(func(_ context.Context, args []any) (any, error) {
		return args[0].(int) * 2, nil
	})
}

func constant(v any) callback.Handler {
	return callback.HandlerFunc(func(context.Context, []any) (any, error) { return v, nil })
}

func TestRegisterInvokeRoundTrip(t *testing.T) {
	reg := newRegistry(t)
	id := reg.Register("double", double())
	require.NotZero(t, id)

	v, err := reg.Invoke(context.Background(), callback.ByName("double"), []any{21})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err = reg.Invoke(context.Background(), callback.ByID(id), []any{5})
	require.NoError(t, err)
	assert.Equal(t, 10, v)

	assert.True(t, reg.Unregister(callback.ByID(id)))
	v, err = reg.Invoke(context.Background(), callback.ByID(id), []any{1})
	assert.NoError(t, err)
	assert.Nil(t, v)
	assert.False(t, reg.Unregister(callback.ByID(id)))
}

func TestIDsNeverReused(t *testing.T) {
	reg := newRegistry(t)
	a := reg.Register("a", constant(1))
	reg.Unregister(callback.ByID(a))
	b := reg.Register("a", constant(1))
	assert.Greater(t, b, a)
}

func TestInvokeByNameOrdersByPriority(t *testing.T) {
	reg := newRegistry(t)
	reg.Register("x", constant("low"), callback.WithPriority(1))
	reg.Register("x", constant("high"), callback.WithPriority(10))
	reg.Register("x", constant("mid-a"), callback.WithPriority(5))
	reg.Register("x", constant("mid-b"), callback.WithPriority(5))

	v, err := reg.Invoke(context.Background(), callback.ByName("x"), nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"high", "mid-a", "mid-b", "low"}, v)

	assert.True(t, reg.Unregister(callback.ByName("x")))
	assert.False(t, reg.Has(callback.ByName("x")))
}

func TestOnceFiresOnce(t *testing.T) {
	reg := newRegistry(t)
	var calls atomic.Int32
	reg.Register("once", callback.HandlerFunc(func(context.Context, []any) (any, error) {
		calls.Add(1)
		return nil, nil
	}), callback.Once())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = reg.Invoke(context.Background(), callback.ByName("once"), nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, reg.Has(callback.ByName("once")))
}

func TestInvokeTimeout(t *testing.T) {
	reg := newRegistry(t)
	block := make(chan struct{})
	defer close(block)
	reg.Register("slow", callback.HandlerFunc(func(ctx context.Context, _ []any) (any, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return "late", nil
	}), callback.WithTimeout(20*time.Millisecond))

	_, err := reg.Invoke(context.Background(), callback.ByName("slow"), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cmerrors.ErrCallbackTimeout))
	assert.Equal(t, int64(1), reg.Stats().Timeouts)
	assert.Equal(t, 0, reg.Stats().Active)
}

func TestCallTimeoutOverride(t *testing.T) {
	reg := newRegistry(t)
	reg.Register("slow", callback.HandlerFunc(func(ctx context.Context, _ []any) (any, error) {
		time.Sleep(30 * time.Millisecond)
		return "done", nil
	}), callback.WithTimeout(5*time.Millisecond))

	v, err := reg.Invoke(context.Background(), callback.ByName("slow"), nil, callback.WithCallTimeout(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestCallStackExceeded(t *testing.T) {
	reg := newRegistry(t, func(c *callback.Config) { c.MaxDepth = 3 })

	var maxSeen atomic.Int32
	reg.Register("recurse", callback.HandlerFunc(func(ctx context.Context, _ []any) (any, error) {
		maxSeen.Store(int32(callback.Depth(ctx)))
		return reg.Invoke(ctx, callback.ByName("recurse"), nil)
	}))

	_, err := reg.Invoke(context.Background(), callback.ByName("recurse"), nil)
	require.Error(t, err)
	assert.Equal(t, cmerrors.CodeCallStackExceeded, cmerrors.CodeOf(err))
	assert.Equal(t, int32(3), maxSeen.Load())
}

func TestPanicBecomesError(t *testing.T) {
	reg := newRegistry(t)
	reg.Register("boom", callback.HandlerFunc(func(context.Context, []any) (any, error) {
		panic("kaboom")
	}))

	_, err := reg.Invoke(context.Background(), callback.ByName("boom"), nil)
	require.Error(t, err)
	assert.Equal(t, cmerrors.CodeHandlerPanic, cmerrors.CodeOf(err))

	var pe *cmerrors.PanicError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "kaboom", pe.Value)
}

func TestErrorHandlersAndSwallow(t *testing.T) {
	reg := newRegistry(t, func(c *callback.Config) { c.SwallowErrors = true })
	failure := errors.New("nope")
	reg.Register("fail", callback.HandlerFunc(func(context.Context, []any) (any, error) {
		return nil, failure
	}))

	var seen []error
	var mu sync.Mutex
	remove := reg.AddErrorHandler(func(ref callback.Ref, err error) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "fail", ref.Name)
		seen = append(seen, err)
	})
	reg.AddErrorHandler(func(callback.Ref, error) { panic("listener bug") })

	v, err := reg.Invoke(context.Background(), callback.ByName("fail"), nil)
	assert.NoError(t, err)
	assert.Nil(t, v)

	_, err = reg.InvokeAsync(context.Background(), callback.ByName("fail"), nil).Wait(context.Background())
	assert.ErrorIs(t, err, failure)

	mu.Lock()
	assert.Len(t, seen, 2)
	mu.Unlock()

	remove()
	_, _ = reg.Invoke(context.Background(), callback.ByName("fail"), nil)
	mu.Lock()
	assert.Len(t, seen, 2)
	mu.Unlock()
}

func TestCallHistory(t *testing.T) {
	reg := newRegistry(t, func(c *callback.Config) { c.HistorySize = 3 })
	reg.Register("double", double())
	for i := 0; i < 5; i++ {
		_, err := reg.Invoke(context.Background(), callback.ByName("double"), []any{i})
		require.NoError(t, err)
	}

	all := reg.CallHistory(0)
	require.Len(t, all, 3)
	for _, rec := range all {
		assert.Equal(t, "double", rec.Name)
		assert.True(t, rec.Success)
	}
	assert.True(t, all[0].At.Before(all[2].At) || all[0].At.Equal(all[2].At))
	assert.Len(t, reg.CallHistory(2), 2)

	stats := reg.Stats()
	assert.Equal(t, int64(5), stats.Invocations)
	assert.Equal(t, 1, stats.Registered)
}

func TestInvokeAsync(t *testing.T) {
	reg := newRegistry(t)
	reg.Register("double", double(), callback.Async())

	v, err := reg.InvokeAsync(context.Background(), callback.ByName("double"), []any{4}).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, v)
}

func TestCancelledContext(t *testing.T) {
	reg := newRegistry(t)
	reg.Register("double", double())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := reg.Invoke(ctx, callback.ByName("double"), []any{1})
	assert.Equal(t, cmerrors.CodeInvocationCancelled, cmerrors.CodeOf(err))
}

func TestEmptyRef(t *testing.T) {
	reg := newRegistry(t)
	_, err := reg.Invoke(context.Background(), callback.Ref{}, nil)
	assert.Equal(t, cmerrors.CodeInvalidArgument, cmerrors.CodeOf(err))
}

func TestDisposeIdempotent(t *testing.T) {
	reg := newRegistry(t)
	reg.Register("double", double())

	reg.Dispose()
	reg.Dispose()

	assert.Zero(t, reg.Register("late", double()))
	_, err := reg.Invoke(context.Background(), callback.ByName("double"), []any{1})
	assert.True(t, errors.Is(err, cmerrors.ErrManagerDisposed))
	assert.Empty(t, reg.CallHistory(0))
}
