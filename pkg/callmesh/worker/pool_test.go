package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmerrors "github.com/randalmurphal/callmesh/pkg/callmesh/errors"
)

func TestPoolRun(t *testing.T) {
	p := NewPool(Config{Workers: 2})
	defer p.Close()

	v, err := p.Run(context.Background(), func(context.Context) (any, error) {
		return 21 * 2, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, int64(1), p.Stats().Completed)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(Config{Workers: 2})
	defer p.Close()

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Run(context.Background(), func(context.Context) (any, error) {
				n := current.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				current.Add(-1)
				return nil, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPoolPanicIsWorkerError(t *testing.T) {
	p := NewPool(Config{Workers: 1})
	defer p.Close()

	_, err := p.Run(context.Background(), func(context.Context) (any, error) {
		panic("crash")
	})
	require.Error(t, err)
	assert.Equal(t, cmerrors.CodeWorkerError, cmerrors.CodeOf(err))
	var pe *cmerrors.PanicError
	assert.True(t, errors.As(err, &pe))

	// The worker survives the panic.
	v, err := p.Run(context.Background(), func(context.Context) (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestTaskErrorsKeepCause(t *testing.T) {
	cause := errors.New("bad input")
	_, err := RunLocal(context.Background(), func(context.Context) (any, error) { return nil, cause })
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, cmerrors.CodeWorkerError, cmerrors.CodeOf(err))

	coded := cmerrors.New(cmerrors.CodeValidationFailed, "x", "y")
	_, err = RunLocal(context.Background(), func(context.Context) (any, error) { return nil, coded })
	assert.Equal(t, cmerrors.CodeValidationFailed, cmerrors.CodeOf(err))
}

func TestRunWithoutExecutorIsLocal(t *testing.T) {
	v, err := Run(context.Background(), nil, func(context.Context) (any, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestRunCancelled(t *testing.T) {
	p := NewPool(Config{Workers: 1})
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	go func() {
		<-started
		cancel()
	}()
	_, err := p.Run(ctx, func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	assert.Equal(t, cmerrors.CodeInvocationCancelled, cmerrors.CodeOf(err))
}

func TestCloseIdempotent(t *testing.T) {
	p := NewPool(Config{Workers: 1})
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err := p.Run(context.Background(), func(context.Context) (any, error) { return nil, nil })
	assert.Equal(t, cmerrors.CodeWorkerError, cmerrors.CodeOf(err))
}
