package callback

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	cmerrors "github.com/randalmurphal/callmesh/pkg/callmesh/errors"
)

const opInvoke = "callback.invoke"

type depthKey struct{}

// Depth returns the invocation depth recorded in ctx. Handlers see the
// depth of their own invocation, starting at 1.
func Depth(ctx context.Context) int {
	if v, ok := ctx.Value(depthKey{}).(int); ok {
		return v
	}
	return 0
}

func withDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey{}, depth)
}

func (r *Registry) invoke(ctx context.Context, ref Ref, args []any, opts []InvokeOption) (any, error) {
	if r.disposed.Load() {
		return nil, cmerrors.Disposed(opInvoke)
	}
	if ref.IsZero() {
		return nil, cmerrors.New(cmerrors.CodeInvalidArgument, opInvoke, "empty callback reference")
	}

	depth := Depth(ctx)
	if depth >= r.cfg.MaxDepth {
		err := cmerrors.New(cmerrors.CodeCallStackExceeded, opInvoke,
			fmt.Sprintf("maximum call depth %d exceeded", r.cfg.MaxDepth))
		r.notify(ref, err)
		return nil, err
	}

	targets := r.resolve(ref)
	if len(targets) == 0 {
		return nil, nil
	}

	var o InvokeOptions
	for _, opt := range opts {
		opt(&o)
	}
	ctx = withDepth(ctx, depth+1)

	results := make([]any, 0, len(targets))
	for _, reg := range targets {
		// A one-shot registration fires for whoever removes it first.
		if reg.Options.Once && !r.regs.Remove(reg.ID) {
			continue
		}
		v, err := r.call(ctx, reg, args, o)
		if err != nil {
			r.notify(ref, err)
			return nil, err
		}
		results = append(results, v)
	}

	if len(targets) == 1 {
		if len(results) == 0 {
			return nil, nil
		}
		return results[0], nil
	}
	return results, nil
}

// call runs one registration, racing it against its timeout when one
// applies, and records the outcome.
func (r *Registry) call(ctx context.Context, reg *Registration, args []any, o InvokeOptions) (any, error) {
	timeout := reg.Options.Timeout
	if o.Timeout != 0 {
		timeout = o.Timeout
	}
	if timeout == 0 {
		timeout = r.cfg.DefaultTimeout
	}

	r.mu.Lock()
	r.active++
	r.invocations++
	r.mu.Unlock()

	start := time.Now()
	var (
		v   any
		err error
	)
	switch {
	case ctx.Err() != nil:
		err = cmerrors.Wrap(cmerrors.CodeInvocationCancelled, opInvoke, ctx.Err())
	case timeout > 0 || reg.Options.Async:
		v, err = race(ctx, reg, args, timeout)
	default:
		v, err = safeCall(ctx, reg, args)
	}
	duration := time.Since(start)

	r.mu.Lock()
	r.active--
	if err != nil {
		r.failures++
		if cmerrors.HasCode(err, cmerrors.CodeCallbackTimeout) {
			r.timeouts++
		}
	}
	r.mu.Unlock()

	rec := CallRecord{
		ID:       reg.ID,
		Name:     reg.Name,
		At:       start,
		Duration: duration,
		Success:  err == nil,
	}
	if err != nil {
		rec.Err = err.Error()
	}
	r.record(rec)
	r.metrics.RecordInvocation(ctx, reg.Name, duration, err)
	return v, err
}

type outcome struct {
	value any
	err   error
}

// race runs the handler on its own goroutine. Whichever of completion,
// timeout, or caller cancellation comes first wins; a late completion is
// dropped.
func race(ctx context.Context, reg *Registration, args []any, timeout time.Duration) (any, error) {
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		v, err := safeCall(hctx, reg, args)
		done <- outcome{v, err}
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case out := <-done:
		return out.value, out.err
	case <-expired:
		return nil, cmerrors.Timeout(opInvoke, timeout)
	case <-ctx.Done():
		return nil, cmerrors.Wrap(cmerrors.CodeInvocationCancelled, opInvoke, ctx.Err())
	}
}

// safeCall converts a handler panic into a HandlerPanic error.
func safeCall(ctx context.Context, reg *Registration, args []any) (v any, err error) {
	defer func() {
		if p := recover(); p != nil {
			v = nil
			err = cmerrors.Wrap(cmerrors.CodeHandlerPanic, opInvoke, &cmerrors.PanicError{
				Value: p,
				Stack: string(debug.Stack()),
			})
		}
	}()
	return reg.handler.Call(ctx, args)
}
