// Package future provides the async-result handle returned by callmesh
// operations that complete later: scheduled executions, async callback
// invocations, and lock acquisitions.
//
// A Future settles exactly once. The first Resolve or Reject wins; later
// calls are ignored and report false, which is how timeout races discard
// the losing completion.
package future

import (
	"context"
	"sync"
)

// Future is a write-once result that callers can wait on.
type Future struct {
	done chan struct{}

	mu      sync.Mutex
	settled bool
	value   any
	err     error
	hooks   []func(any, error)
}

// New creates an unsettled future.
func New() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns a future already settled with v.
func Resolved(v any) *Future {
	f := New()
	f.Resolve(v)
	return f
}

// Rejected returns a future already settled with err.
func Rejected(err error) *Future {
	f := New()
	f.Reject(err)
	return f
}

// Resolve settles the future with a value. It reports whether this call
// settled it.
func (f *Future) Resolve(v any) bool {
	return f.settle(v, nil)
}

// Reject settles the future with an error. It reports whether this call
// settled it.
func (f *Future) Reject(err error) bool {
	return f.settle(nil, err)
}

func (f *Future) settle(v any, err error) bool {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return false
	}
	f.settled = true
	f.value = v
	f.err = err
	hooks := f.hooks
	f.hooks = nil
	close(f.done)
	f.mu.Unlock()

	for _, h := range hooks {
		h(v, err)
	}
	return true
}

// Done returns a channel closed once the future settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether the future has a result.
func (f *Future) Settled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settled
}

// Result returns the settled value and error. ok is false while the
// future is still pending.
func (f *Future) Result() (v any, err error, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err, f.settled
}

// Wait blocks until the future settles or ctx is done.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnSettle registers fn to run once the future settles. If it already
// has, fn runs immediately on the calling goroutine.
func (f *Future) OnSettle(fn func(v any, err error)) {
	f.mu.Lock()
	if !f.settled {
		f.hooks = append(f.hooks, fn)
		f.mu.Unlock()
		return
	}
	v, err := f.value, f.err
	f.mu.Unlock()
	fn(v, err)
}
