// Package scheduler runs registered callbacks through priority queues
// under a global concurrency cap, with per-attempt timeouts, linear retry,
// batching of like calls, worker offload, and a middleware pipeline.
//
// Basic usage:
//
//	reg := callback.NewRegistry(callback.DefaultConfig)
//	reg.Register("double", double)
//
//	cfg := scheduler.DefaultConfig
//	cfg.Registry = reg
//	s := scheduler.New(cfg)
//	defer s.Dispose()
//
//	id, f := s.Submit(ctx, callback.ByName("double"), []any{21},
//	    scheduler.WithPriority(scheduler.PriorityHigh))
//	v, err := f.Wait(ctx)
//
// Every execution is a small state machine: pending → active → one of
// completed, error, or cancelled, with failed attempts looping back to
// pending while retries remain. Timers drive the transitions and each
// transition happens under the scheduler lock, so a losing completion
// (a result arriving after its timeout, say) is dropped.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/callmesh/pkg/callmesh/callback"
	cmerrors "github.com/randalmurphal/callmesh/pkg/callmesh/errors"
	"github.com/randalmurphal/callmesh/pkg/callmesh/future"
)

const (
	opSubmit  = "scheduler.submit"
	opExecute = "scheduler.execute"
	opCancel  = "scheduler.cancel"
)

// execution is the scheduler-owned state of one unit of work. All fields
// are guarded by Scheduler.mu.
type execution struct {
	id     string
	target callback.Ref
	args   []any
	opts   Options
	ctx    context.Context
	future *future.Future

	status     Status
	attempts   int
	queued     bool
	waiting    bool
	inBatch    bool
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
	result     any
	err        error

	timer  *time.Timer
	cancel context.CancelFunc

	// members are the batched submissions a carrier execution serves;
	// carrier points back from a member once its batch has flushed.
	members []*execution
	carrier *execution
}

func (e *execution) descriptor() Descriptor {
	return Descriptor{
		ID:         e.id,
		Target:     e.target.String(),
		Status:     e.status,
		Priority:   e.opts.Priority,
		Attempts:   e.attempts,
		BatchKey:   e.opts.BatchKey,
		CreatedAt:  e.createdAt,
		StartedAt:  e.startedAt,
		FinishedAt: e.finishedAt,
		Result:     e.result,
		Err:        e.err,
	}
}

// Scheduler owns every queued and running execution. It is safe for
// concurrent use.
type Scheduler struct {
	cfg     Config
	logger  *slog.Logger
	ownsReg bool

	mu         sync.Mutex
	queues     [][]*execution
	queued     int
	active     int
	waiting    int
	executions map[string]*execution
	batches    map[string]*batch
	middleware []Middleware
	disposed   bool

	submitted int64
	completed int64
	failed    int64
	cancelled int64
	retries   int64
	evicted   int64
}

// New creates a scheduler. Zero config fields take their defaults.
func New(cfg Config) *Scheduler {
	owns := cfg.Registry == nil
	cfg = cfg.withDefaults()
	return &Scheduler{
		ownsReg:    owns,
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "scheduler"),
		queues:     make([][]*execution, cfg.PriorityLevels),
		executions: make(map[string]*execution),
		batches:    make(map[string]*batch),
	}
}

// Registry returns the registry targets are resolved against.
func (s *Scheduler) Registry() *callback.Registry {
	return s.cfg.Registry
}

// Use appends middleware. Middleware runs in registration order on every
// later submission.
func (s *Scheduler) Use(m Middleware) {
	if m == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middleware = append(s.middleware, m)
}

// Submit queues an invocation of target and returns its execution id and
// a future for its result. A refused submission returns an already
// rejected future; its id is still queryable through Status unless the
// scheduler is disposed.
func (s *Scheduler) Submit(ctx context.Context, target callback.Ref, args []any, opts ...Option) (string, *future.Future) {
	o := Options{
		Priority:   PriorityNormal,
		Timeout:    s.cfg.DefaultTimeout,
		RetryCount: s.cfg.RetryCount,
		RetryDelay: s.cfg.RetryDelay,
	}
	for _, opt := range opts {
		opt(&o)
	}

	inv := &Invocation{
		ID:      uuid.NewString(),
		Target:  target,
		Args:    args,
		Options: o,
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return "", future.Rejected(cmerrors.Disposed(opSubmit))
	}
	chain := append([]Middleware(nil), s.middleware...)
	s.mu.Unlock()

	var veto error
	for _, m := range chain {
		if err := runMiddleware(ctx, m, inv); err != nil {
			veto = err
			break
		}
	}

	e := &execution{
		id:        inv.ID,
		target:    inv.Target,
		args:      inv.Args,
		opts:      inv.Options,
		ctx:       context.WithoutCancel(ctx),
		future:    future.New(),
		status:    StatusPending,
		createdAt: time.Now(),
	}
	e.opts.Priority = s.clampPriority(e.opts.Priority)
	if e.opts.RetryCount < 0 {
		e.opts.RetryCount = 0
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return "", future.Rejected(cmerrors.Disposed(opSubmit))
	}
	s.submitted++
	s.executions[e.id] = e

	var settle []func()
	switch {
	case veto != nil:
		settle = s.finishLocked(e, StatusCancelled, nil,
			cmerrors.Wrap(cmerrors.CodeInvocationCancelled, opSubmit, veto))
	case target.IsZero():
		settle = s.finishLocked(e, StatusError, nil,
			cmerrors.New(cmerrors.CodeInvalidArgument, opSubmit, "empty target"))
	case e.opts.BatchKey != "":
		s.addToBatchLocked(e)
	default:
		settle = s.enqueueLocked(e)
		s.dispatchLocked()
	}
	s.mu.Unlock()

	runAll(settle)
	return e.id, e.future
}

// Invoke is Submit without the execution id.
func (s *Scheduler) Invoke(ctx context.Context, target callback.Ref, args []any, opts ...Option) *future.Future {
	_, f := s.Submit(ctx, target, args, opts...)
	return f
}

func runMiddleware(ctx context.Context, m Middleware, inv *Invocation) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("middleware panicked: %v", p)
		}
	}()
	return m(ctx, inv)
}

func (s *Scheduler) clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p >= s.cfg.PriorityLevels {
		return s.cfg.PriorityLevels - 1
	}
	return p
}

// Cancel cancels a non-terminal execution. A queued or retry-waiting
// execution never runs; an active one keeps running but its result is
// discarded. It reports whether the execution was cancelled.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	e, ok := s.executions[id]
	if !ok || s.disposed || e.status.Terminal() {
		s.mu.Unlock()
		return false
	}

	s.detachLocked(e)
	settle := s.finishLocked(e, StatusCancelled, nil,
		cmerrors.New(cmerrors.CodeInvocationCancelled, opCancel, "cancelled"))
	s.dispatchLocked()
	s.mu.Unlock()

	runAll(settle)
	return true
}

// detachLocked takes e out of whatever is holding it: its batch, its
// retry timer, its queue, or the active set. A batch member already handed
// to its carrier stays with the carrier, which skips settled members.
func (s *Scheduler) detachLocked(e *execution) {
	if e.carrier != nil {
		return
	}
	if e.inBatch {
		s.removeFromBatchLocked(e)
		return
	}
	if e.waiting {
		e.timer.Stop()
		e.timer = nil
		e.waiting = false
		s.waiting--
	}
	if e.queued {
		s.removeFromQueueLocked(e)
	}
	if e.status == StatusActive {
		s.active--
		if e.cancel != nil {
			e.cancel()
			e.cancel = nil
		}
	}
}

// Status returns a snapshot of the execution with id. Terminal executions
// remain visible for ResultTTL.
func (s *Scheduler) Status(id string) (Descriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return Descriptor{}, false
	}
	return e.descriptor(), true
}

// Stats returns scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	levels := make([]int, len(s.queues))
	for i, q := range s.queues {
		levels[i] = len(q)
	}
	return Stats{
		Queued:    s.queued,
		Active:    s.active,
		Waiting:   s.waiting,
		Levels:    levels,
		Submitted: s.submitted,
		Completed: s.completed,
		Failed:    s.failed,
		Cancelled: s.cancelled,
		Retries:   s.retries,
		Evicted:   s.evicted,
	}
}

// Dispose rejects every non-terminal execution with ManagerDisposed, stops
// all timers, and drops all state. Safe to call repeatedly.
func (s *Scheduler) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true

	var settle []func()
	for _, e := range s.executions {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		if e.cancel != nil {
			e.cancel()
			e.cancel = nil
		}
		if !e.status.Terminal() {
			settle = append(settle, s.settleLocked(e, StatusCancelled, nil, cmerrors.Disposed(opExecute))...)
		}
	}
	for _, b := range s.batches {
		b.timer.Stop()
	}
	s.executions = make(map[string]*execution)
	s.batches = make(map[string]*batch)
	s.queues = make([][]*execution, s.cfg.PriorityLevels)
	s.queued, s.active, s.waiting = 0, 0, 0
	s.middleware = nil
	s.mu.Unlock()

	runAll(settle)
	if s.ownsReg {
		s.cfg.Registry.Dispose()
	}
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
