// Package worker runs offloaded tasks on a fixed set of isolated worker
// goroutines. A task receives its input only through its closure and hands
// its result back over a channel; workers share no state with callers.
package worker

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	cmerrors "github.com/randalmurphal/callmesh/pkg/callmesh/errors"
)

const opRun = "worker.run"

// Task is a unit of offloadable work.
type Task func(ctx context.Context) (any, error)

// Executor runs tasks. Pool implements it; a nil Executor means tasks run
// on the caller's goroutine via RunLocal.
type Executor interface {
	Run(ctx context.Context, task Task) (any, error)
}

// Config configures a Pool.
type Config struct {
	// Workers is the number of worker goroutines.
	// Default: runtime.NumCPU()
	Workers int

	// QueueSize bounds tasks waiting for a free worker.
	// Default: 4 * Workers
	QueueSize int

	// Logger receives worker failure logs. Default: slog.Default()
	Logger *slog.Logger
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{}

// Stats summarises pool activity.
type Stats struct {
	Workers   int
	Busy      int64
	Completed int64
	Failed    int64
}

type result struct {
	value any
	err   error
}

type job struct {
	ctx  context.Context
	task Task
	out  chan<- result
}

// Pool is a fixed-size worker pool. It is safe for concurrent use.
type Pool struct {
	cfg    Config
	logger *slog.Logger
	jobs   chan job
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	busy      atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// NewPool starts a pool. Zero config fields take their defaults.
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4 * cfg.Workers
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	p := &Pool{
		cfg:    cfg,
		logger: logger.With("component", "worker"),
		jobs:   make(chan job, cfg.QueueSize),
		group:  g,
		ctx:    gctx,
		cancel: cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			p.loop(id)
			return nil
		})
	}
	return p
}

func (p *Pool) loop(id int) {
	for {
		select {
		case <-p.ctx.Done():
			return
		case j := <-p.jobs:
			p.busy.Add(1)
			v, err := execute(j.ctx, j.task)
			p.busy.Add(-1)
			if err != nil {
				p.failed.Add(1)
				p.logger.Debug("task failed", "worker", id, "error", err)
			} else {
				p.completed.Add(1)
			}
			j.out <- result{value: v, err: err}
		}
	}
}

// Run hands task to a free worker and waits for its result. A closed pool
// or a cancelled ctx fails the call; a task still running when ctx ends
// keeps its worker until it returns.
func (p *Pool) Run(ctx context.Context, task Task) (any, error) {
	if p.closed.Load() {
		return nil, cmerrors.New(cmerrors.CodeWorkerError, opRun, "pool closed")
	}

	out := make(chan result, 1)
	select {
	case p.jobs <- job{ctx: ctx, task: task, out: out}:
	case <-ctx.Done():
		return nil, cmerrors.Wrap(cmerrors.CodeInvocationCancelled, opRun, ctx.Err())
	case <-p.ctx.Done():
		return nil, cmerrors.New(cmerrors.CodeWorkerError, opRun, "pool closed")
	}

	select {
	case r := <-out:
		return r.value, r.err
	case <-ctx.Done():
		return nil, cmerrors.Wrap(cmerrors.CodeInvocationCancelled, opRun, ctx.Err())
	case <-p.ctx.Done():
		return nil, cmerrors.New(cmerrors.CodeWorkerError, opRun, "pool closed")
	}
}

// Stats returns pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.cfg.Workers,
		Busy:      p.busy.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}

// Close stops the workers and waits for them to exit. Queued tasks that
// never started fail with WorkerError. Safe to call repeatedly.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()
	return p.group.Wait()
}

// RunLocal runs task on the calling goroutine with the same failure
// conversion a worker applies.
func RunLocal(ctx context.Context, task Task) (any, error) {
	return execute(ctx, task)
}

// Run runs task on exec, or locally when exec is nil.
func Run(ctx context.Context, exec Executor, task Task) (any, error) {
	if exec == nil {
		return RunLocal(ctx, task)
	}
	return exec.Run(ctx, task)
}

// execute converts panics and uncoded task errors into WorkerError.
func execute(ctx context.Context, task Task) (v any, err error) {
	defer func() {
		if p := recover(); p != nil {
			v = nil
			err = cmerrors.Wrap(cmerrors.CodeWorkerError, opRun, &cmerrors.PanicError{
				Value: p,
				Stack: string(debug.Stack()),
			})
		}
	}()
	if task == nil {
		return nil, cmerrors.New(cmerrors.CodeInvalidArgument, opRun, "nil task")
	}
	v, err = task(ctx)
	if err != nil && cmerrors.CodeOf(err) == "" {
		err = cmerrors.Wrap(cmerrors.CodeWorkerError, opRun, err)
	}
	return v, err
}
