package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/randalmurphal/callmesh/pkg/callmesh/callback"
	cmerrors "github.com/randalmurphal/callmesh/pkg/callmesh/errors"
	"github.com/randalmurphal/callmesh/pkg/callmesh/observability"
	"github.com/randalmurphal/callmesh/pkg/callmesh/worker"
)

// Status is the lifecycle state of an execution.
type Status string

// Execution states. Completed, Error, and Cancelled are terminal.
const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// Well-known priorities for the default four levels. Higher runs first.
const (
	PriorityLow      = 0
	PriorityNormal   = 1
	PriorityHigh     = 2
	PriorityCritical = 3
)

// Options control one execution.
type Options struct {
	// Priority selects the queue level, clamped to [0, PriorityLevels-1].
	Priority int

	// Timeout bounds each attempt. Zero or negative means no timeout.
	Timeout time.Duration

	// RetryCount is the number of retries after the first attempt.
	RetryCount int

	// RetryDelay is the base retry delay; attempt n waits RetryDelay*n.
	RetryDelay time.Duration

	// BatchKey coalesces submissions sharing the key within the batch
	// window into one call.
	BatchKey string

	// Offload runs a worker.Task returned by the handler on the worker pool.
	Offload bool

	// Metadata is free-form data visible to middleware.
	Metadata map[string]any
}

// Option configures an execution.
type Option func(*Options)

// WithPriority sets the priority level.
func WithPriority(p int) Option {
	return func(o *Options) { o.Priority = p }
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithRetry sets the retry budget and base delay.
func WithRetry(count int, delay time.Duration) Option {
	return func(o *Options) {
		o.RetryCount = count
		o.RetryDelay = delay
	}
}

// WithBatchKey enables batching under key.
func WithBatchKey(key string) Option {
	return func(o *Options) { o.BatchKey = key }
}

// WithOffload enables worker offload of Task results.
func WithOffload() Option {
	return func(o *Options) { o.Offload = true }
}

// WithMetadata attaches a metadata entry.
func WithMetadata(key string, value any) Option {
	return func(o *Options) {
		if o.Metadata == nil {
			o.Metadata = make(map[string]any)
		}
		o.Metadata[key] = value
	}
}

// Invocation is what middleware sees before an execution is queued.
// Middleware may rewrite Args and Options.
type Invocation struct {
	ID      string
	Target  callback.Ref
	Args    []any
	Options Options
}

// Middleware inspects or rewrites an invocation. Returning an error vetoes
// it; the caller's future rejects with InvocationCancelled.
type Middleware func(ctx context.Context, inv *Invocation) error

// Descriptor is a snapshot of an execution.
type Descriptor struct {
	ID         string
	Target     string
	Status     Status
	Priority   int
	Attempts   int
	BatchKey   string
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Result     any
	Err        error
}

// Stats summarises scheduler activity.
type Stats struct {
	Queued    int
	Active    int
	Waiting   int
	Levels    []int
	Submitted int64
	Completed int64
	Failed    int64
	Cancelled int64
	Retries   int64
	Evicted   int64
}

// Config configures a Scheduler.
type Config struct {
	// MaxConcurrent caps simultaneously active executions.
	// Default: 4
	MaxConcurrent int

	// PriorityLevels is the number of FIFO queues.
	// Default: 4
	PriorityLevels int

	// DefaultTimeout applies when a submission sets none.
	// Default: 30 seconds
	DefaultTimeout time.Duration

	// RetryCount is the default retry budget. Negative is treated as 0.
	RetryCount int

	// RetryDelay is the default base retry delay.
	RetryDelay time.Duration

	// MaxQueueSize bounds queued executions. Default: 0 (unbounded)
	MaxQueueSize int

	// BatchWindow is the debounce window for batched submissions.
	// Default: 10ms
	BatchWindow time.Duration

	// ResultTTL is how long terminal descriptors stay queryable.
	// Default: 1 minute
	ResultTTL time.Duration

	// Registry resolves targets. Nil gives the scheduler a registry of its
	// own, reachable through Scheduler.Registry and disposed with it.
	Registry *callback.Registry

	// Workers runs offloaded tasks. Nil runs them locally.
	Workers worker.Executor

	// Resilience records exhausted failures and gates dispatch per target.
	// Optional.
	Resilience *cmerrors.Handler

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics defaults to observability.NoopMetrics{}.
	Metrics observability.MetricsRecorder

	// Spans defaults to observability.NoopSpanManager{}.
	Spans observability.SpanManager
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	MaxConcurrent:  4,
	PriorityLevels: 4,
	DefaultTimeout: 30 * time.Second,
	RetryCount:     2,
	RetryDelay:     100 * time.Millisecond,
	BatchWindow:    10 * time.Millisecond,
	ResultTTL:      time.Minute,
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultConfig.MaxConcurrent
	}
	if c.PriorityLevels <= 0 {
		c.PriorityLevels = DefaultConfig.PriorityLevels
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = DefaultConfig.DefaultTimeout
	}
	if c.RetryCount < 0 {
		c.RetryCount = 0
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = DefaultConfig.BatchWindow
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = DefaultConfig.ResultTTL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = observability.NoopMetrics{}
	}
	if c.Spans == nil {
		c.Spans = observability.NoopSpanManager{}
	}
	if c.Registry == nil {
		c.Registry = callback.NewRegistry(callback.Config{Logger: c.Logger, Metrics: c.Metrics})
	}
	return c
}
