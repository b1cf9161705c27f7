package callback

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	cmerrors "github.com/randalmurphal/callmesh/pkg/callmesh/errors"
	"github.com/randalmurphal/callmesh/pkg/callmesh/future"
	"github.com/randalmurphal/callmesh/pkg/callmesh/observability"
	"github.com/randalmurphal/callmesh/pkg/callmesh/registry"
)

// Config configures a Registry.
type Config struct {
	// MaxDepth bounds nested invocations through the context.
	// Default: 32
	MaxDepth int

	// HistorySize is the capacity of the call history ring.
	// Default: 100
	HistorySize int

	// DefaultTimeout applies to registrations without their own timeout.
	// Default: 0 (none)
	DefaultTimeout time.Duration

	// SwallowErrors makes Invoke return (nil, nil) on failure. Error
	// handlers still see every failure and InvokeAsync still rejects.
	SwallowErrors bool

	// Logger receives failure logs. Default: slog.Default()
	Logger *slog.Logger

	// Metrics records invocations. Default: observability.NoopMetrics{}
	Metrics observability.MetricsRecorder
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	MaxDepth:    32,
	HistorySize: 100,
}

// Registry stores handlers and invokes them. It is safe for concurrent use.
type Registry struct {
	cfg     Config
	logger  *slog.Logger
	metrics observability.MetricsRecorder

	regs          *registry.Arena[*Registration]
	errorHandlers *registry.Arena[ErrorHandler]
	disposed      atomic.Bool

	mu          sync.Mutex
	history     []CallRecord
	histNext    int
	histFull    bool
	invocations int64
	failures    int64
	timeouts    int64
	active      int
}

// NewRegistry creates a registry. Zero config fields take their defaults.
func NewRegistry(cfg Config) *Registry {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultConfig.MaxDepth
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig.HistorySize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Registry{
		cfg:           cfg,
		logger:        logger.With("component", "callback"),
		metrics:       metrics,
		regs:          registry.NewArena[*Registration](),
		errorHandlers: registry.NewArena[ErrorHandler](),
		history:       make([]CallRecord, cfg.HistorySize),
	}
}

// Register stores h under name and returns its id. It returns 0 when h is
// nil or the registry has been disposed.
func (r *Registry) Register(name string, h Handler, opts ...Option) ID {
	if h == nil || r.disposed.Load() {
		return 0
	}
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return r.regs.InsertWith(func(id ID) *Registration {
		return &Registration{
			ID:           id,
			Name:         name,
			Options:      o,
			RegisteredAt: time.Now(),
			handler:      h,
		}
	})
}

// Unregister removes the registration with ref.ID, or every registration
// named ref.Name. It reports whether anything was removed.
func (r *Registry) Unregister(ref Ref) bool {
	if ref.ID != 0 {
		return r.regs.Remove(ref.ID)
	}
	if ref.Name == "" {
		return false
	}
	removed := r.regs.RemoveIf(func(_ ID, reg *Registration) bool {
		return reg.Name == ref.Name
	})
	return len(removed) > 0
}

// Has reports whether ref resolves to at least one registration.
func (r *Registry) Has(ref Ref) bool {
	return len(r.resolve(ref)) > 0
}

// Get returns the registration with the given id.
func (r *Registry) Get(id ID) (Registration, bool) {
	reg, ok := r.regs.Get(id)
	if !ok {
		return Registration{}, false
	}
	return *reg, true
}

// resolve returns the registrations ref targets, highest priority first.
// Equal priorities keep registration order.
func (r *Registry) resolve(ref Ref) []*Registration {
	if ref.ID != 0 {
		reg, ok := r.regs.Get(ref.ID)
		if !ok {
			return nil
		}
		return []*Registration{reg}
	}
	if ref.Name == "" {
		return nil
	}
	var out []*Registration
	for _, e := range r.regs.Snapshot() {
		if e.Value.Name == ref.Name {
			out = append(out, e.Value)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Options.Priority > out[j].Options.Priority
	})
	return out
}

// AddErrorHandler registers fn to observe failures and returns a function
// that removes it.
func (r *Registry) AddErrorHandler(fn ErrorHandler) (remove func()) {
	if fn == nil {
		return func() {}
	}
	id := r.errorHandlers.Insert(fn)
	return func() { r.errorHandlers.Remove(id) }
}

// notify runs error handlers synchronously. Their panics never escape.
func (r *Registry) notify(ref Ref, err error) {
	r.logger.Warn("callback failed",
		"ref", ref.String(),
		"code", string(cmerrors.CodeOf(err)),
		"error", err,
	)
	for _, e := range r.errorHandlers.Snapshot() {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("error handler panicked", "ref", ref.String(), "panic", p)
				}
			}()
			e.Value(ref, err)
		}()
	}
}

// Invoke runs the handlers ref resolves to and returns a single result,
// or []any when several registrations share the name.
func (r *Registry) Invoke(ctx context.Context, ref Ref, args []any, opts ...InvokeOption) (any, error) {
	v, err := r.invoke(ctx, ref, args, opts)
	if err != nil && r.cfg.SwallowErrors {
		return nil, nil
	}
	return v, err
}

// InvokeAsync runs Invoke on its own goroutine. The future rejects on any
// failure regardless of SwallowErrors.
func (r *Registry) InvokeAsync(ctx context.Context, ref Ref, args []any, opts ...InvokeOption) *future.Future {
	f := future.New()
	go func() {
		v, err := r.invoke(ctx, ref, args, opts)
		if err != nil {
			f.Reject(err)
			return
		}
		f.Resolve(v)
	}()
	return f
}

// CallHistory returns up to limit of the most recent calls, oldest first.
// A limit <= 0 returns the whole ring.
func (r *Registry) CallHistory(limit int) []CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ordered []CallRecord
	if r.histFull {
		ordered = append(ordered, r.history[r.histNext:]...)
	}
	ordered = append(ordered, r.history[:r.histNext]...)
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}

func (r *Registry) record(rec CallRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.history) == 0 {
		return
	}
	r.history[r.histNext] = rec
	r.histNext++
	if r.histNext == len(r.history) {
		r.histNext = 0
		r.histFull = true
	}
}

// Stats returns a snapshot of registry counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Registered:  r.regs.Len(),
		Invocations: r.invocations,
		Failures:    r.failures,
		Timeouts:    r.timeouts,
		Active:      r.active,
	}
}

// Dispose drops every registration, error handler, and history entry.
// Later invocations fail with ManagerDisposed. Safe to call repeatedly.
func (r *Registry) Dispose() {
	if !r.disposed.CompareAndSwap(false, true) {
		return
	}
	r.regs.Clear()
	r.errorHandlers.Clear()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = nil
	r.histNext = 0
	r.histFull = false
}
