package callback

import (
	"context"
	"strconv"
	"time"

	"github.com/randalmurphal/callmesh/pkg/callmesh/registry"
)

// ID identifies a registration. Ids are never reused by a Registry.
type ID = registry.ID

// Handler is a unit of registered behavior.
type Handler interface {
	Call(ctx context.Context, args []any) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, args []any) (any, error)

// Call implements Handler.
func (f HandlerFunc) Call(ctx context.Context, args []any) (any, error) {
	return f(ctx, args)
}

// Ref targets registrations either by id or by name. When ID is non-zero
// it wins over Name.
type Ref struct {
	ID   ID
	Name string
}

// ByID returns a Ref for one registration.
func ByID(id ID) Ref {
	return Ref{ID: id}
}

// ByName returns a Ref for every registration sharing name.
func ByName(name string) Ref {
	return Ref{Name: name}
}

// IsZero reports whether the ref targets nothing.
func (r Ref) IsZero() bool {
	return r.ID == 0 && r.Name == ""
}

// String returns the name, or "#<id>" for id refs.
func (r Ref) String() string {
	if r.ID != 0 {
		return "#" + strconv.FormatUint(uint64(r.ID), 10)
	}
	return r.Name
}

// Options are the execution options of a registration.
type Options struct {
	// Priority orders registrations sharing a name. Higher runs first.
	Priority int

	// Timeout bounds each invocation. Zero falls back to the registry's
	// DefaultTimeout; negative disables the timeout.
	Timeout time.Duration

	// Once unregisters the handler after it fires.
	Once bool

	// Async runs the handler on its own goroutine even without a timeout,
	// so the caller can abandon it when its context ends.
	Async bool

	// Metadata is free-form data carried with the registration.
	Metadata map[string]any
}

// Option configures a registration.
type Option func(*Options)

// WithPriority sets the registration priority.
func WithPriority(p int) Option {
	return func(o *Options) { o.Priority = p }
}

// WithTimeout sets the per-invocation timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// Once makes the registration one-shot.
func Once() Option {
	return func(o *Options) { o.Once = true }
}

// Async marks the handler as long-running.
func Async() Option {
	return func(o *Options) { o.Async = true }
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

// InvokeOptions override registration options for one call.
type InvokeOptions struct {
	// Timeout overrides the registration timeout when non-zero.
	Timeout time.Duration
}

// InvokeOption configures a single invocation.
type InvokeOption func(*InvokeOptions)

// WithCallTimeout overrides the timeout for one invocation.
func WithCallTimeout(d time.Duration) InvokeOption {
	return func(o *InvokeOptions) { o.Timeout = d }
}

// Registration describes a registered handler.
type Registration struct {
	ID           ID
	Name         string
	Options      Options
	RegisteredAt time.Time

	handler Handler
}

// CallRecord is one entry of the call history.
type CallRecord struct {
	ID       ID
	Name     string
	At       time.Time
	Duration time.Duration
	Success  bool
	Err      string
}

// ErrorHandler observes invocation failures.
type ErrorHandler func(ref Ref, err error)

// Stats summarises registry activity.
type Stats struct {
	Registered  int
	Invocations int64
	Failures    int64
	Timeouts    int64
	Active      int
}
