package event

import (
	"context"
	"fmt"
	"time"

	"github.com/randalmurphal/callmesh/pkg/callmesh/registry"
)

// Event is one published occurrence. Events are immutable once published.
type Event struct {
	ID        string
	Type      string
	Payload   any
	Namespace string
	Metadata  map[string]any
	Timestamp time.Time
}

// Handler processes events.
type Handler interface {
	Handle(ctx context.Context, evt Event) error
}

// HandlerFunc is a function that implements Handler.
type HandlerFunc func(ctx context.Context, evt Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

// SubscriptionID identifies a subscription. Ids are never reused by a Bus.
type SubscriptionID = registry.ID

// SubscribeOptions configure a subscription.
type SubscribeOptions struct {
	// Priority orders delivery. Higher runs first.
	Priority int

	// Once removes the subscription after its first delivery.
	Once bool

	// Filter skips events for which it returns false. A skipped event does
	// not consume a one-shot subscription.
	Filter func(Event) bool

	// Namespace scopes the subscription.
	Namespace string
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*SubscribeOptions)

// WithPriority sets the subscription priority.
func WithPriority(p int) SubscribeOption {
	return func(o *SubscribeOptions) { o.Priority = p }
}

// Once makes the subscription one-shot.
func Once() SubscribeOption {
	return func(o *SubscribeOptions) { o.Once = true }
}

// WithFilter sets a filter predicate.
func WithFilter(fn func(Event) bool) SubscribeOption {
	return func(o *SubscribeOptions) { o.Filter = fn }
}

// InNamespace scopes the subscription to ns.
func InNamespace(ns string) SubscribeOption {
	return func(o *SubscribeOptions) { o.Namespace = ns }
}

type dispatchMode int

const (
	modeDefault dispatchMode = iota
	modeSync
	modeAsync
)

// PublishOptions configure one publish.
type PublishOptions struct {
	Namespace string
	Metadata  map[string]any
	mode      dispatchMode
}

// PublishOption configures a publish.
type PublishOption func(*PublishOptions)

// ToNamespace publishes into ns.
func ToNamespace(ns string) PublishOption {
	return func(o *PublishOptions) { o.Namespace = ns }
}

// WithMetadata attaches a metadata entry to the event.
func WithMetadata(key string, value any) PublishOption {
	return func(o *PublishOptions) {
		if o.Metadata == nil {
			o.Metadata = make(map[string]any)
		}
		o.Metadata[key] = value
	}
}

// Sync forces synchronous dispatch for this publish.
func Sync() PublishOption {
	return func(o *PublishOptions) { o.mode = modeSync }
}

// Async forces queued dispatch for this publish.
func Async() PublishOption {
	return func(o *PublishOptions) { o.mode = modeAsync }
}

// SubscriberError describes a failed delivery.
type SubscriberError struct {
	Event        Event
	Subscription SubscriptionID
	Pattern      string
	Err          error
}

// Error implements error interface.
func (e *SubscriberError) Error() string {
	return fmt.Sprintf("event %s (%s): subscription %d on %q: %v",
		e.Event.ID, e.Event.Type, e.Subscription, e.Pattern, e.Err)
}

// Unwrap returns the underlying error.
func (e *SubscriberError) Unwrap() error {
	return e.Err
}

// Metrics summarises bus activity.
type Metrics struct {
	Published   map[string]int64
	Dispatched  int64
	Errors      int64
	Subscribers int
	Queued      int
	HistorySize int
}
