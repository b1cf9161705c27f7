package event

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	cmerrors "github.com/randalmurphal/callmesh/pkg/callmesh/errors"
	"github.com/randalmurphal/callmesh/pkg/callmesh/observability"
	"github.com/randalmurphal/callmesh/pkg/callmesh/pattern"
	"github.com/randalmurphal/callmesh/pkg/callmesh/registry"
)

const (
	opSubscribe = "event.subscribe"
	opPublish   = "event.publish"
)

// BusConfig configures bus behavior.
type BusConfig struct {
	// DisableWildcards compares every pattern literally.
	// Default: false (wildcards enabled)
	DisableWildcards bool

	// Async queues published events for a single drain goroutine.
	// Default: false (subscribers run inside Publish)
	Async bool

	// HistorySize is the capacity of the event history ring.
	// Default: 100
	HistorySize int

	// MaxSubscribers limits total subscriptions.
	// Default: 0 (unlimited)
	MaxSubscribers int

	// OnError is called when a subscriber fails.
	OnError func(err *SubscriberError)

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics defaults to observability.NoopMetrics{}.
	Metrics observability.MetricsRecorder
}

// DefaultBusConfig provides reasonable defaults.
var DefaultBusConfig = BusConfig{
	HistorySize: 100,
}

type subscription struct {
	id      SubscriptionID
	pattern string
	handler Handler
	opts    SubscribeOptions
}

type pending struct {
	ctx context.Context
	evt Event
}

// Bus is an in-memory publish/subscribe bus. It is safe for concurrent use.
type Bus struct {
	config  BusConfig
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	matcher *pattern.Matcher

	subs     *registry.Arena[*subscription]
	disposed atomic.Bool

	mu         sync.Mutex
	history    []Event
	histNext   int
	histFull   bool
	published  map[string]int64
	dispatched int64
	errors     int64
	queue      []pending
	draining   bool
}

// NewBus creates a new bus. Zero config fields take their defaults.
func NewBus(config BusConfig) *Bus {
	if config.HistorySize <= 0 {
		config.HistorySize = DefaultBusConfig.HistorySize
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Bus{
		config:    config,
		logger:    logger.With("component", "event"),
		metrics:   metrics,
		matcher:   pattern.NewMatcher(!config.DisableWildcards),
		subs:      registry.NewArena[*subscription](),
		history:   make([]Event, config.HistorySize),
		published: make(map[string]int64),
	}
}

// Subscribe registers handler for events whose type matches pat.
func (b *Bus) Subscribe(pat string, handler Handler, opts ...SubscribeOption) (SubscriptionID, error) {
	if b.disposed.Load() {
		return 0, cmerrors.Disposed(opSubscribe)
	}
	if pat == "" || handler == nil {
		return 0, cmerrors.New(cmerrors.CodeInvalidArgument, opSubscribe, "pattern and handler are required")
	}
	if b.config.MaxSubscribers > 0 && b.subs.Len() >= b.config.MaxSubscribers {
		return 0, cmerrors.New(cmerrors.CodeInvalidArgument, opSubscribe,
			fmt.Sprintf("subscriber limit %d reached", b.config.MaxSubscribers))
	}

	var o SubscribeOptions
	for _, opt := range opts {
		opt(&o)
	}
	// Compile up front so a bad pattern costs nothing at publish time.
	b.matcher.Get(pat)

	return b.subs.InsertWith(func(id SubscriptionID) *subscription {
		return &subscription{id: id, pattern: pat, handler: handler, opts: o}
	}), nil
}

// Unsubscribe removes one subscription.
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	return b.subs.Remove(id)
}

// UnsubscribePattern removes every subscription registered with exactly
// pat and returns how many were removed.
func (b *Bus) UnsubscribePattern(pat string) int {
	removed := b.subs.RemoveIf(func(_ SubscriptionID, s *subscription) bool {
		return s.pattern == pat
	})
	if len(removed) > 0 {
		b.matcher.Forget(pat)
	}
	return len(removed)
}

// UnsubscribeNamespace removes every subscription scoped to ns.
func (b *Bus) UnsubscribeNamespace(ns string) int {
	return len(b.subs.RemoveIf(func(_ SubscriptionID, s *subscription) bool {
		return s.opts.Namespace == ns
	}))
}

// HasSubscribers reports whether any subscription matches eventType,
// regardless of namespace.
func (b *Bus) HasSubscribers(eventType string) bool {
	for _, e := range b.subs.Snapshot() {
		if b.matcher.Match(e.Value.pattern, eventType) {
			return true
		}
	}
	return false
}

// Publish records an event and delivers it to matching subscriptions. It
// returns the event id.
func (b *Bus) Publish(ctx context.Context, eventType string, payload any, opts ...PublishOption) (string, error) {
	if b.disposed.Load() {
		return "", cmerrors.Disposed(opPublish)
	}
	if eventType == "" {
		return "", cmerrors.New(cmerrors.CodeInvalidArgument, opPublish, "event type is required")
	}

	var o PublishOptions
	for _, opt := range opts {
		opt(&o)
	}
	evt := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		Namespace: o.Namespace,
		Metadata:  o.Metadata,
		Timestamp: time.Now(),
	}

	async := b.config.Async
	switch o.mode {
	case modeSync:
		async = false
	case modeAsync:
		async = true
	}

	b.mu.Lock()
	b.recordLocked(evt)
	if async {
		b.queue = append(b.queue, pending{ctx: context.WithoutCancel(ctx), evt: evt})
		if !b.draining {
			b.draining = true
			go b.drain()
		}
		b.mu.Unlock()
		return evt.ID, nil
	}
	b.mu.Unlock()

	b.dispatch(ctx, evt)
	return evt.ID, nil
}

func (b *Bus) recordLocked(evt Event) {
	b.published[evt.Type]++
	if len(b.history) == 0 {
		return
	}
	b.history[b.histNext] = evt
	b.histNext++
	if b.histNext == len(b.history) {
		b.histNext = 0
		b.histFull = true
	}
}

// drain delivers queued events one at a time until the queue is empty.
func (b *Bus) drain() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 || b.disposed.Load() {
			b.queue = nil
			b.draining = false
			b.mu.Unlock()
			return
		}
		next := b.queue[0]
		b.queue[0] = pending{}
		b.queue = b.queue[1:]
		b.mu.Unlock()

		b.dispatch(next.ctx, next.evt)
	}
}

// matching returns the live subscriptions for evt, highest priority first.
// Equal priorities keep subscription order.
func (b *Bus) matching(evt Event) []*subscription {
	var out []*subscription
	for _, e := range b.subs.Snapshot() {
		s := e.Value
		if s.opts.Namespace != "" && s.opts.Namespace != evt.Namespace {
			continue
		}
		if b.matcher.Match(s.pattern, evt.Type) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].opts.Priority > out[j].opts.Priority
	})
	return out
}

func (b *Bus) dispatch(ctx context.Context, evt Event) {
	delivered := 0
	for _, s := range b.matching(evt) {
		if b.disposed.Load() {
			return
		}
		if s.opts.Filter != nil && !b.accepts(s, evt) {
			continue
		}
		// A one-shot subscription belongs to whichever delivery removes it.
		if s.opts.Once && !b.subs.Remove(s.id) {
			continue
		}
		delivered++
		if err := b.deliver(ctx, s, evt); err != nil {
			b.fail(s, evt, err)
		}
	}

	b.mu.Lock()
	b.dispatched += int64(delivered)
	b.mu.Unlock()
	b.metrics.RecordPublish(ctx, evt.Type, delivered)
}

func (b *Bus) accepts(s *subscription, evt Event) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			b.fail(s, evt, fmt.Errorf("filter panicked: %v", p))
			ok = false
		}
	}()
	return s.opts.Filter(evt)
}

func (b *Bus) deliver(ctx context.Context, s *subscription, evt Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = cmerrors.Wrap(cmerrors.CodeHandlerPanic, "event.deliver", &cmerrors.PanicError{
				Value: p,
				Stack: string(debug.Stack()),
			})
		}
	}()
	return s.handler.Handle(ctx, evt)
}

func (b *Bus) fail(s *subscription, evt Event, err error) {
	b.mu.Lock()
	b.errors++
	b.mu.Unlock()

	serr := &SubscriberError{Event: evt, Subscription: s.id, Pattern: s.pattern, Err: err}
	observability.LogHandlerError(b.logger, "subscriber", fmt.Sprint(s.id), serr)
	if b.config.OnError != nil {
		func() {
			defer func() {
				if p := recover(); p != nil {
					b.logger.Error("error hook panicked", "panic", p)
				}
			}()
			b.config.OnError(serr)
		}()
	}
}

// History returns up to limit of the most recent events, oldest first. A
// limit <= 0 returns the whole ring.
func (b *Bus) History(limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ordered []Event
	if b.histFull {
		ordered = append(ordered, b.history[b.histNext:]...)
	}
	ordered = append(ordered, b.history[:b.histNext]...)
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}

// Metrics returns a snapshot of bus counters.
func (b *Bus) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	published := make(map[string]int64, len(b.published))
	for k, v := range b.published {
		published[k] = v
	}
	size := b.histNext
	if b.histFull {
		size = len(b.history)
	}
	return Metrics{
		Published:   published,
		Dispatched:  b.dispatched,
		Errors:      b.errors,
		Subscribers: b.subs.Len(),
		Queued:      len(b.queue),
		HistorySize: size,
	}
}

// Dispose drops every subscription, queued event, and history entry.
// Later publishes fail with ManagerDisposed. Safe to call repeatedly.
func (b *Bus) Dispose() {
	if !b.disposed.CompareAndSwap(false, true) {
		return
	}
	b.subs.Clear()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = nil
	b.history = nil
	b.histNext = 0
	b.histFull = false
	b.published = make(map[string]int64)
}
