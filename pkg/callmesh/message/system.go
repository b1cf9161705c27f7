package message

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	cmerrors "github.com/randalmurphal/callmesh/pkg/callmesh/errors"
	"github.com/randalmurphal/callmesh/pkg/callmesh/journal"
	"github.com/randalmurphal/callmesh/pkg/callmesh/observability"
	"github.com/randalmurphal/callmesh/pkg/callmesh/pattern"
	"github.com/randalmurphal/callmesh/pkg/callmesh/registry"
)

const opRegister = "message.register"

// Refusal reasons, as logged.
const (
	reasonDisposed       = "message system disposed"
	reasonNoSender       = "sender not registered"
	reasonNoReceiver     = "receiver not registered"
	reasonCannotSend     = "sender cannot send"
	reasonCannotReceive  = "receiver cannot receive"
	reasonTypeNotAllowed = "receiver does not accept type"
	reasonInvalid        = "payload failed validation"
)

// Config configures a System.
type Config struct {
	// AckTimeout applies to RequireAck messages that set no Timeout.
	// Default: 5 seconds
	AckTimeout time.Duration

	// RetryDelay applies to retried messages that set no RetryDelay.
	// Default: 100ms
	RetryDelay time.Duration

	// HistorySize is the capacity of the default memory journal.
	// Default: 1000
	HistorySize int

	// Store journals every status change. Default: a journal.MemoryStore
	// of HistorySize records. A store passed here is not closed by Dispose.
	Store journal.Store

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics defaults to observability.NoopMetrics{}.
	Metrics observability.MetricsRecorder

	// Spans defaults to observability.NoopSpanManager{}.
	Spans observability.SpanManager
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	AckTimeout:  5 * time.Second,
	RetryDelay:  100 * time.Millisecond,
	HistorySize: 1000,
}

func (c Config) withDefaults() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultConfig.AckTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultConfig.RetryDelay
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultConfig.HistorySize
	}
	if c.Store == nil {
		c.Store = journal.NewMemoryStore(c.HistorySize)
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
	return c
}

// component is the system-owned state of a registered Component.
type component struct {
	desc     Component
	groups   map[string]struct{}
	channels []string // subscription patterns, in subscribe order
	box      *mailbox
}

// System is the message router. It is safe for concurrent use.
type System struct {
	cfg     Config
	logger  *slog.Logger
	matcher *pattern.Matcher
	schemas *registry.Registry[string, *Schema]
	watch   *registry.Arena[func(Message)]

	mu         sync.Mutex
	components map[string]*component
	order      []string
	groups     map[string][]string
	inflight   map[string]*envelope
	disposed   bool

	notices   []Message
	notifying bool

	sent         int64
	refused      int64
	delivered    int64
	acknowledged int64
	failed       int64
	retries      int64
}

// New creates a message system. Zero config fields take their defaults.
func New(cfg Config) *System {
	cfg = cfg.withDefaults()
	return &System{
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "message"),
		matcher:    pattern.NewMatcher(true),
		schemas:    registry.New[string, *Schema](),
		watch:      registry.NewArena[func(Message)](),
		components: make(map[string]*component),
		groups:     make(map[string][]string),
		inflight:   make(map[string]*envelope),
	}
}

// RegisterComponent adds c and joins its groups and channels.
func (s *System) RegisterComponent(c Component) error {
	if c.ID == "" {
		return cmerrors.New(cmerrors.CodeInvalidArgument, opRegister, "component id is required")
	}
	if c.CanReceive && c.Handler == nil {
		return cmerrors.New(cmerrors.CodeInvalidArgument, opRegister, "receiving component needs a handler")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return cmerrors.Disposed(opRegister)
	}
	if _, ok := s.components[c.ID]; ok {
		return cmerrors.New(cmerrors.CodeInvalidArgument, opRegister, "component "+c.ID+" already registered")
	}

	comp := &component{desc: c, groups: make(map[string]struct{})}
	comp.desc.AcceptedTypes = append([]string(nil), c.AcceptedTypes...)
	comp.desc.Groups = nil
	comp.desc.Channels = nil
	if c.CanReceive {
		comp.box = newMailbox(s)
	}
	s.components[c.ID] = comp
	s.order = append(s.order, c.ID)

	for _, g := range c.Groups {
		s.joinLocked(comp, g)
	}
	for _, ch := range c.Channels {
		s.subscribeLocked(comp, ch)
	}
	return nil
}

// UnregisterComponent removes a component and every group and channel
// membership it holds. Outstanding messages addressed to it fail.
func (s *System) UnregisterComponent(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	comp, ok := s.components[id]
	if !ok {
		return false
	}
	for g := range comp.groups {
		s.leaveLocked(comp, g)
	}
	delete(s.components, id)
	for i, cid := range s.order {
		if cid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if comp.box != nil {
		comp.box.stop()
	}
	gone := cmerrors.New(cmerrors.CodeInvalidArgument, opDeliver, reasonNoReceiver)
	for _, env := range s.inflight {
		if env.msg.Receiver == id {
			s.finishLocked(env, StatusFailed, gone)
		}
	}
	return true
}

// HasComponent reports whether id is registered.
func (s *System) HasComponent(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.components[id]
	return ok
}

// JoinGroup adds a component to group.
func (s *System) JoinGroup(id, group string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	comp, ok := s.components[id]
	if !ok || group == "" {
		return false
	}
	return s.joinLocked(comp, group)
}

// LeaveGroup removes a component from group.
func (s *System) LeaveGroup(id, group string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	comp, ok := s.components[id]
	if !ok {
		return false
	}
	return s.leaveLocked(comp, group)
}

// Members returns the members of group in join order.
func (s *System) Members(group string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.groups[group]...)
}

func (s *System) joinLocked(comp *component, group string) bool {
	if _, ok := comp.groups[group]; ok {
		return false
	}
	comp.groups[group] = struct{}{}
	s.groups[group] = append(s.groups[group], comp.desc.ID)
	return true
}

func (s *System) leaveLocked(comp *component, group string) bool {
	if _, ok := comp.groups[group]; !ok {
		return false
	}
	delete(comp.groups, group)
	members := s.groups[group]
	for i, m := range members {
		if m == comp.desc.ID {
			members = append(members[:i], members[i+1:]...)
			break
		}
	}
	if len(members) == 0 {
		delete(s.groups, group)
	} else {
		s.groups[group] = members
	}
	return true
}

// SubscribeToChannel subscribes a component to channel, which may be a
// wildcard pattern.
func (s *System) SubscribeToChannel(id, channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	comp, ok := s.components[id]
	if !ok || channel == "" {
		return false
	}
	return s.subscribeLocked(comp, channel)
}

// UnsubscribeFromChannel removes one channel subscription.
func (s *System) UnsubscribeFromChannel(id, channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	comp, ok := s.components[id]
	if !ok {
		return false
	}
	for i, ch := range comp.channels {
		if ch == channel {
			comp.channels = append(comp.channels[:i], comp.channels[i+1:]...)
			return true
		}
	}
	return false
}

func (s *System) subscribeLocked(comp *component, channel string) bool {
	for _, ch := range comp.channels {
		if ch == channel {
			return false
		}
	}
	s.matcher.Get(channel)
	comp.channels = append(comp.channels, channel)
	return true
}

// RegisterSchema validates every later message of msgType against schema.
// Registering again replaces the schema.
func (s *System) RegisterSchema(msgType string, schema Schema) error {
	if msgType == "" {
		return cmerrors.New(cmerrors.CodeInvalidArgument, "message.schema", "message type is required")
	}
	s.schemas.Register(msgType, &schema)
	return nil
}

// validate runs the schema for msgType, if any.
func (s *System) validate(msgType string, payload any) error {
	schema, ok := s.schemas.Get(msgType)
	if !ok {
		return nil
	}
	return schema.Validate(payload)
}

// Send delivers a message from sender to receiver. It returns the message
// id, or ("", false) when delivery is refused.
func (s *System) Send(ctx context.Context, sender, receiver, msgType string, payload any, opts ...Option) (string, bool) {
	o := buildOptions(opts)
	if err := s.validate(msgType, payload); err != nil {
		s.refuse(sender, receiver, msgType, reasonInvalid+": "+err.Error())
		return "", false
	}

	s.mu.Lock()
	id, reason := s.sendLocked(ctx, route{sender: sender, receiver: receiver}, msgType, payload, o)
	s.mu.Unlock()

	if reason != "" {
		s.refuse(sender, receiver, msgType, reason)
		return "", false
	}
	return id, true
}

// BroadcastToGroup sends to every member of group except the sender and
// returns the ids of the messages that were accepted.
func (s *System) BroadcastToGroup(ctx context.Context, sender, group, msgType string, payload any, opts ...Option) []string {
	o := buildOptions(opts)
	if err := s.validate(msgType, payload); err != nil {
		s.refuse(sender, "group:"+group, msgType, reasonInvalid+": "+err.Error())
		return nil
	}

	var ids []string
	var refusals [][2]string
	s.mu.Lock()
	for _, member := range append([]string(nil), s.groups[group]...) {
		if member == sender {
			continue
		}
		id, reason := s.sendLocked(ctx, route{sender: sender, receiver: member, group: group}, msgType, payload, o)
		if reason != "" {
			refusals = append(refusals, [2]string{member, reason})
			continue
		}
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, r := range refusals {
		s.refuse(sender, r[0], msgType, r[1])
	}
	return ids
}

// PublishToChannel sends to every component, other than the sender, with a
// subscription matching channel, and returns the accepted message ids.
func (s *System) PublishToChannel(ctx context.Context, sender, channel, msgType string, payload any, opts ...Option) []string {
	o := buildOptions(opts)
	if err := s.validate(msgType, payload); err != nil {
		s.refuse(sender, "channel:"+channel, msgType, reasonInvalid+": "+err.Error())
		return nil
	}

	var ids []string
	var refusals [][2]string
	s.mu.Lock()
	for _, cid := range append([]string(nil), s.order...) {
		comp := s.components[cid]
		if cid == sender || !s.subscribedLocked(comp, channel) {
			continue
		}
		id, reason := s.sendLocked(ctx, route{sender: sender, receiver: cid, channel: channel}, msgType, payload, o)
		if reason != "" {
			refusals = append(refusals, [2]string{cid, reason})
			continue
		}
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, r := range refusals {
		s.refuse(sender, r[0], msgType, r[1])
	}
	return ids
}

func (s *System) subscribedLocked(comp *component, channel string) bool {
	for _, p := range comp.channels {
		if s.matcher.Match(p, channel) {
			return true
		}
	}
	return false
}

type route struct {
	sender, receiver string
	group, channel   string
}

// sendLocked creates and dispatches one message. A non-empty reason means
// the message was refused.
func (s *System) sendLocked(ctx context.Context, r route, msgType string, payload any, o Options) (string, string) {
	if s.disposed {
		return "", reasonDisposed
	}
	from, ok := s.components[r.sender]
	if !ok {
		return "", reasonNoSender
	}
	to, ok := s.components[r.receiver]
	if !ok {
		return "", reasonNoReceiver
	}
	if !from.desc.CanSend {
		return "", reasonCannotSend
	}
	if !to.desc.CanReceive {
		return "", reasonCannotReceive
	}
	if !to.desc.accepts(msgType) {
		return "", reasonTypeNotAllowed
	}

	now := time.Now()
	env := &envelope{
		ctx: context.WithoutCancel(ctx),
		msg: Message{
			ID:        uuid.NewString(),
			Sender:    r.sender,
			Receiver:  r.receiver,
			Group:     r.group,
			Channel:   r.channel,
			Type:      msgType,
			Payload:   payload,
			Options:   o,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	if env.msg.Options.RequireAck && env.msg.Options.Timeout <= 0 {
		env.msg.Options.Timeout = s.cfg.AckTimeout
	}
	if env.msg.Options.Retry && env.msg.Options.RetryDelay <= 0 {
		env.msg.Options.RetryDelay = s.cfg.RetryDelay
	}

	s.sent++
	s.inflight[env.msg.ID] = env
	s.noticeLocked(env)
	s.dispatchLocked(env)
	return env.msg.ID, ""
}

func (s *System) refuse(sender, receiver, msgType, reason string) {
	s.mu.Lock()
	s.refused++
	s.mu.Unlock()
	observability.LogDeliveryRefused(s.logger, sender, receiver, msgType, reason)
}

func buildOptions(opts []Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	if o.RetryCount < 0 {
		o.RetryCount = 0
	}
	return o
}

// Acknowledge completes a RequireAck message. Only the receiver may
// acknowledge, and only while the message is still outstanding.
func (s *System) Acknowledge(id, receiver string, response any) bool {
	s.mu.Lock()
	env, ok := s.inflight[id]
	if !ok || !env.msg.Options.RequireAck || env.msg.Receiver != receiver || env.msg.Status.Terminal() {
		s.mu.Unlock()
		return false
	}
	env.msg.Response = response
	s.finishLocked(env, StatusAcknowledged, nil)
	s.mu.Unlock()
	return true
}

// Status returns a snapshot of an outstanding message. Messages leave this
// view once they reach a terminal status or, without RequireAck, once
// delivered; History keeps them.
func (s *System) Status(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.inflight[id]
	if !ok {
		return Message{}, false
	}
	return env.msg, true
}

// OnStatus registers fn for every status change, in transition order.
// Calls happen on a notifier goroutine, never under the system lock. The
// returned function removes the observer.
func (s *System) OnStatus(fn func(Message)) func() {
	if fn == nil {
		return func() {}
	}
	id := s.watch.Insert(fn)
	return func() { s.watch.Remove(id) }
}

// History returns journaled messages matching f, oldest first.
func (s *System) History(ctx context.Context, f journal.Filter) ([]journal.Record, error) {
	return s.cfg.Store.Query(ctx, f)
}

// Stats returns a snapshot of system counters.
func (s *System) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	channels := make(map[string]struct{})
	for _, comp := range s.components {
		for _, ch := range comp.channels {
			channels[ch] = struct{}{}
		}
	}
	pending := 0
	for _, env := range s.inflight {
		if env.msg.Options.RequireAck {
			pending++
		}
	}
	return Stats{
		Components:   len(s.components),
		Groups:       len(s.groups),
		Channels:     len(channels),
		Pending:      pending,
		Sent:         s.sent,
		Refused:      s.refused,
		Delivered:    s.delivered,
		Acknowledged: s.acknowledged,
		Failed:       s.failed,
		Retries:      s.retries,
	}
}

// Dispose fails every outstanding message with ManagerDisposed, stops all
// mailboxes and timers, and drops every component. Later sends are
// refused. Safe to call repeatedly.
func (s *System) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true

	for _, env := range s.inflight {
		if !env.msg.Status.Terminal() {
			s.finishLocked(env, StatusFailed, cmerrors.Disposed("message.dispose"))
		}
	}
	s.inflight = make(map[string]*envelope)
	for _, comp := range s.components {
		if comp.box != nil {
			comp.box.stop()
		}
	}
	s.components = make(map[string]*component)
	s.order = nil
	s.groups = make(map[string][]string)
	s.mu.Unlock()
}
