package coord

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	cmerrors "github.com/randalmurphal/callmesh/pkg/callmesh/errors"
	"github.com/randalmurphal/callmesh/pkg/callmesh/message"
	"github.com/randalmurphal/callmesh/pkg/callmesh/observability"
)

// Protocol names.
const (
	GroupSync        = "sync"
	ChannelHeartbeat = "sync.heartbeat"

	TypeHeartbeat    = "sync.heartbeat"
	TypeLockRequest  = "lock.request"
	TypeLockRelease  = "lock.release"
	TypeLockCancel   = "lock.cancel"
	TypeLockGrant    = "lock.grant"
	TypeLockReleased = "lock.released"
	TypeLockDenied   = "lock.denied"
	TypeLockExpired  = "lock.expired"
)

const (
	opAcquire = "coord.acquire"
	opRelease = "coord.release"
	opNew     = "coord.new"
)

// ComponentID returns the message system component id of an instance.
func ComponentID(instance string) string {
	return "sync:" + instance
}

// notice is the payload of every coordinator-to-instance message.
type notice struct {
	RequestID string        `json:"requestId,omitempty"`
	Lock      Lock          `json:"lock"`
	Code      cmerrors.Code `json:"code,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

type heartbeat struct {
	Instance string    `json:"instance"`
	At       time.Time `json:"at"`
}

// outbound is a message to send once the manager lock is released.
type outbound struct {
	to      string // component id; empty broadcasts to GroupSync
	msgType string
	payload any
}

// Manager coordinates locks for one instance. It is safe for concurrent
// use.
type Manager struct {
	cfg         Config
	logger      *slog.Logger
	self        string
	coordinator bool

	mu        sync.Mutex
	table     *lockTable
	timers    map[string]*time.Timer // lock id -> expiry, coordinator only
	held      map[string]Lock        // resource -> lock held by this instance
	waiters   map[string]chan notice // request id -> answer
	abandoned map[string]struct{}
	instances map[string]*Instance
	disposed  bool

	stop chan struct{}
	done chan struct{}
}

// New creates a manager and, when a message system is configured,
// registers its component and starts heartbeats.
func New(cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:         cfg,
		logger:      cfg.Logger.With("component", "coord", "instance", cfg.InstanceID),
		self:        ComponentID(cfg.InstanceID),
		coordinator: cfg.Messages == nil || cfg.Coordinator == cfg.InstanceID,
		table:       newLockTable(),
		timers:      make(map[string]*time.Timer),
		held:        make(map[string]Lock),
		waiters:     make(map[string]chan notice),
		abandoned:   make(map[string]struct{}),
		instances: map[string]*Instance{
			cfg.InstanceID: {ID: cfg.InstanceID, LastHeartbeat: time.Now(), Active: true},
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	if cfg.Messages == nil {
		close(m.done)
		return m, nil
	}

	if err := cfg.Messages.RegisterSchema(TypeLockRequest, message.Schema{
		Required: []string{"requestId", "resource", "holder", "mode"},
		Fields:   map[string]message.FieldType{"timeout": message.TypeNumber},
	}); err != nil {
		return nil, err
	}
	if err := cfg.Messages.RegisterComponent(message.Component{
		ID:         m.self,
		CanSend:    true,
		CanReceive: true,
		Groups:     []string{GroupSync},
		Channels:   []string{ChannelHeartbeat},
		Handler:    message.HandlerFunc(m.receive),
	}); err != nil {
		return nil, fmt.Errorf("%s: register %s: %w", opNew, m.self, err)
	}

	go m.heartbeatLoop()
	return m, nil
}

func (c Config) withDefaults() Config {
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	if c.Coordinator == "" {
		c.Coordinator = c.InstanceID
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultConfig.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 3 * c.HeartbeatInterval
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultConfig.LockTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultConfig.RequestTimeout
	}
	if c.RetryCount == 0 {
		c.RetryCount = DefaultConfig.RetryCount
	}
	if c.RetryCount < 0 {
		c.RetryCount = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultConfig.RetryDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = observability.NoopMetrics{}
	}
	return c
}

// InstanceID returns the id of this instance.
func (m *Manager) InstanceID() string {
	return m.cfg.InstanceID
}

// IsCoordinator reports whether this manager owns the lock table.
func (m *Manager) IsCoordinator() bool {
	return m.coordinator
}

func (m *Manager) acquireOptions(opts []AcquireOption) AcquireOptions {
	o := AcquireOptions{
		Mode:           Exclusive,
		Timeout:        m.cfg.LockTimeout,
		RequestTimeout: m.cfg.RequestTimeout,
		RetryCount:     m.cfg.RetryCount,
		RetryDelay:     m.cfg.RetryDelay,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Mode != Shared {
		o.Mode = Exclusive
	}
	if o.Timeout <= 0 {
		o.Timeout = m.cfg.LockTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = m.cfg.RequestTimeout
	}
	if o.RetryCount < 0 {
		o.RetryCount = 0
	}
	return o
}

// AcquireLock waits for a grant on resource. An unanswered request is
// retried RetryCount times, RetryDelay apart; after that the queued request
// is cancelled and the error carries CodeLockTimeout.
func (m *Manager) AcquireLock(ctx context.Context, resource string, opts ...AcquireOption) (Lock, error) {
	if resource == "" {
		return Lock{}, cmerrors.New(cmerrors.CodeInvalidArgument, opAcquire, "resource is required")
	}
	o := m.acquireOptions(opts)
	req := request{
		ID:       uuid.NewString(),
		Resource: resource,
		Holder:   m.cfg.InstanceID,
		Mode:     o.Mode,
		Timeout:  o.Timeout,
	}
	answers := make(chan notice, 1)

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return Lock{}, cmerrors.Disposed(opAcquire)
	}
	m.waiters[req.ID] = answers
	m.mu.Unlock()

	policy := cmerrors.Policy{Attempts: o.RetryCount + 1, Backoff: cmerrors.Fixed(o.RetryDelay)}
	result := cmerrors.Retry(ctx, policy,
		func(ctx context.Context, _ int) (Lock, error) {
			if err := m.submit(ctx, req); err != nil {
				return Lock{}, err
			}
			timer := time.NewTimer(o.RequestTimeout)
			defer timer.Stop()
			select {
			case n := <-answers:
				return n.result(opAcquire)
			case <-timer.C:
				return Lock{}, cmerrors.New(cmerrors.CodeLockTimeout, opAcquire,
					fmt.Sprintf("no grant for %s within %s", resource, o.RequestTimeout))
			case <-ctx.Done():
				return Lock{}, ctx.Err()
			case <-m.stop:
				return Lock{}, cmerrors.Disposed(opAcquire)
			}
		})

	m.mu.Lock()
	delete(m.waiters, req.ID)
	if result.Err != nil {
		// A grant that raced the final timeout still counts.
		select {
		case n := <-answers:
			if l, err := n.result(opAcquire); err == nil {
				result.Value, result.Err = l, nil
			}
		default:
		}
	}
	if result.Err == nil {
		m.held[resource] = result.Value
		m.mu.Unlock()
		observability.LogLockEvent(m.logger, "acquired", resource, req.Holder)
		return result.Value, nil
	}

	var out []outbound
	if m.coordinator {
		m.table.cancel(resource, req.ID)
	} else {
		m.abandonLocked(req.ID)
		out = append(out, outbound{to: ComponentID(m.cfg.Coordinator), msgType: TypeLockCancel, payload: req})
	}
	m.cfg.Metrics.RecordLock(ctx, resource, "timeout")
	m.mu.Unlock()

	m.flush(out)
	observability.LogLockEvent(m.logger, "abandoned", resource, req.Holder)
	return Lock{}, result.Err
}

func (n notice) result(op string) (Lock, error) {
	if n.Code != "" {
		return Lock{}, cmerrors.New(n.Code, op, n.Reason)
	}
	return n.Lock, nil
}

// abandonLocked remembers a request given up on, so a grant that was
// already on its way is handed back. The entry is forgotten once no grant
// can plausibly still arrive.
func (m *Manager) abandonLocked(requestID string) {
	m.abandoned[requestID] = struct{}{}
	time.AfterFunc(2*m.cfg.RequestTimeout, func() {
		m.mu.Lock()
		delete(m.abandoned, requestID)
		m.mu.Unlock()
	})
}

// submit hands a request to the coordinator.
func (m *Manager) submit(ctx context.Context, req request) error {
	if m.coordinator {
		m.mu.Lock()
		if m.disposed {
			m.mu.Unlock()
			return cmerrors.Disposed(opAcquire)
		}
		out := m.requestLocked(req)
		m.mu.Unlock()
		m.flush(out)
		return nil
	}
	if _, ok := m.cfg.Messages.Send(ctx, m.self, ComponentID(m.cfg.Coordinator), TypeLockRequest, req); !ok {
		return cmerrors.New(cmerrors.CodeLockTimeout, opAcquire, "coordinator "+m.cfg.Coordinator+" unreachable")
	}
	return nil
}

// ReleaseLock releases a lock this instance holds. Releasing a resource
// the instance does not hold fails with CodeNotLockHolder.
func (m *Manager) ReleaseLock(ctx context.Context, resource string) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return cmerrors.Disposed(opRelease)
	}
	held, ok := m.held[resource]
	if !ok {
		m.mu.Unlock()
		return cmerrors.New(cmerrors.CodeNotLockHolder, opRelease,
			m.cfg.InstanceID+" does not hold "+resource)
	}

	if m.coordinator {
		out, err := m.releaseLocked(resource, m.cfg.InstanceID, "")
		delete(m.held, resource)
		m.mu.Unlock()
		m.flush(out)
		return err
	}

	req := request{ID: uuid.NewString(), Resource: resource, Holder: m.cfg.InstanceID, LockID: held.LockID}
	answers := make(chan notice, 1)
	m.waiters[req.ID] = answers
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.waiters, req.ID)
		m.mu.Unlock()
	}()

	if _, ok := m.cfg.Messages.Send(ctx, m.self, ComponentID(m.cfg.Coordinator), TypeLockRelease, req); !ok {
		return cmerrors.New(cmerrors.CodeLockTimeout, opRelease, "coordinator "+m.cfg.Coordinator+" unreachable")
	}

	timer := time.NewTimer(m.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case n := <-answers:
		if _, err := n.result(opRelease); err != nil {
			return err
		}
		m.mu.Lock()
		if h, ok := m.held[resource]; ok && h.LockID == held.LockID {
			delete(m.held, resource)
		}
		m.mu.Unlock()
		observability.LogLockEvent(m.logger, "released", resource, req.Holder)
		return nil
	case <-timer.C:
		return cmerrors.New(cmerrors.CodeLockTimeout, opRelease, "no answer for release of "+resource)
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stop:
		return cmerrors.Disposed(opRelease)
	}
}

// Locks returns the locks this manager knows about, ordered by resource.
// The coordinator reports its whole table; other instances report the
// locks they hold.
func (m *Manager) Locks() []Lock {
	m.mu.Lock()
	var out []Lock
	if m.coordinator {
		out = m.table.locks()
	} else {
		for _, l := range m.held {
			out = append(out, l)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Resource != out[j].Resource {
			return out[i].Resource < out[j].Resource
		}
		return out[i].Holder < out[j].Holder
	})
	return out
}

// Queued returns how many requests wait for resource. Only the
// coordinator knows; other instances report 0.
func (m *Manager) Queued(resource string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table.queued(resource)
}

// Instances returns every instance seen, ordered by id.
func (m *Manager) Instances() []Instance {
	m.mu.Lock()
	out := make([]Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, *inst)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Dispose stops heartbeats and expiry timers, fails pending acquisitions
// with ManagerDisposed and leaves the message system. Locks held elsewhere
// are not released; peers reclaim them through heartbeat loss or expiry.
// Safe to call repeatedly.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	close(m.stop)
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.table = newLockTable()
	m.held = make(map[string]Lock)
	m.mu.Unlock()

	if m.cfg.Messages != nil {
		m.cfg.Messages.UnregisterComponent(m.self)
	}
	<-m.done
}

// flush sends queued protocol messages. It must not be called with m.mu
// held.
func (m *Manager) flush(out []outbound) {
	if m.cfg.Messages == nil {
		return
	}
	ctx := context.Background()
	for _, o := range out {
		if o.to == "" {
			m.cfg.Messages.BroadcastToGroup(ctx, m.self, GroupSync, o.msgType, o.payload)
			continue
		}
		m.cfg.Messages.Send(ctx, m.self, o.to, o.msgType, o.payload)
	}
}
