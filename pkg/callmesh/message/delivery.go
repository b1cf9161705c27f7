package message

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	cmerrors "github.com/randalmurphal/callmesh/pkg/callmesh/errors"
	"github.com/randalmurphal/callmesh/pkg/callmesh/journal"
	"github.com/randalmurphal/callmesh/pkg/callmesh/observability"
)

const (
	opDeliver = "message.deliver"
	opAck     = "message.ack"
)

// envelope is the system-owned state of one message. All fields are guarded
// by System.mu.
//
// Transitions:
//
//	pending → delivering → delivered               (no ack required)
//	pending → delivering → delivered → acknowledged
//	delivering|delivered → pending                 (timeout or handler error, retry left)
//	any non-terminal → failed
type envelope struct {
	ctx   context.Context
	msg   Message
	timer *time.Timer
}

type delivery struct {
	env     *envelope
	attempt int
}

// dispatchLocked starts the next delivery attempt.
func (s *System) dispatchLocked(env *envelope) {
	comp, ok := s.components[env.msg.Receiver]
	if !ok || comp.box == nil {
		s.finishLocked(env, StatusFailed,
			cmerrors.New(cmerrors.CodeInvalidArgument, opDeliver, reasonNoReceiver))
		return
	}

	env.msg.Attempts++
	env.msg.Status = StatusDelivering
	env.msg.UpdatedAt = time.Now()
	s.noticeLocked(env)

	attempt := env.msg.Attempts
	if env.msg.Options.RequireAck {
		env.timer = time.AfterFunc(env.msg.Options.Timeout, func() { s.expire(env, attempt) })
	}
	comp.box.push(delivery{env: env, attempt: attempt})
}

// currentLocked reports whether attempt is still the live attempt of env.
func (s *System) currentLocked(env *envelope, attempt int) bool {
	return s.inflight[env.msg.ID] == env && env.msg.Attempts == attempt && !env.msg.Status.Terminal()
}

// handle runs one delivery on the receiver's mailbox goroutine.
func (s *System) handle(d delivery) {
	s.mu.Lock()
	if !s.currentLocked(d.env, d.attempt) || d.env.msg.Status != StatusDelivering {
		s.mu.Unlock()
		return
	}
	comp, ok := s.components[d.env.msg.Receiver]
	if !ok {
		s.mu.Unlock()
		return
	}
	handler := comp.desc.Handler
	snapshot := d.env.msg
	s.mu.Unlock()

	ctx, span := s.cfg.Spans.StartMessageSpan(d.env.ctx, snapshot.Type, snapshot.ID, d.attempt)
	err := receive(ctx, handler, snapshot)
	s.cfg.Spans.EndSpanWithError(span, err)

	if err != nil {
		observability.LogHandlerError(s.logger, "receiver", snapshot.Receiver, err)
	}
	s.handled(d, err)
}

func receive(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = cmerrors.Wrap(cmerrors.CodeHandlerPanic, opDeliver, &cmerrors.PanicError{
				Value: p,
				Stack: string(debug.Stack()),
			})
		}
	}()
	return h.Receive(ctx, msg)
}

func (s *System) handled(d delivery, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env := d.env
	// Acknowledged during the handler, timed out, or disposed.
	if !s.currentLocked(env, d.attempt) || env.msg.Status != StatusDelivering {
		return
	}
	if err != nil {
		s.retryOrFailLocked(env, err)
		return
	}

	s.delivered++
	env.msg.Status = StatusDelivered
	env.msg.UpdatedAt = time.Now()
	s.noticeLocked(env)
	if !env.msg.Options.RequireAck {
		delete(s.inflight, env.msg.ID)
	}
}

// expire fires when an acknowledgement did not arrive in time.
func (s *System) expire(env *envelope, attempt int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.currentLocked(env, attempt) || env.msg.Status == StatusPending {
		return
	}
	env.timer = nil
	s.retryOrFailLocked(env, cmerrors.Timeout(opAck, env.msg.Options.Timeout))
}

// retryOrFailLocked schedules a redelivery while budget remains and fails
// the message otherwise.
func (s *System) retryOrFailLocked(env *envelope, cause error) {
	s.stopTimerLocked(env)

	o := env.msg.Options
	if !o.Retry || env.msg.Attempts > o.RetryCount || s.disposed {
		s.finishLocked(env, StatusFailed, cause)
		return
	}

	s.retries++
	env.msg.Status = StatusPending
	env.msg.Err = cause
	env.msg.UpdatedAt = time.Now()
	s.noticeLocked(env)

	attempt := env.msg.Attempts
	env.timer = time.AfterFunc(o.RetryDelay, func() { s.redeliver(env, attempt) })
}

func (s *System) redeliver(env *envelope, attempt int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed || !s.currentLocked(env, attempt) || env.msg.Status != StatusPending {
		return
	}
	env.timer = nil
	s.dispatchLocked(env)
}

// finishLocked moves env to a terminal status. Its timer is cleared here
// and nowhere else once the message is terminal.
func (s *System) finishLocked(env *envelope, status Status, err error) {
	s.stopTimerLocked(env)
	env.msg.Status = status
	env.msg.Err = err
	env.msg.UpdatedAt = time.Now()
	switch status {
	case StatusAcknowledged:
		s.acknowledged++
	case StatusFailed:
		s.failed++
	}
	delete(s.inflight, env.msg.ID)
	s.noticeLocked(env)
}

func (s *System) stopTimerLocked(env *envelope) {
	if env.timer != nil {
		env.timer.Stop()
		env.timer = nil
	}
}

// noticeLocked queues a snapshot of env for the journal and observers.
// Snapshots are processed in transition order by a single goroutine.
func (s *System) noticeLocked(env *envelope) {
	s.notices = append(s.notices, env.msg)
	if !s.notifying {
		s.notifying = true
		go s.notifyLoop()
	}
}

func (s *System) notifyLoop() {
	ctx := context.Background()
	for {
		s.mu.Lock()
		if len(s.notices) == 0 {
			s.notices = nil
			s.notifying = false
			s.mu.Unlock()
			return
		}
		msg := s.notices[0]
		s.notices[0] = Message{}
		s.notices = s.notices[1:]
		s.mu.Unlock()

		s.cfg.Metrics.RecordMessage(ctx, msg.Type, string(msg.Status))
		if err := s.cfg.Store.Put(ctx, toRecord(msg)); err != nil {
			s.logger.Warn("journal write failed",
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()),
			)
		}
		for _, w := range s.watch.Snapshot() {
			s.observe(w.Value, msg)
		}
	}
}

func (s *System) observe(fn func(Message), msg Message) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("status observer panicked", "panic", fmt.Sprint(p))
		}
	}()
	fn(msg)
}

func toRecord(msg Message) journal.Record {
	r := journal.Record{
		ID:        msg.ID,
		Sender:    msg.Sender,
		Receiver:  msg.Receiver,
		Group:     msg.Group,
		Channel:   msg.Channel,
		Type:      msg.Type,
		Status:    string(msg.Status),
		Attempts:  msg.Attempts,
		CreatedAt: msg.CreatedAt,
		UpdatedAt: msg.UpdatedAt,
	}
	if msg.Payload != nil {
		if data, err := json.Marshal(msg.Payload); err == nil {
			r.Payload = data
		}
	}
	if msg.Err != nil {
		r.Error = msg.Err.Error()
	}
	return r
}

// mailbox serialises deliveries to one component.
type mailbox struct {
	sys   *System
	mu    sync.Mutex
	queue []delivery
	wake  chan struct{}
	quit  chan struct{}
	once  sync.Once
}

func newMailbox(sys *System) *mailbox {
	m := &mailbox{
		sys:  sys,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *mailbox) push(d delivery) {
	m.mu.Lock()
	m.queue = append(m.queue, d)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) next() (delivery, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return delivery{}, false
	}
	d := m.queue[0]
	m.queue[0] = delivery{}
	m.queue = m.queue[1:]
	return d, true
}

func (m *mailbox) run() {
	for {
		select {
		case <-m.quit:
			return
		case <-m.wake:
		}
		for {
			d, ok := m.next()
			if !ok {
				break
			}
			select {
			case <-m.quit:
				return
			default:
			}
			m.sys.handle(d)
		}
	}
}

// stop ends the mailbox goroutine after its current delivery. It does not
// wait, so a handler may unregister its own component.
func (m *mailbox) stop() {
	m.once.Do(func() { close(m.quit) })
}
