package coord

import (
	"context"
	"fmt"
	"time"

	cmerrors "github.com/randalmurphal/callmesh/pkg/callmesh/errors"
	"github.com/randalmurphal/callmesh/pkg/callmesh/message"
	"github.com/randalmurphal/callmesh/pkg/callmesh/observability"
)

// receive handles protocol messages addressed to this instance.
func (m *Manager) receive(_ context.Context, msg message.Message) error {
	switch msg.Type {
	case TypeHeartbeat:
		if hb, ok := msg.Payload.(heartbeat); ok {
			m.observe(hb.Instance)
		}
		return nil

	case TypeLockRequest, TypeLockRelease, TypeLockCancel:
		req, ok := msg.Payload.(request)
		if !ok {
			return fmt.Errorf("%s: unexpected payload %T", msg.Type, msg.Payload)
		}
		if !m.coordinator {
			m.logger.Debug("ignoring lock request, not the coordinator", "type", msg.Type)
			return nil
		}
		m.mu.Lock()
		if m.disposed {
			m.mu.Unlock()
			return nil
		}
		var out []outbound
		switch msg.Type {
		case TypeLockRequest:
			out = m.requestLocked(req)
		case TypeLockRelease:
			var err error
			if out, err = m.releaseLocked(req.Resource, req.Holder, req.ID); err != nil {
				out = []outbound{{
					to:      ComponentID(req.Holder),
					msgType: TypeLockDenied,
					payload: notice{RequestID: req.ID, Code: cmerrors.CodeOf(err), Reason: err.Error()},
				}}
			}
		case TypeLockCancel:
			m.table.cancel(req.Resource, req.ID)
		}
		m.mu.Unlock()
		m.flush(out)
		return nil

	case TypeLockGrant, TypeLockDenied, TypeLockReleased:
		n, ok := msg.Payload.(notice)
		if !ok {
			return fmt.Errorf("%s: unexpected payload %T", msg.Type, msg.Payload)
		}
		m.mu.Lock()
		out := m.resolveLocked(n)
		m.mu.Unlock()
		m.flush(out)
		return nil

	case TypeLockExpired:
		n, ok := msg.Payload.(notice)
		if !ok {
			return fmt.Errorf("%s: unexpected payload %T", msg.Type, msg.Payload)
		}
		m.mu.Lock()
		lost := m.dropHeldLocked(n.Lock)
		m.mu.Unlock()
		if lost {
			m.expired(n.Lock)
		}
		return nil
	}
	return nil
}

// requestLocked runs a request against the table.
func (m *Manager) requestLocked(req request) []outbound {
	g, ok := m.table.request(req)
	if !ok {
		m.cfg.Metrics.RecordLock(context.Background(), req.Resource, "queued")
		observability.LogLockEvent(m.logger, "queued", req.Resource, req.Holder)
		return nil
	}
	return m.grantedLocked([]grant{g})
}

// grantedLocked arms expiry for each grant and routes it to its holder.
func (m *Manager) grantedLocked(grants []grant) []outbound {
	var out []outbound
	for _, g := range grants {
		m.armLocked(g.lock)
		outcome := "granted"
		if g.renewal {
			outcome = "renewed"
		}
		m.cfg.Metrics.RecordLock(context.Background(), g.lock.Resource, outcome)
		observability.LogLockEvent(m.logger, outcome, g.lock.Resource, g.lock.Holder)

		n := notice{RequestID: g.requestID, Lock: g.lock}
		if g.lock.Holder == m.cfg.InstanceID {
			out = append(out, m.resolveLocked(n)...)
			continue
		}
		out = append(out, outbound{to: ComponentID(g.lock.Holder), msgType: TypeLockGrant, payload: n})
	}
	return out
}

// resolveLocked hands an answer to the waiting request. A grant for a
// request this instance gave up on is released again.
func (m *Manager) resolveLocked(n notice) []outbound {
	if ch, ok := m.waiters[n.RequestID]; ok {
		select {
		case ch <- n:
		default:
		}
		return nil
	}
	if _, ok := m.abandoned[n.RequestID]; !ok || n.Code != "" || n.Lock.LockID == "" {
		return nil
	}
	delete(m.abandoned, n.RequestID)
	if n.Lock.Holder != m.cfg.InstanceID {
		return nil
	}
	if m.coordinator {
		out, _ := m.releaseLocked(n.Lock.Resource, n.Lock.Holder, "")
		return out
	}
	return []outbound{{
		to:      ComponentID(m.cfg.Coordinator),
		msgType: TypeLockRelease,
		payload: request{Resource: n.Lock.Resource, Holder: n.Lock.Holder, LockID: n.Lock.LockID},
	}}
}

// releaseLocked releases holder's lock, announces it to the group and
// serves the next waiters.
func (m *Manager) releaseLocked(resource, holder, requestID string) ([]outbound, error) {
	l, grants, err := m.table.release(resource, holder)
	if err != nil {
		return nil, err
	}
	m.disarmLocked(l.LockID)
	m.cfg.Metrics.RecordLock(context.Background(), resource, "released")
	observability.LogLockEvent(m.logger, "released", resource, holder)

	out := []outbound{{msgType: TypeLockReleased, payload: notice{RequestID: requestID, Lock: l}}}
	return append(out, m.grantedLocked(grants)...), nil
}

func (m *Manager) armLocked(l Lock) {
	m.disarmLocked(l.LockID)
	resource, lockID := l.Resource, l.LockID
	m.timers[lockID] = time.AfterFunc(l.Timeout, func() { m.expire(resource, lockID) })
}

func (m *Manager) disarmLocked(lockID string) {
	if t, ok := m.timers[lockID]; ok {
		t.Stop()
		delete(m.timers, lockID)
	}
}

// expire fires on the coordinator when a grant runs out.
func (m *Manager) expire(resource, lockID string) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	delete(m.timers, lockID)
	l, grants, ok := m.table.expire(resource, lockID)
	if !ok {
		m.mu.Unlock()
		return
	}
	m.cfg.Metrics.RecordLock(context.Background(), resource, "expired")
	observability.LogLockEvent(m.logger, "expired", resource, l.Holder)

	lost := m.dropHeldLocked(l)
	out := []outbound{{msgType: TypeLockExpired, payload: notice{Lock: l}}}
	out = append(out, m.grantedLocked(grants)...)
	m.mu.Unlock()

	m.flush(out)
	if lost {
		m.expired(l)
	}
}

// dropHeldLocked forgets l if this instance holds it.
func (m *Manager) dropHeldLocked(l Lock) bool {
	h, ok := m.held[l.Resource]
	if !ok || h.LockID != l.LockID {
		return false
	}
	delete(m.held, l.Resource)
	return true
}

func (m *Manager) expired(l Lock) {
	if m.cfg.OnExpire == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("expiry hook panicked", "panic", fmt.Sprint(p))
		}
	}()
	m.cfg.OnExpire(l)
}

func (m *Manager) heartbeatLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	m.beat()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.beat()
			m.sweep()
		}
	}
}

func (m *Manager) beat() {
	now := time.Now()
	m.observe(m.cfg.InstanceID)
	m.cfg.Messages.PublishToChannel(context.Background(), m.self, ChannelHeartbeat, TypeHeartbeat,
		heartbeat{Instance: m.cfg.InstanceID, At: now})
}

func (m *Manager) observe(instance string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[instance]
	if !ok {
		inst = &Instance{ID: instance}
		m.instances[instance] = inst
	}
	inst.LastHeartbeat = time.Now()
	inst.Active = true
}

// sweep marks silent instances inactive and, on the coordinator, reclaims
// their locks.
func (m *Manager) sweep() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	var out []outbound
	for id, inst := range m.instances {
		if id == m.cfg.InstanceID || !inst.Active || now.Sub(inst.LastHeartbeat) <= m.cfg.HeartbeatTimeout {
			continue
		}
		inst.Active = false
		m.logger.Info("instance inactive", "lost", id)
		if !m.coordinator || m.cfg.RetainOnHeartbeatLoss {
			continue
		}
		released, grants := m.table.dropHolder(id)
		for _, l := range released {
			m.disarmLocked(l.LockID)
			m.cfg.Metrics.RecordLock(context.Background(), l.Resource, "reclaimed")
			observability.LogLockEvent(m.logger, "reclaimed", l.Resource, l.Holder)
			out = append(out, outbound{msgType: TypeLockExpired, payload: notice{Lock: l, Reason: "holder inactive"}})
		}
		out = append(out, m.grantedLocked(grants)...)
	}
	m.mu.Unlock()
	m.flush(out)
}
