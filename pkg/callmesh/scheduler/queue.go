package scheduler

import (
	"context"
	"time"

	cmerrors "github.com/randalmurphal/callmesh/pkg/callmesh/errors"
)

// enqueueLocked appends e to its priority level. When the queue is full the
// newest execution of the lowest non-empty level is evicted to make room,
// unless e itself is no higher than that level, in which case e is refused.
func (s *Scheduler) enqueueLocked(e *execution) []func() {
	var settle []func()
	if s.cfg.MaxQueueSize > 0 && s.queued >= s.cfg.MaxQueueSize {
		lowest := s.lowestLevelLocked()
		if lowest < 0 || e.opts.Priority <= lowest {
			s.evicted++
			return s.finishLocked(e, StatusError, nil,
				cmerrors.New(cmerrors.CodeQueueFull, opSubmit, "queue full"))
		}
		q := s.queues[lowest]
		victim := q[len(q)-1]
		s.queues[lowest] = q[:len(q)-1]
		s.queued--
		victim.queued = false
		s.evicted++
		s.logger.Warn("queue full, evicting execution",
			"evicted", victim.id,
			"priority", victim.opts.Priority,
			"for", e.id,
		)
		settle = s.finishLocked(victim, StatusError, nil,
			cmerrors.New(cmerrors.CodeQueueFull, opSubmit, "evicted by higher priority execution"))
	}

	level := e.opts.Priority
	s.queues[level] = append(s.queues[level], e)
	s.queued++
	e.queued = true
	e.status = StatusPending
	return settle
}

func (s *Scheduler) lowestLevelLocked() int {
	for i, q := range s.queues {
		if len(q) > 0 {
			return i
		}
	}
	return -1
}

func (s *Scheduler) removeFromQueueLocked(e *execution) {
	q := s.queues[e.opts.Priority]
	for i, x := range q {
		if x == e {
			s.queues[e.opts.Priority] = append(q[:i], q[i+1:]...)
			s.queued--
			break
		}
	}
	e.queued = false
}

// popLocked removes the oldest execution of the highest non-empty level.
func (s *Scheduler) popLocked() *execution {
	for level := len(s.queues) - 1; level >= 0; level-- {
		q := s.queues[level]
		if len(q) == 0 {
			continue
		}
		e := q[0]
		q[0] = nil
		s.queues[level] = q[1:]
		s.queued--
		e.queued = false
		return e
	}
	return nil
}

// dispatchLocked starts queued executions while slots are free.
func (s *Scheduler) dispatchLocked() {
	for !s.disposed && s.active < s.cfg.MaxConcurrent && s.queued > 0 {
		s.startLocked(s.popLocked())
	}
}

func (s *Scheduler) startLocked(e *execution) {
	now := time.Now()
	s.active++
	e.status = StatusActive
	e.attempts++
	if e.startedAt.IsZero() {
		e.startedAt = now
	}
	for _, m := range e.members {
		if m.status.Terminal() {
			continue
		}
		m.status = StatusActive
		m.attempts = e.attempts
		if m.startedAt.IsZero() {
			m.startedAt = now
		}
	}

	actx, cancel := context.WithCancel(e.ctx)
	e.cancel = cancel
	go s.run(actx, e, e.attempts)
}
