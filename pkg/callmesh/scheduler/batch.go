package scheduler

import (
	"time"

	"github.com/google/uuid"
)

// batch collects submissions sharing a batch key until the debounce
// window passes without a new one.
type batch struct {
	key     string
	members []*execution
	timer   *time.Timer
}

// addToBatchLocked parks e in the batch for its key and restarts the
// window.
func (s *Scheduler) addToBatchLocked(e *execution) {
	key := e.opts.BatchKey
	b, ok := s.batches[key]
	if !ok {
		b = &batch{key: key}
		s.batches[key] = b
		b.timer = time.AfterFunc(s.cfg.BatchWindow, func() { s.flush(b) })
	} else {
		b.timer.Reset(s.cfg.BatchWindow)
	}
	e.inBatch = true
	b.members = append(b.members, e)
}

func (s *Scheduler) removeFromBatchLocked(e *execution) {
	b, ok := s.batches[e.opts.BatchKey]
	e.inBatch = false
	if !ok {
		return
	}
	for i, m := range b.members {
		if m == e {
			b.members = append(b.members[:i], b.members[i+1:]...)
			break
		}
	}
}

// flush turns a closed batch into one carrier execution whose single
// argument is the list of member argument lists.
func (s *Scheduler) flush(b *batch) {
	s.mu.Lock()
	if s.disposed || s.batches[b.key] != b {
		s.mu.Unlock()
		return
	}
	delete(s.batches, b.key)

	members := make([]*execution, 0, len(b.members))
	for _, m := range b.members {
		m.inBatch = false
		if !m.status.Terminal() {
			members = append(members, m)
		}
	}
	if len(members) == 0 {
		s.mu.Unlock()
		return
	}

	first := members[0]
	argSets := make([][]any, len(members))
	opts := first.opts
	opts.BatchKey = b.key
	for i, m := range members {
		argSets[i] = m.args
		if m.opts.Priority > opts.Priority {
			opts.Priority = m.opts.Priority
		}
	}

	carrier := &execution{
		id:        uuid.NewString(),
		target:    first.target,
		args:      []any{argSets},
		opts:      opts,
		ctx:       first.ctx,
		status:    StatusPending,
		createdAt: time.Now(),
		members:   members,
	}
	for _, m := range members {
		m.carrier = carrier
	}
	s.executions[carrier.id] = carrier

	s.logger.Debug("batch flushed", "key", b.key, "size", len(members), "carrier", carrier.id)
	settle := s.enqueueLocked(carrier)
	s.dispatchLocked()
	s.mu.Unlock()
	runAll(settle)
}
