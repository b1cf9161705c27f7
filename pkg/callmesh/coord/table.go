package coord

import (
	"time"

	"github.com/google/uuid"

	cmerrors "github.com/randalmurphal/callmesh/pkg/callmesh/errors"
)

// request is a lock request as the coordinator sees it.
type request struct {
	ID       string        `json:"requestId"`
	Resource string        `json:"resource"`
	Holder   string        `json:"holder"`
	Mode     Mode          `json:"mode"`
	Timeout  time.Duration `json:"timeout"`
	LockID   string        `json:"lockId,omitempty"`
}

// grant pairs a granted lock with the request it answers.
type grant struct {
	requestID string
	lock      Lock
	renewal   bool
}

type resourceState struct {
	mode    Mode
	holders []Lock // grant order
	queue   []request
}

func (st *resourceState) holderIndex(holder string) int {
	for i, l := range st.holders {
		if l.Holder == holder {
			return i
		}
	}
	return -1
}

// lockTable is the coordinator's view of every resource. It is not safe for
// concurrent use; the Manager guards it.
type lockTable struct {
	resources map[string]*resourceState
	now       func() time.Time
}

func newLockTable() *lockTable {
	return &lockTable{
		resources: make(map[string]*resourceState),
		now:       time.Now,
	}
}

// request grants r if the resource is free, compatible, or already held by
// the same holder (a renewal). Otherwise r joins the FIFO queue once.
func (t *lockTable) request(r request) (grant, bool) {
	st, ok := t.resources[r.Resource]
	if !ok {
		st = &resourceState{}
		t.resources[r.Resource] = st
	}

	if i := st.holderIndex(r.Holder); i >= 0 && (r.Mode == st.mode || len(st.holders) == 1) {
		return t.renewLocked(st, i, r), true
	}

	// Shared requests join shared holders only when nobody is waiting, so a
	// queued exclusive request is not starved.
	if len(st.holders) == 0 || (r.Mode == Shared && st.mode == Shared && len(st.queue) == 0) {
		return t.grantLocked(st, r), true
	}

	for _, q := range st.queue {
		if q.ID == r.ID {
			return grant{}, false
		}
	}
	st.queue = append(st.queue, r)
	return grant{}, false
}

// renewLocked refreshes holder i's lock in place, switching its mode to
// r.Mode. Only a sole holder may change mode.
func (t *lockTable) renewLocked(st *resourceState, i int, r request) grant {
	l := &st.holders[i]
	l.AcquiredAt = t.now()
	l.Timeout = r.Timeout
	l.Mode = r.Mode
	st.mode = r.Mode
	return grant{requestID: r.ID, lock: *l, renewal: true}
}

func (t *lockTable) grantLocked(st *resourceState, r request) grant {
	l := Lock{
		Resource:   r.Resource,
		LockID:     uuid.NewString(),
		Holder:     r.Holder,
		Mode:       r.Mode,
		AcquiredAt: t.now(),
		Timeout:    r.Timeout,
	}
	st.mode = r.Mode
	st.holders = append(st.holders, l)
	return grant{requestID: r.ID, lock: l}
}

// serve grants queued requests in arrival order while they fit.
func (t *lockTable) serve(resource string) []grant {
	st, ok := t.resources[resource]
	if !ok {
		return nil
	}
	var grants []grant
	for len(st.queue) > 0 {
		next := st.queue[0]
		// A waiting upgrade becomes a renewal once its holder is alone.
		if len(st.holders) == 1 && st.holders[0].Holder == next.Holder {
			st.queue = st.queue[1:]
			grants = append(grants, t.renewLocked(st, 0, next))
			if next.Mode == Exclusive {
				break
			}
			continue
		}
		fits := len(st.holders) == 0 || (next.Mode == Shared && st.mode == Shared)
		if !fits {
			break
		}
		st.queue = st.queue[1:]
		grants = append(grants, t.grantLocked(st, next))
		if next.Mode == Exclusive {
			break
		}
	}
	t.tidy(resource)
	return grants
}

func (t *lockTable) tidy(resource string) {
	if st, ok := t.resources[resource]; ok && len(st.holders) == 0 && len(st.queue) == 0 {
		delete(t.resources, resource)
	}
}

func (t *lockTable) remove(st *resourceState, i int) Lock {
	l := st.holders[i]
	st.holders = append(st.holders[:i], st.holders[i+1:]...)
	return l
}

// release drops holder's lock on resource and serves the queue.
func (t *lockTable) release(resource, holder string) (Lock, []grant, error) {
	st, ok := t.resources[resource]
	i := -1
	if ok {
		i = st.holderIndex(holder)
	}
	if i < 0 {
		return Lock{}, nil, cmerrors.New(cmerrors.CodeNotLockHolder, opRelease,
			holder+" does not hold "+resource)
	}
	l := t.remove(st, i)
	return l, t.serve(resource), nil
}

// expire drops the lock with lockID if it is still held.
func (t *lockTable) expire(resource, lockID string) (Lock, []grant, bool) {
	st, ok := t.resources[resource]
	if !ok {
		return Lock{}, nil, false
	}
	for i, l := range st.holders {
		if l.LockID == lockID {
			t.remove(st, i)
			return l, t.serve(resource), true
		}
	}
	return Lock{}, nil, false
}

// cancel removes a queued request.
func (t *lockTable) cancel(resource, requestID string) bool {
	st, ok := t.resources[resource]
	if !ok {
		return false
	}
	for i, q := range st.queue {
		if q.ID == requestID {
			st.queue = append(st.queue[:i], st.queue[i+1:]...)
			t.tidy(resource)
			return true
		}
	}
	return false
}

// dropHolder releases every lock and queued request of holder.
func (t *lockTable) dropHolder(holder string) ([]Lock, []grant) {
	var released []Lock
	var grants []grant
	for resource, st := range t.resources {
		kept := st.queue[:0]
		for _, q := range st.queue {
			if q.Holder != holder {
				kept = append(kept, q)
			}
		}
		st.queue = kept
		if i := st.holderIndex(holder); i >= 0 {
			released = append(released, t.remove(st, i))
		}
		grants = append(grants, t.serve(resource)...)
	}
	return released, grants
}

// locks returns every held lock.
func (t *lockTable) locks() []Lock {
	var out []Lock
	for _, st := range t.resources {
		out = append(out, st.holders...)
	}
	return out
}

// queued returns the number of waiting requests for resource.
func (t *lockTable) queued(resource string) int {
	if st, ok := t.resources[resource]; ok {
		return len(st.queue)
	}
	return 0
}
