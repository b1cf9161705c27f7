package registry

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Registry is a thread-safe registry for values indexed by key.
// It uses sync.RWMutex for optimal read-heavy workloads.
type Registry[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]V
}

// New creates a new empty registry.
func New[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{
		entries: make(map[K]V),
	}
}

// Register adds or updates a value in the registry.
func (r *Registry[K, V]) Register(key K, value V) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = value
}

// RegisterNew adds a value only if key is absent. It reports whether the
// value was stored.
func (r *Registry[K, V]) RegisterNew(key K, value V) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; ok {
		return false
	}
	r.entries[key] = value
	return true
}

// Get returns the value for a key and whether it exists.
func (r *Registry[K, V]) Get(key K) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[key]
	return v, ok
}

// Has returns true if the key exists in the registry.
func (r *Registry[K, V]) Has(key K) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[key]
	return ok
}

// Delete removes a key from the registry and returns the removed value.
func (r *Registry[K, V]) Delete(key K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[key]
	delete(r.entries, key)
	return v, ok
}

// Keys returns all keys in the registry.
// The order is not guaranteed.
func (r *Registry[K, V]) Keys() []K {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]K, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of entries in the registry.
func (r *Registry[K, V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Range iterates over a snapshot of the registry. If fn returns false,
// iteration stops. Register or Delete may be called from fn.
func (r *Registry[K, V]) Range(fn func(K, V) bool) {
	r.mu.RLock()
	snapshot := make(map[K]V, len(r.entries))
	for k, v := range r.entries {
		snapshot[k] = v
	}
	r.mu.RUnlock()

	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}

// Clear removes every entry.
func (r *Registry[K, V]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[K]V)
}

// ID is a slot identifier handed out by an IDAllocator. Zero is never
// allocated.
type ID uint64

// IDAllocator hands out strictly increasing ids. Ids are never reused for
// the lifetime of the allocator. The zero value is ready to use.
type IDAllocator struct {
	next atomic.Uint64
}

// Next returns a fresh id.
func (a *IDAllocator) Next() ID {
	return ID(a.next.Add(1))
}

// Last returns the most recently allocated id, or zero.
func (a *IDAllocator) Last() ID {
	return ID(a.next.Load())
}

// Arena stores values in slots keyed by ids from its own allocator.
// Snapshots come back in allocation order. It is safe for concurrent use.
type Arena[V any] struct {
	ids   IDAllocator
	mu    sync.RWMutex
	slots map[ID]V
}

// NewArena creates an empty arena.
func NewArena[V any]() *Arena[V] {
	return &Arena[V]{slots: make(map[ID]V)}
}

// Insert stores v in a fresh slot and returns its id.
func (a *Arena[V]) Insert(v V) ID {
	return a.InsertWith(func(ID) V { return v })
}

// InsertWith allocates an id and stores the value built from it, so values
// can embed their own id.
func (a *Arena[V]) InsertWith(build func(ID) V) ID {
	id := a.ids.Next()
	v := build(id)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.slots[id] = v
	return id
}

// Get returns the value in slot id.
func (a *Arena[V]) Get(id ID) (V, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.slots[id]
	return v, ok
}

// Remove frees slot id and reports whether it was occupied.
func (a *Arena[V]) Remove(id ID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.slots[id]; !ok {
		return false
	}
	delete(a.slots, id)
	return true
}

// RemoveIf frees every slot whose value satisfies pred and returns the
// removed ids in allocation order.
func (a *Arena[V]) RemoveIf(pred func(ID, V) bool) []ID {
	a.mu.Lock()
	defer a.mu.Unlock()
	var removed []ID
	for id, v := range a.slots {
		if pred(id, v) {
			removed = append(removed, id)
			delete(a.slots, id)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	return removed
}

// Len returns the number of occupied slots.
func (a *Arena[V]) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.slots)
}

// Entry is one occupied slot.
type Entry[V any] struct {
	ID    ID
	Value V
}

// Snapshot returns the occupied slots in allocation order.
func (a *Arena[V]) Snapshot() []Entry[V] {
	a.mu.RLock()
	out := make([]Entry[V], 0, len(a.slots))
	for id, v := range a.slots {
		out = append(out, Entry[V]{ID: id, Value: v})
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Clear frees every slot. The allocator keeps counting so ids stay unique.
func (a *Arena[V]) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.slots = make(map[ID]V)
}
