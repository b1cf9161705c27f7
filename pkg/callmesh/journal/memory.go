package journal

import (
	"context"
	"sync"
)

// DefaultMemorySize is the ring capacity used when NewMemoryStore is given
// a non-positive size.
const DefaultMemorySize = 1000

// MemoryStore keeps the most recent records in memory.
// Data is lost when the process exits.
type MemoryStore struct {
	mu      sync.RWMutex
	size    int
	order   []string // ids, oldest first
	records map[string]Record
	closed  bool
}

// NewMemoryStore creates a ring holding at most size records.
func NewMemoryStore(size int) *MemoryStore {
	if size <= 0 {
		size = DefaultMemorySize
	}
	return &MemoryStore{
		size:    size,
		records: make(map[string]Record),
	}
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	// Copy payload to avoid retaining caller's slice
	if r.Payload != nil {
		r.Payload = append([]byte(nil), r.Payload...)
	}

	if _, ok := m.records[r.ID]; ok {
		m.records[r.ID] = r
		return nil
	}
	m.records[r.ID] = r
	m.order = append(m.order, r.ID)
	for len(m.order) > m.size {
		delete(m.records, m.order[0])
		m.order[0] = ""
		m.order = m.order[1:]
	}
	return nil
}

// Query implements Store.
func (m *MemoryStore) Query(_ context.Context, f Filter) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	out := []Record{}
	for _, id := range m.order {
		if r := m.records[id]; f.Match(r) {
			out = append(out, r)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// Len returns the number of records held.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.records = nil
	m.order = nil
	return nil
}
