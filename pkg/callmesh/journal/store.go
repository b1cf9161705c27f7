// Package journal records message history for the message system.
//
// Two stores are provided: a bounded in-memory ring (the default) and a
// SQL store backed by SQLite or MySQL for history that outlives the
// process.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Record is the journaled form of one message. A message is written once
// per status change; later writes with the same ID replace earlier ones.
type Record struct {
	ID        string
	Sender    string
	Receiver  string
	Group     string
	Channel   string
	Type      string
	Payload   []byte // JSON
	Status    string
	Attempts  int
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Filter selects records. Zero fields match everything.
type Filter struct {
	Sender   string
	Receiver string
	Type     string
	Status   string
	Since    time.Time

	// Limit keeps only the most recent matches. 0 means no limit.
	Limit int
}

// Match reports whether r passes f.
func (f Filter) Match(r Record) bool {
	if f.Sender != "" && r.Sender != f.Sender {
		return false
	}
	if f.Receiver != "" && r.Receiver != f.Receiver {
		return false
	}
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// Store persists message records.
// Implementations must be safe for concurrent use.
type Store interface {
	// Put inserts r or replaces the record with the same ID.
	Put(ctx context.Context, r Record) error

	// Query returns matching records ordered oldest first.
	// Returns an empty slice (not error) when nothing matches.
	Query(ctx context.Context, f Filter) ([]Record, error)

	// Close releases any resources (connections, files).
	Close() error
}

// Sentinel errors for journal operations.
var (
	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("journal store closed")

	// ErrUnknownDriver indicates Open was given a driver it cannot serve.
	ErrUnknownDriver = errors.New("unknown journal driver")
)

// Driver names accepted by Open.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Open returns the store for driver. The memory driver ignores dsn and keeps
// at most size records.
func Open(driver, dsn string, size int) (Store, error) {
	switch driver {
	case "", DriverMemory:
		return NewMemoryStore(size), nil
	case DriverSQLite, DriverMySQL:
		return NewSQLStore(driver, dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}
