package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// dialect holds the statements that differ between SQL engines.
type dialect struct {
	createTable string
	createIndex []string
	upsert      string
	pragmas     []string
}

const insertColumns = `id, sender, receiver, grp, channel, type, payload, status, attempts, error, created_ns, updated_ns`

var dialects = map[string]dialect{
	DriverSQLite: {
		createTable: `
			CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				sender TEXT NOT NULL,
				receiver TEXT NOT NULL,
				grp TEXT NOT NULL,
				channel TEXT NOT NULL,
				type TEXT NOT NULL,
				payload BLOB,
				status TEXT NOT NULL,
				attempts INTEGER NOT NULL,
				error TEXT NOT NULL,
				created_ns INTEGER NOT NULL,
				updated_ns INTEGER NOT NULL
			)`,
		createIndex: []string{
			`CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_ns)`,
		},
		upsert: `INSERT INTO messages (` + insertColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				attempts = excluded.attempts,
				error = excluded.error,
				payload = excluded.payload,
				updated_ns = excluded.updated_ns`,
		pragmas: []string{"PRAGMA journal_mode=WAL"},
	},
	DriverMySQL: {
		createTable: `
			CREATE TABLE IF NOT EXISTS messages (
				id VARCHAR(64) PRIMARY KEY,
				sender VARCHAR(255) NOT NULL,
				receiver VARCHAR(255) NOT NULL,
				grp VARCHAR(255) NOT NULL,
				channel VARCHAR(255) NOT NULL,
				type VARCHAR(255) NOT NULL,
				payload LONGBLOB,
				status VARCHAR(32) NOT NULL,
				attempts INT NOT NULL,
				error TEXT NOT NULL,
				created_ns BIGINT NOT NULL,
				updated_ns BIGINT NOT NULL,
				INDEX idx_messages_created (created_ns)
			)`,
		upsert: `INSERT INTO messages (` + insertColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				status = VALUES(status),
				attempts = VALUES(attempts),
				error = VALUES(error),
				payload = VALUES(payload),
				updated_ns = VALUES(updated_ns)`,
	},
}

// SQLStore persists message records through database/sql.
// It serves the sqlite (modernc.org/sqlite) and mysql drivers.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	mu      sync.RWMutex
	closed  bool
}

// NewSQLStore opens dsn with driver and creates the messages table.
// For sqlite the dsn is a file path or ":memory:"; for mysql it is a
// go-sql-driver DSN such as "user:pass@tcp(host:3306)/db".
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}

	var db *sql.DB
	switch driver {
	case DriverMySQL:
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse mysql dsn: %w", err)
		}
		connector, err := mysql.NewConnector(cfg)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db = sql.OpenDB(connector)
	default:
		var err error
		if db, err = sql.Open(driver, dsn); err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		// One connection keeps ":memory:" databases shared and writes serialised.
		db.SetMaxOpenConns(1)
	}

	for _, p := range d.pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	if _, err := db.Exec(d.createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}
	for _, idx := range d.createIndex {
		if _, err := db.Exec(idx); err != nil {
			db.Close()
			return nil, fmt.Errorf("create index: %w", err)
		}
	}

	return &SQLStore{db: db, dialect: d}, nil
}

// Put implements Store.
func (s *SQLStore) Put(ctx context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.ExecContext(ctx, s.dialect.upsert,
		r.ID, r.Sender, r.Receiver, r.Group, r.Channel, r.Type, r.Payload,
		r.Status, r.Attempts, r.Error, r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// Query implements Store.
func (s *SQLStore) Query(ctx context.Context, f Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var where []string
	var args []any
	add := func(clause string, v any) {
		where = append(where, clause)
		args = append(args, v)
	}
	if f.Sender != "" {
		add("sender = ?", f.Sender)
	}
	if f.Receiver != "" {
		add("receiver = ?", f.Receiver)
	}
	if f.Type != "" {
		add("type = ?", f.Type)
	}
	if f.Status != "" {
		add("status = ?", f.Status)
	}
	if !f.Since.IsZero() {
		add("created_ns >= ?", f.Since.UnixNano())
	}

	q := `SELECT ` + insertColumns + ` FROM messages`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	// Newest first so LIMIT keeps the most recent; reversed below.
	q += ` ORDER BY created_ns DESC, id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		var r Record
		var created, updated int64
		if err := rows.Scan(&r.ID, &r.Sender, &r.Receiver, &r.Group, &r.Channel, &r.Type,
			&r.Payload, &r.Status, &r.Attempts, &r.Error, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.CreatedAt = time.Unix(0, created)
		r.UpdatedAt = time.Unix(0, updated)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Close implements Store.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}
