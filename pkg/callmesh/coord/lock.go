package coord

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/callmesh/pkg/callmesh/message"
	"github.com/randalmurphal/callmesh/pkg/callmesh/observability"
)

// Mode is the sharing mode of a lock.
type Mode string

// Lock modes. Shared locks coexist with each other, never with an
// exclusive lock.
const (
	Exclusive Mode = "exclusive"
	Shared    Mode = "shared"
)

// Lock describes a granted lock.
type Lock struct {
	Resource   string        `json:"resource"`
	LockID     string        `json:"lockId"`
	Holder     string        `json:"holder"`
	Mode       Mode          `json:"mode"`
	AcquiredAt time.Time     `json:"acquiredAt"`
	Timeout    time.Duration `json:"timeout"`
}

// ExpiresAt is when the coordinator releases the lock unless renewed.
func (l Lock) ExpiresAt() time.Time {
	return l.AcquiredAt.Add(l.Timeout)
}

// Instance is the liveness record of one participant.
type Instance struct {
	ID            string
	LastHeartbeat time.Time
	Active        bool
}

// AcquireOptions configure one acquisition.
type AcquireOptions struct {
	Mode           Mode
	Timeout        time.Duration
	RequestTimeout time.Duration
	RetryCount     int
	RetryDelay     time.Duration
}

// AcquireOption configures an acquisition.
type AcquireOption func(*AcquireOptions)

// WithMode sets the lock mode. Default: Exclusive.
func WithMode(m Mode) AcquireOption {
	return func(o *AcquireOptions) { o.Mode = m }
}

// WithLockTimeout sets how long the grant lasts before it expires.
func WithLockTimeout(d time.Duration) AcquireOption {
	return func(o *AcquireOptions) { o.Timeout = d }
}

// WithRequestTimeout sets how long each request waits for a grant.
func WithRequestTimeout(d time.Duration) AcquireOption {
	return func(o *AcquireOptions) { o.RequestTimeout = d }
}

// WithRetry sets how many times an unanswered request is retried and the
// delay between tries.
func WithRetry(count int, delay time.Duration) AcquireOption {
	return func(o *AcquireOptions) {
		o.RetryCount = count
		o.RetryDelay = delay
	}
}

// Config configures a Manager.
type Config struct {
	// InstanceID names this participant. Default: a random UUID.
	InstanceID string

	// Coordinator is the instance that owns the lock table.
	// Default: InstanceID
	Coordinator string

	// Messages carries the protocol. Nil handles everything locally.
	Messages *message.System

	// HeartbeatInterval is the period between heartbeats.
	// Default: 5 seconds
	HeartbeatInterval time.Duration

	// HeartbeatTimeout marks an instance inactive after this much silence.
	// Default: 3 * HeartbeatInterval
	HeartbeatTimeout time.Duration

	// LockTimeout is the default grant duration.
	// Default: 30 seconds
	LockTimeout time.Duration

	// RequestTimeout bounds the wait for a response to one request.
	// Default: 5 seconds
	RequestTimeout time.Duration

	// RetryCount is how many times an unanswered request is retried.
	// Zero takes the default; NoRetry (or any negative) disables retries.
	// Default: 3
	RetryCount int

	// RetryDelay is the pause between request retries.
	// Default: 500ms
	RetryDelay time.Duration

	// RetainOnHeartbeatLoss keeps locks held by inactive instances until
	// they expire on their own. Default: false (the coordinator reclaims
	// them as soon as the holder goes inactive)
	RetainOnHeartbeatLoss bool

	// OnExpire is called when a lock this instance holds expires.
	OnExpire func(Lock)

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics defaults to observability.NoopMetrics{}.
	Metrics observability.MetricsRecorder
}

// NoRetry as Config.RetryCount makes a single request attempt.
const NoRetry = -1

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	HeartbeatInterval: 5 * time.Second,
	LockTimeout:       30 * time.Second,
	RequestTimeout:    5 * time.Second,
	RetryCount:        3,
	RetryDelay:        500 * time.Millisecond,
}
