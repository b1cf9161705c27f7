package message

import (
	"context"
	"time"
)

// Status is the delivery state of a message.
type Status string

// Message statuses.
const (
	StatusPending      Status = "pending"
	StatusDelivering   Status = "delivering"
	StatusDelivered    Status = "delivered"
	StatusAcknowledged Status = "acknowledged"
	StatusFailed       Status = "failed"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusAcknowledged || s == StatusFailed
}

// Options control delivery of one message.
type Options struct {
	Priority int

	// Timeout bounds the wait for an acknowledgement.
	// Default: Config.AckTimeout
	Timeout time.Duration

	// Retry enables redelivery after an ack timeout or a handler error.
	Retry      bool
	RetryCount int
	RetryDelay time.Duration

	// RequireAck holds the message pending until Acknowledge is called.
	RequireAck bool

	Metadata map[string]any
}

// Option configures a message.
type Option func(*Options)

// WithPriority sets the message priority. It is carried for receivers and
// does not reorder a mailbox.
func WithPriority(p int) Option {
	return func(o *Options) { o.Priority = p }
}

// WithTimeout sets the acknowledgement timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithRetry enables up to count redeliveries, delay apart.
func WithRetry(count int, delay time.Duration) Option {
	return func(o *Options) {
		o.Retry = true
		o.RetryCount = count
		o.RetryDelay = delay
	}
}

// RequireAck makes the message wait for Acknowledge.
func RequireAck() Option {
	return func(o *Options) { o.RequireAck = true }
}

// WithMetadata attaches a metadata entry.
func WithMetadata(key string, value any) Option {
	return func(o *Options) {
		if o.Metadata == nil {
			o.Metadata = make(map[string]any)
		}
		o.Metadata[key] = value
	}
}

// Message is a snapshot of one message. Handlers and observers receive
// copies; mutating them has no effect on delivery.
type Message struct {
	ID       string
	Sender   string
	Receiver string
	Group    string // set when sent through BroadcastToGroup
	Channel  string // set when sent through PublishToChannel
	Type     string
	Payload  any
	Options  Options

	Status    Status
	Attempts  int
	CreatedAt time.Time
	UpdatedAt time.Time

	// Response is the value passed to Acknowledge.
	Response any

	// Err is the reason a failed message failed.
	Err error
}

// Handler receives messages for a component.
type Handler interface {
	Receive(ctx context.Context, msg Message) error
}

// HandlerFunc is a function that implements Handler.
type HandlerFunc func(ctx context.Context, msg Message) error

// Receive implements Handler.
func (f HandlerFunc) Receive(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Component describes a registered participant.
type Component struct {
	ID         string
	CanSend    bool
	CanReceive bool

	// AcceptedTypes limits which message types the component receives.
	// Empty accepts every type.
	AcceptedTypes []string

	// Groups and Channels are joined on registration.
	Groups   []string
	Channels []string

	// Handler is required when CanReceive is set.
	Handler Handler
}

func (c *Component) accepts(msgType string) bool {
	if len(c.AcceptedTypes) == 0 {
		return true
	}
	for _, t := range c.AcceptedTypes {
		if t == msgType {
			return true
		}
	}
	return false
}

// Stats summarises message system activity.
type Stats struct {
	Components   int
	Groups       int
	Channels     int
	Pending      int
	Sent         int64
	Refused      int64
	Delivered    int64
	Acknowledged int64
	Failed       int64
	Retries      int64
}
