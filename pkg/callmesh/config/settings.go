package config

import (
	"errors"
	"fmt"
	"time"

	cmerrors "github.com/randalmurphal/callmesh/pkg/callmesh/errors"
	"github.com/randalmurphal/callmesh/pkg/callmesh/journal"
)

const opSettings = "config.settings"

// Section names. Keys inside a section override the same key at the top
// level for that component only.
const (
	SectionScheduler = "scheduler"
	SectionCallbacks = "callbacks"
	SectionEvents    = "events"
	SectionMessages  = "messages"
	SectionSync      = "sync"
)

// SchedulerSettings configures the task scheduler and its worker pool.
type SchedulerSettings struct {
	MaxConcurrent  int
	PriorityLevels int
	DefaultTimeout time.Duration
	RetryCount     int
	RetryDelay     time.Duration
	MaxQueueSize   int
	BatchWindow    time.Duration
	ResultTTL      time.Duration

	// Workers sizes the offload pool. 0 runs targets on the scheduler's
	// own goroutines.
	Workers int
}

// CallbackSettings configures the callback registry.
type CallbackSettings struct {
	MaxDepth       int
	HistorySize    int
	DefaultTimeout time.Duration
	SwallowErrors  bool
}

// EventSettings configures the event bus.
type EventSettings struct {
	EnableWildcards bool
	Async           bool
	HistorySize     int
	MaxSubscribers  int
}

// MessageSettings configures the message system and its journal.
type MessageSettings struct {
	AckTimeout    time.Duration
	RetryDelay    time.Duration
	HistorySize   int
	HistoryDriver string
	HistoryDSN    string
}

// SyncSettings configures the synchronization manager.
type SyncSettings struct {
	InstanceID             string
	Coordinator            string
	HeartbeatInterval      time.Duration
	HeartbeatTimeout       time.Duration
	LockTimeout            time.Duration
	RequestTimeout         time.Duration
	RetryCount             int // -1: no retries
	RetryDelay             time.Duration
	ReclaimOnHeartbeatLoss bool
}

// Settings is the typed view of a callmesh configuration. Zero durations
// and counts mean "use the component default".
type Settings struct {
	Scheduler SchedulerSettings
	Callbacks CallbackSettings
	Events    EventSettings
	Messages  MessageSettings
	Sync      SyncSettings
}

// DefaultSettings is what an empty configuration produces.
var DefaultSettings = Settings{
	Events: EventSettings{EnableWildcards: true},
	Sync:   SyncSettings{ReclaimOnHeartbeatLoss: true},
}

// Settings reads every recognised key and validates the result.
func (c Config) Settings() (Settings, error) {
	s := c.settings()
	return s, s.Validate()
}

func (c Config) settings() Settings {
	sched := c.Section(SectionScheduler).Over(c)
	cbs := c.Section(SectionCallbacks).Over(c)
	evs := c.Section(SectionEvents).Over(c)
	msgs := c.Section(SectionMessages).Over(c)
	// retryCount and retryDelay at the top level belong to the scheduler;
	// the sync manager only reads them from its own section.
	syncOnly := c.Section(SectionSync)
	syn := syncOnly.Over(c)

	return Settings{
		Scheduler: SchedulerSettings{
			MaxConcurrent:  sched.Int("maxConcurrent", 0),
			PriorityLevels: sched.Int("priorityLevels", 0),
			DefaultTimeout: sched.Duration("defaultTimeout", 0),
			RetryCount:     sched.Int("retryCount", 0),
			RetryDelay:     sched.Duration("retryDelay", 0),
			MaxQueueSize:   sched.Int("maxQueueSize", 0),
			BatchWindow:    sched.Duration("batchWindow", 0),
			ResultTTL:      sched.Duration("resultTTL", 0),
			Workers:        sched.Int("workers", 0),
		},
		Callbacks: CallbackSettings{
			MaxDepth:       cbs.Int("maxDepth", 0),
			HistorySize:    cbs.Int("historySize", 0),
			DefaultTimeout: c.Section(SectionCallbacks).Duration("defaultTimeout", 0),
			SwallowErrors:  cbs.Bool("swallowErrors", false),
		},
		Events: EventSettings{
			EnableWildcards: evs.Bool("enableWildcards", DefaultSettings.Events.EnableWildcards),
			Async:           evs.Bool("async", false),
			HistorySize:     evs.Int("historySize", 0),
			MaxSubscribers:  evs.Int("maxSubscribers", 0),
		},
		Messages: MessageSettings{
			AckTimeout:    msgs.Duration("ackTimeout", 0),
			RetryDelay:    c.Section(SectionMessages).Duration("retryDelay", 0),
			HistorySize:   msgs.Int("historySize", 0),
			HistoryDriver: msgs.String("historyDriver", ""),
			HistoryDSN:    msgs.String("historyDSN", ""),
		},
		Sync: SyncSettings{
			InstanceID:             syn.String("instanceId", ""),
			Coordinator:            syn.String("coordinator", ""),
			HeartbeatInterval:      syn.Duration("heartbeatInterval", 0),
			HeartbeatTimeout:       syn.Duration("heartbeatTimeout", 0),
			LockTimeout:            syn.Duration("lockTimeout", 0),
			RequestTimeout:         syn.Duration("requestTimeout", 0),
			RetryCount:             syncRetryCount(syncOnly),
			RetryDelay:             syncOnly.Duration("retryDelay", 0),
			ReclaimOnHeartbeatLoss: syn.Bool("reclaimOnHeartbeatLoss", DefaultSettings.Sync.ReclaimOnHeartbeatLoss),
		},
	}
}

// syncRetryCount reads sync.retryCount. An explicit 0 becomes -1, which
// the sync manager reads as "no retries"; an absent key stays 0, which it
// reads as its default.
func syncRetryCount(c Config) int {
	n := c.Int("retryCount", 0)
	if n == 0 && c.Has("retryCount") {
		return -1
	}
	return n
}

// Validate reports every out-of-range value at once. The returned error
// carries CodeInvalidArgument.
func (s Settings) Validate() error {
	var problems []error
	bad := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	nonNegative := map[string]int{
		"maxConcurrent":  s.Scheduler.MaxConcurrent,
		"priorityLevels": s.Scheduler.PriorityLevels,
		"maxQueueSize":   s.Scheduler.MaxQueueSize,
		"workers":        s.Scheduler.Workers,
		"maxDepth":       s.Callbacks.MaxDepth,
		"maxSubscribers": s.Events.MaxSubscribers,
	}
	for _, key := range []string{"maxConcurrent", "priorityLevels", "maxQueueSize", "workers", "maxDepth", "maxSubscribers"} {
		if nonNegative[key] < 0 {
			bad("%s must not be negative, got %d", key, nonNegative[key])
		}
	}
	if s.Scheduler.DefaultTimeout < 0 || s.Scheduler.RetryDelay < 0 || s.Scheduler.BatchWindow < 0 {
		bad("scheduler durations must not be negative")
	}
	if s.Messages.AckTimeout < 0 {
		bad("ackTimeout must not be negative, got %s", s.Messages.AckTimeout)
	}

	switch s.Messages.HistoryDriver {
	case "", journal.DriverMemory:
	case journal.DriverSQLite, journal.DriverMySQL:
		if s.Messages.HistoryDSN == "" {
			bad("historyDSN is required for the %s driver", s.Messages.HistoryDriver)
		}
	default:
		bad("unknown historyDriver %q", s.Messages.HistoryDriver)
	}

	if s.Sync.HeartbeatInterval < 0 || s.Sync.HeartbeatTimeout < 0 {
		bad("heartbeat durations must not be negative")
	}
	if s.Sync.HeartbeatInterval > 0 && s.Sync.HeartbeatTimeout > 0 &&
		s.Sync.HeartbeatTimeout <= s.Sync.HeartbeatInterval {
		bad("heartbeatTimeout %s must exceed heartbeatInterval %s",
			s.Sync.HeartbeatTimeout, s.Sync.HeartbeatInterval)
	}
	if s.Sync.LockTimeout < 0 || s.Sync.RequestTimeout < 0 {
		bad("lock durations must not be negative")
	}
	if s.Sync.RetryCount < -1 {
		bad("sync retryCount must be -1 or more, got %d", s.Sync.RetryCount)
	}

	if len(problems) == 0 {
		return nil
	}
	return cmerrors.Wrap(cmerrors.CodeInvalidArgument, opSettings, errors.Join(problems...))
}
