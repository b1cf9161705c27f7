package callmesh

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/randalmurphal/callmesh/pkg/callmesh/callback"
	"github.com/randalmurphal/callmesh/pkg/callmesh/config"
	"github.com/randalmurphal/callmesh/pkg/callmesh/coord"
	cmerrors "github.com/randalmurphal/callmesh/pkg/callmesh/errors"
	"github.com/randalmurphal/callmesh/pkg/callmesh/event"
	"github.com/randalmurphal/callmesh/pkg/callmesh/journal"
	"github.com/randalmurphal/callmesh/pkg/callmesh/message"
	"github.com/randalmurphal/callmesh/pkg/callmesh/observability"
	"github.com/randalmurphal/callmesh/pkg/callmesh/scheduler"
	"github.com/randalmurphal/callmesh/pkg/callmesh/worker"
)

// EventLockExpired is published on the Runtime's bus with the expired
// coord.Lock as payload.
const EventLockExpired = "sync.lock.expired"

// Runtime owns one of each callmesh component. Fields are set by New and
// must not be reassigned.
type Runtime struct {
	Errors    *cmerrors.Handler
	Callbacks *callback.Registry
	Scheduler *scheduler.Scheduler
	Events    *event.Bus
	Messages  *message.System
	Sync      *coord.Manager

	// Workers is nil when the workers setting is 0.
	Workers *worker.Pool

	settings  config.Settings
	store     journal.Store
	ownsStore bool

	closeOnce sync.Once
	closeErr  error
}

// Open loads settings from path and builds a Runtime from them.
func Open(path string, opts ...Option) (*Runtime, error) {
	settings, err := config.LoadSettings(path)
	if err != nil {
		return nil, err
	}
	return New(settings, opts...)
}

// New validates settings and builds every component.
func New(settings config.Settings, opts ...Option) (*Runtime, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	cfg := defaultRuntimeConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	var metrics observability.MetricsRecorder = observability.NoopMetrics{}
	if cfg.metrics {
		metrics = observability.NewMetricsRecorder()
	}
	var spans observability.SpanManager = observability.NoopSpanManager{}
	if cfg.tracing {
		spans = observability.NewSpanManager()
	}

	rt := &Runtime{settings: settings}

	rt.store = cfg.store
	if rt.store == nil {
		store, err := journal.Open(settings.Messages.HistoryDriver, settings.Messages.HistoryDSN, settings.Messages.HistorySize)
		if err != nil {
			return nil, fmt.Errorf("open message journal: %w", err)
		}
		rt.store = store
		rt.ownsStore = true
	}

	rt.Errors = cmerrors.NewHandler(
		cmerrors.WithBreakerConfig(cfg.breaker),
		cmerrors.WithLogger(cfg.logger),
	)

	rt.Callbacks = callback.NewRegistry(callback.Config{
		MaxDepth:       settings.Callbacks.MaxDepth,
		HistorySize:    settings.Callbacks.HistorySize,
		DefaultTimeout: settings.Callbacks.DefaultTimeout,
		SwallowErrors:  settings.Callbacks.SwallowErrors,
		Logger:         cfg.logger,
		Metrics:        metrics,
	})

	sched := scheduler.Config{
		MaxConcurrent:  settings.Scheduler.MaxConcurrent,
		PriorityLevels: settings.Scheduler.PriorityLevels,
		DefaultTimeout: settings.Scheduler.DefaultTimeout,
		RetryCount:     settings.Scheduler.RetryCount,
		RetryDelay:     settings.Scheduler.RetryDelay,
		MaxQueueSize:   settings.Scheduler.MaxQueueSize,
		BatchWindow:    settings.Scheduler.BatchWindow,
		ResultTTL:      settings.Scheduler.ResultTTL,
		Registry:       rt.Callbacks,
		Resilience:     rt.Errors,
		Logger:         cfg.logger,
		Metrics:        metrics,
		Spans:          spans,
	}
	if settings.Scheduler.Workers > 0 {
		rt.Workers = worker.NewPool(worker.Config{
			Workers: settings.Scheduler.Workers,
			Logger:  cfg.logger,
		})
		sched.Workers = rt.Workers
	}
	rt.Scheduler = scheduler.New(sched)

	rt.Events = event.NewBus(event.BusConfig{
		DisableWildcards: !settings.Events.EnableWildcards,
		Async:            settings.Events.Async,
		HistorySize:      settings.Events.HistorySize,
		MaxSubscribers:   settings.Events.MaxSubscribers,
		OnError: func(err *event.SubscriberError) {
			source := "event.subscription." + strconv.FormatUint(uint64(err.Subscription), 10)
			rt.Errors.Record(context.Background(), source, err, 1)
		},
		Logger:  cfg.logger,
		Metrics: metrics,
	})

	rt.Messages = message.New(message.Config{
		AckTimeout:  settings.Messages.AckTimeout,
		RetryDelay:  settings.Messages.RetryDelay,
		HistorySize: settings.Messages.HistorySize,
		Store:       rt.store,
		Logger:      cfg.logger,
		Metrics:     metrics,
		Spans:       spans,
	})

	onExpire := cfg.onExpire
	manager, err := coord.New(coord.Config{
		InstanceID:            settings.Sync.InstanceID,
		Coordinator:           settings.Sync.Coordinator,
		Messages:              rt.Messages,
		HeartbeatInterval:     settings.Sync.HeartbeatInterval,
		HeartbeatTimeout:      settings.Sync.HeartbeatTimeout,
		LockTimeout:           settings.Sync.LockTimeout,
		RequestTimeout:        settings.Sync.RequestTimeout,
		RetryCount:            settings.Sync.RetryCount,
		RetryDelay:            settings.Sync.RetryDelay,
		RetainOnHeartbeatLoss: !settings.Sync.ReclaimOnHeartbeatLoss,
		OnExpire: func(l coord.Lock) {
			_, _ = rt.Events.Publish(context.Background(), EventLockExpired, l)
			if onExpire != nil {
				onExpire(l)
			}
		},
		Logger:  cfg.logger,
		Metrics: metrics,
	})
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("start sync manager: %w", err)
	}
	rt.Sync = manager

	return rt, nil
}

// Settings returns the settings the Runtime was built from.
func (rt *Runtime) Settings() config.Settings {
	return rt.settings
}

// Close disposes every component, most dependent first, and closes the
// journal if the Runtime opened it. Calling Close again returns the first
// result.
func (rt *Runtime) Close() error {
	rt.closeOnce.Do(func() {
		var errs []error
		if rt.Sync != nil {
			rt.Sync.Dispose()
		}
		if rt.Messages != nil {
			rt.Messages.Dispose()
		}
		if rt.Events != nil {
			rt.Events.Dispose()
		}
		if rt.Scheduler != nil {
			rt.Scheduler.Dispose()
		}
		if rt.Workers != nil {
			if err := rt.Workers.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close workers: %w", err))
			}
		}
		if rt.Callbacks != nil {
			rt.Callbacks.Dispose()
		}
		if rt.ownsStore && rt.store != nil {
			if err := rt.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close message journal: %w", err))
			}
		}
		rt.closeErr = errors.Join(errs...)
	})
	return rt.closeErr
}
