package callmesh

import (
	"log/slog"

	"github.com/randalmurphal/callmesh/pkg/callmesh/coord"
	cmerrors "github.com/randalmurphal/callmesh/pkg/callmesh/errors"
	"github.com/randalmurphal/callmesh/pkg/callmesh/journal"
)

// runtimeConfig holds wiring choices that do not come from settings.
type runtimeConfig struct {
	logger   *slog.Logger
	metrics  bool
	tracing  bool
	store    journal.Store
	breaker  cmerrors.BreakerConfig
	onExpire func(coord.Lock)
}

func defaultRuntimeConfig() runtimeConfig {
	return runtimeConfig{
		logger:  slog.Default(),
		breaker: cmerrors.DefaultBreakerConfig,
	}
}

// Option configures a Runtime.
type Option func(*runtimeConfig)

// WithLogger sets the logger passed to every component.
// Default: slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(c *runtimeConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics enables OpenTelemetry metrics on the global meter provider.
// Default: false
func WithMetrics(enabled bool) Option {
	return func(c *runtimeConfig) {
		c.metrics = enabled
	}
}

// WithTracing enables OpenTelemetry spans on the global tracer provider.
// Default: false
func WithTracing(enabled bool) Option {
	return func(c *runtimeConfig) {
		c.tracing = enabled
	}
}

// WithStore journals messages to store instead of the one named by the
// historyDriver setting. The Runtime does not close a store given here.
func WithStore(store journal.Store) Option {
	return func(c *runtimeConfig) {
		c.store = store
	}
}

// WithBreakerConfig sets the circuit breaker used per failure source.
func WithBreakerConfig(cfg cmerrors.BreakerConfig) Option {
	return func(c *runtimeConfig) {
		c.breaker = cfg
	}
}

// WithOnExpire is called after a lock held by this instance expires.
func WithOnExpire(fn func(coord.Lock)) Option {
	return func(c *runtimeConfig) {
		c.onExpire = fn
	}
}
