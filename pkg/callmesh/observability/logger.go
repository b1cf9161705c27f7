// Package observability provides structured logging, metrics, and tracing
// for callmesh components.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"context"
	"log/slog"
	"time"
)

// EnrichLogger adds component context to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, "scheduler", "exec-42")
//	enriched.Info("doing work") // includes component and id
func EnrichLogger(logger *slog.Logger, component, id string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("component", component),
		slog.String("id", id),
	)
}

// LogExecutionStart logs the start of a scheduled execution.
func LogExecutionStart(logger *slog.Logger, executionID, target string, attempt int) {
	if logger == nil {
		return
	}
	logger.Debug("execution starting",
		slog.String("execution_id", executionID),
		slog.String("target", target),
		slog.Int("attempt", attempt),
	)
}

// LogExecutionComplete logs successful execution completion.
func LogExecutionComplete(logger *slog.Logger, executionID string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("execution completed",
		slog.String("execution_id", executionID),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogExecutionError logs a failed execution attempt.
func LogExecutionError(logger *slog.Logger, executionID string, attempt int, err error, willRetry bool) {
	if logger == nil {
		return
	}
	level := slog.LevelError
	if willRetry {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "execution failed",
		slog.String("execution_id", executionID),
		slog.Int("attempt", attempt),
		slog.Bool("will_retry", willRetry),
		slog.String("error", err.Error()),
	)
}

// LogHandlerError logs an error raised by a subscriber or receiver that was
// isolated from the rest of the fan-out.
func LogHandlerError(logger *slog.Logger, kind, id string, err error) {
	if logger == nil {
		return
	}
	logger.Error("handler failed",
		slog.String("kind", kind),
		slog.String("handler_id", id),
		slog.String("error", err.Error()),
	)
}

// LogDeliveryRefused logs a message that was not delivered. Refusals are an
// expected outcome, so they log at debug level.
func LogDeliveryRefused(logger *slog.Logger, sender, receiver, msgType, reason string) {
	if logger == nil {
		return
	}
	logger.Debug("delivery refused",
		slog.String("sender", sender),
		slog.String("receiver", receiver),
		slog.String("type", msgType),
		slog.String("reason", reason),
	)
}

// LogLockEvent logs a lock table transition.
func LogLockEvent(logger *slog.Logger, event, resource, holder string) {
	if logger == nil {
		return
	}
	logger.Debug("lock "+event,
		slog.String("resource", resource),
		slog.String("holder", holder),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
