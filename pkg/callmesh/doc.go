/*
Package callmesh wires the concurrency and messaging components behind a
hierarchy-diagram editor into one Runtime.

# Overview

A Runtime owns one of each component:

  - Callbacks: named handlers invoked by id or name (package callback)
  - Scheduler: prioritised, bounded, retrying execution of callbacks
    (package scheduler), optionally offloading to a worker pool
  - Events: publish/subscribe with dot-segment wildcards (package event)
  - Messages: component-to-component delivery with groups, channels,
    acknowledgement and a history journal (packages message, journal)
  - Sync: cross-instance locks and heartbeats carried over Messages
    (package coord)
  - Errors: per-source circuit breakers and recovery strategies shared by
    the scheduler and the event bus (package errors)

Each component is usable on its own; the Runtime only builds them from a
config.Settings and disposes them in order.

# Basic Usage

	rt, err := callmesh.Open("callmesh.yaml", callmesh.WithLogger(logger))
	if err != nil {
	    log.Fatal(err)
	}
	defer rt.Close()

	rt.Callbacks.Register("double", callback.HandlerFunc(func(ctx context.Context, args []any) (any, error) {
	    return args[0].(int) * 2, nil
	}))

	_, f := rt.Scheduler.Submit(ctx, callback.ByName("double"), []any{21})
	v, err := f.Wait(ctx) // 42

# Observability

Logging uses log/slog throughout. Metrics and tracing use the global
OpenTelemetry providers and are off unless requested:

	rt, err := callmesh.New(settings,
	    callmesh.WithMetrics(true),
	    callmesh.WithTracing(true),
	)

# Lock Expiry

When a lock held by this instance expires, the Runtime publishes an
EventLockExpired event carrying the coord.Lock before calling any
OnExpire function given through WithOnExpire.
*/
package callmesh
