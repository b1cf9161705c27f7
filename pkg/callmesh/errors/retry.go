package errors

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff returns the pause before retry n. Retry 1 follows the first
// failed attempt.
type Backoff func(retry int) time.Duration

// Fixed pauses d before every retry.
func Fixed(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// Linear pauses base, 2*base, 3*base, ...
func Linear(base time.Duration) Backoff {
	return func(retry int) time.Duration { return LinearDelay(base, retry) }
}

// LinearDelay is the pause before retry n under Linear(base). Retries
// below 1 count as 1.
func LinearDelay(base time.Duration, retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	return base * time.Duration(retry)
}

// Exponential doubles from initial up to ceiling, with up to 10% jitter
// either way.
func Exponential(initial, ceiling time.Duration) Backoff {
	return func(retry int) time.Duration {
		d := initial
		for i := 1; i < retry && d < ceiling; i++ {
			d *= 2
		}
		if d > ceiling {
			d = ceiling
		}
		spread := float64(d) * 0.1 * (rand.Float64()*2 - 1)
		return d + time.Duration(spread)
	}
}

// Policy says how often and how patiently to retry.
type Policy struct {
	// Attempts is the total number of tries, the first included. Values
	// below 1 mean a single try.
	Attempts int

	// Backoff spaces the tries. Nil retries immediately.
	Backoff Backoff

	// Retryable decides whether a failure earns another try.
	// Default: IsRetryable
	Retryable func(error) bool
}

// DefaultPolicy makes three tries with exponential backoff from 100ms.
var DefaultPolicy = Policy{
	Attempts: 3,
	Backoff:  Exponential(100*time.Millisecond, 5*time.Second),
}

// Outcome reports how a Retry call ended.
type Outcome[T any] struct {
	Value    T
	Err      error
	Attempts int
	Elapsed  time.Duration
}

// Retry calls fn until it succeeds, fails with a non-retryable error, or
// runs out of attempts. fn receives its 1-based attempt number. The last
// error is returned as is so callers can still branch on its code;
// cancellation of ctx ends the loop with a permanent error wrapping
// ctx.Err().
func Retry[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) Outcome[T] {
	start := time.Now()
	attempts := max(p.Attempts, 1)
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	var out Outcome[T]
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			out.Err = Permanent(err, "retry cancelled")
			break
		}
		out.Attempts = attempt
		v, err := fn(ctx, attempt)
		if err == nil {
			out.Value, out.Err = v, nil
			break
		}
		out.Err = err
		if attempt >= attempts || !retryable(err) {
			break
		}
		if p.Backoff == nil {
			continue
		}
		if err := sleep(ctx, p.Backoff(attempt)); err != nil {
			out.Err = Permanent(err, "retry cancelled")
			break
		}
	}
	out.Elapsed = time.Since(start)
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
