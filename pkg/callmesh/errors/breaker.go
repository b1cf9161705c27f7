package errors

import (
	"sync"
	"time"
)

// BreakerState is the state of a circuit breaker.
type BreakerState int

// Breaker states.
const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

// String returns the state name.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of failures inside Window that opens
	// the breaker.
	// Default: 5
	FailureThreshold int

	// Window is the sliding window for counting failures.
	// Default: 1 minute
	Window time.Duration

	// OpenTimeout is how long the breaker stays open before allowing a
	// trial call.
	// Default: 30 seconds
	OpenTimeout time.Duration

	// HalfOpenSuccesses is the number of consecutive successful trial calls
	// that close the breaker again. It also caps the trial calls admitted
	// at once while half-open.
	// Default: 1
	HalfOpenSuccesses int
}

// DefaultBreakerConfig provides reasonable defaults.
var DefaultBreakerConfig = BreakerConfig{
	FailureThreshold:  5,
	Window:            time.Minute,
	OpenTimeout:       30 * time.Second,
	HalfOpenSuccesses: 1,
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultBreakerConfig.FailureThreshold
	}
	if c.Window <= 0 {
		c.Window = DefaultBreakerConfig.Window
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = DefaultBreakerConfig.OpenTimeout
	}
	if c.HalfOpenSuccesses <= 0 {
		c.HalfOpenSuccesses = DefaultBreakerConfig.HalfOpenSuccesses
	}
	return c
}

// Breaker is a sliding-window circuit breaker for one failure source.
// It is safe for concurrent use.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     BreakerState
	failures  []time.Time
	openedAt  time.Time
	successes int
	trials    []time.Time // admission times of unsettled half-open calls
	onChange  func(from, to BreakerState)
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		cfg: cfg.withDefaults(),
		now: time.Now,
	}
}

// State returns the current state, promoting open to half-open once the
// open timeout has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.promoteLocked()
	return b.state
}

// Allow reports whether a call may proceed. While half-open it admits at
// most HalfOpenSuccesses trial calls at a time; each admitted call must be
// followed by RecordSuccess or RecordFailure. A trial never recorded frees
// its slot after OpenTimeout.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.promoteLocked()

	switch b.state {
	case BreakerOpen:
		return false
	case BreakerHalfOpen:
		now := b.now()
		kept := b.trials[:0]
		for _, at := range b.trials {
			if now.Sub(at) < b.cfg.OpenTimeout {
				kept = append(kept, at)
			}
		}
		b.trials = kept
		if len(b.trials) >= b.cfg.HalfOpenSuccesses {
			return false
		}
		b.trials = append(b.trials, now)
	}
	return true
}

// settleTrialLocked frees the oldest trial slot.
func (b *Breaker) settleTrialLocked() {
	if len(b.trials) > 0 {
		b.trials = b.trials[1:]
	}
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.promoteLocked()

	if b.state == BreakerHalfOpen {
		b.settleTrialLocked()
		b.successes++
		if b.successes >= b.cfg.HalfOpenSuccesses {
			b.failures = b.failures[:0]
			b.transitionLocked(BreakerClosed)
		}
	}
}

// RecordFailure records a failed call and returns the resulting state.
func (b *Breaker) RecordFailure() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.promoteLocked()

	now := b.now()
	switch b.state {
	case BreakerHalfOpen:
		// A failed trial reopens immediately
		b.openedAt = now
		b.transitionLocked(BreakerOpen)
	case BreakerClosed:
		b.failures = append(b.failures, now)
		b.pruneLocked(now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.openedAt = now
			b.transitionLocked(BreakerOpen)
		}
	}
	return b.state
}

// Failures returns the number of failures currently inside the window.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())
	return len(b.failures)
}

// Reset closes the breaker and forgets recorded failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = b.failures[:0]
	b.transitionLocked(BreakerClosed)
}

func (b *Breaker) promoteLocked() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.transitionLocked(BreakerHalfOpen)
	}
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failures = kept
}

func (b *Breaker) transitionLocked(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.successes = 0
	b.trials = nil
	if b.onChange != nil {
		b.onChange(from, to)
	}
}
