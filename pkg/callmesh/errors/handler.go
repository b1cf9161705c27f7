package errors

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Failure describes one failure reported to the resilience handler.
type Failure struct {
	// Source identifies what failed (a handler name, a component id).
	Source string

	// Err is the failure itself.
	Err error

	// Code is the failure code, or "" for uncoded errors.
	Code Code

	// Category is the categorisation of Err.
	Category Category

	// Attempts is the number of attempts made before giving up.
	Attempts int

	// At is when the failure was recorded.
	At time.Time

	// Breaker is the source's breaker state after recording.
	Breaker BreakerState
}

// RecoveryStrategy reacts to a recorded failure. A strategy might reset
// state, emit a notification, or schedule compensating work. Errors
// returned by a strategy are logged and otherwise ignored.
type RecoveryStrategy func(ctx context.Context, f Failure) error

// SourceStats summarises failures for one source.
type SourceStats struct {
	Source   string
	Failures int
	Total    int64
	State    BreakerState
	LastErr  string
	LastAt   time.Time
}

// Handler classifies failures, keeps a circuit breaker per source, and
// dispatches recovery strategies. It is safe for concurrent use.
type Handler struct {
	breakerCfg BreakerConfig
	logger     *slog.Logger
	onOpen     func(source string)

	mu         sync.Mutex
	breakers   map[string]*Breaker
	totals     map[string]int64
	last       map[string]Failure
	strategies map[Code][]RecoveryStrategy
	fallback   []RecoveryStrategy
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// NewHandler creates a new resilience handler with the given options.
func NewHandler(opts ...HandlerOption) *Handler {
	h := &Handler{
		breakerCfg: DefaultBreakerConfig,
		logger:     slog.Default(),
		breakers:   make(map[string]*Breaker),
		totals:     make(map[string]int64),
		last:       make(map[string]Failure),
		strategies: make(map[Code][]RecoveryStrategy),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// WithBreakerConfig sets the configuration used for every source breaker.
func WithBreakerConfig(cfg BreakerConfig) HandlerOption {
	return func(h *Handler) {
		h.breakerCfg = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithOnOpen sets a callback invoked when a source's breaker opens.
func WithOnOpen(fn func(source string)) HandlerOption {
	return func(h *Handler) {
		h.onOpen = fn
	}
}

// RegisterStrategy adds a recovery strategy for a failure code. Strategies
// registered with an empty code run for failures no other strategy claims.
func (h *Handler) RegisterStrategy(code Code, s RecoveryStrategy) {
	if s == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if code == "" {
		h.fallback = append(h.fallback, s)
		return
	}
	h.strategies[code] = append(h.strategies[code], s)
}

// breaker returns the breaker for source, creating it on first use.
func (h *Handler) breaker(source string) *Breaker {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.breakers[source]
	if !ok {
		b = NewBreaker(h.breakerCfg)
		b.onChange = func(from, to BreakerState) {
			h.logger.Info("circuit breaker state changed",
				"source", source,
				"from", from.String(),
				"to", to.String(),
			)
		}
		h.breakers[source] = b
	}
	return b
}

// Allow reports whether operations for source may proceed. An admitted
// half-open trial holds a slot until RecordSuccess or Record.
func (h *Handler) Allow(source string) bool {
	return h.breaker(source).Allow()
}

// State returns the breaker state for source.
func (h *Handler) State(source string) BreakerState {
	return h.breaker(source).State()
}

// RecordSuccess records a successful operation for source.
func (h *Handler) RecordSuccess(source string) {
	h.breaker(source).RecordSuccess()
}

// Record records a failure for source, updates its breaker, and runs the
// matching recovery strategies. It never panics past its boundary.
func (h *Handler) Record(ctx context.Context, source string, err error, attempts int) Failure {
	if err == nil {
		return Failure{Source: source}
	}

	b := h.breaker(source)
	before := b.State()
	state := b.RecordFailure()

	f := Failure{
		Source:   source,
		Err:      err,
		Code:     CodeOf(err),
		Category: Categorize(err),
		Attempts: attempts,
		At:       time.Now(),
		Breaker:  state,
	}

	h.mu.Lock()
	h.totals[source]++
	h.last[source] = f
	strategies := append([]RecoveryStrategy(nil), h.strategies[f.Code]...)
	if len(strategies) == 0 {
		strategies = append(strategies, h.fallback...)
	}
	h.mu.Unlock()

	h.logger.Warn("failure recorded",
		"source", source,
		"code", string(f.Code),
		"category", f.Category.String(),
		"attempts", attempts,
		"breaker", state.String(),
		"error", err,
	)

	if state == BreakerOpen && before != BreakerOpen && h.onOpen != nil {
		h.safeCall(func() { h.onOpen(source) })
	}

	for _, s := range strategies {
		h.runStrategy(ctx, s, f)
	}
	return f
}

func (h *Handler) runStrategy(ctx context.Context, s RecoveryStrategy, f Failure) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("recovery strategy panicked",
				"source", f.Source,
				"panic", r,
			)
		}
	}()
	if err := s(ctx, f); err != nil {
		h.logger.Error("recovery strategy failed",
			"source", f.Source,
			"code", string(f.Code),
			"error", err,
		)
	}
}

func (h *Handler) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("resilience callback panicked", "panic", r)
		}
	}()
	fn()
}

// Reset closes the breaker for source and forgets its failures.
func (h *Handler) Reset(source string) {
	h.breaker(source).Reset()
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.last, source)
}

// Stats returns failure statistics for every source seen so far.
func (h *Handler) Stats() []SourceStats {
	h.mu.Lock()
	sources := make(map[string]*Breaker, len(h.breakers))
	for k, v := range h.breakers {
		sources[k] = v
	}
	totals := make(map[string]int64, len(h.totals))
	for k, v := range h.totals {
		totals[k] = v
	}
	last := make(map[string]Failure, len(h.last))
	for k, v := range h.last {
		last[k] = v
	}
	h.mu.Unlock()

	stats := make([]SourceStats, 0, len(sources))
	for source, b := range sources {
		s := SourceStats{
			Source:   source,
			Failures: b.Failures(),
			Total:    totals[source],
			State:    b.State(),
		}
		if f, ok := last[source]; ok {
			s.LastErr = f.Err.Error()
			s.LastAt = f.At
		}
		stats = append(stats, s)
	}
	return stats
}
