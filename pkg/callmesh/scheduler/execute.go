package scheduler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	cmerrors "github.com/randalmurphal/callmesh/pkg/callmesh/errors"
	"github.com/randalmurphal/callmesh/pkg/callmesh/observability"
	"github.com/randalmurphal/callmesh/pkg/callmesh/worker"
)

type outcome struct {
	value any
	err   error
}

// run performs one attempt of e and races it against the attempt timeout.
func (s *Scheduler) run(ctx context.Context, e *execution, attempt int) {
	source := e.target.String()

	if res := s.cfg.Resilience; res != nil && !res.Allow(source) {
		s.complete(e, attempt, nil, cmerrors.New(cmerrors.CodeCircuitOpen, opExecute,
			"circuit open for "+source))
		return
	}

	ctx, span := s.cfg.Spans.StartExecutionSpan(ctx, source, e.id, attempt)
	observability.LogExecutionStart(s.logger, e.id, source, attempt)

	done := make(chan outcome, 1)
	go func() {
		v, err := s.attempt(ctx, e)
		done <- outcome{v, err}
	}()

	var expired <-chan time.Time
	if e.opts.Timeout > 0 {
		timer := time.NewTimer(e.opts.Timeout)
		defer timer.Stop()
		expired = timer.C
	}

	var out outcome
	select {
	case out = <-done:
	case <-expired:
		out.err = cmerrors.Timeout(opExecute, e.opts.Timeout)
	case <-ctx.Done():
		// Cancelled or disposed; the execution is already settled.
		s.cfg.Spans.EndSpanWithError(span, ctx.Err())
		return
	}
	s.cfg.Spans.EndSpanWithError(span, out.err)
	s.complete(e, attempt, out.value, out.err)
}

// attempt invokes the target once and, when offload is requested, runs a
// returned task on the worker pool.
func (s *Scheduler) attempt(ctx context.Context, e *execution) (any, error) {
	v, err := s.cfg.Registry.InvokeAsync(ctx, e.target, e.args).Wait(ctx)
	if err != nil || !e.opts.Offload {
		return v, err
	}

	var task worker.Task
	switch t := v.(type) {
	case worker.Task:
		task = t
	case func(context.Context) (any, error):
		task = t
	default:
		return v, nil
	}
	s.cfg.Spans.AddSpanEvent(ctx, "offload", attribute.Bool("pool", s.cfg.Workers != nil))
	return worker.Run(ctx, s.cfg.Workers, task)
}

// complete applies the outcome of attempt to e. Outcomes for an attempt
// that is no longer current are dropped.
func (s *Scheduler) complete(e *execution, attempt int, v any, err error) {
	source := e.target.String()

	s.mu.Lock()
	if s.disposed || e.status != StatusActive || e.attempts != attempt {
		s.mu.Unlock()
		return
	}
	s.active--
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}

	var (
		settle    []func()
		willRetry bool
		exhausted bool
	)
	switch {
	case err == nil:
		settle = s.finishLocked(e, StatusCompleted, v, nil)
	case s.retryableLocked(e, err):
		willRetry = true
		s.retries++
		e.status = StatusPending
		e.waiting = true
		s.waiting++
		for _, m := range e.members {
			if !m.status.Terminal() {
				m.status = StatusPending
			}
		}
		delay := cmerrors.LinearDelay(e.opts.RetryDelay, e.attempts)
		e.timer = time.AfterFunc(delay, func() { s.requeue(e) })
	default:
		exhausted = true
		settle = s.finishLocked(e, StatusError, nil, err)
	}
	s.dispatchLocked()
	s.mu.Unlock()

	res := s.cfg.Resilience
	switch {
	case err == nil:
		observability.LogExecutionComplete(s.logger, e.id, float64(time.Since(e.startedAt).Microseconds())/1000)
		if res != nil {
			res.RecordSuccess(source)
		}
	case willRetry:
		observability.LogExecutionError(s.logger, e.id, attempt, err, true)
	case exhausted:
		observability.LogExecutionError(s.logger, e.id, attempt, err, false)
		if res != nil && !cmerrors.HasCode(err, cmerrors.CodeCircuitOpen) {
			res.Record(e.ctx, source, err, attempt)
		}
	}
	runAll(settle)
}

// retryableLocked reports whether a failed attempt should be retried.
// Timeouts are terminal, and so is any failure while the target's breaker
// is not closed: a failed half-open trial has to be recorded to reopen it.
func (s *Scheduler) retryableLocked(e *execution, err error) bool {
	if e.attempts > e.opts.RetryCount {
		return false
	}
	switch cmerrors.CodeOf(err) {
	case cmerrors.CodeCallbackTimeout, cmerrors.CodeCircuitOpen:
		return false
	}
	if !cmerrors.IsRetryable(err) {
		return false
	}
	if res := s.cfg.Resilience; res != nil && res.State(e.target.String()) != cmerrors.BreakerClosed {
		return false
	}
	return true
}

// requeue returns a retry-waiting execution to its queue.
func (s *Scheduler) requeue(e *execution) {
	s.mu.Lock()
	if s.disposed || !e.waiting {
		s.mu.Unlock()
		return
	}
	e.waiting = false
	e.timer = nil
	s.waiting--
	settle := s.enqueueLocked(e)
	s.dispatchLocked()
	s.mu.Unlock()
	runAll(settle)
}

// finishLocked settles e and schedules its descriptor for removal after
// ResultTTL.
func (s *Scheduler) finishLocked(e *execution, status Status, v any, err error) []func() {
	settle := s.settleLocked(e, status, v, err)
	s.expireLocked(e)
	for _, m := range e.members {
		s.expireLocked(m)
	}
	return settle
}

func (s *Scheduler) expireLocked(e *execution) {
	if e.timer != nil {
		e.timer.Stop()
	}
	id := e.id
	e.timer = time.AfterFunc(s.cfg.ResultTTL, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.executions[id]; ok && cur == e {
			delete(s.executions, id)
		}
	})
}

// settleLocked moves e, and for a carrier each live member, into a
// terminal state. It returns the future settlements to run once the lock
// is released.
func (s *Scheduler) settleLocked(e *execution, status Status, v any, err error) []func() {
	if e.members != nil {
		var settle []func()
		results, spread := v.([]any)
		spread = spread && len(results) == len(e.members)
		for i, m := range e.members {
			if m.status.Terminal() {
				continue
			}
			mv := v
			if status == StatusCompleted && spread {
				mv = results[i]
			}
			settle = append(settle, s.settleLocked(m, status, mv, err)...)
		}
		s.markLocked(e, status, v, err)
		return settle
	}

	if e.status.Terminal() {
		return nil
	}
	s.markLocked(e, status, v, err)
	f := e.future
	if err != nil {
		return []func(){func() { f.Reject(err) }}
	}
	return []func(){func() { f.Resolve(v) }}
}

func (s *Scheduler) markLocked(e *execution, status Status, v any, err error) {
	e.status = status
	e.result = v
	e.err = err
	e.finishedAt = time.Now()

	// Carriers are internal; only count what callers submitted.
	if e.members == nil {
		switch status {
		case StatusCompleted:
			s.completed++
		case StatusError:
			s.failed++
		case StatusCancelled:
			s.cancelled++
		}
	}
	s.cfg.Metrics.RecordExecution(e.ctx, e.target.String(), string(status), e.attempts,
		e.finishedAt.Sub(e.createdAt))
}

