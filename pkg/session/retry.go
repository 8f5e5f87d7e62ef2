package session

import (
	"sync"
	"time"

	"conductor/pkg/config"
	"conductor/pkg/streamerr"
)

// retryEventKind classifies retry scheduler status notifications.
type retryEventKind string

const (
	retryScheduled retryEventKind = "scheduled"
	retryStarting  retryEventKind = "starting"
	retryAbandoned retryEventKind = "abandoned"
)

type retryEvent struct {
	Kind    retryEventKind
	Attempt int
	Delay   time.Duration
	Reason  string // abandoned only
}

// retryScheduler arms delayed auto-retries after retryable stream failures.
// Every cancellation path bumps a generation counter; a timer that fires with
// a stale generation does nothing, which makes cancel-then-reschedule races
// harmless.
type retryScheduler struct {
	mu      sync.Mutex
	cfg     config.RetryTuning
	enabled bool
	gen     int64
	attempt int
	timer   *time.Timer

	onFire  func(gen int64, attempt int)
	onEvent func(retryEvent)
}

func newRetryScheduler(cfg config.RetryTuning, onFire func(gen int64, attempt int), onEvent func(retryEvent)) *retryScheduler {
	return &retryScheduler{
		cfg:     cfg,
		enabled: true,
		onFire:  onFire,
		onEvent: onEvent,
	}
}

// setEnabled toggles auto-retry. Disabling while a timer is pending cancels
// it and emits an explicit abandonment so observers' state cannot desync.
func (r *retryScheduler) setEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
	if enabled {
		return
	}
	pending := r.timer != nil
	attempt := r.attempt
	r.invalidateLocked()
	r.attempt = 0
	if pending {
		r.emit(retryEvent{Kind: retryAbandoned, Attempt: attempt, Reason: "auto-retry disabled"})
	}
}

// SetAutoRetryEnabled toggles automatic retry for the session and persists
// the preference when it deviates from the default.
func (s *Session) SetAutoRetryEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return ErrDisposed
	}
	s.retry.setEnabled(enabled)
	return s.prefs.setEnabled(enabled)
}

// AutoRetryEnabled reports whether automatic retry is on.
func (s *Session) AutoRetryEnabled() bool {
	return s.retry.isEnabled()
}

func (r *retryScheduler) isEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// cancel invalidates any pending retry and resets the attempt count.
func (r *retryScheduler) cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidateLocked()
	r.attempt = 0
}

// handleSuccess resets retry state after a clean stream end.
func (r *retryScheduler) handleSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidateLocked()
	r.attempt = 0
}

// pending reports whether a retry timer is armed.
func (r *retryScheduler) pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}

// handleFailure decides whether the failed turn is retried. It returns true
// when a retry was scheduled, false when the failure is terminal (disabled,
// non-retryable, or attempts exhausted).
func (r *retryScheduler) handleFailure(err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled || !streamerr.IsRetryable(err) {
		// A terminal classification invalidates any retry still pending from
		// an earlier failure; a stale timer must not resurrect the turn.
		pending := r.timer != nil
		attempt := r.attempt
		r.attempt = 0
		r.invalidateLocked()
		if pending {
			r.emit(retryEvent{Kind: retryAbandoned, Attempt: attempt, Reason: "failure is not retryable"})
		}
		return false
	}

	maxAttempts := r.cfg.MaxAttempts
	if tc := streamerr.GetRetryConfig(err); tc != nil && tc.MaxRetries < maxAttempts {
		maxAttempts = tc.MaxRetries
	}

	r.attempt++
	if r.attempt > maxAttempts {
		attempt := r.attempt
		r.attempt = 0
		r.invalidateLocked()
		r.emit(retryEvent{Kind: retryAbandoned, Attempt: attempt, Reason: "retry attempts exhausted"})
		return false
	}

	delay := r.backoffLocked(r.attempt)
	r.armLocked(delay)
	r.emit(retryEvent{Kind: retryScheduled, Attempt: r.attempt, Delay: delay})
	return true
}

// abandonIfCurrent records an abandonment when the generation has not been
// invalidated since the retry fired.
func (r *retryScheduler) abandonIfCurrent(gen int64, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen {
		return
	}
	attempt := r.attempt
	r.attempt = 0
	r.invalidateLocked()
	r.emit(retryEvent{Kind: retryAbandoned, Attempt: attempt, Reason: reason})
}

// rescheduleIfCurrent re-arms the same attempt after a fixed delay, used when
// a fired retry finds the session busy.
func (r *retryScheduler) rescheduleIfCurrent(gen int64, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen {
		return
	}
	r.armLocked(delay)
	r.emit(retryEvent{Kind: retryScheduled, Attempt: r.attempt, Delay: delay})
}

// backoffLocked computes the delay for the given attempt. Deterministic
// exponential growth capped at the configured maximum, so delays never
// decrease across consecutive attempts.
func (r *retryScheduler) backoffLocked(attempt int) time.Duration {
	delayMs := float64(r.cfg.InitialDelayMs)
	for i := 1; i < attempt; i++ {
		delayMs *= r.cfg.BackoffFactor
		if delayMs >= float64(r.cfg.MaxDelayMs) {
			delayMs = float64(r.cfg.MaxDelayMs)
			break
		}
	}
	return time.Duration(delayMs) * time.Millisecond
}

// armLocked starts the retry timer for the current attempt under a fresh
// generation.
func (r *retryScheduler) armLocked(delay time.Duration) {
	r.invalidateLocked()
	gen := r.gen
	attempt := r.attempt
	r.timer = time.AfterFunc(delay, func() {
		r.fire(gen, attempt)
	})
}

func (r *retryScheduler) fire(gen int64, attempt int) {
	r.mu.Lock()
	if gen != r.gen || !r.enabled {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.emit(retryEvent{Kind: retryStarting, Attempt: attempt})
	r.mu.Unlock()

	r.onFire(gen, attempt)
}

// invalidateLocked bumps the generation and stops any armed timer. Callers
// must hold r.mu.
func (r *retryScheduler) invalidateLocked() {
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *retryScheduler) emit(ev retryEvent) {
	if r.onEvent != nil {
		r.onEvent(ev)
	}
}
