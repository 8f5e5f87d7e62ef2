package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"conductor/pkg/config"
	"conductor/pkg/streamerr"
)

type retryRecorder struct {
	mu     sync.Mutex
	fires  []int
	events []retryEvent
}

func (r *retryRecorder) onFire(_ int64, attempt int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fires = append(r.fires, attempt)
}

func (r *retryRecorder) onEvent(ev retryEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *retryRecorder) fireCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fires)
}

func (r *retryRecorder) eventKinds() []retryEventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]retryEventKind, len(r.events))
	for i, ev := range r.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func newTestScheduler(rec *retryRecorder) *retryScheduler {
	return newRetryScheduler(config.RetryTuning{
		MaxAttempts:    3,
		InitialDelayMs: 5,
		MaxDelayMs:     40,
		BackoffFactor:  2.0,
	}, rec.onFire, rec.onEvent)
}

func waitFires(t *testing.T, rec *retryRecorder, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec.fireCount() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected %d retry fires, got %d", n, rec.fireCount())
}

func TestRetryNonRetryableNeverSchedules(t *testing.T) {
	rec := &retryRecorder{}
	r := newTestScheduler(rec)

	for _, errType := range []streamerr.ErrorType{
		streamerr.ErrorTypeAuth,
		streamerr.ErrorTypeBadRequest,
		streamerr.ErrorTypeContextExceeded,
		streamerr.ErrorTypeAborted,
	} {
		if r.handleFailure(streamerr.NewError(errType, "nope")) {
			t.Errorf("%v: expected no retry scheduled", errType)
		}
	}
	if r.pending() {
		t.Error("timer armed for non-retryable error")
	}
	if got := r.handleFailure(errors.New("plain error classified as unknown")); !got {
		t.Error("unknown errors are retryable and should schedule")
	}
}

func TestRetryNonRetryableInvalidatesPendingTimer(t *testing.T) {
	rec := &retryRecorder{}
	r := newTestScheduler(rec)

	if !r.handleFailure(streamerr.NewError(streamerr.ErrorTypeTransient, "boom")) {
		t.Fatal("expected transient failure to schedule")
	}
	// A terminal failure arrives before the retry fires: the armed timer must
	// not survive it and resurrect the turn later.
	if r.handleFailure(streamerr.NewError(streamerr.ErrorTypeAuth, "bad api key")) {
		t.Fatal("auth failure must not schedule")
	}
	if r.pending() {
		t.Error("timer still armed after terminal failure")
	}

	time.Sleep(30 * time.Millisecond)
	if rec.fireCount() != 0 {
		t.Errorf("stale timer fired %d time(s) after terminal failure", rec.fireCount())
	}
	got := rec.eventKinds()
	want := []retryEventKind{retryScheduled, retryAbandoned}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestRetryDisabledNeverSchedules(t *testing.T) {
	rec := &retryRecorder{}
	r := newTestScheduler(rec)
	r.setEnabled(false)

	if r.handleFailure(streamerr.NewError(streamerr.ErrorTypeTransient, "boom")) {
		t.Error("disabled scheduler must not schedule")
	}
	if r.pending() {
		t.Error("timer armed while disabled")
	}
}

func TestRetryFiresOnceAndSupersedes(t *testing.T) {
	rec := &retryRecorder{}
	r := newTestScheduler(rec)

	transient := streamerr.NewError(streamerr.ErrorTypeTransient, "boom")
	if !r.handleFailure(transient) {
		t.Fatal("expected first failure to schedule")
	}
	// A second failure before the first fires supersedes the pending timer.
	if !r.handleFailure(transient) {
		t.Fatal("expected second failure to schedule")
	}

	waitFires(t, rec, 1)
	time.Sleep(30 * time.Millisecond)
	if rec.fireCount() != 1 {
		t.Errorf("superseded timer fired too: %d fires", rec.fireCount())
	}
	rec.mu.Lock()
	attempt := rec.fires[0]
	rec.mu.Unlock()
	if attempt != 2 {
		t.Errorf("fire carried attempt %d, want 2", attempt)
	}
}

func TestRetryBackoffMonotoneAndCapped(t *testing.T) {
	rec := &retryRecorder{}
	r := newTestScheduler(rec)

	want := []time.Duration{
		5 * time.Millisecond,  // attempt 1
		10 * time.Millisecond, // attempt 2
		20 * time.Millisecond, // attempt 3
		40 * time.Millisecond, // attempt 4, at cap
		40 * time.Millisecond, // attempt 5, clamped
	}
	for i, w := range want {
		if got := r.backoffLocked(i + 1); got != w {
			t.Errorf("attempt %d: backoff %v, want %v", i+1, got, w)
		}
	}
}

func TestRetryExhaustionAbandons(t *testing.T) {
	rec := &retryRecorder{}
	r := newTestScheduler(rec)

	transient := streamerr.NewError(streamerr.ErrorTypeTransient, "boom")
	for i := 0; i < 3; i++ {
		if !r.handleFailure(transient) {
			t.Fatalf("attempt %d should schedule", i+1)
		}
	}
	if r.handleFailure(transient) {
		t.Fatal("fourth failure should be terminal")
	}
	if r.pending() {
		t.Error("timer still armed after exhaustion")
	}

	kinds := rec.eventKinds()
	if len(kinds) == 0 || kinds[len(kinds)-1] != retryAbandoned {
		t.Errorf("expected trailing abandoned event, got %v", kinds)
	}

	// Exhaustion resets the attempt counter for the next turn.
	if !r.handleFailure(transient) {
		t.Error("attempt counter should reset after exhaustion")
	}
}

func TestRetryProviderCapBelowConfig(t *testing.T) {
	rec := &retryRecorder{}
	r := newRetryScheduler(config.RetryTuning{
		MaxAttempts:    10,
		InitialDelayMs: 5,
		MaxDelayMs:     40,
		BackoffFactor:  2.0,
	}, rec.onFire, rec.onEvent)

	// Empty-response retries are capped tighter than the session config.
	limit := streamerr.GetRetryConfig(streamerr.NewError(streamerr.ErrorTypeEmptyResponse, "")).MaxRetries
	empty := streamerr.NewError(streamerr.ErrorTypeEmptyResponse, "no output")
	scheduled := 0
	for i := 0; i < limit+1; i++ {
		if r.handleFailure(empty) {
			scheduled++
		}
	}
	if scheduled != limit {
		t.Errorf("scheduled %d retries, provider cap is %d", scheduled, limit)
	}
}

func TestRetrySuccessResetsAttempts(t *testing.T) {
	rec := &retryRecorder{}
	r := newTestScheduler(rec)

	transient := streamerr.NewError(streamerr.ErrorTypeTransient, "boom")
	r.handleFailure(transient)
	r.handleFailure(transient)
	r.handleSuccess()

	if r.pending() {
		t.Error("timer survived success")
	}
	if !r.handleFailure(transient) {
		t.Fatal("expected fresh schedule after success")
	}
	rec.mu.Lock()
	last := rec.events[len(rec.events)-1]
	rec.mu.Unlock()
	if last.Kind != retryScheduled || last.Attempt != 1 {
		t.Errorf("expected attempt 1 after reset, got %+v", last)
	}
}

func TestRetryCancelInvalidatesPendingTimer(t *testing.T) {
	rec := &retryRecorder{}
	r := newTestScheduler(rec)

	r.handleFailure(streamerr.NewError(streamerr.ErrorTypeTransient, "boom"))
	r.cancel()

	time.Sleep(30 * time.Millisecond)
	if rec.fireCount() != 0 {
		t.Errorf("cancelled timer fired %d times", rec.fireCount())
	}
}

func TestRetryDisableWithPendingEmitsAbandoned(t *testing.T) {
	rec := &retryRecorder{}
	r := newTestScheduler(rec)

	r.handleFailure(streamerr.NewError(streamerr.ErrorTypeTransient, "boom"))
	r.setEnabled(false)

	kinds := rec.eventKinds()
	if len(kinds) != 2 || kinds[1] != retryAbandoned {
		t.Fatalf("expected scheduled then abandoned, got %v", kinds)
	}
	time.Sleep(30 * time.Millisecond)
	if rec.fireCount() != 0 {
		t.Error("timer fired after disable")
	}

	// Disabling with nothing pending stays silent.
	before := len(rec.eventKinds())
	r.setEnabled(false)
	if got := len(rec.eventKinds()); got != before {
		t.Error("idle disable emitted a spurious event")
	}
}

func TestRetryStaleGenerationIgnored(t *testing.T) {
	rec := &retryRecorder{}
	r := newTestScheduler(rec)

	r.handleFailure(streamerr.NewError(streamerr.ErrorTypeTransient, "boom"))
	r.mu.Lock()
	gen := r.gen
	r.mu.Unlock()
	r.cancel()

	r.abandonIfCurrent(gen, "late abandon")
	r.rescheduleIfCurrent(gen, time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	if rec.fireCount() != 0 {
		t.Error("stale reschedule armed a live timer")
	}
	for _, ev := range rec.eventKinds() {
		if ev == retryAbandoned {
			t.Error("stale abandon emitted an event")
		}
	}
}

func TestRetryBusyRescheduleKeepsAttempt(t *testing.T) {
	rec := &retryRecorder{}
	r := newTestScheduler(rec)

	r.handleFailure(streamerr.NewError(streamerr.ErrorTypeTransient, "boom"))
	waitFires(t, rec, 1)

	r.mu.Lock()
	gen := r.gen
	r.mu.Unlock()

	r.rescheduleIfCurrent(gen, time.Millisecond)
	waitFires(t, rec, 2)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.fires[0] != rec.fires[1] {
		t.Errorf("reschedule changed attempt: %v", rec.fires)
	}
}
