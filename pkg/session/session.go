// Package session implements the turn orchestrator core: the per-conversation
// turn state machine, message queue, retry scheduling, compaction
// coordination, failure escalation, agent handoff, and startup recovery.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"conductor/pkg/compact"
	"conductor/pkg/config"
	"conductor/pkg/history"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/model"
	"conductor/pkg/persona"
	"conductor/pkg/proto"
	"conductor/pkg/stream"
)

// continueSentinel is injected as a synthetic user message when resume finds
// history ending with a finalized assistant message. Providers reject a
// trailing assistant turn, so the sentinel keeps resume safe against
// inconsistent history however it arose.
const continueSentinel = "[CONTINUE]"

// StreamContext is the ephemeral per-turn state. Created when a turn begins
// sending, cleared on stream end, error, or abort. Never shared across turns.
type StreamContext struct {
	Model         model.ID
	Options       proto.SendOptions
	UserMessageID string // message that triggered the turn
	Compaction    *proto.CompactionRequest
	StartedAt     time.Time
	SawOutput     bool   // any model output observed yet
	FreshInject   bool   // turn carried freshly injected post-compaction context
	InjectedID    string // message ID of the injected post-compaction context
}

// Deps are the collaborators a session is wired with.
type Deps struct {
	History   *history.Store
	Streamer  stream.Streamer
	Bus       *stream.Bus
	Engine    compact.Engine
	Personas  *persona.Registry
	Config    config.Config
	Metrics   *metrics.PrometheusRecorder
	Estimator *compact.Estimator
}

// Session owns the turn lifecycle for one conversation. All mutable state is
// private to the session and driven by its own event loop plus caller API
// calls; only one turn is ever active.
type Session struct {
	id     string
	deps   Deps
	logger *logx.Logger

	mu       sync.Mutex
	phase    Phase
	idleCh   chan struct{} // closed and replaced on each transition to Idle
	disposed bool

	sc      *StreamContext
	partial *proto.Message // in-flight assistant message mirror

	queued *proto.QueuedMessage
	// pendingEdit suppresses queue flushing in turn cleanup while an edit is
	// interrupting: the queued message belongs to the editor, not a new turn.
	pendingEdit bool

	retry *retryScheduler
	prefs *prefsStore

	lastUsage         *proto.Usage
	thresholdPct      int // per-session override; zero means configured default
	compactInFlight   bool
	midStreamCompact  *proto.FollowUp // set when a mid-stream compaction interrupted a turn
	lastExplicitAgent string          // last persona named by a real user send
	handoffStreak     int

	// Per-strategy escalation dedupe, keyed by triggering message ID.
	escalated map[string]map[string]bool

	sub  *stream.Subscription
	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a session and starts its event loop. sessionDir holds the
// session's persisted preference records.
func New(id, sessionDir string, deps Deps) *Session {
	s := &Session{
		id:        id,
		deps:      deps,
		logger:    logx.NewLogger("session-" + id),
		phase:     PhaseIdle,
		idleCh:    make(chan struct{}),
		prefs:     newPrefsStore(sessionDir),
		escalated: make(map[string]map[string]bool),
		done:      make(chan struct{}),
	}
	s.retry = newRetryScheduler(deps.Config.Retry, s.onRetryFire, s.onRetryEvent)

	if enabled, _ := s.prefs.load(); !enabled {
		s.retry.setEnabled(false)
	}

	s.sub = deps.Bus.Subscribe(id)
	s.wg.Add(1)
	go s.eventLoop()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Phase returns the current turn phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// StreamContextActive reports whether a stream context is defined.
func (s *Session) StreamContextActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sc != nil
}

// WaitForIdle blocks until the session returns to Idle. Any number of
// callers may wait on the same transition; all are released together.
func (s *Session) WaitForIdle(ctx context.Context) error {
	s.mu.Lock()
	if s.phase == PhaseIdle {
		s.mu.Unlock()
		return nil
	}
	ch := s.idleCh
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// Teardown detaches listeners and requests cancellation of in-flight work.
// It does not block on asynchronous work beyond the event loop drain.
func (s *Session) Teardown(ctx context.Context) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.retry.cancel()
	s.mu.Unlock()

	// Request a stop; the collaborator owns its own shutdown timing.
	if err := s.deps.Streamer.Stop(ctx, s.id); err != nil {
		s.logger.Warn("stop request during teardown failed: %v", err)
	}

	s.sub.Release()
	close(s.done)
	s.wg.Wait()
}

// isDisposed reports the disposed flag. Resumed code paths check it before
// emitting further events or mutating state.
func (s *Session) isDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// eventLoop serializes collaborator notifications for this session.
func (s *Session) eventLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.sub.C:
			if !ok {
				return
			}
			if ev.SessionID != s.id {
				continue // not ours
			}
			s.handleEvent(ev)
		}
	}
}

func (s *Session) handleEvent(ev stream.Event) {
	if s.isDisposed() {
		return
	}

	switch ev.Type {
	case stream.EventStreamStart:
		s.handleStreamStart(ev)
	case stream.EventStreamDelta:
		s.handleStreamDelta(ev)
	case stream.EventReasoningDelta, stream.EventReasoningEnd:
		s.markOutput()
	case stream.EventToolCallStart, stream.EventToolCallDelta, stream.EventToolCallEnd:
		s.handleToolEvent(ev)
	case stream.EventUsageDelta:
		s.handleUsageDelta(ev)
	case stream.EventStreamEnd:
		s.handleStreamEnd(ev)
	case stream.EventStreamAbort:
		s.handleStreamAbort(ev)
	case stream.EventError:
		s.handleStreamError(ev)
	}
}

func (s *Session) handleStreamStart(ev stream.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhasePreparing {
		s.logger.Warn("stream start in phase %s ignored", s.phase)
		return
	}
	if err := s.transitionTo(PhaseStreaming); err != nil {
		s.logger.Error("stream start transition failed: %v", err)
		return
	}

	// Assistant placeholder, persisted incrementally as the partial.
	partial := proto.NewMessage(proto.RoleAssistant, proto.TextPart(""))
	if ev.MessageID != "" {
		partial.ID = ev.MessageID
	}
	if s.sc != nil {
		partial.Meta.Model = s.sc.Model.String()
		if s.sc.Compaction != nil {
			partial.Meta.CompactionID = s.sc.Compaction.ID
		}
	}
	partial.Meta.Synthetic = true
	s.partial = partial
	if err := s.deps.History.WritePartial(s.id, partial); err != nil {
		s.logger.Error("failed to persist assistant placeholder: %v", err)
	}
}

func (s *Session) handleStreamDelta(ev stream.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.partial == nil || s.phase != PhaseStreaming {
		return
	}
	if s.sc != nil {
		s.sc.SawOutput = true
	}
	s.partial.Parts[0].Text += ev.Delta
	if err := s.deps.History.WritePartial(s.id, s.partial); err != nil {
		s.logger.Debug("partial write failed: %v", err)
	}
}

func (s *Session) handleToolEvent(ev stream.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.partial == nil || s.phase != PhaseStreaming {
		return
	}
	if s.sc != nil {
		s.sc.SawOutput = true
	}
	if ev.Type == stream.EventToolCallEnd && ev.ToolName != "" {
		s.partial.Parts = append(s.partial.Parts, proto.Part{
			Type:       proto.PartToolResult,
			ToolName:   ev.ToolName,
			ToolOutput: ev.Delta,
		})
		if err := s.deps.History.WritePartial(s.id, s.partial); err != nil {
			s.logger.Debug("partial write failed: %v", err)
		}
	}
}

func (s *Session) markOutput() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sc != nil {
		s.sc.SawOutput = true
	}
}

// currentUsagePct estimates context occupancy as a percentage of the active
// model's window. Callers must hold s.mu.
func (s *Session) currentUsagePctLocked(id model.ID) int {
	caps := model.Lookup(id)
	window := caps.ContextTokens
	if window <= 0 {
		return 0
	}

	if s.lastUsage != nil && s.lastUsage.ContextTokens > 0 {
		return s.lastUsage.ContextTokens * 100 / window
	}

	msgs, err := s.deps.History.ReadFromLatestBoundary(s.id)
	if err != nil {
		s.logger.Warn("usage estimate read failed: %v", err)
		return 0
	}
	return s.deps.Estimator.EstimateMessages(msgs) * 100 / window
}

// dropPartialLocked deletes the not-yet-finalized assistant message, both the
// persisted partial and the in-memory mirror. Callers must hold s.mu.
func (s *Session) dropPartialLocked() {
	if err := s.deps.History.DeletePartial(s.id); err != nil {
		s.logger.Warn("failed to delete partial: %v", err)
	}
	s.partial = nil
}

// historyEndsWithAssistant reports whether the last persisted message is a
// finalized assistant message.
func (s *Session) historyEndsWithAssistant() bool {
	last, err := s.deps.History.LastMessage(s.id)
	if err != nil {
		return false
	}
	return last.Role == proto.RoleAssistant && strings.TrimSpace(last.Text()) != ""
}
