package session

import (
	"context"
	"strings"
	"time"

	"conductor/pkg/proto"
	"conductor/pkg/stream"
	"conductor/pkg/streamerr"
)

// handleStreamEnd finalizes a successfully completed turn: commit the
// assistant message, settle compaction and handoff follow-ons, flush the
// queue, and return to Idle unless a follow-on turn took over.
func (s *Session) handleStreamEnd(ev stream.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sc == nil {
		return
	}
	if s.phase == PhasePreparing {
		// Degenerate: terminal event without a start notification.
		if err := s.transitionTo(PhaseStreaming); err != nil {
			s.logger.Error("stream end transition failed: %v", err)
			return
		}
	}
	if s.phase != PhaseStreaming {
		return
	}

	sc := s.sc
	s.sc = nil
	if err := s.transitionTo(PhaseCompleting); err != nil {
		s.logger.Error("stream end transition failed: %v", err)
		return
	}

	if ev.End != nil && ev.End.Usage != nil {
		s.lastUsage = ev.End.Usage
	}

	final := s.finalizeAssistantLocked(sc, ev.End)

	// A clean end that produced nothing at all is an empty response, which
	// follows the failure path rather than the success path.
	if final == nil && !sc.SawOutput {
		s.failTurnLocked(sc, streamerr.NewError(streamerr.ErrorTypeEmptyResponse, "model produced no output"))
		return
	}

	s.retry.handleSuccess()
	s.escalated = make(map[string]map[string]bool)
	s.deps.Metrics.ObserveTurn(sc.Model.String(), "success", time.Since(sc.StartedAt))

	newTurn := false
	switch {
	case sc.Compaction != nil:
		handled, err := s.deps.Engine.HandleCompletion(s.id, compactionEnd(sc, final, ev.End))
		if err != nil {
			s.logger.Error("compaction completion failed: %v", err)
		}
		if handled {
			newTurn = s.finalizeCompactionLocked(sc, final)
		} else {
			// No summary was produced, so there is no boundary to stamp the
			// follow-up onto and nothing to dispatch from.
			s.logger.Warn("compaction %s did not finalize a summary", sc.Compaction.ID)
			s.compactInFlight = false
		}
	case final != nil:
		newTurn = s.maybeHandoffLocked(sc, final)
	}

	if !newTurn && !s.pendingEdit {
		newTurn = s.flushQueueLocked()
	}
	if !newTurn {
		if err := s.transitionTo(PhaseIdle); err != nil {
			s.logger.Error("idle transition failed: %v", err)
		}
	}
}

// handleStreamAbort settles an interrupted turn. A pending mid-stream
// compaction intent turns the abort into a compaction sub-turn; otherwise
// whatever partial content survived the interruption is committed.
func (s *Session) handleStreamAbort(ev stream.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sc == nil {
		return
	}
	sc := s.sc
	s.sc = nil
	if s.phase == PhaseStreaming {
		if err := s.transitionTo(PhaseCompleting); err != nil {
			s.logger.Error("abort transition failed: %v", err)
			return
		}
	}

	s.retry.cancel()
	s.deps.Metrics.ObserveTurn(sc.Model.String(), "aborted", time.Since(sc.StartedAt))

	newTurn := false
	if s.midStreamCompact != nil {
		fu := s.midStreamCompact
		s.midStreamCompact = nil
		s.dropPartialLocked()

		opts, id, err := s.resolveOptionsLocked(fu.Options)
		if err == nil {
			err = s.startCompactionTurnLocked(proto.CompactMidStream, fu, opts, id)
		}
		if err != nil {
			s.logger.Error("mid-stream compaction start failed: %v", err)
		} else {
			newTurn = true
		}
	} else {
		s.finalizeAssistantLocked(sc, nil)
		if sc.Compaction != nil {
			s.compactInFlight = false
		}
	}

	if !newTurn && !s.pendingEdit {
		newTurn = s.flushQueueLocked()
	}
	if !newTurn {
		if s.phase != PhaseIdle {
			if err := s.transitionTo(PhaseIdle); err != nil {
				s.logger.Error("idle transition failed: %v", err)
			}
		}
	}
}

// handleStreamError routes a failed turn through escalation and retry
// scheduling.
func (s *Session) handleStreamError(ev stream.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sc == nil {
		return
	}
	sc := s.sc
	s.sc = nil
	if s.phase == PhaseStreaming {
		if err := s.transitionTo(PhaseCompleting); err != nil {
			s.logger.Error("error transition failed: %v", err)
			return
		}
	}

	s.failTurnLocked(sc, ev.Err)
}

// failTurnLocked is the shared failure path for stream errors and empty
// responses. Callers hold s.mu with the phase in Preparing or Completing
// and s.sc already cleared.
func (s *Session) failTurnLocked(sc *StreamContext, err error) {
	serr := streamerr.Classify(err)

	if sc.Compaction != nil {
		s.compactInFlight = false
	}

	// Context-exceeded failures before any output walk the escalation
	// ladder instead of the retry scheduler.
	if serr.Type == streamerr.ErrorTypeContextExceeded && !sc.SawOutput {
		if s.tryEscalateLocked(sc, serr) {
			return
		}
	}

	retrying := s.retry.handleFailure(serr)
	if retrying {
		// Retried failures surface as status only: drop the partial so no
		// half-message lingers, and return to Idle for the retry to resume.
		s.dropPartialLocked()
		s.deps.Metrics.ObserveTurn(sc.Model.String(), "retrying", time.Since(sc.StartedAt))
	} else {
		s.finalizeErrorLocked(sc, serr)
		if !serr.IsRetryable() {
			if perr := s.prefs.writeAbandon(serr.Error(), sc.UserMessageID); perr != nil {
				s.logger.Warn("failed to persist abandon record: %v", perr)
			}
		}
		s.deps.Metrics.ObserveTurn(sc.Model.String(), "error", time.Since(sc.StartedAt))
	}

	// A terminal failure ends the turn, so the queue flushes like any other
	// turn end. While a retry is scheduled the queue stays parked behind it.
	newTurn := false
	if !retrying && !s.pendingEdit {
		newTurn = s.flushQueueLocked()
	}
	if !newTurn && s.phase != PhaseIdle {
		if err := s.transitionTo(PhaseIdle); err != nil {
			s.logger.Error("idle transition failed: %v", err)
		}
	}
}

// finalizeAssistantLocked commits the turn's assistant message: the payload's
// finalized message when present, otherwise the mirrored partial when it has
// content. Returns the committed message or nil.
func (s *Session) finalizeAssistantLocked(sc *StreamContext, end *stream.EndPayload) *proto.Message {
	if end != nil && end.Message != nil {
		msg := end.Message
		s.stampFinalLocked(sc, msg)
		if _, err := s.deps.History.Append(s.id, msg); err != nil {
			s.logger.Error("failed to persist assistant message: %v", err)
			return nil
		}
		s.dropPartialLocked()
		return msg
	}

	if s.partial != nil && strings.TrimSpace(s.partial.Text()) != "" {
		s.stampFinalLocked(sc, s.partial)
		if err := s.deps.History.WritePartial(s.id, s.partial); err != nil {
			s.logger.Error("failed to update partial before commit: %v", err)
		}
		msg, err := s.deps.History.CommitPartial(s.id)
		if err != nil {
			s.logger.Error("failed to commit partial: %v", err)
			s.partial = nil
			return nil
		}
		s.partial = nil
		return msg
	}

	s.dropPartialLocked()
	return nil
}

// stampFinalLocked writes turn metadata onto the message being finalized.
func (s *Session) stampFinalLocked(sc *StreamContext, msg *proto.Message) {
	msg.Meta.Synthetic = false
	msg.Meta.Model = sc.Model.String()
	if s.lastUsage != nil {
		msg.Meta.Usage = s.lastUsage
	}
	if sc.Compaction != nil {
		msg.Meta.CompactionID = sc.Compaction.ID
	}
}

// finalizeErrorLocked attaches exactly one visible error to the turn's
// assistant placeholder, creating one if the failure happened before any
// placeholder existed.
func (s *Session) finalizeErrorLocked(sc *StreamContext, serr *streamerr.Error) {
	if s.partial != nil {
		s.partial.Meta.Error = serr.Error()
		s.stampErrorMetaLocked(sc, s.partial)
		if err := s.deps.History.WritePartial(s.id, s.partial); err != nil {
			s.logger.Error("failed to update partial error: %v", err)
		}
		if _, err := s.deps.History.CommitPartial(s.id); err != nil {
			s.logger.Error("failed to commit error message: %v", err)
		}
		s.partial = nil
		return
	}

	msg := proto.NewMessage(proto.RoleAssistant, proto.TextPart(""))
	msg.Meta.Error = serr.Error()
	s.stampErrorMetaLocked(sc, msg)
	if _, err := s.deps.History.Append(s.id, msg); err != nil {
		s.logger.Error("failed to persist error message: %v", err)
	}
}

func (s *Session) stampErrorMetaLocked(sc *StreamContext, msg *proto.Message) {
	msg.Meta.Synthetic = false
	msg.Meta.Model = sc.Model.String()
}

// onRetryFire resumes the failed turn when the retry timer fires. A busy
// session reschedules; a resume error while the generation is still current
// abandons the retry.
func (s *Session) onRetryFire(gen int64, _ int) {
	if s.isDisposed() {
		return
	}
	started, err := s.ResumeStream(context.Background(), ResumeOptions{})
	if err != nil {
		s.retry.abandonIfCurrent(gen, err.Error())
		return
	}
	if !started {
		s.retry.rescheduleIfCurrent(gen, time.Second)
	}
}

// onRetryEvent publishes retry status to observers and records metrics.
func (s *Session) onRetryEvent(ev retryEvent) {
	var evType stream.EventType
	switch ev.Kind {
	case retryScheduled:
		evType = stream.EventRetryScheduled
	case retryStarting:
		evType = stream.EventRetryStarting
	case retryAbandoned:
		evType = stream.EventRetryAbandoned
	default:
		return
	}

	s.deps.Metrics.IncRetry(string(ev.Kind))
	s.deps.Bus.Publish(stream.Event{
		Type:      evType,
		SessionID: s.id,
		Attempt:   ev.Attempt,
		Delay:     ev.Delay,
		Delta:     ev.Reason,
		Timestamp: time.Now().UTC(),
	})
}

func compactionEnd(sc *StreamContext, final *proto.Message, end *stream.EndPayload) *stream.EndPayload {
	out := &stream.EndPayload{Message: final, CompactionID: sc.Compaction.ID}
	if end != nil {
		out.Usage = end.Usage
	}
	return out
}
