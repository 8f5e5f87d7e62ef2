package session

import (
	"context"
	"errors"
	"strings"

	"conductor/pkg/history"
	"conductor/pkg/proto"
)

// RecoverOnStartup settles persisted state left behind by an interrupted
// process and decides whether to auto-resume. In order: commit or drop the
// orphaned partial, redispatch a pending post-compaction follow-up exactly
// once, then resume a turn that was cut off mid-stream unless auto-retry is
// disabled or an abandon record says the turn is doomed.
func (s *Session) RecoverOnStartup(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	if s.phase != PhaseIdle {
		s.mu.Unlock()
		return ErrBusy
	}

	s.recoverPartialLocked()

	if dispatched := s.redispatchFollowUpLocked(); dispatched {
		s.mu.Unlock()
		return nil
	}

	enabled, abandon := s.prefs.load()
	resume := enabled && s.interruptedTurnLocked(abandon)
	s.mu.Unlock()

	if !resume {
		return nil
	}

	started, err := s.ResumeStream(ctx, ResumeOptions{})
	if err != nil {
		return err
	}
	if started {
		s.logger.Info("resumed interrupted turn on startup")
	}
	return nil
}

// recoverPartialLocked settles a partial assistant message left by a crash:
// non-empty content is committed so nothing streamed is lost, empty partials
// are dropped.
func (s *Session) recoverPartialLocked() {
	partial, err := s.deps.History.ReadPartial(s.id)
	if errors.Is(err, history.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn("partial read failed during recovery: %v", err)
		return
	}

	if strings.TrimSpace(partial.Text()) == "" {
		if derr := s.deps.History.DeletePartial(s.id); derr != nil {
			s.logger.Warn("failed to drop empty partial: %v", derr)
		}
		return
	}

	if _, cerr := s.deps.History.CommitPartial(s.id); cerr != nil {
		s.logger.Error("failed to commit orphaned partial: %v", cerr)
		return
	}
	s.logger.Info("committed orphaned partial from previous run")
}

// redispatchFollowUpLocked finds the newest message carrying a pending
// follow-up and dispatches it unless a later real user message proves it was
// already dispatched. Dispatch is proven by persisted history, not a flag, so
// a crash between compaction and dispatch is recovered exactly once.
func (s *Session) redispatchFollowUpLocked() bool {
	msgs, err := s.deps.History.ReadAll(s.id)
	if err != nil {
		s.logger.Warn("history read failed during recovery: %v", err)
		return false
	}

	carrier := -1
	for i, msg := range msgs {
		if msg.Meta.PendingFollowUp != nil {
			carrier = i
		}
	}
	if carrier < 0 {
		return false
	}

	// Only a finalized summary hands the follow-up over; a bare request
	// message means the compaction itself never completed, and the resume
	// path will finish it instead.
	if msgs[carrier].Role != proto.RoleAssistant || msgs[carrier].Meta.CompactionID == "" {
		return false
	}

	for _, msg := range msgs[carrier+1:] {
		if msg.Role == proto.RoleUser && !msg.Meta.Synthetic {
			return false // already dispatched
		}
	}

	fu := msgs[carrier].Meta.PendingFollowUp
	s.logger.Info("redispatching post-compaction follow-up from startup recovery")
	return s.dispatchFollowUpLocked(fu)
}

// interruptedTurnLocked reports whether history ends in a turn that was cut
// off before an assistant reply finalized.
func (s *Session) interruptedTurnLocked(abandon *abandonRecord) bool {
	last, err := s.deps.History.LastMessage(s.id)
	if err != nil {
		return false
	}
	if last.Role != proto.RoleUser {
		return false
	}
	if abandon != nil && abandon.UserMessageID == last.ID {
		return false
	}
	return true
}
