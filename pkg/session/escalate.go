package session

import (
	"time"

	"conductor/pkg/model"
	"conductor/pkg/proto"
	"conductor/pkg/streamerr"
)

// Escalation ladder strategies, in application order.
const (
	strategyLargeContext = "large_context_compaction"
	strategyDropInjected = "drop_injected_context"
	strategyHardRestart  = "hard_restart"
)

const hardRestartNotice = "Session history was reset after repeated context overflows. " +
	"The original task is restated above; continue working on it."

// tryEscalateLocked walks the context-exceeded escalation ladder. Each
// strategy applies at most once per logical request. Returns true when a
// strategy took over with a new stream attempt; false means the failure is
// terminal and the caller proceeds to ordinary failure reporting. Strategies
// are best-effort: an error inside one logs and falls through. Callers hold
// s.mu with s.sc already cleared.
func (s *Session) tryEscalateLocked(sc *StreamContext, serr *streamerr.Error) bool {
	tried := s.escalated[sc.UserMessageID]
	if tried == nil {
		tried = make(map[string]bool)
		s.escalated[sc.UserMessageID] = tried
	}

	if sc.Compaction != nil && !tried[strategyLargeContext] {
		tried[strategyLargeContext] = true
		if model.Lookup(sc.Model).SupportsLargeContext() && !sc.Options.LargeContext {
			if s.escalateLargeContextLocked(sc) {
				return true
			}
		}
	}

	if sc.Compaction == nil && sc.FreshInject && !tried[strategyDropInjected] {
		tried[strategyDropInjected] = true
		if s.escalateDropInjectedLocked(sc) {
			return true
		}
	}

	if sc.Compaction == nil && !tried[strategyHardRestart] {
		tried[strategyHardRestart] = true
		if s.canHardRestartLocked(sc) && s.escalateHardRestartLocked(sc) {
			return true
		}
	}

	s.logger.Warn("context exceeded with no applicable escalation: %v", serr)
	return false
}

// escalateLargeContextLocked retries the failed compaction with the model's
// larger context mode enabled.
func (s *Session) escalateLargeContextLocked(sc *StreamContext) bool {
	s.logger.Info("escalation: retrying compaction %s with large context", sc.Compaction.ID)
	s.dropPartialLocked()

	if err := s.ensurePreparingLocked(); err != nil {
		s.logger.Error("escalation transition failed: %v", err)
		return false
	}

	opts := sc.Options
	opts.LargeContext = true
	s.compactInFlight = true
	s.deps.Metrics.IncEscalation(strategyLargeContext)

	s.startStreamLocked(&StreamContext{
		Model:         sc.Model,
		Options:       opts,
		UserMessageID: sc.UserMessageID,
		Compaction:    sc.Compaction,
		StartedAt:     time.Now().UTC(),
	})
	return true
}

// escalateDropInjectedLocked removes the freshly injected post-compaction
// context from history and retries the same request without it.
func (s *Session) escalateDropInjectedLocked(sc *StreamContext) bool {
	s.logger.Info("escalation: retrying without injected post-compaction context")
	s.dropPartialLocked()
	s.deps.Engine.DiscardPendingDiffs(s.id)

	if sc.InjectedID != "" {
		if err := s.deps.History.Delete(s.id, sc.InjectedID); err != nil {
			s.logger.Warn("failed to remove injected context: %v", err)
		}
	}

	if err := s.ensurePreparingLocked(); err != nil {
		s.logger.Error("escalation transition failed: %v", err)
		return false
	}
	s.deps.Metrics.IncEscalation(strategyDropInjected)

	s.startStreamLocked(&StreamContext{
		Model:         sc.Model,
		Options:       sc.Options,
		UserMessageID: sc.UserMessageID,
		StartedAt:     time.Now().UTC(),
	})
	return true
}

// canHardRestartLocked gates the hard restart on the experiment flag and an
// editing-capable target persona.
func (s *Session) canHardRestartLocked(sc *StreamContext) bool {
	if !s.deps.Config.Experiments.HardRestart {
		return false
	}
	if s.deps.Personas == nil {
		return false
	}
	p, ok := s.deps.Personas.Get(sc.Options.Agent)
	return ok && p.Editor
}

// escalateHardRestartLocked clears all session history and re-seeds only the
// original task prompt (plus its immediately preceding snapshots) with a
// continuation notice, then retries.
func (s *Session) escalateHardRestartLocked(sc *StreamContext) bool {
	s.logger.Info("escalation: hard restart of session history")
	s.dropPartialLocked()

	seed, ok := s.originalTaskSeed()
	if !ok {
		s.logger.Warn("hard restart skipped: no original task prompt found")
		return false
	}

	if _, err := s.deps.History.Clear(s.id); err != nil {
		s.logger.Error("hard restart history clear failed: %v", err)
		return false
	}
	s.lastUsage = nil
	s.compactInFlight = false

	for _, msg := range seed {
		reseed := msg.Clone()
		reseed.Meta.Seq = 0
		if _, err := s.deps.History.Append(s.id, reseed); err != nil {
			s.logger.Error("hard restart re-seed failed: %v", err)
			return false
		}
	}

	notice := proto.NewMessage(proto.RoleUser, proto.TextPart(hardRestartNotice))
	notice.Meta.Synthetic = true
	if _, err := s.deps.History.Append(s.id, notice); err != nil {
		s.logger.Error("hard restart notice persist failed: %v", err)
		return false
	}

	if err := s.ensurePreparingLocked(); err != nil {
		s.logger.Error("escalation transition failed: %v", err)
		return false
	}
	s.deps.Metrics.IncEscalation(strategyHardRestart)

	s.startStreamLocked(&StreamContext{
		Model:         sc.Model,
		Options:       sc.Options,
		UserMessageID: notice.ID,
		StartedAt:     time.Now().UTC(),
	})
	return true
}

// originalTaskSeed returns the first real user message together with its
// immediately preceding snapshot messages, in order.
func (s *Session) originalTaskSeed() ([]*proto.Message, bool) {
	msgs, err := s.deps.History.ReadAll(s.id)
	if err != nil {
		s.logger.Error("hard restart history read failed: %v", err)
		return nil, false
	}

	for i, msg := range msgs {
		if msg.Role == proto.RoleUser && !msg.Meta.Synthetic {
			start := i
			for start > 0 && msgs[start-1].Meta.Snapshot {
				start--
			}
			return msgs[start : i+1], true
		}
	}
	return nil, false
}

// ensurePreparingLocked moves the phase to Preparing for a follow-on stream
// attempt started from failure handling.
func (s *Session) ensurePreparingLocked() error {
	if s.phase == PhasePreparing {
		return nil
	}
	return s.transitionTo(PhasePreparing)
}
