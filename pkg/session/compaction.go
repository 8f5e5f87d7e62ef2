package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"conductor/pkg/model"
	"conductor/pkg/proto"
	"conductor/pkg/stream"
)

// ErrBusy is returned by operations that require an idle session.
var ErrBusy = errors.New("session has an active turn")

// Compact starts an explicit compaction turn. The session must be idle.
func (s *Session) Compact(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return ErrDisposed
	}
	if s.phase != PhaseIdle {
		return ErrBusy
	}
	if s.compactInFlight {
		return errors.New("compaction already in flight")
	}

	opts, id, err := s.resolveOptionsLocked(s.replayOptionsLocked())
	if err != nil {
		return err
	}
	return s.startCompactionTurnLocked(proto.CompactExplicit, nil, opts, id)
}

// startCompactionTurnLocked persists the synthetic compaction request message
// and begins its stream. followUp, when set, is the user's deferred message:
// it rides on the request message so a crash between persist and summary
// finalization cannot lose it. Callers hold s.mu with the phase in Idle or
// Completing.
func (s *Session) startCompactionTurnLocked(source proto.CompactionSource, followUp *proto.FollowUp, opts proto.SendOptions, id model.ID) error {
	if err := s.transitionTo(PhasePreparing); err != nil {
		return err
	}

	compaction := &proto.CompactionRequest{
		ID:      proto.NewCompactionID(),
		Model:   id.String(),
		Options: opts,
		Source:  source,
	}

	req := proto.NewMessage(proto.RoleUser, proto.TextPart(s.deps.Engine.BuildRequest()))
	req.Meta.Synthetic = true
	req.Meta.Compaction = compaction
	req.Meta.PendingFollowUp = followUp
	if _, err := s.deps.History.Append(s.id, req); err != nil {
		if terr := s.transitionTo(PhaseIdle); terr != nil {
			s.logger.Error("failed to return to idle: %v", terr)
		}
		return fmt.Errorf("failed to persist compaction request: %w", err)
	}
	s.compactInFlight = true
	s.logger.Info("starting %s compaction %s", source, compaction.ID)

	s.startStreamLocked(&StreamContext{
		Model:         id,
		Options:       opts,
		UserMessageID: req.ID,
		Compaction:    compaction,
		StartedAt:     time.Now().UTC(),
	})
	return nil
}

// resumeCompactionLocked restarts an interrupted compaction from its
// persisted request message. Callers hold s.mu with the phase already in
// Preparing.
func (s *Session) resumeCompactionLocked(req *proto.Message) (bool, error) {
	compaction := req.Meta.Compaction
	id, err := model.Parse(compaction.Model)
	if err != nil {
		if terr := s.transitionTo(PhaseIdle); terr != nil {
			s.logger.Error("failed to return to idle: %v", terr)
		}
		return false, fmt.Errorf("compaction request has unusable model %q: %w", compaction.Model, err)
	}

	s.compactInFlight = true
	s.logger.Info("resuming interrupted %s compaction %s", compaction.Source, compaction.ID)

	s.startStreamLocked(&StreamContext{
		Model:         id,
		Options:       compaction.Options,
		UserMessageID: req.ID,
		Compaction:    compaction,
		StartedAt:     time.Now().UTC(),
	})
	return true, nil
}

// handleUsageDelta tracks context usage during streaming and interrupts the
// turn for a mid-stream compaction when it crosses the threshold. The
// interrupted turn resumes afterwards through a "Continue" follow-up.
func (s *Session) handleUsageDelta(ev stream.Event) {
	s.mu.Lock()

	if ev.Usage != nil {
		s.lastUsage = ev.Usage
	}

	if s.phase != PhaseStreaming || s.sc == nil || s.sc.Compaction != nil ||
		s.compactInFlight || s.midStreamCompact != nil {
		s.mu.Unlock()
		return
	}
	if s.currentUsagePctLocked(s.sc.Model) < s.thresholdPctLocked() {
		s.mu.Unlock()
		return
	}

	s.midStreamCompact = &proto.FollowUp{
		Text:    "Continue",
		Options: s.sc.Options,
	}
	s.logger.Info("context usage crossed %d%% mid-stream, interrupting for compaction", s.thresholdPctLocked())
	s.mu.Unlock()

	go func() {
		if err := s.deps.Streamer.Stop(context.Background(), s.id); err != nil {
			s.logger.Warn("mid-stream compaction stop failed: %v", err)
			s.mu.Lock()
			s.midStreamCompact = nil
			s.mu.Unlock()
		}
	}()
}

// finalizeCompactionLocked runs when a compaction sub-turn's stream ended and
// the engine confirmed a summary. It clears the in-flight flag, resets usage
// accounting to the new boundary, copies the pending follow-up from the
// request message onto the summary (where recovery reads it back), and
// dispatches it. Returns true when the follow-up dispatch took over the turn.
// Callers hold s.mu with the phase in Completing.
func (s *Session) finalizeCompactionLocked(sc *StreamContext, summary *proto.Message) bool {
	s.compactInFlight = false
	s.lastUsage = nil
	s.deps.Metrics.IncCompaction(string(sc.Compaction.Source))

	req, err := s.deps.History.GetByID(s.id, sc.UserMessageID)
	if err != nil {
		s.logger.Warn("compaction request message lookup failed: %v", err)
		return false
	}
	if req.Meta.PendingFollowUp == nil {
		return false
	}

	if summary != nil {
		summary.Meta.PendingFollowUp = req.Meta.PendingFollowUp
		if err := s.deps.History.UpdateMeta(s.id, summary); err != nil {
			s.logger.Warn("failed to stamp follow-up onto summary: %v", err)
		}
	}
	return s.dispatchFollowUpLocked(req.Meta.PendingFollowUp)
}

// dispatchFollowUpLocked sends the deferred user message as the next turn.
func (s *Session) dispatchFollowUpLocked(fu *proto.FollowUp) bool {
	req := SendRequest{
		Text:        fu.Text,
		Attachments: fu.Attachments,
		ReviewNotes: fu.ReviewNotes,
		Options:     fu.Options,
	}
	if err := s.sendLocked(req, false); err != nil {
		s.logger.Error("failed to dispatch post-compaction follow-up: %v", err)
		return false
	}
	return true
}
