package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"conductor/pkg/compact"
	"conductor/pkg/history"
	"conductor/pkg/model"
	"conductor/pkg/proto"
	"conductor/pkg/stream"
)

// Exported error values for send validation failures.
var (
	ErrDisposed     = errors.New("session is disposed")
	ErrEmptyMessage = errors.New("message text is empty and has no attachments")
)

// SendRequest is one composite send: text, attachments, review notes, options.
type SendRequest struct {
	Text        string
	Attachments []proto.Attachment
	ReviewNotes []string
	Options     proto.SendOptions
}

// SendMessage validates and dispatches a new user turn. While the session is
// busy the request is queued (replacing any previously queued message) and
// sent automatically when the current turn ends. Validation and persistence
// failures are returned as errors; in all error cases the phase returns to
// Idle and nothing partially written is left runnable.
func (s *Session) SendMessage(_ context.Context, req SendRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return ErrDisposed
	}
	if s.phase != PhaseIdle {
		s.queueLocked(req)
		return nil
	}
	return s.sendLocked(req, false)
}

// sendLocked runs the full send path. Callers hold s.mu and guarantee the
// phase is Idle or Completing (follow-on dispatch during cleanup).
func (s *Session) sendLocked(req SendRequest, synthetic bool) error {
	opts, id, err := s.resolveOptionsLocked(req.Options)
	if err != nil {
		return err
	}
	if strings.TrimSpace(req.Text) == "" && len(req.Attachments) == 0 {
		return ErrEmptyMessage
	}
	for i := range req.Attachments {
		att := &req.Attachments[i]
		if att.IsPDF() {
			if err := model.CheckPDF(id, att.Size, att.Pages); err != nil {
				return fmt.Errorf("attachment %q rejected: %w", att.Name, err)
			}
		}
	}

	if !synthetic && !opts.Synthetic {
		// A real user send supersedes any startup abandonment and resets
		// the handoff ping-pong guard.
		s.handoffStreak = 0
		if opts.Agent != "" {
			s.lastExplicitAgent = opts.Agent
		}
		if err := s.prefs.clearAbandon(); err != nil {
			s.logger.Warn("failed to clear abandon record: %v", err)
		}
	}

	// Compaction pre-check: over threshold, the user's text is deferred as a
	// pending follow-up behind a compaction sub-turn.
	if !s.compactInFlight && s.currentUsagePctLocked(id) >= s.thresholdPctLocked() {
		followUp := &proto.FollowUp{
			Text:        req.Text,
			Attachments: req.Attachments,
			ReviewNotes: req.ReviewNotes,
			Options:     opts,
		}
		return s.startCompactionTurnLocked(proto.CompactOnSend, followUp, opts, id)
	}

	return s.startUserTurnLocked(req, opts, id)
}

// startUserTurnLocked persists snapshots plus the user message and begins
// streaming.
func (s *Session) startUserTurnLocked(req SendRequest, opts proto.SendOptions, id model.ID) error {
	if err := s.transitionTo(PhasePreparing); err != nil {
		return err
	}

	fail := func(err error) error {
		if terr := s.transitionTo(PhaseIdle); terr != nil {
			s.logger.Error("failed to return to idle after send failure: %v", terr)
		}
		return err
	}

	var firstSnapshotID string
	undoSnapshots := func() {
		if firstSnapshotID == "" {
			return
		}
		if err := s.deps.History.TruncateFrom(s.id, firstSnapshotID); err != nil && !errors.Is(err, history.ErrNotFound) {
			s.logger.Error("failed to roll back snapshots: %v", err)
		}
	}

	// Materialize attachments as snapshot messages immediately before the
	// user message that references them.
	for i := range req.Attachments {
		snap := snapshotMessage(&req.Attachments[i])
		if _, err := s.deps.History.Append(s.id, snap); err != nil {
			undoSnapshots()
			return fail(fmt.Errorf("failed to persist snapshot: %w", err))
		}
		if firstSnapshotID == "" {
			firstSnapshotID = snap.ID
		}
	}

	freshInject := false
	injectedID := ""
	if diffs, ok := s.deps.Engine.PeekPendingDiffs(s.id); ok {
		snap := proto.NewMessage(proto.RoleUser, proto.TextPart(compact.FormatDiffs(diffs)))
		snap.Meta.Synthetic = true
		snap.Meta.Snapshot = true
		if _, err := s.deps.History.Append(s.id, snap); err != nil {
			undoSnapshots()
			return fail(fmt.Errorf("failed to persist post-compaction context: %w", err))
		}
		if firstSnapshotID == "" {
			firstSnapshotID = snap.ID
		}
		s.deps.Engine.AcknowledgeDiffs(s.id)
		freshInject = true
		injectedID = snap.ID
	}

	userMsg := proto.NewMessage(proto.RoleUser, userParts(req)...)
	userMsg.Meta.Synthetic = opts.Synthetic
	userMsg.Meta.Model = opts.Model
	userMsg.Meta.ThinkingLevel = opts.ThinkingLevel
	userMsg.Meta.Replay = &proto.ReplayHints{
		Model:         opts.Model,
		Agent:         opts.Agent,
		ThinkingLevel: opts.ThinkingLevel,
		ToolPolicy:    opts.ToolPolicy,
	}
	if _, err := s.deps.History.Append(s.id, userMsg); err != nil {
		undoSnapshots()
		return fail(fmt.Errorf("failed to persist user message: %w", err))
	}

	s.startStreamLocked(&StreamContext{
		Model:         id,
		Options:       opts,
		UserMessageID: userMsg.ID,
		FreshInject:   freshInject,
		InjectedID:    injectedID,
		StartedAt:     time.Now().UTC(),
	})
	return nil
}

// startStreamLocked installs the stream context and invokes the collaborator
// asynchronously. Callers hold s.mu with phase already Preparing.
func (s *Session) startStreamLocked(sc *StreamContext) {
	s.sc = sc

	msgs, err := s.deps.History.ReadFromLatestBoundary(s.id)
	if err != nil {
		s.logger.Error("failed to read history window: %v", err)
	}

	req := stream.Request{
		SessionID: s.id,
		History:   msgs,
		Model:     sc.Model,
		Options:   sc.Options,
	}

	// The collaborator publishes lifecycle events, including the terminal
	// one; the return value only duplicates it for synchronous callers.
	go func() {
		if err := s.deps.Streamer.StreamMessage(context.Background(), req); err != nil {
			s.logger.Debug("stream invocation returned: %v", err)
		}
	}()
}

// ResumeOptions tune a resume/retry entry.
type ResumeOptions struct {
	Options *proto.SendOptions // nil replays hints from the last user message
}

// ResumeStream restarts streaming against existing history. When the session
// is busy it reports not-started without queueing or erroring so callers can
// reschedule.
func (s *Session) ResumeStream(_ context.Context, ropts ResumeOptions) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return false, ErrDisposed
	}
	if s.phase != PhaseIdle {
		return false, nil
	}
	return s.resumeLocked(ropts)
}

func (s *Session) resumeLocked(ropts ResumeOptions) (bool, error) {
	var opts proto.SendOptions
	if ropts.Options != nil {
		opts = *ropts.Options
	} else {
		opts = s.replayOptionsLocked()
	}

	resolved, id, err := s.resolveOptionsLocked(opts)
	if err != nil {
		return false, err
	}

	last, err := s.deps.History.LastMessage(s.id)
	if errors.Is(err, history.ErrNotFound) {
		return false, fmt.Errorf("cannot resume an empty history")
	}
	if err != nil {
		return false, err
	}

	if err := s.transitionTo(PhasePreparing); err != nil {
		return false, err
	}

	userMessageID := last.ID

	// An interrupted compaction resumes as a compaction, not as a plain
	// turn: the persisted request carries everything needed to rebuild it.
	if last.Role == proto.RoleUser && last.Meta.Compaction != nil {
		return s.resumeCompactionLocked(last)
	}

	// Defense in depth: providers reject a history ending with a finalized
	// assistant message, so inject a continue sentinel before resuming.
	if s.historyEndsWithAssistant() {
		sentinel := proto.NewMessage(proto.RoleUser, proto.TextPart(continueSentinel))
		sentinel.Meta.Synthetic = true
		if _, err := s.deps.History.Append(s.id, sentinel); err != nil {
			if terr := s.transitionTo(PhaseIdle); terr != nil {
				s.logger.Error("failed to return to idle: %v", terr)
			}
			return false, fmt.Errorf("failed to persist continue sentinel: %w", err)
		}
		userMessageID = sentinel.ID
	}

	s.startStreamLocked(&StreamContext{
		Model:         id,
		Options:       resolved,
		UserMessageID: userMessageID,
		StartedAt:     time.Now().UTC(),
	})
	return true, nil
}

// replayOptionsLocked recovers send options from the most recent user
// message's replay hints.
func (s *Session) replayOptionsLocked() proto.SendOptions {
	msgs, err := s.deps.History.ReadLastN(s.id, 20)
	if err != nil {
		return proto.SendOptions{}
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == proto.RoleUser && msgs[i].Meta.Replay != nil {
			hints := msgs[i].Meta.Replay
			return proto.SendOptions{
				Model:         hints.Model,
				Agent:         hints.Agent,
				ThinkingLevel: hints.ThinkingLevel,
				ToolPolicy:    hints.ToolPolicy,
			}
		}
	}
	return proto.SendOptions{}
}

// InterruptOpts control an interruption.
type InterruptOpts struct {
	Soft           bool // graceful stop: let the collaborator finish its current chunk
	AbandonPartial bool // delete the un-finalized assistant message before stopping
}

// InterruptStream cancels retry scheduling and asks the collaborator to stop
// the active stream. AbandonPartial additionally deletes the partial first so
// the collaborator's abort handling cannot commit content a pending
// truncation is about to invalidate.
func (s *Session) InterruptStream(ctx context.Context, opts InterruptOpts) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}

	s.retry.cancel()
	if opts.AbandonPartial {
		s.dropPartialLocked()
	}
	if !opts.Soft {
		s.midStreamCompact = nil
	}
	busy := s.phase == PhaseStreaming || s.phase == PhasePreparing
	s.mu.Unlock()

	if !busy {
		return nil
	}
	if err := s.deps.Streamer.Stop(ctx, s.id); err != nil {
		return fmt.Errorf("failed to request stream stop: %w", err)
	}
	return nil
}

// resolveOptionsLocked applies the option precedence order: persisted
// per-agent defaults > caller-supplied > workspace default > fallback.
func (s *Session) resolveOptionsLocked(opts proto.SendOptions) (proto.SendOptions, model.ID, error) {
	resolved := opts

	if resolved.Agent != "" && s.deps.Personas != nil {
		if p, ok := s.deps.Personas.Get(resolved.Agent); ok && !p.Defaults.Empty() {
			if p.Defaults.Model != "" {
				resolved.Model = p.Defaults.Model
			}
			if p.Defaults.ThinkingLevel != "" {
				resolved.ThinkingLevel = p.Defaults.ThinkingLevel
			}
			if p.Defaults.ToolPolicy != "" {
				resolved.ToolPolicy = p.Defaults.ToolPolicy
			}
			if p.Defaults.Instructions != "" {
				resolved.Instructions = p.Defaults.Instructions
			}
		}
	}

	if resolved.Model == "" {
		resolved.Model = s.deps.Config.DefaultModel
	}
	if resolved.Agent == "" {
		resolved.Agent = s.deps.Config.DefaultAgent
	}

	id, err := model.Parse(resolved.Model)
	if err != nil {
		return proto.SendOptions{}, model.ID{}, err
	}
	return resolved, id, nil
}

func (s *Session) thresholdPctLocked() int {
	if s.thresholdPct > 0 {
		return s.thresholdPct
	}
	return s.deps.Config.AutoCompactThresholdPct
}

// SetAutoCompactionThreshold overrides the configured threshold percentage
// for this session. Zero restores the configured default.
func (s *Session) SetAutoCompactionThreshold(pct int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thresholdPct = pct
}

func snapshotMessage(att *proto.Attachment) *proto.Message {
	msg := proto.NewMessage(proto.RoleUser, proto.Part{
		Type:       proto.PartAttachment,
		Attachment: att,
		Text:       fmt.Sprintf("Attached file: %s (%d bytes)", att.Name, att.Size),
	})
	msg.Meta.Synthetic = true
	msg.Meta.Snapshot = true
	return msg
}

func userParts(req SendRequest) []proto.Part {
	parts := []proto.Part{proto.TextPart(req.Text)}
	if len(req.ReviewNotes) > 0 {
		parts = append(parts, proto.TextPart("\nReview notes:\n- "+strings.Join(req.ReviewNotes, "\n- ")))
	}
	return parts
}
