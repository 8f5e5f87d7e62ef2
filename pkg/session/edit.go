package session

import (
	"context"
	"errors"
	"fmt"

	"conductor/pkg/history"
	"conductor/pkg/proto"
)

// EditResult reports what an edit displaced.
type EditResult struct {
	// RestoredQueue is a message that was queued behind the interrupted turn,
	// returned to the caller as restored input rather than silently dropped.
	RestoredQueue *proto.QueuedMessage
}

// EditMessage rewrites history from a past user message: interrupt any active
// turn (abandoning its partial), wait for Idle, truncate at the edited
// message (walking back over the contiguous snapshots materialized for it),
// then send the replacement as a new turn. A truncation target no longer in
// history truncates nothing and the send proceeds from the current tail.
func (s *Session) EditMessage(ctx context.Context, msgID string, req SendRequest) (*EditResult, error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil, ErrDisposed
	}
	busy := s.phase != PhaseIdle
	if busy {
		// Claim the queued message before interrupting: the abort's cleanup
		// must restore it to the caller, not dispatch it as a new turn.
		s.pendingEdit = true
	}
	s.mu.Unlock()

	if busy {
		if err := s.InterruptStream(ctx, InterruptOpts{AbandonPartial: true}); err != nil {
			s.clearPendingEdit()
			return nil, fmt.Errorf("failed to interrupt for edit: %w", err)
		}
		if err := s.WaitForIdle(ctx); err != nil {
			s.clearPendingEdit()
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingEdit = false

	if s.phase != PhaseIdle {
		return nil, ErrBusy
	}

	res := &EditResult{}
	if q, ok := s.takeQueuedLocked(); ok {
		res.RestoredQueue = &q
	}

	truncateID, err := s.truncationPointLocked(msgID)
	if err == nil {
		if terr := s.deps.History.TruncateFrom(s.id, truncateID); terr != nil && !errors.Is(terr, history.ErrNotFound) {
			return res, fmt.Errorf("failed to truncate history: %w", terr)
		}
		s.lastUsage = nil
	} else if !errors.Is(err, history.ErrNotFound) {
		return res, err
	}

	if err := s.sendLocked(req, false); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Session) clearPendingEdit() {
	s.mu.Lock()
	s.pendingEdit = false
	s.mu.Unlock()
}

// truncationPointLocked walks backward from the edited message over the
// contiguous snapshot messages materialized immediately before it, so
// snapshots are never orphaned by the truncation.
func (s *Session) truncationPointLocked(msgID string) (string, error) {
	msgs, err := s.deps.History.ReadAll(s.id)
	if err != nil {
		return "", err
	}

	idx := -1
	for i, msg := range msgs {
		if msg.ID == msgID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", history.ErrNotFound
	}

	start := idx
	for start > 0 && msgs[start-1].Meta.Snapshot {
		start--
	}
	return msgs[start].ID, nil
}
