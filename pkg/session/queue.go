package session

import (
	"conductor/pkg/proto"
)

// queueLocked replaces the single queued message. Callers hold s.mu.
func (s *Session) queueLocked(req SendRequest) {
	s.queued = &proto.QueuedMessage{
		Text:        req.Text,
		Attachments: req.Attachments,
		ReviewNotes: req.ReviewNotes,
		Options:     req.Options,
	}
	s.logger.Debug("queued message while %s", s.phase)
}

// QueuedMessage returns a copy of the queued message, if any.
func (s *Session) QueuedMessage() (proto.QueuedMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued == nil {
		return proto.QueuedMessage{}, false
	}
	return *s.queued, true
}

// QueueMessage explicitly queues a message for the next flush, regardless of
// the current phase.
func (s *Session) QueueMessage(req SendRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueLocked(req)
}

// ClearQueue drops the queued message without sending it.
func (s *Session) ClearQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = nil
}

// RestoreQueueToInput removes and returns the queued message so a caller can
// restore it to its input area instead of sending it.
func (s *Session) RestoreQueueToInput() (proto.QueuedMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takeQueuedLocked()
}

func (s *Session) takeQueuedLocked() (proto.QueuedMessage, bool) {
	if s.queued == nil {
		return proto.QueuedMessage{}, false
	}
	q := *s.queued
	s.queued = nil
	return q, true
}

// flushQueueLocked sends the queued message as the next turn, directly from
// turn cleanup. Returns true when a new turn took over. Callers hold s.mu
// with the phase in Completing.
func (s *Session) flushQueueLocked() bool {
	q, ok := s.takeQueuedLocked()
	if !ok {
		return false
	}

	req := SendRequest{
		Text:        q.Text,
		Attachments: q.Attachments,
		ReviewNotes: q.ReviewNotes,
		Options:     q.Options,
	}
	if err := s.sendLocked(req, false); err != nil {
		s.logger.Error("failed to flush queued message: %v", err)
		return false
	}
	s.deps.Metrics.IncQueuedFlush()
	return true
}
