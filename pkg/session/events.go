package session

import (
	"fmt"

	"conductor/pkg/proto"
	"conductor/pkg/stream"
)

// ReplayMode selects how much persisted history a new chat subscriber is
// caught up with.
type ReplayMode string

const (
	// ReplayFull replays the whole persisted history.
	ReplayFull ReplayMode = "full"
	// ReplaySince replays messages persisted after a sequence cursor.
	ReplaySince ReplayMode = "since"
	// ReplayTail replays nothing; the subscriber only sees live events.
	ReplayTail ReplayMode = "tail"
)

// SubscribeChat attaches an observer to the session's event stream. The
// returned subscription's Release is idempotent and safe to defer.
func (s *Session) SubscribeChat() *stream.Subscription {
	return s.deps.Bus.Subscribe(s.id)
}

// ReplayHistory returns the persisted messages a subscriber should be primed
// with for the given mode. cursor is the last sequence number the caller has
// already seen; it is ignored unless mode is ReplaySince.
func (s *Session) ReplayHistory(mode ReplayMode, cursor int64) ([]*proto.Message, error) {
	switch mode {
	case ReplayTail:
		return nil, nil
	case ReplayFull:
		return s.deps.History.ReadAll(s.id)
	case ReplaySince:
		msgs, err := s.deps.History.ReadAll(s.id)
		if err != nil {
			return nil, err
		}
		out := msgs[:0:0]
		for _, msg := range msgs {
			if msg.Meta.Seq > cursor {
				out = append(out, msg)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown replay mode %q", mode)
	}
}
