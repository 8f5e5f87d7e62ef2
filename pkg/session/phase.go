package session

import "fmt"

// Phase is the turn lifecycle state of a session.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhasePreparing  Phase = "preparing"
	PhaseStreaming  Phase = "streaming"
	PhaseCompleting Phase = "completing"
)

// String returns the string representation of Phase.
func (p Phase) String() string {
	return string(p)
}

// validTransitions is the phase transition table. Preparing may return
// directly to Idle when a send fails before streaming starts.
var validTransitions = map[Phase][]Phase{
	PhaseIdle:       {PhasePreparing},
	PhasePreparing:  {PhaseStreaming, PhaseIdle},
	PhaseStreaming:  {PhaseCompleting},
	PhaseCompleting: {PhaseIdle, PhasePreparing},
}

// isValidTransition checks the transition table.
func isValidTransition(from, to Phase) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transitionTo moves the session to a new phase. Callers must hold s.mu.
func (s *Session) transitionTo(to Phase) error {
	from := s.phase
	if from == to {
		return nil
	}
	if !isValidTransition(from, to) {
		return fmt.Errorf("invalid phase transition: %s -> %s", from, to)
	}

	s.phase = to
	s.logger.Debug("phase %s -> %s", from, to)

	if to == PhaseIdle {
		// Release all waiters together; the next busy period gets a fresh gate.
		close(s.idleCh)
		s.idleCh = make(chan struct{})
	}
	return nil
}
