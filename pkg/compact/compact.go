// Package compact defines the compaction engine collaborator boundary and a
// default engine. The session core decides when compaction runs; the engine
// owns what a compaction sub-turn asks for and what happens to freshly
// re-injected context afterwards.
package compact

import (
	"fmt"
	"strings"
	"sync"

	"conductor/pkg/logx"
	"conductor/pkg/stream"
)

const summaryPrompt = `Summarize the conversation so far for your own future reference. Preserve:
1. The original task and any standing instructions
2. Decisions made and their reasons
3. Facts, file paths, and identifiers that later turns will need
4. Work still pending

Reply with only the summary.`

// PendingDiffs is context re-injected after a compaction: file diffs made
// while the transcript was being summarized, plus plan/todo state.
type PendingDiffs struct {
	FileDiffs []string
	Plan      string
	Todos     []string
}

// Empty reports whether there is nothing to inject.
func (p *PendingDiffs) Empty() bool {
	return p == nil || (len(p.FileDiffs) == 0 && p.Plan == "" && len(p.Todos) == 0)
}

// Engine is the compaction collaborator consumed by the session core.
type Engine interface {
	// PeekPendingDiffs returns post-compaction context awaiting injection.
	PeekPendingDiffs(sessionID string) (*PendingDiffs, bool)

	// AcknowledgeDiffs marks the pending diffs as consumed by a send.
	AcknowledgeDiffs(sessionID string)

	// DiscardPendingDiffs drops the pending diffs without sending them.
	// Used by the escalation ladder when they no longer fit.
	DiscardPendingDiffs(sessionID string)

	// HandleCompletion inspects a stream-end payload and reports whether it
	// finalized a compaction (true means the turn was a compaction sub-turn
	// that produced a summary).
	HandleCompletion(sessionID string, end *stream.EndPayload) (bool, error)

	// BuildRequest produces the synthetic message content streamed for a
	// compaction sub-turn.
	BuildRequest() string
}

// DefaultEngine tracks per-session compaction bookkeeping. The summarization
// itself happens in the model turn; this engine only shapes the request and
// interprets completion.
type DefaultEngine struct {
	mu          sync.Mutex
	pending     map[string]*PendingDiffs
	compactions map[string]int
	logger      *logx.Logger
}

// NewDefaultEngine creates a compaction engine.
func NewDefaultEngine() *DefaultEngine {
	return &DefaultEngine{
		pending:     make(map[string]*PendingDiffs),
		compactions: make(map[string]int),
		logger:      logx.NewLogger("compact"),
	}
}

// SetPendingDiffs stages post-compaction context for injection on the next send.
func (e *DefaultEngine) SetPendingDiffs(sessionID string, diffs *PendingDiffs) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[sessionID] = diffs
}

// PeekPendingDiffs implements Engine.
func (e *DefaultEngine) PeekPendingDiffs(sessionID string) (*PendingDiffs, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	diffs, ok := e.pending[sessionID]
	if !ok || diffs.Empty() {
		return nil, false
	}
	return diffs, true
}

// AcknowledgeDiffs implements Engine.
func (e *DefaultEngine) AcknowledgeDiffs(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, sessionID)
}

// DiscardPendingDiffs implements Engine.
func (e *DefaultEngine) DiscardPendingDiffs(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pending[sessionID]; ok {
		e.logger.Info("discarding pending post-compaction context for session %s", sessionID)
		delete(e.pending, sessionID)
	}
}

// HandleCompletion implements Engine. A compaction is considered to have
// occurred when the end payload is linked to a compaction request and carries
// a non-empty summary message.
func (e *DefaultEngine) HandleCompletion(sessionID string, end *stream.EndPayload) (bool, error) {
	if end == nil || end.CompactionID == "" {
		return false, nil
	}
	if end.Message == nil || strings.TrimSpace(end.Message.Text()) == "" {
		return false, fmt.Errorf("compaction %s produced no summary", end.CompactionID)
	}

	e.mu.Lock()
	e.compactions[sessionID]++
	count := e.compactions[sessionID]
	e.mu.Unlock()

	e.logger.Info("compaction %s finalized for session %s (total %d)", end.CompactionID, sessionID, count)
	return true, nil
}

// BuildRequest implements Engine.
func (e *DefaultEngine) BuildRequest() string {
	return summaryPrompt
}

// CompactionCount returns how many compactions have finalized for a session.
func (e *DefaultEngine) CompactionCount(sessionID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compactions[sessionID]
}

// FormatDiffs renders pending diffs into message text for injection.
func FormatDiffs(diffs *PendingDiffs) string {
	var sb strings.Builder
	sb.WriteString("Context re-injected after compaction:\n")
	if diffs.Plan != "" {
		sb.WriteString("\n## Plan\n")
		sb.WriteString(diffs.Plan)
		sb.WriteString("\n")
	}
	if len(diffs.Todos) > 0 {
		sb.WriteString("\n## Todos\n")
		for _, todo := range diffs.Todos {
			sb.WriteString("- ")
			sb.WriteString(todo)
			sb.WriteString("\n")
		}
	}
	for _, diff := range diffs.FileDiffs {
		sb.WriteString("\n## Diff\n")
		sb.WriteString(diff)
		sb.WriteString("\n")
	}
	return sb.String()
}
