package session

import (
	"encoding/json"
	"fmt"
	"time"

	"conductor/pkg/proto"
	"conductor/pkg/stream"
)

// switchAgentTool is the tool name whose results carry a handoff directive.
const switchAgentTool = "switch_agent"

type switchDirective struct {
	Agent string `json:"agent"`
	OK    bool   `json:"ok"`
}

// maybeHandoffLocked inspects a completed turn's output for a successful
// switch-agent directive and dispatches the continuation turn under the
// resolved persona. Returns true when a handoff turn took over. Callers hold
// s.mu with the phase in Completing.
func (s *Session) maybeHandoffLocked(sc *StreamContext, final *proto.Message) bool {
	requested, ok := latestSwitchDirective(final)
	if !ok {
		s.handoffStreak = 0
		return false
	}

	s.handoffStreak++
	if s.handoffStreak > s.deps.Config.MaxConsecutiveHandoffs {
		s.logger.Warn("handoff chain exceeded %d consecutive switches, aborting", s.deps.Config.MaxConsecutiveHandoffs)
		s.appendHandoffErrorLocked(sc, fmt.Sprintf(
			"Agent handoff chain aborted: more than %d consecutive switches without user input.",
			s.deps.Config.MaxConsecutiveHandoffs))
		s.deps.Metrics.IncHandoff("chain_aborted")
		s.handoffStreak = 0
		return false
	}

	resolved, err := s.deps.Personas.Resolve(requested, s.lastExplicitAgent)
	if err != nil {
		s.logger.Warn("handoff to %q failed: %v", requested, err)
		s.appendHandoffErrorLocked(sc, fmt.Sprintf("Agent handoff failed: %v", err))
		s.deps.Metrics.IncHandoff("invalid_target")
		return false
	}

	// Inherit the sanitized option subset from the finished turn; persona
	// defaults override it during option resolution.
	opts := proto.SendOptions{
		Agent:         resolved.Name,
		Model:         sc.Options.Model,
		ThinkingLevel: sc.Options.ThinkingLevel,
		ToolPolicy:    sc.Options.ToolPolicy,
		Instructions:  sc.Options.Instructions,
		Synthetic:     true,
	}

	req := SendRequest{
		Text:    fmt.Sprintf("You are now operating as the %q agent. Continue the task from where the previous agent left off.", resolved.Name),
		Options: opts,
	}
	if err := s.sendLocked(req, true); err != nil {
		s.logger.Error("handoff dispatch failed: %v", err)
		s.deps.Metrics.IncHandoff("dispatch_failed")
		return false
	}

	s.deps.Metrics.IncHandoff("dispatched")
	s.deps.Bus.Publish(stream.Event{
		Type:      stream.EventHandoff,
		SessionID: s.id,
		Delta:     resolved.Name,
		Timestamp: time.Now().UTC(),
	})
	s.logger.Info("handed off to agent %q (streak %d)", resolved.Name, s.handoffStreak)
	return true
}

// latestSwitchDirective scans the message parts for switch-agent tool
// results; the latest successful directive wins.
func latestSwitchDirective(msg *proto.Message) (string, bool) {
	agent := ""
	for _, part := range msg.Parts {
		if part.Type != proto.PartToolResult || part.ToolName != switchAgentTool {
			continue
		}
		var d switchDirective
		if err := json.Unmarshal([]byte(part.ToolOutput), &d); err != nil {
			continue
		}
		if d.OK && d.Agent != "" {
			agent = d.Agent
		}
	}
	return agent, agent != ""
}

// appendHandoffErrorLocked surfaces a terminal handoff failure as a visible
// error message.
func (s *Session) appendHandoffErrorLocked(sc *StreamContext, text string) {
	msg := proto.NewMessage(proto.RoleAssistant, proto.TextPart(""))
	msg.Meta.Error = text
	msg.Meta.Synthetic = true
	msg.Meta.Model = sc.Model.String()
	if _, err := s.deps.History.Append(s.id, msg); err != nil {
		s.logger.Error("failed to persist handoff error: %v", err)
	}
}
