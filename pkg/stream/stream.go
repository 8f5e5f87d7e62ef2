// Package stream defines the boundary to the streaming/model collaborator:
// the Streamer interface the session core invokes, and the typed notification
// events it reacts to.
package stream

import (
	"context"
	"time"

	"conductor/pkg/model"
	"conductor/pkg/proto"
)

// EventType identifies a streaming notification.
type EventType string

const (
	EventStreamStart    EventType = "stream_start"
	EventStreamDelta    EventType = "stream_delta"
	EventToolCallStart  EventType = "tool_call_start"
	EventToolCallDelta  EventType = "tool_call_delta"
	EventToolCallEnd    EventType = "tool_call_end"
	EventUsageDelta     EventType = "usage_delta"
	EventReasoningDelta EventType = "reasoning_delta"
	EventReasoningEnd   EventType = "reasoning_end"
	EventStreamAbort    EventType = "stream_abort"
	EventStreamEnd      EventType = "stream_end"
	EventError          EventType = "error"

	// Session-level status events published by the core itself.
	EventRetryScheduled EventType = "retry_scheduled"
	EventRetryStarting  EventType = "retry_starting"
	EventRetryAbandoned EventType = "retry_abandoned"
	EventHandoff        EventType = "handoff"
)

// EndPayload accompanies EventStreamEnd.
type EndPayload struct {
	Message      *proto.Message // finalized assistant message, nil when nothing was produced
	CompactionID string         // set when the turn was a compaction sub-turn
	Usage        *proto.Usage   // final usage for the turn
}

// Event is one notification from the streaming collaborator. Events carry
// the session ID they belong to; observers ignore events for other sessions.
type Event struct {
	Type      EventType
	SessionID string
	MessageID string // in-flight assistant message ID
	Delta     string
	ToolName  string
	Usage     *proto.Usage
	End       *EndPayload
	Err       error
	Attempt   int           // retry status events
	Delay     time.Duration // retry status events
	Timestamp time.Time
}

// Request describes one streaming invocation.
type Request struct {
	SessionID string
	History   []*proto.Message
	Model     model.ID
	Options   proto.SendOptions
}

// Streamer is the streaming/model collaborator. StreamMessage returns once
// the stream has terminated; progress and the terminal outcome are also
// published as events so observers see the same lifecycle the core does.
type Streamer interface {
	StreamMessage(ctx context.Context, req Request) error

	// Stop asks the collaborator to abort the session's active stream.
	// A session with no active stream is a no-op.
	Stop(ctx context.Context, sessionID string) error
}
