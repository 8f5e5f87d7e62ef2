// Package anthropic implements the streaming collaborator against the
// Anthropic Messages API.
package anthropic

import (
	"context"
	"errors"
	"sync"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
	"conductor/pkg/stream"
	"conductor/pkg/streamerr"
)

// Beta header value enabling the 1M-token context window.
const largeContextBeta = "context-1m-2025-08-07"

const defaultMaxTokens = 32_000

// thinkingBudgets maps thinking levels to token budgets.
var thinkingBudgets = map[proto.ThinkingLevel]int64{
	proto.ThinkingLow:    2_048,
	proto.ThinkingMedium: 8_192,
	proto.ThinkingHigh:   32_768,
}

// Streamer streams turns through the Anthropic API and publishes lifecycle
// events on the bus. One stream per session at a time; Stop cancels it.
type Streamer struct {
	client sdk.Client
	bus    *stream.Bus
	logger *logx.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New creates an Anthropic streamer.
func New(apiKey string, bus *stream.Bus) *Streamer {
	return &Streamer{
		client: sdk.NewClient(option.WithAPIKey(apiKey)),
		bus:    bus,
		logger: logx.NewLogger("anthropic"),
		active: make(map[string]context.CancelFunc),
	}
}

// StreamMessage implements stream.Streamer. It blocks until the stream
// terminates; every lifecycle step, including the terminal one, is also
// published as an event.
func (s *Streamer) StreamMessage(ctx context.Context, req stream.Request) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if prev, ok := s.active[req.SessionID]; ok {
		prev()
	}
	s.active[req.SessionID] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.active, req.SessionID)
		s.mu.Unlock()
	}()

	system, msgs, err := stream.BuildPrompt(req.History, req.Options.Instructions)
	if err != nil {
		serr := streamerr.NewErrorWithCause(streamerr.ErrorTypeBadRequest, err, "prompt preparation failed")
		s.publishError(req.SessionID, serr)
		return serr
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model.Model),
		MaxTokens: defaultMaxTokens,
		Messages:  convertMessages(msgs),
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if budget, ok := thinkingBudgets[req.Options.ThinkingLevel]; ok {
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(budget)
	}

	var opts []option.RequestOption
	if req.Options.LargeContext {
		opts = append(opts, option.WithHeaderAdd("anthropic-beta", largeContextBeta))
	}

	msgID := proto.NewMessageID()
	s.publish(stream.Event{Type: stream.EventStreamStart, SessionID: req.SessionID, MessageID: msgID})

	sse := s.client.Messages.NewStreaming(ctx, params, opts...)

	acc := sdk.Message{}
	final := proto.NewMessage(proto.RoleAssistant)
	final.ID = msgID
	var usage proto.Usage

	for sse.Next() {
		event := sse.Current()
		if err := acc.Accumulate(event); err != nil {
			s.logger.Warn("accumulate failed: %v", err)
		}

		switch ev := event.AsAny().(type) {
		case sdk.MessageStartEvent:
			usage.InputTokens = int(ev.Message.Usage.InputTokens)
			usage.ContextTokens = usage.InputTokens
			s.publishUsage(req.SessionID, msgID, usage)
		case sdk.ContentBlockStartEvent:
			if ev.ContentBlock.Type == "tool_use" {
				s.publish(stream.Event{
					Type: stream.EventToolCallStart, SessionID: req.SessionID,
					MessageID: msgID, ToolName: ev.ContentBlock.Name,
				})
			}
		case sdk.ContentBlockDeltaEvent:
			switch d := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				s.publish(stream.Event{
					Type: stream.EventStreamDelta, SessionID: req.SessionID,
					MessageID: msgID, Delta: d.Text,
				})
			case sdk.ThinkingDelta:
				s.publish(stream.Event{
					Type: stream.EventReasoningDelta, SessionID: req.SessionID,
					MessageID: msgID, Delta: d.Thinking,
				})
			case sdk.InputJSONDelta:
				s.publish(stream.Event{
					Type: stream.EventToolCallDelta, SessionID: req.SessionID,
					MessageID: msgID, Delta: d.PartialJSON,
				})
			}
		case sdk.MessageDeltaEvent:
			usage.OutputTokens = int(ev.Usage.OutputTokens)
			usage.ContextTokens = usage.InputTokens + usage.OutputTokens
			s.publishUsage(req.SessionID, msgID, usage)
		}
	}

	if err := sse.Err(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			s.publish(stream.Event{Type: stream.EventStreamAbort, SessionID: req.SessionID, MessageID: msgID})
			return streamerr.ErrStreamAborted
		}
		serr := classify(err)
		s.publishError(req.SessionID, serr)
		return serr
	}

	finalizeFromAccumulated(final, &acc, s, req.SessionID, msgID)
	final.Meta.Usage = &usage

	s.publish(stream.Event{
		Type:      stream.EventStreamEnd,
		SessionID: req.SessionID,
		MessageID: msgID,
		End:       &stream.EndPayload{Message: final, Usage: &usage},
	})
	return nil
}

func convertMessages(msgs []stream.PromptMessage) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == proto.RoleAssistant {
			out = append(out, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		} else {
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	return out
}

// Stop implements stream.Streamer.
func (s *Streamer) Stop(_ context.Context, sessionID string) error {
	s.mu.Lock()
	cancel, ok := s.active[sessionID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// finalizeFromAccumulated copies the accumulated response blocks into the
// finalized message and emits tool-call-end events for completed tool blocks.
func finalizeFromAccumulated(final *proto.Message, acc *sdk.Message, s *Streamer, sessionID, msgID string) {
	for i := range acc.Content {
		block := &acc.Content[i]
		switch block.Type {
		case "text":
			final.Parts = append(final.Parts, proto.TextPart(block.AsText().Text))
		case "thinking":
			final.Parts = append(final.Parts, proto.Part{
				Type: proto.PartReasoning,
				Text: block.AsThinking().Thinking,
			})
			s.publish(stream.Event{Type: stream.EventReasoningEnd, SessionID: sessionID, MessageID: msgID})
		case "tool_use":
			tu := block.AsToolUse()
			final.Parts = append(final.Parts, proto.Part{
				Type:      proto.PartToolCall,
				ToolName:  tu.Name,
				ToolInput: string(tu.Input),
			})
			s.publish(stream.Event{
				Type: stream.EventToolCallEnd, SessionID: sessionID,
				MessageID: msgID, ToolName: tu.Name, Delta: string(tu.Input),
			})
		}
	}
	if len(final.Parts) == 0 {
		final.Parts = append(final.Parts, proto.TextPart(""))
	}
}

func (s *Streamer) publish(ev stream.Event) {
	ev.Timestamp = time.Now().UTC()
	s.bus.Publish(ev)
}

func (s *Streamer) publishUsage(sessionID, msgID string, usage proto.Usage) {
	u := usage
	s.publish(stream.Event{
		Type: stream.EventUsageDelta, SessionID: sessionID,
		MessageID: msgID, Usage: &u,
	})
}

func (s *Streamer) publishError(sessionID string, err error) {
	s.publish(stream.Event{Type: stream.EventError, SessionID: sessionID, Err: err})
}

// classify maps SDK errors onto the stream error taxonomy, preferring the
// HTTP status when the SDK surfaces one.
func classify(err error) *streamerr.Error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		return streamerr.ClassifyHTTP(apierr.StatusCode, apierr.Error())
	}
	return streamerr.Classify(err)
}
