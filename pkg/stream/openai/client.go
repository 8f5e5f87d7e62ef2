// Package openai implements the streaming collaborator against the OpenAI
// Chat Completions API.
package openai

import (
	"context"
	"errors"
	"sync"
	"time"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
	"conductor/pkg/stream"
	"conductor/pkg/streamerr"
)

// reasoningEfforts maps thinking levels onto the reasoning effort parameter
// for models that accept one.
var reasoningEfforts = map[proto.ThinkingLevel]sdk.ReasoningEffort{
	proto.ThinkingLow:    sdk.ReasoningEffortLow,
	proto.ThinkingMedium: sdk.ReasoningEffortMedium,
	proto.ThinkingHigh:   sdk.ReasoningEffortHigh,
}

// Streamer streams turns through the OpenAI API and publishes lifecycle
// events on the bus.
type Streamer struct {
	client sdk.Client
	bus    *stream.Bus
	logger *logx.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New creates an OpenAI streamer.
func New(apiKey string, bus *stream.Bus) *Streamer {
	return &Streamer{
		client: sdk.NewClient(option.WithAPIKey(apiKey)),
		bus:    bus,
		logger: logx.NewLogger("openai"),
		active: make(map[string]context.CancelFunc),
	}
}

// StreamMessage implements stream.Streamer.
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

	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(req.Model.Model),
		Messages: convertMessages(system, msgs),
		StreamOptions: sdk.ChatCompletionStreamOptionsParam{
			IncludeUsage: sdk.Bool(true),
		},
	}
	if effort, ok := reasoningEfforts[req.Options.ThinkingLevel]; ok {
		params.ReasoningEffort = effort
	}

	msgID := proto.NewMessageID()
	s.publish(stream.Event{Type: stream.EventStreamStart, SessionID: req.SessionID, MessageID: msgID})

	sse := s.client.Chat.Completions.NewStreaming(ctx, params)

	acc := sdk.ChatCompletionAccumulator{}
	var usage proto.Usage

	for sse.Next() {
		chunk := sse.Current()
		acc.AddChunk(chunk)

		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			s.publish(stream.Event{
				Type: stream.EventStreamDelta, SessionID: req.SessionID,
				MessageID: msgID, Delta: chunk.Choices[0].Delta.Content,
			})
		}
		if chunk.Usage.TotalTokens > 0 {
			usage = proto.Usage{
				InputTokens:   int(chunk.Usage.PromptTokens),
				OutputTokens:  int(chunk.Usage.CompletionTokens),
				ContextTokens: int(chunk.Usage.TotalTokens),
			}
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

	final := proto.NewMessage(proto.RoleAssistant)
	final.ID = msgID
	if len(acc.Choices) > 0 {
		choice := &acc.Choices[0]
		final.Parts = append(final.Parts, proto.TextPart(choice.Message.Content))
		for i := range choice.Message.ToolCalls {
			tc := &choice.Message.ToolCalls[i]
			final.Parts = append(final.Parts, proto.Part{
				Type:      proto.PartToolCall,
				ToolName:  tc.Function.Name,
				ToolInput: tc.Function.Arguments,
			})
			s.publish(stream.Event{
				Type: stream.EventToolCallEnd, SessionID: req.SessionID,
				MessageID: msgID, ToolName: tc.Function.Name, Delta: tc.Function.Arguments,
			})
		}
	} else {
		final.Parts = append(final.Parts, proto.TextPart(""))
	}
	final.Meta.Usage = &usage

	s.publish(stream.Event{
		Type:      stream.EventStreamEnd,
		SessionID: req.SessionID,
		MessageID: msgID,
		End:       &stream.EndPayload{Message: final, Usage: &usage},
	})
	return nil
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

func convertMessages(system string, msgs []stream.PromptMessage) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if system != "" {
		out = append(out, sdk.SystemMessage(system))
	}
	for _, m := range msgs {
		if m.Role == proto.RoleAssistant {
			out = append(out, sdk.AssistantMessage(m.Content))
		} else {
			out = append(out, sdk.UserMessage(m.Content))
		}
	}
	return out
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

func classify(err error) *streamerr.Error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		return streamerr.ClassifyHTTP(apierr.StatusCode, apierr.Error())
	}
	return streamerr.Classify(err)
}
