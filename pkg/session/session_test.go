package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/compact"
	"conductor/pkg/config"
	"conductor/pkg/history"
	"conductor/pkg/persona"
	"conductor/pkg/proto"
	"conductor/pkg/stream"
	"conductor/pkg/streamerr"
)

// fakeStreamer scripts collaborator behavior per invocation and publishes
// lifecycle events the way a real client would.
type fakeStreamer struct {
	bus *stream.Bus

	mu     sync.Mutex
	calls  []stream.Request
	script func(n int, req stream.Request)
}

func (f *fakeStreamer) StreamMessage(_ context.Context, req stream.Request) error {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, req)
	script := f.script
	f.mu.Unlock()
	script(n, req)
	return nil
}

func (f *fakeStreamer) Stop(_ context.Context, sessionID string) error {
	f.bus.Publish(stream.Event{Type: stream.EventStreamAbort, SessionID: sessionID})
	return nil
}

func (f *fakeStreamer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeStreamer) call(i int) stream.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// succeed plays out a clean streamed turn.
func (f *fakeStreamer) succeed(req stream.Request, text string, usage *proto.Usage, parts ...proto.Part) {
	msgID := proto.NewMessageID()
	f.bus.Publish(stream.Event{Type: stream.EventStreamStart, SessionID: req.SessionID, MessageID: msgID})
	f.bus.Publish(stream.Event{Type: stream.EventStreamDelta, SessionID: req.SessionID, MessageID: msgID, Delta: text})

	msg := proto.NewMessage(proto.RoleAssistant, append([]proto.Part{proto.TextPart(text)}, parts...)...)
	msg.ID = msgID
	f.bus.Publish(stream.Event{
		Type:      stream.EventStreamEnd,
		SessionID: req.SessionID,
		MessageID: msgID,
		End:       &stream.EndPayload{Message: msg, Usage: usage},
	})
}

func (f *fakeStreamer) fail(req stream.Request, err error) {
	msgID := proto.NewMessageID()
	f.bus.Publish(stream.Event{Type: stream.EventStreamStart, SessionID: req.SessionID, MessageID: msgID})
	f.bus.Publish(stream.Event{Type: stream.EventError, SessionID: req.SessionID, MessageID: msgID, Err: err})
}

type harness struct {
	store *history.Store
	bus   *stream.Bus
	fake  *fakeStreamer
	eng   *compact.DefaultEngine
	sess  *Session
	dir   string
}

func testConfig() config.Config {
	return config.Config{
		DefaultModel:            "anthropic:claude-3-5-sonnet-latest",
		DefaultAgent:            "assistant",
		AutoCompactThresholdPct: 80,
		MaxConsecutiveHandoffs:  3,
		Retry: config.RetryTuning{
			MaxAttempts:    3,
			InitialDelayMs: 5,
			MaxDelayMs:     50,
			BackoffFactor:  2.0,
		},
	}
}

func testPersonas() *persona.Registry {
	return persona.NewRegistry([]persona.Persona{
		{Name: "assistant", Visibility: persona.VisibilityPublic, Available: true},
		{Name: "coder", Visibility: persona.VisibilityPublic, Available: true, Editor: true},
		{Name: "hidden", Visibility: persona.VisibilityHidden, Available: true},
	}, []string{"assistant"})
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	dir := t.TempDir()
	store, err := history.Open(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bus := stream.NewBus()
	fake := &fakeStreamer{bus: bus}
	fake.script = func(_ int, req stream.Request) { fake.succeed(req, "ack", nil) }

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	est, err := compact.NewEstimator()
	require.NoError(t, err)

	eng := compact.NewDefaultEngine()
	sess := New("s1", filepath.Join(dir, "sessions", "s1"), Deps{
		History:   store,
		Streamer:  fake,
		Bus:       bus,
		Engine:    eng,
		Personas:  testPersonas(),
		Config:    cfg,
		Metrics:   nil,
		Estimator: est,
	})
	t.Cleanup(func() { sess.Teardown(context.Background()) })

	return &harness{store: store, bus: bus, fake: fake, eng: eng, sess: sess, dir: dir}
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, h.sess.WaitForIdle(ctx))
}

// waitSettled waits for Idle and for the expected number of collaborator
// invocations, so follow-on turns started from cleanup are included.
func (h *harness) waitSettled(t *testing.T, calls int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if h.fake.callCount() >= calls && h.sess.Phase() == PhaseIdle {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session did not settle: %d calls, phase %s", h.fake.callCount(), h.sess.Phase())
}

func (h *harness) messages(t *testing.T) []*proto.Message {
	t.Helper()
	msgs, err := h.store.ReadAll("s1")
	require.NoError(t, err)
	return msgs
}

func TestSendMessageBasicTurn(t *testing.T) {
	h := newHarness(t, nil)

	require.Equal(t, PhaseIdle, h.sess.Phase())
	require.NoError(t, h.sess.SendMessage(context.Background(), SendRequest{Text: "hello"}))
	h.waitIdle(t)

	msgs := h.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, proto.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Text())
	assert.False(t, msgs[0].Meta.Synthetic)
	assert.Equal(t, proto.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "ack", msgs[1].Text())
	assert.False(t, h.sess.StreamContextActive())
}

func TestSendMessageValidation(t *testing.T) {
	h := newHarness(t, nil)

	err := h.sess.SendMessage(context.Background(), SendRequest{Text: "   "})
	require.ErrorIs(t, err, ErrEmptyMessage)

	err = h.sess.SendMessage(context.Background(), SendRequest{
		Text:    "hi",
		Options: proto.SendOptions{Model: "not-a-model"},
	})
	require.Error(t, err)

	assert.Equal(t, PhaseIdle, h.sess.Phase())
	assert.Empty(t, h.messages(t))
	assert.Equal(t, 0, h.fake.callCount())
}

func TestSendWhileBusyQueuesAndFlushes(t *testing.T) {
	h := newHarness(t, nil)

	release := make(chan struct{})
	h.fake.script = func(n int, req stream.Request) {
		if n == 0 {
			<-release
		}
		h.fake.succeed(req, "ack", nil)
	}

	require.NoError(t, h.sess.SendMessage(context.Background(), SendRequest{Text: "first"}))
	require.NoError(t, h.sess.SendMessage(context.Background(), SendRequest{Text: "second"}))

	_, queued := h.sess.QueuedMessage()
	assert.True(t, queued)
	require.Eventually(t, func() bool { return h.fake.callCount() == 1 }, time.Second, 5*time.Millisecond)

	close(release)
	h.waitSettled(t, 2)

	msgs := h.messages(t)
	require.Len(t, msgs, 4)
	assert.Equal(t, "first", msgs[0].Text())
	assert.Equal(t, "second", msgs[2].Text())
	_, queued = h.sess.QueuedMessage()
	assert.False(t, queued)
}

func TestQueueReplacedNotAppended(t *testing.T) {
	h := newHarness(t, nil)

	h.sess.QueueMessage(SendRequest{Text: "one"})
	h.sess.QueueMessage(SendRequest{Text: "two"})

	q, ok := h.sess.RestoreQueueToInput()
	require.True(t, ok)
	assert.Equal(t, "two", q.Text)

	_, ok = h.sess.RestoreQueueToInput()
	assert.False(t, ok)
}

func TestOnSendCompactionDefersUserText(t *testing.T) {
	h := newHarness(t, nil)

	// First turn reports near-full context so the next send trips the
	// threshold.
	bigUsage := &proto.Usage{InputTokens: 190_000, OutputTokens: 100, ContextTokens: 190_000}
	h.fake.script = func(n int, req stream.Request) {
		switch n {
		case 0:
			h.fake.succeed(req, "ack", bigUsage)
		case 1: // compaction sub-turn
			h.fake.succeed(req, "summary of everything so far", &proto.Usage{ContextTokens: 500})
		default:
			h.fake.succeed(req, "ack", nil)
		}
	}

	require.NoError(t, h.sess.SendMessage(context.Background(), SendRequest{Text: "warmup"}))
	h.waitSettled(t, 1)

	require.NoError(t, h.sess.SendMessage(context.Background(), SendRequest{Text: "the real question"}))
	h.waitSettled(t, 3)

	msgs := h.messages(t)
	// warmup pair, compaction request + summary, then deferred user turn.
	require.GreaterOrEqual(t, len(msgs), 6)

	// The literal user text is not the first newly persisted message.
	assert.True(t, msgs[2].Meta.Synthetic)
	assert.NotEqual(t, "the real question", msgs[2].Text())

	summary := msgs[3]
	assert.Equal(t, proto.RoleAssistant, summary.Role)
	assert.NotEmpty(t, summary.Meta.CompactionID)
	require.NotNil(t, summary.Meta.PendingFollowUp)
	assert.Equal(t, "the real question", summary.Meta.PendingFollowUp.Text)

	followUp := msgs[4]
	assert.Equal(t, proto.RoleUser, followUp.Role)
	assert.Equal(t, "the real question", followUp.Text())
	assert.False(t, followUp.Meta.Synthetic)

	// Streaming after the boundary only sees the summary onward.
	window, err := h.store.ReadFromLatestBoundary("s1")
	require.NoError(t, err)
	assert.Equal(t, summary.ID, window[0].ID)
}

func TestEditMessageRoundTrip(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.sess.SendMessage(context.Background(), SendRequest{Text: "X"}))
	h.waitIdle(t)

	msgs := h.messages(t)
	require.Len(t, msgs, 2)

	res, err := h.sess.EditMessage(context.Background(), msgs[0].ID, SendRequest{Text: "Y"})
	require.NoError(t, err)
	assert.Nil(t, res.RestoredQueue)
	h.waitSettled(t, 2)

	msgs = h.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Y", msgs[0].Text())
	assert.Equal(t, proto.RoleAssistant, msgs[1].Role)
}

func TestEditUnknownTargetIsNoOpTruncation(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.sess.SendMessage(context.Background(), SendRequest{Text: "keep me"}))
	h.waitIdle(t)

	_, err := h.sess.EditMessage(context.Background(), "no-such-id", SendRequest{Text: "appended"})
	require.NoError(t, err)
	h.waitSettled(t, 2)

	msgs := h.messages(t)
	require.Len(t, msgs, 4)
	assert.Equal(t, "keep me", msgs[0].Text())
	assert.Equal(t, "appended", msgs[2].Text())
}

func TestHandoffDispatchesSyntheticTurn(t *testing.T) {
	h := newHarness(t, nil)

	directive, _ := json.Marshal(map[string]any{"agent": "coder", "ok": true})
	h.fake.script = func(n int, req stream.Request) {
		if n == 0 {
			h.fake.succeed(req, "switching now", nil, proto.Part{
				Type:       proto.PartToolResult,
				ToolName:   "switch_agent",
				ToolOutput: string(directive),
			})
			return
		}
		h.fake.succeed(req, "continuing as coder", nil)
	}

	require.NoError(t, h.sess.SendMessage(context.Background(), SendRequest{Text: "do a task"}))
	h.waitSettled(t, 2)

	assert.Equal(t, "coder", h.fake.call(1).Options.Agent)

	msgs := h.messages(t)
	require.Len(t, msgs, 4)
	assert.True(t, msgs[2].Meta.Synthetic)
	assert.Equal(t, proto.RoleUser, msgs[2].Role)
	assert.Equal(t, "continuing as coder", msgs[3].Text())
}

func TestHandoffChainGuard(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.MaxConsecutiveHandoffs = 2 })

	directive, _ := json.Marshal(map[string]any{"agent": "coder", "ok": true})
	h.fake.script = func(_ int, req stream.Request) {
		// Every turn asks to switch again: a ping-pong loop.
		h.fake.succeed(req, "switching", nil, proto.Part{
			Type:       proto.PartToolResult,
			ToolName:   "switch_agent",
			ToolOutput: string(directive),
		})
	}

	require.NoError(t, h.sess.SendMessage(context.Background(), SendRequest{Text: "go"}))
	h.waitSettled(t, 3) // initial turn + 2 allowed handoffs

	assert.Equal(t, 3, h.fake.callCount())

	msgs := h.messages(t)
	last := msgs[len(msgs)-1]
	assert.NotEmpty(t, last.Meta.Error)
}

func TestHandoffInvalidTargetFallsBack(t *testing.T) {
	h := newHarness(t, nil)

	directive, _ := json.Marshal(map[string]any{"agent": "hidden", "ok": true})
	h.fake.script = func(n int, req stream.Request) {
		if n == 0 {
			h.fake.succeed(req, "switching", nil, proto.Part{
				Type:       proto.PartToolResult,
				ToolName:   "switch_agent",
				ToolOutput: string(directive),
			})
			return
		}
		h.fake.succeed(req, "ok", nil)
	}

	require.NoError(t, h.sess.SendMessage(context.Background(), SendRequest{Text: "go"}))
	h.waitSettled(t, 2)

	// Hidden persona rejected; safety fallback takes over.
	assert.Equal(t, "assistant", h.fake.call(1).Options.Agent)
}

func TestRetryableFailureSchedulesAndRecovers(t *testing.T) {
	h := newHarness(t, nil)

	h.fake.script = func(n int, req stream.Request) {
		if n == 0 {
			h.fake.fail(req, streamerr.NewError(streamerr.ErrorTypeTransient, "connection reset"))
			return
		}
		h.fake.succeed(req, "recovered", nil)
	}

	require.NoError(t, h.sess.SendMessage(context.Background(), SendRequest{Text: "flaky"}))
	h.waitSettled(t, 2)

	msgs := h.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "recovered", msgs[1].Text())
	assert.Empty(t, msgs[1].Meta.Error)
}

func TestNonRetryableFailureIsTerminal(t *testing.T) {
	h := newHarness(t, nil)

	h.fake.script = func(_ int, req stream.Request) {
		h.fake.fail(req, streamerr.NewErrorWithStatus(streamerr.ErrorTypeAuth, 401, "bad api key"))
	}

	require.NoError(t, h.sess.SendMessage(context.Background(), SendRequest{Text: "doomed"}))
	h.waitIdle(t)

	// Give the (not expected) retry a moment to prove it never fires.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.fake.callCount())

	msgs := h.messages(t)
	require.Len(t, msgs, 2)
	assert.NotEmpty(t, msgs[1].Meta.Error)

	// The abandon record is persisted for startup recovery.
	data := readPrefs(t, h)
	require.NotNil(t, data.Abandon)
	assert.Equal(t, msgs[0].ID, data.Abandon.UserMessageID)
}

func readPrefs(t *testing.T, h *harness) prefsFile {
	t.Helper()
	var f prefsFile
	raw, err := os.ReadFile(filepath.Join(h.dir, "sessions", "s1", prefsFilename))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

func TestResumeStreamBusyReportsNotStarted(t *testing.T) {
	h := newHarness(t, nil)

	release := make(chan struct{})
	h.fake.script = func(n int, req stream.Request) {
		if n == 0 {
			<-release
		}
		h.fake.succeed(req, "ack", nil)
	}

	require.NoError(t, h.sess.SendMessage(context.Background(), SendRequest{Text: "busy"}))

	started, err := h.sess.ResumeStream(context.Background(), ResumeOptions{})
	require.NoError(t, err)
	assert.False(t, started)

	close(release)
	h.waitIdle(t)
}

func TestResumeInjectsContinueSentinel(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.sess.SendMessage(context.Background(), SendRequest{Text: "hi"}))
	h.waitIdle(t)

	started, err := h.sess.ResumeStream(context.Background(), ResumeOptions{})
	require.NoError(t, err)
	require.True(t, started)
	h.waitSettled(t, 2)

	msgs := h.messages(t)
	require.Len(t, msgs, 4)
	assert.Equal(t, continueSentinel, msgs[2].Text())
	assert.True(t, msgs[2].Meta.Synthetic)
}

func TestInterruptCommitsPartial(t *testing.T) {
	h := newHarness(t, nil)

	started := make(chan struct{})
	h.fake.script = func(_ int, req stream.Request) {
		msgID := proto.NewMessageID()
		h.bus.Publish(stream.Event{Type: stream.EventStreamStart, SessionID: req.SessionID, MessageID: msgID})
		h.bus.Publish(stream.Event{Type: stream.EventStreamDelta, SessionID: req.SessionID, MessageID: msgID, Delta: "partial thought"})
		close(started)
		// The abort event arrives via Stop.
	}

	require.NoError(t, h.sess.SendMessage(context.Background(), SendRequest{Text: "stop me"}))
	<-started

	// Let the delta reach the event loop before interrupting.
	require.Eventually(t, func() bool { return h.sess.Phase() == PhaseStreaming }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.sess.InterruptStream(context.Background(), InterruptOpts{}))
	h.waitIdle(t)

	msgs := h.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "partial thought", msgs[1].Text())
}

func TestEditWhileBusyRestoresQueuedMessage(t *testing.T) {
	h := newHarness(t, nil)

	started := make(chan struct{})
	h.fake.script = func(n int, req stream.Request) {
		if n == 0 {
			msgID := proto.NewMessageID()
			h.bus.Publish(stream.Event{Type: stream.EventStreamStart, SessionID: req.SessionID, MessageID: msgID})
			h.bus.Publish(stream.Event{Type: stream.EventStreamDelta, SessionID: req.SessionID, MessageID: msgID, Delta: "half"})
			close(started)
			// The edit's interrupt delivers the abort.
			return
		}
		h.fake.succeed(req, "ack", nil)
	}

	require.NoError(t, h.sess.SendMessage(context.Background(), SendRequest{Text: "original"}))
	<-started
	require.Eventually(t, func() bool { return h.sess.Phase() == PhaseStreaming }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.sess.SendMessage(context.Background(), SendRequest{Text: "queued while busy"}))

	target := h.messages(t)[0]
	res, err := h.sess.EditMessage(context.Background(), target.ID, SendRequest{Text: "edited"})
	require.NoError(t, err)

	// The queued message comes back to the caller; turn cleanup must not have
	// dispatched it while the edit was interrupting.
	require.NotNil(t, res.RestoredQueue)
	assert.Equal(t, "queued while busy", res.RestoredQueue.Text)
	h.waitSettled(t, 2)

	msgs := h.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "edited", msgs[0].Text())
	for _, msg := range msgs {
		assert.NotEqual(t, "queued while busy", msg.Text())
	}
	_, queued := h.sess.QueuedMessage()
	assert.False(t, queued)
}

func TestTerminalFailureFlushesQueue(t *testing.T) {
	h := newHarness(t, nil)

	release := make(chan struct{})
	h.fake.script = func(n int, req stream.Request) {
		if n == 0 {
			<-release
			h.fake.fail(req, streamerr.NewErrorWithStatus(streamerr.ErrorTypeAuth, 401, "bad api key"))
			return
		}
		h.fake.succeed(req, "ack", nil)
	}

	require.NoError(t, h.sess.SendMessage(context.Background(), SendRequest{Text: "doomed"}))
	require.NoError(t, h.sess.SendMessage(context.Background(), SendRequest{Text: "queued"}))
	close(release)
	h.waitSettled(t, 2)

	// The queued message flushes right behind the failed turn, not after some
	// later unrelated one.
	msgs := h.messages(t)
	require.Len(t, msgs, 4)
	assert.Equal(t, "doomed", msgs[0].Text())
	assert.NotEmpty(t, msgs[1].Meta.Error)
	assert.Equal(t, "queued", msgs[2].Text())
	assert.Equal(t, "ack", msgs[3].Text())
	_, queued := h.sess.QueuedMessage()
	assert.False(t, queued)
}

func TestMidStreamUsageCrossingCompacts(t *testing.T) {
	h := newHarness(t, nil)

	bigUsage := &proto.Usage{InputTokens: 190_000, ContextTokens: 190_000}
	h.fake.script = func(n int, req stream.Request) {
		switch n {
		case 0:
			msgID := proto.NewMessageID()
			h.bus.Publish(stream.Event{Type: stream.EventStreamStart, SessionID: req.SessionID, MessageID: msgID})
			h.bus.Publish(stream.Event{Type: stream.EventStreamDelta, SessionID: req.SessionID, MessageID: msgID, Delta: "half an answer"})
			h.bus.Publish(stream.Event{Type: stream.EventUsageDelta, SessionID: req.SessionID, Usage: bigUsage})
			// The session notices the crossing and stops the stream itself.
		case 1:
			h.fake.succeed(req, "summary of the long exchange", &proto.Usage{ContextTokens: 400})
		default:
			h.fake.succeed(req, "picking the task back up", nil)
		}
	}

	require.NoError(t, h.sess.SendMessage(context.Background(), SendRequest{Text: "long task"}))
	h.waitSettled(t, 3)

	msgs := h.messages(t)
	require.Len(t, msgs, 5)

	req := msgs[1]
	require.NotNil(t, req.Meta.Compaction)
	assert.Equal(t, proto.CompactMidStream, req.Meta.Compaction.Source)
	require.NotNil(t, req.Meta.PendingFollowUp)
	assert.Equal(t, "Continue", req.Meta.PendingFollowUp.Text)

	summary := msgs[2]
	assert.Equal(t, "summary of the long exchange", summary.Text())
	assert.NotEmpty(t, summary.Meta.CompactionID)

	assert.Equal(t, "Continue", msgs[3].Text())
	assert.Equal(t, "picking the task back up", msgs[4].Text())

	// The interrupted turn's half answer was abandoned, not committed.
	for _, msg := range msgs {
		assert.NotEqual(t, "half an answer", msg.Text())
	}
}

func TestCompactionWithoutSummaryKeepsFollowUpParked(t *testing.T) {
	h := newHarness(t, nil)

	bigUsage := &proto.Usage{InputTokens: 190_000, OutputTokens: 100, ContextTokens: 190_000}
	h.fake.script = func(n int, req stream.Request) {
		switch n {
		case 0:
			h.fake.succeed(req, "ack", bigUsage)
		default: // compaction sub-turn produces no summary text
			h.fake.succeed(req, "", nil)
		}
	}

	require.NoError(t, h.sess.SendMessage(context.Background(), SendRequest{Text: "warmup"}))
	h.waitSettled(t, 1)
	require.NoError(t, h.sess.SendMessage(context.Background(), SendRequest{Text: "the real question"}))
	h.waitSettled(t, 2)

	// Without a finalized summary there is no boundary, so the deferred user
	// text is not dispatched; it stays on the request message for recovery.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, h.fake.callCount())
	assert.Equal(t, PhaseIdle, h.sess.Phase())

	msgs := h.messages(t)
	for _, msg := range msgs {
		if msg.Role == proto.RoleUser {
			assert.NotEqual(t, "the real question", msg.Text())
		}
	}
	req := msgs[2]
	require.NotNil(t, req.Meta.Compaction)
	require.NotNil(t, req.Meta.PendingFollowUp)
	assert.Equal(t, "the real question", req.Meta.PendingFollowUp.Text)
}

func TestPhaseTransitionTable(t *testing.T) {
	cases := []struct {
		from, to Phase
		ok       bool
	}{
		{PhaseIdle, PhasePreparing, true},
		{PhaseIdle, PhaseStreaming, false},
		{PhasePreparing, PhaseStreaming, true},
		{PhasePreparing, PhaseIdle, true},
		{PhaseStreaming, PhaseCompleting, true},
		{PhaseStreaming, PhaseIdle, false},
		{PhaseCompleting, PhaseIdle, true},
		{PhaseCompleting, PhasePreparing, true},
		{PhaseCompleting, PhaseStreaming, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, isValidTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestWaitForIdleReleasesAllWaiters(t *testing.T) {
	h := newHarness(t, nil)

	release := make(chan struct{})
	h.fake.script = func(_ int, req stream.Request) {
		<-release
		h.fake.succeed(req, "ack", nil)
	}

	require.NoError(t, h.sess.SendMessage(context.Background(), SendRequest{Text: "hold"}))

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			errs[i] = h.sess.WaitForIdle(ctx)
		}(i)
	}

	close(release)
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
}
