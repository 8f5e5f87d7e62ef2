package compact

import (
	"strings"
	"testing"

	"conductor/pkg/proto"
	"conductor/pkg/stream"
)

func summaryEnd(compactionID, text string) *stream.EndPayload {
	return &stream.EndPayload{
		CompactionID: compactionID,
		Message:      proto.NewMessage(proto.RoleAssistant, proto.TextPart(text)),
	}
}

func TestHandleCompletionRequiresCompactionAndSummary(t *testing.T) {
	e := NewDefaultEngine()

	handled, err := e.HandleCompletion("s1", nil)
	if handled || err != nil {
		t.Errorf("nil payload: handled=%v err=%v", handled, err)
	}

	handled, err = e.HandleCompletion("s1", &stream.EndPayload{
		Message: proto.NewMessage(proto.RoleAssistant, proto.TextPart("ordinary reply")),
	})
	if handled || err != nil {
		t.Errorf("non-compaction payload: handled=%v err=%v", handled, err)
	}

	handled, err = e.HandleCompletion("s1", &stream.EndPayload{CompactionID: "c-1"})
	if handled || err == nil {
		t.Error("compaction without a summary should error")
	}

	handled, err = e.HandleCompletion("s1", summaryEnd("c-2", "   "))
	if handled || err == nil {
		t.Error("blank summary should error")
	}

	handled, err = e.HandleCompletion("s1", summaryEnd("c-3", "the summary"))
	if !handled || err != nil {
		t.Errorf("valid compaction: handled=%v err=%v", handled, err)
	}
	if got := e.CompactionCount("s1"); got != 1 {
		t.Errorf("compaction count = %d", got)
	}
}

func TestPendingDiffsLifecycle(t *testing.T) {
	e := NewDefaultEngine()

	if _, ok := e.PeekPendingDiffs("s1"); ok {
		t.Error("fresh engine should have no pending diffs")
	}

	e.SetPendingDiffs("s1", &PendingDiffs{
		FileDiffs: []string{"--- a/main.go\n+++ b/main.go"},
		Plan:      "finish the widget",
		Todos:     []string{"wire the handler"},
	})

	diffs, ok := e.PeekPendingDiffs("s1")
	if !ok || diffs.Empty() {
		t.Fatal("pending diffs not visible")
	}

	// Peek does not consume.
	if _, ok := e.PeekPendingDiffs("s1"); !ok {
		t.Error("peek consumed the diffs")
	}

	e.AcknowledgeDiffs("s1")
	if _, ok := e.PeekPendingDiffs("s1"); ok {
		t.Error("acknowledge should clear the diffs")
	}

	e.SetPendingDiffs("s1", &PendingDiffs{Plan: "p"})
	e.DiscardPendingDiffs("s1")
	if _, ok := e.PeekPendingDiffs("s1"); ok {
		t.Error("discard should clear the diffs")
	}
}

func TestPendingDiffsEmpty(t *testing.T) {
	var nilDiffs *PendingDiffs
	if !nilDiffs.Empty() {
		t.Error("nil diffs should be empty")
	}
	if !(&PendingDiffs{}).Empty() {
		t.Error("zero diffs should be empty")
	}
	if (&PendingDiffs{Todos: []string{"x"}}).Empty() {
		t.Error("diffs with todos should not be empty")
	}
}

func TestFormatDiffsRendersSections(t *testing.T) {
	out := FormatDiffs(&PendingDiffs{
		FileDiffs: []string{"diff body"},
		Plan:      "the plan",
		Todos:     []string{"first", "second"},
	})
	for _, want := range []string{"## Plan", "the plan", "## Todos", "- first", "- second", "## Diff", "diff body"} {
		if !strings.Contains(out, want) {
			t.Errorf("formatted diffs missing %q", want)
		}
	}
}

func TestBuildRequestMentionsSummary(t *testing.T) {
	req := NewDefaultEngine().BuildRequest()
	if !strings.Contains(strings.ToLower(req), "summar") {
		t.Errorf("request prompt looks wrong: %q", req)
	}
}

func TestEstimatorCountsRealTokens(t *testing.T) {
	e, err := NewEstimator()
	if err != nil {
		t.Fatal(err)
	}

	if got := e.CountTokens(""); got != 0 {
		t.Errorf("empty text = %d tokens", got)
	}
	short := e.CountTokens("hello world")
	long := e.CountTokens(strings.Repeat("hello world ", 50))
	if short <= 0 || long <= short {
		t.Errorf("token counts not increasing: short=%d long=%d", short, long)
	}
}

func TestEstimatorNilSafeFallback(t *testing.T) {
	var e *Estimator
	if got := e.CountTokens("12345678"); got != 2 {
		t.Errorf("fallback estimate = %d, want 2", got)
	}
}

func TestEstimateMessagesIncludesAllParts(t *testing.T) {
	e, err := NewEstimator()
	if err != nil {
		t.Fatal(err)
	}

	textOnly := []*proto.Message{
		proto.NewMessage(proto.RoleUser, proto.TextPart("hello")),
	}
	withTool := []*proto.Message{
		proto.NewMessage(proto.RoleUser, proto.TextPart("hello"),
			proto.Part{Type: proto.PartToolResult, ToolName: "run", ToolOutput: strings.Repeat("output ", 30)}),
	}
	if e.EstimateMessages(withTool) <= e.EstimateMessages(textOnly) {
		t.Error("tool output should add to the estimate")
	}
}
