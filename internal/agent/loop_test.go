package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/voslund/tether/internal/config"
	"github.com/voslund/tether/internal/llm"
	"github.com/voslund/tether/internal/mcp"
)

// scriptedTurn is one canned StreamChat outcome.
type scriptedTurn struct {
	result *llm.TurnResult
	err    error
	// fragments are delivered through OnToolCallFragment, mimicking the
	// accumulated snapshots the real consumer emits.
	fragments []llm.ToolCall
	// hook runs mid-stream, after all deltas are delivered.
	hook func()
}

// fakeStreamer replays scripted turns and records the message history
// it was given for each one.
type fakeStreamer struct {
	mu       sync.Mutex
	turns    []scriptedTurn
	next     int
	received [][]llm.ChatMessage
}

func (f *fakeStreamer) StreamChat(_ context.Context, messages []llm.ChatMessage, _ []llm.ToolDecl, cb llm.StreamCallbacks) (*llm.TurnResult, error) {
	f.mu.Lock()
	if f.next >= len(f.turns) {
		f.mu.Unlock()
		return nil, errors.New("fakeStreamer: no more scripted turns")
	}
	turn := f.turns[f.next]
	f.next++
	f.received = append(f.received, append([]llm.ChatMessage(nil), messages...))
	f.mu.Unlock()

	if turn.result != nil {
		if turn.result.Content != "" && cb.OnContent != nil {
			cb.OnContent(turn.result.Content)
		}
		if turn.result.Reasoning != "" && cb.OnReasoning != nil {
			cb.OnReasoning(turn.result.Reasoning)
		}
	}
	for _, frag := range turn.fragments {
		if cb.OnToolCallFragment != nil {
			cb.OnToolCallFragment(frag)
		}
	}
	if turn.hook != nil {
		turn.hook()
	}
	return turn.result, turn.err
}

func (f *fakeStreamer) turnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}

func finalTurn(content string) scriptedTurn {
	return scriptedTurn{result: &llm.TurnResult{Content: content, FinishReason: "stop"}}
}

func toolTurn(content string, calls ...llm.ToolCall) scriptedTurn {
	return scriptedTurn{result: &llm.TurnResult{
		Content:      content,
		ToolCalls:    calls,
		FinishReason: "tool_calls",
	}}
}

func enabledCfg() config.AgentConfig {
	return config.AgentConfig{Enabled: true}
}

func newTestLoop(cfg config.AgentConfig, streamer Streamer, src ToolSource) *Loop {
	return NewLoop(cfg, streamer, src, NewSessions(), nil, nil, nil)
}

func runLoop(t *testing.T, l *Loop, req Request) (*Result, string, error) {
	t.Helper()
	var out strings.Builder
	result, err := l.Run(context.Background(), req, func(s string) { out.WriteString(s) })
	return result, out.String(), err
}

func TestLoop_DeclinesWhenDisabled(t *testing.T) {
	l := newTestLoop(config.AgentConfig{Enabled: false}, &fakeStreamer{}, newFakeSource("t"))
	if _, err := l.Run(context.Background(), Request{ConversationID: "c"}, nil); !errors.Is(err, ErrDeclined) {
		t.Errorf("err = %v, want ErrDeclined", err)
	}
}

func TestLoop_DeclinesWithoutToolConnections(t *testing.T) {
	l := newTestLoop(enabledCfg(), &fakeStreamer{}, newFakeSource())
	if _, err := l.Run(context.Background(), Request{ConversationID: "c"}, nil); !errors.Is(err, ErrDeclined) {
		t.Errorf("err = %v, want ErrDeclined", err)
	}
}

func TestLoop_PlainAnswerTerminates(t *testing.T) {
	src := newFakeSource("lookup")
	streamer := &fakeStreamer{turns: []scriptedTurn{finalTurn("just an answer")}}
	l := newTestLoop(enabledCfg(), streamer, src)

	result, out, err := runLoop(t, l, Request{ConversationID: "c", Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: "q"}}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Content != "just an answer" || out != "just an answer" {
		t.Errorf("content = %q, stream = %q", result.Content, out)
	}
	if result.Turns != 1 || result.ToolCalls != 0 {
		t.Errorf("turns = %d, tool calls = %d", result.Turns, result.ToolCalls)
	}
	if src.callCount() != 0 {
		t.Error("a tool was invoked for a plain answer")
	}
}

func TestLoop_ExecutesToolThenContinues(t *testing.T) {
	src := newFakeSource("lookup")
	streamer := &fakeStreamer{turns: []scriptedTurn{
		toolTurn("checking... ", llm.ToolCall{
			ID:       "call_1",
			Type:     "function",
			Function: llm.FunctionCall{Name: "lookup", Arguments: `{"q":"x"}`},
		}),
		finalTurn("the answer is 42"),
	}}
	l := newTestLoop(enabledCfg(), streamer, src)

	result, out, err := runLoop(t, l, Request{ConversationID: "c", Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: "q"}}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Turns != 2 || result.ToolCalls != 1 {
		t.Errorf("turns = %d, tool calls = %d", result.Turns, result.ToolCalls)
	}

	// The stream interleaves content with a parseable marker block.
	calls := ParseToolCalls(out)
	if len(calls) != 1 {
		t.Fatalf("stream contains %d marker blocks, want 1:\n%s", len(calls), out)
	}
	if calls[0].Name != "lookup" || calls[0].Arguments != `{"q":"x"}` {
		t.Errorf("parsed call = %+v", calls[0])
	}
	if calls[0].Result != "result of lookup" {
		t.Errorf("parsed result = %q", calls[0].Result)
	}
	if !strings.Contains(out, "the answer is 42") {
		t.Errorf("final content missing from stream: %q", out)
	}

	// The second turn saw the assistant tool-call message and the tool
	// result, in that order.
	second := streamer.received[1]
	n := len(second)
	if n < 3 {
		t.Fatalf("second turn got %d messages", n)
	}
	assistant, tool := second[n-2], second[n-1]
	if assistant.Role != llm.RoleAssistant || len(assistant.ToolCalls) != 1 {
		t.Errorf("assistant message = %+v", assistant)
	}
	if tool.Role != llm.RoleTool || tool.Content != "result of lookup" || tool.ToolCallID != "call_1" {
		t.Errorf("tool message = %+v", tool)
	}
}

func TestLoop_CancelBeforeToolExecution(t *testing.T) {
	src := newFakeSource("lookup")
	ctx, cancel := context.WithCancel(context.Background())

	streamer := &fakeStreamer{turns: []scriptedTurn{
		{
			result: &llm.TurnResult{
				Content:      "partial thought",
				ToolCalls:    []llm.ToolCall{{ID: "call_1", Function: llm.FunctionCall{Name: "lookup", Arguments: "{}"}}},
				FinishReason: "tool_calls",
			},
			hook: cancel, // cancelled after the stream, before any tool runs
		},
	}}
	l := newTestLoop(enabledCfg(), streamer, src)

	var out strings.Builder
	result, err := l.Run(ctx, Request{ConversationID: "c"}, func(s string) { out.WriteString(s) })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if src.callCount() != 0 {
		t.Error("a tool was invoked after cancellation")
	}
	if result.ToolCalls != 0 {
		t.Errorf("result.ToolCalls = %d, want 0", result.ToolCalls)
	}
	if result.Content != "partial thought" {
		t.Errorf("partial content lost: %q", result.Content)
	}

	sess, _ := l.Sessions().Snapshot("c")
	if !sess.Cancelled || sess.Running {
		t.Errorf("session = %+v", sess)
	}
}

// cancelOnCall cancels the run context the moment a tool call starts,
// simulating a client that goes away mid-execution.
type cancelOnCall struct {
	*fakeSource
	cancel context.CancelFunc
}

func (c *cancelOnCall) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.ToolResult, string, error) {
	c.cancel()
	return c.fakeSource.CallTool(ctx, name, args)
}

func TestLoop_CancelDuringToolExecution(t *testing.T) {
	inner := newFakeSource("slow")
	inner.block = make(chan struct{}) // CallTool waits on ctx
	ctx, cancel := context.WithCancel(context.Background())
	src := &cancelOnCall{fakeSource: inner, cancel: cancel}

	streamer := &fakeStreamer{turns: []scriptedTurn{
		toolTurn("working ", llm.ToolCall{ID: "call_1", Function: llm.FunctionCall{Name: "slow", Arguments: "{}"}}),
	}}
	l := newTestLoop(enabledCfg(), streamer, src)

	var out strings.Builder
	result, err := l.Run(ctx, Request{ConversationID: "c"}, func(s string) { out.WriteString(s) })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	// The interrupted call must not surface anywhere as a tool failure.
	if strings.Contains(out.String(), "context canceled") {
		t.Errorf("cancellation leaked into the stream: %q", out.String())
	}
	if result.ToolCalls != 0 {
		t.Errorf("result.ToolCalls = %d, want 0", result.ToolCalls)
	}

	sess, _ := l.Sessions().Snapshot("c")
	if !sess.Cancelled {
		t.Error("session not marked cancelled")
	}
	if sess.LastError != "" {
		t.Errorf("LastError = %q, want empty", sess.LastError)
	}
	if sess.ToolCalls != 0 {
		t.Errorf("session tool calls = %d, want 0", sess.ToolCalls)
	}
}

func TestLoop_TracksStreamingToolCall(t *testing.T) {
	src := newFakeSource("lookup")
	var l *Loop
	var mid Session
	streamer := &fakeStreamer{turns: []scriptedTurn{
		{
			result: &llm.TurnResult{
				ToolCalls:    []llm.ToolCall{{ID: "call_1", Function: llm.FunctionCall{Name: "lookup", Arguments: `{"q":"x"}`}}},
				FinishReason: "tool_calls",
			},
			fragments: []llm.ToolCall{
				{Function: llm.FunctionCall{Name: "lookup", Arguments: `{"q":`}},
				{Function: llm.FunctionCall{Name: "lookup", Arguments: `{"q":"x"}`}},
			},
			// Snapshot while the stream is still open: the partial call
			// must be visible to observers mid-turn.
			hook: func() { mid, _ = l.Sessions().Snapshot("c") },
		},
		finalTurn("done"),
	}}
	l = newTestLoop(enabledCfg(), streamer, src)

	if _, _, err := runLoop(t, l, Request{ConversationID: "c"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if mid.Streaming == nil {
		t.Fatal("streaming tool call not mirrored during the turn")
	}
	if mid.Streaming.Name != "lookup" || mid.Streaming.Arguments != `{"q":"x"}` {
		t.Errorf("streaming = %+v", mid.Streaming)
	}

	sess, _ := l.Sessions().Snapshot("c")
	if sess.Streaming != nil {
		t.Error("streaming state not cleared after the turn")
	}
}

func TestLoop_ToolErrorBecomesToolMessage(t *testing.T) {
	// The model asks for a tool that cannot be resolved. The loop must
	// append an "Error: ..." tool message and keep going.
	src := newFakeSource("real_tool")
	streamer := &fakeStreamer{turns: []scriptedTurn{
		toolTurn("", llm.ToolCall{ID: "call_1", Function: llm.FunctionCall{Name: "missing_tool", Arguments: "{}"}}),
		finalTurn("recovered"),
	}}
	l := newTestLoop(enabledCfg(), streamer, src)

	result, out, err := runLoop(t, l, Request{ConversationID: "c"})
	if err != nil {
		t.Fatalf("Run: %v (tool failure must not abort the loop)", err)
	}
	if result.Turns != 2 {
		t.Errorf("turns = %d, want 2", result.Turns)
	}

	second := streamer.received[1]
	toolMsg := second[len(second)-1]
	if toolMsg.Role != llm.RoleTool || !strings.HasPrefix(toolMsg.Content, "Error: ") {
		t.Errorf("tool message = %+v, want Error-prefixed content", toolMsg)
	}
	if !strings.Contains(out, "Error: ") {
		t.Error("error not visible in the output stream")
	}
}

func TestLoop_TurnLimit(t *testing.T) {
	src := newFakeSource("busy")
	tc := llm.ToolCall{Function: llm.FunctionCall{Name: "busy", Arguments: "{}"}}
	streamer := &fakeStreamer{turns: []scriptedTurn{
		toolTurn("", tc), toolTurn("", tc), toolTurn("", tc),
		toolTurn("", tc), // must never be reached
	}}

	cfg := enabledCfg()
	l := newTestLoop(cfg, streamer, src)

	result, out, err := runLoop(t, l, Request{ConversationID: "c", MaxTurns: 3})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.TurnLimit {
		t.Error("TurnLimit not set")
	}
	if streamer.turnCount() != 3 {
		t.Errorf("streamed %d turns, want 3", streamer.turnCount())
	}
	if !strings.Contains(out, "[Turn limit reached after 3 turns]") {
		t.Errorf("turn-limit notice missing from stream: %q", out)
	}
	if src.callCount() != 3 {
		t.Errorf("tool calls = %d, want 3", src.callCount())
	}
}

func TestLoop_NormalizesToolCalls(t *testing.T) {
	src := newFakeSource("lookup")
	streamer := &fakeStreamer{turns: []scriptedTurn{
		// No ID, no type — both must be synthesized.
		toolTurn("", llm.ToolCall{Function: llm.FunctionCall{Name: "lookup", Arguments: "{}"}}),
		finalTurn("done"),
	}}
	l := newTestLoop(enabledCfg(), streamer, src)

	if _, _, err := runLoop(t, l, Request{ConversationID: "c"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	second := streamer.received[1]
	var assistant, tool llm.ChatMessage
	for _, msg := range second {
		switch msg.Role {
		case llm.RoleAssistant:
			assistant = msg
		case llm.RoleTool:
			tool = msg
		}
	}
	if len(assistant.ToolCalls) != 1 {
		t.Fatalf("assistant message = %+v", assistant)
	}
	nc := assistant.ToolCalls[0]
	if !strings.HasPrefix(nc.ID, "call_") || nc.ID == "call_" {
		t.Errorf("synthesized ID = %q", nc.ID)
	}
	if nc.Type != "function" {
		t.Errorf("Type = %q, want function", nc.Type)
	}
	if tool.ToolCallID != nc.ID {
		t.Errorf("tool message ID %q does not match call ID %q", tool.ToolCallID, nc.ID)
	}
}

func TestLoop_FiltersReasoningAfterFirstTurn(t *testing.T) {
	src := newFakeSource("lookup")
	tc := llm.ToolCall{Function: llm.FunctionCall{Name: "lookup", Arguments: "{}"}}
	streamer := &fakeStreamer{turns: []scriptedTurn{
		{result: &llm.TurnResult{Reasoning: "FIRST_REASONING", ToolCalls: []llm.ToolCall{tc}, FinishReason: "tool_calls"}},
		{result: &llm.TurnResult{Reasoning: "SECOND_REASONING", Content: "done", FinishReason: "stop"}},
	}}

	cfg := enabledCfg()
	cfg.FilterReasoning = true
	l := newTestLoop(cfg, streamer, src)

	_, out, err := runLoop(t, l, Request{ConversationID: "c"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out, "FIRST_REASONING") {
		t.Error("first-turn reasoning was filtered")
	}
	if strings.Contains(out, "SECOND_REASONING") {
		t.Error("later-turn reasoning leaked into the stream")
	}
}

func TestLoop_ImageResultPlaceholderInHistory(t *testing.T) {
	src := newFakeSource("screenshot")
	src.results["screenshot"] = &mcp.ToolResult{
		Content: []mcp.ContentBlock{{Type: "image", Data: "aW1nYnl0ZXM=", MimeType: "image/png"}},
	}
	streamer := &fakeStreamer{turns: []scriptedTurn{
		toolTurn("", llm.ToolCall{ID: "call_1", Function: llm.FunctionCall{Name: "screenshot", Arguments: "{}"}}),
		finalTurn("described"),
	}}
	l := newTestLoop(enabledCfg(), streamer, src)

	_, out, err := runLoop(t, l, Request{ConversationID: "c"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// History carries an opaque placeholder, the stream the real image.
	second := streamer.received[1]
	tool := second[len(second)-1]
	if tool.Content != "[image result]" {
		t.Errorf("history content = %q", tool.Content)
	}
	if !strings.Contains(out, "data:image/png;base64,aW1nYnl0ZXM=") {
		t.Errorf("image payload missing from stream: %q", out)
	}
}

func TestLoop_TruncatesLongResults(t *testing.T) {
	src := newFakeSource("listing")
	longOut := strings.Repeat("line\n", 200) + "final line"
	src.results["listing"] = &mcp.ToolResult{
		Content: []mcp.ContentBlock{{Type: "text", Text: longOut}},
	}
	streamer := &fakeStreamer{turns: []scriptedTurn{
		toolTurn("", llm.ToolCall{ID: "call_1", Function: llm.FunctionCall{Name: "listing", Arguments: "{}"}}),
		finalTurn("done"),
	}}
	l := newTestLoop(enabledCfg(), streamer, src)

	_, out, err := runLoop(t, l, Request{ConversationID: "c", MaxPreviewLines: 5})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	calls := ParseToolCalls(out)
	if len(calls) != 1 {
		t.Fatalf("marker blocks = %d", len(calls))
	}
	if !strings.Contains(calls[0].Result, "lines omitted") {
		t.Error("stream result was not truncated")
	}
	if !strings.HasSuffix(calls[0].Result, "final line") {
		t.Error("truncation dropped the tail")
	}

	// History keeps the full result for the model.
	second := streamer.received[1]
	tool := second[len(second)-1]
	if tool.Content != longOut {
		t.Error("history result was truncated; the model should see everything")
	}
}

func TestLoop_SessionLifecycle(t *testing.T) {
	src := newFakeSource("lookup")
	streamer := &fakeStreamer{turns: []scriptedTurn{
		toolTurn("", llm.ToolCall{ID: "c1", Function: llm.FunctionCall{Name: "lookup", Arguments: "{}"}}),
		finalTurn("done"),
	}}
	l := newTestLoop(enabledCfg(), streamer, src)

	if _, _, err := runLoop(t, l, Request{ConversationID: "conv-9"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sess, ok := l.Sessions().Snapshot("conv-9")
	if !ok {
		t.Fatal("session missing")
	}
	if sess.Running {
		t.Error("session still marked running")
	}
	if sess.Turn != 2 || sess.ToolCalls != 1 {
		t.Errorf("session = %+v", sess)
	}

	l.Sessions().Clear("conv-9")
	if _, ok := l.Sessions().Snapshot("conv-9"); ok {
		t.Error("Clear did not remove the session")
	}
	if l.Sessions().Count() != 0 {
		t.Errorf("count = %d", l.Sessions().Count())
	}
}
