// Package agent implements the multi-turn tool-calling orchestrator:
// it streams model turns, routes requested tool calls to their MCP
// servers, feeds results back into the conversation, and emits the
// whole exchange as one flat text stream with embedded tool-call
// markers.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/voslund/tether/internal/config"
	"github.com/voslund/tether/internal/events"
	"github.com/voslund/tether/internal/llm"
	"github.com/voslund/tether/internal/mcp"
)

// finishToolCalls is the finish reason signalling the model stopped to
// await tool results.
const finishToolCalls = "tool_calls"

// ErrDeclined means the loop will not handle this request — tooling is
// disabled or no connected server publishes tools. Callers fall back to
// a plain single-turn completion.
var ErrDeclined = errors.New("agentic loop declined")

// Streamer is the completion surface the loop consumes.
type Streamer interface {
	StreamChat(ctx context.Context, messages []llm.ChatMessage, tools []llm.ToolDecl, cb llm.StreamCallbacks) (*llm.TurnResult, error)
}

// Recorder persists tool-call executions. Optional.
type Recorder interface {
	RecordToolCall(ctx context.Context, rec ToolCallRecord) error
}

// ToolCallRecord is one executed tool call for the audit trail.
type ToolCallRecord struct {
	Conversation string
	Tool         string
	Server       string
	DurationMS   int64
	OK           bool
	Error        string
	At           time.Time
}

// Request is one agentic run over a conversation.
type Request struct {
	// ConversationID keys the session; required.
	ConversationID string
	// Messages is the conversation history, ending with the user turn.
	Messages []llm.ChatMessage
	// MaxTurns overrides the configured turn budget when > 0.
	MaxTurns int
	// MaxPreviewLines overrides the result-body line budget when > 0.
	MaxPreviewLines int
	// FilterReasoning suppresses reasoning output after the first turn.
	// Zero value defers to config.
	FilterReasoning *bool
}

// Result summarizes a completed (or cancelled) run.
type Result struct {
	Content   string
	Turns     int
	ToolCalls int
	Model     string
	Timings   *llm.Timings
	// TurnLimit is set when the budget ran out while the model still
	// wanted tools.
	TurnLimit bool
}

// Loop is the agentic orchestrator. One Loop serves many conversations;
// per-conversation state lives in Sessions.
type Loop struct {
	cfg      config.AgentConfig
	streamer Streamer
	source   ToolSource
	exec     *Executor
	sessions *Sessions
	recorder Recorder
	bus      *events.Bus
	logger   *slog.Logger
}

// NewLoop builds the orchestrator. recorder and bus may be nil.
func NewLoop(cfg config.AgentConfig, streamer Streamer, source ToolSource, sessions *Sessions, recorder Recorder, bus *events.Bus, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if sessions == nil {
		sessions = NewSessions()
	}
	return &Loop{
		cfg:      cfg,
		streamer: streamer,
		source:   source,
		exec:     NewExecutor(source, logger),
		sessions: sessions,
		recorder: recorder,
		bus:      bus,
		logger:   logger,
	}
}

// Sessions exposes the session table for the API layer.
func (l *Loop) Sessions() *Sessions { return l.sessions }

// Run executes the agentic loop for one request, writing the flat
// output stream through emit. It returns ErrDeclined when the request
// should fall back to a plain completion.
//
// Cancellation is honored at the top of every turn and before every
// tool execution; the partial Result accumulated so far is returned
// alongside ctx.Err().
func (l *Loop) Run(ctx context.Context, req Request, emit func(string)) (*Result, error) {
	if !l.cfg.Enabled {
		return nil, ErrDeclined
	}
	if !l.source.HasToolConnections() {
		return nil, ErrDeclined
	}
	if emit == nil {
		emit = func(string) {}
	}

	maxTurns := l.cfg.MaxTurnsOrDefault()
	if req.MaxTurns > 0 {
		maxTurns = req.MaxTurns
	}
	previewLines := l.cfg.MaxPreviewLinesOrDefault()
	if req.MaxPreviewLines > 0 {
		previewLines = req.MaxPreviewLines
	}
	filterReasoning := l.cfg.FilterReasoning
	if req.FilterReasoning != nil {
		filterReasoning = *req.FilterReasoning
	}

	decls := toolDecls(l.source.ToolDefinitions())
	history := append([]llm.ChatMessage(nil), req.Messages...)

	result := &Result{}
	l.sessions.Update(req.ConversationID, func(s *Session) {
		s.Running = true
		s.Turn = 0
		s.ToolCalls = 0
		s.LastError = ""
		s.TurnLimit = false
		s.Cancelled = false
		s.StartedAt = time.Now()
	})
	defer l.finish(req.ConversationID, result)

	for turn := 1; turn <= maxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			l.markCancelled(req.ConversationID)
			return result, err
		}

		result.Turns = turn
		l.sessions.Update(req.ConversationID, func(s *Session) { s.Turn = turn })
		l.bus.Publish(events.Event{
			Source: events.SourceAgent,
			Kind:   events.KindTurnStart,
			Data:   map[string]any{"conversation": req.ConversationID, "turn": turn},
		})

		suppressReasoning := filterReasoning && turn > 1
		turnResult, err := l.streamer.StreamChat(ctx, history, decls, llm.StreamCallbacks{
			OnContent: emit,
			OnReasoning: func(d string) {
				if !suppressReasoning {
					emit(d)
				}
			},
			OnToolCallFragment: func(tc llm.ToolCall) {
				l.sessions.Update(req.ConversationID, func(s *Session) {
					s.Streaming = &StreamingToolCall{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					}
				})
			},
		})
		l.sessions.Update(req.ConversationID, func(s *Session) { s.Streaming = nil })
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				l.markCancelled(req.ConversationID)
				return result, err
			}
			l.sessions.Update(req.ConversationID, func(s *Session) { s.LastError = err.Error() })
			return result, fmt.Errorf("turn %d: %w", turn, err)
		}

		result.Content += turnResult.Content
		if turnResult.Model != "" {
			result.Model = turnResult.Model
			l.sessions.Update(req.ConversationID, func(s *Session) { s.LastModel = turnResult.Model })
		}
		if turnResult.Timings != nil {
			result.Timings = turnResult.Timings
		}

		// Terminal turn: the model produced an answer instead of
		// requesting tools.
		if !turnResult.HasToolCalls() || (turnResult.FinishReason != "" && turnResult.FinishReason != finishToolCalls) {
			return result, nil
		}

		calls := normalizeCalls(turnResult.ToolCalls)
		history = append(history, llm.ChatMessage{
			Role:      llm.RoleAssistant,
			Content:   turnResult.Content,
			ToolCalls: calls,
		})

		for _, call := range calls {
			if err := ctx.Err(); err != nil {
				l.markCancelled(req.ConversationID)
				return result, err
			}
			// The marker block opens before execution so observers see
			// the call while it runs; the body and closing tag follow.
			emit(EncodeCallHeader(call.Function.Name, call.Function.Arguments))
			historyText, body, callErr := l.runCall(ctx, req.ConversationID, call, previewLines)
			if callErr != nil {
				emit(EncodeCallEnd())
				l.markCancelled(req.ConversationID)
				return result, callErr
			}
			emit(body + EncodeCallEnd())
			history = append(history, llm.ChatMessage{
				Role:       llm.RoleTool,
				Content:    historyText,
				ToolCallID: call.ID,
			})
			result.ToolCalls++
		}
	}

	notice := fmt.Sprintf("\n[Turn limit reached after %d turns]\n", maxTurns)
	emit(notice)
	result.Content += notice
	result.TurnLimit = true
	l.sessions.Update(req.ConversationID, func(s *Session) { s.TurnLimit = true })
	l.logger.Warn("agentic turn limit reached",
		"conversation", req.ConversationID,
		"turns", maxTurns,
		"tool_calls", result.ToolCalls,
	)
	return result, nil
}

// runCall executes one tool call and renders both representations of
// its result: the text that goes into the conversation history and the
// result body for the marker block already open on the output stream.
// Cancellation during execution is returned as-is with nothing rendered,
// counted, or recorded; it is a distinguished condition, not a tool
// failure.
func (l *Loop) runCall(ctx context.Context, conversation string, call llm.ToolCall, previewLines int) (historyText, body string, err error) {
	l.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindToolCallStart,
		Data:   map[string]any{"conversation": conversation, "tool": call.Function.Name},
	})

	l.sessions.Update(conversation, func(s *Session) { s.ActiveTool = call.Function.Name })

	start := time.Now()
	exec, execErr := l.exec.Execute(ctx, call)
	if execErr != nil && (errors.Is(execErr, context.Canceled) || errors.Is(execErr, context.DeadlineExceeded)) {
		l.sessions.Update(conversation, func(s *Session) { s.ActiveTool = "" })
		return "", "", execErr
	}

	rec := ToolCallRecord{
		Conversation: conversation,
		Tool:         call.Function.Name,
		At:           start,
		DurationMS:   time.Since(start).Milliseconds(),
	}

	switch {
	case execErr != nil:
		// Terminal for this call only. The model sees the error text
		// and can react; the loop keeps going.
		historyText = "Error: " + execErr.Error()
		body = historyText
		rec.Error = execErr.Error()
	case exec.Image != nil:
		// The image payload goes to the renderer; the history gets an
		// opaque placeholder so the model never chews on base64.
		historyText = "[image result]"
		body = imageMarkdown(exec.Image.MimeType, exec.Image.Data)
		rec.Server = exec.Server
		rec.OK = true
		rec.DurationMS = exec.Duration.Milliseconds()
	default:
		historyText = exec.Text
		body = truncateTail(exec.Text, previewLines)
		rec.Server = exec.Server
		rec.OK = !exec.IsError
		rec.DurationMS = exec.Duration.Milliseconds()
		if exec.IsError {
			rec.Error = exec.Text
		}
	}

	l.sessions.Update(conversation, func(s *Session) {
		s.ToolCalls++
		s.ActiveTool = ""
		if rec.Error != "" {
			s.LastError = rec.Error
		}
	})
	if l.recorder != nil {
		if recErr := l.recorder.RecordToolCall(ctx, rec); recErr != nil {
			l.logger.Warn("audit record failed", "tool", rec.Tool, "error", recErr)
		}
	}
	l.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindToolCallDone,
		Data: map[string]any{
			"conversation": conversation,
			"tool":         rec.Tool,
			"server":       rec.Server,
			"ok":           rec.OK && rec.Error == "",
			"duration_ms":  rec.DurationMS,
		},
	})

	return historyText, body, nil
}

func (l *Loop) finish(conversation string, result *Result) {
	l.sessions.Update(conversation, func(s *Session) {
		s.Running = false
		s.FinishedAt = time.Now()
	})
	l.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindLoopDone,
		Data: map[string]any{
			"conversation": conversation,
			"turns":        result.Turns,
			"tool_calls":   result.ToolCalls,
			"turn_limit":   result.TurnLimit,
		},
	})
}

func (l *Loop) markCancelled(conversation string) {
	// Cancellation is a distinguished condition, not an error.
	l.sessions.Update(conversation, func(s *Session) { s.Cancelled = true })
	l.logger.Debug("agentic run cancelled", "conversation", conversation)
}

// normalizeCalls fills in what streamed fragments may omit: a missing
// call ID is synthesized, a missing type defaults to "function".
func normalizeCalls(calls []llm.ToolCall) []llm.ToolCall {
	out := make([]llm.ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" {
			c.ID = "call_" + uuid.NewString()
		}
		if c.Type == "" {
			c.Type = "function"
		}
		out[i] = c
	}
	return out
}

// toolDecls converts MCP tool definitions into chat-completion tool
// declarations.
func toolDecls(defs []mcp.ToolDefinition) []llm.ToolDecl {
	out := make([]llm.ToolDecl, 0, len(defs))
	for _, d := range defs {
		params := d.InputSchema
		if params == nil {
			params = map[string]any{"type": "object"}
		}
		out = append(out, llm.ToolDecl{
			Type: "function",
			Function: llm.FunctionDecl{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
