package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/voslund/tether/internal/llm"
	"github.com/voslund/tether/internal/mcp"
)

// ToolSource is the registry surface the executor and loop need:
// membership, declarations, and routed invocation.
type ToolSource interface {
	HasToolConnections() bool
	ToolDefinitions() []mcp.ToolDefinition
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.ToolResult, string, error)
}

// ExecutionResult is the outcome of one tool invocation.
type ExecutionResult struct {
	// Text is the result rendered for the conversation history.
	Text string
	// Image is set when the tool returned a base64 image block.
	Image *mcp.ContentBlock
	// IsError marks a tool-reported failure (the call itself worked).
	IsError bool
	// Server is the connection that served the call.
	Server string
	// Duration is wall time for the invocation.
	Duration time.Duration
}

// Executor resolves and invokes tool calls against a ToolSource.
type Executor struct {
	source ToolSource
	logger *slog.Logger
}

// NewExecutor builds a tool executor.
func NewExecutor(source ToolSource, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{source: source, logger: logger}
}

// Execute runs one tool call. Resolution and argument errors are
// terminal for this call and returned as errors; the loop turns them
// into "Error: ..." tool messages rather than aborting. The caller's
// context is passed to the transport so cancellation interrupts an
// in-flight call.
func (e *Executor) Execute(ctx context.Context, call llm.ToolCall) (*ExecutionResult, error) {
	args, err := normalizeArgs(call.Function.Arguments)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", call.Function.Name, err)
	}

	start := time.Now()
	result, server, err := e.source.CallTool(ctx, call.Function.Name, args)
	duration := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	e.logger.Debug("tool call executed",
		"tool", call.Function.Name,
		"server", server,
		"is_error", result.IsError,
		"duration_ms", duration.Milliseconds(),
	)

	return &ExecutionResult{
		Text:     result.Text(),
		Image:    result.FirstImage(),
		IsError:  result.IsError,
		Server:   server,
		Duration: duration,
	}, nil
}

// normalizeArgs turns the model's argument string into the object the
// protocol wants. Whitespace-only arguments mean "no arguments"; JSON
// that parses to anything but an object is rejected.
func normalizeArgs(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}, nil
	}

	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	obj, ok := parsed.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tool arguments must be a JSON object, got %T", parsed)
	}
	return obj, nil
}
