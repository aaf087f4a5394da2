// Package llm talks to an OpenAI-compatible chat completion endpoint
// in streaming mode and folds the delta stream back into complete
// assistant turns.
package llm

import "encoding/json"

// Message roles on the chat completion wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is one entry of the conversation history sent to the
// model. Tool results use RoleTool with ToolCallID linking back to the
// assistant call they answer.
type ChatMessage struct {
	Role             string     `json:"role"`
	Content          string     `json:"content"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-requested tool invocation. In streamed deltas it
// arrives as fragments addressed by Index; a complete call has ID,
// Type "function", and a full Arguments string.
type ToolCall struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and its raw JSON arguments.
// Arguments stays a string end to end; parsing it is the executor's
// problem.
type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ToolDecl advertises one callable tool to the model.
type ToolDecl struct {
	Type     string       `json:"type"`
	Function FunctionDecl `json:"function"`
}

// FunctionDecl is the schema half of a tool declaration.
type FunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Timings is the server-side performance block some backends attach to
// stream chunks.
type Timings struct {
	PromptN            int     `json:"prompt_n"`
	PromptMS           float64 `json:"prompt_ms"`
	PromptPerSecond    float64 `json:"prompt_per_second"`
	PredictedN         int     `json:"predicted_n"`
	PredictedMS        float64 `json:"predicted_ms"`
	PredictedPerSecond float64 `json:"predicted_per_second"`
}

// PromptProgress reports prompt processing before generation starts.
type PromptProgress struct {
	Total     int     `json:"total"`
	Cache     int     `json:"cache"`
	Processed int     `json:"processed"`
	TimeMS    float64 `json:"time_ms"`
}

// TurnResult is one complete assistant turn assembled from the stream.
type TurnResult struct {
	Content      string
	Reasoning    string
	ToolCalls    []ToolCall
	FinishReason string
	Model        string
	Timings      *Timings
}

// HasToolCalls reports whether the model requested tool invocations
// this turn.
func (r *TurnResult) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// streamChunk is one decoded SSE data event.
type streamChunk struct {
	Model          string          `json:"model"`
	Choices        []streamChoice  `json:"choices"`
	Timings        *Timings        `json:"timings"`
	PromptProgress *PromptProgress `json:"prompt_progress"`
}

type streamChoice struct {
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamDelta struct {
	Content          string     `json:"content"`
	ReasoningContent string     `json:"reasoning_content"`
	ToolCalls        []ToolCall `json:"tool_calls"`
}

// chatRequest is the POST body for /v1/chat/completions.
type chatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Tools       []ToolDecl    `json:"tools,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
}

// errorResponse is the non-streaming error body OpenAI-compatible
// servers return on 4xx/5xx.
type errorResponse struct {
	Error struct {
		Message string          `json:"message"`
		Type    string          `json:"type"`
		Code    json.RawMessage `json:"code"`
	} `json:"error"`
}
