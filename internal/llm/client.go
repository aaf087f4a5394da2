package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/voslund/tether/internal/config"
	"github.com/voslund/tether/internal/httpkit"
)

const (
	chatCompletionsPath = "/v1/chat/completions"

	// sseDone is the sentinel data payload closing an SSE stream.
	sseDone = "[DONE]"

	// maxErrorBody caps how much of an error response we read back.
	maxErrorBody = 64 * 1024

	// maxLineSize bounds one SSE line; generous because a single data
	// event carries an entire JSON chunk.
	maxLineSize = 8 * 1024 * 1024
)

// StreamCallbacks receive incremental stream data as it arrives. All
// callbacks are optional and are invoked from the streaming goroutine,
// in stream order.
type StreamCallbacks struct {
	// OnContent receives each visible text delta.
	OnContent func(delta string)
	// OnReasoning receives each reasoning text delta.
	OnReasoning func(delta string)
	// OnToolCallFragment fires after each tool-call fragment is merged,
	// with the call as accumulated so far (name plus partial arguments).
	OnToolCallFragment func(call ToolCall)
	// OnModel fires once, on the first chunk naming the model.
	OnModel func(model string)
	// OnTimings fires for every timings block the backend attaches.
	OnTimings func(t Timings)
	// OnProgress fires for prompt-processing progress updates.
	OnProgress func(p PromptProgress)
}

// Client streams chat completions from one OpenAI-compatible endpoint.
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	topP        float64
	http        *http.Client
	logger      *slog.Logger
}

// NewClient builds a streaming chat client from the completion config.
func NewClient(cfg config.CompletionConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		topP:        cfg.TopP,
		// No client timeout: a completion stream legitimately runs for
		// minutes. Cancellation comes from the caller's context.
		http:   httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithLogger(logger)),
		logger: logger,
	}
}

// Model returns the configured model name, which may be empty when the
// server decides.
func (c *Client) Model() string { return c.model }

// StreamChat sends one completion request and consumes the SSE response
// until [DONE], the stream ends, or ctx is canceled. Incremental deltas
// go to cb; the assembled turn is returned at the end.
//
// Malformed stream lines are skipped, not fatal. Cancellation returns
// ctx.Err(). The response body is closed on every path.
func (c *Client) StreamChat(ctx context.Context, messages []ChatMessage, tools []ToolDecl, cb StreamCallbacks) (*TurnResult, error) {
	reqBody := chatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   true,
		Tools:    tools,
	}
	if c.temperature != 0 {
		t := c.temperature
		reqBody.Temperature = &t
	}
	if c.topP != 0 {
		p := c.topP
		reqBody.TopP = &p
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatCompletionsPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("chat request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, maxErrorBody)
		var er errorResponse
		if json.Unmarshal([]byte(body), &er) == nil && er.Error.Message != "" {
			return nil, fmt.Errorf("chat completion failed (%d): %s", resp.StatusCode, er.Error.Message)
		}
		return nil, fmt.Errorf("chat completion failed (%d): %s", resp.StatusCode, strings.TrimSpace(body))
	}

	result, err := c.consume(ctx, resp, cb)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// consume reads the SSE body line by line and folds the deltas into a
// TurnResult.
func (c *Client) consume(ctx context.Context, resp *http.Response, cb StreamCallbacks) (*TurnResult, error) {
	var (
		content   strings.Builder
		reasoning strings.Builder
		merger    toolCallMerger
		result    TurnResult
		modelSeen bool
		// textSeen tracks content/reasoning since the last tool-call
		// fragment: text between fragments closes the fragment batch.
		textSeen bool
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == sseDone {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Debug("skipping malformed stream chunk", "error", err)
			continue
		}

		if chunk.Model != "" && !modelSeen {
			modelSeen = true
			result.Model = chunk.Model
			if cb.OnModel != nil {
				cb.OnModel(chunk.Model)
			}
		}
		if chunk.Timings != nil {
			t := *chunk.Timings
			result.Timings = &t
			if cb.OnTimings != nil {
				cb.OnTimings(t)
			}
		}
		if chunk.PromptProgress != nil && cb.OnProgress != nil {
			cb.OnProgress(*chunk.PromptProgress)
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			textSeen = true
			content.WriteString(choice.Delta.Content)
			if cb.OnContent != nil {
				cb.OnContent(choice.Delta.Content)
			}
		}
		if choice.Delta.ReasoningContent != "" {
			textSeen = true
			reasoning.WriteString(choice.Delta.ReasoningContent)
			if cb.OnReasoning != nil {
				cb.OnReasoning(choice.Delta.ReasoningContent)
			}
		}
		if len(choice.Delta.ToolCalls) > 0 && textSeen {
			merger.startBatch()
			textSeen = false
		}
		for _, frag := range choice.Delta.ToolCalls {
			acc := merger.add(frag)
			if cb.OnToolCallFragment != nil {
				cb.OnToolCallFragment(acc)
			}
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			result.FinishReason = *choice.FinishReason
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read completion stream: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	result.Content = content.String()
	result.Reasoning = reasoning.String()
	result.ToolCalls = merger.finished()
	return &result, nil
}

// toolCallMerger folds index-addressed tool-call fragments into whole
// calls. Servers address fragments by index within a batch; a new batch
// restarting at index 0 is detected two ways: the consumer calls
// startBatch when content or reasoning arrives between fragments (IDs
// are optional on this wire, so text is the reliable separator), and a
// fresh ID landing on an occupied slot closes the batch as well. Either
// way the finished batch is kept and subsequent indexes are offset past
// it.
type toolCallMerger struct {
	calls  []ToolCall
	offset int
}

// startBatch finalizes the current fragment batch: later fragments
// address fresh slots even when they restart at index 0.
func (m *toolCallMerger) startBatch() {
	m.offset = len(m.calls)
}

// add merges one fragment and returns a copy of the call as accumulated
// so far.
func (m *toolCallMerger) add(frag ToolCall) ToolCall {
	idx := frag.Index + m.offset
	if frag.ID != "" && idx < len(m.calls) && m.calls[idx].ID != "" && m.calls[idx].ID != frag.ID {
		m.offset = len(m.calls)
		idx = frag.Index + m.offset
	}
	for len(m.calls) <= idx {
		m.calls = append(m.calls, ToolCall{Index: len(m.calls)})
	}

	tc := &m.calls[idx]
	if frag.ID != "" {
		tc.ID = frag.ID
	}
	if frag.Type != "" {
		tc.Type = frag.Type
	}
	if frag.Function.Name != "" {
		tc.Function.Name += frag.Function.Name
	}
	tc.Function.Arguments += frag.Function.Arguments
	return *tc
}

// finished returns the merged calls, dropping empty slots that never
// received a fragment.
func (m *toolCallMerger) finished() []ToolCall {
	var out []ToolCall
	for _, tc := range m.calls {
		if tc.Function.Name == "" && tc.Function.Arguments == "" && tc.ID == "" {
			continue
		}
		out = append(out, tc)
	}
	return out
}
