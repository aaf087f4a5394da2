package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/voslund/tether/internal/httpkit"
)

// HTTPConfig configures a streamable HTTP MCP transport (JSON-RPC over
// POST, response body either plain JSON or an SSE event stream).
type HTTPConfig struct {
	// URL is the MCP server endpoint.
	URL string

	// Headers are additional HTTP headers sent with every request
	// (e.g., Authorization).
	Headers map[string]string

	// Timeout bounds each request/response cycle (default 30s).
	Timeout time.Duration

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPTransport communicates with an MCP server over streamable HTTP.
// Each JSON-RPC request is an HTTP POST. Servers may answer with
// Content-Type application/json (single response object) or
// text/event-stream, in which case notifications may precede the
// response event and are dispatched along the way.
type HTTPTransport struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string // Mcp-Session-Id header for session affinity
	lostOnce  bool

	notifyHandler NotificationHandler
	closeHandler  CloseHandler
}

// NewHTTPTransport creates an HTTP transport for the given config.
// The underlying HTTP client is constructed via httpkit.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := httpkit.NewClient(
		httpkit.WithTimeout(timeout),
		httpkit.WithLogger(logger),
		httpkit.WithRetry(2, 250*time.Millisecond),
	)

	return &HTTPTransport{
		url:        cfg.URL,
		headers:    cfg.Headers,
		httpClient: client,
		logger:     logger,
	}
}

// SetNotificationHandler registers the server-notification handler.
func (t *HTTPTransport) SetNotificationHandler(h NotificationHandler) {
	t.mu.Lock()
	t.notifyHandler = h
	t.mu.Unlock()
}

// SetCloseHandler registers the unsolicited-loss handler. For HTTP the
// loss signal is a connection-level request failure (refused, reset,
// unreachable) — there is no long-lived socket to watch.
func (t *HTTPTransport) SetCloseHandler(h CloseHandler) {
	t.mu.Lock()
	t.closeHandler = h
	t.mu.Unlock()
}

// Send sends a JSON-RPC request via HTTP POST and returns the response.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	httpResp, err := t.post(ctx, req)
	if err != nil {
		t.reportLoss(err)
		return nil, err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	t.captureSession(httpResp)

	if httpResp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return nil, fmt.Errorf("MCP server returned %d: %s", httpResp.StatusCode, errBody)
	}

	ct := httpResp.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "text/event-stream") {
		return t.readEventStream(req.ID, httpResp.Body)
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20)) // 10 MiB limit
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	return &resp, nil
}

// readEventStream consumes an SSE response body. Notification events
// are dispatched as they arrive; the first event carrying a response
// with the matching ID ends the stream.
func (t *HTTPTransport) readEventStream(wantID int64, body io.Reader) (*Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10<<20)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue // comments, event: lines, blank keep-alives
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var env envelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			t.logger.Warn("skipping malformed SSE event from MCP server",
				"url", t.url,
				"error", err,
			)
			continue
		}

		if env.isNotification() {
			t.mu.RLock()
			h := t.notifyHandler
			t.mu.RUnlock()
			if h != nil {
				h(env.Method, env.Params)
			}
			continue
		}

		if env.ID != nil && *env.ID == wantID {
			return env.response(), nil
		}

		t.logger.Debug("skipping unmatched SSE event", "url", t.url)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	return nil, fmt.Errorf("event stream ended without a response for id %d", wantID)
}

// Notify sends a JSON-RPC notification via HTTP POST. No response
// content is expected, but the HTTP response status is checked.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	httpResp, err := t.post(ctx, notif)
	if err != nil {
		t.reportLoss(err)
		return err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	t.captureSession(httpResp)

	// Accept 200 and 202 (accepted) for notifications.
	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return fmt.Errorf("MCP server returned %d for notification: %s", httpResp.StatusCode, errBody)
	}

	return nil
}

// post issues one POST with the standard headers and session affinity.
func (t *HTTPTransport) post(ctx context.Context, v any) (*http.Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	t.mu.RLock()
	if t.sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", t.sessionID)
	}
	t.mu.RUnlock()

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to %s: %w", t.url, err)
	}
	return resp, nil
}

// captureSession records the session ID from a response, if present.
func (t *HTTPTransport) captureSession(resp *http.Response) {
	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
}

// reportLoss fires the close handler once for connection-level errors.
// Protocol-level errors (bad status, malformed JSON) are not losses.
func (t *HTTPTransport) reportLoss(err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}

	var netErr net.Error
	var opErr *net.OpError
	if !errors.As(err, &netErr) && !errors.As(err, &opErr) {
		return
	}

	t.mu.Lock()
	fire := !t.lostOnce
	if fire {
		t.lostOnce = true
	}
	h := t.closeHandler
	t.mu.Unlock()

	if fire && h != nil {
		t.logger.Warn("MCP HTTP endpoint unreachable", "url", t.url, "error", err)
		h(err)
	}
}

// Close is a no-op for HTTP transports. The underlying HTTP client
// manages its own connection pool via httpkit.
func (t *HTTPTransport) Close() error {
	return nil
}
