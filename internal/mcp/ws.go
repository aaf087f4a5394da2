package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSConfig configures a WebSocket MCP transport.
type WSConfig struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// Headers are additional HTTP headers sent during the upgrade
	// handshake (e.g., Authorization).
	Headers map[string]string

	// DialTimeout bounds the upgrade handshake (default 10s).
	DialTimeout time.Duration

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// WSTransport communicates with an MCP server over a single WebSocket
// connection. Requests and responses are correlated by ID; a dedicated
// read goroutine routes responses to waiting callers and dispatches
// server-initiated notifications.
type WSTransport struct {
	url    string
	logger *slog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex // gorilla allows one concurrent writer

	mu       sync.Mutex
	pending  map[int64]chan *Response
	closing  bool
	lostOnce bool

	notifyHandler NotificationHandler
	closeHandler  CloseHandler

	readDone chan struct{}
}

// DialWS opens a WebSocket connection to an MCP server and starts the
// read loop. The caller owns the returned transport and must Close it.
func DialWS(ctx context.Context, cfg WSConfig) (*WSTransport, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	header := http.Header{}
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %w (status %d)", cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", cfg.URL, err)
	}

	t := &WSTransport{
		url:      cfg.URL,
		logger:   logger,
		conn:     conn,
		pending:  make(map[int64]chan *Response),
		readDone: make(chan struct{}),
	}

	go t.readLoop()

	return t, nil
}

// SetNotificationHandler registers the server-notification handler.
func (t *WSTransport) SetNotificationHandler(h NotificationHandler) {
	t.mu.Lock()
	t.notifyHandler = h
	t.mu.Unlock()
}

// SetCloseHandler registers the unsolicited-loss handler.
func (t *WSTransport) SetCloseHandler(h CloseHandler) {
	t.mu.Lock()
	t.closeHandler = h
	t.mu.Unlock()
}

// readLoop reads frames until the connection dies. Responses are routed
// to their waiting caller by ID; notifications go to the handler.
// Malformed frames are logged and skipped, never fatal.
func (t *WSTransport) readLoop() {
	defer close(t.readDone)

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.handleReadError(err)
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.logger.Warn("skipping malformed frame from MCP server",
				"url", t.url,
				"error", err,
			)
			continue
		}

		if env.isNotification() {
			t.mu.Lock()
			h := t.notifyHandler
			t.mu.Unlock()
			if h != nil {
				h(env.Method, env.Params)
			}
			continue
		}

		if env.ID == nil {
			t.logger.Debug("skipping frame with no id and no method", "url", t.url)
			continue
		}

		t.mu.Lock()
		ch, ok := t.pending[*env.ID]
		if ok {
			delete(t.pending, *env.ID)
		}
		t.mu.Unlock()

		if !ok {
			t.logger.Debug("skipping response with unknown id", "id", *env.ID, "url", t.url)
			continue
		}

		ch <- env.response()
	}
}

// handleReadError tears down pending calls and, for unsolicited losses,
// fires the close handler exactly once.
func (t *WSTransport) handleReadError(err error) {
	t.mu.Lock()
	closing := t.closing
	fire := !closing && !t.lostOnce
	if fire {
		t.lostOnce = true
	}
	h := t.closeHandler
	// Unblock every in-flight Send. Callers see a transport error.
	for id, ch := range t.pending {
		delete(t.pending, id)
		close(ch)
	}
	t.mu.Unlock()

	if closing {
		return
	}

	t.logger.Warn("MCP websocket connection lost", "url", t.url, "error", err)
	if fire && h != nil {
		h(err)
	}
}

// Send writes a request and waits for the matching response or context
// cancellation. On cancellation the pending entry is removed so a late
// response cannot leak.
func (t *WSTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	ch := make(chan *Response, 1)

	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return nil, fmt.Errorf("websocket transport closed")
	}
	t.pending[req.ID] = ch
	t.mu.Unlock()

	if err := t.write(req); err != nil {
		t.mu.Lock()
		delete(t.pending, req.ID)
		t.mu.Unlock()
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, req.ID)
		t.mu.Unlock()
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("websocket connection lost while awaiting response")
		}
		return resp, nil
	}
}

// Notify writes a notification. No response is expected.
func (t *WSTransport) Notify(_ context.Context, notif *Notification) error {
	if err := t.write(notif); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

// write serializes v and writes one text frame under the write mutex.
func (t *WSTransport) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close performs a caller-initiated shutdown: sends a close frame,
// closes the connection, and waits for the read loop to exit. The
// CloseHandler is not invoked.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return nil
	}
	t.closing = true
	t.mu.Unlock()

	// Best-effort close frame; the server may already be gone.
	t.writeMu.Lock()
	_ = t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	t.writeMu.Unlock()

	err := t.conn.Close()

	select {
	case <-t.readDone:
	case <-time.After(2 * time.Second):
		t.logger.Warn("websocket read loop did not exit promptly", "url", t.url)
	}

	return err
}
