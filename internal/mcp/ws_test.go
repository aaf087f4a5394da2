package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsTestServer is a minimal JSON-RPC-over-WebSocket server for tests.
// The handler receives each decoded request and can write frames back
// through the provided conn.
type wsTestServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newWSTestServer(t *testing.T, handle func(conn *websocket.Conn, env envelope)) *wsTestServer {
	t.Helper()
	ws := &wsTestServer{}
	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.mu.Lock()
		ws.conns = append(ws.conns, conn)
		ws.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			handle(conn, env)
		}
	}))
	t.Cleanup(ws.srv.Close)
	return ws
}

func (ws *wsTestServer) url() string {
	return "ws" + strings.TrimPrefix(ws.srv.URL, "http")
}

func (ws *wsTestServer) dropConnections() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, c := range ws.conns {
		c.Close()
	}
	ws.conns = nil
}

func writeResponse(conn *websocket.Conn, id int64, result any) {
	data, _ := json.Marshal(result)
	resp := Response{JSONRPC: jsonrpcVersion, ID: id, Result: data}
	out, _ := json.Marshal(resp)
	_ = conn.WriteMessage(websocket.TextMessage, out)
}

func TestWSTransport_SendReceive(t *testing.T) {
	ws := newWSTestServer(t, func(conn *websocket.Conn, env envelope) {
		if env.Method == "ping" && env.ID != nil {
			writeResponse(conn, *env.ID, map[string]any{})
		}
	})

	tr, err := DialWS(context.Background(), WSConfig{URL: ws.url()})
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	defer tr.Close()

	resp, err := tr.Send(context.Background(), NewRequest(1, "ping", nil))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.ID != 1 {
		t.Errorf("response ID = %d, want 1", resp.ID)
	}
}

func TestWSTransport_OutOfOrderResponses(t *testing.T) {
	// The server answers the second request first; correlation by ID
	// must still route each response to its caller.
	ws := newWSTestServer(t, func(conn *websocket.Conn, env envelope) {
		if env.ID == nil {
			return
		}
		id := *env.ID
		if id == 1 {
			go func() {
				time.Sleep(100 * time.Millisecond)
				writeResponse(conn, 1, map[string]any{"order": "late"})
			}()
		} else {
			writeResponse(conn, id, map[string]any{"order": "fast"})
		}
	})

	tr, err := DialWS(context.Background(), WSConfig{URL: ws.url()})
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	defer tr.Close()

	var wg sync.WaitGroup
	results := make([]*Response, 3)
	for i := int64(1); i <= 2; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			resp, err := tr.Send(context.Background(), NewRequest(id, "work", nil))
			if err != nil {
				t.Errorf("Send(%d): %v", id, err)
				return
			}
			results[id] = resp
		}(i)
	}
	wg.Wait()

	for id := int64(1); id <= 2; id++ {
		if results[id] == nil || results[id].ID != id {
			t.Errorf("response for request %d was misrouted", id)
		}
	}
}

func TestWSTransport_NotificationDispatch(t *testing.T) {
	ws := newWSTestServer(t, func(conn *websocket.Conn, env envelope) {
		if env.Method == "subscribe" && env.ID != nil {
			notif, _ := json.Marshal(Notification{
				JSONRPC: jsonrpcVersion,
				Method:  NotifyToolsListChanged,
			})
			_ = conn.WriteMessage(websocket.TextMessage, notif)
			writeResponse(conn, *env.ID, map[string]any{})
		}
	})

	tr, err := DialWS(context.Background(), WSConfig{URL: ws.url()})
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	defer tr.Close()

	got := make(chan string, 1)
	tr.SetNotificationHandler(func(method string, _ json.RawMessage) {
		got <- method
	})

	if _, err := tr.Send(context.Background(), NewRequest(1, "subscribe", nil)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case method := <-got:
		if method != NotifyToolsListChanged {
			t.Errorf("notification method = %q", method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification was not dispatched")
	}
}

func TestWSTransport_UnsolicitedLossFiresCloseHandler(t *testing.T) {
	ws := newWSTestServer(t, func(conn *websocket.Conn, env envelope) {})

	tr, err := DialWS(context.Background(), WSConfig{URL: ws.url()})
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	defer tr.Close()

	lost := make(chan error, 1)
	tr.SetCloseHandler(func(err error) {
		lost <- err
	})

	ws.dropConnections()

	select {
	case err := <-lost:
		if err == nil {
			t.Error("close handler received nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close handler did not fire on unsolicited loss")
	}
}

func TestWSTransport_CallerCloseDoesNotFireHandler(t *testing.T) {
	ws := newWSTestServer(t, func(conn *websocket.Conn, env envelope) {})

	tr, err := DialWS(context.Background(), WSConfig{URL: ws.url()})
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}

	fired := make(chan struct{}, 1)
	tr.SetCloseHandler(func(error) {
		fired <- struct{}{}
	})

	if err := tr.Close(); err != nil {
		t.Logf("Close: %v", err) // close errors are acceptable here
	}

	select {
	case <-fired:
		t.Error("close handler fired on caller-initiated Close")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWSTransport_LossUnblocksPendingSend(t *testing.T) {
	// The server never responds; dropping the connection must unblock
	// the waiting Send with an error rather than leaving it hanging.
	ws := newWSTestServer(t, func(conn *websocket.Conn, env envelope) {})

	tr, err := DialWS(context.Background(), WSConfig{URL: ws.url()})
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	defer tr.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Send(context.Background(), NewRequest(1, "slow", nil))
		errCh <- err
	}()

	time.Sleep(100 * time.Millisecond)
	ws.dropConnections()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("Send returned nil after connection loss")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not unblock after connection loss")
	}
}

func TestWSTransport_SendCancellation(t *testing.T) {
	ws := newWSTestServer(t, func(conn *websocket.Conn, env envelope) {})

	tr, err := DialWS(context.Background(), WSConfig{URL: ws.url()})
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Send(ctx, NewRequest(1, "slow", nil))
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not observe cancellation")
	}
}
