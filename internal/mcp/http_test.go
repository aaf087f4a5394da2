package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPTransport_SendJSON(t *testing.T) {
	var gotAuth, gotSession string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotSession = r.Header.Get("Mcp-Session-Id")

		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Mcp-Session-Id", "sess-42")
		resp := Response{JSONRPC: jsonrpcVersion, ID: req.ID, Result: json.RawMessage(`{"ok":true}`)}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer token123"},
	})

	resp, err := tr.Send(context.Background(), NewRequest(7, "ping", nil))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.ID != 7 {
		t.Errorf("ID = %d, want 7", resp.ID)
	}
	if gotAuth != "Bearer token123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotSession != "" {
		t.Errorf("first request carried session %q, want none", gotSession)
	}

	// Second request carries the captured session ID.
	if _, err := tr.Send(context.Background(), NewRequest(8, "ping", nil)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotSession != "sess-42" {
		t.Errorf("session = %q, want sess-42", gotSession)
	}
}

func TestHTTPTransport_SendSSE(t *testing.T) {
	// The server streams a notification event before the response event.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		_ = json.NewDecoder(r.Body).Decode(&req)

		w.Header().Set("Content-Type", "text/event-stream")
		notif, _ := json.Marshal(Notification{JSONRPC: jsonrpcVersion, Method: NotifyToolsListChanged})
		fmt.Fprintf(w, "data: %s\n\n", notif)

		resp, _ := json.Marshal(Response{
			JSONRPC: jsonrpcVersion,
			ID:      req.ID,
			Result:  json.RawMessage(`{"tools":[]}`),
		})
		fmt.Fprintf(w, "data: %s\n\n", resp)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL})

	notified := make(chan string, 1)
	tr.SetNotificationHandler(func(method string, _ json.RawMessage) {
		notified <- method
	})

	resp, err := tr.Send(context.Background(), NewRequest(3, "tools/list", nil))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.ID != 3 {
		t.Errorf("ID = %d, want 3", resp.ID)
	}

	select {
	case method := <-notified:
		if method != NotifyToolsListChanged {
			t.Errorf("method = %q", method)
		}
	default:
		t.Error("notification in SSE stream was not dispatched")
	}
}

func TestHTTPTransport_SSESkipsMalformedEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		_ = json.NewDecoder(r.Body).Decode(&req)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {not json}\n\n")
		fmt.Fprint(w, ": keep-alive comment\n\n")
		resp, _ := json.Marshal(Response{JSONRPC: jsonrpcVersion, ID: req.ID, Result: json.RawMessage(`{}`)})
		fmt.Fprintf(w, "data: %s\n\n", resp)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL})
	resp, err := tr.Send(context.Background(), NewRequest(1, "ping", nil))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.ID != 1 {
		t.Errorf("ID = %d, want 1", resp.ID)
	}
}

func TestHTTPTransport_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL})
	if _, err := tr.Send(context.Background(), NewRequest(1, "ping", nil)); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestHTTPTransport_Notify(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var notif Notification
		_ = json.NewDecoder(r.Body).Decode(&notif)
		gotMethod = notif.Method
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL})
	if err := tr.Notify(context.Background(), NewNotification("notifications/initialized", nil)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if gotMethod != "notifications/initialized" {
		t.Errorf("method = %q", gotMethod)
	}
}

func TestHTTPTransport_ConnectionRefusedFiresCloseHandler(t *testing.T) {
	// A server that is immediately closed leaves a refused port.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: url, Timeout: 2 * time.Second})

	lost := make(chan error, 1)
	tr.SetCloseHandler(func(err error) {
		lost <- err
	})

	if _, err := tr.Send(context.Background(), NewRequest(1, "ping", nil)); err == nil {
		t.Fatal("expected error for refused connection")
	}

	select {
	case err := <-lost:
		if err == nil {
			t.Error("close handler received nil error")
		}
	case <-time.After(time.Second):
		t.Fatal("close handler did not fire")
	}
}
