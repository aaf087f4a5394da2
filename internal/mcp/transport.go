package mcp

import (
	"context"
	"encoding/json"
)

// NotificationHandler receives server-initiated notifications
// (e.g., notifications/tools/list_changed). Called from the transport's
// read goroutine; implementations must not block.
type NotificationHandler func(method string, params json.RawMessage)

// CloseHandler is invoked exactly once when the transport is lost
// without a caller-initiated Close. err describes the loss. A
// caller-initiated Close never triggers the handler — the distinction
// is what lets the reconnection supervisor ignore deliberate shutdowns.
type CloseHandler func(err error)

// Transport is the interface for MCP server communication.
// Implementations handle framing, encoding, and request/response
// correlation over a specific wire (WebSocket or streamable HTTP).
type Transport interface {
	// Send sends a JSON-RPC request and returns the matching response.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, notif *Notification) error

	// SetNotificationHandler registers the handler for server-initiated
	// notifications. Must be called before the first Send.
	SetNotificationHandler(h NotificationHandler)

	// SetCloseHandler registers the handler for unsolicited transport
	// loss. Must be called before the first Send.
	SetCloseHandler(h CloseHandler)

	// Close shuts down the transport and releases resources. Close is
	// caller-initiated and therefore never triggers the CloseHandler.
	Close() error
}
