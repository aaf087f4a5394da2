// Package events provides a publish/subscribe event bus that mirrors
// the core's state transitions for external observers (the web UI's
// WebSocket feed, future metrics). Components publish; subscribers
// receive on buffered channels. The bus is nil-safe: calling Publish on
// a nil *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceRegistry identifies events from the connection registry.
	SourceRegistry = "registry"
	// SourceAgent identifies events from the agentic loop.
	SourceAgent = "agent"
)

// Kind constants describe the type of event within a source.
const (
	// KindServerConnected signals a live MCP connection was established.
	// Data: server, tools, protocol_version, connect_ms.
	KindServerConnected = "server_connected"
	// KindServerLost signals an unsolicited transport loss.
	// Data: server, error.
	KindServerLost = "server_lost"
	// KindServerReconnected signals the reconnection supervisor restored
	// a lost connection. Data: server, attempts, tools.
	KindServerReconnected = "server_reconnected"
	// KindServerClosed signals a caller-initiated disconnect.
	// Data: server.
	KindServerClosed = "server_closed"
	// KindHealthCheck signals a health-check probe completed.
	// Data: server, ok, error, tools, promoted.
	KindHealthCheck = "health_check"
	// KindToolsChanged signals a server pushed a tools-list-changed
	// notification. Data: server, tools.
	KindToolsChanged = "tools_changed"

	// KindTurnStart signals the start of one model turn.
	// Data: conversation_id, turn.
	KindTurnStart = "turn_start"
	// KindToolCallStart signals the start of a tool execution.
	// Data: conversation_id, turn, tool, server.
	KindToolCallStart = "tool_call_start"
	// KindToolCallDone signals completion of a tool execution.
	// Data: conversation_id, turn, tool, ok, duration_ms.
	KindToolCallDone = "tool_call_done"
	// KindLoopDone signals the agentic loop finished.
	// Data: conversation_id, turns, tool_calls, reason.
	KindLoopDone = "loop_done"
)

// Event represents a single state transition published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan view.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
