package agent

import (
	"sync"
	"time"
)

// StreamingToolCall is a partially received tool call mirrored from the
// model stream, for live observers.
type StreamingToolCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Session tracks one conversation's agentic state. Sessions are never
// shared across conversations; the orchestrator creates them lazily and
// ClearSession drops them when a conversation ends.
type Session struct {
	ID        string `json:"id"`
	Running   bool   `json:"running"`
	Turn      int    `json:"turn"`
	ToolCalls int    `json:"tool_calls"`
	LastError string `json:"last_error,omitempty"`
	// ActiveTool is the tool currently executing, empty between calls.
	ActiveTool string `json:"active_tool,omitempty"`
	// Streaming is the tool call currently arriving from the model,
	// nil outside a streaming turn.
	Streaming  *StreamingToolCall `json:"streaming_tool_call,omitempty"`
	UpdatedAt  time.Time          `json:"updated_at"`
	StartedAt  time.Time          `json:"started_at,omitempty"`
	LastModel  string             `json:"last_model,omitempty"`
	TurnLimit  bool               `json:"turn_limit,omitempty"`
	Cancelled  bool               `json:"cancelled,omitempty"`
	FinishedAt time.Time          `json:"finished_at,omitempty"`
}

// Sessions is the conversation-id keyed session table.
type Sessions struct {
	mu sync.Mutex
	m  map[string]*Session
}

// NewSessions creates an empty session table.
func NewSessions() *Sessions {
	return &Sessions{m: make(map[string]*Session)}
}

// Update applies fn to the session under the table lock, creating the
// session on first use. Reads go through Snapshot so no *Session ever
// escapes the lock.
func (s *Sessions) Update(id string, fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[id]
	if !ok {
		sess = &Session{ID: id}
		s.m[id] = sess
	}
	fn(sess)
	sess.UpdatedAt = time.Now()
}

// Snapshot returns a copy of the session, if it exists.
func (s *Sessions) Snapshot(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[id]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Clear removes a conversation's session. Safe to call for unknown ids.
func (s *Sessions) Clear(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, id)
}

// Count returns the number of tracked sessions.
func (s *Sessions) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
