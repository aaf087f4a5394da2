// Package api exposes the daemon's HTTP surface: the agentic chat
// endpoint, server status and health checks, tool inspection, session
// management, and a WebSocket event feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voslund/tether/internal/agent"
	"github.com/voslund/tether/internal/audit"
	"github.com/voslund/tether/internal/buildinfo"
	"github.com/voslund/tether/internal/events"
	"github.com/voslund/tether/internal/llm"
	"github.com/voslund/tether/internal/registry"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	servers  []registry.ServerConfig
	registry *registry.Manager
	loop     *agent.Loop
	streamer agent.Streamer
	audit    *audit.Store
	bus      *events.Bus
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates the API server. audit and bus may be nil.
func NewServer(address string, port int, servers []registry.ServerConfig, reg *registry.Manager, loop *agent.Loop, streamer agent.Streamer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		servers:  servers,
		registry: reg,
		loop:     loop,
		streamer: streamer,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// SetAuditStore wires the optional tool-call audit store.
func (s *Server) SetAuditStore(st *audit.Store) { s.audit = st }

// SetEventBus wires the optional event bus behind /v1/events.
func (s *Server) SetEventBus(bus *events.Bus) { s.bus = bus }

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/agent/chat", s.handleChat)

	mux.HandleFunc("GET /v1/servers", s.handleServers)
	mux.HandleFunc("POST /v1/servers/{name}/healthcheck", s.handleHealthCheck)

	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("GET /v1/tools/stats", s.handleToolStats)

	mux.HandleFunc("POST /v1/sessions/{id}/clear", s.handleSessionClear)

	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start runs the server until it fails or Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No write timeout: chat responses stream for as long as the
		// agentic loop runs.
	}

	s.logger.Info("starting API server", "address", s.address, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "tether",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"version": buildinfo.Version,
		"commit":  buildinfo.Commit,
		"date":    buildinfo.Date,
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":      "healthy",
		"connections": s.registry.ConnectionCount(),
	}, s.logger)
}

// chatRequest is the POST body for /v1/agent/chat.
type chatRequest struct {
	ConversationID string            `json:"conversation_id"`
	Messages       []llm.ChatMessage `json:"messages"`
	MaxTurns       int               `json:"max_turns,omitempty"`
	// ServerOverrides enables/disables configured servers for this
	// conversation only.
	ServerOverrides map[string]bool `json:"server_overrides,omitempty"`
}

// chatDone is the terminal SSE event summarizing the run.
type chatDone struct {
	Turns     int          `json:"turns"`
	ToolCalls int          `json:"tool_calls"`
	Model     string       `json:"model,omitempty"`
	TurnLimit bool         `json:"turn_limit,omitempty"`
	Timings   *llm.Timings `json:"timings,omitempty"`
	Agentic   bool         `json:"agentic"`
	Error     string       `json:"error,omitempty"`
}

// handleChat streams the agentic run as SSE. Each text fragment of the
// flat marker-bearing stream goes out as {"text": ...}; the run ends
// with a {"done": ...} summary and the [DONE] sentinel. When the loop
// declines (tooling off, no tool servers), the request falls back to a
// plain single-turn completion over the same wire format.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ConversationID == "" {
		s.errorResponse(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	if len(req.Messages) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "messages must not be empty")
		return
	}

	// Bring connections in line with the configuration before the run.
	// Failure is not fatal: the loop declines and we fall back to a
	// plain completion.
	if ok, res := s.registry.EnsureInitialized(r.Context(), s.servers, req.ServerOverrides); !ok {
		s.logger.Warn("MCP initialization failed for chat request",
			"conversation", req.ConversationID,
			"reason", res.Message,
		)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	emit := func(text string) {
		if text == "" {
			return
		}
		data, err := json.Marshal(map[string]string{"text": text})
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	done := chatDone{Agentic: true}
	result, err := s.loop.Run(r.Context(), agent.Request{
		ConversationID: req.ConversationID,
		Messages:       req.Messages,
		MaxTurns:       req.MaxTurns,
	}, emit)

	switch {
	case errors.Is(err, agent.ErrDeclined):
		done.Agentic = false
		turn, ferr := s.streamer.StreamChat(r.Context(), req.Messages, nil, llm.StreamCallbacks{
			OnContent: emit,
		})
		if ferr != nil {
			done.Error = ferr.Error()
		} else {
			done.Turns = 1
			done.Model = turn.Model
			done.Timings = turn.Timings
		}
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful left to write.
		return
	case err != nil:
		done.Error = err.Error()
		if result != nil {
			done.Turns = result.Turns
			done.ToolCalls = result.ToolCalls
		}
	default:
		done.Turns = result.Turns
		done.ToolCalls = result.ToolCalls
		done.Model = result.Model
		done.TurnLimit = result.TurnLimit
		done.Timings = result.Timings
	}

	data, _ := json.Marshal(map[string]any{"done": done})
	fmt.Fprintf(w, "data: %s\n\n", data)
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"servers": s.registry.Status()}, s.logger)
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var cfg *registry.ServerConfig
	for i := range s.servers {
		if s.servers[i].Name == name {
			cfg = &s.servers[i]
			break
		}
	}
	if cfg == nil {
		s.errorResponse(w, http.StatusNotFound, "unknown server: "+name)
		return
	}

	promote := r.URL.Query().Get("promote") == "true"
	state := s.registry.RunHealthCheck(r.Context(), *cfg, promote)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, state, s.logger)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	defs := s.registry.ToolDefinitions()
	type toolView struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Server      string `json:"server"`
	}
	out := make([]toolView, 0, len(defs))
	for _, d := range defs {
		server, _ := s.registry.Owner(d.Name)
		out = append(out, toolView{Name: d.Name, Description: d.Description, Server: server})
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"tools": out}, s.logger)
}

func (s *Server) handleToolStats(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.errorResponse(w, http.StatusNotFound, "audit store not configured")
		return
	}

	end := time.Now().Add(time.Minute)
	start := end.Add(-24 * time.Hour)
	if v := r.URL.Query().Get("hours"); v != "" {
		var hours int
		if _, err := fmt.Sscanf(v, "%d", &hours); err == nil && hours > 0 {
			start = end.Add(-time.Duration(hours) * time.Hour)
		}
	}

	stats, err := s.audit.ToolStats(r.Context(), start, end)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"stats": stats}, s.logger)
}

func (s *Server) handleSessionClear(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.loop.Sessions().Clear(id)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "cleared", "id": id}, s.logger)
}

// handleEvents upgrades to WebSocket and forwards bus events as JSON
// until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusNotFound, "event feed not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("event feed upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)

	// Reader goroutine: the client never sends data we care about, but
	// reading is what detects a dropped peer.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
