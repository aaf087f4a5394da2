// Package registry owns the set of live MCP connections, the aggregated
// tool-name index, and per-server health state. All mutation of this
// shared state flows through Manager methods; other packages only read
// snapshots or invoke tools through it.
//
// Two structural guards keep the state consistent without exposing
// locks to callers: a single in-flight initialization attempt (joined
// by concurrent callers with the same configuration signature) and a
// single reconnection loop per server.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/voslund/tether/internal/events"
	"github.com/voslund/tether/internal/mcp"
)

// ErrUnknownTool is returned when a tool name has no owning server in
// the index. Terminal for that call; never retried.
var ErrUnknownTool = errors.New("unknown tool")

// TransportKind selects the wire transport for a server.
type TransportKind string

const (
	// TransportWS is the bidirectional WebSocket transport.
	TransportWS TransportKind = "ws"
	// TransportHTTP is the streamable HTTP transport.
	TransportHTTP TransportKind = "http"
)

// KindFromURL derives the transport kind from a URL scheme.
func KindFromURL(url string) TransportKind {
	if strings.HasPrefix(url, "ws://") || strings.HasPrefix(url, "wss://") {
		return TransportWS
	}
	return TransportHTTP
}

// ServerConfig describes one MCP server. It is immutable once a
// connection is opened from it; the reconnection supervisor keeps a
// copy to rebuild a lost connection.
type ServerConfig struct {
	Name    string
	URL     string
	Headers map[string]string
	Timeout time.Duration
	Enabled bool
}

// Kind returns the transport kind for this server.
func (c ServerConfig) Kind() TransportKind {
	return KindFromURL(c.URL)
}

// Connection is one live MCP connection with its published tool list.
type Connection struct {
	Config      ServerConfig
	Client      *mcp.Client
	Tools       []mcp.ToolDefinition
	ConnectedAt time.Time
}

// InitResult summarizes an EnsureInitialized outcome. When OK is false,
// Message carries the aggregate human-readable failure.
type InitResult struct {
	OK        bool
	Signature string
	Connected []string
	Failed    map[string]string // server -> error message
	ToolCount int
	Message   string
}

// ServerStatus is a read-only snapshot of one server's state.
type ServerStatus struct {
	Name            string        `json:"name"`
	Connected       bool          `json:"connected"`
	Reconnecting    bool          `json:"reconnecting"`
	Tools           int           `json:"tools"`
	ProtocolVersion string        `json:"protocol_version,omitempty"`
	ConnectedAt     time.Time     `json:"connected_at,omitempty"`
	Health          *HealthState  `json:"health,omitempty"`
	ConnectTime     time.Duration `json:"-"`
}

// dialFunc establishes one connection: transport dial, handshake, and
// initial tools/list. Injected for tests.
type dialFunc func(ctx context.Context, cfg ServerConfig, logger *slog.Logger) (*mcp.Client, []mcp.ToolDefinition, error)

// initAttempt is the single in-flight initialization. Concurrent
// callers with the same signature wait on done instead of starting a
// second attempt.
type initAttempt struct {
	sig    string
	done   chan struct{}
	result InitResult
}

// Manager owns all connection state. See the package comment for the
// concurrency model.
type Manager struct {
	logger *slog.Logger
	bus    *events.Bus
	dial   dialFunc

	// shutdownCtx cancels reconnection loops on Close.
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc

	mu           sync.Mutex
	conns        map[string]*Connection
	toolIndex    map[string]string // tool name -> server name
	health       map[string]HealthState
	reconnecting map[string]bool
	inflight     *initAttempt
	liveSig      string
	backoff      BackoffConfig
	closed       bool
}

// NewManager creates a connection registry. bus may be nil (events are
// then dropped).
func NewManager(logger *slog.Logger, bus *events.Bus) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:         logger,
		bus:            bus,
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
		conns:          make(map[string]*Connection),
		toolIndex:      make(map[string]string),
		health:         make(map[string]HealthState),
		reconnecting:   make(map[string]bool),
		backoff:        DefaultBackoffConfig(),
	}
	m.dial = m.dialServer
	return m
}

// SetBackoff overrides the reconnection backoff schedule.
func (m *Manager) SetBackoff(cfg BackoffConfig) {
	m.mu.Lock()
	m.backoff = cfg
	m.mu.Unlock()
}

// Signature computes the canonical signature of an effective server
// set: the stable serialization of every enabled server's identity,
// sorted by name. Two configurations with the same signature are
// interchangeable for connection purposes.
func Signature(servers []ServerConfig, overrides map[string]bool) string {
	var parts []string
	for _, s := range effectiveServers(servers, overrides) {
		parts = append(parts, fmt.Sprintf("%s|%s|%s|%d", s.Name, s.URL, s.Kind(), s.Timeout/time.Millisecond))
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}

// effectiveServers applies per-conversation enable overrides to the
// global server list and returns the enabled subset.
func effectiveServers(servers []ServerConfig, overrides map[string]bool) []ServerConfig {
	var out []ServerConfig
	for _, s := range servers {
		enabled := s.Enabled
		if ov, ok := overrides[s.Name]; ok {
			enabled = ov
		}
		if enabled {
			out = append(out, s)
		}
	}
	return out
}

// EnsureInitialized brings the connection set in line with the given
// configuration. It returns true when at least one server is connected.
//
// Guarantees:
//   - If the signature is unchanged and connections are live, it
//     returns immediately.
//   - At most one initialization runs at a time; callers requesting the
//     same signature join the in-flight attempt.
//   - A signature change tears down the previous connection set first.
//   - Per-server connect attempts run concurrently and independently;
//     partial success is success.
//   - If a newer call changes the target signature while an attempt is
//     settling, the stale attempt discards every connection it opened
//     and reports failure.
func (m *Manager) EnsureInitialized(ctx context.Context, servers []ServerConfig, overrides map[string]bool) (bool, InitResult) {
	sig := Signature(servers, overrides)
	effective := effectiveServers(servers, overrides)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, InitResult{Signature: sig, Message: "registry is shut down"}
	}

	// Fast path: nothing changed and we are live.
	if sig == m.liveSig && len(m.conns) > 0 {
		res := m.summaryLocked(sig)
		m.mu.Unlock()
		return true, res
	}

	// Join an in-flight attempt for the same signature.
	if m.inflight != nil && m.inflight.sig == sig {
		attempt := m.inflight
		m.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.result.OK, attempt.result
		case <-ctx.Done():
			return false, InitResult{Signature: sig, Message: ctx.Err().Error()}
		}
	}

	attempt := &initAttempt{sig: sig, done: make(chan struct{})}
	m.inflight = attempt

	// The signature changed: tear down the previous set before
	// connecting the new one.
	old := m.takeConnectionsLocked()
	m.liveSig = ""
	m.mu.Unlock()

	for _, conn := range old {
		_ = conn.Client.Close()
	}
	if len(old) > 0 {
		m.logger.Info("tore down previous MCP connection set", "count", len(old))
	}

	opened := m.connectAll(ctx, effective, attempt)

	m.mu.Lock()
	// A newer EnsureInitialized may have replaced m.inflight while we
	// were connecting. Installing our connections would resurrect a
	// stale configuration, so discard them instead.
	if m.inflight != attempt || m.closed {
		m.mu.Unlock()
		for _, conn := range opened {
			_ = conn.Client.Close()
		}
		attempt.result = InitResult{
			Signature: sig,
			Message:   "initialization superseded by a newer configuration",
		}
		close(attempt.done)
		return false, attempt.result
	}
	m.inflight = nil

	if len(opened) == 0 {
		m.liveSig = ""
		res := attempt.result
		res.OK = false
		res.Signature = sig
		res.Message = aggregateFailureMessage(res.Failed)
		attempt.result = res
		m.mu.Unlock()
		close(attempt.done)
		return false, res
	}

	for _, conn := range opened {
		m.installLocked(conn)
	}
	m.liveSig = sig

	res := attempt.result
	res.OK = true
	res.Signature = sig
	res.ToolCount = len(m.toolIndex)
	attempt.result = res
	m.mu.Unlock()

	m.logger.Info("MCP initialization complete",
		"connected", len(res.Connected),
		"failed", len(res.Failed),
		"tools", res.ToolCount,
	)

	close(attempt.done)
	return true, res
}

// connectAll fans out one connect attempt per server and waits for all
// of them. Failures are recorded in the attempt result; they never fail
// sibling attempts.
func (m *Manager) connectAll(ctx context.Context, servers []ServerConfig, attempt *initAttempt) []*Connection {
	type outcome struct {
		cfg  ServerConfig
		conn *Connection
		err  error
	}

	results := make(chan outcome, len(servers))
	for _, cfg := range servers {
		go func(cfg ServerConfig) {
			dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()

			client, tools, err := m.dial(dialCtx, cfg, m.logger)
			if err != nil {
				results <- outcome{cfg: cfg, err: err}
				return
			}
			results <- outcome{cfg: cfg, conn: &Connection{
				Config:      cfg,
				Client:      client,
				Tools:       tools,
				ConnectedAt: time.Now(),
			}}
		}(cfg)
	}

	attempt.result.Failed = make(map[string]string)
	var opened []*Connection
	for range servers {
		o := <-results
		if o.err != nil {
			m.logger.Warn("MCP server connection failed",
				"server", o.cfg.Name,
				"error", o.err,
			)
			attempt.result.Failed[o.cfg.Name] = o.err.Error()
			continue
		}
		attempt.result.Connected = append(attempt.result.Connected, o.cfg.Name)
		opened = append(opened, o.conn)
	}
	sort.Strings(attempt.result.Connected)

	// Install in config order so tool-name conflicts resolve
	// deterministically (last registration wins).
	sort.Slice(opened, func(i, j int) bool {
		return serverOrder(servers, opened[i].Config.Name) < serverOrder(servers, opened[j].Config.Name)
	})
	return opened
}

func serverOrder(servers []ServerConfig, name string) int {
	for i, s := range servers {
		if s.Name == name {
			return i
		}
	}
	return len(servers)
}

// dialServer is the production dialFunc: transport by URL scheme,
// handshake, initial tools/list.
func (m *Manager) dialServer(ctx context.Context, cfg ServerConfig, logger *slog.Logger) (*mcp.Client, []mcp.ToolDefinition, error) {
	var transport mcp.Transport
	switch cfg.Kind() {
	case TransportWS:
		ws, err := mcp.DialWS(ctx, mcp.WSConfig{
			URL:         cfg.URL,
			Headers:     cfg.Headers,
			DialTimeout: cfg.Timeout,
			Logger:      logger,
		})
		if err != nil {
			return nil, nil, err
		}
		transport = ws
	default:
		transport = mcp.NewHTTPTransport(mcp.HTTPConfig{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Timeout: cfg.Timeout,
			Logger:  logger,
		})
	}

	client := mcp.NewClient(cfg.Name, transport, logger)
	if err := client.Initialize(ctx); err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	return client, tools, nil
}

// installLocked adds a connection to the table, registers its tools,
// and wires loss/list-changed handlers. Caller holds m.mu.
func (m *Manager) installLocked(conn *Connection) {
	name := conn.Config.Name
	m.conns[name] = conn
	m.registerToolsLocked(name, conn.Tools)

	cfg := conn.Config
	conn.Client.OnClose(func(err error) {
		m.handleLoss(cfg, err)
	})
	conn.Client.OnToolsChanged(func(tools []mcp.ToolDefinition) {
		m.mu.Lock()
		if cur, ok := m.conns[name]; ok {
			cur.Tools = tools
			m.removeToolsLocked(name)
			m.registerToolsLocked(name, tools)
		}
		m.mu.Unlock()
		m.bus.Publish(events.Event{
			Source: events.SourceRegistry,
			Kind:   events.KindToolsChanged,
			Data:   map[string]any{"server": name, "tools": len(tools)},
		})
	})

	m.bus.Publish(events.Event{
		Source: events.SourceRegistry,
		Kind:   events.KindServerConnected,
		Data: map[string]any{
			"server":           name,
			"tools":            len(conn.Tools),
			"protocol_version": conn.Client.ProtocolVersion(),
			"connect_ms":       conn.Client.ConnectTime().Milliseconds(),
		},
	})
}

// registerToolsLocked adds index entries for one server. A name already
// owned by another server is silently replaced — last writer wins —
// with a logged warning about the shadowing. Caller holds m.mu.
func (m *Manager) registerToolsLocked(server string, tools []mcp.ToolDefinition) {
	for _, td := range tools {
		if prev, ok := m.toolIndex[td.Name]; ok && prev != server {
			m.logger.Warn("tool name conflict, later registration wins",
				"tool", td.Name,
				"previous_server", prev,
				"new_server", server,
			)
		}
		m.toolIndex[td.Name] = server
	}
}

// removeToolsLocked removes the index entries owned by one server.
// Caller holds m.mu.
func (m *Manager) removeToolsLocked(server string) {
	for name, owner := range m.toolIndex {
		if owner == server {
			delete(m.toolIndex, name)
		}
	}
}

// takeConnectionsLocked empties the connection table and tool index,
// returning the removed connections for the caller to close outside
// the lock. Caller holds m.mu.
func (m *Manager) takeConnectionsLocked() []*Connection {
	out := make([]*Connection, 0, len(m.conns))
	for name, conn := range m.conns {
		out = append(out, conn)
		delete(m.conns, name)
	}
	m.toolIndex = make(map[string]string)
	return out
}

// summaryLocked builds an InitResult from current state. Caller holds m.mu.
func (m *Manager) summaryLocked(sig string) InitResult {
	res := InitResult{
		OK:        true,
		Signature: sig,
		ToolCount: len(m.toolIndex),
		Failed:    map[string]string{},
	}
	for name := range m.conns {
		res.Connected = append(res.Connected, name)
	}
	sort.Strings(res.Connected)
	return res
}

// aggregateFailureMessage folds per-server failures into one message.
func aggregateFailureMessage(failed map[string]string) string {
	if len(failed) == 0 {
		return "no MCP servers configured"
	}
	names := make([]string, 0, len(failed))
	for name := range failed {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "all %d MCP server(s) failed to connect: ", len(failed))
	for i, name := range names {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %s", name, failed[name])
	}
	return b.String()
}

// Owner returns the server that currently serves the named tool.
func (m *Manager) Owner(tool string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	server, ok := m.toolIndex[tool]
	return server, ok
}

// CallTool resolves a tool to its owning connection and invokes it.
// The caller's context is passed through to the transport so
// cancellation interrupts an in-flight call.
func (m *Manager) CallTool(ctx context.Context, tool string, args map[string]any) (*mcp.ToolResult, string, error) {
	m.mu.Lock()
	server, ok := m.toolIndex[tool]
	if !ok {
		m.mu.Unlock()
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownTool, tool)
	}
	conn, ok := m.conns[server]
	m.mu.Unlock()
	if !ok {
		return nil, server, fmt.Errorf("tool %s belongs to disconnected server %s", tool, server)
	}

	result, err := conn.Client.CallTool(ctx, tool, args)
	if err != nil {
		return nil, server, err
	}
	return result, server, nil
}

// ToolDefinitions returns the definitions of every indexed tool, taken
// from the owning connection so a shadowed server's copy is excluded.
func (m *Manager) ToolDefinitions() []mcp.ToolDefinition {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []mcp.ToolDefinition
	for name, server := range m.toolIndex {
		conn, ok := m.conns[server]
		if !ok {
			continue
		}
		for _, td := range conn.Tools {
			if td.Name == name {
				out = append(out, td)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Instructions returns the concatenated instructions text of all
// connected servers, in server-name order.
func (m *Manager) Instructions() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.conns))
	for name := range m.conns {
		names = append(names, name)
	}
	sort.Strings(names)

	var parts []string
	for _, name := range names {
		if instr := m.conns[name].Client.Instructions(); instr != "" {
			parts = append(parts, instr)
		}
	}
	return strings.Join(parts, "\n\n")
}

// HasToolConnections reports whether at least one connected server
// publishes tools.
func (m *Manager) HasToolConnections() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.toolIndex) > 0
}

// Status returns a snapshot of every known server (connected,
// reconnecting, or health-checked only), sorted by name.
func (m *Manager) Status() []ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]*ServerStatus)
	for name, conn := range m.conns {
		toolCount := 0
		for _, owner := range m.toolIndex {
			if owner == name {
				toolCount++
			}
		}
		seen[name] = &ServerStatus{
			Name:            name,
			Connected:       true,
			Tools:           toolCount,
			ProtocolVersion: conn.Client.ProtocolVersion(),
			ConnectedAt:     conn.ConnectedAt,
			ConnectTime:     conn.Client.ConnectTime(),
		}
	}
	for name := range m.reconnecting {
		if _, ok := seen[name]; !ok {
			seen[name] = &ServerStatus{Name: name}
		}
		seen[name].Reconnecting = true
	}
	for name, hs := range m.health {
		if _, ok := seen[name]; !ok {
			seen[name] = &ServerStatus{Name: name}
		}
		h := hs
		seen[name].Health = &h
	}

	out := make([]ServerStatus, 0, len(seen))
	for _, s := range seen {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ConnectionCount returns the number of live connections.
func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Close shuts down the registry: cancels reconnection loops and closes
// every live connection. The registry cannot be reused afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conns := m.takeConnectionsLocked()
	m.mu.Unlock()

	m.shutdownCancel()

	var firstErr error
	for _, conn := range conns {
		if err := conn.Client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		m.bus.Publish(events.Event{
			Source: events.SourceRegistry,
			Kind:   events.KindServerClosed,
			Data:   map[string]any{"server": conn.Config.Name},
		})
	}
	return firstErr
}
