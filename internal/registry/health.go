package registry

import (
	"context"
	"time"

	"github.com/voslund/tether/internal/events"
	"github.com/voslund/tether/internal/mcp"
)

// HealthStatus is the lifecycle of a health probe.
type HealthStatus string

const (
	HealthIdle       HealthStatus = "idle"
	HealthConnecting HealthStatus = "connecting"
	HealthSuccess    HealthStatus = "success"
	HealthError      HealthStatus = "error"
)

// ToolSummary is the name/description pair shown in health reports.
type ToolSummary struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// HealthState records the outcome of the most recent health probe for
// one server. It is independent of the live connection table: a probe
// can succeed for a server that is not (yet) connected.
type HealthState struct {
	Status          HealthStatus           `json:"status"`
	Error           string                 `json:"error,omitempty"`
	Tools           []ToolSummary          `json:"tools,omitempty"`
	Capabilities    mcp.ServerCapabilities `json:"capabilities,omitzero"`
	Transport       TransportKind          `json:"transport"`
	ServerName      string                 `json:"server_name,omitempty"`
	ServerVersion   string                 `json:"server_version,omitempty"`
	ProtocolVersion string                 `json:"protocol_version,omitempty"`
	CheckedAt       time.Time              `json:"checked_at"`
	DurationMS      int64                  `json:"duration_ms"`
}

// HealthStateFor returns the recorded health state for a server, if a
// probe has ever run for it.
func (m *Manager) HealthStateFor(name string) (HealthState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hs, ok := m.health[name]
	return hs, ok
}

// RunHealthCheck probes one server and records the outcome. A live
// connection is reused (its tool list is refreshed in place); otherwise
// a probe connection is opened. When promote is true and the server is
// not currently connected, a successful probe connection is kept as a
// live connection instead of being torn down.
func (m *Manager) RunHealthCheck(ctx context.Context, cfg ServerConfig, promote bool) HealthState {
	name := cfg.Name
	start := time.Now()

	m.setHealth(name, HealthState{
		Status:    HealthConnecting,
		Transport: cfg.Kind(),
		CheckedAt: start,
	})

	m.mu.Lock()
	live := m.conns[name]
	m.mu.Unlock()

	var state HealthState
	if live != nil {
		state = m.checkLive(ctx, live, start)
	} else {
		state = m.checkProbe(ctx, cfg, promote, start)
	}

	m.setHealth(name, state)
	m.bus.Publish(events.Event{
		Source: events.SourceRegistry,
		Kind:   events.KindHealthCheck,
		Data: map[string]any{
			"server":   name,
			"status":   string(state.Status),
			"tools":    len(state.Tools),
			"error":    state.Error,
			"duration": state.DurationMS,
		},
	})
	return state
}

// checkLive refreshes the tool list over an existing connection and
// reports on it. A refresh failure marks the check as failed but does
// not tear the connection down; the transport's own loss signal decides
// that.
func (m *Manager) checkLive(ctx context.Context, conn *Connection, start time.Time) HealthState {
	name := conn.Config.Name
	state := HealthState{
		Transport: conn.Config.Kind(),
		CheckedAt: start,
	}

	tools, err := conn.Client.RefreshTools(ctx)
	if err != nil {
		state.Status = HealthError
		state.Error = err.Error()
		state.DurationMS = time.Since(start).Milliseconds()
		return state
	}

	m.mu.Lock()
	if cur, ok := m.conns[name]; ok {
		cur.Tools = tools
		m.removeToolsLocked(name)
		m.registerToolsLocked(name, tools)
	}
	m.mu.Unlock()

	state.Status = HealthSuccess
	state.Tools = summarize(tools)
	state.Capabilities = conn.Client.Capabilities()
	state.ServerName, state.ServerVersion = conn.Client.ServerVersion()
	state.ProtocolVersion = conn.Client.ProtocolVersion()
	state.DurationMS = time.Since(start).Milliseconds()
	return state
}

// checkProbe opens a fresh connection for the probe. On success the
// connection is either promoted into the live table or closed.
func (m *Manager) checkProbe(ctx context.Context, cfg ServerConfig, promote bool, start time.Time) HealthState {
	state := HealthState{
		Transport: cfg.Kind(),
		CheckedAt: start,
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client, tools, err := m.dial(dialCtx, cfg, m.logger)
	if err != nil {
		state.Status = HealthError
		state.Error = err.Error()
		state.DurationMS = time.Since(start).Milliseconds()
		return state
	}

	state.Status = HealthSuccess
	state.Tools = summarize(tools)
	state.Capabilities = client.Capabilities()
	state.ServerName, state.ServerVersion = client.ServerVersion()
	state.ProtocolVersion = client.ProtocolVersion()
	state.DurationMS = time.Since(start).Milliseconds()

	if !promote {
		_ = client.Close()
		return state
	}

	conn := &Connection{
		Config:      cfg,
		Client:      client,
		Tools:       tools,
		ConnectedAt: time.Now(),
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = client.Close()
		return state
	}
	if _, exists := m.conns[cfg.Name]; exists {
		// Someone connected this server while the probe ran.
		m.mu.Unlock()
		_ = client.Close()
		return state
	}
	m.installLocked(conn)
	m.mu.Unlock()

	m.logger.Info("health check promoted probe connection",
		"server", cfg.Name,
		"tools", len(tools),
	)
	return state
}

func (m *Manager) setHealth(name string, state HealthState) {
	m.mu.Lock()
	m.health[name] = state
	m.mu.Unlock()
}

func summarize(tools []mcp.ToolDefinition) []ToolSummary {
	out := make([]ToolSummary, 0, len(tools))
	for _, td := range tools {
		out = append(out, ToolSummary{Name: td.Name, Description: td.Description})
	}
	return out
}
