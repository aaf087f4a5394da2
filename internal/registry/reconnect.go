package registry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/voslund/tether/internal/events"
)

// BackoffConfig shapes the reconnection retry schedule.
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultBackoffConfig returns the production schedule: 2s doubling up
// to 60s, retrying until shutdown.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 2 * time.Second,
		MaxInterval:     60 * time.Second,
		Multiplier:      2.0,
	}
}

// handleLoss reacts to an unsolicited connection loss reported by a
// transport. It removes the dead connection from the table and starts
// the reconnection loop, unless one is already running for this server
// or the registry is shutting down.
func (m *Manager) handleLoss(cfg ServerConfig, cause error) {
	name := cfg.Name

	m.mu.Lock()
	if m.closed || m.reconnecting[name] {
		m.mu.Unlock()
		return
	}
	if conn, ok := m.conns[name]; ok {
		delete(m.conns, name)
		m.removeToolsLocked(name)
		// Best-effort teardown of whatever transport state remains.
		go conn.Client.Close()
	}
	m.reconnecting[name] = true
	bo := m.backoff
	m.mu.Unlock()

	m.logger.Warn("MCP server connection lost", "server", name, "error", cause)
	m.bus.Publish(events.Event{
		Source: events.SourceRegistry,
		Kind:   events.KindServerLost,
		Data:   map[string]any{"server": name, "error": errString(cause)},
	})

	go m.reconnectLoop(cfg, bo)
}

// reconnectLoop retries until the server is back or the registry shuts
// down. It waits one initial interval before the first attempt so a
// flapping server is not hammered the instant it drops.
func (m *Manager) reconnectLoop(cfg ServerConfig, bo BackoffConfig) {
	name := cfg.Name
	defer func() {
		m.mu.Lock()
		delete(m.reconnecting, name)
		m.mu.Unlock()
	}()

	select {
	case <-time.After(bo.InitialInterval):
	case <-m.shutdownCtx.Done():
		return
	}

	attempt := 0
	operation := func() (*Connection, error) {
		attempt++
		dialCtx, cancel := context.WithTimeout(m.shutdownCtx, cfg.Timeout)
		defer cancel()

		client, tools, err := m.dial(dialCtx, cfg, m.logger)
		if err != nil {
			m.logger.Debug("reconnect attempt failed",
				"server", name,
				"attempt", attempt,
				"error", err,
			)
			return nil, err
		}
		return &Connection{
			Config:      cfg,
			Client:      client,
			Tools:       tools,
			ConnectedAt: time.Now(),
		}, nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = bo.InitialInterval
	eb.MaxInterval = bo.MaxInterval
	eb.Multiplier = bo.Multiplier

	// No try limit: the loop runs until the server is back or the
	// registry shuts down.
	conn, err := backoff.Retry(m.shutdownCtx, operation, backoff.WithBackOff(eb))
	if err != nil {
		// Only shutdown cancellation ends the loop with an error.
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Client.Close()
		return
	}
	// A full re-initialization may have replaced this server while we
	// were retrying; the newer connection wins.
	if _, ok := m.conns[name]; ok {
		m.mu.Unlock()
		_ = conn.Client.Close()
		return
	}
	m.installLocked(conn)
	m.mu.Unlock()

	m.logger.Info("MCP server reconnected",
		"server", name,
		"attempts", attempt,
		"tools", len(conn.Tools),
	)
	m.bus.Publish(events.Event{
		Source: events.SourceRegistry,
		Kind:   events.KindServerReconnected,
		Data:   map[string]any{"server": name, "attempts": attempt, "tools": len(conn.Tools)},
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
