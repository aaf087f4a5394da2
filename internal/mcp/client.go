package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voslund/tether/internal/buildinfo"
)

// protocolVersion is the MCP protocol version we advertise during
// initialization.
const protocolVersion = "2025-06-18"

// Server-initiated notification methods we understand.
const (
	NotifyToolsListChanged   = "notifications/tools/list_changed"
	NotifyPromptsListChanged = "notifications/prompts/list_changed"
	NotifyResourceUpdated    = "notifications/resources/updated"
)

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is a single content item in a tools/call response.
// Text blocks carry Text; image blocks carry base64 Data plus MimeType.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ToolResult is the structured result of a tools/call invocation.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Text joins all text content blocks into a single string. Non-text
// blocks are represented as inline markers.
func (r *ToolResult) Text() string {
	var parts []string
	for _, b := range r.Content {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}

// FirstImage returns the first image content block, or nil.
func (r *ToolResult) FirstImage() *ContentBlock {
	for i := range r.Content {
		if r.Content[i].Type == "image" && r.Content[i].Data != "" {
			return &r.Content[i]
		}
	}
	return nil
}

// serverInfo is returned in the initialize response.
type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// listChanged is the common capability sub-object indicating a server
// will push list_changed notifications.
type listChanged struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ServerCapabilities describes what an MCP server supports.
type ServerCapabilities struct {
	Tools       *listChanged `json:"tools,omitempty"`
	Prompts     *listChanged `json:"prompts,omitempty"`
	Resources   *listChanged `json:"resources,omitempty"`
	Logging     *struct{}    `json:"logging,omitempty"`
	Completions *struct{}    `json:"completions,omitempty"`
}

// ClientCapabilities describes what we advertise to the server.
type ClientCapabilities struct {
	Roots       *listChanged `json:"roots,omitempty"`
	Sampling    *struct{}    `json:"sampling,omitempty"`
	Elicitation *struct{}    `json:"elicitation,omitempty"`
}

// defaultClientCapabilities is what tether advertises on every handshake.
func defaultClientCapabilities() ClientCapabilities {
	return ClientCapabilities{
		Roots:       &listChanged{ListChanged: true},
		Sampling:    &struct{}{},
		Elicitation: &struct{}{},
	}
}

// initializeResult is the full initialize response result.
type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      serverInfo         `json:"serverInfo"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	Instructions    string             `json:"instructions,omitempty"`
}

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// Client connects to a single MCP server and provides typed access to
// the protocol operations (initialize, tools/list, tools/call, ping).
// It refreshes its cached tool list when the server pushes
// notifications/tools/list_changed.
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger
	nextID    atomic.Int64

	mu           sync.RWMutex
	initialized  bool
	serverName   string
	serverVer    string
	protoVersion string
	serverCaps   ServerCapabilities
	clientCaps   ClientCapabilities
	instructions string
	connectTime  time.Duration
	tools        []ToolDefinition

	// onToolsChanged fires after the tool list is refreshed in response
	// to a list_changed notification.
	onToolsChanged func([]ToolDefinition)
}

// NewClient creates an MCP client for the given server. The transport
// determines how messages are delivered (WebSocket or HTTP).
func NewClient(name string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("mcp_server", name),
	}
	c.nextID.Store(0)
	transport.SetNotificationHandler(c.handleNotification)
	return c
}

// Name returns the server name this client is connected to.
func (c *Client) Name() string {
	return c.name
}

// OnClose registers a handler for unsolicited transport loss. A
// caller-initiated Close never triggers it.
func (c *Client) OnClose(h CloseHandler) {
	c.transport.SetCloseHandler(h)
}

// OnToolsChanged registers a callback fired after the server pushes a
// tools-list-changed notification and the list has been refreshed.
func (c *Client) OnToolsChanged(fn func([]ToolDefinition)) {
	c.mu.Lock()
	c.onToolsChanged = fn
	c.mu.Unlock()
}

// Initialize performs the MCP handshake: sends an initialize request,
// records the negotiated protocol version, capabilities, and optional
// instructions, and completes with the initialized notification.
func (c *Client) Initialize(ctx context.Context) error {
	start := time.Now()

	caps := defaultClientCapabilities()
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    caps,
		"clientInfo": map[string]any{
			"name":    "tether",
			"version": buildinfo.Version,
		},
	}

	resp, err := c.send(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.serverName = result.ServerInfo.Name
	c.serverVer = result.ServerInfo.Version
	c.protoVersion = result.ProtocolVersion
	c.serverCaps = result.Capabilities
	c.clientCaps = caps
	c.instructions = result.Instructions
	c.connectTime = time.Since(start)
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
		"connect_ms", time.Since(start).Milliseconds(),
	)

	// Send the initialized notification to complete the handshake.
	if err := c.transport.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	return nil
}

// Capabilities returns the server-advertised capability set.
func (c *Client) Capabilities() ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverCaps
}

// Instructions returns the optional instructions text from the handshake.
func (c *Client) Instructions() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instructions
}

// ProtocolVersion returns the negotiated protocol version.
func (c *Client) ProtocolVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.protoVersion
}

// ConnectTime returns how long the handshake took.
func (c *Client) ConnectTime() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectTime
}

// ServerVersion returns the server's self-reported name and version.
func (c *Client) ServerVersion() (name, version string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverName, c.serverVer
}

// ListTools calls tools/list and returns the available tool
// definitions. Results are cached; the cache is invalidated when the
// server pushes a list_changed notification.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	c.mu.RLock()
	if c.tools != nil {
		defer c.mu.RUnlock()
		return c.tools, nil
	}
	c.mu.RUnlock()

	return c.RefreshTools(ctx)
}

// RefreshTools forces a tools/list call, replacing the cached list.
func (c *Client) RefreshTools(ctx context.Context) ([]ToolDefinition, error) {
	resp, err := c.send(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var result toolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
	}

	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()

	c.logger.Info("discovered MCP tools", "count", len(result.Tools))
	return result.Tools, nil
}

// CachedTools returns the cached tool list without a network call.
func (c *Client) CachedTools() []ToolDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// CallTool invokes a tool by name with the given arguments and returns
// the structured result. A protocol-level error is returned as err; a
// tool-level error is surfaced via ToolResult.IsError so the caller can
// feed it back to the model.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	resp, err := c.send(ctx, "tools/call", params)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result ToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/call result: %w", err)
	}

	return &result, nil
}

// Ping checks whether the MCP server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.send(ctx, "ping", nil)
	return err
}

// Close shuts down the client and its transport.
func (c *Client) Close() error {
	c.logger.Info("closing MCP client")
	return c.transport.Close()
}

// send issues a JSON-RPC request and checks for protocol-level errors.
func (c *Client) send(ctx context.Context, method string, params any) (*Response, error) {
	id := c.nextID.Add(1)
	req := NewRequest(id, method, params)

	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.Error != nil {
		return nil, resp.Error
	}

	return resp, nil
}

// handleNotification dispatches server-initiated notifications. Called
// from the transport's read goroutine, so the actual refresh work runs
// on its own goroutine with a bounded deadline.
func (c *Client) handleNotification(method string, _ json.RawMessage) {
	switch method {
	case NotifyToolsListChanged:
		c.logger.Info("tool list changed, refreshing")
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			tools, err := c.RefreshTools(ctx)
			if err != nil {
				c.logger.Warn("refresh after list_changed failed", "error", err)
				return
			}

			c.mu.RLock()
			fn := c.onToolsChanged
			c.mu.RUnlock()
			if fn != nil {
				fn(tools)
			}
		}()
	case NotifyPromptsListChanged:
		c.logger.Debug("prompt list changed")
	case NotifyResourceUpdated:
		c.logger.Debug("resource updated")
	default:
		c.logger.Debug("ignoring unsupported notification", "method", method)
	}
}
