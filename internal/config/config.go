// Package config handles tether configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./tether.yaml, ~/.config/tether/tether.yaml, /etc/tether/tether.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"tether.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "tether", "tether.yaml"))
	}

	paths = append(paths, "/etc/tether/tether.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise the search paths are tried in order and the first
// existing file wins.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all tether configuration.
type Config struct {
	Listen     ListenConfig      `yaml:"listen"`
	Completion CompletionConfig  `yaml:"completion"`
	Servers    []MCPServerConfig `yaml:"mcp_servers"`
	Agent      AgentConfig       `yaml:"agent"`
	AuditDB    string            `yaml:"audit_db"`
	LogLevel   string            `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // bind address ("" = all interfaces)
	Port    int    `yaml:"port"`
}

// CompletionConfig defines the chat-completion endpoint settings.
type CompletionConfig struct {
	// BaseURL is the root of an OpenAI-compatible server
	// (e.g., http://localhost:8080). The client posts to
	// {BaseURL}/v1/chat/completions.
	BaseURL string `yaml:"base_url"`

	// APIKey, when set, is sent as a Bearer token.
	APIKey string `yaml:"api_key"`

	// Model is the default model name. Empty lets the server choose.
	Model string `yaml:"model"`

	// Temperature and TopP are passed through as sampling parameters
	// when non-zero.
	Temperature float64 `yaml:"temperature"`
	TopP        float64 `yaml:"top_p"`
}

// MCPServerConfig defines one MCP tool server.
type MCPServerConfig struct {
	// Name identifies the server in logs, the tool index, and the API.
	Name string `yaml:"name"`

	// URL is the server endpoint. ws:// and wss:// select the
	// WebSocket transport; http:// and https:// select streamable HTTP.
	URL string `yaml:"url"`

	// Headers are additional HTTP headers (e.g., Authorization) sent
	// on every request or during the WebSocket upgrade.
	Headers map[string]string `yaml:"headers"`

	// TimeoutSec bounds the handshake and each request (default 30).
	TimeoutSec int `yaml:"timeout_sec"`

	// Enabled controls whether the server participates in
	// initialization. Disabled servers can still be health-checked.
	Enabled bool `yaml:"enabled"`
}

// Timeout returns the per-request timeout as a duration.
func (c MCPServerConfig) Timeout() time.Duration {
	if c.TimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSec) * time.Second
}

// AgentConfig defines agentic loop settings.
type AgentConfig struct {
	// Enabled turns tool orchestration on. When false, chat requests
	// fall through to a plain single-turn completion.
	Enabled bool `yaml:"enabled"`

	// MaxTurns caps model turns per request (default 10).
	MaxTurns int `yaml:"max_turns"`

	// MaxPreviewLines caps tool-result lines embedded in the output
	// stream; oversized results keep the tail (default 40).
	MaxPreviewLines int `yaml:"max_preview_lines"`

	// FilterReasoning suppresses reasoning output after the first turn
	// so multi-turn tool exchanges do not flood the stream with
	// intermediate chains of thought.
	FilterReasoning bool `yaml:"filter_reasoning"`
}

// MaxTurnsOrDefault returns MaxTurns with the default applied.
func (a AgentConfig) MaxTurnsOrDefault() int {
	if a.MaxTurns <= 0 {
		return 10
	}
	return a.MaxTurns
}

// MaxPreviewLinesOrDefault returns MaxPreviewLines with the default applied.
func (a AgentConfig) MaxPreviewLinesOrDefault() int {
	if a.MaxPreviewLines <= 0 {
		return 40
	}
	return a.MaxPreviewLines
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}

// Validate checks cross-field constraints that YAML decoding cannot.
func (c *Config) Validate() error {
	if c.Completion.BaseURL == "" {
		return fmt.Errorf("completion.base_url is required")
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if s.Name == "" {
			return fmt.Errorf("mcp_servers[%d]: name is required", i)
		}
		if s.URL == "" {
			return fmt.Errorf("mcp_servers[%d] (%s): url is required", i, s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("mcp_servers: duplicate name %q", s.Name)
		}
		seen[s.Name] = true
	}

	if c.Listen.Port == 0 {
		c.Listen.Port = 8765
	}

	return nil
}
