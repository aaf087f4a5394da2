package registry

import "github.com/voslund/tether/internal/config"

// ServersFromConfig maps the YAML server entries onto registry server
// configs.
func ServersFromConfig(cfgs []config.MCPServerConfig) []ServerConfig {
	out := make([]ServerConfig, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, ServerConfig{
			Name:    c.Name,
			URL:     c.URL,
			Headers: c.Headers,
			Timeout: c.Timeout(),
			Enabled: c.Enabled,
		})
	}
	return out
}
