// Package config handles forge-mcp configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/corey-rosamond/Code-Forge-sub000/internal/mcp"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./forge-mcp.yaml, ~/.config/forge-mcp/config.yaml,
// /etc/forge-mcp/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"forge-mcp.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "forge-mcp", "config.yaml"))
	}

	paths = append(paths, "/etc/forge-mcp/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
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

// Config holds all forge-mcp configuration.
type Config struct {
	LogLevel  string    `yaml:"log_level"`
	LogFormat string    `yaml:"log_format"` // "text" or "json"
	DataDir   string    `yaml:"data_dir"`
	MCP       MCPConfig `yaml:"mcp"`
}

// MCPConfig holds the global client settings and the server list.
type MCPConfig struct {
	// CallTimeoutSec bounds each MCP request (default 30).
	CallTimeoutSec int `yaml:"call_timeout_sec"`

	// ReconnectAttempts bounds the manager's retry loop (default 3).
	ReconnectAttempts int `yaml:"reconnect_attempts"`

	// ReconnectDelaySec is the fixed delay between retries (default 5).
	ReconnectDelaySec int `yaml:"reconnect_delay_sec"`

	// Servers is the ordered list of MCP servers.
	Servers []ServerConfig `yaml:"servers"`
}

// ServerConfig is one MCP server entry. Transport selects which fields
// apply: stdio uses command/args/env/dir, http and ws use url/headers.
type ServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	Dir       string            `yaml:"dir"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`

	// Enabled and AutoConnect default to true when omitted.
	Enabled     *bool `yaml:"enabled"`
	AutoConnect *bool `yaml:"auto_connect"`

	IncludeTools []string `yaml:"include_tools"`
	ExcludeTools []string `yaml:"exclude_tools"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		DataDir:   ".",
		MCP: MCPConfig{
			CallTimeoutSec:    30,
			ReconnectAttempts: 3,
			ReconnectDelaySec: 5,
		},
	}
}

// applyDefaults fills zero-valued fields after unmarshalling.
func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.MCP.CallTimeoutSec <= 0 {
		c.MCP.CallTimeoutSec = 30
	}
	if c.MCP.ReconnectAttempts <= 0 {
		c.MCP.ReconnectAttempts = 3
	}
	if c.MCP.ReconnectDelaySec <= 0 {
		c.MCP.ReconnectDelaySec = 5
	}
}

// Validate checks the log level, log format, and every server entry,
// including per-transport invariants and duplicate names.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log format %q (expected text or json)", c.LogFormat)
	}

	seen := make(map[string]bool, len(c.MCP.Servers))
	for i := range c.MCP.Servers {
		sc := c.MCP.Servers[i].toMCP()
		if err := sc.Validate(); err != nil {
			return err
		}
		if seen[sc.Name] {
			return fmt.Errorf("duplicate server name %q", sc.Name)
		}
		seen[sc.Name] = true
	}
	return nil
}

// toMCP converts one YAML server entry into the manager's shape,
// applying the enabled/auto_connect defaults.
func (s *ServerConfig) toMCP() mcp.ServerConfig {
	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	autoConnect := true
	if s.AutoConnect != nil {
		autoConnect = *s.AutoConnect
	}
	return mcp.ServerConfig{
		Name:         s.Name,
		Transport:    mcp.TransportKind(s.Transport),
		Command:      s.Command,
		Args:         s.Args,
		Env:          s.Env,
		Dir:          s.Dir,
		URL:          s.URL,
		Headers:      s.Headers,
		Enabled:      enabled,
		AutoConnect:  autoConnect,
		IncludeTools: s.IncludeTools,
		ExcludeTools: s.ExcludeTools,
	}
}

// Servers returns the server list in the manager's shape.
func (c *Config) Servers() []mcp.ServerConfig {
	servers := make([]mcp.ServerConfig, 0, len(c.MCP.Servers))
	for i := range c.MCP.Servers {
		servers = append(servers, c.MCP.Servers[i].toMCP())
	}
	return servers
}

// Settings returns the global client settings in the manager's shape.
func (c *Config) Settings() mcp.Settings {
	return mcp.Settings{
		CallTimeout:       time.Duration(c.MCP.CallTimeoutSec) * time.Second,
		ReconnectAttempts: c.MCP.ReconnectAttempts,
		ReconnectDelay:    time.Duration(c.MCP.ReconnectDelaySec) * time.Second,
		ClientName:        "forge-mcp",
	}
}

// Loader re-reads a config file on demand, implementing the manager's
// reload interface. The path is fixed at construction so a reload
// always sees the same file the process started with.
type Loader struct {
	Path string
}

// LoadServers parses the file fresh and returns the server list.
func (l *Loader) LoadServers() ([]mcp.ServerConfig, error) {
	cfg, err := Load(l.Path)
	if err != nil {
		return nil, err
	}
	return cfg.Servers(), nil
}
