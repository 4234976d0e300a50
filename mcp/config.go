package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// DefaultConfigPath is where the CLI looks for server definitions.
const DefaultConfigPath = "config/mcp.json"

// Config lists the MCP servers to connect to. The layout matches the
// common mcp.json format used by desktop assistants.
type Config struct {
	Servers map[string]ServerConfig `json:"mcpServers"`
}

// ServerConfig describes one stdio server.
type ServerConfig struct {
	Command  string            `json:"command"`
	Args     []string          `json:"args"`
	Env      map[string]string `json:"env"`
	Disabled bool              `json:"disabled"`
}

// LoadConfig reads and validates an MCP config file. A missing file is
// reported with an error wrapping os.ErrNotExist.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mcp config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse mcp config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mcp config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate requires a command for every enabled server.
func (c *Config) Validate() error {
	for _, name := range c.names() {
		s := c.Servers[name]
		if !s.Disabled && s.Command == "" {
			return fmt.Errorf("server %q: command is required", name)
		}
	}
	return nil
}

// EnabledServers returns the names of servers that are not disabled, sorted.
func (c *Config) EnabledServers() []string {
	var out []string
	for _, name := range c.names() {
		if !c.Servers[name].Disabled {
			out = append(out, name)
		}
	}
	return out
}

func (c *Config) names() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
