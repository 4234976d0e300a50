package mcp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/martinemde/taskpilot/agentloop"
	"go.uber.org/zap"
)

// DefaultConnectTimeout bounds the handshake and tool listing per server.
const DefaultConnectTimeout = 30 * time.Second

// toolSeparator joins server and tool names in registry entries.
const toolSeparator = "__"

// Manager owns the connections to every configured server and the tools
// they contribute. Connection problems never fail the caller: they are
// logged and the server is skipped.
type Manager struct {
	logger         *zap.Logger
	connectTimeout time.Duration
	spawn          func(name string, cfg ServerConfig, logger *zap.Logger) (Client, error)

	mu      sync.Mutex
	clients map[string]Client
	order   []string
	tools   []agentloop.Tool
	names   map[string]bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger. The default discards output.
func WithManagerLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithConnectTimeout overrides DefaultConnectTimeout.
func WithConnectTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.connectTimeout = d
		}
	}
}

// NewManager returns an empty manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:         zap.NewNop(),
		connectTimeout: DefaultConnectTimeout,
		clients:        make(map[string]Client),
		names:          make(map[string]bool),
	}
	m.spawn = func(name string, cfg ServerConfig, logger *zap.Logger) (Client, error) {
		c, err := Spawn(name, cfg, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadFile reads path and connects every enabled server in it. It returns
// the number of tools added. A missing file is logged at info level.
func (m *Manager) LoadFile(ctx context.Context, path string) int {
	cfg, err := LoadConfig(path)
	if errors.Is(err, os.ErrNotExist) {
		m.logger.Info("no mcp config", zap.String("path", path))
		return 0
	}
	if err != nil {
		m.logger.Warn("skipping mcp config", zap.String("path", path), zap.Error(err))
		return 0
	}
	return m.Load(ctx, cfg)
}

// Load connects every enabled server in cfg and returns the number of
// tools added.
func (m *Manager) Load(ctx context.Context, cfg *Config) int {
	if cfg == nil {
		return 0
	}
	added := 0
	for _, name := range cfg.EnabledServers() {
		client, err := m.spawn(name, cfg.Servers[name], m.logger)
		if err != nil {
			m.logger.Warn("mcp server unavailable", zap.String("mcp_server", name), zap.Error(err))
			continue
		}
		n, err := m.AddClient(ctx, name, client)
		if err != nil {
			m.logger.Warn("mcp server unavailable", zap.String("mcp_server", name), zap.Error(err))
			continue
		}
		added += n
	}
	return added
}

// AddClient performs the handshake with client, lists its tools and
// registers them under "<name>__<tool>". On failure the client is closed.
// Tools with names that collide or schemas that do not compile are skipped.
func (m *Manager) AddClient(ctx context.Context, name string, client Client) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	handshake, err := initialize(ctx, client)
	if err != nil {
		_ = client.Close()
		return 0, err
	}
	infos, err := listTools(ctx, client)
	if err != nil {
		_ = client.Close()
		return 0, err
	}
	m.logger.Debug("mcp handshake",
		zap.String("mcp_server", name),
		zap.String("protocol", handshake.ProtocolVersion),
		zap.String("server_name", handshake.ServerInfo.Name),
		zap.String("server_version", handshake.ServerInfo.Version),
	)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.clients[name]; dup {
		_ = client.Close()
		return 0, fmt.Errorf("mcp server %q already connected", name)
	}
	m.clients[name] = client
	m.order = append(m.order, name)

	added := 0
	for _, info := range infos {
		tool := newTool(name, info, client)
		toolName := tool.Definition.Name
		if m.names[toolName] {
			m.logger.Warn("duplicate mcp tool", zap.String("tool", toolName))
			continue
		}
		if _, err := agentloop.NewToolRegistry([]agentloop.Tool{tool}); err != nil {
			m.logger.Warn("skipping mcp tool", zap.String("tool", toolName), zap.Error(err))
			continue
		}
		m.names[toolName] = true
		m.tools = append(m.tools, tool)
		added++
	}
	m.logger.Info("mcp server connected", zap.String("mcp_server", name), zap.Int("tools", added))
	return added, nil
}

// Tools returns the registered tools in connection order.
func (m *Manager) Tools() []agentloop.Tool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]agentloop.Tool(nil), m.tools...)
}

// ServerNames returns connected servers in connection order.
func (m *Manager) ServerNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// Close disconnects every server.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, name := range m.order {
		if err := m.clients[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	m.clients = make(map[string]Client)
	m.order = nil
	m.tools = nil
	m.names = make(map[string]bool)
	return errors.Join(errs...)
}

// toolName builds the registry name for a server tool. Characters outside
// [A-Za-z0-9_-] are replaced so every provider accepts the name.
func toolName(server, tool string) string {
	sanitize := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
				return r
			default:
				return '_'
			}
		}, s)
	}
	return sanitize(server) + toolSeparator + sanitize(tool)
}
