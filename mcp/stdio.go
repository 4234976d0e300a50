package mcp

import (
	"bufio"
	"fmt"
	"sort"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"go.uber.org/zap"
)

// Spawn starts cfg.Command and returns a client speaking MCP over its stdio.
// The server's stderr is forwarded to the logger at debug level. The
// process is stopped by Close.
func Spawn(name string, cfg ServerConfig, logger *zap.Logger) (*mcpclient.Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := mcpclient.NewStdioMCPClient(cfg.Command, envList(cfg.Env), cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
	}
	if stderr, ok := mcpclient.GetStderr(c); ok {
		log := logger.With(zap.String("mcp_server", name))
		go func() {
			sc := bufio.NewScanner(stderr)
			for sc.Scan() {
				log.Debug("server stderr", zap.String("line", sc.Text()))
			}
		}()
	}
	return c, nil
}

// envList renders env as sorted KEY=value pairs. They are added to the
// inherited environment of the server process.
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
