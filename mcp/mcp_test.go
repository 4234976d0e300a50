package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/martinemde/taskpilot/agentloop"
	"github.com/martinemde/taskpilot/unifiedllm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// echoServer serves echo, fail (isError result), crash (handler error) and
// hang (blocks until cancelled).
func echoServer() *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer("fake", "1.0.0", mcpserver.WithToolCapabilities(true))
	s.AddTool(mcpgo.NewTool("echo",
		mcpgo.WithDescription("Echo text"),
		mcpgo.WithString("text", mcpgo.Required()),
	), func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		text, _ := req.GetArguments()["text"].(string)
		return &mcpgo.CallToolResult{Content: []mcpgo.Content{
			mcpgo.NewTextContent(text),
			mcpgo.NewTextContent("done"),
		}}, nil
	})
	s.AddTool(mcpgo.NewTool("fail"), func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		return mcpgo.NewToolResultError("boom"), nil
	})
	s.AddTool(mcpgo.NewTool("crash"), func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		return nil, errors.New("backend down")
	})
	s.AddTool(mcpgo.NewTool("hang"), func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	return s
}

func connect(t *testing.T, s *mcpserver.MCPServer) *mcpclient.Client {
	t.Helper()
	c, err := mcpclient.NewInProcessClient(s)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// pagedClient serves tools/list in pages of one and records cursors.
type pagedClient struct {
	tools   []mcpgo.Tool
	cursors []mcpgo.Cursor
	closed  bool
}

func (c *pagedClient) Initialize(context.Context, mcpgo.InitializeRequest) (*mcpgo.InitializeResult, error) {
	return &mcpgo.InitializeResult{ProtocolVersion: mcpgo.LATEST_PROTOCOL_VERSION}, nil
}

func (c *pagedClient) ListTools(_ context.Context, req mcpgo.ListToolsRequest) (*mcpgo.ListToolsResult, error) {
	c.cursors = append(c.cursors, req.Params.Cursor)
	i := 0
	if req.Params.Cursor != "" {
		i = int(req.Params.Cursor[0] - '0')
	}
	res := &mcpgo.ListToolsResult{Tools: c.tools[i : i+1]}
	if i+1 < len(c.tools) {
		res.NextCursor = mcpgo.Cursor(string(rune('0' + i + 1)))
	}
	return res, nil
}

func (c *pagedClient) CallTool(context.Context, mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	return nil, errors.New("not supported")
}

func (c *pagedClient) Close() error {
	c.closed = true
	return nil
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcp.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"mcpServers": {
			"files": {"command": "files-server", "args": ["--root", "."], "env": {"A": "1"}},
			"off": {"command": "", "disabled": true}
		}
	}`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"files"}, cfg.EnabledServers())
	assert.Equal(t, []string{"--root", "."}, cfg.Servers["files"].Args)
	assert.Equal(t, "1", cfg.Servers["files"].Env["A"])

	_, err = LoadConfig(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers": {"x": {}}}`), 0o644))
	_, err = LoadConfig(path)
	assert.ErrorContains(t, err, "command is required")

	require.NoError(t, os.WriteFile(path, []byte(`{`), 0o644))
	_, err = LoadConfig(path)
	assert.ErrorContains(t, err, "parse mcp config")
}

func TestListToolsFollowsCursor(t *testing.T) {
	c := &pagedClient{tools: []mcpgo.Tool{mcpgo.NewTool("a"), mcpgo.NewTool("b"), mcpgo.NewTool("c")}}
	tools, err := listTools(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, tools, 3)
	assert.Equal(t, "c", tools[2].Name)
	assert.Equal(t, []mcpgo.Cursor{"", "1", "2"}, c.cursors)
}

func TestCallToolText(t *testing.T) {
	c := connect(t, echoServer())
	ctx := context.Background()
	_, err := initialize(ctx, c)
	require.NoError(t, err)

	text, isError, err := callTool(ctx, c, "echo", map[string]interface{}{"text": "hi"})
	require.NoError(t, err)
	assert.False(t, isError)
	assert.Equal(t, "hi\ndone", text)

	text, isError, err = callTool(ctx, c, "fail", nil)
	require.NoError(t, err)
	assert.True(t, isError)
	assert.Equal(t, "boom", text)

	_, _, err = callTool(ctx, c, "crash", nil)
	assert.ErrorContains(t, err, "tools/call crash")
}

func TestResultTextSkipsNonText(t *testing.T) {
	tc := mcpgo.NewTextContent("b")
	got := resultText([]mcpgo.Content{
		mcpgo.NewTextContent("a"),
		mcpgo.NewImageContent("aGk=", "image/png"),
		&tc,
	})
	assert.Equal(t, "a\nb", got)
}

func TestInputSchemaPrefersRawSchema(t *testing.T) {
	raw := json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}},"required":["q"]}`)
	schema := inputSchema(mcpgo.NewToolWithRawSchema("search", "Search", raw))
	assert.Equal(t, []interface{}{"q"}, schema["required"])

	schema = inputSchema(mcpgo.NewTool("plain"))
	assert.Equal(t, "object", schema["type"])
	assert.NotContains(t, schema, "required")
}

func TestToolName(t *testing.T) {
	assert.Equal(t, "files__read", toolName("files", "read"))
	assert.Equal(t, "my_server__get_weather_v2", toolName("my server", "get.weather/v2"))
}

func TestEnvList(t *testing.T) {
	assert.Equal(t, []string{"A=1", "B=2"}, envList(map[string]string{"B": "2", "A": "1"}))
	assert.Empty(t, envList(nil))
}

func TestManagerRegistersTools(t *testing.T) {
	m := NewManager()
	n, err := m.AddClient(context.Background(), "util", connect(t, echoServer()))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []string{"util"}, m.ServerNames())

	registry, err := agentloop.NewToolRegistry(m.Tools())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"util__echo", "util__fail", "util__crash", "util__hang"}, registry.Names())
	assert.False(t, registry.IsMutating("util__echo"))

	ctx := context.Background()
	res := registry.Execute(ctx, toolCall("util__echo", `{"text":"hello"}`))
	assert.Equal(t, agentloop.StatusSuccess, res.Status)
	assert.Equal(t, "hello\ndone", res.Payload["output"])

	res = registry.Execute(ctx, toolCall("util__fail", `{}`))
	assert.Equal(t, agentloop.StatusFailed, res.Status)
	assert.Equal(t, "boom", res.Payload["output"])

	// Schema from the server is enforced before the call is forwarded.
	res = registry.Execute(ctx, toolCall("util__echo", `{}`))
	assert.Equal(t, agentloop.StatusError, res.Status)

	require.NoError(t, m.Close())
	assert.Empty(t, m.Tools())
}

func TestManagerServerErrorsAreErrorResults(t *testing.T) {
	m := NewManager()
	_, err := m.AddClient(context.Background(), "util", connect(t, echoServer()))
	require.NoError(t, err)
	registry, err := agentloop.NewToolRegistry(m.Tools(), agentloop.WithToolTimeout(100*time.Millisecond))
	require.NoError(t, err)

	res := registry.Execute(context.Background(), toolCall("util__crash", `{}`))
	assert.Equal(t, agentloop.StatusError, res.Status)
	assert.Contains(t, res.Message(), "mcp server util")

	res = registry.Execute(context.Background(), toolCall("util__hang", `{}`))
	assert.Equal(t, agentloop.StatusError, res.Status)
	require.NoError(t, m.Close())
}

func TestManagerRejectsDuplicateServer(t *testing.T) {
	m := NewManager()
	_, err := m.AddClient(context.Background(), "util", connect(t, echoServer()))
	require.NoError(t, err)

	second := &pagedClient{tools: []mcpgo.Tool{mcpgo.NewTool("a")}}
	_, err = m.AddClient(context.Background(), "util", second)
	assert.ErrorContains(t, err, "already connected")
	assert.True(t, second.closed)
	require.NoError(t, m.Close())
}

func TestManagerSkipsUnreachableServers(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	m := NewManager(WithManagerLogger(zap.New(core)), WithConnectTimeout(time.Second))
	m.spawn = func(name string, cfg ServerConfig, logger *zap.Logger) (Client, error) {
		if name == "broken" {
			return nil, errors.New("exec: not found")
		}
		return connect(t, echoServer()), nil
	}

	n := m.Load(context.Background(), &Config{Servers: map[string]ServerConfig{
		"broken": {Command: "does-not-exist"},
		"good":   {Command: "fake"},
		"off":    {Command: "fake", Disabled: true},
	}})
	assert.Equal(t, 4, n)
	assert.Equal(t, []string{"good"}, m.ServerNames())
	assert.Equal(t, 1, logs.FilterMessage("mcp server unavailable").Len())
	require.NoError(t, m.Close())
}

func TestManagerLoadFileSoftFailures(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	m := NewManager(WithManagerLogger(zap.New(core)))
	dir := t.TempDir()

	assert.Zero(t, m.LoadFile(context.Background(), filepath.Join(dir, "absent.json")))
	assert.Equal(t, 1, logs.FilterMessage("no mcp config").Len())

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("not json"), 0o644))
	assert.Zero(t, m.LoadFile(context.Background(), bad))
	assert.Equal(t, 1, logs.FilterMessage("skipping mcp config").Len())
}

func TestSpawnMissingCommand(t *testing.T) {
	_, err := Spawn("x", ServerConfig{Command: filepath.Join(t.TempDir(), "no-such-binary")}, nil)
	assert.Error(t, err)
}

func toolCall(name, args string) unifiedllm.ToolCall {
	return unifiedllm.ToolCall{ID: "c1", Name: name, Arguments: json.RawMessage(args)}
}
