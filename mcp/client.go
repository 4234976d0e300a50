// Package mcp connects to Model Context Protocol servers and exposes their
// tools as agentloop tools. The protocol itself is handled by mcp-go.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

// Identity sent to servers during initialize.
const (
	ClientName    = "taskpilot"
	ClientVersion = "0.1.0"
)

// Client is the part of an MCP client connection the manager uses.
type Client interface {
	Initialize(ctx context.Context, req mcpgo.InitializeRequest) (*mcpgo.InitializeResult, error)
	ListTools(ctx context.Context, req mcpgo.ListToolsRequest) (*mcpgo.ListToolsResult, error)
	CallTool(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error)
	Close() error
}

var _ Client = (*mcpclient.Client)(nil)

func initialize(ctx context.Context, c Client) (*mcpgo.InitializeResult, error) {
	var req mcpgo.InitializeRequest
	req.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcpgo.Implementation{Name: ClientName, Version: ClientVersion}
	res, err := c.Initialize(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return res, nil
}

// listTools follows nextCursor until the server stops returning one.
func listTools(ctx context.Context, c Client) ([]mcpgo.Tool, error) {
	var tools []mcpgo.Tool
	var req mcpgo.ListToolsRequest
	for {
		page, err := c.ListTools(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == req.Params.Cursor {
			return tools, nil
		}
		req.Params.Cursor = page.NextCursor
	}
}

// callTool returns the joined text of the result and whether the server
// flagged it as an error. err is reserved for protocol and transport failures.
func callTool(ctx context.Context, c Client, name string, args map[string]interface{}) (string, bool, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	var req mcpgo.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.CallTool(ctx, req)
	if err != nil {
		return "", false, fmt.Errorf("tools/call %s: %w", name, err)
	}
	return resultText(res.Content), res.IsError, nil
}

func resultText(content []mcpgo.Content) string {
	var parts []string
	for _, c := range content {
		var text string
		switch tc := c.(type) {
		case mcpgo.TextContent:
			text = tc.Text
		case *mcpgo.TextContent:
			text = tc.Text
		}
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

// inputSchema returns the tool's parameter schema as a generic map, using
// the raw schema when the server sent one. Null members are dropped.
func inputSchema(tool mcpgo.Tool) map[string]interface{} {
	b, err := json.Marshal(tool)
	if err != nil {
		return nil
	}
	var wire struct {
		InputSchema map[string]interface{} `json:"inputSchema"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return nil
	}
	for k, v := range wire.InputSchema {
		if v == nil {
			delete(wire.InputSchema, k)
		}
	}
	return wire.InputSchema
}
