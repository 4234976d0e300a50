package mcp

import (
	"context"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/martinemde/taskpilot/agentloop"
)

// newTool wraps a server tool as an agentloop tool. Server-reported errors
// become failed results; transport errors become error results.
func newTool(server string, info mcpgo.Tool, client Client) agentloop.Tool {
	params := inputSchema(info)
	if params == nil {
		params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	description := info.Description
	if description == "" {
		description = "Tool " + info.Name + " provided by MCP server " + server + "."
	}
	remote := info.Name
	return agentloop.Tool{
		Definition: agentloop.ToolDefinition{
			Name:        toolName(server, info.Name),
			Description: description,
			Parameters:  params,
		},
		Handler: func(ctx context.Context, args map[string]interface{}) agentloop.ToolResult {
			text, isError, err := callTool(ctx, client, remote, args)
			if err != nil {
				return agentloop.ErrorResult("mcp server %s: %v", server, err)
			}
			payload := map[string]interface{}{"output": text}
			if isError {
				return agentloop.Failed(payload)
			}
			return agentloop.Success(payload)
		},
	}
}
