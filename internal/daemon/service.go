package daemon

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.olrik.dev/devman/internal/core"
)

const serverInstructions = "MCP Dev Server Manager - manages multiple development server sessions " +
	"with automatic port allocation and log capture."

// NewToolService builds the MCP server exposing the Manager's four tools.
// Every tool returns the Manager's JSON response verbatim as text content;
// Manager failures are `{"error": ...}` objects inside a successful result,
// never protocol errors. A missing required argument yields a plain-text
// error tool result instead.
func NewToolService(m *Manager) *server.MCPServer {
	s := server.NewMCPServer(
		"devman",
		core.FormatVersion(core.Version),
		server.WithToolCapabilities(false),
		server.WithInstructions(serverInstructions),
		server.WithRecovery(),
	)

	startTool := mcp.NewTool("start",
		mcp.WithDescription("Start a development server. Returns auto-generated session key, port number and status."),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("Shell command that launches the server"),
		),
	)
	s.AddTool(startTool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		command, err := req.RequireString("command")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		// cwd is injected by the stdio proxy and deliberately absent from
		// the advertised schema
		cwd := req.GetString("cwd", "")
		return toolResult(m.Start(command, cwd)), nil
	})

	stopTool := mcp.NewTool("stop",
		mcp.WithDescription("Stop a running development server session."),
		mcp.WithString("session_key",
			mcp.Required(),
			mcp.Description("Key of the session to stop"),
		),
	)
	s.AddTool(stopTool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionKey, err := req.RequireString("session_key")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return toolResult(m.Stop(sessionKey)), nil
	})

	statusTool := mcp.NewTool("status",
		mcp.WithDescription("Get status of one or all development server sessions."),
		mcp.WithString("session_key",
			mcp.Description("Key of a single session; omit for all sessions"),
		),
	)
	s.AddTool(statusTool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return toolResult(m.Status(req.GetString("session_key", ""))), nil
	})

	tailTool := mcp.NewTool("tail",
		mcp.WithDescription("Get stdout/stderr logs for a development server session."),
		mcp.WithString("session_key",
			mcp.Required(),
			mcp.Description("Key of the session to read logs from"),
		),
	)
	s.AddTool(tailTool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionKey, err := req.RequireString("session_key")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return toolResult(m.Tail(sessionKey)), nil
	})

	return s
}

func toolResult(v map[string]any) *mcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultText(string(data))
}
