package daemon

import (
	"context"
	"encoding/json"
	"runtime"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"
)

type toolCallReply struct {
	Result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"result"`
}

// callTool drives the MCP server the way a transport would and returns
// the decoded JSON payload from the tool's text content.
func callTool(t *testing.T, s *server.MCPServer, name string, args map[string]any) map[string]any {
	t.Helper()

	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  map[string]any{"name": name, "arguments": args},
	}
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	resp := s.HandleMessage(context.Background(), raw)
	respJSON, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}

	var reply toolCallReply
	if err := json.Unmarshal(respJSON, &reply); err != nil {
		t.Fatalf("decode response %s: %v", respJSON, err)
	}
	if len(reply.Result.Content) != 1 {
		t.Fatalf("Expected one content item, got %s", respJSON)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(reply.Result.Content[0].Text), &payload); err != nil {
		t.Fatalf("decode tool payload %q: %v", reply.Result.Content[0].Text, err)
	}
	return payload
}

func TestToolServiceAdvertisesFourTools(t *testing.T) {
	m := newTestManager(t, 46400)
	s := NewToolService(m)

	resp := s.HandleMessage(context.Background(),
		json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	respJSON, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}

	var reply struct {
		Result struct {
			Tools []struct {
				Name        string `json:"name"`
				InputSchema struct {
					Properties map[string]any `json:"properties"`
				} `json:"inputSchema"`
			} `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respJSON, &reply); err != nil {
		t.Fatalf("decode response %s: %v", respJSON, err)
	}

	byName := map[string]map[string]any{}
	for _, tool := range reply.Result.Tools {
		byName[tool.Name] = tool.InputSchema.Properties
	}

	for _, name := range []string{"start", "stop", "status", "tail"} {
		if _, ok := byName[name]; !ok {
			t.Errorf("Tool %q not advertised", name)
		}
	}
	if len(reply.Result.Tools) != 4 {
		t.Errorf("Expected exactly 4 tools, got %d", len(reply.Result.Tools))
	}

	// cwd is proxy-injected, never advertised
	if _, ok := byName["start"]["cwd"]; ok {
		t.Error("start schema must not declare cwd")
	}
	if _, ok := byName["start"]["command"]; !ok {
		t.Error("start schema must declare command")
	}
}

func TestToolServiceSessionNotFound(t *testing.T) {
	m := newTestManager(t, 46500)
	s := NewToolService(m)

	payload := callTool(t, s, "status", map[string]any{"session_key": "ZZZZ"})
	if payload["error"] != "Session not found" {
		t.Errorf("Expected session-not-found error, got %v", payload)
	}
}

func TestToolServiceLifecycle(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test commands assume a POSIX shell")
	}

	m := newTestManager(t, 46600)
	s := NewToolService(m)

	started := callTool(t, s, "start", map[string]any{"command": "sleep 30"})
	if started["status"] != "started" {
		t.Fatalf("Expected started, got %v", started)
	}
	key := started["session_key"].(string)

	status := callTool(t, s, "status", map[string]any{"session_key": key})
	if status["running"] != true {
		t.Errorf("Expected running=true, got %v", status)
	}

	tail := callTool(t, s, "tail", map[string]any{"session_key": key})
	if _, ok := tail["stdout"]; !ok {
		t.Errorf("Expected stdout in tail, got %v", tail)
	}

	stopped := callTool(t, s, "stop", map[string]any{"session_key": key})
	if stopped["status"] != "stopped" {
		t.Fatalf("Expected stopped, got %v", stopped)
	}

	status = callTool(t, s, "status", map[string]any{"session_key": key})
	if status["running"] != false {
		t.Errorf("Expected running=false after stop, got %v", status)
	}
}

func TestToolServiceStatusAll(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test commands assume a POSIX shell")
	}

	m := newTestManager(t, 46700)
	s := NewToolService(m)

	callTool(t, s, "start", map[string]any{"command": "sleep 30"})

	// Wait for the session to be visible, then list without a key
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.SessionCount() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	payload := callTool(t, s, "status", map[string]any{})
	sessions, ok := payload["sessions"].([]any)
	if !ok {
		t.Fatalf("Expected sessions list, got %v", payload)
	}
	if len(sessions) != 1 {
		t.Errorf("Expected 1 session, got %d", len(sessions))
	}
}
