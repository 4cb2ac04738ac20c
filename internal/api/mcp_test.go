package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/cmdsched/internal/intent"
	"github.com/kalambet/cmdsched/internal/pipeline"
	"github.com/kalambet/cmdsched/internal/retrieval"
	"github.com/kalambet/cmdsched/internal/task"
)

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestNewMCPServer(t *testing.T) {
	env := setup(t)
	if s := NewMCPServer(env.deps, "test"); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

func TestMCPRunCommand(t *testing.T) {
	env := setup(t)
	env.pipe.resp = pipeline.Response{RequestID: "r1", Intent: intent.Summarize, Summary: "short"}

	result, err := mcpRunCommand(env.deps)(context.Background(), makeCallToolRequest("run_command", map[string]interface{}{
		"query":   "summarize the roadmap",
		"context": map[string]interface{}{"max_length": 50.0},
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	if env.pipe.last.Text != "summarize the roadmap" || env.pipe.last.Context["max_length"] != 50.0 {
		t.Errorf("pipeline got %+v", env.pipe.last)
	}
	var resp pipeline.Response
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Summary != "short" {
		t.Errorf("summary = %q", resp.Summary)
	}

	result, _ = mcpRunCommand(env.deps)(context.Background(), makeCallToolRequest("run_command", map[string]interface{}{}))
	if !result.IsError {
		t.Error("missing query should be a tool error")
	}
}

func TestMCPScheduleStatusCancel(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	result, err := mcpScheduleAction(env.deps)(ctx, makeCallToolRequest("schedule_action", map[string]interface{}{
		"action_type":    "notify",
		"parameters":     map[string]interface{}{"message": "standup"},
		"scheduled_time": "2026-04-01T12:00:00Z",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("schedule failed: %s", toolText(t, result))
	}
	var action task.Action
	if err := json.Unmarshal([]byte(toolText(t, result)), &action); err != nil {
		t.Fatal(err)
	}
	if action.Kind != task.KindNotify || action.Status != task.StatusPending {
		t.Fatalf("action = %+v", action)
	}

	result, _ = mcpTaskStatus(env.deps)(ctx, makeCallToolRequest("task_status", map[string]interface{}{"task_id": action.ID}))
	if !strings.Contains(toolText(t, result), `"status":"pending"`) {
		t.Errorf("status = %s", toolText(t, result))
	}

	result, _ = mcpCancelTask(env.deps)(ctx, makeCallToolRequest("cancel_task", map[string]interface{}{"task_id": action.ID}))
	if result.IsError || !strings.Contains(toolText(t, result), action.ID) {
		t.Errorf("cancel = %s", toolText(t, result))
	}

	result, _ = mcpCancelTask(env.deps)(ctx, makeCallToolRequest("cancel_task", map[string]interface{}{"task_id": action.ID}))
	if !result.IsError {
		t.Error("cancelling a cancelled task should fail")
	}
}

func TestMCPScheduleAction_Invalid(t *testing.T) {
	env := setup(t)
	tests := []struct {
		name string
		args map[string]interface{}
	}{
		{"no type", map[string]interface{}{"parameters": map[string]interface{}{}}},
		{"params not object", map[string]interface{}{"action_type": "notify", "parameters": "message"}},
		{"bad time", map[string]interface{}{"action_type": "notify", "parameters": map[string]interface{}{"message": "m"}, "scheduled_time": "noon"}},
		{"past", map[string]interface{}{"action_type": "notify", "parameters": map[string]interface{}{"message": "m"}, "scheduled_time": "2020-01-01T00:00:00Z"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := mcpScheduleAction(env.deps)(context.Background(), makeCallToolRequest("schedule_action", tt.args))
			if err != nil {
				t.Fatal(err)
			}
			if !result.IsError {
				t.Errorf("expected tool error, got %s", toolText(t, result))
			}
		})
	}
}

func TestMCPSearch(t *testing.T) {
	env := setup(t)

	result, _ := mcpSearch(env.deps)(context.Background(), makeCallToolRequest("search", map[string]interface{}{"query": "x"}))
	if toolText(t, result) != "No results found." {
		t.Errorf("empty = %q", toolText(t, result))
	}

	env.search.items = []retrieval.RetrievedItem{{ID: "d-0", Content: "hit", Score: 0.5, SourceKind: retrieval.KindText}}
	result, _ = mcpSearch(env.deps)(context.Background(), makeCallToolRequest("search", map[string]interface{}{"query": "x", "top_k": 2.0}))
	if env.search.topK != 2 {
		t.Errorf("topK = %d", env.search.topK)
	}
	if !strings.Contains(toolText(t, result), `"id":"d-0"`) {
		t.Errorf("result = %s", toolText(t, result))
	}

	env.search.err = &retrieval.RetrievalError{Query: "x"}
	result, _ = mcpSearch(env.deps)(context.Background(), makeCallToolRequest("search", map[string]interface{}{"query": "x"}))
	if !result.IsError {
		t.Error("retrieval failure should be a tool error")
	}
}
