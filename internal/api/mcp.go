package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/cmdsched/internal/pipeline"
	"github.com/kalambet/cmdsched/internal/scheduler"
	"github.com/kalambet/cmdsched/internal/task"
)

// NewMCPServer creates an MCP server exposing commands, scheduling and search.
func NewMCPServer(deps Deps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"cmdsched",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("cmdsched: run natural-language commands, schedule actions, and search indexed documents."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("run_command",
			mcp.WithDescription("Run a natural-language command: search, summarize, and schedule emails it asks for."),
			mcp.WithString("query", mcp.Description("The command text"), mcp.Required()),
			mcp.WithObject("context", mcp.Description("Optional overrides: top_k, max_length, subject")),
		),
		mcpRunCommand(deps),
	)

	s.AddTool(
		mcp.NewTool("schedule_action",
			mcp.WithDescription("Schedule an action (email, summarize, notify, index) now or at a given time."),
			mcp.WithString("action_type", mcp.Description("email, summarize, notify or index"), mcp.Required()),
			mcp.WithObject("parameters", mcp.Description("Action parameters"), mcp.Required()),
			mcp.WithString("scheduled_time", mcp.Description("RFC 3339 time; omit to run immediately")),
		),
		mcpScheduleAction(deps),
	)

	s.AddTool(
		mcp.NewTool("task_status",
			mcp.WithDescription("Report the status of a scheduled action."),
			mcp.WithString("task_id", mcp.Description("Task id"), mcp.Required()),
		),
		mcpTaskStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("cancel_task",
			mcp.WithDescription("Cancel a pending or retrying action."),
			mcp.WithString("task_id", mcp.Description("Task id"), mcp.Required()),
		),
		mcpCancelTask(deps),
	)

	s.AddTool(
		mcp.NewTool("search",
			mcp.WithDescription("Semantically search indexed documents."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("top_k", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearch(deps),
	)

	return s
}

func mcpRunCommand(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		cmdCtx, _ := req.GetArguments()["context"].(map[string]any)

		resp, err := deps.Pipeline.Process(ctx, pipeline.Command{Text: query, Context: cmdCtx})
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(resp)
	}
}

func mcpScheduleAction(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		kind, err := req.RequireString("action_type")
		if err != nil {
			return mcpError("action_type is required"), nil
		}
		params, ok := req.GetArguments()["parameters"].(map[string]any)
		if !ok {
			return mcpError("parameters must be an object"), nil
		}

		sreq := scheduler.Request{Kind: task.Kind(kind), Params: params}
		if raw := req.GetString("scheduled_time", ""); raw != "" {
			at, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return mcpError(fmt.Sprintf("scheduled_time: %v", err)), nil
			}
			sreq.ScheduledAt = &at
		}

		action, err := deps.Scheduler.Schedule(ctx, sreq)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(action)
	}
}

func mcpTaskStatus(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("task_id")
		if err != nil {
			return mcpError("task_id is required"), nil
		}
		rep, err := deps.Scheduler.Status(ctx, id)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(rep)
	}
}

func mcpCancelTask(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("task_id")
		if err != nil {
			return mcpError("task_id is required"), nil
		}
		action, err := deps.Scheduler.Cancel(ctx, id)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpText(fmt.Sprintf("Cancelled task %s", action.ID)), nil
	}
}

func mcpSearch(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		topK := req.GetInt("top_k", 0)
		if topK < 0 {
			topK = 0
		}

		items, err := deps.Search.Retrieve(ctx, query, topK)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(items) == 0 {
			return mcpText("No results found."), nil
		}
		return mcpJSON(items)
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
