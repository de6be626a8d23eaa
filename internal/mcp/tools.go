package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/relay/internal/model"
	"github.com/ashita-ai/relay/internal/service/orchestrator"
)

func (s *Server) registerTools() {
	// relay_run_tool: run a catalog tool and wait for its outcome.
	s.mcpServer.AddTool(
		mcplib.NewTool("relay_run_tool",
			mcplib.WithDescription(`Run a catalog tool on the automation engine and return its outcome.

WHEN TO USE: whenever you need a tool listed in relay://tools. The call
blocks until the engine answers or the tool times out.

Pass request_id when you may retry: a repeated request_id returns the
recorded outcome instead of running the tool again, and is not counted
against the monthly quota twice.

WHAT YOU GET BACK: status, success, data, error (kind and message),
usage, and artifacts with short-lived download links.`),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("tool_slug",
				mcplib.Description("Slug of the tool to run, as listed in relay://tools"),
				mcplib.Required(),
			),
			mcplib.WithObject("tool_input",
				mcplib.Description("Tool input; must match the tool's input schema"),
			),
			mcplib.WithString("request_id",
				mcplib.Description("Optional idempotency key, unique per logical request"),
				mcplib.MaxLength(model.MaxRequestIDLen),
			),
			mcplib.WithObject("context",
				mcplib.Description("Optional free-form context forwarded to the engine"),
			),
		),
		s.handleRunTool,
	)

	// relay_get_run: fetch one run.
	s.mcpServer.AddTool(
		mcplib.NewTool("relay_get_run",
			mcplib.WithDescription("Fetch a tool run by its request_id (or run id) with fresh artifact download links."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("request_id",
				mcplib.Description("The request_id passed to relay_run_tool, or the run id"),
				mcplib.Required(),
			),
		),
		s.handleGetRun,
	)

	// relay_list_runs: recent runs, newest first.
	s.mcpServer.AddTool(
		mcplib.NewTool("relay_list_runs",
			mcplib.WithDescription("List recent tool runs for your tenant, newest first."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum runs to return"),
				mcplib.Min(1),
				mcplib.Max(orchestrator.MaxPageSize),
				mcplib.DefaultNumber(20),
			),
			mcplib.WithNumber("offset",
				mcplib.Description("Runs to skip"),
				mcplib.Min(0),
			),
		),
		s.handleListRuns,
	)
}

func (s *Server) handleRunTool(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	tenant, err := tenantFromContext(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	slug := request.GetString("tool_slug", "")
	if slug == "" {
		return errorResult("tool_slug is required"), nil
	}
	req := model.RunToolRequest{
		RequestID: request.GetString("request_id", ""),
		ToolSlug:  slug,
	}
	args := request.GetArguments()
	if in, ok := args["tool_input"]; ok && in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return errorResult(fmt.Sprintf("tool_input is not encodable: %v", err)), nil
		}
		req.ToolInput = raw
	}
	if c, ok := args["context"].(map[string]any); ok {
		req.Context = c
	}

	resp, err := s.svc.RunTool(ctx, tenant, req)
	if err != nil {
		return s.serviceErrorResult(ctx, "run tool", err), nil
	}

	result := jsonResult(resp)
	// A tool that ran and failed is still a tool error to the model.
	result.IsError = resp.Status.Terminal() && !resp.Success
	return result, nil
}

func (s *Server) handleGetRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	tenant, err := tenantFromContext(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	requestID := request.GetString("request_id", "")
	if requestID == "" {
		return errorResult("request_id is required"), nil
	}

	detail, err := s.svc.GetRun(ctx, tenant, requestID)
	if err != nil {
		return s.serviceErrorResult(ctx, "get run", err), nil
	}
	return jsonResult(detail), nil
}

func (s *Server) handleListRuns(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	tenant, err := tenantFromContext(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	page, err := s.svc.ListRuns(ctx, tenant, request.GetInt("limit", 20), request.GetInt("offset", 0))
	if err != nil {
		return s.serviceErrorResult(ctx, "list runs", err), nil
	}
	return jsonResult(map[string]any{
		"runs":     page.Runs,
		"total":    page.Total,
		"has_more": page.Offset+page.Limit < page.Total,
	}), nil
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, _ := json.MarshalIndent(v, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}
