package mcp

import (
	"context"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// run-tool: walks the agent through a safe, idempotent tool call.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("run-tool",
			mcplib.WithPromptDescription("Prepare a relay_run_tool call for a catalog tool, including its input schema"),
			mcplib.WithArgument("tool_slug",
				mcplib.ArgumentDescription("Slug of the tool to run, as listed in relay://tools"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleRunToolPrompt,
	)
}

func (s *Server) handleRunToolPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	slug := request.Params.Arguments["tool_slug"]
	if slug == "" {
		return nil, fmt.Errorf("tool_slug argument is required")
	}
	tool, ok := s.svc.Catalog().Tool(slug)
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", slug)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are about to run the %q tool", tool.Slug)
	if tool.Description != "" {
		fmt.Fprintf(&b, " (%s)", tool.Description)
	}
	b.WriteString(".\n\n")
	b.WriteString("1. BUILD tool_input")
	if len(tool.InputSchema) > 0 {
		fmt.Fprintf(&b, " so it validates against this JSON Schema:\n\n%s\n\n", tool.InputSchema)
	} else {
		b.WriteString(" as a JSON object; this tool declares no schema.\n\n")
	}
	b.WriteString(`2. CHOOSE a request_id that identifies this logical request, e.g. a hash
   of the task and its input. Reuse it if the call itself is interrupted so
   the tool runs once.

3. CALL relay_run_tool with tool_slug, tool_input and request_id.

4. CHECK the result:
   - success=true: use data and any artifacts (download links expire).
   - error.kind=business: the tool ran and refused; fix the input.
   - error.kind=transport, timeout or upstream: the engine failed. The
     outcome is recorded under that request_id, so retry with a new one.
   - status=running: the tool finishes asynchronously; poll relay_get_run.`)

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Run the %s tool", tool.Slug),
		Messages: []mcplib.PromptMessage{
			{
				Role:    mcplib.RoleUser,
				Content: mcplib.TextContent{Type: "text", Text: b.String()},
			},
		},
	}, nil
}
