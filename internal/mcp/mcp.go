// Package mcp implements the Model Context Protocol server for Relay.
//
// The MCP server exposes the same tool-run capability as the HTTP API
// through MCP tools and resources. Every call is delegated to the
// orchestrator, so gating, quota and idempotency behave identically on
// both interfaces. The tenant comes from the API token the HTTP auth
// middleware validated before the request reached the MCP transport.
package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/relay/internal/ctxutil"
	"github.com/ashita-ai/relay/internal/model"
	"github.com/ashita-ai/relay/internal/service/orchestrator"
)

// Server wraps the MCP server with Relay's orchestrator.
type Server struct {
	mcpServer *mcpserver.MCPServer
	svc       *orchestrator.Service
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and prompts.
func New(svc *orchestrator.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		svc:    svc,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"relay",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithRecovery(),
		mcpserver.WithInstructions("Relay runs catalog tools on the automation engine for your tenant. "+
			"Read relay://tools to see what is available, then call relay_run_tool. "+
			"Pass a request_id to make retries safe."),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

var errUnauthenticated = errors.New("unauthenticated: an API token is required")

func tenantFromContext(ctx context.Context) (uuid.UUID, error) {
	tenant := ctxutil.TenantIDFromContext(ctx)
	if tenant == uuid.Nil {
		return uuid.Nil, errUnauthenticated
	}
	return tenant, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

// publicErrors are the failures whose message is safe to show a caller.
var publicErrors = []error{
	model.ErrInvalidInput,
	model.ErrPermissionDenied,
	model.ErrQuotaExceeded,
	model.ErrRateLimited,
	model.ErrNotFound,
	model.ErrShuttingDown,
	errUnauthenticated,
}

// serviceErrorResult renders an orchestrator error as a tool error. Errors
// outside the model taxonomy are logged and reported generically.
func (s *Server) serviceErrorResult(ctx context.Context, op string, err error) *mcplib.CallToolResult {
	for _, known := range publicErrors {
		if errors.Is(err, known) {
			var limitErr *model.LimitError
			if errors.As(err, &limitErr) {
				return errorResult(limitErr.Error())
			}
			return errorResult(known.Error() + trimDetail(err, known))
		}
	}
	s.logger.ErrorContext(ctx, "mcp: "+op+" failed", "error", err)
	return errorResult(op + " failed: internal error")
}

// trimDetail returns the ": detail" suffix of err when its message was built
// as "<sentinel>: detail", and "" otherwise.
func trimDetail(err, sentinel error) string {
	msg, prefix := err.Error(), sentinel.Error()
	if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
		return msg[len(prefix):]
	}
	return ""
}
