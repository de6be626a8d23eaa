// Package server implements the Relay HTTP API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/relay/internal/artifact"
	"github.com/ashita-ai/relay/internal/auth"
	"github.com/ashita-ai/relay/internal/ratelimit"
	"github.com/ashita-ai/relay/internal/service/orchestrator"
	"github.com/ashita-ai/relay/internal/signing"
	"github.com/ashita-ai/relay/internal/storage"
)

// Server is the Relay HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, RedisPing, MCPServer, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	DB           *storage.DB
	Orchestrator *orchestrator.Service
	Artifacts    *artifact.Store
	Tokens       *auth.TokenManager
	Codec        *signing.Codec
	Logger       *slog.Logger

	// Engine callbacks are verified with InboundSecret unless they carry a
	// callback bearer token.
	InboundSecret   string
	SignatureMaxAge time.Duration

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	RedisPing func(ctx context.Context) error
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	OpenAPISpec []byte // Embedded OpenAPI YAML.

	// Embedder extension points. ExtraRoutes share the mux and therefore the
	// full middleware chain, including tenant auth. Middlewares wrap the whole
	// chain, first registered outermost.
	ExtraRoutes []func(*http.ServeMux)
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(cfg)
	mux := http.NewServeMux()

	// Tool runs (tenant API token).
	mux.HandleFunc("POST /v1/tools/run", h.HandleRunTool)
	mux.HandleFunc("GET /v1/tools", h.HandleListTools)
	mux.HandleFunc("GET /v1/tools/runs", h.HandleListRuns)
	mux.HandleFunc("GET /v1/tools/runs/{request_id}", h.HandleGetRun)
	mux.HandleFunc("GET /v1/usage", h.HandleUsage)

	// Automation events (tenant API token), dispatched in the background.
	mux.HandleFunc("POST /v1/automations/events", h.HandleAutomationEvent)

	// Engine callbacks (signed or callback token; no API token).
	mux.HandleFunc("POST /v1/engine/callbacks", h.HandleEngineCallback)

	// Artifact downloads (signed URL; no API token).
	mux.HandleFunc("GET /artifacts/{id}/download", h.HandleArtifactDownload)

	// MCP StreamableHTTP transport (tenant API token).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// OpenAPI spec and health (no auth).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	for _, register := range cfg.ExtraRoutes {
		register(mux)
	}

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → rate limit → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = rateLimitMiddleware(limiter, cfg.Logger, handler)
	handler = authMiddleware(cfg.Tokens, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(mux, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
