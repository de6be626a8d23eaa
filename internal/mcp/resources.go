package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	toolsURI        = "relay://tools"
	runURIPrefix    = "relay://runs/"
	runURITemplate  = "relay://runs/{request_id}"
	maxRunURIKeyLen = 200
)

func (s *Server) registerResources() {
	// relay://tools: the catalog as the calling tenant sees it.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			toolsURI,
			"Tools",
			mcplib.WithResourceDescription("Catalog tools with availability, plan requirements and rate limits for your tenant"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleToolsResource,
	)

	// relay://runs/{request_id}: one run with fresh artifact links.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			runURITemplate,
			"Run",
			mcplib.WithTemplateDescription("A tool run by request id, with its output and artifacts"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRunResource,
	)
}

func (s *Server) handleToolsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	tenant, err := tenantFromContext(ctx)
	if err != nil {
		return nil, err
	}
	tools, err := s.svc.Tools(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("mcp: list tools: %w", err)
	}
	return jsonResource(toolsURI, tools)
}

func (s *Server) handleRunResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	tenant, err := tenantFromContext(ctx)
	if err != nil {
		return nil, err
	}
	uri := request.Params.URI
	requestID, err := parseRunURI(uri)
	if err != nil {
		return nil, err
	}
	detail, err := s.svc.GetRun(ctx, tenant, requestID)
	if err != nil {
		return nil, fmt.Errorf("mcp: get run: %w", err)
	}
	return jsonResource(uri, detail)
}

// parseRunURI extracts the request id from relay://runs/{request_id}.
func parseRunURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, runURIPrefix) {
		return "", fmt.Errorf("mcp: invalid run URI: %s", uri)
	}
	id := strings.TrimPrefix(uri, runURIPrefix)
	if id == "" {
		return "", fmt.Errorf("mcp: invalid run URI: empty request_id")
	}
	if strings.Contains(id, "/") || len(id) > maxRunURIKeyLen {
		return "", fmt.Errorf("mcp: invalid run URI: malformed request_id")
	}
	return id, nil
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
