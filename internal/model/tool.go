package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Tool is a catalog entry: a named capability executed by the workflow engine.
type Tool struct {
	Slug            string `json:"slug"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	Enabled         bool   `json:"enabled"`
	MinPlan         string `json:"minPlan,omitempty"`
	RequiredFeature string `json:"requiredFeature,omitempty"`
	// RateLimitPerMinute overrides the plan default when set. Zero or less
	// means unthrottled.
	RateLimitPerMinute *int            `json:"rateLimitPerMinute,omitempty"`
	Target             Target          `json:"-"`
	InputSchema        json.RawMessage `json:"inputSchema,omitempty"`
}

// Workflow is an automation target addressed directly by id.
type Workflow struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
	Target  Target `json:"-"`
}

// Target is where the engine executes a tool or workflow.
type Target struct {
	WorkflowID string `json:"workflowId"`
	// Path is appended to the engine base URL.
	Path string `json:"path"`
}

// TenantToolConfig is a per-tenant override of a tool's enablement and rate limit.
type TenantToolConfig struct {
	TenantID           uuid.UUID `json:"tenant_id"`
	ToolSlug           string    `json:"tool_slug"`
	Enabled            bool      `json:"enabled"`
	RateLimitPerMinute *int      `json:"rate_limit_per_minute,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// TenantPlan is what the billing collaborator reports for a tenant.
type TenantPlan struct {
	TenantID uuid.UUID       `json:"tenant_id"`
	PlanCode string          `json:"plan"`
	Features map[string]bool `json:"features"`
}

// HasFeature reports whether the tenant's plan enables the named feature.
// An empty feature name is always satisfied.
func (p TenantPlan) HasFeature(name string) bool {
	if name == "" {
		return true
	}
	return p.Features[name]
}

// EngineOverride is a tenant's own workflow engine instance. Secrets are
// sealed at rest; the dispatcher opens them on use.
type EngineOverride struct {
	TenantID       uuid.UUID
	BaseURL        string
	SecretSealed   []byte
	APIKeySealed   []byte
	MaxRetries     *int
	TimeoutSeconds *int
	BackoffBaseMS  *int
	UpdatedAt      time.Time
}

// ToolView is a catalog tool as seen by one tenant.
type ToolView struct {
	Tool
	// Available is false when the tool is disabled for the tenant or its plan
	// does not include it; Reason says which.
	Available          bool   `json:"available"`
	Reason             string `json:"reason,omitempty"`
	EffectiveRateLimit int    `json:"effectiveRateLimitPerMinute"`
}
