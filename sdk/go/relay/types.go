package relay

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusQueued   RunStatus = "queued"
	StatusReceived RunStatus = "received"
	StatusRunning  RunStatus = "running"
	StatusSuccess  RunStatus = "success"
	StatusFailed   RunStatus = "failed"
	StatusTimeout  RunStatus = "timeout"
	StatusSkipped  RunStatus = "skipped"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimeout, StatusSkipped:
		return true
	}
	return false
}

// RunToolRequest is the body of RunTool.
type RunToolRequest struct {
	// RequestID makes the call idempotent. Leave empty to opt out.
	RequestID string          `json:"requestId,omitempty"`
	ToolSlug  string          `json:"toolSlug"`
	ToolInput json.RawMessage `json:"toolInput,omitempty"`
	Context   map[string]any  `json:"context,omitempty"`
}

// RunError is the recorded failure of a run.
type RunError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Usage is resource accounting for a run.
type Usage struct {
	ElapsedMS    int64    `json:"elapsed_ms"`
	InputTokens  *int64   `json:"input_tokens,omitempty"`
	OutputTokens *int64   `json:"output_tokens,omitempty"`
	CostUSD      *float64 `json:"cost_usd,omitempty"`
}

// Artifact is a stored run output with a signed download link.
type Artifact struct {
	ID              uuid.UUID      `json:"id"`
	Name            string         `json:"name"`
	Type            string         `json:"type"`
	StorageProvider string         `json:"storageProvider"`
	Metadata        map[string]any `json:"metadata"`
	DownloadURL     string         `json:"downloadUrl"`
	ExpiresAt       time.Time      `json:"expiresAt"`
}

// RunToolResponse is the normalized outcome of a tool run.
type RunToolResponse struct {
	RequestID string          `json:"requestId"`
	RunID     uuid.UUID       `json:"runId"`
	Status    RunStatus       `json:"status"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *RunError       `json:"error,omitempty"`
	Usage     Usage           `json:"usage"`
	Artifacts []Artifact      `json:"artifacts"`
	Duplicate bool            `json:"duplicate"`
}

// Run is the full recorded run.
type Run struct {
	ID                  uuid.UUID       `json:"id"`
	TenantID            uuid.UUID       `json:"tenant_id"`
	IdempotencyKey      *string         `json:"idempotency_key,omitempty"`
	Kind                string          `json:"kind"`
	Target              string          `json:"target"`
	Status              RunStatus       `json:"status"`
	Input               json.RawMessage `json:"input"`
	Output              json.RawMessage `json:"output,omitempty"`
	Error               *RunError       `json:"error,omitempty"`
	Usage               Usage           `json:"usage"`
	Attempts            int             `json:"attempts"`
	CorrelationID       *string         `json:"correlation_id,omitempty"`
	ExternalExecutionID *string         `json:"external_execution_id,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	FinishedAt          *time.Time      `json:"finished_at,omitempty"`
}

// RunDetail is a run with fresh artifact links.
type RunDetail struct {
	RequestID string     `json:"requestId"`
	Run       Run        `json:"run"`
	Artifacts []Artifact `json:"artifacts"`
}

// RunSummary is the list projection of a run.
type RunSummary struct {
	RequestID      string     `json:"requestId"`
	RunID          uuid.UUID  `json:"runId"`
	ToolSlug       string     `json:"toolSlug"`
	Status         RunStatus  `json:"status"`
	Success        bool       `json:"success"`
	ExecutionID    *string    `json:"executionId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
	ArtifactsCount int        `json:"artifactsCount"`
}

// RunList is one page of ListRuns.
type RunList struct {
	Runs    []RunSummary
	Total   int
	HasMore bool
	Limit   int
	Offset  int
}

// Tool is a catalog tool as seen by the caller's tenant.
type Tool struct {
	Slug               string          `json:"slug"`
	Name               string          `json:"name"`
	Description        string          `json:"description,omitempty"`
	Enabled            bool            `json:"enabled"`
	MinPlan            string          `json:"minPlan,omitempty"`
	RequiredFeature    string          `json:"requiredFeature,omitempty"`
	RateLimitPerMinute *int            `json:"rateLimitPerMinute,omitempty"`
	InputSchema        json.RawMessage `json:"inputSchema,omitempty"`
	Available          bool            `json:"available"`
	Reason             string          `json:"reason,omitempty"`
}

// UsageReport is the tenant's current-period usage.
type UsageReport struct {
	Plan        string    `json:"plan"`
	Used        int       `json:"used"`
	Limit       int       `json:"limit"`
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`
}

// AutomationEvent is the body of SubmitEvent.
type AutomationEvent struct {
	EventID       string          `json:"eventId,omitempty"`
	WorkflowID    string          `json:"workflowId"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// AutomationEventResult is the recorded automation run.
type AutomationEventResult struct {
	Run       Run  `json:"run"`
	Duplicate bool `json:"duplicate"`
}
