package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Field limits for caller-supplied identifiers.
const (
	MaxRequestIDLen     = 200
	MaxToolSlugLen      = 100
	MaxCorrelationIDLen = 200
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeToolDisabled      = "TOOL_DISABLED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodePlanLimitExceeded = "PLAN_LIMIT_EXCEEDED"
	ErrCodeSignatureInvalid  = "SIGNATURE_INVALID"
	ErrCodeSignatureExpired  = "SIGNATURE_EXPIRED"
	ErrCodeUpstreamError     = "UPSTREAM_ERROR"
	ErrCodeTransportError    = "TRANSPORT_ERROR"
	ErrCodeArtifactError     = "ARTIFACT_ERROR"
	ErrCodeUnavailable       = "SERVICE_UNAVAILABLE"
	ErrCodePayloadTooLarge   = "PAYLOAD_TOO_LARGE"
)

// RunToolRequest is the request body for POST /v1/tools/run.
type RunToolRequest struct {
	RequestID string          `json:"requestId"`
	ToolSlug  string          `json:"toolSlug"`
	ToolInput json.RawMessage `json:"toolInput"`
	Context   map[string]any  `json:"context,omitempty"`
}

// Validate checks field shape. An empty RequestID is allowed and opts out
// of idempotency.
func (r RunToolRequest) Validate() error {
	if r.ToolSlug == "" {
		return fmt.Errorf("%w: toolSlug is required", ErrInvalidInput)
	}
	if len(r.ToolSlug) > MaxToolSlugLen || !slugPattern.MatchString(r.ToolSlug) {
		return fmt.Errorf("%w: toolSlug must match %s", ErrInvalidInput, slugPattern)
	}
	if len(r.RequestID) > MaxRequestIDLen {
		return fmt.Errorf("%w: requestId exceeds %d characters", ErrInvalidInput, MaxRequestIDLen)
	}
	if len(r.ToolInput) > 0 && !json.Valid(r.ToolInput) {
		return fmt.Errorf("%w: toolInput is not valid JSON", ErrInvalidInput)
	}
	return nil
}

// RunToolResponse is the normalized outcome returned to the caller.
type RunToolResponse struct {
	RequestID string          `json:"requestId"`
	RunID     uuid.UUID       `json:"runId"`
	Status    RunStatus       `json:"status"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *RunError       `json:"error,omitempty"`
	Usage     Usage           `json:"usage"`
	Artifacts []ArtifactView  `json:"artifacts"`
	// Duplicate is true when the request replayed an existing idempotency key.
	Duplicate bool `json:"duplicate"`
}

// RunDetail is the full view of a single run.
type RunDetail struct {
	RequestID string         `json:"requestId"`
	Run       Run            `json:"run"`
	Artifacts []ArtifactView `json:"artifacts"`
}

// AutomationEventRequest is the request body for POST /v1/automations/events.
type AutomationEventRequest struct {
	EventID       string          `json:"eventId"`
	WorkflowID    string          `json:"workflowId"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// Validate checks field shape.
func (r AutomationEventRequest) Validate() error {
	if r.WorkflowID == "" {
		return fmt.Errorf("%w: workflowId is required", ErrInvalidInput)
	}
	if len(r.EventID) > MaxRequestIDLen {
		return fmt.Errorf("%w: eventId exceeds %d characters", ErrInvalidInput, MaxRequestIDLen)
	}
	if len(r.CorrelationID) > MaxCorrelationIDLen {
		return fmt.Errorf("%w: correlationId exceeds %d characters", ErrInvalidInput, MaxCorrelationIDLen)
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidInput)
	}
	return nil
}

// EngineCallback is the body the engine posts when an asynchronous run completes.
type EngineCallback struct {
	RunID       uuid.UUID       `json:"runId"`
	// TenantID echoes the dispatch's tenantId. Signed callbacks must carry it
	// since the tenant header sits outside the signature.
	TenantID    uuid.UUID       `json:"tenantId"`
	ExecutionID string          `json:"executionId,omitempty"`
	Success     bool            `json:"success"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       *EngineError    `json:"error,omitempty"`
	Usage       *EngineUsage    `json:"usage,omitempty"`
	Artifacts   []ArtifactInput `json:"artifacts,omitempty"`
}

// EngineError is an error as reported by the engine.
type EngineError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// EngineUsage is usage as reported by the engine.
type EngineUsage struct {
	InputTokens  *int64   `json:"inputTokens,omitempty"`
	OutputTokens *int64   `json:"outputTokens,omitempty"`
	CostUSD      *float64 `json:"costUsd,omitempty"`
}

// UsageResponse is the response for GET /v1/usage.
type UsageResponse struct {
	Plan        string    `json:"plan"`
	Used        int       `json:"used"`
	Limit       int       `json:"limit"`
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Redis    string `json:"redis,omitempty"`
	Tools    int    `json:"tools"`
	InFlight int64  `json:"in_flight_dispatches"`
	Uptime   int64  `json:"uptime_seconds"`
}

// AutomationEventResponse is the response for POST /v1/automations/events.
type AutomationEventResponse struct {
	Run Run `json:"run"`
	// Duplicate is true when the event id was already recorded.
	Duplicate bool `json:"duplicate"`
}
