// Package model defines the core domain types for Relay.
//
// Types map directly onto the Postgres tables in migrations/ and onto the
// JSON bodies exchanged with tenants and with the workflow engine.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a run.
//
// Transitions are forward-only: queued|received -> running -> terminal.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusReceived RunStatus = "received"
	RunStatusRunning  RunStatus = "running"
	RunStatusSuccess  RunStatus = "success"
	RunStatusFailed   RunStatus = "failed"
	RunStatusTimeout  RunStatus = "timeout"
	RunStatusSkipped  RunStatus = "skipped"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusFailed, RunStatusTimeout, RunStatusSkipped:
		return true
	default:
		return false
	}
}

// RunKind distinguishes the two entry paths that record runs.
type RunKind string

const (
	RunKindTool       RunKind = "tool"
	RunKindAutomation RunKind = "automation"
)

// FailureKind is the sub-kind of a terminal failure. It lets consumers tell
// "the engine ran and decided to fail" apart from "the call itself failed".
type FailureKind string

const (
	FailureTransport FailureKind = "transport"
	FailureUpstream  FailureKind = "upstream"
	FailureTimeout   FailureKind = "timeout"
	FailureBusiness  FailureKind = "business"
	FailureArtifact  FailureKind = "artifact"
	FailureCanceled  FailureKind = "canceled"
	FailureReaped    FailureKind = "reaped"
)

// RunError is the recorded error of a failed run.
type RunError struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Usage holds resource accounting for a run. Token and cost counters are
// reported by the engine and are optional.
type Usage struct {
	ElapsedMS    int64    `json:"elapsed_ms"`
	InputTokens  *int64   `json:"input_tokens,omitempty"`
	OutputTokens *int64   `json:"output_tokens,omitempty"`
	CostUSD      *float64 `json:"cost_usd,omitempty"`
}

// Run is one recorded unit of dispatched work.
// (TenantID, IdempotencyKey) is unique when the key is present.
type Run struct {
	ID                  uuid.UUID       `json:"id"`
	TenantID            uuid.UUID       `json:"tenant_id"`
	IdempotencyKey      *string         `json:"idempotency_key,omitempty"`
	Kind                RunKind         `json:"kind"`
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

// RequestID returns the idempotency key or, when the caller opted out, the run id.
func (r Run) RequestID() string {
	if r.IdempotencyKey != nil && *r.IdempotencyKey != "" {
		return *r.IdempotencyKey
	}
	return r.ID.String()
}

// NewRun carries the caller-supplied fields for Registry.CreateOrGet.
type NewRun struct {
	TenantID       uuid.UUID
	IdempotencyKey string // Empty disables idempotency checking.
	Kind           RunKind
	Target         string
	Input          json.RawMessage
	CorrelationID  string
}

// InitialStatus returns the status a freshly recorded run starts in.
func (n NewRun) InitialStatus() RunStatus {
	if n.Kind == RunKindAutomation {
		return RunStatusReceived
	}
	return RunStatusQueued
}

// RunSummary is the list-view projection of a run.
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

// RunWithCount pairs a run with its artifact count for list queries.
type RunWithCount struct {
	Run
	ArtifactsCount int
}

// Summary projects the run into its list view.
func (r RunWithCount) Summary() RunSummary {
	return RunSummary{
		RequestID:      r.RequestID(),
		RunID:          r.ID,
		ToolSlug:       r.Target,
		Status:         r.Status,
		Success:        r.Status == RunStatusSuccess,
		ExecutionID:    r.ExternalExecutionID,
		CreatedAt:      r.CreatedAt,
		FinishedAt:     r.FinishedAt,
		ArtifactsCount: r.ArtifactsCount,
	}
}
