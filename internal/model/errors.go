package model

import (
	"errors"
	"fmt"
)

// Error taxonomy shared across packages. Callers wrap these with context
// using %w and match them with errors.Is.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrQuotaExceeded    = errors.New("monthly run quota exceeded")
	ErrRateLimited      = errors.New("tool rate limit exceeded")
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrTransport        = errors.New("engine transport error")
	ErrUpstream         = errors.New("engine upstream error")
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrSignatureExpired = errors.New("signature expired")
	ErrArtifact         = errors.New("artifact error")
	ErrShuttingDown     = errors.New("shutting down")
)

// ErrToolDisabled is a permission denial caused by the tool being switched
// off, globally or for the tenant.
var ErrToolDisabled = fmt.Errorf("%w: tool is disabled", ErrPermissionDenied)

// LimitError reports a quota or rate-limit rejection with the counts the
// caller needs to render "X/Y used".
type LimitError struct {
	Kind  error // ErrQuotaExceeded or ErrRateLimited.
	Used  int
	Limit int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%v: %d/%d", e.Kind, e.Used, e.Limit)
}

func (e *LimitError) Unwrap() error { return e.Kind }
