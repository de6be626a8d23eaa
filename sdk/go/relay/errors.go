// Package relay provides a Go client for the Relay tool execution API.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error represents an error from the Relay API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	// Details is the raw error details, when the server sent any. Engine
	// failures (502/504) carry the recorded RunToolResponse here.
	Details json.RawMessage
}

func (e *Error) Error() string {
	return fmt.Sprintf("relay: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Run decodes the recorded run attached to an engine failure. ok is false
// when the error carries none.
func (e *Error) Run() (resp RunToolResponse, ok bool) {
	if len(e.Details) == 0 {
		return RunToolResponse{}, false
	}
	if err := json.Unmarshal(e.Details, &resp); err != nil || resp.RequestID == "" {
		return RunToolResponse{}, false
	}
	return resp, true
}

func statusIs(err error, code int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == code
	}
	return false
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return statusIs(err, http.StatusNotFound) }

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool { return statusIs(err, http.StatusUnauthorized) }

// IsForbidden returns true if the error is a 403 (plan gate or disabled tool).
func IsForbidden(err error) bool { return statusIs(err, http.StatusForbidden) }

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool { return statusIs(err, http.StatusTooManyRequests) }

// IsQuotaExceeded returns true if the monthly run quota is exhausted (402).
func IsQuotaExceeded(err error) bool { return statusIs(err, http.StatusPaymentRequired) }

// IsEngineFailure returns true if the engine could not produce an outcome
// (502 upstream or 504 transport/timeout).
func IsEngineFailure(err error) bool {
	return statusIs(err, http.StatusBadGateway) || statusIs(err, http.StatusGatewayTimeout)
}
