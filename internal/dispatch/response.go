package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ashita-ai/relay/internal/model"
)

// Response is the decoded body of a 2xx engine reply. It is either a
// SuccessResponse or a FailureResponse.
type Response interface {
	ExecutionID() string
	EngineUsage() *model.EngineUsage
	isResponse()
}

// SuccessResponse is an engine reply reporting success.
type SuccessResponse struct {
	Data      json.RawMessage
	Usage     *model.EngineUsage
	Artifacts []model.ArtifactInput
	Execution string
}

// FailureResponse is an engine reply with success=false: the engine ran and
// decided to fail.
type FailureResponse struct {
	Code      string
	Message   string
	Usage     *model.EngineUsage
	Execution string
}

func (r SuccessResponse) ExecutionID() string             { return r.Execution }
func (r SuccessResponse) EngineUsage() *model.EngineUsage { return r.Usage }
func (SuccessResponse) isResponse()                       {}

func (r FailureResponse) ExecutionID() string             { return r.Execution }
func (r FailureResponse) EngineUsage() *model.EngineUsage { return r.Usage }
func (FailureResponse) isResponse()                       {}

type wireResponse struct {
	Success     *bool                 `json:"success"`
	Data        json.RawMessage       `json:"data"`
	Error       json.RawMessage       `json:"error"`
	Usage       *model.EngineUsage    `json:"usage"`
	Artifacts   []model.ArtifactInput `json:"artifacts"`
	ExecutionID string                `json:"executionId"`
}

// DecodeResponse decodes a 2xx body once into the Response union.
//
// A JSON object carrying "success" or "error" is treated as the structured
// envelope. Any other JSON document is passed through as success data. An
// empty body is a success with no data. headerExecID is used when the body
// does not carry an execution id.
func DecodeResponse(body []byte, headerExecID string) (Response, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return SuccessResponse{Execution: headerExecID}, nil
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("dispatch: engine returned a non-JSON body")
	}

	var fields map[string]json.RawMessage
	if trimmed[0] != '{' || json.Unmarshal(trimmed, &fields) != nil {
		return SuccessResponse{Data: model.CleanJSON(trimmed), Execution: headerExecID}, nil
	}
	_, hasSuccess := fields["success"]
	_, hasError := fields["error"]
	if !hasSuccess && !hasError {
		exec := headerExecID
		if raw, ok := fields["executionId"]; ok {
			var s string
			if json.Unmarshal(raw, &s) == nil && s != "" {
				exec = s
			}
		}
		return SuccessResponse{Data: model.CleanJSON(trimmed), Execution: exec}, nil
	}

	var w wireResponse
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, fmt.Errorf("dispatch: decode engine response: %w", err)
	}
	exec := w.ExecutionID
	if exec == "" {
		exec = headerExecID
	}

	ok := w.Success != nil && *w.Success
	if w.Success == nil {
		ok = isNullOrEmpty(w.Error)
	}
	if ok {
		return SuccessResponse{Data: model.CleanJSON(w.Data), Usage: w.Usage, Artifacts: w.Artifacts, Execution: exec}, nil
	}
	code, msg := decodeEngineError(w.Error)
	return FailureResponse{Code: model.CleanText(code), Message: model.CleanText(msg), Usage: w.Usage, Execution: exec}, nil
}

func isNullOrEmpty(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// decodeEngineError accepts either a plain string or {code, message}.
func decodeEngineError(raw json.RawMessage) (string, string) {
	if isNullOrEmpty(raw) {
		return "", "engine reported failure"
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if s == "" {
			s = "engine reported failure"
		}
		return "", s
	}
	var e model.EngineError
	if json.Unmarshal(raw, &e) == nil && (e.Message != "" || e.Code != "") {
		if e.Message == "" {
			e.Message = e.Code
		}
		return e.Code, e.Message
	}
	return "", string(bytes.TrimSpace(raw))
}
