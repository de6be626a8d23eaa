package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Relay server (e.g. "http://localhost:8080").
	BaseURL string

	// Token is the tenant's API bearer token (see relayctl token).
	Token string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// using Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 2 minutes,
	// since RunTool blocks until the engine answers.
	Timeout time.Duration
}

// Client is an HTTP client for the Relay API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL or Token is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("relay: BaseURL is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("relay: Token is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 2 * time.Minute
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  httpClient,
	}, nil
}

// RunTool runs a catalog tool and waits for its outcome.
//
// A tool that ran and refused is not an error: check resp.Success and
// resp.Error. Engine failures return an *Error whose Run method yields the
// recorded outcome. A run the engine accepted asynchronously comes back with
// a non-terminal Status; poll GetRun.
func (c *Client) RunTool(ctx context.Context, req RunToolRequest) (*RunToolResponse, error) {
	var resp RunToolResponse
	if err := c.post(ctx, "/v1/tools/run", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRun retrieves a run by request id (or run id) with fresh artifact links.
func (c *Client) GetRun(ctx context.Context, requestID string) (*RunDetail, error) {
	var resp RunDetail
	if err := c.get(ctx, "/v1/tools/runs/"+url.PathEscape(requestID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WaitRun polls GetRun until the run is terminal or ctx is done.
func (c *Client) WaitRun(ctx context.Context, requestID string, interval time.Duration) (*RunDetail, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d, err := c.GetRun(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if d.Run.Status.Terminal() {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ListRuns returns one page of the tenant's tool runs, newest first.
// Zero limit or offset use the server defaults.
func (c *Client) ListRuns(ctx context.Context, limit, offset int) (*RunList, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}
	path := "/v1/tools/runs"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var page struct {
		Data    []RunSummary `json:"data"`
		Total   *int         `json:"total"`
		HasMore bool         `json:"has_more"`
		Limit   int          `json:"limit"`
		Offset  int          `json:"offset"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("relay: decode run list: %w", err)
	}
	out := &RunList{Runs: page.Data, HasMore: page.HasMore, Limit: page.Limit, Offset: page.Offset}
	if page.Total != nil {
		out.Total = *page.Total
	}
	return out, nil
}

// ListTools returns the catalog as seen by the caller's tenant.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	if err := c.get(ctx, "/v1/tools", &tools); err != nil {
		return nil, err
	}
	return tools, nil
}

// Usage returns the tenant's usage for the current billing period.
func (c *Client) Usage(ctx context.Context) (*UsageReport, error) {
	var resp UsageReport
	if err := c.get(ctx, "/v1/usage", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitEvent records an automation event. The workflow runs in the
// background; replaying an EventID returns the existing run.
func (c *Client) SubmitEvent(ctx context.Context, ev AutomationEvent) (*AutomationEventResult, error) {
	var resp AutomationEventResult
	if err := c.post(ctx, "/v1/automations/events", ev, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Download fetches an artifact through its signed link. The caller closes
// the returned body.
func (c *Client) Download(ctx context.Context, a Artifact) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.DownloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("relay: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay: download %s: %w", a.ID, err)
	}
	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, parseErrorResponse(resp.StatusCode, body)
	}
	return resp.Body, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("relay: marshal request body: %w", err)
		}
		r = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("relay: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return req, nil
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	return c.doInto(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.doInto(req, dest)
}

// do sends req and returns the raw body of a successful response.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("relay: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, parseErrorResponse(resp.StatusCode, body)
	}
	return body, nil
}

func (c *Client) doInto(req *http.Request, dest any) error {
	body, err := c.do(req)
	if err != nil {
		return err
	}
	if dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("relay: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return json.Unmarshal(body, dest)
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
