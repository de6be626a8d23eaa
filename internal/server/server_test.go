package server_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/relay/internal/artifact"
	"github.com/ashita-ai/relay/internal/auth"
	"github.com/ashita-ai/relay/internal/billing"
	"github.com/ashita-ai/relay/internal/catalog"
	"github.com/ashita-ai/relay/internal/ctxutil"
	"github.com/ashita-ai/relay/internal/dispatch"
	"github.com/ashita-ai/relay/internal/mcp"
	"github.com/ashita-ai/relay/internal/model"
	"github.com/ashita-ai/relay/internal/quota"
	"github.com/ashita-ai/relay/internal/ratelimit"
	"github.com/ashita-ai/relay/internal/server"
	"github.com/ashita-ai/relay/internal/service/orchestrator"
	"github.com/ashita-ai/relay/internal/signing"
	"github.com/ashita-ai/relay/internal/storage"
	"github.com/ashita-ai/relay/internal/testutil"
)

const inboundSecret = "inbound-secret"

var (
	testSrv    *httptest.Server
	testDB     *storage.DB
	tokens     *auth.TokenManager
	codec      *signing.Codec
	srvConfig  server.ServerConfig
	artifactFS string
)

const testCatalog = `
tools:
  - slug: echo
    path: /webhook/echo
  - slug: garbled
    path: /webhook/garbled
  - slug: slow
    path: /webhook/async
  - slug: refuse
    path: /webhook/refuse
  - slug: beta
    enabled: false
    path: /webhook/beta
workflows:
  - id: inbound-reply
    path: /webhook/echo
`

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	code := setupAndRun(m, tc)
	tc.Terminate()
	os.Exit(code)
}

func setupAndRun(m *testing.M, tc *testutil.TestContainer) int {
	ctx := context.Background()
	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: create DB: %v\n", err)
		return 1
	}
	defer testDB.Close()

	engine := httptest.NewServer(http.HandlerFunc(engineHandler))
	defer engine.Close()

	cat, err := catalog.Parse([]byte(testCatalog))
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: catalog: %v\n", err)
		return 1
	}
	artifactFS, err = os.MkdirTemp("", "relay-server-artifacts")
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: temp dir: %v\n", err)
		return 1
	}
	defer func() { _ = os.RemoveAll(artifactFS) }()

	backend, err := artifact.NewLocalBackend(artifactFS)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: backend: %v\n", err)
		return 1
	}
	codec = signing.New()
	// The public base URL is filled in once the test server is listening.
	store, err := artifact.NewStore(backend, testDB, codec, artifact.Config{
		SigningSecret: "artifact-secret",
		PublicBaseURL: "http://relay.test",
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: artifact store: %v\n", err)
		return 1
	}
	tokens, err = auth.NewTokenManager("token-secret", time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: tokens: %v\n", err)
		return 1
	}

	disp := dispatch.New(testDB, store, dispatch.StaticResolver{
		BaseURL: engine.URL,
		Secret:  "outbound-secret",
		Policy:  dispatch.Policy{Timeout: 2 * time.Second},
	}, codec, logger, dispatch.WithCallbacks(tokens, "http://relay.test/v1/engine/callbacks"))
	plans := billing.New(testDB, logger)
	svc := orchestrator.New(testDB, cat, plans, quota.NewGuard(testDB, plans), disp, store,
		orchestrator.Config{DuplicateWait: 2 * time.Second, ArtifactURLTTL: 5 * time.Minute}, logger)
	defer svc.Drain(context.Background())

	srvConfig = server.ServerConfig{
		DB:                  testDB,
		Orchestrator:        svc,
		Artifacts:           store,
		Tokens:              tokens,
		Codec:               codec,
		Logger:              logger,
		InboundSecret:       inboundSecret,
		SignatureMaxAge:     5 * time.Minute,
		MCPServer:           mcp.New(svc, logger, "test").MCPServer(),
		Version:             "test",
		MaxRequestBodyBytes: 64 * 1024,
		OpenAPISpec:         []byte("openapi: 3.1.0\n"),
	}
	testSrv = httptest.NewServer(server.New(srvConfig).Handler())
	defer testSrv.Close()

	return m.Run()
}

func engineHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/webhook/echo":
		content := base64.StdEncoding.EncodeToString([]byte("hello artifact"))
		_, _ = w.Write([]byte(`{"success":true,"data":{"ok":true},"usage":{"inputTokens":3},
			"artifacts":[{"name":"out file.txt","mimeType":"text/plain","contentBase64":"` + content + `"}]}`))
	case "/webhook/garbled":
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	case "/webhook/async":
		w.Header().Set(dispatch.HeaderExecutionID, "exec-42")
		w.WriteHeader(http.StatusAccepted)
	case "/webhook/refuse":
		_, _ = w.Write([]byte(`{"success":false,"error":{"code":"BAD_INPUT","message":"nope"}}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// newTenant returns a fresh tenant and an API token for it.
func newTenant(t *testing.T) (uuid.UUID, string) {
	t.Helper()
	tenant := uuid.New()
	token, _, err := tokens.IssueAPIToken(tenant)
	require.NoError(t, err)
	return tenant, token
}

func authedRequest(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, testSrv.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeData(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.NoError(t, json.Unmarshal(env.Data, target))
}

func decodeError(t *testing.T, resp *http.Response) model.ErrorDetail {
	t.Helper()
	var env model.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env.Error
}

func TestHealth(t *testing.T) {
	resp := authedRequest(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	var health model.HealthResponse
	decodeData(t, resp, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "connected", health.Postgres)
	assert.Equal(t, 5, health.Tools)
	assert.Equal(t, "test", health.Version)
}

func TestOpenAPISpec(t *testing.T) {
	resp := authedRequest(t, http.MethodGet, "/openapi.yaml", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))
}

func TestAuthRequired(t *testing.T) {
	resp := authedRequest(t, http.MethodGet, "/v1/tools", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, model.ErrCodeUnauthorized, decodeError(t, resp).Code)

	// A callback token cannot be used against the tenant API.
	cbToken, _, err := tokens.IssueCallbackToken(uuid.New(), uuid.New(), time.Minute)
	require.NoError(t, err)
	resp = authedRequest(t, http.MethodGet, "/v1/tools", cbToken, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRequestIDPropagation(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, testSrv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "caller-chosen")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "caller-chosen", resp.Header.Get("X-Request-ID"))

	var env model.APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Equal(t, "caller-chosen", env.Meta.RequestID)
}

func TestRunTool_SuccessAndDownload(t *testing.T) {
	_, token := newTenant(t)

	resp := authedRequest(t, http.MethodPost, "/v1/tools/run", token, model.RunToolRequest{
		RequestID: "http-1",
		ToolSlug:  "echo",
		ToolInput: json.RawMessage(`{"q":1}`),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out model.RunToolResponse
	decodeData(t, resp, &out)
	assert.True(t, out.Success)
	assert.Equal(t, "http-1", out.RequestID)
	require.Len(t, out.Artifacts, 1)

	link, err := url.Parse(out.Artifacts[0].DownloadURL)
	require.NoError(t, err)
	assert.Equal(t, "relay.test", link.Host)

	// Follow the signed link against the test server.
	dl := authedRequest(t, http.MethodGet, link.RequestURI(), "", nil)
	require.Equal(t, http.StatusOK, dl.StatusCode)
	assert.Equal(t, "text/plain", dl.Header.Get("Content-Type"))
	assert.Contains(t, dl.Header.Get("Content-Disposition"), "attachment")
	body, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello artifact", string(body))

	// Tampered signature.
	q := link.Query()
	q.Set("sig", strings.Repeat("0", len(q.Get("sig"))))
	bad := authedRequest(t, http.MethodGet, link.Path+"?"+q.Encode(), "", nil)
	assert.Equal(t, http.StatusUnauthorized, bad.StatusCode)
	assert.Equal(t, model.ErrCodeSignatureInvalid, decodeError(t, bad).Code)

	// Expired link.
	q = link.Query()
	q.Set("expires", "1")
	expired := authedRequest(t, http.MethodGet, link.Path+"?"+q.Encode(), "", nil)
	assert.Equal(t, http.StatusUnauthorized, expired.StatusCode)
	assert.Equal(t, model.ErrCodeSignatureExpired, decodeError(t, expired).Code)

	// Unknown artifact fails as an invalid signature.
	unknown := authedRequest(t, http.MethodGet, "/artifacts/"+uuid.New().String()+"/download?"+link.RawQuery, "", nil)
	assert.Equal(t, http.StatusUnauthorized, unknown.StatusCode)

	// Replay returns the recorded outcome.
	replay := authedRequest(t, http.MethodPost, "/v1/tools/run", token, model.RunToolRequest{
		RequestID: "http-1",
		ToolSlug:  "echo",
		ToolInput: json.RawMessage(`{"q":1}`),
	})
	require.Equal(t, http.StatusOK, replay.StatusCode)
	var again model.RunToolResponse
	decodeData(t, replay, &again)
	assert.True(t, again.Duplicate)
	assert.Equal(t, out.RunID, again.RunID)
}

func TestRunTool_ErrorMapping(t *testing.T) {
	_, token := newTenant(t)

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"missing slug", model.RunToolRequest{}, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"unknown field", map[string]any{"toolSlug": "echo", "bogus": 1}, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"unknown tool", model.RunToolRequest{ToolSlug: "nope"}, http.StatusNotFound, model.ErrCodeNotFound},
		{"disabled tool", model.RunToolRequest{ToolSlug: "beta"}, http.StatusForbidden, model.ErrCodeToolDisabled},
		{"garbled engine reply", model.RunToolRequest{ToolSlug: "garbled"}, http.StatusBadGateway, model.ErrCodeUpstreamError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := authedRequest(t, http.MethodPost, "/v1/tools/run", token, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, decodeError(t, resp).Code)
		})
	}
}

func TestRunTool_BusinessFailureIs200(t *testing.T) {
	_, token := newTenant(t)

	resp := authedRequest(t, http.MethodPost, "/v1/tools/run", token, model.RunToolRequest{ToolSlug: "refuse"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out model.RunToolResponse
	decodeData(t, resp, &out)
	assert.False(t, out.Success)
	require.NotNil(t, out.Error)
	assert.Equal(t, model.FailureBusiness, out.Error.Kind)
	assert.Equal(t, "BAD_INPUT: nope", out.Error.Message)
}

func TestRunTool_BodyTooLarge(t *testing.T) {
	_, token := newTenant(t)
	big := map[string]any{"toolSlug": "echo", "toolInput": map[string]string{"pad": strings.Repeat("x", 70*1024)}}
	resp := authedRequest(t, http.MethodPost, "/v1/tools/run", token, big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, model.ErrCodePayloadTooLarge, decodeError(t, resp).Code)
}

func TestAsyncRunCompletesViaCallbackToken(t *testing.T) {
	tenant, token := newTenant(t)

	resp := authedRequest(t, http.MethodPost, "/v1/tools/run", token, model.RunToolRequest{RequestID: "async-1", ToolSlug: "slow"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out model.RunToolResponse
	decodeData(t, resp, &out)
	assert.Equal(t, model.RunStatusRunning, out.Status)

	cbToken, _, err := tokens.IssueCallbackToken(tenant, out.RunID, time.Minute)
	require.NoError(t, err)

	// A token for another run is refused.
	otherToken, _, err := tokens.IssueCallbackToken(tenant, uuid.New(), time.Minute)
	require.NoError(t, err)
	cb := model.EngineCallback{RunID: out.RunID, ExecutionID: "exec-42", Success: true, Data: json.RawMessage(`{"done":true}`)}
	rejected := authedRequest(t, http.MethodPost, "/v1/engine/callbacks", otherToken, cb)
	assert.Equal(t, http.StatusUnauthorized, rejected.StatusCode)

	accepted := authedRequest(t, http.MethodPost, "/v1/engine/callbacks", cbToken, cb)
	require.Equal(t, http.StatusOK, accepted.StatusCode)

	get := authedRequest(t, http.MethodGet, "/v1/tools/runs/async-1", token, nil)
	require.Equal(t, http.StatusOK, get.StatusCode)
	var detail model.RunDetail
	decodeData(t, get, &detail)
	assert.Equal(t, model.RunStatusSuccess, detail.Run.Status)
	assert.JSONEq(t, `{"done":true}`, string(detail.Run.Output))
}

func TestSignedCallback(t *testing.T) {
	tenant, token := newTenant(t)

	resp := authedRequest(t, http.MethodPost, "/v1/tools/run", token, model.RunToolRequest{RequestID: "async-2", ToolSlug: "slow"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out model.RunToolResponse
	decodeData(t, resp, &out)

	cb := model.EngineCallback{
		RunID:    out.RunID,
		TenantID: tenant,
		Success:  false,
		Error:    &model.EngineError{Code: "LATE", Message: "gave up"},
	}
	body, err := json.Marshal(cb)
	require.NoError(t, err)

	send := func(body []byte, headerTenant, secret string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, testSrv.URL+"/v1/engine/callbacks", bytes.NewReader(body))
		require.NoError(t, err)
		require.NoError(t, codec.SignRequest(req, body, headerTenant, secret, ""))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusUnauthorized, send(body, tenant.String(), "wrong-secret").StatusCode)

	// A signed body cannot be replayed under another tenant's header.
	other, _ := newTenant(t)
	assert.Equal(t, http.StatusUnauthorized, send(body, other.String(), inboundSecret).StatusCode)

	cb.TenantID = uuid.Nil
	untagged, err := json.Marshal(cb)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, send(untagged, tenant.String(), inboundSecret).StatusCode)

	require.Equal(t, http.StatusOK, send(body, tenant.String(), inboundSecret).StatusCode)

	get := authedRequest(t, http.MethodGet, "/v1/tools/runs/async-2", token, nil)
	var detail model.RunDetail
	decodeData(t, get, &detail)
	assert.Equal(t, model.RunStatusFailed, detail.Run.Status)
	require.NotNil(t, detail.Run.Error)
	assert.Equal(t, "LATE: gave up", detail.Run.Error.Message)
}

func TestListRunsAndUsage(t *testing.T) {
	_, token := newTenant(t)
	for i := range 3 {
		resp := authedRequest(t, http.MethodPost, "/v1/tools/run", token, model.RunToolRequest{
			RequestID: fmt.Sprintf("page-%d", i),
			ToolSlug:  "refuse",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := authedRequest(t, http.MethodGet, "/v1/tools/runs?limit=2", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Data    []model.RunSummary `json:"data"`
		Total   int                `json:"total"`
		HasMore bool               `json:"has_more"`
		Limit   int                `json:"limit"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Len(t, list.Data, 2)
	assert.Equal(t, 3, list.Total)
	assert.True(t, list.HasMore)
	assert.Equal(t, 2, list.Limit)

	usage := authedRequest(t, http.MethodGet, "/v1/usage", token, nil)
	require.Equal(t, http.StatusOK, usage.StatusCode)
	var u model.UsageResponse
	decodeData(t, usage, &u)
	assert.Equal(t, billing.PlanFree, u.Plan)
	assert.Equal(t, 3, u.Used)
	assert.True(t, u.PeriodEnd.After(u.PeriodStart))

	missing := authedRequest(t, http.MethodGet, "/v1/tools/runs/never", token, nil)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestListTools(t *testing.T) {
	_, token := newTenant(t)
	resp := authedRequest(t, http.MethodGet, "/v1/tools", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var views []model.ToolView
	decodeData(t, resp, &views)
	require.Len(t, views, 5)
	for _, v := range views {
		if v.Slug == "beta" {
			assert.False(t, v.Available)
			assert.NotEmpty(t, v.Reason)
		}
	}
}

func TestAutomationEvent(t *testing.T) {
	_, token := newTenant(t)
	ev := model.AutomationEventRequest{
		EventID:    "evt-" + uuid.NewString(),
		WorkflowID: "inbound-reply",
		Payload:    json.RawMessage(`{"from":"a@example.com"}`),
	}

	resp := authedRequest(t, http.MethodPost, "/v1/automations/events", token, ev)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var first model.AutomationEventResponse
	decodeData(t, resp, &first)
	assert.False(t, first.Duplicate)
	assert.Equal(t, model.RunKindAutomation, first.Run.Kind)

	resp = authedRequest(t, http.MethodPost, "/v1/automations/events", token, ev)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var second model.AutomationEventResponse
	decodeData(t, resp, &second)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Run.ID, second.Run.ID)

	unknown := authedRequest(t, http.MethodPost, "/v1/automations/events", token, model.AutomationEventRequest{WorkflowID: "nope"})
	assert.Equal(t, http.StatusNotFound, unknown.StatusCode)
}

func TestEdgeRateLimit(t *testing.T) {
	cfg := srvConfig
	limiter := ratelimit.NewMemoryLimiter(0.001, 2)
	t.Cleanup(func() { _ = limiter.Close() })
	cfg.Limiter = limiter
	srv := httptest.NewServer(server.New(cfg).Handler())
	t.Cleanup(srv.Close)

	_, token := newTenant(t)
	get := func(path string) int {
		req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, get("/v1/tools"))
	assert.Equal(t, http.StatusOK, get("/v1/tools"))
	assert.Equal(t, http.StatusTooManyRequests, get("/v1/tools"))
	for range 3 {
		assert.Equal(t, http.StatusOK, get("/health"), "health is never limited")
	}
}

func TestExtraRoutesAndMiddleware(t *testing.T) {
	cfg := srvConfig
	cfg.ExtraRoutes = []func(*http.ServeMux){
		func(mux *http.ServeMux) {
			mux.HandleFunc("GET /v1/whoami", func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(ctxutil.TenantIDFromContext(r.Context()).String()))
			})
		},
	}
	var order []string
	tag := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	cfg.Middlewares = []func(http.Handler) http.Handler{tag("outer"), tag("inner")}
	srv := httptest.NewServer(server.New(cfg).Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/v1/whoami")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "extra routes sit behind tenant auth")
	assert.Equal(t, []string{"outer", "inner"}, order)

	tenantID, token := newTenant(t)
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/whoami", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, tenantID.String(), string(body))
}

func newMCPClient(t *testing.T, token string) *mcpclient.Client {
	t.Helper()
	c, err := mcpclient.NewStreamableHttpClient(
		testSrv.URL+"/mcp",
		mcptransport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + token,
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.Initialize(context.Background(), mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)
	return c
}

func TestMCPListTools(t *testing.T) {
	_, token := newTenant(t)
	c := newMCPClient(t, token)

	toolsResult, err := c.ListTools(context.Background(), mcplib.ListToolsRequest{})
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, tool := range toolsResult.Tools {
		names[tool.Name] = true
	}
	assert.True(t, names["relay_run_tool"])
	assert.True(t, names["relay_get_run"])
	assert.True(t, names["relay_list_runs"])
}

func TestMCPRunTool(t *testing.T) {
	_, token := newTenant(t)
	c := newMCPClient(t, token)
	ctx := context.Background()

	result, err := c.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      "relay_run_tool",
			Arguments: map[string]any{"tool_slug": "echo", "request_id": "mcp-http-1"},
		},
	})
	require.NoError(t, err)
	require.False(t, result.IsError, "run tool returned error: %v", result.Content)

	// The run is visible over REST under the same tenant.
	resp := authedRequest(t, http.MethodGet, "/v1/tools/runs/mcp-http-1", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resources, err := c.ReadResource(ctx, mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "relay://tools"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resources.Contents)
}

func TestMCPRequiresToken(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, testSrv.URL+"/mcp", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
