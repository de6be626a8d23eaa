package orchestrator_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/relay/internal/artifact"
	"github.com/ashita-ai/relay/internal/billing"
	"github.com/ashita-ai/relay/internal/catalog"
	"github.com/ashita-ai/relay/internal/dispatch"
	"github.com/ashita-ai/relay/internal/model"
	"github.com/ashita-ai/relay/internal/quota"
	"github.com/ashita-ai/relay/internal/service/orchestrator"
	"github.com/ashita-ai/relay/internal/signing"
	"github.com/ashita-ai/relay/internal/storage"
	"github.com/ashita-ai/relay/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()
	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

const testCatalog = `
tools:
  - slug: pdf_summary
    rate_limit_per_minute: 5
    workflow_id: wf-pdf
    path: /webhook/pdf-summary
    input_schema:
      type: object
      required: [url]
      properties:
        url: {type: string}
  - slug: report
    min_plan: pro
    path: /webhook/report
  - slug: crm_sync
    required_feature: crm
    path: /webhook/crm
  - slug: beta
    enabled: false
    path: /webhook/beta
  - slug: throttled
    rate_limit_per_minute: 2
    path: /webhook/throttled
  - slug: single
    rate_limit_per_minute: 1
    path: /webhook/single
workflows:
  - id: inbound-reply
    path: /webhook/inbound-reply
  - id: paused
    enabled: false
    path: /webhook/paused
`

type env struct {
	svc    *orchestrator.Service
	calls  atomic.Int32
	engine *httptest.Server
}

func newEnv(t *testing.T, handler http.HandlerFunc) *env {
	t.Helper()
	e := &env{}
	e.engine = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(e.engine.Close)

	cat, err := catalog.Parse([]byte(testCatalog))
	require.NoError(t, err)
	backend, err := artifact.NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	codec := signing.New()
	store, err := artifact.NewStore(backend, testDB, codec, artifact.Config{
		SigningSecret: "artifact-secret",
		PublicBaseURL: "http://relay.test",
	}, testutil.TestLogger())
	require.NoError(t, err)

	engine := dispatch.StaticResolver{
		BaseURL: e.engine.URL,
		Secret:  "outbound-secret",
		Policy:  dispatch.Policy{MaxRetries: 0, Timeout: 2 * time.Second},
	}
	disp := dispatch.New(testDB, store, engine, codec, testutil.TestLogger(),
		dispatch.WithSleep(func(context.Context, time.Duration) error { return nil }))
	plans := billing.New(testDB, testutil.TestLogger())

	e.svc = orchestrator.New(testDB, cat, plans, quota.NewGuard(testDB, plans), disp, store,
		orchestrator.Config{DuplicateWait: 5 * time.Second, ArtifactURLTTL: 10 * time.Minute},
		testutil.TestLogger())
	return e
}

func respond(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

func runPDF(requestID string) model.RunToolRequest {
	return model.RunToolRequest{
		RequestID: requestID,
		ToolSlug:  "pdf_summary",
		ToolInput: json.RawMessage(`{"url":"https://example.com/a.pdf"}`),
	}
}

func TestRunTool_Success(t *testing.T) {
	content := base64.StdEncoding.EncodeToString([]byte("summary text"))
	e := newEnv(t, respond(`{"success":true,"data":{"summary":"ok"},"usage":{"inputTokens":12},
		"artifacts":[{"name":"summary.txt","mimeType":"text/plain","contentBase64":"`+content+`"}]}`))
	ctx := context.Background()
	tenant := uuid.New()

	resp, err := e.svc.RunTool(ctx, tenant, runPDF("req-1"))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, model.RunStatusSuccess, resp.Status)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.False(t, resp.Duplicate)
	assert.JSONEq(t, `{"summary":"ok"}`, string(resp.Data))
	require.NotNil(t, resp.Usage.InputTokens)
	assert.Equal(t, int64(12), *resp.Usage.InputTokens)
	require.Len(t, resp.Artifacts, 1)
	assert.Contains(t, resp.Artifacts[0].DownloadURL, "http://relay.test/artifacts/")
	assert.NoError(t, orchestrator.DeliveryError(resp))

	detail, err := e.svc.GetRun(ctx, tenant, "req-1")
	require.NoError(t, err)
	assert.Equal(t, resp.RunID, detail.Run.ID)
	assert.Len(t, detail.Artifacts, 1)

	page, err := e.svc.ListRuns(ctx, tenant, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, orchestrator.DefaultPageSize, page.Limit)
	require.Len(t, page.Runs, 1)
	assert.Equal(t, 1, page.Runs[0].ArtifactsCount)

	_, err = e.svc.GetRun(ctx, uuid.New(), "req-1")
	assert.ErrorIs(t, err, model.ErrNotFound, "runs are tenant scoped")
}

func TestRunTool_SequentialReplayDoesNotCallEngine(t *testing.T) {
	e := newEnv(t, respond(`{"success":true,"data":{"n":1}}`))
	ctx := context.Background()
	tenant := uuid.New()

	first, err := e.svc.RunTool(ctx, tenant, runPDF("same"))
	require.NoError(t, err)
	second, err := e.svc.RunTool(ctx, tenant, runPDF("same"))
	require.NoError(t, err)

	assert.Equal(t, int32(1), e.calls.Load())
	assert.Equal(t, first.RunID, second.RunID)
	assert.True(t, second.Duplicate)
	assert.True(t, second.Success)

	other := runPDF("same")
	other.ToolSlug = "throttled"
	other.ToolInput = nil
	_, err = e.svc.RunTool(ctx, tenant, other)
	assert.ErrorIs(t, err, model.ErrInvalidInput, "a key cannot be reused for another tool")
}

func TestRunTool_ConcurrentDuplicates(t *testing.T) {
	release := make(chan struct{})
	e := newEnv(t, func(w http.ResponseWriter, _ *http.Request) {
		<-release
		respond(`{"success":true,"data":{"done":true}}`)(w, nil)
	})
	ctx := context.Background()
	tenant := uuid.New()

	const n = 5
	var wg sync.WaitGroup
	results := make([]model.RunToolResponse, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = e.svc.RunTool(ctx, tenant, runPDF("dup-key"))
		}()
	}
	require.Eventually(t, func() bool { return e.calls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), e.calls.Load(), "engine called exactly once")
	fresh := 0
	for i := range n {
		require.NoError(t, errs[i])
		assert.True(t, results[i].Success)
		assert.Equal(t, results[0].RunID, results[i].RunID)
		if !results[i].Duplicate {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)

	usage, err := e.svc.Usage(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 1, usage.Used)
	assert.Equal(t, billing.PlanFree, usage.Plan)
	assert.Equal(t, 100, usage.Limit)
}

func TestRunTool_Gates(t *testing.T) {
	e := newEnv(t, respond(`{"success":true}`))
	ctx := context.Background()
	tenant := uuid.New()

	_, err := e.svc.RunTool(ctx, tenant, model.RunToolRequest{ToolSlug: "missing"})
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = e.svc.RunTool(ctx, tenant, model.RunToolRequest{ToolSlug: "beta"})
	assert.ErrorIs(t, err, model.ErrToolDisabled)
	assert.ErrorIs(t, err, model.ErrPermissionDenied)

	_, err = e.svc.RunTool(ctx, tenant, model.RunToolRequest{ToolSlug: "report"})
	assert.ErrorIs(t, err, model.ErrPermissionDenied)
	assert.NotErrorIs(t, err, model.ErrToolDisabled)

	_, err = e.svc.RunTool(ctx, tenant, model.RunToolRequest{ToolSlug: "crm_sync"})
	assert.ErrorIs(t, err, model.ErrPermissionDenied)

	_, err = e.svc.RunTool(ctx, tenant, model.RunToolRequest{ToolSlug: "pdf_summary", ToolInput: json.RawMessage(`{"pages":2}`)})
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	assert.Equal(t, int32(0), e.calls.Load())

	// Tenant overrides enable and disable in both directions.
	require.NoError(t, testDB.UpsertTenantToolConfig(ctx, model.TenantToolConfig{TenantID: tenant, ToolSlug: "beta", Enabled: true}))
	require.NoError(t, testDB.UpsertTenantToolConfig(ctx, model.TenantToolConfig{TenantID: tenant, ToolSlug: "pdf_summary", Enabled: false}))

	resp, err := e.svc.RunTool(ctx, tenant, model.RunToolRequest{ToolSlug: "beta"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	_, err = e.svc.RunTool(ctx, tenant, runPDF(""))
	assert.ErrorIs(t, err, model.ErrToolDisabled)

	require.NoError(t, testDB.UpsertTenantPlan(ctx, model.TenantPlan{TenantID: tenant, PlanCode: billing.PlanPro, Features: map[string]bool{"crm": true}}))
	_, err = e.svc.RunTool(ctx, tenant, model.RunToolRequest{ToolSlug: "report"})
	assert.NoError(t, err)
	_, err = e.svc.RunTool(ctx, tenant, model.RunToolRequest{ToolSlug: "crm_sync"})
	assert.NoError(t, err)
}

func TestRunTool_RateLimit(t *testing.T) {
	e := newEnv(t, respond(`{"success":true}`))
	ctx := context.Background()
	tenant := uuid.New()

	for i := range 2 {
		_, err := e.svc.RunTool(ctx, tenant, model.RunToolRequest{RequestID: fmt.Sprintf("t-%d", i), ToolSlug: "throttled"})
		require.NoError(t, err)
	}
	_, err := e.svc.RunTool(ctx, tenant, model.RunToolRequest{RequestID: "t-2", ToolSlug: "throttled"})
	require.ErrorIs(t, err, model.ErrRateLimited)
	var le *model.LimitError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, 2, le.Used)
	assert.Equal(t, 2, le.Limit)

	// Replays of admitted requests are not throttled.
	resp, err := e.svc.RunTool(ctx, tenant, model.RunToolRequest{RequestID: "t-0", ToolSlug: "throttled"})
	require.NoError(t, err)
	assert.True(t, resp.Duplicate)
	assert.Equal(t, int32(2), e.calls.Load())
}

func TestRunTool_ConcurrentDuplicatesAtRateLimit(t *testing.T) {
	release := make(chan struct{})
	e := newEnv(t, func(w http.ResponseWriter, _ *http.Request) {
		<-release
		respond(`{"success":true,"data":{"done":true}}`)(w, nil)
	})
	ctx := context.Background()
	tenant := uuid.New()

	// The winner's row alone fills the one-per-minute budget; every other
	// caller must converge on it instead of being throttled.
	const n = 10
	var wg sync.WaitGroup
	results := make([]model.RunToolResponse, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = e.svc.RunTool(ctx, tenant, model.RunToolRequest{RequestID: "one-shot", ToolSlug: "single"})
		}()
	}
	require.Eventually(t, func() bool { return e.calls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), e.calls.Load())
	for i := range n {
		require.NoError(t, errs[i], "caller %d", i)
		assert.Equal(t, results[0].RunID, results[i].RunID)
		assert.True(t, results[i].Success)
	}

	// A different key is still throttled.
	_, err := e.svc.RunTool(ctx, tenant, model.RunToolRequest{RequestID: "another", ToolSlug: "single"})
	assert.ErrorIs(t, err, model.ErrRateLimited)
}

func TestRunTool_MonthlyQuota(t *testing.T) {
	e := newEnv(t, respond(`{"success":true}`))
	ctx := context.Background()
	tenant := uuid.New()

	for i := range 100 {
		_, _, err := testDB.CreateOrGet(ctx, model.NewRun{
			TenantID: tenant, IdempotencyKey: fmt.Sprintf("seed-%d", i), Kind: model.RunKindAutomation,
			Target: "inbound-reply", Input: json.RawMessage(`{}`),
		})
		require.NoError(t, err)
	}

	_, err := e.svc.RunTool(ctx, tenant, runPDF("over"))
	require.ErrorIs(t, err, model.ErrQuotaExceeded)
	var le *model.LimitError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, 100, le.Used)
	assert.Equal(t, 100, le.Limit)
	assert.Equal(t, int32(0), e.calls.Load())
}

func TestRunTool_FailureClassification(t *testing.T) {
	ctx := context.Background()

	upstream := newEnv(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	resp, err := upstream.svc.RunTool(ctx, uuid.New(), runPDF("u1"))
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, model.FailureUpstream, resp.Error.Kind)
	assert.ErrorIs(t, orchestrator.DeliveryError(resp), model.ErrUpstream)

	business := newEnv(t, respond(`{"success":false,"error":{"code":"BAD_PDF","message":"not a pdf"}}`))
	resp, err = business.svc.RunTool(ctx, uuid.New(), runPDF("b1"))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, model.FailureBusiness, resp.Error.Kind)
	assert.Contains(t, resp.Error.Message, "not a pdf")
	assert.NoError(t, orchestrator.DeliveryError(resp))

	dead := newEnv(t, respond(`{}`))
	dead.engine.Close()
	resp, err = dead.svc.RunTool(ctx, uuid.New(), runPDF("d1"))
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, model.FailureTransport, resp.Error.Kind)
	assert.NotContains(t, resp.Error.Message, dead.engine.URL)
	assert.ErrorIs(t, orchestrator.DeliveryError(resp), model.ErrTransport)
}

func TestAsyncRunAndCallback(t *testing.T) {
	e := newEnv(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(dispatch.HeaderExecutionID, "exec-42")
		w.WriteHeader(http.StatusAccepted)
	})
	ctx := context.Background()
	tenant := uuid.New()

	resp, err := e.svc.RunTool(ctx, tenant, runPDF("async-1"))
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, resp.Status)
	assert.NoError(t, orchestrator.DeliveryError(resp))

	content := base64.StdEncoding.EncodeToString([]byte("late result"))
	cb := model.EngineCallback{
		RunID:     resp.RunID,
		Success:   true,
		Data:      json.RawMessage(`{"pages":3}`),
		Artifacts: []model.ArtifactInput{{Name: "out.txt", Content: content}},
	}
	run, err := e.svc.HandleCallback(ctx, tenant, cb)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, run.Status)
	require.NotNil(t, run.ExternalExecutionID)
	assert.Equal(t, "exec-42", *run.ExternalExecutionID)

	// A redelivered callback does not duplicate artifacts.
	cb.Artifacts = append(cb.Artifacts, model.ArtifactInput{Name: "extra.txt", Content: content})
	_, err = e.svc.HandleCallback(ctx, tenant, cb)
	require.NoError(t, err)
	detail, err := e.svc.GetRun(ctx, tenant, "async-1")
	require.NoError(t, err)
	assert.Len(t, detail.Artifacts, 1)

	_, err = e.svc.HandleCallback(ctx, uuid.New(), cb)
	assert.ErrorIs(t, err, model.ErrNotFound, "callbacks are tenant scoped")

	queued, _, err := testDB.CreateOrGet(ctx, model.NewRun{TenantID: tenant, Kind: model.RunKindTool, Target: "pdf_summary", Input: json.RawMessage(`{}`)})
	require.NoError(t, err)
	_, err = e.svc.HandleCallback(ctx, tenant, model.EngineCallback{RunID: queued.ID, Success: true})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestHandleCallback_Failure(t *testing.T) {
	e := newEnv(t, func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusAccepted) })
	ctx := context.Background()
	tenant := uuid.New()

	resp, err := e.svc.RunTool(ctx, tenant, runPDF("async-fail"))
	require.NoError(t, err)

	run, err := e.svc.HandleCallback(ctx, tenant, model.EngineCallback{
		RunID: resp.RunID,
		Error: &model.EngineError{Code: "QUOTA", Message: "engine quota"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, model.FailureBusiness, run.Error.Kind)
	assert.Equal(t, "QUOTA: engine quota", run.Error.Message)
}

func TestSubmitAutomation(t *testing.T) {
	e := newEnv(t, respond(`{"success":true,"data":{"handled":true}}`))
	ctx := context.Background()
	tenant := uuid.New()

	ev := model.AutomationEventRequest{EventID: "evt-1", WorkflowID: "inbound-reply", Payload: json.RawMessage(`{"from":"a@b.c"}`), CorrelationID: "thread-9"}
	run, created, err := e.svc.SubmitAutomation(ctx, tenant, ev)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.RunStatusReceived, run.Status)

	again, created, err := e.svc.SubmitAutomation(ctx, tenant, ev)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, run.ID, again.ID)

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	e.svc.Drain(drainCtx)

	final, err := testDB.GetRun(ctx, tenant, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, final.Status)
	require.NotNil(t, final.CorrelationID)
	assert.Equal(t, "thread-9", *final.CorrelationID)
	assert.Equal(t, int32(1), e.calls.Load())

	_, _, err = e.svc.SubmitAutomation(ctx, tenant, model.AutomationEventRequest{EventID: "evt-2", WorkflowID: "inbound-reply"})
	assert.ErrorIs(t, err, model.ErrShuttingDown)
}

func TestSubmitAutomation_DisabledAndUnknown(t *testing.T) {
	e := newEnv(t, respond(`{"success":true}`))
	ctx := context.Background()
	tenant := uuid.New()

	run, created, err := e.svc.SubmitAutomation(ctx, tenant, model.AutomationEventRequest{EventID: "p-1", WorkflowID: "paused"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.RunStatusSkipped, run.Status)

	_, _, err = e.svc.SubmitAutomation(ctx, tenant, model.AutomationEventRequest{EventID: "x", WorkflowID: "nope"})
	assert.ErrorIs(t, err, model.ErrNotFound)

	e.svc.Drain(ctx)
	assert.Equal(t, int32(0), e.calls.Load())
}

func TestSubmitAutomation_RedeliveryResumesUndispatchedRun(t *testing.T) {
	e := newEnv(t, respond(`{"success":true,"data":{"handled":true}}`))
	ctx := context.Background()
	tenant := uuid.New()

	// Recorded by a replica that died before dispatching.
	old := testDB.WithClock(func() time.Time { return time.Now().UTC().Add(-time.Hour) })
	lost, created, err := old.CreateOrGet(ctx, model.NewRun{
		TenantID: tenant, IdempotencyKey: "evt-lost", Kind: model.RunKindAutomation,
		Target: "inbound-reply", Input: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	require.True(t, created)
	paused, _, err := old.CreateOrGet(ctx, model.NewRun{
		TenantID: tenant, IdempotencyKey: "evt-paused", Kind: model.RunKindAutomation,
		Target: "paused", Input: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	run, created, err := e.svc.SubmitAutomation(ctx, tenant, model.AutomationEventRequest{EventID: "evt-lost", WorkflowID: "inbound-reply"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, lost.ID, run.ID)

	skipped, _, err := e.svc.SubmitAutomation(ctx, tenant, model.AutomationEventRequest{EventID: "evt-paused", WorkflowID: "paused"})
	require.NoError(t, err)
	assert.Equal(t, paused.ID, skipped.ID)
	assert.Equal(t, model.RunStatusSkipped, skipped.Status)

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	e.svc.Drain(drainCtx)

	final, err := testDB.GetRun(ctx, tenant, lost.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, final.Status)
	assert.Equal(t, int32(1), e.calls.Load())
}

func TestSubmitAutomation_FreshRedeliveryDoesNotRedispatch(t *testing.T) {
	block := make(chan struct{})
	e := newEnv(t, func(w http.ResponseWriter, _ *http.Request) {
		<-block
		respond(`{"success":true}`)(w, nil)
	})
	ctx := context.Background()
	tenant := uuid.New()
	ev := model.AutomationEventRequest{EventID: "evt-fresh", WorkflowID: "inbound-reply"}

	first, _, err := e.svc.SubmitAutomation(ctx, tenant, ev)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.calls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	again, created, err := e.svc.SubmitAutomation(ctx, tenant, ev)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	close(block)
	e.svc.Drain(ctx)
	assert.Equal(t, int32(1), e.calls.Load())
}

func TestDrain_CancelsOnTimeout(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	})
	ctx := context.Background()
	tenant := uuid.New()

	run, _, err := e.svc.SubmitAutomation(ctx, tenant, model.AutomationEventRequest{EventID: "slow", WorkflowID: "inbound-reply"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.calls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	drainCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	e.svc.Drain(drainCtx)

	final, err := testDB.GetRun(ctx, tenant, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, model.FailureCanceled, final.Error.Kind)
}

func TestTools(t *testing.T) {
	e := newEnv(t, respond(`{}`))
	ctx := context.Background()
	tenant := uuid.New()
	limit := 9
	require.NoError(t, testDB.UpsertTenantToolConfig(ctx, model.TenantToolConfig{TenantID: tenant, ToolSlug: "pdf_summary", Enabled: true, RateLimitPerMinute: &limit}))

	views, err := e.svc.Tools(ctx, tenant)
	require.NoError(t, err)
	byslug := map[string]model.ToolView{}
	for _, v := range views {
		byslug[v.Slug] = v
	}
	require.Len(t, byslug, 6)
	assert.True(t, byslug["pdf_summary"].Available)
	assert.Equal(t, 9, byslug["pdf_summary"].EffectiveRateLimit)
	assert.False(t, byslug["report"].Available)
	assert.NotEmpty(t, byslug["report"].Reason)
	assert.False(t, byslug["beta"].Available)
	assert.Equal(t, 2, byslug["throttled"].EffectiveRateLimit)
}

func TestReaper(t *testing.T) {
	ctx := context.Background()
	tenant := uuid.New()

	run, _, err := testDB.CreateOrGet(ctx, model.NewRun{TenantID: tenant, Kind: model.RunKindTool, Target: "pdf_summary", Input: json.RawMessage(`{}`)})
	require.NoError(t, err)
	_, moved, err := testDB.MarkRunning(ctx, tenant, run.ID)
	require.NoError(t, err)
	require.True(t, moved)

	reaper, err := orchestrator.NewReaper(testDB, "@every 1h", time.Millisecond, testutil.TestLogger())
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	n, err := reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	got, err := testDB.GetRun(ctx, tenant, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusTimeout, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.FailureReaped, got.Error.Kind)

	reaper.Start(ctx)
	reaper.Stop()
}

func TestReaper_ResumesStuckAutomationRuns(t *testing.T) {
	e := newEnv(t, respond(`{"success":true}`))
	ctx := context.Background()
	tenant := uuid.New()

	old := testDB.WithClock(func() time.Time { return time.Now().UTC().Add(-3 * time.Hour) })
	stuck, _, err := old.CreateOrGet(ctx, model.NewRun{
		TenantID: tenant, IdempotencyKey: "evt-stuck", Kind: model.RunKindAutomation,
		Target: "inbound-reply", Input: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	gone, _, err := old.CreateOrGet(ctx, model.NewRun{
		TenantID: tenant, IdempotencyKey: "evt-gone", Kind: model.RunKindAutomation,
		Target: "deleted-workflow", Input: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	reaper, err := orchestrator.NewReaper(testDB, "@every 1h", 2*time.Hour, testutil.TestLogger())
	require.NoError(t, err)
	reaper.WithResume(e.svc.ResumeAutomation)

	_, err = reaper.Sweep(ctx)
	require.NoError(t, err)
	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	e.svc.Drain(drainCtx)

	got, err := testDB.GetRun(ctx, tenant, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, got.Status)

	got, err = testDB.GetRun(ctx, tenant, gone.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSkipped, got.Status)

	// Once draining, resumption stops without error and leaves runs received.
	late, _, err := old.CreateOrGet(ctx, model.NewRun{
		TenantID: tenant, IdempotencyKey: "evt-late", Kind: model.RunKindAutomation,
		Target: "inbound-reply", Input: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	_, err = reaper.Sweep(ctx)
	require.NoError(t, err)
	got, err = testDB.GetRun(ctx, tenant, late.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusReceived, got.Status)
}

func TestNewReaper_Validation(t *testing.T) {
	_, err := orchestrator.NewReaper(testDB, "not a schedule", time.Minute, nil)
	assert.Error(t, err)
	_, err = orchestrator.NewReaper(testDB, "*/5 * * * *", 0, nil)
	assert.Error(t, err)
	_, err = orchestrator.NewReaper(testDB, "*/5 * * * *", time.Minute, nil)
	assert.NoError(t, err)
}

func TestGate(t *testing.T) {
	pro := model.TenantPlan{PlanCode: billing.PlanPro, Features: map[string]bool{"crm": true}}
	free := model.TenantPlan{PlanCode: billing.PlanFree}
	off := &model.TenantToolConfig{Enabled: false}
	on := &model.TenantToolConfig{Enabled: true}

	tests := []struct {
		name     string
		tool     model.Tool
		plan     model.TenantPlan
		override *model.TenantToolConfig
		want     error
	}{
		{"enabled", model.Tool{Slug: "a", Enabled: true}, free, nil, nil},
		{"disabled", model.Tool{Slug: "a"}, pro, nil, model.ErrToolDisabled},
		{"override disables", model.Tool{Slug: "a", Enabled: true}, pro, off, model.ErrToolDisabled},
		{"override enables", model.Tool{Slug: "a"}, free, on, nil},
		{"plan too low", model.Tool{Slug: "a", Enabled: true, MinPlan: billing.PlanPro}, free, nil, model.ErrPermissionDenied},
		{"plan sufficient", model.Tool{Slug: "a", Enabled: true, MinPlan: billing.PlanPro}, pro, nil, nil},
		{"missing feature", model.Tool{Slug: "a", Enabled: true, RequiredFeature: "crm"}, free, nil, model.ErrPermissionDenied},
		{"feature present", model.Tool{Slug: "a", Enabled: true, RequiredFeature: "crm"}, pro, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := orchestrator.Gate(tt.tool, tt.plan, tt.override)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDeliveryError(t *testing.T) {
	failed := func(kind model.FailureKind) model.RunToolResponse {
		return model.RunToolResponse{Status: model.RunStatusFailed, Error: &model.RunError{Kind: kind, Message: "m"}}
	}
	assert.NoError(t, orchestrator.DeliveryError(model.RunToolResponse{Status: model.RunStatusSuccess}))
	assert.NoError(t, orchestrator.DeliveryError(model.RunToolResponse{Status: model.RunStatusRunning}))
	assert.NoError(t, orchestrator.DeliveryError(failed(model.FailureBusiness)))
	assert.NoError(t, orchestrator.DeliveryError(failed(model.FailureArtifact)))
	assert.ErrorIs(t, orchestrator.DeliveryError(failed(model.FailureTransport)), model.ErrTransport)
	assert.ErrorIs(t, orchestrator.DeliveryError(failed(model.FailureCanceled)), model.ErrTransport)
	assert.ErrorIs(t, orchestrator.DeliveryError(failed(model.FailureUpstream)), model.ErrUpstream)
	assert.ErrorIs(t, orchestrator.DeliveryError(model.RunToolResponse{Status: model.RunStatusTimeout}), model.ErrTransport)
}
