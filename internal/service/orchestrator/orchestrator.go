// Package orchestrator implements the tool and automation entry paths.
//
// Both the HTTP API and the MCP server delegate to this service so gating,
// idempotency and dispatch behave the same on every interface.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/relay/internal/artifact"
	"github.com/ashita-ai/relay/internal/billing"
	"github.com/ashita-ai/relay/internal/catalog"
	"github.com/ashita-ai/relay/internal/dispatch"
	"github.com/ashita-ai/relay/internal/model"
	"github.com/ashita-ai/relay/internal/quota"
	"github.com/ashita-ai/relay/internal/storage"
	"github.com/ashita-ai/relay/internal/telemetry"
)

// Page size bounds for run listings.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

const (
	pollInitial = 50 * time.Millisecond
	pollMax     = time.Second
)

// Config holds orchestrator settings.
type Config struct {
	// DuplicateWait bounds how long a duplicate request waits for the
	// winning run to finish.
	DuplicateWait time.Duration
	// ArtifactURLTTL is the lifetime of download links in responses.
	ArtifactURLTTL time.Duration
}

// Service runs tools and automations for tenants.
type Service struct {
	db         *storage.DB
	catalog    catalog.Catalog
	plans      billing.Resolver
	guard      *quota.Guard
	dispatcher *dispatch.Dispatcher
	artifacts  *artifact.Store
	cfg        Config
	logger     *slog.Logger

	mu       sync.Mutex // guards draining and wg.Add
	draining bool
	wg       sync.WaitGroup
	stopCtx  context.Context
	stop     context.CancelFunc
}

// New creates a Service and registers its gauges.
func New(db *storage.DB, cat catalog.Catalog, plans billing.Resolver, guard *quota.Guard, dispatcher *dispatch.Dispatcher, artifacts *artifact.Store, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	stopCtx, stop := context.WithCancel(context.Background())
	s := &Service{
		db:         db,
		catalog:    cat,
		plans:      plans,
		guard:      guard,
		dispatcher: dispatcher,
		artifacts:  artifacts,
		cfg:        cfg,
		logger:     logger,
		stopCtx:    stopCtx,
		stop:       stop,
	}
	s.registerMetrics()
	return s
}

func (s *Service) registerMetrics() {
	meter := telemetry.Meter("relay/orchestrator")

	_, _ = meter.Int64ObservableGauge("relay.dispatch.in_flight",
		metric.WithDescription("Engine dispatches currently executing in this process"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(s.dispatcher.InFlight())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("relay.runs.running",
		metric.WithDescription("Runs in the running state across all replicas"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := s.db.CountRunning(ctx)
			if err != nil {
				return err
			}
			o.Observe(n)
			return nil
		}),
	)
}

// RunTool executes a catalog tool synchronously and returns its normalized
// outcome. Requests repeating a known requestId return the recorded run
// without calling the engine again.
func (s *Service) RunTool(ctx context.Context, tenantID uuid.UUID, req model.RunToolRequest) (model.RunToolResponse, error) {
	if err := req.Validate(); err != nil {
		return model.RunToolResponse{}, err
	}
	tool, ok := s.catalog.Tool(req.ToolSlug)
	if !ok {
		return model.RunToolResponse{}, fmt.Errorf("%w: tool %q", model.ErrNotFound, req.ToolSlug)
	}
	plan, err := s.plans.Resolve(ctx, tenantID)
	if err != nil {
		return model.RunToolResponse{}, fmt.Errorf("orchestrator: %w", err)
	}
	override, err := s.toolConfig(ctx, tenantID, tool.Slug)
	if err != nil {
		return model.RunToolResponse{}, err
	}
	if err := Gate(tool, plan, override); err != nil {
		return model.RunToolResponse{}, err
	}
	if err := s.catalog.ValidateInput(tool.Slug, req.ToolInput); err != nil {
		return model.RunToolResponse{}, err
	}

	// A replay must not be charged against quota or rate limits.
	if req.RequestID != "" {
		existing, err := s.db.GetRunByKey(ctx, tenantID, req.RequestID)
		switch {
		case err == nil:
			return s.awaitDuplicate(ctx, tool, existing, req.Context)
		case !errors.Is(err, storage.ErrNotFound):
			return model.RunToolResponse{}, fmt.Errorf("orchestrator: lookup request: %w", err)
		}
	}

	if err := s.guard.Admit(ctx, plan, tool, override); err != nil {
		// A concurrent request with the same key may have been admitted and
		// inserted after the lookup above; its row is what tipped the count.
		var le *model.LimitError
		if req.RequestID != "" && errors.As(err, &le) {
			if existing, lerr := s.db.GetRunByKey(ctx, tenantID, req.RequestID); lerr == nil {
				return s.awaitDuplicate(ctx, tool, existing, req.Context)
			}
		}
		return model.RunToolResponse{}, err
	}

	input := req.ToolInput
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	run, created, err := s.db.CreateOrGet(ctx, model.NewRun{
		TenantID:       tenantID,
		IdempotencyKey: req.RequestID,
		Kind:           model.RunKindTool,
		Target:         tool.Slug,
		Input:          input,
	})
	if err != nil {
		return model.RunToolResponse{}, fmt.Errorf("orchestrator: record run: %w", err)
	}
	if !created {
		// Lost the insert race to a concurrent request with the same key.
		return s.awaitDuplicate(ctx, tool, run, req.Context)
	}

	res, err := s.dispatcher.Dispatch(ctx, dispatch.Request{Run: run, Target: tool.Target, Context: req.Context})
	if err != nil {
		return model.RunToolResponse{}, fmt.Errorf("orchestrator: %w", err)
	}
	return s.respond(ctx, res.Run, res.Artifacts, false)
}

// Gate applies enablement, plan and feature checks. A tenant override
// decides enablement in both directions.
func Gate(tool model.Tool, plan model.TenantPlan, override *model.TenantToolConfig) error {
	enabled := tool.Enabled
	if override != nil {
		enabled = override.Enabled
	}
	if !enabled {
		return fmt.Errorf("%w: %q", model.ErrToolDisabled, tool.Slug)
	}
	if !billing.Satisfies(plan.PlanCode, tool.MinPlan) {
		return fmt.Errorf("%w: tool %q requires the %s plan", model.ErrPermissionDenied, tool.Slug, tool.MinPlan)
	}
	if !plan.HasFeature(tool.RequiredFeature) {
		return fmt.Errorf("%w: tool %q requires the %s feature", model.ErrPermissionDenied, tool.Slug, tool.RequiredFeature)
	}
	return nil
}

func (s *Service) toolConfig(ctx context.Context, tenantID uuid.UUID, slug string) (*model.TenantToolConfig, error) {
	cfg, err := s.db.GetTenantToolConfig(ctx, tenantID, slug)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("orchestrator: tool config: %w", err)
	}
	return &cfg, nil
}

// awaitDuplicate returns the outcome of an existing run, polling until it is
// terminal or DuplicateWait elapses. A tool run stuck in queued for longer
// than DuplicateWait lost its dispatcher; the waiter takes it over, and
// MarkRunning guarantees only one taker calls the engine.
func (s *Service) awaitDuplicate(ctx context.Context, tool model.Tool, run model.Run, reqCtx map[string]any) (model.RunToolResponse, error) {
	if run.Kind != model.RunKindTool || run.Target != tool.Slug {
		return model.RunToolResponse{}, fmt.Errorf("%w: requestId was already used for %s %q", model.ErrInvalidInput, run.Kind, run.Target)
	}
	if run.Status == model.RunStatusQueued && time.Since(run.CreatedAt) > s.cfg.DuplicateWait {
		s.logger.Warn("orchestrator: taking over abandoned run", "run_id", run.ID, "tenant_id", run.TenantID)
		res, err := s.dispatcher.Dispatch(ctx, dispatch.Request{Run: run, Target: tool.Target, Context: reqCtx})
		if err != nil {
			return model.RunToolResponse{}, fmt.Errorf("orchestrator: %w", err)
		}
		if res.Dispatched {
			return s.respond(ctx, res.Run, res.Artifacts, true)
		}
		run = res.Run
	}

	deadline := time.Now().Add(s.cfg.DuplicateWait)
	interval := pollInitial
	for !run.Status.Terminal() && time.Now().Before(deadline) {
		timer := time.NewTimer(min(interval, time.Until(deadline)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return model.RunToolResponse{}, ctx.Err()
		case <-timer.C:
		}
		interval = min(interval*2, pollMax)

		latest, err := s.db.GetRun(ctx, run.TenantID, run.ID)
		if err != nil {
			return model.RunToolResponse{}, fmt.Errorf("orchestrator: poll duplicate: %w", err)
		}
		run = latest
	}
	return s.respond(ctx, run, nil, true)
}

// respond builds the caller-facing outcome. When arts is nil the run's
// artifacts are loaded from the registry.
func (s *Service) respond(ctx context.Context, run model.Run, arts []model.Artifact, duplicate bool) (model.RunToolResponse, error) {
	var views []model.ArtifactView
	if arts != nil {
		views = s.artifacts.Views(arts, s.cfg.ArtifactURLTTL)
	} else {
		var err error
		views, err = s.artifacts.ListViews(ctx, run.TenantID, run.ID, s.cfg.ArtifactURLTTL)
		if err != nil {
			return model.RunToolResponse{}, fmt.Errorf("orchestrator: %w", err)
		}
	}
	if views == nil {
		views = []model.ArtifactView{}
	}
	return model.RunToolResponse{
		RequestID: run.RequestID(),
		RunID:     run.ID,
		Status:    run.Status,
		Success:   run.Status == model.RunStatusSuccess,
		Data:      run.Output,
		Error:     run.Error,
		Usage:     run.Usage,
		Artifacts: views,
		Duplicate: duplicate,
	}, nil
}

// DeliveryError reports a finished run whose engine call itself failed,
// as opposed to the engine running and reporting a failure. It returns
// nil for successes, business failures and runs still in progress.
func DeliveryError(resp model.RunToolResponse) error {
	if resp.Status == model.RunStatusTimeout {
		return fmt.Errorf("%w: engine did not respond in time", model.ErrTransport)
	}
	if resp.Status != model.RunStatusFailed || resp.Error == nil {
		return nil
	}
	switch resp.Error.Kind {
	case model.FailureTransport, model.FailureTimeout, model.FailureCanceled:
		return fmt.Errorf("%w: %s", model.ErrTransport, resp.Error.Message)
	case model.FailureUpstream:
		return fmt.Errorf("%w: %s", model.ErrUpstream, resp.Error.Message)
	}
	return nil
}

// SubmitAutomation records an inbound automation event and dispatches it in
// the background. Redelivered events return the run recorded the first time
// with created=false. Automation runs count toward usage but are never
// refused for quota, so inbound events are not lost.
func (s *Service) SubmitAutomation(ctx context.Context, tenantID uuid.UUID, ev model.AutomationEventRequest) (run model.Run, created bool, err error) {
	if err := ev.Validate(); err != nil {
		return model.Run{}, false, err
	}
	wf, ok := s.catalog.Workflow(ev.WorkflowID)
	if !ok {
		return model.Run{}, false, fmt.Errorf("%w: workflow %q", model.ErrNotFound, ev.WorkflowID)
	}
	if s.isDraining() {
		return model.Run{}, false, model.ErrShuttingDown
	}

	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	run, created, err = s.db.CreateOrGet(ctx, model.NewRun{
		TenantID:       tenantID,
		IdempotencyKey: ev.EventID,
		Kind:           model.RunKindAutomation,
		Target:         wf.ID,
		Input:          payload,
		CorrelationID:  ev.CorrelationID,
	})
	if err != nil {
		return model.Run{}, false, fmt.Errorf("orchestrator: record event: %w", err)
	}
	if !created {
		// A redelivery is the sender's retry; if the first delivery's run was
		// never picked up (crash, or shutdown won the race), dispatch it now.
		if run.Kind == model.RunKindAutomation && run.Status == model.RunStatusReceived &&
			time.Since(run.CreatedAt) > s.cfg.DuplicateWait {
			s.logger.Warn("orchestrator: redelivered event found its run undispatched", "run_id", run.ID, "event_id", ev.EventID)
			if run, err = s.ResumeAutomation(ctx, run); err != nil {
				return model.Run{}, false, err
			}
		}
		return run, false, nil
	}

	if !wf.Enabled {
		run, err = s.db.MarkSkipped(ctx, tenantID, run.ID, "workflow disabled")
		if err != nil {
			return model.Run{}, true, fmt.Errorf("orchestrator: skip run: %w", err)
		}
		s.logger.Info("orchestrator: automation skipped, workflow disabled", "run_id", run.ID, "workflow_id", wf.ID)
		return run, true, nil
	}

	if !s.goDispatch(ctx, dispatch.Request{Run: run, Target: wf.Target}) {
		s.logger.Warn("orchestrator: shutdown began before dispatch, run left received", "run_id", run.ID)
	}
	return run, true, nil
}

// ResumeAutomation dispatches an automation run left in received. Runs in
// any other state are returned unchanged, and MarkRunning keeps concurrent
// resumers from calling the engine twice. A workflow that was disabled or
// removed since the event arrived finalizes the run as skipped.
func (s *Service) ResumeAutomation(ctx context.Context, run model.Run) (model.Run, error) {
	if run.Kind != model.RunKindAutomation || run.Status != model.RunStatusReceived {
		return run, nil
	}
	wf, ok := s.catalog.Workflow(run.Target)
	if !ok || !wf.Enabled {
		reason := "workflow disabled"
		if !ok {
			reason = "workflow no longer in catalog"
		}
		skipped, err := s.db.MarkSkipped(ctx, run.TenantID, run.ID, reason)
		if err != nil {
			return model.Run{}, fmt.Errorf("orchestrator: skip run: %w", err)
		}
		return skipped, nil
	}
	if !s.goDispatch(ctx, dispatch.Request{Run: run, Target: wf.Target}) {
		return model.Run{}, model.ErrShuttingDown
	}
	s.logger.Info("orchestrator: resumed undispatched automation run", "run_id", run.ID, "workflow_id", wf.ID)
	return run, nil
}

func (s *Service) isDraining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

// goDispatch runs req in the background. The dispatch outlives the request
// that triggered it but is canceled if Drain gives up waiting.
func (s *Service) goDispatch(parent context.Context, req dispatch.Request) bool {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	unhook := context.AfterFunc(s.stopCtx, cancel)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer unhook()
		if _, err := s.dispatcher.Dispatch(ctx, req); err != nil {
			s.logger.Error("orchestrator: background dispatch", "run_id", req.Run.ID, "error", err)
		}
	}()
	return true
}

// Drain stops accepting automation events and waits for background
// dispatches. If ctx expires first the remaining dispatches are canceled,
// which finalizes their runs as failed.
func (s *Service) Drain(ctx context.Context) {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("orchestrator: drained")
	case <-ctx.Done():
		s.logger.Warn("orchestrator: drain timed out, canceling background dispatches")
		s.stop()
		<-done
	}
}

// HandleCallback finalizes an asynchronous run from the engine's completion
// report. Repeated callbacks overwrite the outcome; artifacts are stored
// only once.
func (s *Service) HandleCallback(ctx context.Context, tenantID uuid.UUID, cb model.EngineCallback) (model.Run, error) {
	run, err := s.db.GetRun(ctx, tenantID, cb.RunID)
	if err != nil {
		return model.Run{}, fmt.Errorf("orchestrator: callback run: %w", err)
	}
	switch run.Status {
	case model.RunStatusQueued, model.RunStatusReceived, model.RunStatusSkipped:
		return model.Run{}, fmt.Errorf("%w: run %s is %s and not awaiting completion", model.ErrInvalidInput, run.ID, run.Status)
	}
	usage := dispatch.UsageFrom(cb.Usage)
	log := s.logger.With("run_id", run.ID, "tenant_id", tenantID)

	if !cb.Success {
		msg := "engine reported failure"
		if cb.Error != nil && cb.Error.Message != "" {
			msg = cb.Error.Message
			if cb.Error.Code != "" {
				msg = cb.Error.Code + ": " + msg
			}
		}
		final, err := s.db.MarkFailed(ctx, tenantID, run.ID, model.FailureBusiness, msg, usage, cb.ExecutionID)
		if err != nil {
			return model.Run{}, fmt.Errorf("orchestrator: finalize callback: %w", err)
		}
		log.Info("orchestrator: callback finalized run", "status", final.Status)
		return final, nil
	}

	if len(cb.Artifacts) > 0 {
		existing, err := s.db.ListArtifactsByRun(ctx, tenantID, run.ID)
		if err != nil {
			return model.Run{}, fmt.Errorf("orchestrator: callback artifacts: %w", err)
		}
		if len(existing) == 0 {
			if _, err := s.artifacts.Persist(ctx, tenantID, run.ID, run.Target, cb.Artifacts); err != nil {
				log.Error("orchestrator: persist callback artifacts", "error", err)
				final, ferr := s.db.MarkFailed(ctx, tenantID, run.ID, model.FailureArtifact, err.Error(), usage, cb.ExecutionID)
				if ferr != nil {
					return model.Run{}, fmt.Errorf("orchestrator: finalize callback: %w", ferr)
				}
				return final, nil
			}
		}
	}
	final, err := s.db.MarkSuccess(ctx, tenantID, run.ID, cb.Data, usage, cb.ExecutionID)
	if err != nil {
		return model.Run{}, fmt.Errorf("orchestrator: finalize callback: %w", err)
	}
	log.Info("orchestrator: callback finalized run", "status", final.Status)
	return final, nil
}

// RunPage is one page of run summaries.
type RunPage struct {
	Runs   []model.RunSummary
	Total  int
	Limit  int
	Offset int
}

// ListRuns returns the tenant's tool runs, newest first.
func (s *Service) ListRuns(ctx context.Context, tenantID uuid.UUID, limit, offset int) (RunPage, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	limit = min(limit, MaxPageSize)
	offset = max(offset, 0)

	rows, total, err := s.db.ListRuns(ctx, tenantID, storage.RunFilter{Kind: model.RunKindTool, Limit: limit, Offset: offset})
	if err != nil {
		return RunPage{}, fmt.Errorf("orchestrator: %w", err)
	}
	summaries := make([]model.RunSummary, len(rows))
	for i, r := range rows {
		summaries[i] = r.Summary()
	}
	return RunPage{Runs: summaries, Total: total, Limit: limit, Offset: offset}, nil
}

// GetRun returns a run by request id (or run id) with fresh artifact links.
func (s *Service) GetRun(ctx context.Context, tenantID uuid.UUID, requestID string) (model.RunDetail, error) {
	run, err := s.db.GetRunByRequestID(ctx, tenantID, requestID)
	if err != nil {
		return model.RunDetail{}, fmt.Errorf("orchestrator: %w", err)
	}
	views, err := s.artifacts.ListViews(ctx, tenantID, run.ID, s.cfg.ArtifactURLTTL)
	if err != nil {
		return model.RunDetail{}, fmt.Errorf("orchestrator: %w", err)
	}
	if views == nil {
		views = []model.ArtifactView{}
	}
	return model.RunDetail{RequestID: run.RequestID(), Run: run, Artifacts: views}, nil
}

// Usage reports the tenant's run count against its monthly quota.
func (s *Service) Usage(ctx context.Context, tenantID uuid.UUID) (model.UsageResponse, error) {
	plan, err := s.plans.Resolve(ctx, tenantID)
	if err != nil {
		return model.UsageResponse{}, fmt.Errorf("orchestrator: %w", err)
	}
	st, err := s.guard.CheckMonthlyQuota(ctx, tenantID)
	if err != nil {
		return model.UsageResponse{}, err
	}
	start, end := billing.PeriodBounds(time.Now())
	return model.UsageResponse{
		Plan:        plan.PlanCode,
		Used:        st.Used,
		Limit:       st.Limit,
		PeriodStart: start,
		PeriodEnd:   end,
	}, nil
}

// Tools lists the catalog as the tenant sees it.
func (s *Service) Tools(ctx context.Context, tenantID uuid.UUID) ([]model.ToolView, error) {
	plan, err := s.plans.Resolve(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	overrides, err := s.db.ListTenantToolConfigs(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	tools := s.catalog.Tools()
	views := make([]model.ToolView, 0, len(tools))
	for _, tool := range tools {
		var override *model.TenantToolConfig
		if c, ok := overrides[tool.Slug]; ok {
			override = &c
		}
		v := model.ToolView{Tool: tool, Available: true, EffectiveRateLimit: quota.EffectiveRateLimit(tool, override, plan.PlanCode)}
		if err := Gate(tool, plan, override); err != nil {
			v.Available = false
			v.Reason = err.Error()
		}
		views = append(views, v)
	}
	return views, nil
}

// InFlight returns the number of engine dispatches executing in this process.
func (s *Service) InFlight() int64 { return s.dispatcher.InFlight() }

// Catalog returns the tool catalog the service reads.
func (s *Service) Catalog() catalog.Catalog { return s.catalog }
