// Package dispatch calls the workflow engine for a recorded run: it signs the
// request, applies the retry policy, classifies the reply and finalizes the
// run.
//
// A run is finalized exactly once per dispatch, on a detached context, so a
// caller that goes away never leaves it running. The only exception is an
// engine that answers 202 Accepted: the run stays running until the engine's
// signed completion callback arrives.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/relay/internal/ctxutil"
	"github.com/ashita-ai/relay/internal/model"
	"github.com/ashita-ai/relay/internal/signing"
	"github.com/ashita-ai/relay/internal/telemetry"
)

// HeaderExecutionID is the response header an engine may use to report its
// execution id.
const HeaderExecutionID = "X-Execution-Id"

const (
	maxResponseBytes       = 64 << 20
	defaultFinalizeTimeout = 10 * time.Second
	errorSnippetLen        = 512
)

// RunStore is the subset of the run registry the dispatcher mutates.
type RunStore interface {
	MarkRunning(ctx context.Context, tenantID, id uuid.UUID) (model.Run, bool, error)
	RecordAttempt(ctx context.Context, tenantID, id uuid.UUID, attempts int) error
	SetExecutionID(ctx context.Context, tenantID, id uuid.UUID, executionID string) error
	MarkSuccess(ctx context.Context, tenantID, id uuid.UUID, output json.RawMessage, usage model.Usage, executionID string) (model.Run, error)
	MarkFailed(ctx context.Context, tenantID, id uuid.UUID, kind model.FailureKind, message string, usage model.Usage, executionID string) (model.Run, error)
	MarkTimeout(ctx context.Context, tenantID, id uuid.UUID, message, executionID string) (model.Run, error)
}

// ArtifactPersister stores artifacts returned by the engine.
type ArtifactPersister interface {
	Persist(ctx context.Context, tenantID, runID uuid.UUID, target string, inputs []model.ArtifactInput) ([]model.Artifact, error)
}

// CallbackIssuer mints the bearer token an engine uses to report an
// asynchronous completion.
type CallbackIssuer interface {
	IssueCallbackToken(tenantID, runID uuid.UUID, ttl time.Duration) (string, time.Time, error)
}

// Request is one dispatch of a recorded run.
type Request struct {
	Run     model.Run
	Target  model.Target
	Context map[string]any
}

// Payload is the JSON body sent to the engine. It is canonicalized before
// signing and the exact signed bytes are sent.
type Payload struct {
	RequestID     string          `json:"requestId"`
	RunID         uuid.UUID       `json:"runId"`
	TenantID      uuid.UUID       `json:"tenantId"`
	Kind          model.RunKind   `json:"kind"`
	Target        string          `json:"target"`
	WorkflowID    string          `json:"workflowId,omitempty"`
	Input         json.RawMessage `json:"input"`
	Context       map[string]any  `json:"context,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Callback      *CallbackInfo   `json:"callback,omitempty"`
}

// CallbackInfo tells the engine where and how to report an asynchronous completion.
type CallbackInfo struct {
	URL       string    `json:"url"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Result is the outcome of a dispatch.
type Result struct {
	// Run is the run as last written.
	Run model.Run
	// Artifacts are the artifacts persisted for a successful run.
	Artifacts []model.Artifact
	// Response is the decoded engine reply, nil when no 2xx body was received.
	Response Response
	// Async is true when the engine accepted the run for later completion.
	Async bool
	// Dispatched is false when the run had already left queued/received and
	// the engine was not called.
	Dispatched bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the engine HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithSleep replaces the backoff sleep.
func WithSleep(fn SleepFunc) Option {
	return func(d *Dispatcher) { d.sleep = fn }
}

// WithCallbacks enables asynchronous completion: every payload carries
// callbackURL and a callback token valid for the worst-case dispatch budget.
func WithCallbacks(issuer CallbackIssuer, callbackURL string) Option {
	return func(d *Dispatcher) {
		d.callbacks = issuer
		d.callbackURL = callbackURL
	}
}

// WithFinalizeTimeout bounds the detached writes that finalize a run.
func WithFinalizeTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.finalizeTimeout = t }
}

// Dispatcher sends runs to the workflow engine.
type Dispatcher struct {
	runs            RunStore
	artifacts       ArtifactPersister
	engines         EngineResolver
	codec           *signing.Codec
	client          *http.Client
	sleep           SleepFunc
	callbacks       CallbackIssuer
	callbackURL     string
	finalizeTimeout time.Duration
	logger          *slog.Logger

	inFlight atomic.Int64

	attemptCounter metric.Int64Counter
	outcomeCounter metric.Int64Counter
	attemptLatency metric.Float64Histogram
}

// New creates a Dispatcher. The default HTTP client traces engine calls with
// otelhttp; per-attempt timeouts come from the resolved Policy.
func New(runs RunStore, artifacts ArtifactPersister, engines EngineResolver, codec *signing.Codec, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		runs:            runs,
		artifacts:       artifacts,
		engines:         engines,
		codec:           codec,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			// Signed headers must not follow a redirect to another host.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		sleep:           Sleep,
		finalizeTimeout: defaultFinalizeTimeout,
		logger:          logger,
	}
	for _, opt := range opts {
		opt(d)
	}

	meter := telemetry.Meter("relay/dispatch")
	d.attemptCounter, _ = meter.Int64Counter("relay.dispatch.attempts",
		metric.WithDescription("Engine calls made, by outcome class"),
	)
	d.outcomeCounter, _ = meter.Int64Counter("relay.dispatch.outcomes",
		metric.WithDescription("Finalized dispatches, by run status"),
	)
	d.attemptLatency, _ = meter.Float64Histogram("relay.dispatch.attempt.duration",
		metric.WithDescription("Latency of one engine call (ms)"),
		metric.WithUnit("ms"),
	)
	return d
}

// InFlight returns the number of dispatches currently executing.
func (d *Dispatcher) InFlight() int64 { return d.inFlight.Load() }

// attemptOutcome is the classification of one engine call.
type attemptOutcome struct {
	status    int
	body      []byte
	execID    string
	err       error
	timeout   bool
	retryable bool
	kind      model.FailureKind
	message   string
}

// Dispatch executes req against the tenant's engine. The returned error is
// reserved for registry failures; engine failures are recorded on the run.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	d.inFlight.Add(1)
	defer d.inFlight.Add(-1)

	run := req.Run
	log := d.logger.With("run_id", run.ID, "tenant_id", run.TenantID, "target", run.Target)

	started, moved, err := d.runs.MarkRunning(ctx, run.TenantID, run.ID)
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: mark running: %w", err)
	}
	if !moved {
		log.Info("dispatch: run already picked up, not calling engine", "status", started.Status)
		return Result{Run: started}, nil
	}
	run = started

	eng, err := d.engines.Resolve(ctx, run.TenantID)
	if err != nil {
		log.Error("dispatch: resolve engine", "error", err)
		return d.finishFailed(ctx, run, model.FailureTransport, "engine configuration unavailable", nil, "")
	}
	policy := eng.Policy

	body, err := d.buildPayload(run, req, policy)
	if err != nil {
		return d.finishFailed(ctx, run, model.FailureTransport, err.Error(), nil, "")
	}
	endpoint := strings.TrimRight(eng.BaseURL, "/") + "/" + strings.TrimLeft(req.Target.Path, "/")

	var last attemptOutcome
	for attempt := 0; attempt < policy.Attempts(); attempt++ {
		if attempt > 0 {
			delay := policy.Delay(attempt - 1)
			log.Info("dispatch: retrying engine call", "attempt", attempt+1, "delay", delay, "last_error", last.message)
			if err := d.sleep(ctx, delay); err != nil {
				return d.finishFailed(ctx, run, model.FailureCanceled, "dispatch canceled during backoff: "+last.message, nil, last.execID)
			}
		}
		if err := d.runs.RecordAttempt(ctx, run.TenantID, run.ID, attempt+1); err != nil {
			log.Warn("dispatch: record attempt", "error", err)
		}
		run.Attempts = attempt + 1

		last = d.call(ctx, eng, endpoint, run, body, policy.Timeout)
		d.attemptCounter.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
			attribute.String("class", attemptClass(last)),
		))

		if last.err != nil && ctx.Err() != nil {
			return d.finishFailed(ctx, run, model.FailureCanceled, "dispatch canceled: "+ctx.Err().Error(), nil, last.execID)
		}
		if last.retryable {
			log.Warn("dispatch: engine call failed", "attempt", attempt+1, "kind", last.kind, "error", last.message)
			continue
		}
		return d.complete(ctx, run, req, last, log)
	}

	if last.timeout {
		return d.finish(ctx, run, func(fctx context.Context) (model.Run, error) {
			return d.runs.MarkTimeout(fctx, run.TenantID, run.ID, last.message, last.execID)
		}, nil, nil)
	}
	return d.finishFailed(ctx, run, last.kind, last.message, nil, last.execID)
}

// complete handles a non-retryable reply.
func (d *Dispatcher) complete(ctx context.Context, run model.Run, req Request, out attemptOutcome, log *slog.Logger) (Result, error) {
	switch {
	case out.status == http.StatusAccepted:
		if out.execID != "" {
			if err := d.runs.SetExecutionID(context.WithoutCancel(ctx), run.TenantID, run.ID, out.execID); err != nil {
				log.Warn("dispatch: set execution id", "error", err)
			}
			run.ExternalExecutionID = &out.execID
		}
		log.Info("dispatch: engine accepted run for asynchronous completion", "execution_id", out.execID)
		return Result{Run: run, Async: true, Dispatched: true}, nil

	case out.status < 200 || out.status > 299:
		return d.finishFailed(ctx, run, out.kind, out.message, nil, out.execID)
	}

	resp, err := DecodeResponse(out.body, out.execID)
	if err != nil {
		return d.finishFailed(ctx, run, model.FailureUpstream, err.Error(), nil, out.execID)
	}
	usage := UsageFrom(resp.EngineUsage())

	switch r := resp.(type) {
	case FailureResponse:
		msg := r.Message
		if r.Code != "" {
			msg = r.Code + ": " + msg
		}
		res, err := d.finishFailed(ctx, run, model.FailureBusiness, msg, &usage, r.Execution)
		res.Response = resp
		return res, err

	case SuccessResponse:
		fctx, cancel := d.detached(ctx)
		defer cancel()
		arts, err := d.artifacts.Persist(fctx, run.TenantID, run.ID, req.Run.Target, r.Artifacts)
		if err != nil {
			log.Error("dispatch: persist artifacts", "error", err)
			res, ferr := d.finishFailed(ctx, run, model.FailureArtifact, err.Error(), &usage, r.Execution)
			res.Response = resp
			return res, ferr
		}
		res, ferr := d.finish(ctx, run, func(fctx context.Context) (model.Run, error) {
			return d.runs.MarkSuccess(fctx, run.TenantID, run.ID, r.Data, usage, r.Execution)
		}, arts, resp)
		return res, ferr
	}
	return d.finishFailed(ctx, run, model.FailureUpstream, "unrecognized engine response", nil, out.execID)
}

func (d *Dispatcher) finishFailed(ctx context.Context, run model.Run, kind model.FailureKind, message string, usage *model.Usage, execID string) (Result, error) {
	u := model.Usage{}
	if usage != nil {
		u = *usage
	}
	return d.finish(ctx, run, func(fctx context.Context) (model.Run, error) {
		return d.runs.MarkFailed(fctx, run.TenantID, run.ID, kind, message, u, execID)
	}, nil, nil)
}

// finish runs a terminal mutator on a detached, bounded context.
func (d *Dispatcher) finish(ctx context.Context, run model.Run, write func(context.Context) (model.Run, error), arts []model.Artifact, resp Response) (Result, error) {
	fctx, cancel := d.detached(ctx)
	defer cancel()
	final, err := write(fctx)
	if err != nil {
		return Result{Run: run, Response: resp, Dispatched: true}, fmt.Errorf("dispatch: finalize run %s: %w", run.ID, err)
	}
	d.outcomeCounter.Add(fctx, 1, metric.WithAttributes(attribute.String("status", string(final.Status))))
	d.logger.Info("dispatch: run finalized",
		"run_id", final.ID, "tenant_id", final.TenantID, "status", final.Status,
		"attempts", final.Attempts, "elapsed_ms", final.Usage.ElapsedMS)
	return Result{Run: final, Artifacts: arts, Response: resp, Dispatched: true}, nil
}

func (d *Dispatcher) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d.finalizeTimeout)
}

func (d *Dispatcher) buildPayload(run model.Run, req Request, policy Policy) ([]byte, error) {
	p := Payload{
		RequestID:  run.RequestID(),
		RunID:      run.ID,
		TenantID:   run.TenantID,
		Kind:       run.Kind,
		Target:     run.Target,
		WorkflowID: req.Target.WorkflowID,
		Input:      run.Input,
		Context:    req.Context,
	}
	if len(p.Input) == 0 {
		p.Input = json.RawMessage("{}")
	}
	if run.CorrelationID != nil {
		p.CorrelationID = *run.CorrelationID
	}
	if d.callbacks != nil && d.callbackURL != "" {
		ttl := policy.Timeout * time.Duration(policy.Attempts())
		token, exp, err := d.callbacks.IssueCallbackToken(run.TenantID, run.ID, ttl+5*time.Minute)
		if err != nil {
			return nil, fmt.Errorf("dispatch: issue callback token: %w", err)
		}
		p.Callback = &CallbackInfo{URL: d.callbackURL, Token: token, ExpiresAt: exp}
	}
	body, err := signing.Canonicalize(p)
	if err != nil {
		return nil, fmt.Errorf("dispatch: encode payload: %w", err)
	}
	return body, nil
}

// call performs one signed engine call bounded by timeout.
func (d *Dispatcher) call(ctx context.Context, eng Engine, endpoint string, run model.Run, body []byte, timeout time.Duration) attemptOutcome {
	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(actx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return attemptOutcome{err: err, kind: model.FailureTransport, message: "build engine request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if rid := ctxutil.RequestIDFromContext(ctx); rid != "" {
		req.Header.Set("X-Request-ID", rid)
	}
	if err := d.codec.SignRequest(req, body, run.TenantID.String(), eng.Secret, eng.APIKey); err != nil {
		return attemptOutcome{err: err, kind: model.FailureTransport, message: "sign engine request: " + err.Error()}
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	d.attemptLatency.Record(context.WithoutCancel(ctx), float64(time.Since(start).Milliseconds()))
	if err != nil {
		if isTimeout(err) && ctx.Err() == nil {
			return attemptOutcome{err: err, timeout: true, retryable: true, kind: model.FailureTimeout,
				message: fmt.Sprintf("engine call timed out after %s", timeout)}
		}
		return attemptOutcome{err: err, retryable: true, kind: model.FailureTransport,
			message: "engine unreachable: " + transportMessage(err)}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if isTimeout(err) && ctx.Err() == nil {
			return attemptOutcome{err: err, timeout: true, retryable: true, kind: model.FailureTimeout,
				message: fmt.Sprintf("engine response timed out after %s", timeout)}
		}
		return attemptOutcome{err: err, retryable: true, kind: model.FailureTransport,
			message: "read engine response: " + err.Error()}
	}

	out := attemptOutcome{status: resp.StatusCode, body: data, execID: resp.Header.Get(HeaderExecutionID)}
	switch {
	case resp.StatusCode >= 500:
		out.retryable = true
		out.kind = model.FailureUpstream
		out.message = fmt.Sprintf("engine returned %d: %s", resp.StatusCode, snippet(data))
	case resp.StatusCode >= 300:
		out.kind = model.FailureUpstream
		out.message = fmt.Sprintf("engine rejected request with %d: %s", resp.StatusCode, snippet(data))
	}
	return out
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// transportMessage drops the request URL so engine addresses are not
// recorded on tenant-visible runs.
func transportMessage(err error) string {
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Err != nil {
		return uerr.Err.Error()
	}
	return err.Error()
}

func attemptClass(o attemptOutcome) string {
	switch {
	case o.timeout:
		return "timeout"
	case o.err != nil:
		return "transport"
	case o.status >= 500:
		return "5xx"
	case o.status >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}

// snippet renders an error body for error_message. Engines may answer with
// binary or non-UTF-8 pages, which Postgres would refuse to store.
func snippet(b []byte) string {
	s := model.CleanText(strings.TrimSpace(string(b)))
	if cut, ok := model.TruncateText(s, errorSnippetLen); ok {
		s = cut + "..."
	}
	if s == "" {
		return "(empty body)"
	}
	return s
}

// UsageFrom converts engine-reported usage. ElapsedMS is left for the
// registry to compute.
func UsageFrom(u *model.EngineUsage) model.Usage {
	if u == nil {
		return model.Usage{}
	}
	return model.Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens, CostUSD: u.CostUSD}
}
