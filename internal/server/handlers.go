package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/relay/internal/artifact"
	"github.com/ashita-ai/relay/internal/auth"
	"github.com/ashita-ai/relay/internal/ctxutil"
	"github.com/ashita-ai/relay/internal/model"
	"github.com/ashita-ai/relay/internal/service/orchestrator"
	"github.com/ashita-ai/relay/internal/signing"
	"github.com/ashita-ai/relay/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	svc                 *orchestrator.Service
	artifacts           *artifact.Store
	tokens              *auth.TokenManager
	codec               *signing.Codec
	inboundSecret       string
	signatureMaxAge     time.Duration
	redisPing           func(ctx context.Context) error
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// NewHandlers creates a new Handlers from the server configuration.
func NewHandlers(cfg ServerConfig) *Handlers {
	maxBody := cfg.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handlers{
		db:                  cfg.DB,
		svc:                 cfg.Orchestrator,
		artifacts:           cfg.Artifacts,
		tokens:              cfg.Tokens,
		codec:               cfg.Codec,
		inboundSecret:       cfg.InboundSecret,
		signatureMaxAge:     cfg.SignatureMaxAge,
		redisPing:           cfg.RedisPing,
		logger:              cfg.Logger,
		startedAt:           time.Now(),
		version:             cfg.Version,
		maxRequestBodyBytes: maxBody,
		openapiSpec:         cfg.OpenAPISpec,
	}
}

// HandleRunTool handles POST /v1/tools/run.
func (h *Handlers) HandleRunTool(w http.ResponseWriter, r *http.Request) {
	var req model.RunToolRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	resp, err := h.svc.RunTool(r.Context(), ctxutil.TenantIDFromContext(r.Context()), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if derr := orchestrator.DeliveryError(resp); derr != nil {
		status, code := http.StatusGatewayTimeout, model.ErrCodeTransportError
		if errors.Is(derr, model.ErrUpstream) {
			status, code = http.StatusBadGateway, model.ErrCodeUpstreamError
		}
		writeErrorDetails(w, r, status, code, derr.Error(), resp)
		return
	}
	if !resp.Status.Terminal() {
		writeJSON(w, r, http.StatusAccepted, resp)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleListTools handles GET /v1/tools.
func (h *Handlers) HandleListTools(w http.ResponseWriter, r *http.Request) {
	tools, err := h.svc.Tools(r.Context(), ctxutil.TenantIDFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, tools)
}

// HandleListRuns handles GET /v1/tools/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	page, err := h.svc.ListRuns(r.Context(), ctxutil.TenantIDFromContext(r.Context()),
		queryInt(r, "limit", orchestrator.DefaultPageSize), queryOffset(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeListJSON(w, r, page.Runs, page.Total, page.Limit, page.Offset)
}

// HandleGetRun handles GET /v1/tools/runs/{request_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	detail, err := h.svc.GetRun(r.Context(), ctxutil.TenantIDFromContext(r.Context()), r.PathValue("request_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, detail)
}

// HandleUsage handles GET /v1/usage.
func (h *Handlers) HandleUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := h.svc.Usage(r.Context(), ctxutil.TenantIDFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, usage)
}

// HandleAutomationEvent handles POST /v1/automations/events. The run is
// dispatched in the background; the response carries it as recorded.
func (h *Handlers) HandleAutomationEvent(w http.ResponseWriter, r *http.Request) {
	var req model.AutomationEventRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	run, created, err := h.svc.SubmitAutomation(r.Context(), ctxutil.TenantIDFromContext(r.Context()), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, model.AutomationEventResponse{Run: run, Duplicate: !created})
}

// HandleEngineCallback handles POST /v1/engine/callbacks. The engine
// authenticates with the callback token issued for the run or, failing
// that, with the inbound request signature.
func (h *Handlers) HandleEngineCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes))
	if err != nil {
		handleDecodeError(w, r, err)
		return
	}
	var cb model.EngineCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if cb.RunID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "runId is required")
		return
	}

	tenantID, err := h.authenticateCallback(r, body, cb)
	if err != nil {
		h.logger.Warn("engine callback rejected", "run_id", cb.RunID, "error", err)
		code := model.ErrCodeUnauthorized
		msg := "invalid callback credentials"
		if errors.Is(err, model.ErrSignatureExpired) {
			code, msg = model.ErrCodeSignatureExpired, model.ErrSignatureExpired.Error()
		}
		writeError(w, r, http.StatusUnauthorized, code, msg)
		return
	}
	recordTenant(w, tenantID)

	run, err := h.svc.HandleCallback(r.Context(), tenantID, cb)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.RunWithCount{Run: run}.Summary())
}

func (h *Handlers) authenticateCallback(r *http.Request, body []byte, cb model.EngineCallback) (uuid.UUID, error) {
	if token, ok := bearerToken(r); ok {
		claims, err := h.tokens.ValidateToken(token, auth.TokenCallback)
		if err != nil {
			return uuid.Nil, err
		}
		if claims.RunID == nil || *claims.RunID != cb.RunID {
			return uuid.Nil, errors.New("callback token issued for a different run")
		}
		if cb.TenantID != uuid.Nil && cb.TenantID != claims.TenantID {
			return uuid.Nil, errors.New("callback tenantId does not match its token")
		}
		return claims.TenantID, nil
	}

	if h.inboundSecret == "" {
		return uuid.Nil, errors.New("no callback token and signed callbacks are not configured")
	}
	rawTenant, err := h.codec.VerifyRequest(r.Header, body, h.inboundSecret, h.signatureMaxAge)
	if err != nil {
		return uuid.Nil, err
	}
	tenantID, err := uuid.Parse(rawTenant)
	if err != nil {
		return uuid.Nil, errors.New("malformed " + signing.HeaderTenantID + " header")
	}
	if cb.TenantID != tenantID {
		return uuid.Nil, errors.New("signed callback must carry the header's tenantId in its body")
	}
	return tenantID, nil
}

// HandleArtifactDownload handles GET /artifacts/{id}/download. The link's
// signature is the only credential.
func (h *Handlers) HandleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeSignatureInvalid, model.ErrSignatureInvalid.Error())
		return
	}
	q := r.URL.Query()
	expires, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeSignatureInvalid, model.ErrSignatureInvalid.Error())
		return
	}

	dl, err := h.artifacts.VerifyAndOpen(r.Context(), id, expires, q.Get("sig"))
	switch {
	case err == nil:
	case errors.Is(err, model.ErrSignatureExpired):
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeSignatureExpired, "download link expired")
		return
	case errors.Is(err, model.ErrSignatureInvalid):
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeSignatureInvalid, "invalid download signature")
		return
	case errors.Is(err, model.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "artifact content unavailable")
		return
	default:
		h.logger.Error("artifact download failed", "artifact_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}

	if dl.RedirectURL != "" {
		http.Redirect(w, r, dl.RedirectURL, http.StatusFound)
		return
	}
	defer func() { _ = dl.Body.Close() }()

	contentType := "application/octet-stream"
	if mt, ok := dl.Artifact.Metadata["mime_type"].(string); ok && mt != "" {
		contentType = mt
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": artifact.SanitizeName(dl.Artifact.Name),
	}))
	w.Header().Set("Cache-Control", "private, no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, dl.Body); err != nil {
		h.logger.Warn("artifact download interrupted", "artifact_id", id, "error", err)
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Tools:    len(h.svc.Catalog().Tools()),
		InFlight: h.svc.InFlight(),
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}

	// Redis only backs the edge limiter, which fails open, so an outage
	// degrades rather than fails the instance.
	if h.redisPing != nil {
		if err := h.redisPing(r.Context()); err == nil {
			resp.Redis = "connected"
		} else {
			resp.Redis = "disconnected"
			if status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// writeServiceError maps service errors onto HTTP statuses. Messages are
// built from the model sentinels so storage and engine internals stay out
// of responses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var limitErr *model.LimitError
	if errors.As(err, &limitErr) {
		details := map[string]int{"used": limitErr.Used, "limit": limitErr.Limit}
		if errors.Is(limitErr.Kind, model.ErrQuotaExceeded) {
			writeErrorDetails(w, r, http.StatusPaymentRequired, model.ErrCodePlanLimitExceeded, limitErr.Error(), details)
			return
		}
		w.Header().Set("Retry-After", "60")
		writeErrorDetails(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, limitErr.Error(), details)
		return
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.sentinel) {
			writeError(w, r, m.status, m.code, publicMessage(err, m.sentinel))
			return
		}
	}

	if errors.Is(err, context.Canceled) {
		// Client went away; nothing useful to send.
		return
	}
	h.logger.Error("unhandled service error",
		"error", err,
		"path", r.URL.Path,
		"request_id", ctxutil.RequestIDFromContext(r.Context()),
	)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
}

// errorMappings is checked in order; ErrToolDisabled precedes the
// ErrPermissionDenied it wraps.
var errorMappings = []struct {
	sentinel error
	status   int
	code     string
}{
	{model.ErrInvalidInput, http.StatusBadRequest, model.ErrCodeInvalidInput},
	{model.ErrToolDisabled, http.StatusForbidden, model.ErrCodeToolDisabled},
	{model.ErrPermissionDenied, http.StatusForbidden, model.ErrCodeForbidden},
	{model.ErrNotFound, http.StatusNotFound, model.ErrCodeNotFound},
	{model.ErrSignatureExpired, http.StatusUnauthorized, model.ErrCodeSignatureExpired},
	{model.ErrSignatureInvalid, http.StatusUnauthorized, model.ErrCodeSignatureInvalid},
	{model.ErrShuttingDown, http.StatusServiceUnavailable, model.ErrCodeUnavailable},
	{model.ErrTransport, http.StatusGatewayTimeout, model.ErrCodeTransportError},
	{model.ErrUpstream, http.StatusBadGateway, model.ErrCodeUpstreamError},
}

// publicMessage returns err's text when it was built as "<sentinel>: detail",
// and the bare sentinel text when internal layers prefixed it.
func publicMessage(err, sentinel error) string {
	msg := err.Error()
	if strings.HasPrefix(msg, sentinel.Error()) {
		return msg
	}
	return sentinel.Error()
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset prevents absurdly large offset values that cause expensive sequential scans.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	return min(max(queryInt(r, "offset", 0), 0), maxQueryOffset)
}
