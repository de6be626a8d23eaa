// Package relay is the public API for embedding the Relay tool execution server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := relay.New(
//	    relay.WithVersion(version),
//	    relay.WithLogger(logger),
//	    relay.WithPlanResolver(myBillingClient),
//	    relay.WithExtraRoutes(myAdminRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: relay (root) imports
// internal/*, but internal/* never imports relay (root).
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/relay/api"
	"github.com/ashita-ai/relay/internal/artifact"
	"github.com/ashita-ai/relay/internal/auth"
	"github.com/ashita-ai/relay/internal/billing"
	"github.com/ashita-ai/relay/internal/catalog"
	"github.com/ashita-ai/relay/internal/config"
	"github.com/ashita-ai/relay/internal/dispatch"
	"github.com/ashita-ai/relay/internal/mcp"
	"github.com/ashita-ai/relay/internal/model"
	"github.com/ashita-ai/relay/internal/quota"
	"github.com/ashita-ai/relay/internal/ratelimit"
	"github.com/ashita-ai/relay/internal/server"
	"github.com/ashita-ai/relay/internal/service/orchestrator"
	"github.com/ashita-ai/relay/internal/signing"
	"github.com/ashita-ai/relay/internal/storage"
	"github.com/ashita-ai/relay/internal/telemetry"
	"github.com/ashita-ai/relay/migrations"
)

// App is the Relay server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	catalog      *catalog.File
	svc          *orchestrator.Service
	reaper       *orchestrator.Reaper
	srv          *server.Server
	limiter      ratelimit.Limiter
	redis        *redis.Client // nil when REDIS_URL is unset
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Relay server. It connects to the database, runs
// migrations, loads the tool catalog, wires all subsystems, and returns a
// ready-to-run App. It does NOT start any goroutines or accept HTTP
// connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.catalogPath != "" {
		cfg.CatalogPath = o.catalogPath
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("relay starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	a := &App{cfg: cfg, otelShutdown: otelShutdown, logger: logger, version: version}
	if err := a.wire(o); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// wire builds every subsystem. Partially built resources are released by
// close() when it fails.
func (a *App) wire(o resolvedOptions) error {
	cfg, logger := a.cfg, a.logger
	ctx := context.Background()

	// Connect to database.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	a.db = db

	// RunMigrations tracks applied files in schema_migrations and skips duplicates.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(ctx, extraFS); err != nil {
			return fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Tool catalog.
	cat, err := catalog.Open(cfg.CatalogPath, logger)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	a.catalog = cat
	logger.Info("catalog loaded", "path", cfg.CatalogPath, "tools", len(cat.Tools()))

	tokens, err := auth.NewTokenManager(cfg.TokenSecret, cfg.TokenExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	codec := signing.New()

	// Artifact storage.
	backend, err := newArtifactBackend(ctx, cfg)
	if err != nil {
		return err
	}
	artifacts, err := artifact.NewStore(backend, db, codec, artifact.Config{
		SigningSecret: cfg.ArtifactSigningSecret,
		PublicBaseURL: cfg.PublicBaseURL,
		DefaultTTL:    cfg.ArtifactURLTTL,
		MaxTTL:        cfg.ArtifactURLMaxTTL,
		MaxBytes:      cfg.ArtifactMaxBytes,
	}, logger)
	if err != nil {
		return fmt.Errorf("artifact: %w", err)
	}
	logger.Info("artifact storage", "provider", backend.Provider())

	// Engine resolution with optional per-tenant overrides.
	policy := dispatch.Policy{
		MaxRetries:  cfg.EngineMaxRetries,
		BackoffBase: cfg.EngineBackoffBase,
		MaxBackoff:  cfg.EngineMaxBackoff,
		Jitter:      true,
		Timeout:     cfg.EngineTimeout,
	}
	var sealer *auth.Sealer
	if cfg.MasterKey != "" {
		if sealer, err = auth.NewSealer(cfg.MasterKey); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	} else {
		logger.Info("engine overrides: disabled (no RELAY_MASTER_KEY)")
	}
	engines := dispatch.NewOverrideResolver(dispatch.Engine{
		BaseURL: cfg.EngineBaseURL,
		Secret:  cfg.EngineOutboundSecret,
		APIKey:  cfg.EngineAPIKey,
		Policy:  policy,
	}, db, sealer, logger)

	disp := dispatch.New(db, artifacts, engines, codec, logger,
		dispatch.WithCallbacks(tokens, strings.TrimRight(cfg.PublicBaseURL, "/")+"/v1/engine/callbacks"))

	var plans billing.Resolver = billing.New(db, logger)
	if o.planResolver != nil {
		plans = &planResolverAdapter{r: o.planResolver, logger: logger}
		logger.Info("plan resolution: external resolver")
	}
	a.svc = orchestrator.New(db, cat, plans, quota.NewGuard(db, plans), disp, artifacts, orchestrator.Config{
		DuplicateWait:  cfg.DuplicateWait,
		ArtifactURLTTL: cfg.ArtifactURLTTL,
	}, logger)

	// Stale-run reaper. Overrides with a longer timeout than the global
	// policy are not covered by this budget.
	if a.reaper, err = orchestrator.NewReaper(db, cfg.ReaperSchedule, policy.Budget()+cfg.ReaperSlack, logger); err != nil {
		return err
	}
	a.reaper.WithResume(a.svc.ResumeAutomation)

	// Edge rate limiter: Redis when configured so replicas share counts.
	var redisPing func(context.Context) error
	a.limiter = ratelimit.NoopLimiter{}
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.redis = redis.NewClient(redisOpts)
		client := a.redis
		redisPing = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}
	switch {
	case !cfg.RateLimitEnabled:
		logger.Info("rate limiting: disabled")
	case a.redis != nil:
		// A fixed window of burst requests, sized so the sustained rate matches RPS.
		window := time.Duration(float64(cfg.RateLimitBurst) / cfg.RateLimitRPS * float64(time.Second))
		rl, err := ratelimit.NewRedisLimiter(a.redis, cfg.RateLimitBurst, window)
		if err != nil {
			return fmt.Errorf("ratelimit: %w", err)
		}
		a.limiter = rl
		logger.Info("rate limiting: redis (shared fixed window)", "limit", cfg.RateLimitBurst, "window", window)
	default:
		a.limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	}

	// Create MCP server.
	mcpSrv := mcp.New(a.svc, logger, a.version)

	var extraRoutes []func(*http.ServeMux)
	for _, fn := range o.routeRegistrars {
		extraRoutes = append(extraRoutes, fn)
	}
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	// Create HTTP server (MCP mounted at /mcp).
	a.srv = server.New(server.ServerConfig{
		DB:                  db,
		Orchestrator:        a.svc,
		Artifacts:           artifacts,
		Tokens:              tokens,
		Codec:               codec,
		Logger:              logger,
		InboundSecret:       cfg.EngineInboundSecret,
		SignatureMaxAge:     cfg.SignatureMaxAge,
		Limiter:             a.limiter,
		RedisPing:           redisPing,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             a.version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
	})
	return nil
}

// Run starts the catalog watcher, the reaper and the HTTP server, then blocks
// until ctx is cancelled or a fatal server error occurs. On return, Shutdown
// is called automatically; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.CatalogWatch {
		if err := a.catalog.Watch(ctx); err != nil {
			a.logger.Warn("catalog: watch disabled", "error", err)
		}
	}
	a.reaper.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	if err := a.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown performs a two-phase graceful shutdown:
// (1) stop accepting HTTP requests and let synchronous tool runs finish,
// (2) drain background automation dispatches, canceling what is left when
// the budget runs out.
// It then stops the reaper and releases the database, Redis and OTEL.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("relay shutting down")

	// Phase 1: HTTP drain.
	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: dispatch drain.
	drainCtx, drainCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	a.svc.Drain(drainCtx)
	drainCancel()

	a.reaper.Stop()
	a.close()

	a.logger.Info("relay stopped")
	return nil
}

// close releases connections. Safe on a partially wired App.
func (a *App) close() {
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
}

func newArtifactBackend(ctx context.Context, cfg config.Config) (artifact.Backend, error) {
	if cfg.ArtifactProvider == config.ArtifactProviderS3 {
		b, err := artifact.NewS3BackendFromConfig(ctx, artifact.S3Options{
			Bucket:       cfg.S3Bucket,
			Region:       cfg.S3Region,
			Endpoint:     cfg.S3Endpoint,
			UsePathStyle: cfg.S3UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("artifact: %w", err)
		}
		return b, nil
	}
	b, err := artifact.NewLocalBackend(cfg.ArtifactLocalDir)
	if err != nil {
		return nil, fmt.Errorf("artifact: %w", err)
	}
	return b, nil
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

// planResolverAdapter bridges the public PlanResolver to billing.Resolver.
type planResolverAdapter struct {
	r      PlanResolver
	logger *slog.Logger
}

func (p *planResolverAdapter) Resolve(ctx context.Context, tenantID uuid.UUID) (model.TenantPlan, error) {
	tp, err := p.r.ResolvePlan(ctx, tenantID)
	if err != nil {
		return model.TenantPlan{}, fmt.Errorf("billing: resolve plan: %w", err)
	}
	code := tp.PlanCode
	if _, ok := billing.GetPlan(code); !ok {
		p.logger.Warn("billing: unknown plan code, using free", "tenant_id", tenantID, "plan", code)
		code = billing.PlanFree
	}
	return model.TenantPlan{TenantID: tenantID, PlanCode: code, Features: tp.Features}, nil
}
