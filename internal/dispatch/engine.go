package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/relay/internal/auth"
	"github.com/ashita-ai/relay/internal/model"
)

// Engine is the resolved engine endpoint and policy for one tenant.
type Engine struct {
	BaseURL string
	Secret  string // Outbound signing secret.
	APIKey  string
	Policy  Policy
}

// EngineResolver returns the engine a tenant's runs are sent to.
type EngineResolver interface {
	Resolve(ctx context.Context, tenantID uuid.UUID) (Engine, error)
}

// StaticResolver sends every tenant to the same engine.
type StaticResolver Engine

func (s StaticResolver) Resolve(context.Context, uuid.UUID) (Engine, error) {
	return Engine(s), nil
}

// OverrideStore reads per-tenant engine overrides.
type OverrideStore interface {
	GetEngineOverride(ctx context.Context, tenantID uuid.UUID) (model.EngineOverride, error)
}

// OverrideResolver applies per-tenant overrides on top of global defaults.
// A tenant that points at its own engine must also supply its own secret, so
// the service's outbound secret is never sent to a tenant-controlled host.
type OverrideResolver struct {
	defaults Engine
	store    OverrideStore
	sealer   *auth.Sealer
	logger   *slog.Logger
}

// NewOverrideResolver returns a resolver. A nil store or sealer disables overrides.
func NewOverrideResolver(defaults Engine, store OverrideStore, sealer *auth.Sealer, logger *slog.Logger) *OverrideResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &OverrideResolver{defaults: defaults, store: store, sealer: sealer, logger: logger}
}

func (r *OverrideResolver) Resolve(ctx context.Context, tenantID uuid.UUID) (Engine, error) {
	eng := r.defaults
	if r.store == nil || r.sealer == nil {
		return eng, nil
	}
	o, err := r.store.GetEngineOverride(ctx, tenantID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return eng, nil
		}
		return Engine{}, fmt.Errorf("dispatch: load engine override: %w", err)
	}

	secret, err := r.sealer.OpenString(o.SecretSealed)
	if err != nil {
		return Engine{}, fmt.Errorf("dispatch: open engine secret for tenant %s: %w", tenantID, err)
	}
	apiKey, err := r.sealer.OpenString(o.APIKeySealed)
	if err != nil {
		return Engine{}, fmt.Errorf("dispatch: open engine api key for tenant %s: %w", tenantID, err)
	}

	if base := strings.TrimSpace(o.BaseURL); base != "" && base != eng.BaseURL {
		if secret == "" {
			return Engine{}, fmt.Errorf("dispatch: engine override for tenant %s sets a base url without a secret", tenantID)
		}
		eng.BaseURL = base
		eng.APIKey = ""
	}
	if secret != "" {
		eng.Secret = secret
	}
	if apiKey != "" {
		eng.APIKey = apiKey
	}
	if o.MaxRetries != nil && *o.MaxRetries >= 0 {
		eng.Policy.MaxRetries = *o.MaxRetries
	}
	if o.TimeoutSeconds != nil && *o.TimeoutSeconds > 0 {
		eng.Policy.Timeout = time.Duration(*o.TimeoutSeconds) * time.Second
	}
	if o.BackoffBaseMS != nil && *o.BackoffBaseMS >= 0 {
		eng.Policy.BackoffBase = time.Duration(*o.BackoffBaseMS) * time.Millisecond
	}
	r.logger.Debug("engine override applied", "tenant_id", tenantID, "base_url", eng.BaseURL)
	return eng, nil
}
