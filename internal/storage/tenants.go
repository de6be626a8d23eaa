package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/relay/internal/model"
)

// GetTenantPlan returns the tenant's plan code and feature flags. A tenant
// without a row is on the free plan with no features.
func (db *DB) GetTenantPlan(ctx context.Context, tenantID uuid.UUID) (model.TenantPlan, error) {
	p := model.TenantPlan{TenantID: tenantID}
	err := db.pool.QueryRow(ctx,
		`SELECT plan, features FROM tenants WHERE id = $1`, tenantID,
	).Scan(&p.PlanCode, &p.Features)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TenantPlan{TenantID: tenantID, PlanCode: "free", Features: map[string]bool{}}, nil
	}
	if err != nil {
		return model.TenantPlan{}, fmt.Errorf("storage: get tenant plan: %w", err)
	}
	if p.Features == nil {
		p.Features = map[string]bool{}
	}
	return p, nil
}

// UpsertTenantPlan sets a tenant's plan and features. Used by provisioning
// tooling and tests; the orchestrator only reads plans.
func (db *DB) UpsertTenantPlan(ctx context.Context, p model.TenantPlan) error {
	features := p.Features
	if features == nil {
		features = map[string]bool{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO tenants (id, plan, features) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET plan = EXCLUDED.plan, features = EXCLUDED.features, updated_at = now()`,
		p.TenantID, p.PlanCode, features,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert tenant plan: %w", err)
	}
	return nil
}

// GetTenantToolConfig returns the tenant's override for a tool, or
// ErrNotFound when the tenant uses the tool's defaults.
func (db *DB) GetTenantToolConfig(ctx context.Context, tenantID uuid.UUID, toolSlug string) (model.TenantToolConfig, error) {
	c := model.TenantToolConfig{TenantID: tenantID, ToolSlug: toolSlug}
	err := db.pool.QueryRow(ctx,
		`SELECT enabled, rate_limit_per_minute, updated_at
		 FROM tenant_tool_configs WHERE tenant_id = $1 AND tool_slug = $2`,
		tenantID, toolSlug,
	).Scan(&c.Enabled, &c.RateLimitPerMinute, &c.UpdatedAt)
	if err != nil {
		return model.TenantToolConfig{}, notFound("get tenant tool config", err)
	}
	return c, nil
}

// ListTenantToolConfigs returns all of a tenant's tool overrides keyed by slug.
func (db *DB) ListTenantToolConfigs(ctx context.Context, tenantID uuid.UUID) (map[string]model.TenantToolConfig, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT tool_slug, enabled, rate_limit_per_minute, updated_at
		 FROM tenant_tool_configs WHERE tenant_id = $1`, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list tenant tool configs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.TenantToolConfig)
	for rows.Next() {
		c := model.TenantToolConfig{TenantID: tenantID}
		if err := rows.Scan(&c.ToolSlug, &c.Enabled, &c.RateLimitPerMinute, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan tenant tool config: %w", err)
		}
		out[c.ToolSlug] = c
	}
	return out, rows.Err()
}

// UpsertTenantToolConfig writes a tenant's override for a tool.
func (db *DB) UpsertTenantToolConfig(ctx context.Context, c model.TenantToolConfig) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO tenant_tool_configs (tenant_id, tool_slug, enabled, rate_limit_per_minute)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id, tool_slug) DO UPDATE
		 SET enabled = EXCLUDED.enabled, rate_limit_per_minute = EXCLUDED.rate_limit_per_minute, updated_at = now()`,
		c.TenantID, c.ToolSlug, c.Enabled, c.RateLimitPerMinute,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert tenant tool config: %w", err)
	}
	return nil
}
