package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/relay/internal/model"
)

// GetEngineOverride returns the tenant's engine override, or ErrNotFound.
// Secrets are returned sealed.
func (db *DB) GetEngineOverride(ctx context.Context, tenantID uuid.UUID) (model.EngineOverride, error) {
	o := model.EngineOverride{TenantID: tenantID}
	err := db.pool.QueryRow(ctx,
		`SELECT base_url, secret_sealed, api_key_sealed, max_retries, timeout_seconds, backoff_base_ms, updated_at
		 FROM engine_overrides WHERE tenant_id = $1`, tenantID,
	).Scan(&o.BaseURL, &o.SecretSealed, &o.APIKeySealed, &o.MaxRetries, &o.TimeoutSeconds, &o.BackoffBaseMS, &o.UpdatedAt)
	if err != nil {
		return model.EngineOverride{}, notFound("get engine override", err)
	}
	return o, nil
}

// UpsertEngineOverride writes a tenant's engine override. Secrets must already be sealed.
func (db *DB) UpsertEngineOverride(ctx context.Context, o model.EngineOverride) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO engine_overrides (tenant_id, base_url, secret_sealed, api_key_sealed, max_retries, timeout_seconds, backoff_base_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (tenant_id) DO UPDATE SET
		     base_url = EXCLUDED.base_url,
		     secret_sealed = EXCLUDED.secret_sealed,
		     api_key_sealed = EXCLUDED.api_key_sealed,
		     max_retries = EXCLUDED.max_retries,
		     timeout_seconds = EXCLUDED.timeout_seconds,
		     backoff_base_ms = EXCLUDED.backoff_base_ms,
		     updated_at = now()`,
		o.TenantID, o.BaseURL, o.SecretSealed, o.APIKeySealed, o.MaxRetries, o.TimeoutSeconds, o.BackoffBaseMS,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert engine override: %w", err)
	}
	return nil
}
