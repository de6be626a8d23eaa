package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/relay/internal/model"
)

const artifactColumns = `id, tenant_id, run_id, storage_provider, path, external_url, type, name, metadata, created_at`

func scanArtifact(row pgx.Row) (model.Artifact, error) {
	var a model.Artifact
	if err := row.Scan(
		&a.ID, &a.TenantID, &a.RunID, &a.StorageProvider, &a.Path, &a.ExternalURL,
		&a.Type, &a.Name, &a.Metadata, &a.CreatedAt,
	); err != nil {
		return model.Artifact{}, err
	}
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	return a, nil
}

// InsertArtifacts stores a run's artifacts in a single batch. Rows are
// immutable once written.
func (db *DB) InsertArtifacts(ctx context.Context, artifacts []model.Artifact) error {
	if len(artifacts) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, a := range artifacts {
		meta := a.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		batch.Queue(
			`INSERT INTO artifacts (id, tenant_id, run_id, storage_provider, path, external_url, type, name, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			a.ID, a.TenantID, a.RunID, string(a.StorageProvider), a.Path, a.ExternalURL,
			a.Type, a.Name, meta, a.CreatedAt,
		)
	}
	br := db.pool.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()
	for range artifacts {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("storage: insert artifact: %w", err)
		}
	}
	return nil
}

// GetArtifact retrieves an artifact by ID without tenant scoping. Download
// links carry the tenant inside their signature, so the caller checks
// ownership after verifying it.
func (db *DB) GetArtifact(ctx context.Context, id uuid.UUID) (model.Artifact, error) {
	a, err := scanArtifact(db.pool.QueryRow(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE id = $1`, id,
	))
	if err != nil {
		return model.Artifact{}, notFound("get artifact", err)
	}
	return a, nil
}

// ListArtifactsByRun returns a run's artifacts in creation order.
func (db *DB) ListArtifactsByRun(ctx context.Context, tenantID, runID uuid.UUID) ([]model.Artifact, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+artifactColumns+` FROM artifacts
		 WHERE tenant_id = $1 AND run_id = $2
		 ORDER BY created_at, name`,
		tenantID, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list artifacts: %w", err)
	}
	defer rows.Close()

	var out []model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
