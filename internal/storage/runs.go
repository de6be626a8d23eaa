package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/relay/internal/model"
)

const runColumns = `id, tenant_id, idempotency_key, kind, target, status, input, output,
	error_kind, error_message, usage, attempts, correlation_id, external_execution_id,
	created_at, started_at, finished_at`

func scanRun(row pgx.Row, extra ...any) (model.Run, error) {
	var (
		r         model.Run
		input     []byte
		output    []byte
		errKind   *string
		errMsg    *string
		usageJSON []byte
	)
	dest := []any{
		&r.ID, &r.TenantID, &r.IdempotencyKey, &r.Kind, &r.Target, &r.Status, &input, &output,
		&errKind, &errMsg, &usageJSON, &r.Attempts, &r.CorrelationID, &r.ExternalExecutionID,
		&r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return model.Run{}, err
	}
	r.Input = json.RawMessage(input)
	if len(output) > 0 {
		r.Output = json.RawMessage(output)
	}
	if errKind != nil || errMsg != nil {
		r.Error = &model.RunError{}
		if errKind != nil {
			r.Error.Kind = model.FailureKind(*errKind)
		}
		if errMsg != nil {
			r.Error.Message = *errMsg
		}
	}
	if len(usageJSON) > 0 {
		if err := json.Unmarshal(usageJSON, &r.Usage); err != nil {
			return model.Run{}, fmt.Errorf("decode usage: %w", err)
		}
	}
	return r, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CreateOrGet records a run for nr, or returns the run already recorded under
// the same (tenant, idempotency key). isNew reports whether this call created
// the row. When two callers race on the same key, the unique constraint picks
// exactly one winner and the loser receives the winner's row.
//
// An empty idempotency key always creates a new run.
func (db *DB) CreateOrGet(ctx context.Context, nr model.NewRun) (model.Run, bool, error) {
	input := model.CleanJSON(nr.Input)
	if len(input) == 0 {
		input = json.RawMessage("null")
	}
	key := nullableStr(nr.IdempotencyKey)

	run, err := scanRun(db.pool.QueryRow(ctx,
		`INSERT INTO runs (id, tenant_id, idempotency_key, kind, target, status, input, usage, correlation_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, '{"elapsed_ms": 0}'::jsonb, $8, $9)
		 ON CONFLICT ON CONSTRAINT runs_tenant_key_uniq DO NOTHING
		 RETURNING `+runColumns,
		uuid.New(), nr.TenantID, key, string(nr.Kind), nr.Target, string(nr.InitialStatus()),
		string(input), nullableStr(nr.CorrelationID), db.nowUTC(),
	))
	if err == nil {
		return run, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Run{}, false, fmt.Errorf("storage: create run: %w", err)
	}
	if key == nil {
		// Cannot happen: NULL keys never conflict.
		return model.Run{}, false, fmt.Errorf("storage: create run: insert returned no row")
	}

	existing, err := db.GetRunByKey(ctx, nr.TenantID, *key)
	if err != nil {
		return model.Run{}, false, fmt.Errorf("storage: load existing run: %w", err)
	}
	return existing, false, nil
}

// GetRun retrieves a run by ID, scoped to the tenant.
func (db *DB) GetRun(ctx context.Context, tenantID, id uuid.UUID) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1 AND tenant_id = $2`, id, tenantID,
	))
	if err != nil {
		return model.Run{}, notFound("get run", err)
	}
	return run, nil
}

// GetRunByKey retrieves a run by its idempotency key.
func (db *DB) GetRunByKey(ctx context.Context, tenantID uuid.UUID, key string) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE tenant_id = $1 AND idempotency_key = $2`, tenantID, key,
	))
	if err != nil {
		return model.Run{}, notFound("get run by key", err)
	}
	return run, nil
}

// GetRunByRequestID resolves a caller-facing request id: the idempotency key
// when one was supplied, otherwise the run id itself.
func (db *DB) GetRunByRequestID(ctx context.Context, tenantID uuid.UUID, requestID string) (model.Run, error) {
	run, err := db.GetRunByKey(ctx, tenantID, requestID)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return run, err
	}
	id, parseErr := uuid.Parse(requestID)
	if parseErr != nil {
		return model.Run{}, ErrNotFound
	}
	return db.GetRun(ctx, tenantID, id)
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Kind   model.RunKind // Empty matches all kinds.
	Limit  int
	Offset int
}

// ListRuns returns the tenant's runs newest first with their artifact counts,
// plus the total number of matching runs.
func (db *DB) ListRuns(ctx context.Context, tenantID uuid.UUID, f RunFilter) ([]model.RunWithCount, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	var kind *string
	if f.Kind != "" {
		k := string(f.Kind)
		kind = &k
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE tenant_id = $1 AND ($2::text IS NULL OR kind = $2)`,
		tenantID, kind,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count runs: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+`,
		        (SELECT COUNT(*) FROM artifacts a WHERE a.run_id = runs.id) AS artifacts_count
		 FROM runs
		 WHERE tenant_id = $1 AND ($2::text IS NULL OR kind = $2)
		 ORDER BY created_at DESC, id
		 LIMIT $3 OFFSET $4`,
		tenantID, kind, f.Limit, f.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]model.RunWithCount, 0, f.Limit)
	for rows.Next() {
		var rc model.RunWithCount
		run, err := scanRun(rows, &rc.ArtifactsCount)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan run: %w", err)
		}
		rc.Run = run
		runs = append(runs, rc)
	}
	return runs, total, rows.Err()
}

// MarkRunning moves a queued or received run to running and stamps started_at.
// moved is false when the run was already running or terminal; the current
// row is returned either way.
func (db *DB) MarkRunning(ctx context.Context, tenantID, id uuid.UUID) (run model.Run, moved bool, err error) {
	err = WithRetry(ctx, mutateRetries, mutateBaseDelay, func() error {
		var scanErr error
		run, scanErr = scanRun(db.pool.QueryRow(ctx,
			`UPDATE runs SET status = 'running', started_at = COALESCE(started_at, $3)
			 WHERE id = $1 AND tenant_id = $2 AND status IN ('queued', 'received')
			 RETURNING `+runColumns,
			id, tenantID, db.nowUTC(),
		))
		return scanErr
	})
	if err == nil {
		return run, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Run{}, false, fmt.Errorf("storage: mark running: %w", err)
	}
	run, err = db.GetRun(ctx, tenantID, id)
	return run, false, err
}

// RecordAttempt persists the number of engine calls made so far.
func (db *DB) RecordAttempt(ctx context.Context, tenantID, id uuid.UUID, attempts int) error {
	return WithRetry(ctx, mutateRetries, mutateBaseDelay, func() error {
		_, err := db.pool.Exec(ctx,
			`UPDATE runs SET attempts = GREATEST(attempts, $3) WHERE id = $1 AND tenant_id = $2`,
			id, tenantID, attempts,
		)
		if err != nil {
			return fmt.Errorf("storage: record attempt: %w", err)
		}
		return nil
	})
}

// SetExecutionID records the engine's execution id without changing status.
func (db *DB) SetExecutionID(ctx context.Context, tenantID, id uuid.UUID, executionID string) error {
	if executionID == "" {
		return nil
	}
	_, err := db.pool.Exec(ctx,
		`UPDATE runs SET external_execution_id = $3 WHERE id = $1 AND tenant_id = $2`,
		id, tenantID, executionID,
	)
	if err != nil {
		return fmt.Errorf("storage: set execution id: %w", err)
	}
	return nil
}

// Outcome is the terminal state written by Finish.
type Outcome struct {
	Status      model.RunStatus
	Output      json.RawMessage
	Error       *model.RunError
	Usage       model.Usage // ElapsedMS is computed from the row's timestamps.
	ExecutionID string      // Empty keeps any previously recorded id.
}

// Finish writes a terminal outcome. Finishing an already-terminal run
// overwrites it: duplicate completion callbacks are tolerated, the last
// writer's outcome is kept and finished_at keeps its first value.
func (db *DB) Finish(ctx context.Context, tenantID, id uuid.UUID, o Outcome) (model.Run, error) {
	if !o.Status.Terminal() {
		return model.Run{}, fmt.Errorf("storage: finish run: %q is not a terminal status", o.Status)
	}
	o.Usage.ElapsedMS = 0
	usageJSON, err := json.Marshal(o.Usage)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: marshal usage: %w", err)
	}
	var errKind, errMsg *string
	if o.Error != nil {
		k, m := string(o.Error.Kind), model.CleanText(o.Error.Message)
		errKind, errMsg = &k, &m
	}
	// Engine-supplied text must not make the terminal write fail.
	o.Output = model.CleanJSON(o.Output)
	o.ExecutionID = model.CleanText(o.ExecutionID)

	var run model.Run
	err = WithRetry(ctx, mutateRetries, mutateBaseDelay, func() error {
		var scanErr error
		run, scanErr = scanRun(db.pool.QueryRow(ctx,
			`UPDATE runs SET
			     status = $3,
			     output = $4::jsonb,
			     error_kind = $5,
			     error_message = $6,
			     usage = $7::jsonb || jsonb_build_object('elapsed_ms',
			         GREATEST(0, (EXTRACT(EPOCH FROM (COALESCE(finished_at, $9::timestamptz) - COALESCE(started_at, created_at))) * 1000)::bigint)),
			     external_execution_id = COALESCE($8, external_execution_id),
			     started_at = COALESCE(started_at, $9),
			     finished_at = COALESCE(finished_at, $9)
			 WHERE id = $1 AND tenant_id = $2
			 RETURNING `+runColumns,
			id, tenantID, string(o.Status), nullableJSON(o.Output), errKind, errMsg,
			string(usageJSON), nullableStr(o.ExecutionID), db.nowUTC(),
		))
		return scanErr
	})
	if err != nil {
		return model.Run{}, notFound("finish run", err)
	}
	return run, nil
}

// MarkSuccess finalizes a run as successful.
func (db *DB) MarkSuccess(ctx context.Context, tenantID, id uuid.UUID, output json.RawMessage, usage model.Usage, executionID string) (model.Run, error) {
	return db.Finish(ctx, tenantID, id, Outcome{
		Status: model.RunStatusSuccess, Output: output, Usage: usage, ExecutionID: executionID,
	})
}

// MarkFailed finalizes a run as failed with a failure sub-kind.
func (db *DB) MarkFailed(ctx context.Context, tenantID, id uuid.UUID, kind model.FailureKind, message string, usage model.Usage, executionID string) (model.Run, error) {
	return db.Finish(ctx, tenantID, id, Outcome{
		Status:      model.RunStatusFailed,
		Error:       &model.RunError{Kind: kind, Message: message},
		Usage:       usage,
		ExecutionID: executionID,
	})
}

// MarkTimeout finalizes a run whose engine calls timed out.
func (db *DB) MarkTimeout(ctx context.Context, tenantID, id uuid.UUID, message, executionID string) (model.Run, error) {
	return db.Finish(ctx, tenantID, id, Outcome{
		Status:      model.RunStatusTimeout,
		Error:       &model.RunError{Kind: model.FailureTimeout, Message: message},
		ExecutionID: executionID,
	})
}

// MarkSkipped finalizes a run that was recorded but intentionally not dispatched.
func (db *DB) MarkSkipped(ctx context.Context, tenantID, id uuid.UUID, reason string) (model.Run, error) {
	var runErr *model.RunError
	if reason != "" {
		runErr = &model.RunError{Kind: model.FailureBusiness, Message: reason}
	}
	return db.Finish(ctx, tenantID, id, Outcome{Status: model.RunStatusSkipped, Error: runErr})
}

// CountRunsBetween counts the tenant's runs created in [from, to).
func (db *DB) CountRunsBetween(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3`,
		tenantID, from, to,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count runs: %w", err)
	}
	return n, nil
}

// CountTargetRunsSince counts the tenant's runs for one target created at or after since.
func (db *DB) CountTargetRunsSince(ctx context.Context, tenantID uuid.UUID, target string, since time.Time) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE tenant_id = $1 AND target = $2 AND created_at >= $3`,
		tenantID, target, since,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count target runs: %w", err)
	}
	return n, nil
}

// CountRunning returns the number of runs currently in the running state.
func (db *DB) CountRunning(ctx context.Context) (int64, error) {
	var n int64
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM runs WHERE status = 'running'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count running: %w", err)
	}
	return n, nil
}

// ReapStaleRuns finalizes runs stuck in running since before olderThan as
// timed out. It returns the number of runs reaped.
func (db *DB) ReapStaleRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET
		     status = 'timeout',
		     error_kind = $2,
		     error_message = 'run exceeded its dispatch budget and was reaped',
		     usage = usage || jsonb_build_object('elapsed_ms',
		         GREATEST(0, (EXTRACT(EPOCH FROM ($1::timestamptz - COALESCE(started_at, created_at))) * 1000)::bigint)),
		     finished_at = $1::timestamptz
		 WHERE status = 'running' AND started_at < $3`,
		db.nowUTC(), string(model.FailureReaped), olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: reap stale runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListStaleReceived returns automation runs recorded before olderThan that
// no dispatcher ever picked up, oldest first, across all tenants.
func (db *DB) ListStaleReceived(ctx context.Context, olderThan time.Time, limit int) ([]model.Run, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE status = 'received' AND created_at < $1
		 ORDER BY created_at
		 LIMIT $2`,
		olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list stale received: %w", err)
	}
	defer rows.Close()

	var out []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list stale received: %w", err)
	}
	return out, nil
}
