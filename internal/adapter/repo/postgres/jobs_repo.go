// Package postgres provides PostgreSQL database adapters.
//
// It implements the job store over the parallel images and models tables and
// the tenant credential store. All operations are traced and wrap failures
// with an op= prefix.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/genmedia/gateway/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
// The Kind argument selects the physical table.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

func tableFor(kind domain.Kind) (string, error) {
	switch kind {
	case domain.KindImage:
		return "images", nil
	case domain.KindModel:
		return "models", nil
	default:
		return "", fmt.Errorf("op=job.table: unknown kind %q: %w", kind, domain.ErrPersistence)
	}
}

const jobColumns = `id, client_task_id, tenant_id, provider, operation, status,
	COALESCE(prompt,''), COALESCE(style,''), COALESCE(source_asset_url,''),
	COALESCE(ai_service_task_id,''), asset_url, metadata, is_public, created_at, updated_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanJob(row rowScanner, kind domain.Kind) (domain.Job, error) {
	var j domain.Job
	var metaRaw []byte
	if err := row.Scan(&j.ID, &j.ClientTaskID, &j.TenantID, &j.Provider, &j.Operation, &j.Status,
		&j.Prompt, &j.Style, &j.SourceAssetURL, &j.AIServiceTaskID, &j.AssetURL,
		&metaRaw, &j.IsPublic, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return domain.Job{}, err
	}
	j.Kind = kind
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &j.Metadata); err != nil {
			return domain.Job{}, fmt.Errorf("metadata decode: %w", err)
		}
	}
	return j, nil
}

// Create inserts a new job and returns its id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	table, err := tableFor(j.Kind)
	if err != nil {
		return "", err
	}
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", table),
	)
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := j.Status
	if status == "" {
		status = domain.JobPending
	}
	assetURL := j.AssetURL
	if assetURL == "" {
		assetURL = domain.AssetURLPending
	}
	meta := j.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("op=job.create: metadata encode: %w", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO ` + table + ` (id, client_task_id, tenant_id, provider, operation, status,
		prompt, style, source_asset_url, ai_service_task_id, asset_url, metadata, is_public, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`
	_, err = r.Pool.Exec(ctx, q, id, j.ClientTaskID, j.TenantID, j.Provider, j.Operation, status,
		j.Prompt, j.Style, j.SourceAssetURL, j.AIServiceTaskID, assetURL, string(metaRaw), j.IsPublic, now, now)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// Update patches a subset of job fields. Status changes are validated against
// the transition DAG under a row lock; metadata keys are merged into the
// stored map.
func (r *JobRepo) Update(ctx domain.Context, kind domain.Kind, id string, patch domain.JobPatch) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Update")
	defer span.End()
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", table),
	)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=job.update: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current domain.JobStatus
	row := tx.QueryRow(ctx, `SELECT status FROM `+table+` WHERE id=$1 FOR UPDATE`, id)
	if err := row.Scan(&current); err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("op=job.update: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=job.update: %w", err)
	}
	if patch.Status != nil && !domain.ValidTransition(current, *patch.Status) {
		return fmt.Errorf("op=job.update: transition %s->%s refused: %w", current, *patch.Status, domain.ErrPersistence)
	}

	sets := []string{"updated_at=$2"}
	args := []any{id, time.Now().UTC()}
	add := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}
	if patch.Status != nil {
		add("status=$%d", *patch.Status)
	}
	if patch.AIServiceTaskID != nil {
		add("ai_service_task_id=$%d", *patch.AIServiceTaskID)
	}
	if patch.AssetURL != nil {
		add("asset_url=$%d", *patch.AssetURL)
	}
	if patch.Prompt != nil {
		add("prompt=$%d", *patch.Prompt)
	}
	if patch.Style != nil {
		add("style=$%d", *patch.Style)
	}
	if len(patch.Metadata) > 0 {
		metaRaw, err := json.Marshal(patch.Metadata)
		if err != nil {
			return fmt.Errorf("op=job.update: metadata encode: %w", err)
		}
		add("metadata=COALESCE(metadata,'{}'::jsonb) || $%d::jsonb", string(metaRaw))
	}

	q := `UPDATE ` + table + ` SET ` + joinSets(sets) + ` WHERE id=$1`
	if _, err := tx.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("op=job.update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.update: commit: %w", err)
	}
	return nil
}

func joinSets(sets []string) string {
	out := sets[0]
	for _, s := range sets[1:] {
		out += ", " + s
	}
	return out
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, kind domain.Kind, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	table, err := tableFor(kind)
	if err != nil {
		return domain.Job{}, err
	}
	q := `SELECT ` + jobColumns + ` FROM ` + table + ` WHERE id=$1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id), kind)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// LatestByClientTaskID loads the most recently created job for a client task
// id. Refine chains resolve the draft model's provider task id through it.
func (r *JobRepo) LatestByClientTaskID(ctx domain.Context, kind domain.Kind, clientTaskID string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.LatestByClientTaskID")
	defer span.End()
	table, err := tableFor(kind)
	if err != nil {
		return domain.Job{}, err
	}
	q := `SELECT ` + jobColumns + ` FROM ` + table + ` WHERE client_task_id=$1 ORDER BY created_at DESC LIMIT 1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, clientTaskID), kind)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.latest_by_client_task: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.latest_by_client_task: %w", err)
	}
	return j, nil
}

// ListStuckProcessing pages jobs still processing past cutoff, oldest first.
func (r *JobRepo) ListStuckProcessing(ctx domain.Context, kind domain.Kind, cutoff time.Time, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListStuckProcessing")
	defer span.End()
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + jobColumns + ` FROM ` + table + ` WHERE status=$1 AND updated_at < $2 ORDER BY updated_at ASC LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, domain.JobProcessing, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_stuck: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows, kind)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_stuck: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_stuck: %w", err)
	}
	return out, nil
}
