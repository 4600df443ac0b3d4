package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/genmedia/gateway/internal/domain"
)

// TenantRepo persists tenant credentials. Plaintext API keys never reach this
// layer; callers store the argon2id hash and the public key id.
type TenantRepo struct{ Pool PgxPool }

// NewTenantRepo constructs a TenantRepo with the given pool.
func NewTenantRepo(p PgxPool) *TenantRepo { return &TenantRepo{Pool: p} }

// Create stores a new tenant. A duplicate tenant id or key id maps to
// ErrInvalidRequest so registration surfaces a client error.
func (r *TenantRepo) Create(ctx domain.Context, t domain.Tenant) error {
	tracer := otel.Tracer("repo.tenants")
	ctx, span := tracer.Start(ctx, "tenants.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "tenants"),
	)
	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	meta := t.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("op=tenant.create: metadata encode: %w", err)
	}
	q := `INSERT INTO tenants (id, tenant_type, key_id, key_hash, metadata, created_at) VALUES ($1,$2,$3,$4,$5,$6)`
	_, err = r.Pool.Exec(ctx, q, id, t.Type, t.KeyID, t.KeyHash, string(metaRaw), time.Now().UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("op=tenant.create: already registered: %w", domain.ErrInvalidRequest)
		}
		return fmt.Errorf("op=tenant.create: %w", err)
	}
	return nil
}

// GetByKeyID loads a tenant by the public key id carried in presented API keys.
func (r *TenantRepo) GetByKeyID(ctx domain.Context, keyID string) (domain.Tenant, error) {
	tracer := otel.Tracer("repo.tenants")
	ctx, span := tracer.Start(ctx, "tenants.GetByKeyID")
	defer span.End()
	q := `SELECT id, tenant_type, key_id, key_hash, metadata, created_at FROM tenants WHERE key_id=$1`
	row := r.Pool.QueryRow(ctx, q, keyID)
	var t domain.Tenant
	var metaRaw []byte
	if err := row.Scan(&t.ID, &t.Type, &t.KeyID, &t.KeyHash, &metaRaw, &t.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Tenant{}, fmt.Errorf("op=tenant.get_by_key: %w", domain.ErrNotFound)
		}
		return domain.Tenant{}, fmt.Errorf("op=tenant.get_by_key: %w", err)
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &t.Metadata); err != nil {
			return domain.Tenant{}, fmt.Errorf("op=tenant.get_by_key: metadata decode: %w", err)
		}
	}
	return t, nil
}
