package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/genmedia/gateway/internal/domain"
)

func TestTenantRepoCreateGeneratesID(t *testing.T) {
	pool := &fakePool{}
	repo := NewTenantRepo(pool)

	err := repo.Create(context.Background(), domain.Tenant{
		Type:    domain.TenantShopify,
		KeyID:   "k1",
		KeyHash: "hash",
	})
	require.NoError(t, err)
	require.Contains(t, pool.execSQL, "INSERT INTO tenants")
	require.NotEmpty(t, pool.execArgs[0])
	require.Equal(t, "{}", pool.execArgs[4])
}

func TestTenantRepoCreateDuplicate(t *testing.T) {
	pool := &fakePool{execErr: &pgconn.PgError{Code: "23505"}}
	repo := NewTenantRepo(pool)

	err := repo.Create(context.Background(), domain.Tenant{ID: "shop", KeyID: "k1", KeyHash: "h"})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestTenantRepoGetByKeyID(t *testing.T) {
	pool := &fakePool{row: fakeRow{vals: []any{
		"shop.myshopify.com", "shopify", "k1", "hash", []byte(`{"plan":"pro"}`), time.Now().UTC(),
	}}}
	repo := NewTenantRepo(pool)

	got, err := repo.GetByKeyID(context.Background(), "k1")
	require.NoError(t, err)
	require.Equal(t, "shop.myshopify.com", got.ID)
	require.Equal(t, domain.TenantShopify, got.Type)
	require.Equal(t, "pro", got.Metadata["plan"])
	require.Equal(t, "k1", pool.queryArgs[0])
}

func TestTenantRepoGetByKeyIDNotFound(t *testing.T) {
	pool := &fakePool{row: fakeRow{err: pgx.ErrNoRows}}
	repo := NewTenantRepo(pool)

	_, err := repo.GetByKeyID(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
