package main

import (
	"errors"
	"fmt"
	"log/slog"

	httpserver "github.com/genmedia/gateway/internal/adapter/httpserver"
	"github.com/genmedia/gateway/internal/config"
	"github.com/genmedia/gateway/internal/domain"
)

// seedTenants loads the YAML tenant seed and inserts any tenants that are
// not registered yet. Seeding is idempotent: duplicates are skipped, and a
// single bad entry does not abort the rest.
func seedTenants(ctx domain.Context, store domain.TenantStore, path string) error {
	seeds, err := config.LoadSeedTenants(path)
	if err != nil {
		return err
	}

	seeded := 0
	for _, s := range seeds {
		keyID, secret, ok := httpserver.ParseAPIKey(s.APIKey)
		if !ok {
			slog.Warn("tenant seed entry has malformed api key, skipping",
				slog.String("tenant_id", s.TenantID))
			continue
		}
		hash, err := httpserver.HashAPIKey(secret, httpserver.DefaultArgon2Params())
		if err != nil {
			return fmt.Errorf("seed tenant %s: hash key: %w", s.TenantID, err)
		}
		err = store.Create(ctx, domain.Tenant{
			ID:       s.TenantID,
			Type:     s.TenantType,
			KeyID:    keyID,
			KeyHash:  hash,
			Metadata: s.Metadata,
		})
		switch {
		case err == nil:
			seeded++
			slog.Info("tenant seeded", slog.String("tenant_id", s.TenantID), slog.String("key_id", keyID))
		case errors.Is(err, domain.ErrInvalidRequest):
			// already registered
		default:
			return fmt.Errorf("seed tenant %s: %w", s.TenantID, err)
		}
	}
	slog.Info("tenant seeding finished", slog.Int("seeded", seeded), slog.Int("total", len(seeds)))
	return nil
}
