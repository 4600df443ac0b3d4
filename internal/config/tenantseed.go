// Package config also provides loading of the optional dev tenant seed file.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SeedTenant is one entry of the YAML tenant seed. APIKey is plaintext in
// the file; the seeder hashes it before persisting.
type SeedTenant struct {
	TenantID   string         `yaml:"tenant_id"`
	TenantType string         `yaml:"tenant_type"`
	APIKey     string         `yaml:"api_key"`
	Metadata   map[string]any `yaml:"metadata"`
}

type seedFile struct {
	Tenants []SeedTenant `yaml:"tenants"`
}

// LoadSeedTenants parses a YAML seed file of tenants. Entries without a
// tenant_id or api_key are skipped.
func LoadSeedTenants(path string) ([]SeedTenant, error) {
	content, err := os.ReadFile(path) // #nosec G304 -- operator-supplied seed path
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadSeedTenants: %w", err)
	}

	var doc seedFile
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("op=config.LoadSeedTenants: parse: %w", err)
	}

	out := make([]SeedTenant, 0, len(doc.Tenants))
	for _, t := range doc.Tenants {
		t.TenantID = strings.TrimSpace(t.TenantID)
		t.APIKey = strings.TrimSpace(t.APIKey)
		if t.TenantID == "" || t.APIKey == "" {
			continue
		}
		if t.TenantType == "" {
			t.TenantType = "custom"
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("op=config.LoadSeedTenants: no usable tenants in %s", path)
	}
	return out, nil
}
