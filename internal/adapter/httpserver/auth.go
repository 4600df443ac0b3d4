package httpserver

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/argon2"

	"github.com/genmedia/gateway/internal/config"
	"github.com/genmedia/gateway/internal/domain"
)

// apiKeyPrefix tags every issued credential so a leaked key is recognizable
// in logs and scanners. Presented keys look like gm_<key_id>_<secret>.
const apiKeyPrefix = "gm"

// Argon2Params defines parameters for Argon2id key hashing.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

var defaultArgon2Params = Argon2Params{
	Memory:      64 * 1024, // 64 MB
	Iterations:  3,
	Parallelism: 2,
	SaltLen:     16,
	KeyLen:      32,
}

// DefaultArgon2Params returns the hashing parameters used for issued keys.
// The tenant seeder hashes with the same parameters so seeded and registered
// credentials verify identically.
func DefaultArgon2Params() Argon2Params { return defaultArgon2Params }

// HashAPIKey creates an Argon2id hash of the key secret.
func HashAPIKey(secret string, params Argon2Params) (string, error) {
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(secret), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLen)

	// Format: argon2id$iterations$memory$parallelism$salt$hash (base64 encoded)
	encoded := fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		params.Iterations,
		params.Memory,
		params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)

	return encoded, nil
}

// VerifyAPIKey verifies a key secret against its Argon2id hash in constant
// time.
func VerifyAPIKey(secret, encodedHash string) bool {
	// Expected format: argon2id$iterations$memory$parallelism$salt$hash (base64 raw std for salt/hash)
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}
	iters64, err1 := parseUint32(parts[1])
	mem64, err2 := parseUint32(parts[2])
	par64, err3 := parseUint32(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expectedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	// Clamp parallelism to uint8 range to avoid overflow
	var par uint8
	if par64 > math.MaxUint8 {
		par = math.MaxUint8
	} else {
		par = uint8(par64)
	}
	keyLen := defaultArgon2Params.KeyLen
	actualHash := argon2.IDKey([]byte(secret), salt, iters64, mem64, par, keyLen)
	return subtle.ConstantTimeCompare(actualHash, expectedHash) == 1
}

// GenerateAPIKey mints a fresh tenant credential. The plaintext is returned
// exactly once; only the argon2id hash of the secret part is persisted.
func GenerateAPIKey() (plaintext, keyID, secret string, err error) {
	keyID = ulid.Make().String()
	buf := make([]byte, 32)
	if _, err = rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("op=auth.generate: %w", err)
	}
	secret = base64.RawURLEncoding.EncodeToString(buf)
	plaintext = apiKeyPrefix + "_" + keyID + "_" + secret
	return plaintext, keyID, secret, nil
}

// ParseAPIKey splits a presented key into its key id and secret parts. The
// key id travels in clear so the tenant row can be found without hashing.
func ParseAPIKey(raw string) (keyID, secret string, ok bool) {
	parts := strings.SplitN(raw, "_", 3)
	if len(parts) != 3 || parts[0] != apiKeyPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// tenantKey is unexported so only this package can inject tenant contexts.
type tenantKey struct{}

// TenantFrom extracts the authenticated tenant from a request context.
func TenantFrom(ctx context.Context) (domain.TenantContext, bool) {
	tc, ok := ctx.Value(tenantKey{}).(domain.TenantContext)
	return tc, ok
}

// Authenticator resolves X-API-Key headers against the tenant store.
type Authenticator struct {
	Tenants domain.TenantStore
	Cfg     config.Config
}

// NewAuthenticator constructs an Authenticator.
func NewAuthenticator(tenants domain.TenantStore, cfg config.Config) *Authenticator {
	return &Authenticator{Tenants: tenants, Cfg: cfg}
}

// Resolve authenticates a presented key. An absent key yields the
// development tenant in dev mode and ErrUnauthorized everywhere else.
func (a *Authenticator) Resolve(ctx context.Context, raw string) (domain.TenantContext, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if a.Cfg.IsDev() {
			return domain.TenantContext{
				TenantID:   domain.DevelopmentTenantID,
				TenantType: domain.TenantDevelopment,
			}, nil
		}
		return domain.TenantContext{}, fmt.Errorf("op=auth: api key required: %w", domain.ErrUnauthorized)
	}
	keyID, secret, ok := ParseAPIKey(raw)
	if !ok {
		return domain.TenantContext{}, fmt.Errorf("op=auth: malformed api key: %w", domain.ErrUnauthorized)
	}
	t, err := a.Tenants.GetByKeyID(ctx, keyID)
	if err != nil {
		return domain.TenantContext{}, fmt.Errorf("op=auth: unknown api key: %w", domain.ErrUnauthorized)
	}
	if !VerifyAPIKey(secret, t.KeyHash) {
		return domain.TenantContext{}, fmt.Errorf("op=auth: api key rejected: %w", domain.ErrUnauthorized)
	}
	return domain.TenantContext{TenantID: t.ID, TenantType: t.Type, Metadata: t.Metadata}, nil
}

// RequireTenant guards a route behind credential resolution. Anonymous
// requests pass only where the dev bypass applies.
func (a *Authenticator) RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc, err := a.Resolve(r.Context(), r.Header.Get("X-API-Key"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		ctx := context.WithValue(r.Context(), tenantKey{}, tc)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// parseUint32 parses a decimal string into uint32; returns error on failure
func parseUint32(s string) (uint32, error) {
	x, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse")
	}
	if x > math.MaxUint32 {
		return 0, fmt.Errorf("parse")
	}
	return uint32(x), nil
}
