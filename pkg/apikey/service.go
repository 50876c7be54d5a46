package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"govcore/pkg/models"
	"govcore/pkg/ratelimit"
)

var (
	ErrNotFound   = errors.New("api key not found")
	ErrInvalidKey = errors.New("invalid api key")
	ErrRevoked    = errors.New("api key revoked")
)

// secretPrefix marks govcore-issued secrets. The key id rides inside the
// secret so validation can look the record up by id and never index by the
// plaintext.
const secretPrefix = "gk"

// Store persists key records. Secrets are hashed before they reach the
// store; no implementation ever sees plaintext.
type Store interface {
	Create(ctx context.Context, key models.APIKey) error
	Get(ctx context.Context, id string) (models.APIKey, error)
	ListByTenant(ctx context.Context, tenantID string) ([]models.APIKey, error)
	Deactivate(ctx context.Context, id string) error
}

// Issued carries the one-time plaintext secret alongside the stored record.
// The secret is shown exactly once at creation and is not recoverable.
type Issued struct {
	Key    models.APIKey
	Secret string
}

// Service issues and validates tenant-scoped API keys.
type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("api key store required")
	}
	return &Service{store: store, now: time.Now}, nil
}

// Issue mints a key for the tenant. The role fixes the capability template
// the bearer acts with; an empty role means viewer. Empty limits fall back to
// the tier's effective defaults at enforcement time, not here.
func (s *Service) Issue(ctx context.Context, tenantID, name string, role models.Role, scopes []models.Scope, tier ratelimit.Tier, limits models.KeyRateLimits) (Issued, error) {
	if tenantID == "" {
		return Issued{}, fmt.Errorf("tenant id required")
	}
	if role == "" {
		role = models.RoleViewer
	}
	if _, ok := models.ParseRole(string(role)); !ok {
		return Issued{}, fmt.Errorf("unknown role %q", role)
	}
	if len(scopes) == 0 {
		return Issued{}, fmt.Errorf("at least one scope required")
	}
	for _, scope := range scopes {
		if _, ok := models.ParseScope(string(scope)); !ok {
			return Issued{}, fmt.Errorf("unknown scope %q", scope)
		}
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	random := make([]byte, 24)
	if _, err := rand.Read(random); err != nil {
		return Issued{}, fmt.Errorf("generate secret: %w", err)
	}
	secret := fmt.Sprintf("%s_%s_%s", secretPrefix, id, hex.EncodeToString(random))
	key := models.APIKey{
		ID:           id,
		TenantID:     tenantID,
		Name:         name,
		Role:         role,
		HashedSecret: hashSecret(secret),
		Scopes:       append([]models.Scope(nil), scopes...),
		Tier:         string(tier),
		RateLimits:   limits,
		IsActive:     true,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.Create(ctx, key); err != nil {
		return Issued{}, err
	}
	return Issued{Key: key, Secret: secret}, nil
}

// Validate resolves a presented secret to its key record. Lookup is by the
// id embedded in the secret; the hash comparison is constant-time so a
// mismatch reveals nothing about how close the guess was.
func (s *Service) Validate(ctx context.Context, secret string) (models.APIKey, error) {
	id, ok := splitSecret(secret)
	if !ok {
		return models.APIKey{}, ErrInvalidKey
	}
	key, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return models.APIKey{}, ErrInvalidKey
		}
		return models.APIKey{}, err
	}
	if subtle.ConstantTimeCompare([]byte(key.HashedSecret), []byte(hashSecret(secret))) != 1 {
		return models.APIKey{}, ErrInvalidKey
	}
	if !key.IsActive {
		return models.APIKey{}, ErrRevoked
	}
	return key, nil
}

// Revoke deactivates a key within the calling tenant. A key belonging to
// another tenant is reported as not found rather than forbidden, so key ids
// do not leak across tenants.
func (s *Service) Revoke(ctx context.Context, tenantID, id string) error {
	key, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if key.TenantID != tenantID {
		return ErrNotFound
	}
	return s.store.Deactivate(ctx, id)
}

func (s *Service) List(ctx context.Context, tenantID string) ([]models.APIKey, error) {
	return s.store.ListByTenant(ctx, tenantID)
}

func (s *Service) Get(ctx context.Context, tenantID, id string) (models.APIKey, error) {
	key, err := s.store.Get(ctx, id)
	if err != nil {
		return models.APIKey{}, err
	}
	if key.TenantID != tenantID {
		return models.APIKey{}, ErrNotFound
	}
	return key, nil
}

// HasScope reports whether the key carries the named scope.
func HasScope(key models.APIKey, scope models.Scope) bool {
	for _, s := range key.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// HasAnyScope reports whether the key carries at least one of the scopes.
func HasAnyScope(key models.APIKey, scopes ...models.Scope) bool {
	for _, scope := range scopes {
		if HasScope(key, scope) {
			return true
		}
	}
	return false
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func splitSecret(secret string) (id string, ok bool) {
	parts := strings.Split(secret, "_")
	if len(parts) != 3 || parts[0] != secretPrefix || parts[1] == "" || parts[2] == "" {
		return "", false
	}
	return parts[1], true
}
