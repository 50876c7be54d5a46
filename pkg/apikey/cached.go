package apikey

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"govcore/pkg/models"
	"govcore/pkg/store"
)

const cacheTTL = 30 * time.Second

// CachedStore fronts a durable Store with a short-TTL cache. Validation hits
// Get on every authenticated request, so the read path is worth caching;
// writes invalidate so a revocation takes effect within one TTL at worst on
// other nodes and immediately on this one.
type CachedStore struct {
	inner Store
	cache store.Cache
}

func NewCachedStore(inner Store, cache store.Cache) *CachedStore {
	return &CachedStore{inner: inner, cache: cache}
}

func (s *CachedStore) Create(ctx context.Context, key models.APIKey) error {
	return s.inner.Create(ctx, key)
}

func (s *CachedStore) Get(ctx context.Context, id string) (models.APIKey, error) {
	if cached, err := s.cache.Get(ctx, cacheKey(id)); err == nil {
		var entry cacheEntryJSON
		if json.Unmarshal([]byte(cached), &entry) == nil && entry.ID == id {
			return entry.restore(), nil
		}
	} else if !errors.Is(err, store.ErrCacheMiss) {
		// Cache backend down: fall through to the store.
		return s.inner.Get(ctx, id)
	}
	key, err := s.inner.Get(ctx, id)
	if err != nil {
		return models.APIKey{}, err
	}
	if encoded, err := json.Marshal(cacheEntry(key)); err == nil {
		_ = s.cache.Set(ctx, cacheKey(id), string(encoded), cacheTTL)
	}
	return key, nil
}

func (s *CachedStore) ListByTenant(ctx context.Context, tenantID string) ([]models.APIKey, error) {
	return s.inner.ListByTenant(ctx, tenantID)
}

func (s *CachedStore) Deactivate(ctx context.Context, id string) error {
	if err := s.inner.Deactivate(ctx, id); err != nil {
		return err
	}
	_ = s.cache.Del(ctx, cacheKey(id))
	return nil
}

func cacheKey(id string) string { return "apikey:" + id }

// cacheEntry restores the hash into the JSON form. models.APIKey hides
// HashedSecret from API responses, so the cache needs its own shape.
type cacheEntryJSON struct {
	models.APIKey
	CachedHash string `json:"cached_hash"`
}

func cacheEntry(key models.APIKey) cacheEntryJSON {
	return cacheEntryJSON{APIKey: key, CachedHash: key.HashedSecret}
}

func (e *cacheEntryJSON) restore() models.APIKey {
	key := e.APIKey
	key.HashedSecret = e.CachedHash
	return key
}
