package apikey

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"govcore/pkg/models"
)

// MemoryStore keeps key records in process, keyed by id.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]models.APIKey
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: map[string]models.APIKey{}}
}

func (s *MemoryStore) Create(ctx context.Context, key models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[key.ID]; exists {
		return fmt.Errorf("api key %s already exists", key.ID)
	}
	s.keys[key.ID] = cloneKey(key)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[id]
	if !ok {
		return models.APIKey{}, ErrNotFound
	}
	return cloneKey(key), nil
}

func (s *MemoryStore) ListByTenant(ctx context.Context, tenantID string) ([]models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.APIKey
	for _, key := range s.keys {
		if key.TenantID == tenantID {
			out = append(out, cloneKey(key))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Deactivate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	key.IsActive = false
	s.keys[id] = key
	return nil
}

func cloneKey(key models.APIKey) models.APIKey {
	key.Scopes = append([]models.Scope(nil), key.Scopes...)
	return key
}
