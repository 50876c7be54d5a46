package apikey

import (
	"context"
	"errors"
	"testing"

	"govcore/pkg/models"
	"govcore/pkg/ratelimit"
	"govcore/pkg/store"
)

type countingStore struct {
	Store
	gets int
}

func (c *countingStore) Get(ctx context.Context, id string) (models.APIKey, error) {
	c.gets++
	return c.Store.Get(ctx, id)
}

func TestCachedStoreServesRepeatLookupsFromCache(t *testing.T) {
	inner := &countingStore{Store: NewMemoryStore()}
	cached := NewCachedStore(inner, store.NewMemoryCache())
	svc, _ := NewService(cached)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "t1", "ci", models.RoleViewer, []models.Scope{models.ScopeDecide}, ratelimit.TierPro, models.KeyRateLimits{PerMinute: 10})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	for i := 0; i < 3; i++ {
		key, err := svc.Validate(ctx, issued.Secret)
		if err != nil {
			t.Fatalf("validate %d: %v", i, err)
		}
		if key.Tier != string(ratelimit.TierPro) || key.RateLimits.PerMinute != 10 {
			t.Fatalf("cached record lost fields: %+v", key)
		}
	}
	if inner.gets != 1 {
		t.Fatalf("expected one store hit, got %d", inner.gets)
	}
}

func TestCachedStoreInvalidatesOnDeactivate(t *testing.T) {
	inner := &countingStore{Store: NewMemoryStore()}
	cached := NewCachedStore(inner, store.NewMemoryCache())
	svc, _ := NewService(cached)
	ctx := context.Background()

	issued, _ := svc.Issue(ctx, "t1", "ci", models.RoleViewer, []models.Scope{models.ScopeDecide}, ratelimit.TierFree, models.KeyRateLimits{})
	if _, err := svc.Validate(ctx, issued.Secret); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := svc.Revoke(ctx, "t1", issued.Key.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := svc.Validate(ctx, issued.Secret); !errors.Is(err, ErrRevoked) {
		t.Fatalf("revocation must be visible immediately, got %v", err)
	}
}
