package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"govcore/pkg/models"
)

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	TenantID string
	Status   models.ApprovalStatus
	Limit    int
}

// Store persists pending approvals. Implementations must make
// RecordApproval idempotent for a repeated approver and UpdateStatus a
// compare-and-set on the current status, so the workflow's transition
// guarantees hold under concurrent callers.
type Store interface {
	Create(ctx context.Context, pa models.PendingApproval) error
	Get(ctx context.Context, id string) (models.PendingApproval, error)
	// RecordApproval adds the approver's signature and returns the full
	// signature set after the write.
	RecordApproval(ctx context.Context, id, approver string) ([]string, error)
	// UpdateStatus transitions id from -> to and reports whether the row
	// actually moved. A false return with a nil error means another writer
	// got there first.
	UpdateStatus(ctx context.Context, id string, from, to models.ApprovalStatus) (bool, error)
	List(ctx context.Context, f ListFilter) ([]models.PendingApproval, error)
	// ExpireBefore transitions every pending approval whose deadline has
	// passed and returns the entries it expired.
	ExpireBefore(ctx context.Context, now time.Time) ([]models.PendingApproval, error)
}

// MemoryStore keeps approvals in process. Suitable for tests and for
// single-node deployments where escrowed actions do not need to survive a
// restart.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*models.PendingApproval
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]*models.PendingApproval{}}
}

func (s *MemoryStore) Create(ctx context.Context, pa models.PendingApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[pa.ID]; exists {
		return fmt.Errorf("approval %s already exists", pa.ID)
	}
	cp := clone(pa)
	s.entries[pa.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (models.PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pa, ok := s.entries[id]
	if !ok {
		return models.PendingApproval{}, ErrNotFound
	}
	return clone(*pa), nil
}

func (s *MemoryStore) RecordApproval(ctx context.Context, id, approver string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pa, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !HasApproved(pa.ApprovedBy, approver) {
		pa.ApprovedBy = append(pa.ApprovedBy, approver)
	}
	return append([]string(nil), pa.ApprovedBy...), nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, from, to models.ApprovalStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pa, ok := s.entries[id]
	if !ok {
		return false, ErrNotFound
	}
	if pa.Status != from {
		return false, nil
	}
	pa.Status = to
	return true, nil
}

func (s *MemoryStore) List(ctx context.Context, f ListFilter) ([]models.PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.PendingApproval, 0, len(s.entries))
	for _, pa := range s.entries {
		if f.TenantID != "" && pa.Context.Actor.OrganizationID != f.TenantID {
			continue
		}
		if f.Status != "" && pa.Status != f.Status {
			continue
		}
		out = append(out, clone(*pa))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ExpireBefore(ctx context.Context, now time.Time) ([]models.PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []models.PendingApproval
	for _, pa := range s.entries {
		if pa.Status != models.ApprovalPending || !IsExpired(now, pa.ExpiresAt) {
			continue
		}
		pa.Status = models.ApprovalExpired
		expired = append(expired, clone(*pa))
	}
	return expired, nil
}

func clone(pa models.PendingApproval) models.PendingApproval {
	pa.RequiredApprovers = append([]string(nil), pa.RequiredApprovers...)
	pa.ApprovedBy = append([]string(nil), pa.ApprovedBy...)
	return pa
}
