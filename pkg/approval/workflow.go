package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"govcore/pkg/audit"
	"govcore/pkg/models"
)

// ErrTerminal is returned when a caller tries to act on an approval that has
// already been finalized. Terminal states are immutable.
var ErrTerminal = errors.New("approval already finalized")

// Notifier receives lifecycle events for live subscribers. The zero value of
// a Workflow carries no notifier and publishes nothing.
type Notifier interface {
	Publish(event string, payload any)
}

const defaultTTL = 24 * time.Hour

// Workflow escrows requires_approval decisions until the full named quorum
// has signed, a required approver vetoes, or the entry times out. Every
// transition lands in the audit log before the caller sees the new state.
type Workflow struct {
	store  Store
	log    audit.Log
	ttl    time.Duration
	now    func() time.Time
	notify Notifier
}

type WorkflowOption func(*Workflow)

func WithTTL(ttl time.Duration) WorkflowOption {
	return func(w *Workflow) {
		if ttl > 0 {
			w.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) WorkflowOption {
	return func(w *Workflow) {
		if now != nil {
			w.now = now
		}
	}
}

func WithNotifier(n Notifier) WorkflowOption {
	return func(w *Workflow) { w.notify = n }
}

func NewWorkflow(store Store, log audit.Log, opts ...WorkflowOption) (*Workflow, error) {
	if store == nil {
		return nil, fmt.Errorf("approval store required")
	}
	if log == nil {
		return nil, fmt.Errorf("audit log required")
	}
	w := &Workflow{store: store, log: log, ttl: defaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Create escrows a governance context behind the named approvers.
func (w *Workflow) Create(ctx context.Context, gc models.GovernanceContext, approvers []string) (models.PendingApproval, error) {
	if len(approvers) == 0 {
		return models.PendingApproval{}, fmt.Errorf("approval needs at least one required approver")
	}
	now := w.now().UTC()
	pa := models.PendingApproval{
		ID:                uuid.NewString(),
		Context:           gc,
		RequiredApprovers: append([]string(nil), approvers...),
		Status:            models.ApprovalPending,
		CreatedAt:         now,
		ExpiresAt:         now.Add(w.ttl),
	}
	if err := w.store.Create(ctx, pa); err != nil {
		return models.PendingApproval{}, err
	}
	if err := w.audit(ctx, pa, gc.Actor.ID, "approval.create", models.VerdictRequiresApproval); err != nil {
		return models.PendingApproval{}, err
	}
	w.publish("approval.created", pa)
	return pa, nil
}

// Get reads one approval, settling overdue entries to expired on the way so
// no caller ever observes a pending state past its deadline.
func (w *Workflow) Get(ctx context.Context, id string) (models.PendingApproval, error) {
	return w.loadCurrent(ctx, id)
}

func (w *Workflow) List(ctx context.Context, f ListFilter) ([]models.PendingApproval, error) {
	return w.store.List(ctx, f)
}

// Approve records one signature. The approval moves to approved only when
// every required approver has signed; until then it stays pending. A
// duplicate signature from the same approver is a no-op, not an error.
func (w *Workflow) Approve(ctx context.Context, id, approver string) (models.PendingApproval, error) {
	pa, err := w.loadCurrent(ctx, id)
	if err != nil {
		return models.PendingApproval{}, err
	}
	if !IsRequiredApprover(pa.RequiredApprovers, approver) {
		return pa, ErrNotRequiredApprover
	}
	if HasApproved(pa.ApprovedBy, approver) {
		return pa, nil
	}
	if IsTerminal(pa.Status) {
		return pa, ErrTerminal
	}
	signatures, err := w.store.RecordApproval(ctx, id, approver)
	if err != nil {
		return models.PendingApproval{}, err
	}
	pa.ApprovedBy = signatures
	if !QuorumReached(pa.RequiredApprovers, signatures) {
		if err := w.audit(ctx, pa, approver, "approval.sign", models.VerdictRequiresApproval); err != nil {
			return models.PendingApproval{}, err
		}
		w.publish("approval.signed", pa)
		return pa, nil
	}
	moved, err := w.store.UpdateStatus(ctx, id, models.ApprovalPending, models.ApprovalApproved)
	if err != nil {
		return models.PendingApproval{}, err
	}
	if !moved {
		// Raced with a veto or the expiry sweep; the stored state wins.
		return w.store.Get(ctx, id)
	}
	pa.Status = models.ApprovalApproved
	if err := w.audit(ctx, pa, approver, "approval.approve", models.VerdictAllow); err != nil {
		return models.PendingApproval{}, err
	}
	w.publish("approval.approved", pa)
	return pa, nil
}

// Reject lets any single required approver veto the whole request.
func (w *Workflow) Reject(ctx context.Context, id, approver string) (models.PendingApproval, error) {
	pa, err := w.loadCurrent(ctx, id)
	if err != nil {
		return models.PendingApproval{}, err
	}
	if !IsRequiredApprover(pa.RequiredApprovers, approver) {
		return pa, ErrNotRequiredApprover
	}
	if IsTerminal(pa.Status) {
		return pa, ErrTerminal
	}
	moved, err := w.store.UpdateStatus(ctx, id, models.ApprovalPending, models.ApprovalRejected)
	if err != nil {
		return models.PendingApproval{}, err
	}
	if !moved {
		return w.store.Get(ctx, id)
	}
	pa.Status = models.ApprovalRejected
	if err := w.audit(ctx, pa, approver, "approval.reject", models.VerdictDeny); err != nil {
		return models.PendingApproval{}, err
	}
	w.publish("approval.rejected", pa)
	return pa, nil
}

// ExpireDue sweeps every pending approval past its deadline. Safe to run
// repeatedly; entries already expired are not revisited.
func (w *Workflow) ExpireDue(ctx context.Context) (int, error) {
	expired, err := w.store.ExpireBefore(ctx, w.now().UTC())
	if err != nil {
		return 0, err
	}
	for _, pa := range expired {
		if err := w.audit(ctx, pa, "system", "approval.expire", models.VerdictDeny); err != nil {
			return 0, err
		}
		w.publish("approval.expired", pa)
	}
	return len(expired), nil
}

// loadCurrent fetches the approval and lazily expires it when the deadline
// has already passed, so a stale entry is never acted on between sweeps.
func (w *Workflow) loadCurrent(ctx context.Context, id string) (models.PendingApproval, error) {
	pa, err := w.store.Get(ctx, id)
	if err != nil {
		return models.PendingApproval{}, err
	}
	if pa.Status != models.ApprovalPending || !IsExpired(w.now(), pa.ExpiresAt) {
		return pa, nil
	}
	moved, err := w.store.UpdateStatus(ctx, id, models.ApprovalPending, models.ApprovalExpired)
	if err != nil {
		return models.PendingApproval{}, err
	}
	if moved {
		pa.Status = models.ApprovalExpired
		if err := w.audit(ctx, pa, "system", "approval.expire", models.VerdictDeny); err != nil {
			return models.PendingApproval{}, err
		}
		w.publish("approval.expired", pa)
		return pa, nil
	}
	return w.store.Get(ctx, id)
}

func (w *Workflow) audit(ctx context.Context, pa models.PendingApproval, actorID, action string, verdict models.Verdict) error {
	details, _ := json.Marshal(map[string]any{
		"approval_id":        pa.ID,
		"status":             pa.Status,
		"required_approvers": pa.RequiredApprovers,
		"approved_by":        pa.ApprovedBy,
		"sector":             pa.Context.Sector,
		"action_type":        pa.Context.ActionType,
	})
	_, err := w.log.Append(ctx, models.AuditEntry{
		ActorID:  actorID,
		TenantID: pa.Context.Actor.OrganizationID,
		Action:   action,
		Resource: pa.ID,
		Verdict:  verdict,
		Severity: models.SeverityInfo,
		Details:  details,
	})
	return err
}

func (w *Workflow) publish(event string, pa models.PendingApproval) {
	if w.notify != nil {
		w.notify.Publish(event, pa)
	}
}
