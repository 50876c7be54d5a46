package policy

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"govcore/pkg/audit"
	"govcore/pkg/models"
)

func newTestEngine(t *testing.T) (*Engine, *audit.RingLog) {
	t.Helper()
	log := audit.NewRingLog(64)
	engine, err := NewEngine("v1", nil, log)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine, log
}

func actorWith(role models.Role, grants ...models.Permission) models.Actor {
	return models.Actor{ID: "u1", Role: role, OrganizationID: "t1", Permissions: grants}
}

func TestEffectivePermissionsNeverExceedTemplate(t *testing.T) {
	// A viewer claiming delete/deploy must end up with read at most.
	got := EffectivePermissions(models.RoleViewer, []models.Permission{
		models.PermRead, models.PermDelete, models.PermDeploy,
	})
	if !reflect.DeepEqual(got, []models.Permission{models.PermRead}) {
		t.Fatalf("expected grants clamped to template, got %v", got)
	}
}

func TestEffectivePermissionsEmptyGrantsMeanTemplate(t *testing.T) {
	got := EffectivePermissions(models.RoleEditor, nil)
	want, _ := RoleTemplate(models.RoleEditor)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected full template for empty grants, got %v", got)
	}
}

func TestEffectivePermissionsUnknownRole(t *testing.T) {
	if got := EffectivePermissions(models.Role("root"), nil); got != nil {
		t.Fatalf("unknown role must have no permissions, got %v", got)
	}
}

func TestDecideViewerDeployDenied(t *testing.T) {
	engine, log := newTestEngine(t)
	d, err := engine.Decide(context.Background(), models.GovernanceContext{
		Actor:      actorWith(models.RoleViewer),
		ActionType: models.ActionDeploy,
		Sector:     models.SectorInfrastructure,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Verdict != models.VerdictDeny || d.Reason != models.ReasonInsufficientPermission {
		t.Fatalf("unexpected decision: %+v", d)
	}
	entries, _ := log.Query(context.Background(), audit.Filter{ActorID: "u1"})
	if len(entries) != 1 || entries[0].Verdict != models.VerdictDeny {
		t.Fatalf("expected exactly one deny audit entry, got %+v", entries)
	}
}

func TestDecideFinanceDeleteRequiresApproval(t *testing.T) {
	engine, _ := newTestEngine(t)
	d, err := engine.Decide(context.Background(), models.GovernanceContext{
		Actor:      actorWith(models.RoleAdmin),
		ActionType: models.ActionDelete,
		Sector:     models.SectorFinance,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Verdict != models.VerdictRequiresApproval {
		t.Fatalf("expected requires_approval, got %+v", d)
	}
	if !reflect.DeepEqual(d.RequiredApprovers, []string{"cfo", "ceo"}) {
		t.Fatalf("unexpected approvers: %v", d.RequiredApprovers)
	}
}

func TestDecideAllow(t *testing.T) {
	engine, log := newTestEngine(t)
	d, err := engine.Decide(context.Background(), models.GovernanceContext{
		Actor:      actorWith(models.RoleEditor),
		ActionType: models.ActionCreate,
		Sector:     models.SectorContent,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Verdict != models.VerdictAllow || d.Reason != models.ReasonOK {
		t.Fatalf("unexpected decision: %+v", d)
	}
	entries, _ := log.Query(context.Background(), audit.Filter{})
	if len(entries) != 1 {
		t.Fatalf("expected exactly one audit entry per decide, got %d", len(entries))
	}
}

func TestDecideUnknownSector(t *testing.T) {
	engine, _ := newTestEngine(t)
	d, err := engine.Decide(context.Background(), models.GovernanceContext{
		Actor:      actorWith(models.RoleOwner),
		ActionType: models.ActionCreate,
		Sector:     models.Sector("casino"),
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Verdict != models.VerdictDeny || d.Reason != models.ReasonUnknownSector {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestDecideUnresolvableRole(t *testing.T) {
	engine, _ := newTestEngine(t)
	d, err := engine.Decide(context.Background(), models.GovernanceContext{
		Actor:      models.Actor{ID: "ghost"},
		ActionType: models.ActionCreate,
		Sector:     models.SectorContent,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Verdict != models.VerdictDeny || d.Reason != models.ReasonUnauthenticated {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestDecideDeterministic(t *testing.T) {
	engine, _ := newTestEngine(t)
	gc := models.GovernanceContext{
		Actor:      actorWith(models.RoleAdmin),
		ActionType: models.ActionDelete,
		Sector:     models.SectorSovereign,
		ResourceID: "res-9",
	}
	first, err := engine.Decide(context.Background(), gc)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	for i := 0; i < 5; i++ {
		next, err := engine.Decide(context.Background(), gc)
		if err != nil {
			t.Fatalf("decide: %v", err)
		}
		if !reflect.DeepEqual(first, next) {
			t.Fatalf("decision not deterministic: %+v vs %+v", first, next)
		}
	}
}

type failingLog struct{}

func (failingLog) Append(ctx context.Context, e models.AuditEntry) (string, error) {
	return "", errors.New("store unavailable")
}
func (failingLog) Query(ctx context.Context, f audit.Filter) ([]models.AuditEntry, error) {
	return nil, nil
}
func (failingLog) Get(ctx context.Context, id string) (models.AuditEntry, error) {
	return models.AuditEntry{}, audit.ErrNotFound
}

func TestDecideFailsWhenAuditUnavailable(t *testing.T) {
	engine, err := NewEngine("v1", nil, failingLog{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if _, err := engine.Decide(context.Background(), models.GovernanceContext{
		Actor:      actorWith(models.RoleOwner),
		ActionType: models.ActionCreate,
		Sector:     models.SectorContent,
	}); err == nil {
		t.Fatalf("decision without an audit record must fail")
	}
}

func TestRuleTableValidation(t *testing.T) {
	broken := DefaultRules()
	delete(broken[models.SectorLegal], models.ActionModify)
	if err := broken.Validate(); err == nil {
		t.Fatalf("expected validation error for missing rule")
	}
	noApprovers := DefaultRules()
	noApprovers[models.SectorFinance][models.ActionDelete] = Rule{Requires: models.PermDelete, AlwaysApprove: true}
	if err := noApprovers.Validate(); err == nil {
		t.Fatalf("expected validation error for approval rule without approvers")
	}
	if err := DefaultRules().Validate(); err != nil {
		t.Fatalf("default rules must validate: %v", err)
	}
}
