package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"govcore/pkg/audit"
	"govcore/pkg/models"
)

// Engine evaluates governance contexts against a fixed rule table. Decide is
// a pure function of (effective permissions, rule table, policy version);
// the only side effect is the mandatory audit append.
type Engine struct {
	version string
	rules   RuleTable
	log     audit.Log
}

func NewEngine(version string, rules RuleTable, log audit.Log) (*Engine, error) {
	if version == "" {
		return nil, fmt.Errorf("policy version required")
	}
	if rules == nil {
		rules = DefaultRules()
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		return nil, fmt.Errorf("audit log required")
	}
	return &Engine{version: version, rules: rules, log: log}, nil
}

func (e *Engine) Version() string { return e.version }

// Decide evaluates one context and records exactly one audit entry, whatever
// the verdict. An audit failure fails the call: a decision that cannot be
// recorded must not be acted on.
func (e *Engine) Decide(ctx context.Context, gc models.GovernanceContext) (models.Decision, error) {
	decision := e.evaluate(gc)
	if err := e.record(ctx, gc, decision); err != nil {
		return models.Decision{}, fmt.Errorf("audit decision: %w", err)
	}
	return decision, nil
}

func (e *Engine) evaluate(gc models.GovernanceContext) models.Decision {
	deny := func(reason string) models.Decision {
		return models.Decision{Verdict: models.VerdictDeny, Reason: reason, PolicyVersion: e.version}
	}
	if _, ok := ParseRoleStrict(gc.Actor.Role); !ok {
		return deny(models.ReasonUnauthenticated)
	}
	actions, ok := e.rules[gc.Sector]
	if !ok {
		return deny(models.ReasonUnknownSector)
	}
	rule, ok := actions[gc.ActionType]
	if !ok {
		return deny(models.ReasonUnknownAction)
	}
	effective := EffectivePermissions(gc.Actor.Role, gc.Actor.Permissions)
	if !holdsPermission(effective, rule.Requires) {
		return deny(models.ReasonInsufficientPermission)
	}
	if rule.AlwaysApprove {
		return models.Decision{
			Verdict:           models.VerdictRequiresApproval,
			Reason:            models.ReasonSectorApprovalRequired,
			RequiredApprovers: append([]string(nil), rule.Approvers...),
			PolicyVersion:     e.version,
		}
	}
	return models.Decision{Verdict: models.VerdictAllow, Reason: models.ReasonOK, PolicyVersion: e.version}
}

func (e *Engine) record(ctx context.Context, gc models.GovernanceContext, d models.Decision) error {
	details, _ := json.Marshal(map[string]any{
		"sector":         gc.Sector,
		"policy_version": d.PolicyVersion,
		"metadata":       gc.Metadata,
	})
	_, err := e.log.Append(ctx, models.AuditEntry{
		ActorID:  gc.Actor.ID,
		TenantID: gc.Actor.OrganizationID,
		Action:   "decide:" + string(gc.ActionType),
		Resource: gc.ResourceID,
		Verdict:  d.Verdict,
		Reason:   d.Reason,
		Severity: models.SeverityInfo,
		Details:  details,
	})
	return err
}

// ParseRoleStrict re-validates a role already carried on a resolved actor.
// Actors arrive from the trusted resolver, but the engine still refuses to
// evaluate an unresolvable role instead of defaulting it.
func ParseRoleStrict(role models.Role) (models.Role, bool) {
	return models.ParseRole(string(role))
}

func holdsPermission(perms []models.Permission, want models.Permission) bool {
	for _, p := range perms {
		if p == want {
			return true
		}
	}
	return false
}
