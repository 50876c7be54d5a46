package policy

import (
	"fmt"

	"govcore/pkg/models"
)

// Rule binds a (sector, action) pair to the capability it demands. When
// AlwaysApprove is set the action can never auto-execute regardless of the
// actor's permission level; Approvers names the quorum that must each sign.
type Rule struct {
	Requires      models.Permission
	AlwaysApprove bool
	Approvers     []string
}

// RuleTable is the closed policy matrix. Lookups are exhaustive: NewEngine
// refuses to start if any (sector, action) combination is missing, so an
// unhandled pair is a startup error rather than a silent default.
type RuleTable map[models.Sector]map[models.ActionType]Rule

// roleTemplates fixes the base capability set per role. Per-actor grants may
// narrow these sets but can never extend them.
var roleTemplates = map[models.Role][]models.Permission{
	models.RoleOwner: {
		models.PermRead, models.PermCreate, models.PermModify, models.PermDelete,
		models.PermDeploy, models.PermOverride, models.PermManageKeys,
		models.PermApprove, models.PermAuditRead,
	},
	models.RoleAdmin: {
		models.PermRead, models.PermCreate, models.PermModify, models.PermDelete,
		models.PermDeploy, models.PermManageKeys, models.PermApprove, models.PermAuditRead,
	},
	models.RoleEditor: {
		models.PermRead, models.PermCreate, models.PermModify,
	},
	models.RoleViewer: {
		models.PermRead,
	},
}

// RoleTemplate returns a copy of the fixed capability set for a role.
func RoleTemplate(role models.Role) ([]models.Permission, bool) {
	tmpl, ok := roleTemplates[role]
	if !ok {
		return nil, false
	}
	return append([]models.Permission(nil), tmpl...), true
}

// EffectivePermissions intersects the role template with the actor's grants.
// Empty grants mean "unrestricted within the template"; a grant outside the
// template is discarded, which makes escalation through client-supplied
// permission lists structurally impossible.
func EffectivePermissions(role models.Role, grants []models.Permission) []models.Permission {
	tmpl, ok := roleTemplates[role]
	if !ok {
		return nil
	}
	if len(grants) == 0 {
		return append([]models.Permission(nil), tmpl...)
	}
	inTemplate := make(map[models.Permission]struct{}, len(tmpl))
	for _, p := range tmpl {
		inTemplate[p] = struct{}{}
	}
	out := make([]models.Permission, 0, len(grants))
	seen := map[models.Permission]struct{}{}
	for _, g := range grants {
		if _, ok := inTemplate[g]; !ok {
			continue
		}
		if _, dup := seen[g]; dup {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	return out
}

func actionCapability(a models.ActionType) models.Permission {
	switch a {
	case models.ActionCreate:
		return models.PermCreate
	case models.ActionModify:
		return models.PermModify
	case models.ActionDelete:
		return models.PermDelete
	case models.ActionDeploy:
		return models.PermDeploy
	case models.ActionOverride:
		return models.PermOverride
	default:
		return ""
	}
}

// DefaultRules builds the production policy matrix. Destructive actions in
// the finance and sovereign sectors are always escrowed behind named
// approvers; infrastructure overrides need both platform and security
// sign-off.
func DefaultRules() RuleTable {
	table := RuleTable{}
	for _, sector := range models.Sectors() {
		table[sector] = map[models.ActionType]Rule{}
		for _, action := range models.ActionTypes() {
			table[sector][action] = Rule{Requires: actionCapability(action)}
		}
	}
	table[models.SectorFinance][models.ActionDelete] = Rule{
		Requires: models.PermDelete, AlwaysApprove: true, Approvers: []string{"cfo", "ceo"},
	}
	table[models.SectorFinance][models.ActionOverride] = Rule{
		Requires: models.PermOverride, AlwaysApprove: true, Approvers: []string{"cfo", "ceo"},
	}
	table[models.SectorSovereign][models.ActionDelete] = Rule{
		Requires: models.PermDelete, AlwaysApprove: true, Approvers: []string{"ceo", "counsel"},
	}
	table[models.SectorSovereign][models.ActionOverride] = Rule{
		Requires: models.PermOverride, AlwaysApprove: true, Approvers: []string{"ceo", "counsel"},
	}
	table[models.SectorLegal][models.ActionDelete] = Rule{
		Requires: models.PermDelete, AlwaysApprove: true, Approvers: []string{"counsel"},
	}
	table[models.SectorInfrastructure][models.ActionOverride] = Rule{
		Requires: models.PermOverride, AlwaysApprove: true, Approvers: []string{"platform-lead", "security-lead"},
	}
	return table
}

// Validate checks the table covers every (sector, action) pair and that every
// always-approve rule names at least one approver.
func (t RuleTable) Validate() error {
	for _, sector := range models.Sectors() {
		actions, ok := t[sector]
		if !ok {
			return fmt.Errorf("policy table missing sector %q", sector)
		}
		for _, action := range models.ActionTypes() {
			rule, ok := actions[action]
			if !ok {
				return fmt.Errorf("policy table missing rule for %s/%s", sector, action)
			}
			if rule.Requires == "" {
				return fmt.Errorf("policy rule %s/%s has no required capability", sector, action)
			}
			if rule.AlwaysApprove && len(rule.Approvers) == 0 {
				return fmt.Errorf("policy rule %s/%s requires approval but names no approvers", sector, action)
			}
		}
	}
	return nil
}
