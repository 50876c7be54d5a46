package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Sector is the closed set of resource domains policy rules are scoped to.
type Sector string

const (
	SectorFinance        Sector = "finance"
	SectorLegal          Sector = "legal"
	SectorInfrastructure Sector = "infrastructure"
	SectorContent        Sector = "content"
	SectorSovereign      Sector = "sovereign"
)

func Sectors() []Sector {
	return []Sector{SectorFinance, SectorLegal, SectorInfrastructure, SectorContent, SectorSovereign}
}

func ParseSector(raw string) (Sector, bool) {
	s := Sector(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case SectorFinance, SectorLegal, SectorInfrastructure, SectorContent, SectorSovereign:
		return s, true
	default:
		return "", false
	}
}

// ActionType is the closed set of governed operations.
type ActionType string

const (
	ActionCreate   ActionType = "create"
	ActionModify   ActionType = "modify"
	ActionDelete   ActionType = "delete"
	ActionDeploy   ActionType = "deploy"
	ActionOverride ActionType = "override"
)

func ActionTypes() []ActionType {
	return []ActionType{ActionCreate, ActionModify, ActionDelete, ActionDeploy, ActionOverride}
}

func ParseActionType(raw string) (ActionType, bool) {
	a := ActionType(strings.ToLower(strings.TrimSpace(raw)))
	switch a {
	case ActionCreate, ActionModify, ActionDelete, ActionDeploy, ActionOverride:
		return a, true
	default:
		return "", false
	}
}

// Role is the closed set of actor roles with fixed permission templates.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

func ParseRole(raw string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	switch r {
	case RoleOwner, RoleAdmin, RoleEditor, RoleViewer:
		return r, true
	default:
		return "", false
	}
}

// Permission is a single capability an actor may hold.
type Permission string

const (
	PermRead       Permission = "read"
	PermCreate     Permission = "create"
	PermModify     Permission = "modify"
	PermDelete     Permission = "delete"
	PermDeploy     Permission = "deploy"
	PermOverride   Permission = "override"
	PermManageKeys Permission = "manage_keys"
	PermApprove    Permission = "approve"
	PermAuditRead  Permission = "audit_read"
)

// Actor is a resolved, trusted identity. It is constructed exactly once per
// request from server-held session or key state and is immutable afterwards.
type Actor struct {
	ID             string       `json:"id"`
	Email          string       `json:"email,omitempty"`
	Role           Role         `json:"role"`
	OrganizationID string       `json:"organization_id"`
	Permissions    []Permission `json:"permissions"`
}

func (a Actor) HasPermission(p Permission) bool {
	for _, held := range a.Permissions {
		if held == p {
			return true
		}
	}
	return false
}

// GovernanceContext is the tuple submitted to the decision engine.
type GovernanceContext struct {
	Actor      Actor             `json:"actor"`
	ActionType ActionType        `json:"action_type"`
	Sector     Sector            `json:"sector"`
	ResourceID string            `json:"resource_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Verdict is the outcome class of a policy evaluation.
type Verdict string

const (
	VerdictAllow            Verdict = "allow"
	VerdictDeny             Verdict = "deny"
	VerdictRequiresApproval Verdict = "requires_approval"
)

// Decision reason codes.
const (
	ReasonOK                     = "ok"
	ReasonUnknownSector          = "unknown_sector"
	ReasonUnknownAction          = "unknown_action"
	ReasonUnauthenticated        = "unauthenticated"
	ReasonInsufficientPermission = "insufficient_permission"
	ReasonSectorApprovalRequired = "sector_approval_required"
)

// Decision is produced fresh on every evaluation; it is never stored as
// mutable state.
type Decision struct {
	Verdict           Verdict  `json:"verdict"`
	Reason            string   `json:"reason"`
	RequiredApprovers []string `json:"required_approvers,omitempty"`
	PolicyVersion     string   `json:"policy_version"`
}

// ApprovalStatus values. The three non-pending states are terminal.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// PendingApproval tracks a requires_approval decision until quorum, veto or
// expiry.
type PendingApproval struct {
	ID                string            `json:"id"`
	Context           GovernanceContext `json:"context"`
	RequiredApprovers []string          `json:"required_approvers"`
	ApprovedBy        []string          `json:"approved_by"`
	Status            ApprovalStatus    `json:"status"`
	CreatedAt         time.Time         `json:"created_at"`
	ExpiresAt         time.Time         `json:"expires_at"`
}

// AuditSeverity separates routine decision records from security events such
// as cross-tenant access attempts.
type AuditSeverity string

const (
	SeverityInfo     AuditSeverity = "info"
	SeveritySecurity AuditSeverity = "security"
)

// AuditEntry is an immutable record of an attempted or completed governed
// action. PrevHash/Hash chain entries in append order for tamper evidence.
type AuditEntry struct {
	ID        string          `json:"id"`
	ActorID   string          `json:"actor_id"`
	ActorSeq  uint64          `json:"actor_seq"`
	TenantID  string          `json:"tenant_id,omitempty"`
	Action    string          `json:"action"`
	Resource  string          `json:"resource,omitempty"`
	Verdict   Verdict         `json:"verdict,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Severity  AuditSeverity   `json:"severity"`
	Details   json.RawMessage `json:"details,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// Scope is a capability grant carried by an API key.
type Scope string

const (
	ScopeDecide     Scope = "governance:decide"
	ScopeApprove    Scope = "governance:approve"
	ScopeAuditRead  Scope = "audit:read"
	ScopeKeysManage Scope = "keys:manage"
	ScopeAIInvoke   Scope = "ai:invoke"
)

func KnownScopes() []Scope {
	return []Scope{ScopeDecide, ScopeApprove, ScopeAuditRead, ScopeKeysManage, ScopeAIInvoke}
}

func ParseScope(raw string) (Scope, bool) {
	s := Scope(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case ScopeDecide, ScopeApprove, ScopeAuditRead, ScopeKeysManage, ScopeAIInvoke:
		return s, true
	default:
		return "", false
	}
}

// KeyRateLimits are the three independent windows every API-key request must
// pass.
type KeyRateLimits struct {
	PerMinute int `json:"per_minute"`
	PerHour   int `json:"per_hour"`
	PerDay    int `json:"per_day"`
}

// APIKey is the stored form of a programmatic credential. The plaintext
// secret is returned once at creation and never retained. Role is bound at
// issue time by the tenant's administrator; the bearer acts with that role's
// capability template and can never widen it through a request.
type APIKey struct {
	ID           string        `json:"id"`
	TenantID     string        `json:"tenant_id"`
	Name         string        `json:"name,omitempty"`
	Role         Role          `json:"role"`
	HashedSecret string        `json:"-"`
	Scopes       []Scope       `json:"scopes"`
	Tier         string        `json:"tier"`
	RateLimits   KeyRateLimits `json:"rate_limits"`
	IsActive     bool          `json:"is_active"`
	CreatedAt    time.Time     `json:"created_at"`
}
