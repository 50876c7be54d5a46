package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"govcore/pkg/apikey"
	"govcore/pkg/approval"
	"govcore/pkg/audit"
	"govcore/pkg/auth"
	"govcore/pkg/httpx"
	"govcore/pkg/models"
	"govcore/pkg/ratelimit"
	"govcore/pkg/stream"
	"govcore/pkg/upstream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

// rateLimitMiddleware runs after authentication so keyed callers get their
// own buckets. API keys are limited per key id with tier-scaled or
// per-key-override windows; everything else shares per-IP buckets at the
// base limits.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := auth.PrincipalFromContext(r.Context())
		bucket := "ip:" + httpx.ClientIP(r, s.TrustProxy)
		limits := s.BaseLimits
		if p.Method == "api_key" && p.Key != nil {
			bucket = "key:" + p.Key.ID
			limits = s.keyLimits(*p.Key)
		}
		md := ratelimit.CheckAll(s.Limiter, bucket, limits)
		if md.Limited {
			s.Metrics.IncRateLimitHit(string(md.Tightest))
			httpx.WriteRateLimited(w, md.Limit, md.ResetAt)
			return
		}
		if !md.ResetAt.IsZero() {
			httpx.SetRateLimitHeaders(w, md.Limit, md.Remaining, md.ResetAt)
		}
		next.ServeHTTP(w, r)
	})
}

// keyLimits resolves the windows for one key: explicit per-key overrides win,
// otherwise the base limits scale by tier.
func (s *Server) keyLimits(key models.APIKey) ratelimit.Limits {
	if key.RateLimits.PerMinute > 0 || key.RateLimits.PerHour > 0 || key.RateLimits.PerDay > 0 {
		return ratelimit.Limits{
			PerMinute: key.RateLimits.PerMinute,
			PerHour:   key.RateLimits.PerHour,
			PerDay:    key.RateLimits.PerDay,
		}
	}
	tier := ratelimit.ParseTier(key.Tier)
	return ratelimit.Limits{
		PerMinute: ratelimit.EffectiveLimit(s.BaseLimits.PerMinute, tier),
		PerHour:   ratelimit.EffectiveLimit(s.BaseLimits.PerHour, tier),
		PerDay:    ratelimit.EffectiveLimit(s.BaseLimits.PerDay, tier),
	}
}

// decideRequest deliberately has no actor or role fields. The acting
// identity always comes from the authenticated principal; tenant_id names
// the tenant owning the target resource and defaults to the caller's own.
type decideRequest struct {
	ActionType string            `json:"action_type"`
	Sector     string            `json:"sector"`
	ResourceID string            `json:"resource_id"`
	TenantID   string            `json:"tenant_id"`
	Metadata   map[string]string `json:"metadata"`
}

type decideResponse struct {
	Decision   models.Decision `json:"decision"`
	ApprovalID string          `json:"approval_id,omitempty"`
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteErrorDetail(w, http.StatusBadRequest, httpx.CodeInvalidRequest, "invalid JSON body")
		return
	}
	target := strings.TrimSpace(req.TenantID)
	if target == "" {
		target = p.Tenant
	}
	if !auth.SameTenant(p, target) {
		s.securityEvent(r, p, "decide.cross_tenant", req.ResourceID, target)
		httpx.WriteError(w, http.StatusForbidden, httpx.CodeCrossTenant)
		return
	}
	gc := models.GovernanceContext{
		Actor:      p.ResolveActor(),
		ActionType: models.ActionType(strings.ToLower(strings.TrimSpace(req.ActionType))),
		Sector:     models.Sector(strings.ToLower(strings.TrimSpace(req.Sector))),
		ResourceID: req.ResourceID,
		Metadata:   req.Metadata,
	}
	decision, err := s.Engine.Decide(r.Context(), gc)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, httpx.CodeInternal)
		return
	}
	s.Metrics.IncVerdict(string(decision.Verdict))
	s.Metrics.IncReason(decision.Reason)
	resp := decideResponse{Decision: decision}
	if decision.Verdict == models.VerdictRequiresApproval {
		pa, err := s.Approvals.Create(r.Context(), gc, decision.RequiredApprovers)
		if err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, httpx.CodeInternal)
			return
		}
		resp.ApprovalID = pa.ID
	}
	s.Events.Publish("decision.recorded", map[string]any{
		"verdict": decision.Verdict,
		"reason":  decision.Reason,
		"sector":  gc.Sector,
		"action":  gc.ActionType,
	})
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) listApprovals(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	f := approval.ListFilter{
		TenantID: p.Tenant,
		Status:   models.ApprovalStatus(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status")))),
		Limit:    queryInt(r, "limit", 100),
	}
	items, err := s.Approvals.List(r.Context(), f)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, httpx.CodeInternal)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"approvals": items})
}

func (s *Server) getApproval(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	pa, err := s.Approvals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeApprovalError(w, err)
		return
	}
	// Foreign-tenant entries read as missing so ids cannot be probed.
	if !auth.SameTenant(p, pa.Context.Actor.OrganizationID) {
		httpx.WriteError(w, http.StatusNotFound, httpx.CodeNotFound)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, pa)
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	s.signApproval(w, r, s.Approvals.Approve)
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request) {
	s.signApproval(w, r, s.Approvals.Reject)
}

func (s *Server) signApproval(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id, approver string) (models.PendingApproval, error)) {
	p, _ := auth.PrincipalFromContext(r.Context())
	id := chi.URLParam(r, "id")
	current, err := s.Approvals.Get(r.Context(), id)
	if err != nil {
		s.writeApprovalError(w, err)
		return
	}
	if !auth.SameTenant(p, current.Context.Actor.OrganizationID) {
		httpx.WriteError(w, http.StatusNotFound, httpx.CodeNotFound)
		return
	}
	approver := callerApprover(p)
	if approver == "" {
		httpx.WriteError(w, http.StatusUnauthorized, httpx.CodeMissingAuth)
		return
	}
	pa, err := op(r.Context(), id, approver)
	if err != nil {
		s.writeApprovalError(w, err)
		return
	}
	if pa.Status != current.Status {
		s.Metrics.IncApprovalState(string(pa.Status))
	}
	httpx.WriteJSON(w, http.StatusOK, pa)
}

// callerApprover maps the principal to the identity compared against the
// required-approver set. Sessions sign with their email handle, keys with
// their registered name.
func callerApprover(p auth.Principal) string {
	switch p.Method {
	case "session":
		if p.Actor.Email != "" {
			return p.Actor.Email
		}
		return p.Actor.ID
	case "api_key":
		if p.Key != nil {
			return p.Key.Name
		}
	case "anonymous":
		return p.Actor.ID
	}
	return ""
}

func (s *Server) writeApprovalError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, httpx.CodeNotFound)
	case errors.Is(err, approval.ErrNotRequiredApprover):
		httpx.WriteError(w, http.StatusForbidden, httpx.CodeNotApprover)
	case errors.Is(err, approval.ErrTerminal):
		httpx.WriteError(w, http.StatusConflict, httpx.CodeConflict)
	default:
		httpx.WriteError(w, http.StatusInternalServerError, httpx.CodeInternal)
	}
}

func (s *Server) queryAudit(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	q := r.URL.Query()
	f := audit.Filter{
		ActorID:  strings.TrimSpace(q.Get("actor_id")),
		TenantID: p.Tenant,
		Action:   strings.TrimSpace(q.Get("action")),
		Verdict:  models.Verdict(strings.ToLower(strings.TrimSpace(q.Get("verdict")))),
		Severity: models.AuditSeverity(strings.ToLower(strings.TrimSpace(q.Get("severity")))),
		Limit:    queryInt(r, "limit", 100),
	}
	if v := strings.TrimSpace(q.Get("since")); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httpx.WriteErrorDetail(w, http.StatusBadRequest, httpx.CodeInvalidRequest, "since must be RFC3339")
			return
		}
		f.Since = t
	}
	if v := strings.TrimSpace(q.Get("until")); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httpx.WriteErrorDetail(w, http.StatusBadRequest, httpx.CodeInvalidRequest, "until must be RFC3339")
			return
		}
		f.Until = t
	}
	entries, err := s.Audit.Query(r.Context(), f)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, httpx.CodeInternal)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) getAuditEntry(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	e, err := s.Audit.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			httpx.WriteError(w, http.StatusNotFound, httpx.CodeNotFound)
			return
		}
		httpx.WriteError(w, http.StatusInternalServerError, httpx.CodeInternal)
		return
	}
	if e.TenantID != "" && !auth.SameTenant(p, e.TenantID) {
		httpx.WriteError(w, http.StatusNotFound, httpx.CodeNotFound)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, e)
}

type createKeyRequest struct {
	Name       string               `json:"name"`
	Role       string               `json:"role"`
	Scopes     []string             `json:"scopes"`
	Tier       string               `json:"tier"`
	RateLimits models.KeyRateLimits `json:"rate_limits"`
}

func (s *Server) createKey(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := s.keyAdmin(w, r)
	if !ok {
		return
	}
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteErrorDetail(w, http.StatusBadRequest, httpx.CodeInvalidRequest, "invalid JSON body")
		return
	}
	scopes := make([]models.Scope, 0, len(req.Scopes))
	for _, raw := range req.Scopes {
		scope, ok := models.ParseScope(raw)
		if !ok {
			httpx.WriteErrorDetail(w, http.StatusBadRequest, httpx.CodeInvalidRequest, "unknown scope: "+raw)
			return
		}
		scopes = append(scopes, scope)
	}
	issued, err := s.Keys.Issue(r.Context(), tenantID, req.Name, models.Role(strings.ToLower(strings.TrimSpace(req.Role))), scopes, ratelimit.ParseTier(req.Tier), req.RateLimits)
	if err != nil {
		httpx.WriteErrorDetail(w, http.StatusBadRequest, httpx.CodeInvalidRequest, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"key":    issued.Key,
		"secret": issued.Secret,
	})
}

func (s *Server) listKeys(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := s.keyAdmin(w, r)
	if !ok {
		return
	}
	keys, err := s.Keys.List(r.Context(), tenantID)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, httpx.CodeInternal)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) revokeKey(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := s.keyAdmin(w, r)
	if !ok {
		return
	}
	err := s.Keys.Revoke(r.Context(), tenantID, chi.URLParam(r, "keyID"))
	if err != nil {
		if errors.Is(err, apikey.ErrNotFound) {
			httpx.WriteError(w, http.StatusNotFound, httpx.CodeNotFound)
			return
		}
		httpx.WriteError(w, http.StatusInternalServerError, httpx.CodeInternal)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// keyAdmin runs the shared guards for key management: the caller must belong
// to the tenant in the path, and session callers additionally need the
// manage-keys permission (owners hold it implicitly).
func (s *Server) keyAdmin(w http.ResponseWriter, r *http.Request) (auth.Principal, string, bool) {
	p, _ := auth.PrincipalFromContext(r.Context())
	tenantID := chi.URLParam(r, "tenantID")
	if !auth.SameTenant(p, tenantID) {
		s.securityEvent(r, p, "apikeys.cross_tenant", tenantID, tenantID)
		httpx.WriteError(w, http.StatusForbidden, httpx.CodeCrossTenant)
		return p, "", false
	}
	if p.Method == "session" && p.Actor.Role != models.RoleOwner && !p.Actor.HasPermission(models.PermManageKeys) {
		httpx.WriteError(w, http.StatusForbidden, httpx.CodeOwnerOnly)
		return p, "", false
	}
	return p, tenantID, true
}

// securityEvent records a cross-tenant or similar violation as a security
// audit entry, bumps the counter and notifies live subscribers. A failed
// append on this class of entry is itself an incident: it is logged and
// counted, never swallowed.
func (s *Server) securityEvent(r *http.Request, p auth.Principal, action, resource, targetTenant string) {
	actorID := p.ResolveActor().ID
	if actorID == "" {
		actorID = "unknown"
	}
	detail, _ := json.Marshal(map[string]string{
		"caller_tenant": p.Tenant,
		"target_tenant": targetTenant,
		"remote_ip":     httpx.ClientIP(r, s.TrustProxy),
	})
	if _, err := s.Audit.Append(r.Context(), models.AuditEntry{
		ActorID:  actorID,
		TenantID: p.Tenant,
		Action:   action,
		Resource: resource,
		Verdict:  models.VerdictDeny,
		Reason:   "cross_tenant_access_denied",
		Severity: models.SeveritySecurity,
		Details:  detail,
	}); err != nil {
		log.Printf("security audit append failed (action=%s tenant=%s): %v", action, p.Tenant, err)
		s.Metrics.IncAuditFailure()
	}
	s.Metrics.IncSecurityEvent()
	s.Events.Publish("security.cross_tenant", map[string]string{
		"action":        action,
		"caller_tenant": p.Tenant,
		"target_tenant": targetTenant,
	})
}

type assistRequest struct {
	Prompt   string            `json:"prompt"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// assist proxies a prompt to the configured AI provider through the
// backoff-aware caller. Throttle exhaustion surfaces as 503 so clients
// distinguish provider pressure from governor errors.
func (s *Server) assist(w http.ResponseWriter, r *http.Request) {
	if s.Assist == nil {
		httpx.WriteError(w, http.StatusServiceUnavailable, httpx.CodeUpstream)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.WriteErrorDetail(w, http.StatusBadRequest, httpx.CodeInvalidRequest, "unreadable body")
		return
	}
	var req assistRequest
	if err := json.Unmarshal(body, &req); err != nil || strings.TrimSpace(req.Prompt) == "" {
		httpx.WriteErrorDetail(w, http.StatusBadRequest, httpx.CodeInvalidRequest, "prompt required")
		return
	}
	status, respBody, err := s.Assist.PostJSON(r.Context(), "/v1/complete", body)
	if err != nil {
		if upstream.IsRateLimit(err) {
			s.Metrics.IncUpstreamRetry()
		}
		httpx.WriteError(w, http.StatusServiceUnavailable, httpx.CodeUpstream)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(respBody)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.WriteError(w, http.StatusServiceUnavailable, httpx.CodeInternal)
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func queryInt(r *http.Request, name string, def int) int {
	if v := strings.TrimSpace(r.URL.Query().Get(name)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
