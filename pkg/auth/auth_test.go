package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"govcore/pkg/apikey"
	"govcore/pkg/models"
	"govcore/pkg/ratelimit"
)

const testSecret = "unit-test-secret"

func signedToken(t *testing.T, claims TokenClaims) string {
	t.Helper()
	if claims.Exp == 0 {
		claims.Exp = time.Now().Add(time.Hour).Unix()
	}
	token, err := SignHS256Token(claims, testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestTokenRoundTrip(t *testing.T) {
	token := signedToken(t, TokenClaims{
		Sub:         "u1",
		Email:       "u1@example.com",
		Role:        "Admin",
		Org:         "t1",
		Permissions: []string{"read", "delete"},
	})
	claims, err := VerifyHS256Token(token, testSecret, time.Now().UTC(), "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	actor := claims.Actor()
	if actor.ID != "u1" || actor.Role != models.RoleAdmin || actor.OrganizationID != "t1" {
		t.Fatalf("unexpected actor: %+v", actor)
	}
	if len(actor.Permissions) != 2 || actor.Permissions[1] != models.PermDelete {
		t.Fatalf("unexpected permissions: %v", actor.Permissions)
	}
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	good := signedToken(t, TokenClaims{Sub: "u1", Role: "admin", Org: "t1"})
	now := time.Now().UTC()

	if _, err := VerifyHS256Token(good, "wrong-secret", now, ""); err == nil {
		t.Fatalf("wrong secret must fail")
	}
	if _, err := VerifyHS256Token("not.a.token", testSecret, now, ""); err == nil {
		t.Fatalf("malformed token must fail")
	}
	expired := signedToken(t, TokenClaims{Sub: "u1", Role: "admin", Org: "t1", Exp: now.Add(-time.Minute).Unix()})
	if _, err := VerifyHS256Token(expired, testSecret, now, ""); err == nil {
		t.Fatalf("expired token must fail")
	}
	wrongIssuer := signedToken(t, TokenClaims{Sub: "u1", Role: "admin", Org: "t1", Iss: "other"})
	if _, err := VerifyHS256Token(wrongIssuer, testSecret, now, "govcore"); err == nil {
		t.Fatalf("issuer mismatch must fail")
	}
}

func echoPrincipal() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFromContext(r.Context())
		_ = json.NewEncoder(w).Encode(map[string]string{"method": p.Method, "tenant": p.Tenant})
	})
}

func TestMiddlewareRequiresCredentials(t *testing.T) {
	handler := Middleware(MiddlewareConfig{Mode: "on", Secret: testSecret})(echoPrincipal())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &payload)
	if payload.Error.Code != "MISSING_AUTH" {
		t.Fatalf("expected MISSING_AUTH, got %s", payload.Error.Code)
	}
}

func TestMiddlewareSessionToken(t *testing.T) {
	handler := Middleware(MiddlewareConfig{Mode: "on", Secret: testSecret})(echoPrincipal())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, TokenClaims{Sub: "u1", Role: "owner", Org: "t1"}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	if out["method"] != "session" || out["tenant"] != "t1" {
		t.Fatalf("unexpected principal: %v", out)
	}
}

func TestMiddlewareAPIKey(t *testing.T) {
	store := apikey.NewMemoryStore()
	svc, _ := apikey.NewService(store)
	issued, err := svc.Issue(context.Background(), "t2", "ci", models.RoleViewer, []models.Scope{models.ScopeDecide}, ratelimit.TierFree, models.KeyRateLimits{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	handler := Middleware(MiddlewareConfig{Mode: "on", Secret: testSecret, Keys: svc})(echoPrincipal())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", issued.Secret)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	if out["method"] != "api_key" || out["tenant"] != "t2" {
		t.Fatalf("unexpected principal: %v", out)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "gk_nope_nope")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad key must 401, got %d", rec.Code)
	}
}

func TestRequireScope(t *testing.T) {
	key := models.APIKey{ID: "k1", TenantID: "t1", Scopes: []models.Scope{models.ScopeDecide}, IsActive: true}
	gate := RequireScope(models.ScopeKeysManage)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithPrincipal(req.Context(), Principal{Method: "api_key", Key: &key, Tenant: "t1"}))
	rec := httptest.NewRecorder()
	gate.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("missing scope must 403, got %d", rec.Code)
	}

	// Session principals carry implicit scopes.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithPrincipal(req.Context(), Principal{Method: "session", Tenant: "t1"}))
	rec = httptest.NewRecorder()
	gate.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("session must pass scope gate, got %d", rec.Code)
	}
}

func TestResolveActorIgnoresClientInput(t *testing.T) {
	key := models.APIKey{ID: "k9", TenantID: "t1", Role: models.RoleEditor, IsActive: true}
	p := Principal{Method: "api_key", Key: &key, Tenant: "t1"}
	actor := p.ResolveActor()
	if actor.ID != "key:k9" || actor.Role != models.RoleEditor || actor.OrganizationID != "t1" {
		t.Fatalf("key actor must come from the stored record: %+v", actor)
	}

	// A legacy record without a role acts as viewer, never more.
	p.Key = &models.APIKey{ID: "k0", TenantID: "t1", IsActive: true}
	if got := p.ResolveActor().Role; got != models.RoleViewer {
		t.Fatalf("missing key role must resolve to viewer, got %q", got)
	}

	session := Principal{Method: "session", Actor: models.Actor{ID: "u1", Role: models.RoleAdmin, OrganizationID: "t1"}, Tenant: "t1"}
	got := session.ResolveActor()
	if got.ID != "u1" || got.Role != models.RoleAdmin || got.OrganizationID != "t1" {
		t.Fatalf("session actor must be the verified claims actor: %+v", got)
	}
}

func TestSameTenant(t *testing.T) {
	p := Principal{Method: "api_key", Tenant: "t1"}
	if !SameTenant(p, "t1") || SameTenant(p, "t2") {
		t.Fatalf("tenant check broken")
	}
	if !SameTenant(Principal{Method: "anonymous"}, "anything") {
		t.Fatalf("anonymous dev principal must pass")
	}
}
