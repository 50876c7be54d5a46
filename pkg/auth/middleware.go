package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"govcore/pkg/apikey"
	"govcore/pkg/httpx"
	"govcore/pkg/models"
)

// Principal is the authenticated caller attached to each request context.
// Exactly one of the two shapes is populated: a session token resolves to an
// Actor with implicit full scopes, an API key resolves to the key record and
// its explicit scope list.
type Principal struct {
	Method string // "session", "api_key" or "anonymous"
	Actor  models.Actor
	Key    *models.APIKey
	Tenant string
}

// ResolveActor is the only way an Actor enters a request. Sessions yield the
// actor decoded from the verified token, keys yield a synthetic actor bound
// to the role fixed at issue time. Nothing a caller puts in a request body or
// query string ever reaches the returned value.
func (p Principal) ResolveActor() models.Actor {
	if p.Method == "api_key" && p.Key != nil {
		role := p.Key.Role
		if _, ok := models.ParseRole(string(role)); !ok {
			role = models.RoleViewer
		}
		return models.Actor{
			ID:             "key:" + p.Key.ID,
			Role:           role,
			OrganizationID: p.Key.TenantID,
		}
	}
	return p.Actor
}

// HasScope is true for session principals on any scope; key principals must
// carry the scope explicitly.
func (p Principal) HasScope(scope models.Scope) bool {
	if p.Method == "session" {
		return true
	}
	if p.Key == nil {
		return false
	}
	return apikey.HasScope(*p.Key, scope)
}

type contextKey string

const principalContextKey contextKey = "govcore.principal"

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalContextKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// KeyValidator is the slice of apikey.Service the middleware needs.
type KeyValidator interface {
	Validate(ctx context.Context, secret string) (models.APIKey, error)
}

type MiddlewareConfig struct {
	Mode   string // "off" or "on"
	Secret string
	Issuer string
	Keys   KeyValidator
	Now    func() time.Time
}

// Middleware resolves the caller exactly once per request. Secrets with the
// key prefix (from X-API-Key or a Bearer header) go through the key
// validator; everything else is treated as a service token. Mode "off"
// injects an anonymous owner-less viewer for local development; the
// hardening gate refuses that mode in production.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" || mode == "off" {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				p := Principal{Method: "anonymous", Actor: models.Actor{ID: "anonymous", Role: models.RoleViewer}}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
			})
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential := extractCredential(r)
			if credential == "" {
				httpx.WriteError(w, http.StatusUnauthorized, httpx.CodeMissingAuth)
				return
			}
			if strings.HasPrefix(credential, "gk_") {
				if cfg.Keys == nil {
					httpx.WriteError(w, http.StatusUnauthorized, httpx.CodeInvalidKey)
					return
				}
				key, err := cfg.Keys.Validate(r.Context(), credential)
				if err != nil {
					code := httpx.CodeInvalidKey
					if errors.Is(err, apikey.ErrRevoked) {
						code = httpx.CodeKeyRevoked
					}
					httpx.WriteError(w, http.StatusUnauthorized, code)
					return
				}
				p := Principal{Method: "api_key", Key: &key, Tenant: key.TenantID}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
				return
			}
			claims, err := VerifyHS256Token(credential, cfg.Secret, now().UTC(), cfg.Issuer)
			if err != nil {
				httpx.WriteError(w, http.StatusUnauthorized, httpx.CodeInvalidKey)
				return
			}
			actor := claims.Actor()
			p := Principal{Method: "session", Actor: actor, Tenant: actor.OrganizationID}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireScope gates an endpoint on a key scope. The check runs before any
// policy evaluation so an unscoped key never reaches the engine.
func RequireScope(scope models.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				httpx.WriteError(w, http.StatusUnauthorized, httpx.CodeMissingAuth)
				return
			}
			if !p.HasScope(scope) {
				httpx.WriteError(w, http.StatusForbidden, httpx.CodeInsufficientScope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SameTenant reports whether the principal may touch the tenant's resources.
// An empty principal tenant (anonymous dev mode) passes.
func SameTenant(p Principal, tenantID string) bool {
	if p.Tenant == "" {
		return true
	}
	return p.Tenant == tenantID
}

func extractCredential(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[len("Bearer "):])
	}
	return ""
}
