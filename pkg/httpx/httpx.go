package httpx

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// SecurityHeadersMiddleware applies baseline hardening headers to API responses.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'")
		h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains; preload")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware enforces an explicit origin allowlist from comma-separated origins.
func CORSMiddleware(allowedOrigins string) func(http.Handler) http.Handler {
	allowed := map[string]struct{}{}
	allowAll := false
	for _, part := range strings.Split(allowedOrigins, ",") {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		if origin == "*" {
			allowAll = true
			continue
		}
		allowed[origin] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !allowAll {
				if _, ok := allowed[origin]; !ok {
					if r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != "" {
						WriteError(w, http.StatusForbidden, CodeOriginNotAllowed)
						return
					}
					next.ServeHTTP(w, r)
					return
				}
			}
			h := w.Header()
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization,Content-Type,X-API-Key")
			h.Set("Access-Control-Max-Age", "600")
			if r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MaxBodyMiddleware caps request body size so a single client cannot exhaust
// memory on JSON decode.
func MaxBodyMiddleware(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limit > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error codes returned in the machine-readable envelope. Clients branch on
// the code; the text is for humans.
const (
	CodeMissingAuth       = "MISSING_AUTH"
	CodeInvalidKey        = "INVALID_KEY"
	CodeKeyRevoked        = "KEY_REVOKED"
	CodeInsufficientScope = "INSUFFICIENT_SCOPES"
	CodeCrossTenant       = "CROSS_TENANT_ACCESS_DENIED"
	CodeOwnerOnly         = "OWNER_ONLY"
	CodeNotApprover       = "NOT_REQUIRED_APPROVER"
	CodeOriginNotAllowed  = "ORIGIN_NOT_ALLOWED"
	CodeRateLimited       = "RATE_LIMIT_EXCEEDED"
	CodeNotFound          = "NOT_FOUND"
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeConflict          = "CONFLICT"
	CodeUpstream          = "UPSTREAM_UNAVAILABLE"
	CodeInternal          = "INTERNAL_ERROR"
)

// messages carries the bilingual human text per code. Unknown codes fall
// back to the internal-error text rather than leaking the raw code.
var messages = map[string]struct{ en, es string }{
	CodeMissingAuth:       {"Authentication required.", "Se requiere autenticación."},
	CodeInvalidKey:        {"The provided API key is not valid.", "La clave de API proporcionada no es válida."},
	CodeKeyRevoked:        {"This API key has been revoked.", "Esta clave de API ha sido revocada."},
	CodeInsufficientScope: {"The key does not carry the required scope.", "La clave no tiene el alcance requerido."},
	CodeCrossTenant:       {"Access to another tenant's resources is not allowed.", "No se permite el acceso a recursos de otra organización."},
	CodeOwnerOnly:         {"Only the organization owner may perform this action.", "Solo el propietario de la organización puede realizar esta acción."},
	CodeNotApprover:       {"The caller is not one of the required approvers.", "El solicitante no es uno de los aprobadores requeridos."},
	CodeOriginNotAllowed:  {"Origin not allowed.", "Origen no permitido."},
	CodeRateLimited:       {"Rate limit exceeded. Try again later.", "Límite de solicitudes excedido. Inténtelo más tarde."},
	CodeNotFound:          {"The requested resource was not found.", "No se encontró el recurso solicitado."},
	CodeInvalidRequest:    {"The request is malformed.", "La solicitud no es válida."},
	CodeConflict:          {"The resource is in a conflicting state.", "El recurso está en un estado conflictivo."},
	CodeUpstream:          {"The upstream provider is unavailable.", "El proveedor externo no está disponible."},
	CodeInternal:          {"An internal error occurred.", "Se produjo un error interno."},
}

type errorBody struct {
	Code    string            `json:"code"`
	Message map[string]string `json:"message"`
	Detail  string            `json:"detail,omitempty"`
}

// WriteError emits the coded envelope with bilingual text.
func WriteError(w http.ResponseWriter, status int, code string) {
	WriteErrorDetail(w, status, code, "")
}

func WriteErrorDetail(w http.ResponseWriter, status int, code, detail string) {
	msg, ok := messages[code]
	if !ok {
		msg = messages[CodeInternal]
	}
	WriteJSON(w, status, map[string]any{"error": errorBody{
		Code:    code,
		Message: map[string]string{"en": msg.en, "es": msg.es},
		Detail:  detail,
	}})
}

// SetRateLimitHeaders advertises the state of the tightest window on every
// limited endpoint, whether or not the request was throttled.
func SetRateLimitHeaders(w http.ResponseWriter, limit, remaining int, resetAt time.Time) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	if remaining < 0 {
		remaining = 0
	}
	h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
}

// WriteRateLimited emits the 429 envelope with a Retry-After hint.
func WriteRateLimited(w http.ResponseWriter, limit int, resetAt time.Time) {
	SetRateLimitHeaders(w, limit, 0, resetAt)
	retryAfter := int(time.Until(resetAt).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	WriteError(w, http.StatusTooManyRequests, CodeRateLimited)
}

// ClientIP resolves the caller address. X-Forwarded-For is honored only when
// the listener sits behind a trusted proxy; otherwise a client could spoof
// its way into a fresh rate-limit bucket.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return ip
			}
		}
		if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
			return rip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
