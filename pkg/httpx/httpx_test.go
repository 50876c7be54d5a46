package httpx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing nosniff header")
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("missing cache-control header")
	}
}

func TestCORSAllowlist(t *testing.T) {
	mw := CORSMiddleware("https://app.example.com")
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Fatalf("allowed origin not reflected")
	}

	req = httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("preflight from unknown origin must be rejected, got %d", rec.Code)
	}
}

func TestWriteErrorEnvelopeIsBilingual(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusForbidden, CodeCrossTenant)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status: %d", rec.Code)
	}
	var payload struct {
		Error struct {
			Code    string            `json:"code"`
			Message map[string]string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Error.Code != CodeCrossTenant {
		t.Fatalf("code: %s", payload.Error.Code)
	}
	if payload.Error.Message["en"] == "" || payload.Error.Message["es"] == "" {
		t.Fatalf("both languages required: %v", payload.Error.Message)
	}
}

func TestWriteErrorUnknownCodeFallsBack(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusTeapot, "NO_SUCH_CODE")
	if !strings.Contains(rec.Body.String(), "NO_SUCH_CODE") {
		t.Fatalf("code must pass through: %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "internal error") {
		t.Fatalf("expected fallback text: %s", rec.Body.String())
	}
}

func TestWriteRateLimited(t *testing.T) {
	rec := httptest.NewRecorder()
	resetAt := time.Now().Add(30 * time.Second)
	WriteRateLimited(rec, 100, resetAt)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status: %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" || rec.Header().Get("Retry-After") == "0" {
		t.Fatalf("retry-after: %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Limit") != "100" || rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("rate limit headers: %v", rec.Header())
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.5:4431"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := ClientIP(req, false); got != "10.0.0.5" {
		t.Fatalf("untrusted proxy must use the socket address, got %s", got)
	}
	if got := ClientIP(req, true); got != "203.0.113.9" {
		t.Fatalf("trusted proxy must use the first forwarded hop, got %s", got)
	}
}

func TestMaxBodyMiddleware(t *testing.T) {
	mw := MaxBodyMiddleware(8)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var v map[string]any
		if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
			WriteError(w, http.StatusBadRequest, CodeInvalidRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"prompt":"way past the cap"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("oversized body must be rejected, got %d", rec.Code)
	}
}
