package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/models"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/ratelimit"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/security"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/store"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func newLimiter(kv store.KV, cfg RateLimiterConfig) *RateLimiter {
	return NewRateLimiter(ratelimit.New(kv), kv, zerolog.New(io.Discard), cfg)
}

func TestRateLimiter_Whitelist(t *testing.T) {
	kv := store.NewMemoryStore()
	rl := newLimiter(kv, RateLimiterConfig{Whitelist: []string{"10.0.0.1", "192.168.0.0/16", "bad/cidr"}})

	tests := []struct {
		ip   string
		want bool
	}{
		{"10.0.0.1", true},
		{"192.168.4.20", true},
		{"10.0.0.2", false},
		{"not-an-ip", false},
	}
	for _, tt := range tests {
		if got := rl.isWhitelisted(tt.ip); got != tt.want {
			t.Errorf("isWhitelisted(%q) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

func TestRateLimiter_BlockedIP(t *testing.T) {
	kv := store.NewMemoryStore()
	rl := newLimiter(kv, RateLimiterConfig{})
	if err := rl.blocker.Block(context.Background(), "203.0.113.9", time.Hour, "test"); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	rec := httptest.NewRecorder()
	rl.Middleware(okHandler).ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	if err := rl.blocker.Unblock(context.Background(), "203.0.113.9"); err != nil {
		t.Fatal(err)
	}
	rec = httptest.NewRecorder()
	rl.Middleware(okHandler).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after unblock, got %d", rec.Code)
	}
}

func TestRateLimiter_AutoBlock(t *testing.T) {
	kv := store.NewMemoryStore()
	rl := newLimiter(kv, RateLimiterConfig{AutoBlockEnabled: true})
	ctx := context.Background()

	for i := 0; i < 11; i++ {
		rl.trackViolation(ctx, "198.51.100.7")
	}
	if !rl.blocker.IsBlocked(ctx, "198.51.100.7") {
		t.Fatal("expected repeat offender to be blocked")
	}
}

func TestRateLimiter_TieredUsesPolicy(t *testing.T) {
	kv := store.NewMemoryStore()
	rl := newLimiter(kv, RateLimiterConfig{})
	sc := security.ForPrincipal(&models.Principal{Tier: models.TierFree})
	limit := ratelimit.PolicyFor(models.TierFree).Requests

	var rec *httptest.ResponseRecorder
	for i := 0; i <= limit; i++ {
		req := httptest.NewRequest(http.MethodGet, "/queue/jobs", nil)
		req = req.WithContext(security.WithContext(req.Context(), sc))
		rec = httptest.NewRecorder()
		rl.Tiered(okHandler).ServeHTTP(rec, req)
		if i < limit && rec.Code != http.StatusOK {
			t.Fatalf("request %d rejected early", i)
		}
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after %d requests, got %d", limit, rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestRequirePermission(t *testing.T) {
	h := RequirePermission(security.PermLogsRead)(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/logs", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for anonymous caller, got %d", rec.Code)
	}

	sc := security.ForPrincipal(&models.Principal{Tier: models.TierEnterprise})
	req = req.WithContext(security.WithContext(req.Context(), sc))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for enterprise caller, got %d", rec.Code)
	}
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/who/abc":                    "/who/:id",
		"/queue/jobs":                 "/queue/:name",
		"/queue/jobs/dequeue":         "/queue/:name/dequeue",
		"/stream/conversation:1":      "/stream/:channel",
		"/conversations/c1/broadcast": "/conversations/:id/broadcast",
		"/health":                     "/health",
	}
	for in, want := range tests {
		if got := normalizePath(in); got != want {
			t.Errorf("normalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLogger_RecordsAuthenticatedCaller(t *testing.T) {
	var buf bytes.Buffer
	sc := security.ForPrincipal(&models.Principal{Tier: models.TierPro})
	sc.UserID = "agent-1"

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		annotateCaller(r.Context(), sc)
		w.WriteHeader(http.StatusCreated)
	})
	req := httptest.NewRequest(http.MethodPost, "/queue/jobs", nil)
	Logger(zerolog.New(&buf))(inner).ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	for _, want := range []string{`"agent":"agent-1"`, `"tier":"pro"`, `"status":201`} {
		if !strings.Contains(out, want) {
			t.Errorf("log line %s missing %s", out, want)
		}
	}
}

func TestSecurityHeaders_HSTSOnlyOverTLS(t *testing.T) {
	h := SecurityHeaders(okHandler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS sent over plain HTTP")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing nosniff")
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Error("expected HSTS behind a TLS proxy")
	}
}

func TestValidateRequest(t *testing.T) {
	h := ValidateRequest(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/stream/a?from=..%2F..", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for traversal pattern, got %d", rec.Code)
	}
}
