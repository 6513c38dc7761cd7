package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"apotekpos/backend/internal/store"
)

func TestCSRFRequiredForMutations(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sales", bytes.NewBufferString(`{"items":[]}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+env.cashierToken)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("POST without CSRF token returned %d, want 403", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/sales", bytes.NewBufferString(`{"items":[]}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+env.cashierToken)
	req.Header.Set("X-CSRF-Token", "forged")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("POST with forged CSRF token returned %d, want 403", rec.Code)
	}
}

func TestLoginIsCSRFExempt(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewBufferString(`{"username":"admin","password":"admin123"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login without CSRF token returned %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCSRFTokenEndpointAndValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/auth/csrf-token", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("csrf-token returned %d", rec.Code)
	}

	token := env.api.generateCSRFToken()
	if !env.api.validateCSRFToken(token) {
		t.Fatalf("freshly issued token rejected")
	}

	// Tokens from the previous hour bucket are still good.
	prev := env.api.csrfTokenForHour(time.Now().UTC().Truncate(time.Hour).Unix() - 3600)
	if !env.api.validateCSRFToken(prev) {
		t.Fatalf("previous-hour token rejected")
	}

	stale := env.api.csrfTokenForHour(time.Now().UTC().Truncate(time.Hour).Unix() - 7200)
	if env.api.validateCSRFToken(stale) {
		t.Fatalf("two-hour-old token accepted")
	}
	if env.api.validateCSRFToken("") {
		t.Fatalf("empty token accepted")
	}
}

func TestGETSkipsCSRF(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET blocked by CSRF check: %d", rec.Code)
	}
}

func TestLoginRateLimit(t *testing.T) {
	env := newTestEnv(t)

	var last int
	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewBufferString(`{"username":"admin","password":"wrong"}`))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "203.0.113.9:4567"
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("sixth login attempt returned %d, want 429", last)
	}
}

func TestAttemptLimiterWindow(t *testing.T) {
	limiter := newAttemptLimiter(2, 50*time.Millisecond)

	if !limiter.Allow("k") || !limiter.Allow("k") {
		t.Fatalf("first attempts within budget were denied")
	}
	if limiter.Allow("k") {
		t.Fatalf("attempt over budget was allowed")
	}
	if !limiter.Allow("other") {
		t.Fatalf("limiter keys must be independent")
	}

	time.Sleep(60 * time.Millisecond)
	if !limiter.Allow("k") {
		t.Fatalf("attempt after window expiry was denied")
	}
}

func TestClientKeyStripsPort(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.7:52011"
	if got := clientKey(req); got != "198.51.100.7" {
		t.Fatalf("clientKey = %q", got)
	}

	req.RemoteAddr = "[2001:db8::1]:443"
	if got := clientKey(req); got != "2001:db8::1" {
		t.Fatalf("clientKey for ipv6 = %q", got)
	}
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: stock-too-low:prd-x", store.ErrInsufficientStock), http.StatusConflict},
		{fmt.Errorf("%w: invalid-qty", store.ErrInvalidInput), http.StatusBadRequest},
		{store.ErrNotFound, http.StatusNotFound},
		{store.ErrSerializationFailure, http.StatusServiceUnavailable},
		{store.ErrSequenceCorrupted, http.StatusInternalServerError},
		{errors.New("admin role required"), http.StatusForbidden},
		{errors.New("authenticated actor required"), http.StatusForbidden},
		{errors.New("something odd"), http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		if got := statusForError(tc.err); got != tc.want {
			t.Fatalf("statusForError(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestParsePositiveLimit(t *testing.T) {
	if got := parsePositiveLimit("", 100, 500); got != 100 {
		t.Fatalf("empty = %d", got)
	}
	if got := parsePositiveLimit("25", 100, 500); got != 25 {
		t.Fatalf("25 = %d", got)
	}
	if got := parsePositiveLimit("9999", 100, 500); got != 500 {
		t.Fatalf("over max = %d", got)
	}
	if got := parsePositiveLimit("-3", 100, 500); got != 100 {
		t.Fatalf("negative = %d", got)
	}
	if got := parsePositiveLimit("abc", 100, 500); got != 100 {
		t.Fatalf("garbage = %d", got)
	}
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)

	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing nosniff header")
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatalf("missing frame options header")
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:5173" {
		t.Fatalf("unexpected CORS origin %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestPreflightShortCircuits(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/sales", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight returned %d, want 204", rec.Code)
	}
}
