package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	fixed := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return fixed }

	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	hit := func(path, ip string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = ip + ":1234"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	for i := 0; i < 2; i++ {
		if code := hit("/api/me", "10.0.0.1"); code != http.StatusNoContent {
			t.Fatalf("request %d: expected 204 got %d", i, code)
		}
	}
	if code := hit("/api/me", "10.0.0.1"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", code)
	}
	if code := hit("/api/me", "10.0.0.2"); code != http.StatusNoContent {
		t.Fatalf("other client should pass, got %d", code)
	}
	if code := hit("/dashboard", "10.0.0.1"); code != http.StatusNoContent {
		t.Fatalf("pages are not limited, got %d", code)
	}

	rl.now = func() time.Time { return fixed.Add(time.Hour) }
	rl.Sweep()
	if len(rl.entries) != 0 {
		t.Fatalf("expected sweep to drop idle limiters, have %d", len(rl.entries))
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1")
	if got := clientIP(req); got != "1.2.3.4" {
		t.Fatalf("got %q", got)
	}
}
