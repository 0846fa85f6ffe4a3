package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

// fakeClock is advanced by hand so refill timing is exact.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(perSecond float64, burst int) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, time.October, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLimiter(perSecond, burst)
	l.now = clock.now
	return l, clock
}

func validate(h http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/vat/numbers/validate", strings.NewReader(`{"vat_number":"DE123456789"}`))
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLimiter_ValidationQuota(t *testing.T) {
	l, clock := newTestLimiter(30.0/60.0, 10)
	h := l.Middleware(okHandler)

	for i := 0; i < 10; i++ {
		rec := validate(h, "203.0.113.7:4000")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d, want 200", i+1, rec.Code)
		}
		if got, want := rec.Header().Get("X-RateLimit-Remaining"), strconv.Itoa(9 - i); got != want {
			t.Errorf("request %d: remaining %s, want %s", i+1, got, want)
		}
	}

	rec := validate(h, "203.0.113.7:4000")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("11th request: status %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}
	if !strings.Contains(rec.Body.String(), "rate limit exceeded") {
		t.Errorf("body = %q", rec.Body.String())
	}

	// 30 per minute refills one token every two seconds.
	clock.advance(time.Second)
	if rec := validate(h, "203.0.113.7:4000"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("after 1s: status %d, want 429", rec.Code)
	}
	clock.advance(time.Second)
	if rec := validate(h, "203.0.113.7:4000"); rec.Code != http.StatusOK {
		t.Errorf("after 2s: status %d, want 200", rec.Code)
	}

	// A long pause restores the whole burst, never more.
	clock.advance(time.Hour)
	for i := 0; i < 10; i++ {
		if rec := validate(h, "203.0.113.7:4000"); rec.Code != http.StatusOK {
			t.Fatalf("refilled request %d: status %d", i+1, rec.Code)
		}
	}
	if rec := validate(h, "203.0.113.7:4000"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("burst exceeded after refill: status %d, want 429", rec.Code)
	}
}

func TestLimiter_ClientsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(0.5, 1)
	h := l.Middleware(okHandler)

	if rec := validate(h, "203.0.113.7:4000"); rec.Code != http.StatusOK {
		t.Fatalf("first client: status %d", rec.Code)
	}
	if rec := validate(h, "203.0.113.7:4001"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("same address on another port: status %d, want 429", rec.Code)
	}
	if rec := validate(h, "198.51.100.2:4000"); rec.Code != http.StatusOK {
		t.Errorf("second client: status %d, want 200", rec.Code)
	}
}

func TestLimiter_ExemptPaths(t *testing.T) {
	l, _ := newTestLimiter(0.5, 1)
	h := l.Middleware(okHandler)
	validate(h, "203.0.113.7:4000")

	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/health", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/api/v1/vat/countries", http.StatusTooManyRequests},
		{"/healthz", http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.path, nil)
		req.RemoteAddr = "203.0.113.7:4000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%s: status %d, want %d", tt.path, rec.Code, tt.want)
		}
		if tt.want == http.StatusOK && rec.Header().Get("X-RateLimit-Limit") != "" {
			t.Errorf("%s: exempt path should not carry rate limit headers", tt.path)
		}
	}
}

func TestLimiter_SweepsIdleClients(t *testing.T) {
	l, clock := newTestLimiter(1, 5)
	h := l.Middleware(okHandler)

	validate(h, "203.0.113.7:4000")
	validate(h, "198.51.100.2:4000")
	if len(l.clients) != 2 {
		t.Fatalf("clients = %d, want 2", len(l.clients))
	}

	clock.advance(sweepInterval)
	validate(h, "192.0.2.1:4000")
	if len(l.clients) != 1 {
		t.Errorf("clients after sweep = %d, want 1", len(l.clients))
	}
}

func TestLimiter_KeysOnResolvedClientIP(t *testing.T) {
	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("ParseTrustedProxies: %v", err)
	}
	l, _ := newTestLimiter(0.5, 1)
	h := RealIP(trusted)(l.Middleware(okHandler))

	send := func(remote, xff string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/vat/numbers/validate", nil)
		req.RemoteAddr = remote
		req.Header.Set("X-Forwarded-For", xff)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	// Rotating a spoofed header from an untrusted peer does not reset the quota.
	if code := send("203.0.113.7:4000", "1.1.1.1"); code != http.StatusOK {
		t.Fatalf("first: %d", code)
	}
	if code := send("203.0.113.7:4000", "2.2.2.2"); code != http.StatusTooManyRequests {
		t.Errorf("spoofed header bypassed limiter: status %d", code)
	}

	// Behind the proxy, distinct clients get distinct buckets.
	if code := send("10.0.0.1:5000", "198.51.100.2"); code != http.StatusOK {
		t.Errorf("proxied client A: %d", code)
	}
	if code := send("10.0.0.1:5000", "198.51.100.3"); code != http.StatusOK {
		t.Errorf("proxied client B: %d", code)
	}
	if code := send("10.0.0.1:5000", "198.51.100.2"); code != http.StatusTooManyRequests {
		t.Errorf("proxied client A again: %d, want 429", code)
	}
}

func TestValidationRateLimiter_Burst(t *testing.T) {
	h := ValidationRateLimiter()(okHandler)
	for i := 0; i < 10; i++ {
		if rec := validate(h, "203.0.113.9:4000"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i+1, rec.Code)
		}
	}
	if rec := validate(h, "203.0.113.9:4000"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("11th request: status %d, want 429", rec.Code)
	}
}
