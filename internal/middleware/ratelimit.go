package middleware

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// unlimitedPaths bypass every limiter so probes and scrapes keep working
// while a client is throttled.
var unlimitedPaths = map[string]bool{
	"/api/v1/health": true,
	"/metrics":       true,
}

// sweepInterval is how often take evicts idle clients.
const sweepInterval = 5 * time.Minute

// Limiter keeps one token bucket per client address.
type Limiter struct {
	perSecond float64
	burst     float64
	now       func() time.Time

	mu        sync.Mutex
	clients   map[string]*allowance
	lastSweep time.Time
}

type allowance struct {
	tokens float64
	seen   time.Time
}

// NewLimiter allows burst requests at once per client, refilled at
// perSecond tokens per second.
func NewLimiter(perSecond float64, burst int) *Limiter {
	return &Limiter{
		perSecond: perSecond,
		burst:     float64(burst),
		now:       time.Now,
		clients:   make(map[string]*allowance),
	}
}

// take spends one token of key. When none is left it reports how long
// until the next one.
func (l *Limiter) take(key string) (remaining int, wait time.Duration, ok bool) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= sweepInterval {
		l.sweep(now)
		l.lastSweep = now
	}

	a, found := l.clients[key]
	if !found {
		a = &allowance{tokens: l.burst, seen: now}
		l.clients[key] = a
	}
	a.tokens = math.Min(l.burst, a.tokens+now.Sub(a.seen).Seconds()*l.perSecond)
	a.seen = now

	if a.tokens < 1 {
		if l.perSecond <= 0 {
			return 0, time.Hour, false
		}
		wait = time.Duration((1 - a.tokens) / l.perSecond * float64(time.Second))
		return 0, wait, false
	}
	a.tokens--
	return int(a.tokens), 0, true
}

// sweep drops clients whose bucket has refilled completely; forgetting
// them loses nothing.
func (l *Limiter) sweep(now time.Time) {
	full := sweepInterval
	if l.perSecond > 0 {
		full = max(full, time.Duration(l.burst/l.perSecond*float64(time.Second)))
	}
	for key, a := range l.clients {
		if now.Sub(a.seen) >= full {
			delete(l.clients, key)
		}
	}
}

// Middleware rejects requests over the limit with 429 and a Retry-After
// header. Requests are keyed by ClientIP.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	limit := strconv.Itoa(int(l.burst))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if unlimitedPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		remaining, wait, ok := l.take(ClientIP(r))
		w.Header().Set("X-RateLimit-Limit", limit)
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimiter is the general API limit.
func RateLimiter(perSecond float64, burst int) func(http.Handler) http.Handler {
	return NewLimiter(perSecond, burst).Middleware
}

// ValidationRateLimiter guards VAT number validation, where every request
// may reach VIES: 30 per minute per client with a burst of 10.
func ValidationRateLimiter() func(http.Handler) http.Handler {
	return RateLimiter(30.0/60.0, 10)
}
