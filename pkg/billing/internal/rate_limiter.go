package internal

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a per client IP token bucket for webhook endpoints. Each
// key may burst up to limit requests and refills at limit per window.
type RateLimiter struct {
	mu            sync.Mutex
	entries       map[string]*limiterEntry
	limit         int
	window        time.Duration
	requestCount  int // counter for deterministic cleanup
	cleanupEvery  int // cleanup every N requests
	cleanupAtSize int // cleanup when map size exceeds this
	trustProxy    bool
	now           func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiterOption customizes a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithTrustedProxy makes the limiter key on the first X-Forwarded-For hop.
// Only enable it behind a proxy that overwrites the header.
func WithTrustedProxy() RateLimiterOption {
	return func(rl *RateLimiter) { rl.trustProxy = true }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) RateLimiterOption {
	return func(rl *RateLimiter) { rl.now = now }
}

// NewRateLimiter creates a limiter allowing limit requests per window per key
func NewRateLimiter(limit int, window time.Duration, opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		entries:       make(map[string]*limiterEntry),
		limit:         limit,
		window:        window,
		cleanupEvery:  100,
		cleanupAtSize: 200,
		now:           time.Now,
	}
	if rl.limit < 1 {
		rl.limit = 1
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Allow consumes one token for key. When the bucket is empty it reports
// false and the time the next token is available.
func (rl *RateLimiter) Allow(key string) (bool, time.Time) {
	rl.mu.Lock()
	now := rl.now()

	rl.requestCount++
	if rl.requestCount%rl.cleanupEvery == 0 || len(rl.entries) > rl.cleanupAtSize {
		rl.cleanupIdle(now)
		if rl.requestCount >= rl.cleanupEvery*10 {
			rl.requestCount = 0
		}
	}

	entry := rl.entries[key]
	if entry == nil {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Every(rl.window/time.Duration(rl.limit)), rl.limit),
		}
		rl.entries[key] = entry
	}
	entry.lastSeen = now
	rl.mu.Unlock()

	r := entry.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, now.Add(rl.window)
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, now.Add(delay)
	}
	return true, now
}

// an entry idle for a full window has refilled and can be dropped
func (rl *RateLimiter) cleanupIdle(now time.Time) {
	for key, e := range rl.entries {
		if now.Sub(e.lastSeen) > rl.window {
			delete(rl.entries, key)
		}
	}
}

// Cleanup removes entries idle for longer than the window.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.cleanupIdle(rl.now())
}

// Size returns the number of tracked keys.
func (rl *RateLimiter) Size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// Middleware wraps an HTTP handler with rate limiting. Rejected requests get
// 429 with a Retry-After header.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, retryAt := rl.Allow(rl.ClientIP(r))
		if !ok {
			retry := int(retryAt.Sub(rl.now()).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP extracts the client IP address from the request.
func (rl *RateLimiter) ClientIP(r *http.Request) string {
	if rl.trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
