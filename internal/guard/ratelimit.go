// Package guard protects the mutating HTTP surface: a per-actor token-bucket
// rate limiter and an idempotency-key replay check.
package guard

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wagerline/platform/internal/auth"
)

// RateLimiter keeps one token bucket per actor. Buckets idle past the prune
// window are dropped.
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows ratePerSec requests sustained with the given burst.
func NewRateLimiter(ratePerSec float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		limit:   rate.Limit(ratePerSec),
		burst:   burst,
		buckets: make(map[string]*bucket),
	}
	go rl.prune()
	return rl
}

func (rl *RateLimiter) allow(actor string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[actor]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[actor] = b
	}
	b.lastSeen = time.Now()
	return b.limiter.Allow()
}

func (rl *RateLimiter) prune() {
	for range time.Tick(time.Minute) {
		cutoff := time.Now().Add(-10 * time.Minute)
		rl.mu.Lock()
		for actor, b := range rl.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(rl.buckets, actor)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware rejects over-limit requests with 429. Anonymous requests are
// keyed by client IP.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if !rl.allow(key) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"status":"error","error":{"kind":"backpressure","message":"rate limit exceeded"}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if actor, ok := auth.FromContext(r.Context()); ok && actor.ID != "" {
		return "actor:" + actor.ID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
