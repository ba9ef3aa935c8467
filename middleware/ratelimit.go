package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tessera/auth"
)

// RateLimiter throttles requests per credential. Buckets key on the SHA-256
// of the full bearer token — never a prefix, which collides — falling back
// to the client IP for unauthenticated paths.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitorEntry

	perMinute int
	burst     int
	clockNow  func() time.Time
}

type visitorEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter constructs a limiter allowing perMinute requests per bucket.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	burst := perMinute / 4
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		visitors:  make(map[string]*visitorEntry),
		perMinute: perMinute,
		burst:     burst,
		clockNow:  time.Now,
	}
}

// Middleware rejects over-limit requests with 429.
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		limiter := r.obtainLimiter(bucketKey(req))
		if !limiter.AllowN(r.clockNow(), 1) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"code":"rate_limited","message":"too many requests"}}`))
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *RateLimiter) obtainLimiter(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clockNow()
	if entry, ok := r.visitors[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}
	// Opportunistic prune of stale buckets.
	for k, entry := range r.visitors {
		if now.Sub(entry.lastSeen) > 10*time.Minute {
			delete(r.visitors, k)
		}
	}
	limiter := rate.NewLimiter(rate.Limit(float64(r.perMinute)/60.0), r.burst)
	r.visitors[key] = &visitorEntry{limiter: limiter, lastSeen: now}
	return limiter
}

func bucketKey(req *http.Request) string {
	authz := strings.TrimSpace(req.Header.Get("Authorization"))
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		if token := strings.TrimSpace(parts[1]); token != "" {
			return "key|" + auth.HashKey(token)
		}
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	return "ip|" + host
}
