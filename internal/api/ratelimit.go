package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter implements per-key fixed-window rate limiting.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	count    int
	windowAt time.Time
}

// NewRateLimiter creates a RateLimiter. Stale buckets are dropped every five
// minutes until ctx is done.
func NewRateLimiter(ctx context.Context) *RateLimiter {
	rl := &RateLimiter{buckets: make(map[string]*bucket)}
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.cleanup()
			}
		}
	}()
	return rl
}

// Allow checks if the key is within the rate limit (limit per 1-minute window).
// A non-positive limit disables limiting.
func (rl *RateLimiter) Allow(key string, limit int) bool {
	if limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.buckets[key]
	if !ok || now.Sub(b.windowAt) >= time.Minute {
		rl.buckets[key] = &bucket{count: 1, windowAt: now}
		return true
	}
	if b.count >= limit {
		return false
	}
	b.count++
	return true
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-2 * time.Minute)
	for k, b := range rl.buckets {
		if b.windowAt.Before(cutoff) {
			delete(rl.buckets, k)
		}
	}
}

// rateLimitMiddleware limits requests per client IP. Operation pushes and
// everything else are counted in separate buckets. A limited client gets 429,
// which the sync engine treats as retryable.
func rateLimitMiddleware(rl *RateLimiter, opsLimit, readLimit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			class, limit := "read", readLimit
			if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/ops") {
				class, limit = "ops", opsLimit
			}
			if !rl.Allow(class+":"+clientIP(r), limit) {
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests, ErrCodeRateLimited, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP is the host part of RemoteAddr, which chimw.RealIP has already
// replaced with the forwarded client address when a proxy set one.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
