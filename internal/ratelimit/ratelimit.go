// Package ratelimit provides per-user token bucket rate limiting for the
// HTTP API.
package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/stashd/stashd/internal/auth"
	"github.com/stashd/stashd/internal/metrics"
)

// Limiter is a per-user token bucket limiter. A rate of 0 disables limiting.
type Limiter struct {
	mu      sync.Mutex
	buckets map[int]*bucket
	rpm     int
}

type bucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// New creates a limiter allowing rpm requests per minute per user.
func New(rpm int) *Limiter {
	return &Limiter{
		buckets: make(map[int]*bucket),
		rpm:     rpm,
	}
}

// Allow reports whether a request from the given user should proceed.
func (l *Limiter) Allow(userID int) bool {
	if l.rpm == 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[userID]
	if !ok {
		b = &bucket{
			tokens:     float64(l.rpm),
			maxTokens:  float64(l.rpm),
			refillRate: float64(l.rpm) / 60.0,
			lastRefill: time.Now(),
		}
		l.buckets[userID] = b
	}

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// RetryAfter returns the number of seconds until the user's next token.
func (l *Limiter) RetryAfter(userID int) int {
	if l.rpm == 0 {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[userID]
	if !ok || b.tokens >= 1 {
		return 0
	}
	needed := 1.0 - b.tokens
	return int(needed/b.refillRate) + 1
}

// Cleanup removes buckets idle for longer than maxAge. Run periodically.
func (l *Limiter) Cleanup(maxAge time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for userID, b := range l.buckets {
		if b.lastRefill.Before(cutoff) {
			delete(l.buckets, userID)
		}
	}
}

// Middleware enforces the limit for authenticated requests. Requests without
// claims pass through; the auth middleware already rejected them or the route
// is public.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := auth.GetClaims(r.Context())
		if claims == nil || l.Allow(claims.UserID) {
			next.ServeHTTP(w, r)
			return
		}

		metrics.RecordRateLimitHit()
		w.Header().Set("Retry-After", strconv.Itoa(l.RetryAfter(claims.UserID)))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": "rate limit exceeded",
			"code":  http.StatusTooManyRequests,
		})
	})
}
