package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/auroraai/profile-broker/internal/apperrors"
	"github.com/auroraai/profile-broker/internal/web/response"
)

// RateLimit defines a request budget for an endpoint group.
type RateLimit struct {
	Requests int
	Window   time.Duration
}

type tokenBucket struct {
	mutex    sync.Mutex
	tokens   int
	capacity int
	window   time.Duration
	refillAt time.Time
}

func (tb *tokenBucket) take() bool {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()

	now := time.Now()
	if now.After(tb.refillAt.Add(tb.window)) {
		tb.tokens = tb.capacity
		tb.refillAt = now
	} else {
		elapsed := now.Sub(tb.refillAt)
		refill := int(elapsed.Nanoseconds() * int64(tb.capacity) / tb.window.Nanoseconds())
		if refill > 0 {
			tb.tokens = min(tb.capacity, tb.tokens+refill)
			tb.refillAt = now
		}
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// InMemoryRateLimiter keeps a token bucket per client key. Stale buckets
// are swept periodically.
type InMemoryRateLimiter struct {
	mutex   sync.Mutex
	buckets map[string]*tokenBucket
	stop    chan struct{}
}

func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	limiter := &InMemoryRateLimiter{
		buckets: make(map[string]*tokenBucket),
		stop:    make(chan struct{}),
	}
	go limiter.sweep()
	return limiter
}

func (rl *InMemoryRateLimiter) Allow(key string, limit RateLimit) bool {
	rl.mutex.Lock()
	bucket, exists := rl.buckets[key]
	if !exists {
		bucket = &tokenBucket{
			tokens:   limit.Requests,
			capacity: limit.Requests,
			window:   limit.Window,
			refillAt: time.Now(),
		}
		rl.buckets[key] = bucket
	}
	rl.mutex.Unlock()

	return bucket.take()
}

func (rl *InMemoryRateLimiter) Close() {
	close(rl.stop)
}

func (rl *InMemoryRateLimiter) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			rl.mutex.Lock()
			for key, bucket := range rl.buckets {
				bucket.mutex.Lock()
				stale := now.Sub(bucket.refillAt) > 2*bucket.window
				bucket.mutex.Unlock()
				if stale {
					delete(rl.buckets, key)
				}
			}
			rl.mutex.Unlock()
		case <-rl.stop:
			return
		}
	}
}

// clientIP extracts the caller's address, trusting proxy headers first.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip, _, found := strings.Cut(xff, ","); found || ip != "" {
			return strings.TrimSpace(ip)
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

// RateLimitMiddleware enforces a per-IP request budget.
func RateLimitMiddleware(limiter *InMemoryRateLimiter, limit RateLimit, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(clientIP(r), limit) {
				response.Error(r.Context(), w, logger, apperrors.TooManyRequests("Rate limit exceeded", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
