package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter limits requests per identity using a sliding window log:
// each identity keeps the timestamps of its accepted requests inside the
// current window, so the count never exceeds limit.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string][]time.Time
	limit    int
	interval time.Duration
}

// NewRateLimiter allows limit requests per interval per identity.
func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		buckets:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

// Allow records a request from id at now if the window has room.
// Returns remaining requests and whether this one is allowed.
func (rl *RateLimiter) Allow(id string, now time.Time) (remaining int, allowed bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	recent := rl.recent(id, now)
	if len(recent) >= rl.limit {
		rl.buckets[id] = recent
		return 0, false
	}
	recent = append(recent, now)
	rl.buckets[id] = recent
	return rl.limit - len(recent), true
}

// recent drops timestamps that slid out of the window. Caller holds mu.
func (rl *RateLimiter) recent(id string, now time.Time) []time.Time {
	cutoff := now.Add(-rl.interval)
	ts := rl.buckets[id]
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}

// ResetTime is when the oldest request in id's window expires.
func (rl *RateLimiter) ResetTime(id string, now time.Time) time.Time {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	ts := rl.recent(id, now)
	if len(ts) == 0 {
		return now
	}
	return ts[0].Add(rl.interval)
}

// Sweep forgets identities with no requests left in the window.
func (rl *RateLimiter) Sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for id := range rl.buckets {
		if r := rl.recent(id, now); len(r) == 0 {
			delete(rl.buckets, id)
		} else {
			rl.buckets[id] = r
		}
	}
}

// IPThrottle is a coarse per-IP token bucket in front of the whole HTTP
// surface. It is independent of the per-requester limit applied inside
// the inbox pipeline.
type IPThrottle struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	perMin   int
	burst    int

	// TrustProxy keys limiters by the forwarded client address.
	TrustProxy bool
}

type ipLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewIPThrottle allows perMin requests per minute per IP with the given burst.
func NewIPThrottle(perMin, burst int) *IPThrottle {
	return &IPThrottle{
		limiters: make(map[string]*ipLimiter),
		perMin:   perMin,
		burst:    burst,
	}
}

func (t *IPThrottle) limiter(ip string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[ip]
	if !ok {
		l = &ipLimiter{lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(t.perMin)), t.burst)}
		t.limiters[ip] = l
	}
	l.lastSeen = time.Now()
	return l.lim
}

// clientIP is the address requests are throttled by. Safe on a nil
// throttle, which trusts no forwarding headers.
func (t *IPThrottle) clientIP(r *http.Request) string {
	return clientIP(r, t != nil && t.TrustProxy)
}

// Cleanup drops limiters idle for longer than maxIdle.
func (t *IPThrottle) Cleanup(maxIdle time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-maxIdle)
	for ip, l := range t.limiters {
		if l.lastSeen.Before(cutoff) {
			delete(t.limiters, ip)
		}
	}
}

// Middleware wraps next with the per-IP throttle.
// Skips the landing page, health check and manifest.
func (t *IPThrottle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/", "/health", "/manifest", "/.well-known/agent.json":
			next.ServeHTTP(w, r)
			return
		}

		lim := t.limiter(t.clientIP(r))
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", t.perMin))
		if !lim.Allow() {
			retryAfter := int(time.Minute/time.Duration(t.perMin)/time.Second) + 1
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error":       "rate_limited",
				"message":     "too many requests from this address",
				"retry_after": retryAfter,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
