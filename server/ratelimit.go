package server

import (
	"net/http"
	"sync"
	"time"
)

// rateLimiter keeps one token bucket per client key, each refilled at
// rps tokens per second up to burst.
type rateLimiter struct {
	mu      sync.Mutex
	rps     float64
	burst   float64
	buckets map[string]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	if rps <= 0 {
		rps = 3
	}
	if burst <= 0 {
		burst = 6
	}
	return &rateLimiter{
		rps:     rps,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
	}
}

// bucketFor refills and returns the caller's bucket. Callers hold mu.
func (r *rateLimiter) bucketFor(key string, now time.Time) *bucket {
	b, ok := r.buckets[key]
	if !ok {
		b = &bucket{tokens: r.burst, last: now}
		r.buckets[key] = b
	}
	b.tokens += now.Sub(b.last).Seconds() * r.rps
	if b.tokens > r.burst {
		b.tokens = r.burst
	}
	b.last = now
	return b
}

// Allow consumes one token from the key's bucket. When denied it reports
// how long until the next token, in milliseconds.
func (r *rateLimiter) Allow(key string) (bool, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.bucketFor(key, time.Now())
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	return false, r.waitMS(b)
}

// Peek reports whether a request under the key would pass without
// consuming a token.
func (r *rateLimiter) Peek(key string) (bool, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.bucketFor(key, time.Now())
	if b.tokens >= 1 {
		return true, 0
	}
	return false, r.waitMS(b)
}

func (r *rateLimiter) waitMS(b *bucket) int64 {
	ms := int64(((1 - b.tokens) / r.rps) * 1000)
	if ms < 1 {
		ms = 1
	}
	return ms
}

// clientKey buckets requests by API key; unauthenticated clients share
// one bucket.
func clientKey(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	return "anon"
}
