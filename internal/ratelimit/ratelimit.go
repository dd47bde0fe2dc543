// Package ratelimit enforces per-user and per-conversation rate limits
// using golang.org/x/time/rate's token-bucket limiter.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter holds one token bucket per key (userId or conversationId),
// created lazily and never evicted explicitly — long-lived processes are
// expected to restart occasionally; a bounded-LRU eviction policy is not
// worth the complexity at the cardinalities this system sees.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rps     rate.Limit
	burst   int
}

// New builds a Limiter allowing ratePerSec sustained events per key, with a
// burst equal to the rate truncated to an integer (at least 1).
func New(ratePerSec float64) *Limiter {
	burst := int(ratePerSec)
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		rps:     rate.Limit(ratePerSec),
		burst:   burst,
	}
}

// Allow reports whether an event keyed by key may proceed now, consuming a
// token if so.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(l.rps, l.burst)
		l.buckets[key] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}
