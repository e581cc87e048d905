package api

import (
	"sync"
	"time"

	"techsync/internal/config"

	"golang.org/x/time/rate"
)

const (
	defaultBurst   = 5
	clientIdleTTL  = 10 * time.Minute
	sweepThreshold = 256
)

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter throttles control API callers. Each API key, or remote host
// for unauthenticated callers, gets its own token bucket. Buckets idle for
// longer than clientIdleTTL are forgotten once more than sweepThreshold
// callers are tracked.
type rateLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	clients map[string]*clientBucket
}

func newRateLimiter(cfg config.RateLimitConfig) *rateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	return &rateLimiter{
		limit:   rate.Limit(cfg.RPS),
		burst:   burst,
		now:     time.Now,
		clients: make(map[string]*clientBucket),
	}
}

func (l *rateLimiter) enabled() bool {
	return l.limit > 0
}

// allow takes one token from the caller's bucket.
func (l *rateLimiter) allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.clients[key]
	if !ok {
		if len(l.clients) >= sweepThreshold {
			l.sweep(now)
		}
		b = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (l *rateLimiter) sweep(now time.Time) {
	for key, b := range l.clients {
		if now.Sub(b.lastSeen) > clientIdleTTL {
			delete(l.clients, key)
		}
	}
}
