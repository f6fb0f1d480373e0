// Package ratelimit implements a per-session token bucket rate limiter.
// Thread-safe. No background goroutines; tokens are refilled lazily on each Allow call.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a session has exhausted its token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // Tokens added per minute. 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter is a per-session token bucket rate limiter. Each chat session
// gets an independent bucket; one session cannot exhaust another's quota.
// Sessions are keyed by their correlation ID.
type Limiter struct {
	mu       sync.Mutex
	sessions map[string]*bucket
	rate     float64 // tokens per second
	burst    float64 // max bucket capacity

	now func() time.Time // replaced in tests
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1 // safety floor
	}
	return &Limiter{
		sessions: make(map[string]*bucket),
		rate:     float64(cfg.RequestsPerMinute) / 60.0,
		burst:    float64(burst),
		now:      time.Now,
	}
}

// Allow checks whether the session has tokens remaining.
// Consumes one token on success. Returns ErrRateLimited if the bucket is empty.
func (l *Limiter) Allow(sessionID string) error {
	// Unlimited mode.
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.sessions[sessionID]
	if !ok {
		// First request: start with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.sessions[sessionID] = b
	}

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	// Try to consume one token.
	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// Forget drops a session's bucket. Called when a session closes so the
// map does not grow without bound.
func (l *Limiter) Forget(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, sessionID)
}
