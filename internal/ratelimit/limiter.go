// Package ratelimit implements the shared token-bucket limiter for
// exchange API weight (1200 weight/min class budgets).
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hynous/hynous-data/pkg/logger"
)

// Limiter is a thread-safe token bucket with continuous refill.
//
// Tokens refill linearly at max/60 per second. Acquire blocks (in short
// sleeps) until enough tokens are available or the timeout expires. The
// budget applies to logical request weight, not request count.
type Limiter struct {
	mu         sync.Mutex
	max        float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time

	totalAcquired int64
	totalWaited   time.Duration

	log zerolog.Logger
}

// New creates a limiter. The effective budget is maxWeight scaled by
// safetyPct (safety_pct=85 keeps 15% headroom below the exchange cap).
func New(maxWeight, safetyPct int, log zerolog.Logger) *Limiter {
	max := float64(maxWeight*safetyPct) / 100
	return &Limiter{
		max:        max,
		tokens:     max,
		refillRate: max / 60.0,
		lastRefill: time.Now(),
		log:        logger.Component(log, "rate_limiter"),
	}
}

// refill adds tokens based on elapsed time. Caller must hold mu.
// time.Now() carries a monotonic reading, so elapsed is wall-clock safe.
func (l *Limiter) refill() {
	now := time.Now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	l.tokens = min(l.max, l.tokens+elapsed*l.refillRate)
	l.lastRefill = now
}

// Acquire blocks until weight tokens are available, returning false if
// the deadline expires first. A false return is a "skip this unit of
// work" signal, not an error.
func (l *Limiter) Acquire(weight int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		l.mu.Lock()
		l.refill()
		if l.tokens >= float64(weight) {
			l.tokens -= float64(weight)
			l.totalAcquired += int64(weight)
			l.mu.Unlock()
			return true
		}
		wait := time.Duration(float64(weight) / l.refillRate * float64(time.Second))
		l.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			l.log.Warn().Int("weight", weight).Msg("rate limiter timeout")
			return false
		}
		sleep := min(wait/2, remaining, time.Second)
		time.Sleep(sleep)

		l.mu.Lock()
		l.totalWaited += sleep
		l.mu.Unlock()
	}
}

// Available returns the current token count after refill.
func (l *Limiter) Available() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return l.tokens
}

// Max returns the effective budget.
func (l *Limiter) Max() float64 {
	return l.max
}

// Stats reports limiter counters for the /v1/stats endpoint.
func (l *Limiter) Stats() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return map[string]any{
		"available":      l.tokens,
		"max":            l.max,
		"total_acquired": l.totalAcquired,
		"total_waited_s": l.totalWaited.Seconds(),
	}
}
