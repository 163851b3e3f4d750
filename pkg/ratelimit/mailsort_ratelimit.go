// Package ratelimit implements a lock-free token bucket used to pace LLM
// calls so a local model is not overloaded.
package ratelimit

import (
	"context"
	"sync/atomic"
	"time"
)

// Limiter refills tokens every interval using atomic operations only.
type Limiter struct {
	tokens       int64 // atomic
	maxTokens    int64
	refillRate   int64
	intervalNs   int64
	lastRefillNs int64 // atomic (UnixNano)
}

// New creates a limiter that grants perInterval tokens each interval.
func New(perInterval int, interval time.Duration) *Limiter {
	if perInterval <= 0 {
		perInterval = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	n := int64(perInterval)
	return &Limiter{
		tokens:       n,
		maxTokens:    n,
		refillRate:   n,
		intervalNs:   int64(interval),
		lastRefillNs: time.Now().UnixNano(),
	}
}

// Allow consumes one token if available.
func (l *Limiter) Allow() bool {
	now := time.Now().UnixNano()
	lastRefill := atomic.LoadInt64(&l.lastRefillNs)

	elapsed := now - lastRefill
	if elapsed >= l.intervalNs {
		intervals := elapsed / l.intervalNs
		tokensToAdd := intervals * l.refillRate

		// Whoever wins the CAS on lastRefill performs the refill.
		if atomic.CompareAndSwapInt64(&l.lastRefillNs, lastRefill, now) {
			for {
				current := atomic.LoadInt64(&l.tokens)
				next := current + tokensToAdd
				if next > l.maxTokens {
					next = l.maxTokens
				}
				if atomic.CompareAndSwapInt64(&l.tokens, current, next) {
					break
				}
			}
		}
	}

	for {
		current := atomic.LoadInt64(&l.tokens)
		if current <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(&l.tokens, current, current-1) {
			return true
		}
	}
}

// Wait blocks until a token is granted or the context ends. The poll step is
// coarse; callers are pacing multi-second LLM requests, not packets.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		if l.Allow() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Tokens reports the tokens currently available.
func (l *Limiter) Tokens() int64 {
	return atomic.LoadInt64(&l.tokens)
}
