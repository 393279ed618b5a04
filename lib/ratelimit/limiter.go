// Package ratelimit provides per-key rate limiting for the console
// control socket, so a misbehaving client cannot flood a single
// method.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter holds one token bucket per key. Buckets idle past the
// cleanup interval are discarded.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyed creates a per-key limiter. r is tokens per second per key,
// burst is the per-key burst allowance.
func NewKeyed(r float64, burst int, cleanup time.Duration) *KeyedLimiter {
	kl := &KeyedLimiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanup,
		stopCh:   make(chan struct{}),
	}
	go kl.cleanupLoop()
	return kl
}

// Allow reports whether a request for the given key may proceed,
// consuming one token.
func (kl *KeyedLimiter) Allow(key string) bool {
	kl.mu.Lock()
	e, ok := kl.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(kl.rate, kl.burst)}
		kl.limiters[key] = e
	}
	e.lastSeen = time.Now()
	kl.mu.Unlock()

	return e.limiter.Allow()
}

// Close stops the cleanup goroutine.
func (kl *KeyedLimiter) Close() {
	close(kl.stopCh)
}

// Keys returns the number of tracked keys.
func (kl *KeyedLimiter) Keys() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.limiters)
}

func (kl *KeyedLimiter) cleanupLoop() {
	ticker := time.NewTicker(kl.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-kl.stopCh:
			return
		case <-ticker.C:
			kl.mu.Lock()
			cutoff := time.Now().Add(-kl.cleanup)
			for key, e := range kl.limiters {
				if e.lastSeen.Before(cutoff) {
					delete(kl.limiters, key)
				}
			}
			kl.mu.Unlock()
		}
	}
}
