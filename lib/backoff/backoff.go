// Package backoff computes reconnection delays for the command channel.
// Delays grow exponentially from a base, are capped at a maximum, and a
// configured attempt bound decides when automatic retry must stop.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy derives the next retry delay from the attempt count.
type Policy struct {
	// BaseDelay is the delay for the first retry (attempt 0).
	BaseDelay time.Duration
	// MaxDelay caps the computed delay. Zero means uncapped.
	MaxDelay time.Duration
	// Multiplier is the backoff multiplier (typically 2.0).
	Multiplier float64
	// MaxAttempts is the number of failed attempts after which automatic
	// retry stops. Zero means retry forever.
	MaxAttempts int
	// JitterFraction adds random jitter of ±fraction to the delay (0.0-1.0).
	// Zero keeps retry timing deterministic.
	JitterFraction float64
}

// DefaultPolicy returns the deployment defaults: 1 s base, 30 s cap,
// doubling, five attempts before giving up.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		MaxAttempts: 5,
	}
}

// NextDelay returns the delay before the given retry attempt.
// The first retry uses attempt 0. The result is non-decreasing in the
// attempt number up to MaxDelay.
func (p Policy) NextDelay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultPolicy().BaseDelay
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = DefaultPolicy().Multiplier
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(base) * math.Pow(mult, float64(attempt))

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.JitterFraction > 0 {
		jitter := delay * p.JitterFraction
		delay += (rand.Float64()*2 - 1) * jitter
	}

	if delay < float64(base) {
		delay = float64(base)
	}

	return time.Duration(delay)
}

// GiveUp reports whether automatic retry must stop after the given number
// of failed attempts. With MaxAttempts = 5, the fifth failure is the last:
// GiveUp(4) is false, GiveUp(5) is true.
func (p Policy) GiveUp(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}
