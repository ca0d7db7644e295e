// Package retry decides whether and when a failed poll is retried, and
// trips a circuit breaker when failures persist across poll cycles.
package retry

import (
	"math"
	"time"
)

// Policy holds the retry and breaker settings.
type Policy struct {
	MaxAttempts      int
	Base             time.Duration
	Cap              time.Duration
	ChallengeWindow  time.Duration
	ChallengePoll    time.Duration
	CircuitThreshold int
	CircuitCooldown  time.Duration
}

// DefaultPolicy returns the stock settings: 3 attempts, 2s doubling to 60s,
// a 60s challenge window polled every 2s, and a breaker that opens after 5
// consecutive failed polls for 30 minutes.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:      3,
		Base:             2 * time.Second,
		Cap:              60 * time.Second,
		ChallengeWindow:  60 * time.Second,
		ChallengePoll:    2 * time.Second,
		CircuitThreshold: 5,
		CircuitCooldown:  30 * time.Minute,
	}
}

// nominal returns base * 2^attempt, capped, without jitter.
func (p Policy) nominal(attempt int) time.Duration {
	delay := float64(p.Base) * math.Pow(2, float64(attempt))
	if delay > float64(p.Cap) {
		return p.Cap
	}
	return time.Duration(delay)
}

// delay computes min(base*2^attempt + jitter, cap). Jitter must lie in
// [0, base) so the sequence never decreases.
func (p Policy) delay(attempt int, jitter time.Duration) time.Duration {
	d := p.nominal(attempt)
	if d >= p.Cap {
		return p.Cap
	}
	d += jitter
	if d > p.Cap {
		return p.Cap
	}
	return d
}
