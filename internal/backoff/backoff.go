// Package backoff computes reconnect delays for the gateway client.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy describes capped exponential backoff with a bounded attempt count.
// Delay = min(Base * 2^(attempt-1), Max), optionally with full jitter.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int // 0 means unlimited
	Jitter      bool
}

// Default is the policy used when reconnect is enabled without overrides.
func Default() Policy {
	return Policy{
		Base:        time.Second,
		Max:         30 * time.Second,
		MaxAttempts: 10,
	}
}

// Delay returns how long to wait before attempt n (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.Base <= 0 {
		return 0
	}

	d := float64(p.Base) * math.Pow(2, float64(attempt-1))
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}
	// float64(math.MaxInt64) rounds up to 2^63, which does not fit a Duration.
	if d >= math.MaxInt64 {
		d = math.Nextafter(math.MaxInt64, 0)
	}
	if p.Jitter {
		d = rand.Float64() * d //nolint:gosec // jitter does not need crypto rand
	}
	return time.Duration(d)
}

// Exhausted reports whether attempt exceeds the attempt budget.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}
