// Package server implements per-connection throttling that protects the
// relay from clients flooding their group.
package server

import (
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

type rateLimiter struct {
	limiter *rate.Limiter
	clock   clockwork.Clock
}

// newRateLimiter allows bursts of capacity messages, refilled evenly over
// interval.
func newRateLimiter(capacity int, interval time.Duration, clock clockwork.Clock) *rateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &rateLimiter{
		limiter: rate.NewLimiter(rate.Limit(float64(capacity)/interval.Seconds()), capacity),
		clock:   clock,
	}
}

func (rl *rateLimiter) allow() bool {
	return rl.limiter.AllowN(rl.clock.Now(), 1)
}
