package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter throttles message intake with a token bucket. Burst equals the
// rate so no saved-up burst exceeds the configured per-second maximum.
// A nil *Limiter never blocks.
type Limiter struct {
	limiter *rate.Limiter
}

// New returns a limiter granting ratePerSec tokens per second, or nil when
// ratePerSec is zero (unlimited).
func New(ratePerSec int) *Limiter {
	if ratePerSec <= 0 {
		return nil
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)}
}

// Wait blocks until a token is granted. It returns a non-nil error only if
// ctx is cancelled while waiting.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.limiter.Wait(ctx)
}
