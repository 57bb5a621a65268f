package agent

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// defaultBurst applies when a rate is configured without a burst.
const defaultBurst = 10

// RateLimiter is a token bucket shared by every routed message, so a burst on
// one channel cannot flood the agent.
type RateLimiter struct {
	lim *rate.Limiter
}

// NewRateLimiter returns nil when ratePerMinute is not positive, which the
// router treats as unthrottled.
func NewRateLimiter(burst int, ratePerMinute float64) *RateLimiter {
	if ratePerMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	return &RateLimiter{lim: rate.NewLimiter(rate.Limit(ratePerMinute/60), burst)}
}

// Wait blocks until a token is available. It fails at once when ctx would
// expire before the token arrives.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if err := rl.lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

// Burst reports the bucket size.
func (rl *RateLimiter) Burst() int { return rl.lim.Burst() }
