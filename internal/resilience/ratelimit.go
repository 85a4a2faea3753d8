package resilience

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/capitalize-ai/gembot/internal/model"
)

// RateLimiter is a token bucket shared by all model calls. Acquire reserves
// the next token in arrival order, so waiters are served first come first served.
type RateLimiter struct {
	lim *rate.Limiter
}

// NewRateLimiter allows perMinute requests per minute with the given burst.
// A non-positive perMinute disables limiting.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if perMinute <= 0 {
		return &RateLimiter{lim: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst <= 0 {
		burst = 1
	}
	every := time.Minute / time.Duration(perMinute)
	return &RateLimiter{lim: rate.NewLimiter(rate.Every(every), burst)}
}

// Acquire blocks until a token is available or ctx is done. A wait that
// cannot finish before the deadline fails at once with model.ErrModelTimeout.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	if r == nil {
		return nil
	}
	err := r.lim.Wait(ctx)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("%w: rate limit wait exceeds deadline", model.ErrModelTimeout)
	}
	return err
}
