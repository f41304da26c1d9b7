package limiter

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter paces outgoing requests so a burst never drains the remote budget at once.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter allows maxRequests per second. Zero or less disables pacing.
func NewRateLimiter(maxRequests int) *RateLimiter {
	if maxRequests <= 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(maxRequests), maxRequests)}
}

// Wait blocks until the next request may go out or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// SetRate changes the pace, e.g. after a config reload.
func (r *RateLimiter) SetRate(maxRequests int) {
	if maxRequests <= 0 {
		r.limiter.SetLimit(rate.Inf)
		return
	}
	r.limiter.SetLimit(rate.Limit(maxRequests))
	r.limiter.SetBurst(maxRequests)
}
