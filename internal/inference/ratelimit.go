package inference

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/e7canasta/orion-nav/internal/types"
)

// RateLimitedClient caps calls to the wrapped client. Calls over the limit
// fail immediately with ErrRateLimited instead of waiting, so the control
// loop keeps its single-flight cadence.
type RateLimitedClient struct {
	next    Client
	limiter *rate.Limiter
}

// NewRateLimitedClient wraps next with a limit of hz calls per second.
// A non-positive hz starts unlimited; SetRate can change it later.
func NewRateLimitedClient(next Client, hz float64, burst int) *RateLimitedClient {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedClient{next: next, limiter: rate.NewLimiter(toLimit(hz), burst)}
}

// WithRateLimit caps calls to next at hz per second with the given burst.
// A non-positive hz returns next unchanged.
func WithRateLimit(next Client, hz float64, burst int) Client {
	if hz <= 0 {
		return next
	}
	return NewRateLimitedClient(next, hz, burst)
}

func (c *RateLimitedClient) GenerateVelocity(ctx context.Context, instruction string, png []byte) (types.Velocity, error) {
	if !c.limiter.Allow() {
		return types.Velocity{}, ErrRateLimited
	}
	return c.next.GenerateVelocity(ctx, instruction, png)
}

// SetRate changes the limit at runtime. Non-positive hz removes it.
func (c *RateLimitedClient) SetRate(hz float64) {
	c.limiter.SetLimit(toLimit(hz))
}

// Rate returns the current limit in Hz, 0 when unlimited.
func (c *RateLimitedClient) Rate() float64 {
	l := c.limiter.Limit()
	if l == rate.Inf {
		return 0
	}
	return float64(l)
}

func toLimit(hz float64) rate.Limit {
	if hz <= 0 {
		return rate.Inf
	}
	return rate.Limit(hz)
}
