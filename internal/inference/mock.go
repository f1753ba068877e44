package inference

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-nav/internal/types"
)

// StaticClient answers every call with a fixed velocity after Delay.
// It stands in for the remote service when running without credentials.
type StaticClient struct {
	Velocity types.Velocity
	Delay    time.Duration
	Err      error

	calls atomic.Uint64
}

// NewStaticClient returns a client that always proposes (linear, angular).
func NewStaticClient(linear, angular float64, delay time.Duration) *StaticClient {
	return &StaticClient{Velocity: types.NewTwist(linear, angular), Delay: delay}
}

// GenerateVelocity implements Client.
func (c *StaticClient) GenerateVelocity(ctx context.Context, _ string, _ []byte) (types.Velocity, error) {
	c.calls.Add(1)

	if c.Delay > 0 {
		timer := time.NewTimer(c.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return types.Velocity{}, ctx.Err()
		}
	}

	if c.Err != nil {
		return types.Velocity{}, c.Err
	}
	return c.Velocity, nil
}

// Calls returns how many times GenerateVelocity ran.
func (c *StaticClient) Calls() uint64 {
	return c.calls.Load()
}
