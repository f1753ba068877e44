// Package velocity holds the last computed velocity command and re-emits it
// on every output tick, decoupling output cadence from inference latency.
package velocity

import (
	"sync"
	"time"

	"github.com/e7canasta/orion-nav/internal/types"
)

// Stats is a snapshot of publisher activity.
type Stats struct {
	Current     types.Velocity
	Updates     uint64
	Emissions   uint64
	UpdatedAt   time.Time
	LastEmitted time.Time
}

// Publisher holds the published velocity. Starts at zero.
type Publisher struct {
	mu          sync.RWMutex
	current     types.Velocity
	updates     uint64
	emissions   uint64
	updatedAt   time.Time
	lastEmitted time.Time
}

// NewPublisher creates a publisher holding the zero velocity.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// Publish replaces the held velocity.
func (p *Publisher) Publish(v types.Velocity) {
	p.mu.Lock()
	p.current = v
	p.updates++
	p.updatedAt = time.Now()
	p.mu.Unlock()
}

// Emit returns the held velocity verbatim (no interpolation or smoothing).
func (p *Publisher) Emit() types.Velocity {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emissions++
	p.lastEmitted = time.Now()
	return p.current
}

// Current returns the held velocity without counting an emission.
func (p *Publisher) Current() types.Velocity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Stats returns a snapshot of publisher counters.
func (p *Publisher) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Stats{
		Current:     p.current,
		Updates:     p.updates,
		Emissions:   p.emissions,
		UpdatedAt:   p.updatedAt,
		LastEmitted: p.lastEmitted,
	}
}
