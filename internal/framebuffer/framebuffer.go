// Package framebuffer holds the most recent camera frame for the scheduler.
//
// Philosophy: "Drop frames, never queue. Latency > Completeness."
//
// Design:
//   - Single-slot mailbox: Store() overwrites any unconsumed frame
//   - TakeIfPresent() is a move: the slot is empty afterwards, so the same
//     frame is never submitted for inference twice
//   - Drop tracking: overwritten frames are counted, never buffered
//
// The event loop is the only writer and reader of the slot. The mutex only
// exists so Stats() can be served from the health endpoint goroutine.
package framebuffer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-nav/internal/types"
)

// Stats is a snapshot of buffer operational state.
type Stats struct {
	// Stored counts every Store() call.
	Stored uint64

	// Taken counts frames handed to the scheduler.
	Taken uint64

	// Dropped counts frames overwritten before anyone took them.
	// Expected to be high: the camera runs much faster than inference.
	Dropped uint64

	// HasFrame reports whether a frame is waiting in the slot.
	HasFrame bool

	// LastStoredAt is the arrival time of the most recent frame.
	LastStoredAt time.Time
}

// Buffer is a last-write-wins single-slot frame buffer.
type Buffer struct {
	mu           sync.Mutex
	frame        *types.Image // nil = empty slot
	lastStoredAt time.Time

	stored  uint64 // atomic
	taken   uint64 // atomic
	dropped uint64 // atomic
}

// New creates an empty buffer.
func New() *Buffer {
	return &Buffer{}
}

// Store replaces the held frame (non-blocking, O(1)).
//
// If the previous frame was never taken it is dropped and counted.
func (b *Buffer) Store(img types.Image) {
	b.mu.Lock()
	if b.frame != nil {
		atomic.AddUint64(&b.dropped, 1)
	}
	b.frame = &img
	b.lastStoredAt = time.Now()
	b.mu.Unlock()

	atomic.AddUint64(&b.stored, 1)
}

// TakeIfPresent returns the held frame and clears the slot.
// ok is false when the slot was empty.
func (b *Buffer) TakeIfPresent() (img types.Image, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.frame == nil {
		return types.Image{}, false
	}

	img = *b.frame
	b.frame = nil
	atomic.AddUint64(&b.taken, 1)
	return img, true
}

// Stats returns a snapshot of buffer counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	hasFrame := b.frame != nil
	lastStoredAt := b.lastStoredAt
	b.mu.Unlock()

	return Stats{
		Stored:       atomic.LoadUint64(&b.stored),
		Taken:        atomic.LoadUint64(&b.taken),
		Dropped:      atomic.LoadUint64(&b.dropped),
		HasFrame:     hasFrame,
		LastStoredAt: lastStoredAt,
	}
}
