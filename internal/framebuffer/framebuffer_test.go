package framebuffer_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-nav/internal/framebuffer"
	"github.com/e7canasta/orion-nav/internal/types"
)

func frame(seq uint64, data string) types.Image {
	return types.Image{Seq: seq, Width: 1, Height: 1, Encoding: types.EncodingBGR8, Data: []byte(data)}
}

func TestTakeIfPresentOnEmptyBuffer(t *testing.T) {
	buf := framebuffer.New()

	_, ok := buf.TakeIfPresent()
	assert.False(t, ok)
	assert.Equal(t, uint64(0), buf.Stats().Taken)
}

// TestLastWriteWins validates overwrite semantics.
//
// Scenario:
//  1. Store A, B, C without taking
//  2. Take once: must be C
//  3. A and B counted as dropped
//  4. Second take finds the slot empty
func TestLastWriteWins(t *testing.T) {
	buf := framebuffer.New()

	buf.Store(frame(1, "A"))
	buf.Store(frame(2, "B"))
	buf.Store(frame(3, "C"))

	img, ok := buf.TakeIfPresent()
	require.True(t, ok)
	assert.Equal(t, "C", string(img.Data))
	assert.Equal(t, uint64(3), img.Seq)

	_, ok = buf.TakeIfPresent()
	assert.False(t, ok, "take must clear the slot")

	stats := buf.Stats()
	assert.Equal(t, uint64(3), stats.Stored)
	assert.Equal(t, uint64(1), stats.Taken)
	assert.Equal(t, uint64(2), stats.Dropped)
	assert.False(t, stats.HasFrame)
	assert.False(t, stats.LastStoredAt.IsZero())
}

func TestStoreAfterTakeIsNotADrop(t *testing.T) {
	buf := framebuffer.New()

	buf.Store(frame(1, "A"))
	_, ok := buf.TakeIfPresent()
	require.True(t, ok)
	buf.Store(frame(2, "B"))

	stats := buf.Stats()
	assert.Equal(t, uint64(0), stats.Dropped)
	assert.True(t, stats.HasFrame)
}

// TestStatsConcurrentWithStore runs Stats from another goroutine, as the
// health endpoint does. Run with -race.
func TestStatsConcurrentWithStore(t *testing.T) {
	buf := framebuffer.New()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			_ = buf.Stats()
		}
	}()

	for i := 0; i < 1000; i++ {
		buf.Store(frame(uint64(i), "x"))
		if i%10 == 0 {
			buf.TakeIfPresent()
		}
	}
	wg.Wait()

	stats := buf.Stats()
	assert.Equal(t, uint64(1000), stats.Stored)
	assert.Equal(t, stats.Stored, stats.Taken+stats.Dropped+boolToUint(stats.HasFrame))
}

func boolToUint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
