package orchestrator

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"
)

// TickSource turns a time.Ticker into payload-free loop events.
//
// Ticks are sent without blocking: if the loop is busy and the channel is
// full, the tick is dropped. The next one carries the same meaning.
type TickSource struct {
	kind     Kind
	interval time.Duration

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewTickSource creates a source emitting events of kind every interval.
func NewTickSource(kind Kind, interval time.Duration) *TickSource {
	return &TickSource{kind: kind, interval: interval}
}

// Run emits ticks into out until ctx is cancelled.
func (t *TickSource) Run(ctx context.Context, out chan<- Event) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	slog.Info("tick source started", "kind", t.kind, "interval_ms", t.interval.Milliseconds())

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			slog.Info("tick source stopping",
				"kind", t.kind,
				"sent", t.sent.Load(),
				"dropped", t.dropped.Load(),
			)
			return

		case now := <-ticker.C:
			seq++
			ev := Event{
				Kind: t.kind,
				Metadata: map[string]string{
					"tick_seq":  strconv.FormatUint(seq, 10),
					"timestamp": now.UTC().Format(time.RFC3339Nano),
				},
			}

			select {
			case out <- ev:
				t.sent.Add(1)
			default:
				if t.dropped.Add(1)%100 == 1 {
					slog.Warn("control loop busy, dropping ticks", "kind", t.kind, "dropped", t.dropped.Load())
				}
			}
		}
	}
}

// Stats returns sent and dropped tick counts.
func (t *TickSource) Stats() (sent, dropped uint64) {
	return t.sent.Load(), t.dropped.Load()
}
