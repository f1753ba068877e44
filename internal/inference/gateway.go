// Package inference bridges the control loop and the slow vision-language
// service that turns (instruction, camera frame) into a velocity command.
//
// ARCHITECTURE:
//
//	┌──────────────┐ Submit  ┌──────────────┐ goroutine ┌────────────────┐
//	│ Event loop   │ ──────> │ AsyncGateway │ ────────> │ Client (HTTP)  │
//	│ (scheduler)  │         │              │           │ Gemini / mock  │
//	└──────────────┘         └──────────────┘           └────────────────┘
//	       ^  Poll (non-blocking)     │ Outcome (chan, size 1)
//	       └──────────── Handle <─────┘
//
// The event loop never waits on the service: Submit returns a Handle right
// away and the loop polls it on later ticks. The background goroutine only
// talks back through the Handle, never by touching loop state.
package inference

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-nav/internal/imagecodec"
	"github.com/e7canasta/orion-nav/internal/types"
)

// Status is the state of an outstanding request as seen by a poller.
type Status int

const (
	NotReady Status = iota
	Succeeded
	Failed
)

func (s Status) String() string {
	switch s {
	case NotReady:
		return "not_ready"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Request is one (instruction, frame) pair submitted for inference.
type Request struct {
	ID          string
	Instruction string
	Image       types.Image
	SubmittedAt time.Time
}

// NewRequest stamps a request with a fresh ID and submission time.
func NewRequest(instruction string, img types.Image) Request {
	return Request{
		ID:          uuid.NewString(),
		Instruction: instruction,
		Image:       img,
		SubmittedAt: time.Now(),
	}
}

// Outcome is the tagged result of a request.
type Outcome struct {
	Status   Status
	Velocity types.Velocity // valid when Status == Succeeded
	Err      error          // valid when Status == Failed
	Request  Request
	Latency  time.Duration
}

// Done reports whether the outcome is terminal.
func (o Outcome) Done() bool {
	return o.Status != NotReady
}

// Handle is a non-blocking reference to an in-flight request.
type Handle interface {
	// Request returns what was submitted.
	Request() Request
	// Poll returns NotReady until the call finishes, then the same terminal
	// Outcome on every later call.
	Poll() Outcome
}

// Gateway accepts requests and runs them asynchronously.
type Gateway interface {
	Submit(ctx context.Context, req Request) Handle
}

// Client performs one blocking inference call. png is the frame as PNG bytes.
type Client interface {
	GenerateVelocity(ctx context.Context, instruction string, png []byte) (types.Velocity, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, instruction string, png []byte) (types.Velocity, error)

// GenerateVelocity implements Client.
func (f ClientFunc) GenerateVelocity(ctx context.Context, instruction string, png []byte) (types.Velocity, error) {
	return f(ctx, instruction, png)
}

// handle delivers one Outcome from the worker goroutine to the poller.
type handle struct {
	req  Request
	done chan Outcome // buffered 1, written exactly once

	mu      sync.Mutex
	outcome *Outcome // cached terminal outcome
}

func newHandle(req Request) *handle {
	return &handle{req: req, done: make(chan Outcome, 1)}
}

func (h *handle) Request() Request {
	return h.req
}

func (h *handle) Poll() Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.outcome != nil {
		return *h.outcome
	}

	select {
	case o := <-h.done:
		h.outcome = &o
		return o
	default:
		return Outcome{Status: NotReady, Request: h.req}
	}
}

// complete is called once by the worker goroutine.
func (h *handle) complete(o Outcome) {
	h.done <- o
}

// GatewayConfig configures an AsyncGateway.
type GatewayConfig struct {
	// SafeRange rejects velocities outside the declared envelope.
	SafeRange types.SafeRange
	// Timeout bounds each call. Zero disables it (calls may hang forever).
	Timeout time.Duration
	// DumpFramePath writes each submitted PNG to this path for debugging.
	DumpFramePath string
}

// Metrics contains health metrics for the gateway
type Metrics struct {
	Submitted    uint64    `json:"submitted"`
	Succeeded    uint64    `json:"succeeded"`
	Failed       uint64    `json:"failed"`
	InFlight     int64     `json:"in_flight"`
	AvgLatencyMS float64   `json:"avg_latency_ms"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// AsyncGateway runs each request on its own goroutine.
type AsyncGateway struct {
	client Client
	cfg    GatewayConfig

	submitted      atomic.Uint64
	succeeded      atomic.Uint64
	failed         atomic.Uint64
	inFlight       atomic.Int64
	totalLatencyMS atomic.Uint64
	lastSeenAt     atomic.Value // time.Time
}

// NewAsyncGateway wraps a blocking Client.
func NewAsyncGateway(client Client, cfg GatewayConfig) *AsyncGateway {
	if cfg.SafeRange == (types.SafeRange{}) {
		cfg.SafeRange = types.DefaultSafeRange()
	}
	return &AsyncGateway{client: client, cfg: cfg}
}

// Submit starts the call in the background and returns immediately.
func (g *AsyncGateway) Submit(ctx context.Context, req Request) Handle {
	h := newHandle(req)
	g.submitted.Add(1)
	g.inFlight.Add(1)

	slog.Debug("inference submitted",
		"request_id", req.ID,
		"instruction", req.Instruction,
		"frame_seq", req.Image.Seq,
		"trace_id", req.Image.TraceID,
	)

	go g.run(ctx, h)
	return h
}

func (g *AsyncGateway) run(ctx context.Context, h *handle) {
	req := h.req
	start := time.Now()

	outcome := Outcome{Status: Failed, Request: req}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("inference goroutine panic", "request_id", req.ID, "panic", r, "stack", string(debug.Stack()))
			outcome = Outcome{Status: Failed, Err: fmt.Errorf("inference panic: %v", r), Request: req}
		}
		outcome.Latency = time.Since(start)
		g.record(outcome)
		h.complete(outcome)
	}()

	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	v, err := g.call(ctx, req)
	if err != nil {
		outcome.Err = err
		return
	}
	outcome.Status = Succeeded
	outcome.Velocity = v
}

func (g *AsyncGateway) call(ctx context.Context, req Request) (types.Velocity, error) {
	png, err := imagecodec.EncodePNG(req.Image)
	if err != nil {
		return types.Velocity{}, fmt.Errorf("failed to encode frame: %w", err)
	}

	if g.cfg.DumpFramePath != "" {
		if err := os.WriteFile(g.cfg.DumpFramePath, png, 0o644); err != nil {
			slog.Warn("failed to dump frame", "path", g.cfg.DumpFramePath, "error", err)
		}
	}

	v, err := g.client.GenerateVelocity(ctx, req.Instruction, png)
	if err != nil {
		return types.Velocity{}, err
	}

	if !g.cfg.SafeRange.Contains(v) {
		return types.Velocity{}, fmt.Errorf("%w: %v (limits linear=%g angular=%g)",
			ErrOutOfRange, v, g.cfg.SafeRange.MaxLinear, g.cfg.SafeRange.MaxAngular)
	}
	return v, nil
}

func (g *AsyncGateway) record(o Outcome) {
	g.inFlight.Add(-1)
	g.lastSeenAt.Store(time.Now())
	if o.Status == Succeeded {
		g.succeeded.Add(1)
		g.totalLatencyMS.Add(uint64(o.Latency.Milliseconds()))
		return
	}
	g.failed.Add(1)
}

// Metrics returns current gateway metrics.
func (g *AsyncGateway) Metrics() Metrics {
	m := Metrics{
		Submitted: g.submitted.Load(),
		Succeeded: g.succeeded.Load(),
		Failed:    g.failed.Load(),
		InFlight:  g.inFlight.Load(),
	}
	if m.Succeeded > 0 {
		m.AvgLatencyMS = float64(g.totalLatencyMS.Load()) / float64(m.Succeeded)
	}
	if t, ok := g.lastSeenAt.Load().(time.Time); ok {
		m.LastSeenAt = t
	}
	return m
}
