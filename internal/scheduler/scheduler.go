// Package scheduler decides, on every control tick, whether to start an
// inference call, wait for the one in flight, or apply its result.
//
// State machine:
//
//	        tick: frame + instruction
//	Idle ─────────────────────────────> Pending
//	 ^                                     │ tick: Poll() terminal
//	 │            apply outcome            v
//	 └──────────────────────────────── Draining
//
// At most one request is outstanding: submission only happens from Idle and
// the scheduler never leaves Pending until the handle reports a terminal
// outcome. The scheduler is not safe for concurrent OnTick calls; the event
// loop is its only caller.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-nav/internal/command"
	"github.com/e7canasta/orion-nav/internal/framebuffer"
	"github.com/e7canasta/orion-nav/internal/inference"
	"github.com/e7canasta/orion-nav/internal/types"
	"github.com/e7canasta/orion-nav/internal/velocity"
)

// State of the single-flight scheduler.
type State int

const (
	Idle State = iota
	Pending
	Draining
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Draining:
		return "draining"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Observer receives inference lifecycle events. Implementations must not block.
type Observer interface {
	InferenceSubmitted(req inference.Request)
	InferenceSucceeded(out inference.Outcome)
	InferenceFailed(out inference.Outcome)
	StopCompleted(req inference.Request)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) InferenceSubmitted(inference.Request) {}
func (NopObserver) InferenceSucceeded(inference.Outcome) {}
func (NopObserver) InferenceFailed(inference.Outcome) {}
func (NopObserver) StopCompleted(inference.Request) {}

// Stats is a snapshot of scheduler activity.
type Stats struct {
	State             string `json:"state"`
	Ticks             uint64 `json:"ticks"`
	Submitted         uint64 `json:"submitted"`
	Succeeded         uint64 `json:"succeeded"`
	Failed            uint64 `json:"failed"`
	PendingPolls      uint64 `json:"pending_polls"`
	EmptyInstructions uint64 `json:"empty_instruction_ticks"`
	StopResets        uint64 `json:"stop_resets"`
}

// Scheduler is the single-flight inference scheduler.
type Scheduler struct {
	frames    *framebuffer.Buffer
	commands  *command.State
	publisher *velocity.Publisher
	gateway   inference.Gateway
	observer  Observer

	mu       sync.RWMutex // guards state for readers outside the loop
	state    State
	inflight inference.Handle

	ticks        atomic.Uint64
	submitted    atomic.Uint64
	succeeded    atomic.Uint64
	failed       atomic.Uint64
	pendingPolls atomic.Uint64
	emptyTicks   atomic.Uint64
	stopResets   atomic.Uint64
}

// New wires a scheduler. A nil observer is replaced by NopObserver.
func New(
	frames *framebuffer.Buffer,
	commands *command.State,
	publisher *velocity.Publisher,
	gateway inference.Gateway,
	observer Observer,
) *Scheduler {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Scheduler{
		frames:    frames,
		commands:  commands,
		publisher: publisher,
		gateway:   gateway,
		observer:  observer,
		state:     Idle,
	}
}

// OnTick evaluates the state machine once. It never blocks on the gateway.
//
// ctx is handed to the gateway on submission and bounds the background call.
func (s *Scheduler) OnTick(ctx context.Context) {
	s.ticks.Add(1)

	switch s.State() {
	case Idle:
		s.tickIdle(ctx)
	case Pending:
		s.tickPending()
	case Draining:
		// Draining never survives a tick; recover to Idle if it somehow did.
		slog.Warn("scheduler found in draining state at tick start, resetting")
		s.setState(Idle, nil)
	}
}

func (s *Scheduler) tickIdle(ctx context.Context) {
	img, ok := s.frames.TakeIfPresent()
	if !ok {
		return
	}

	instruction := s.commands.Current()
	if instruction == command.Empty {
		// The frame is discarded; the next arrival refills the buffer.
		s.emptyTicks.Add(1)
		s.publisher.Publish(types.ZeroVelocity())
		slog.Debug("no instruction, publishing zero velocity", "frame_seq", img.Seq)
		return
	}

	req := inference.NewRequest(instruction, img)
	h := s.gateway.Submit(ctx, req)
	s.submitted.Add(1)
	s.setState(Pending, h)
	s.observer.InferenceSubmitted(req)
}

func (s *Scheduler) tickPending() {
	out := s.inflight.Poll()
	if !out.Done() {
		s.pendingPolls.Add(1)
		return
	}

	s.setState(Draining, s.inflight)
	s.drain(out)
	s.setState(Idle, nil)
}

// drain applies a terminal outcome.
func (s *Scheduler) drain(out inference.Outcome) {
	if out.Status == inference.Failed {
		s.failed.Add(1)
		slog.Warn("inference failed, keeping previous velocity",
			"request_id", out.Request.ID,
			"instruction", out.Request.Instruction,
			"latency_ms", out.Latency.Milliseconds(),
			"error", out.Err,
		)
		s.observer.InferenceFailed(out)
		return
	}

	s.succeeded.Add(1)
	if s.commands.CompleteStop(out.Request.Instruction, out.Velocity) {
		s.stopResets.Add(1)
		s.observer.StopCompleted(out.Request)
	}
	s.publisher.Publish(out.Velocity)

	slog.Info("velocity updated",
		"request_id", out.Request.ID,
		"instruction", out.Request.Instruction,
		"linear", out.Velocity.Linear(),
		"angular", out.Velocity.Angular(),
		"latency_ms", out.Latency.Milliseconds(),
	)
	s.observer.InferenceSucceeded(out)
}

func (s *Scheduler) setState(state State, h inference.Handle) {
	s.mu.Lock()
	s.state = state
	s.inflight = h
	s.mu.Unlock()
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Stats returns a snapshot of scheduler counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		State:             s.State().String(),
		Ticks:             s.ticks.Load(),
		Submitted:         s.submitted.Load(),
		Succeeded:         s.succeeded.Load(),
		Failed:            s.failed.Load(),
		PendingPolls:      s.pendingPolls.Load(),
		EmptyInstructions: s.emptyTicks.Load(),
		StopResets:        s.stopResets.Load(),
	}
}
