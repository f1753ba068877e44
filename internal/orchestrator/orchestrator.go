// Package orchestrator is the control loop: one goroutine that receives every
// event (camera frames, control ticks, output ticks, instructions) and routes
// it to the component that owns the matching state.
//
// Events are handled strictly one at a time in arrival order. The frame
// buffer, instruction, published velocity and scheduler state are only
// mutated from here, which is what keeps single-flight and last-write-wins
// correct. Producers (MQTT callbacks, tickers, the synthetic camera) only
// ever send Events into the loop's channel.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/e7canasta/orion-nav/internal/command"
	"github.com/e7canasta/orion-nav/internal/framebuffer"
	"github.com/e7canasta/orion-nav/internal/imagecodec"
	"github.com/e7canasta/orion-nav/internal/inference"
	"github.com/e7canasta/orion-nav/internal/scheduler"
	"github.com/e7canasta/orion-nav/internal/types"
	"github.com/e7canasta/orion-nav/internal/velocity"
)

// Kind identifies the port an event arrived on.
type Kind string

const (
	KindImage      Kind = "image"
	KindTick       Kind = "tick"
	KindOutputTick Kind = "output_tick"
	KindCommand    Kind = "command"
)

// Event is one input to the control loop.
type Event struct {
	Kind     Kind
	Image    types.Image       // KindImage
	Values   []string          // KindCommand
	Metadata map[string]string // passed through to the sink on KindOutputTick
}

var (
	// ErrFatal marks errors that must stop the loop (malformed sensor payload).
	ErrFatal = errors.New("fatal control loop error")

	// ErrUnknownEvent is returned for events of an unrecognized kind.
	ErrUnknownEvent = errors.New("unknown event kind")
)

// Sink receives the velocity stream.
type Sink interface {
	EmitVelocity(ctx context.Context, v types.Velocity, metadata map[string]string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, v types.Velocity, metadata map[string]string) error

// EmitVelocity implements Sink.
func (f SinkFunc) EmitVelocity(ctx context.Context, v types.Velocity, metadata map[string]string) error {
	return f(ctx, v, metadata)
}

// Observer receives every loop event worth counting. Implementations must not block.
type Observer interface {
	scheduler.Observer
	FrameReceived(img types.Image)
	InstructionRejected(values []string, err error)
	VelocityEmitted(v types.Velocity)
	EmitFailed(err error)
}

// NopObserver ignores every event.
type NopObserver struct {
	scheduler.NopObserver
}

func (NopObserver) FrameReceived(types.Image) {}
func (NopObserver) InstructionRejected([]string, error) {}
func (NopObserver) VelocityEmitted(types.Velocity) {}
func (NopObserver) EmitFailed(error) {}

// Components are the collaborators the loop routes events to.
type Components struct {
	Frames    *framebuffer.Buffer
	Commands  *command.State
	Publisher *velocity.Publisher
	Gateway   inference.Gateway
	Sink      Sink
	Observer  Observer
}

// Stats counts dispatched events by kind.
type Stats struct {
	Images      uint64 `json:"images"`
	Ticks       uint64 `json:"ticks"`
	OutputTicks uint64 `json:"output_ticks"`
	Commands    uint64 `json:"commands"`
	Rejected    uint64 `json:"rejected"`
	EmitErrors  uint64 `json:"emit_errors"`
}

// Orchestrator is the single-goroutine event dispatcher.
type Orchestrator struct {
	frames    *framebuffer.Buffer
	commands  *command.State
	publisher *velocity.Publisher
	scheduler *scheduler.Scheduler
	sink      Sink
	observer  Observer

	images      atomic.Uint64
	ticks       atomic.Uint64
	outputTicks atomic.Uint64
	instrs      atomic.Uint64
	rejected    atomic.Uint64
	emitErrors  atomic.Uint64
}

// New wires the loop and its scheduler. Nil Frames, Commands and Publisher
// are created empty; a nil Observer becomes NopObserver.
func New(c Components) *Orchestrator {
	if c.Frames == nil {
		c.Frames = framebuffer.New()
	}
	if c.Commands == nil {
		c.Commands = command.NewState(command.Empty)
	}
	if c.Publisher == nil {
		c.Publisher = velocity.NewPublisher()
	}
	if c.Observer == nil {
		c.Observer = NopObserver{}
	}

	return &Orchestrator{
		frames:    c.Frames,
		commands:  c.Commands,
		publisher: c.Publisher,
		scheduler: scheduler.New(c.Frames, c.Commands, c.Publisher, c.Gateway, c.Observer),
		sink:      c.Sink,
		observer:  c.Observer,
	}
}

// Run processes events until ctx is cancelled, the channel closes, or a
// fatal error occurs. Non-fatal dispatch errors are logged and skipped.
func (o *Orchestrator) Run(ctx context.Context, events <-chan Event) error {
	slog.Info("control loop started", "instruction", o.commands.Current())

	for {
		select {
		case <-ctx.Done():
			slog.Info("control loop stopping", "stats", o.Stats())
			return nil

		case ev, ok := <-events:
			if !ok {
				slog.Info("event channel closed", "stats", o.Stats())
				return nil
			}

			if err := o.Dispatch(ctx, ev); err != nil {
				if errors.Is(err, ErrFatal) {
					slog.Error("control loop aborted", "kind", ev.Kind, "error", err)
					return err
				}
				slog.Warn("event rejected", "kind", ev.Kind, "error", err)
			}
		}
	}
}

// Dispatch routes one event. It must only be called from the loop goroutine.
func (o *Orchestrator) Dispatch(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case KindImage:
		return o.onImage(ev.Image)
	case KindTick:
		o.ticks.Add(1)
		o.scheduler.OnTick(ctx)
		return nil
	case KindOutputTick:
		o.onOutputTick(ctx, ev.Metadata)
		return nil
	case KindCommand:
		return o.onCommand(ev.Values)
	default:
		o.rejected.Add(1)
		return fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Kind)
	}
}

func (o *Orchestrator) onImage(img types.Image) error {
	o.images.Add(1)

	// Encoding is fixed per deployment: a frame we cannot convert means the
	// node is wired to the wrong camera.
	if err := imagecodec.Validate(img); err != nil {
		return fmt.Errorf("%w: frame %d: %w", ErrFatal, img.Seq, err)
	}

	o.frames.Store(img)
	o.observer.FrameReceived(img)
	return nil
}

func (o *Orchestrator) onOutputTick(ctx context.Context, metadata map[string]string) {
	o.outputTicks.Add(1)

	v := o.publisher.Emit()
	o.observer.VelocityEmitted(v)

	if o.sink == nil {
		return
	}
	if err := o.sink.EmitVelocity(ctx, v, metadata); err != nil {
		o.emitErrors.Add(1)
		o.observer.EmitFailed(err)
		slog.Error("failed to emit velocity", "velocity", v.String(), "error", err)
	}
}

func (o *Orchestrator) onCommand(values []string) error {
	o.instrs.Add(1)

	instruction, err := command.ParseInstruction(values)
	if err != nil {
		o.rejected.Add(1)
		o.observer.InstructionRejected(values, err)
		return fmt.Errorf("instruction rejected: %w", err)
	}

	o.commands.Set(instruction)
	return nil
}

// Scheduler exposes the scheduler for status reporting.
func (o *Orchestrator) Scheduler() *scheduler.Scheduler {
	return o.scheduler
}

// Frames exposes the frame buffer for status reporting.
func (o *Orchestrator) Frames() *framebuffer.Buffer {
	return o.frames
}

// Commands exposes the instruction state for status reporting.
func (o *Orchestrator) Commands() *command.State {
	return o.commands
}

// Publisher exposes the velocity publisher for status reporting.
func (o *Orchestrator) Publisher() *velocity.Publisher {
	return o.publisher
}

// Stats returns dispatched event counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Images:      o.images.Load(),
		Ticks:       o.ticks.Load(),
		OutputTicks: o.outputTicks.Load(),
		Commands:    o.instrs.Load(),
		Rejected:    o.rejected.Load(),
		EmitErrors:  o.emitErrors.Load(),
	}
}
