package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-nav/internal/command"
	"github.com/e7canasta/orion-nav/internal/inference"
	"github.com/e7canasta/orion-nav/internal/orchestrator"
	"github.com/e7canasta/orion-nav/internal/types"
)

// scriptedGateway answers with the next scripted outcome, resolving it only
// when the test releases the handle.
type scriptedGateway struct {
	mu       sync.Mutex
	requests []inference.Request
	handles  []*scriptedHandle
}

type scriptedHandle struct {
	req inference.Request

	mu  sync.Mutex
	out *inference.Outcome
}

func (h *scriptedHandle) Request() inference.Request { return h.req }

func (h *scriptedHandle) Poll() inference.Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.out == nil {
		return inference.Outcome{Status: inference.NotReady, Request: h.req}
	}
	return *h.out
}

func (h *scriptedHandle) resolve(out inference.Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out.Request = h.req
	h.out = &out
}

func (g *scriptedGateway) Submit(_ context.Context, req inference.Request) inference.Handle {
	g.mu.Lock()
	defer g.mu.Unlock()
	h := &scriptedHandle{req: req}
	g.requests = append(g.requests, req)
	g.handles = append(g.handles, h)
	return h
}

func (g *scriptedGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func (g *scriptedGateway) last() *scriptedHandle {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.handles[len(g.handles)-1]
}

type emission struct {
	velocity types.Velocity
	metadata map[string]string
}

type recordingSink struct {
	mu        sync.Mutex
	emissions []emission
	err       error
}

func (s *recordingSink) EmitVelocity(_ context.Context, v types.Velocity, md map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emissions = append(s.emissions, emission{velocity: v, metadata: md})
	return s.err
}

func (s *recordingSink) all() []emission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]emission(nil), s.emissions...)
}

type rejectObserver struct {
	orchestrator.NopObserver
	rejected []error
	emitErrs int
}

func (o *rejectObserver) InstructionRejected(_ []string, err error) { o.rejected = append(o.rejected, err) }
func (o *rejectObserver) EmitFailed(error) { o.emitErrs++ }

func newLoop(instruction string) (*orchestrator.Orchestrator, *scriptedGateway, *recordingSink, *rejectObserver) {
	gw := &scriptedGateway{}
	sink := &recordingSink{}
	obs := &rejectObserver{}
	o := orchestrator.New(orchestrator.Components{
		Commands: command.NewState(instruction),
		Gateway:  gw,
		Sink:     sink,
		Observer: obs,
	})
	return o, gw, sink, obs
}

func imageEvent(seq uint64) orchestrator.Event {
	return orchestrator.Event{
		Kind:  orchestrator.KindImage,
		Image: types.Image{Seq: seq, Width: 2, Height: 1, Encoding: types.EncodingBGR8, Data: make([]byte, 6)},
	}
}

func tick() orchestrator.Event { return orchestrator.Event{Kind: orchestrator.KindTick} }

func outputTick(md map[string]string) orchestrator.Event {
	return orchestrator.Event{Kind: orchestrator.KindOutputTick, Metadata: md}
}

func commandEvent(values ...string) orchestrator.Event {
	return orchestrator.Event{Kind: orchestrator.KindCommand, Values: values}
}

func dispatchAll(t *testing.T, o *orchestrator.Orchestrator, events ...orchestrator.Event) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, o.Dispatch(context.Background(), ev))
	}
}

func TestConcreteScenario(t *testing.T) {
	o, gw, sink, _ := newLoop("move forward")

	dispatchAll(t, o, imageEvent(1), tick())
	require.Equal(t, 1, gw.count())
	assert.Equal(t, "move forward", gw.requests[0].Instruction)

	gw.last().resolve(inference.Outcome{
		Status:   inference.Succeeded,
		Velocity: types.Velocity{0.3, 0, 0, 0, 0, 0.0},
	})
	dispatchAll(t, o, tick())

	md := map[string]string{"tick_seq": "7"}
	dispatchAll(t, o, outputTick(md), outputTick(md))

	emitted := sink.all()
	require.Len(t, emitted, 2)
	for _, e := range emitted {
		assert.Equal(t, types.Velocity{0.3, 0, 0, 0, 0, 0.0}, e.velocity)
		assert.Equal(t, md, e.metadata)
	}
}

func TestCommandDuringStopRequestIsKept(t *testing.T) {
	o, gw, _, _ := newLoop("stop")

	dispatchAll(t, o, imageEvent(1), tick(), commandEvent("turn left"))
	gw.last().resolve(inference.Outcome{Status: inference.Succeeded, Velocity: types.ZeroVelocity()})
	dispatchAll(t, o, tick())
	assert.Equal(t, "turn left", o.Commands().Current())

	dispatchAll(t, o, imageEvent(2), tick())
	require.Equal(t, 2, gw.count())
	assert.Equal(t, "turn left", gw.requests[1].Instruction)
}

func TestOutputDecoupling(t *testing.T) {
	o, gw, sink, _ := newLoop("turn left")

	dispatchAll(t, o, imageEvent(1), tick())
	gw.last().resolve(inference.Outcome{Status: inference.Succeeded, Velocity: types.NewTwist(0, 0.5)})
	dispatchAll(t, o, tick())

	// Second request in flight while many output ticks fire.
	dispatchAll(t, o, imageEvent(2), tick())
	for i := 0; i < 10; i++ {
		dispatchAll(t, o, outputTick(nil), imageEvent(uint64(3+i)))
	}

	emitted := sink.all()
	require.Len(t, emitted, 10)
	for _, e := range emitted {
		assert.Equal(t, types.NewTwist(0, 0.5), e.velocity)
	}
	assert.Equal(t, 2, gw.count())
}

func TestOutputBeforeAnyInferenceIsZero(t *testing.T) {
	o, _, sink, _ := newLoop("move forward")
	dispatchAll(t, o, outputTick(nil))

	require.Len(t, sink.all(), 1)
	assert.True(t, sink.all()[0].velocity.IsZero())
}

func TestCommandEventSetsInstruction(t *testing.T) {
	o, gw, _, _ := newLoop(command.Empty)

	dispatchAll(t, o, imageEvent(1), tick())
	assert.Zero(t, gw.count())

	dispatchAll(t, o, commandEvent("go to the red ball"), imageEvent(2), tick())
	require.Equal(t, 1, gw.count())
	assert.Equal(t, "go to the red ball", gw.requests[0].Instruction)
}

func TestMalformedCommandIsRejected(t *testing.T) {
	o, _, _, obs := newLoop("move forward")

	err := o.Dispatch(context.Background(), commandEvent("left", "right"))
	require.ErrorIs(t, err, command.ErrMultipleValues)
	assert.NotErrorIs(t, err, orchestrator.ErrFatal)

	assert.Equal(t, "move forward", o.Commands().Current())
	require.Len(t, obs.rejected, 1)
	assert.Equal(t, uint64(1), o.Stats().Rejected)
}

func TestUnsupportedEncodingIsFatal(t *testing.T) {
	o, _, _, _ := newLoop("move forward")

	ev := imageEvent(1)
	ev.Image.Encoding = "mono8"
	err := o.Dispatch(context.Background(), ev)
	assert.ErrorIs(t, err, orchestrator.ErrFatal)
	assert.False(t, o.Frames().Stats().HasFrame)
}

func TestSinkErrorIsNotFatal(t *testing.T) {
	o, _, sink, obs := newLoop("move forward")
	sink.err = errors.New("broker down")

	require.NoError(t, o.Dispatch(context.Background(), outputTick(nil)))
	assert.Equal(t, 1, obs.emitErrs)
	assert.Equal(t, uint64(1), o.Stats().EmitErrors)
}

func TestUnknownEventKind(t *testing.T) {
	o, _, _, _ := newLoop("move forward")
	err := o.Dispatch(context.Background(), orchestrator.Event{Kind: "joint_speeds"})
	assert.ErrorIs(t, err, orchestrator.ErrUnknownEvent)
}

func TestRunStopsOnFatalError(t *testing.T) {
	o, _, _, _ := newLoop("move forward")
	events := make(chan orchestrator.Event, 4)

	bad := imageEvent(2)
	bad.Image.Data = bad.Image.Data[:3]
	events <- commandEvent("a", "b")
	events <- imageEvent(1)
	events <- bad

	err := o.Run(context.Background(), events)
	assert.ErrorIs(t, err, orchestrator.ErrFatal)
	assert.Equal(t, uint64(2), o.Stats().Images)
}

func TestRunReturnsOnClosedChannel(t *testing.T) {
	o, _, sink, _ := newLoop("move forward")
	events := make(chan orchestrator.Event, 2)
	events <- outputTick(nil)
	close(events)

	require.NoError(t, o.Run(context.Background(), events))
	assert.Len(t, sink.all(), 1)
}

func TestRunReturnsOnCancel(t *testing.T) {
	o, _, _, _ := newLoop("move forward")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- o.Run(ctx, make(chan orchestrator.Event)) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

// End to end with the real async gateway: the loop keeps absorbing events
// while the call is in flight.
func TestLoopStaysLiveWhileInferencePending(t *testing.T) {
	release := make(chan struct{})
	client := inference.ClientFunc(func(ctx context.Context, _ string, _ []byte) (types.Velocity, error) {
		<-release
		return types.NewTwist(0.25, 0), nil
	})
	sink := &recordingSink{}
	o := orchestrator.New(orchestrator.Components{
		Commands: command.NewState("move forward"),
		Gateway:  inference.NewAsyncGateway(client, inference.GatewayConfig{}),
		Sink:     sink,
	})
	ctx := context.Background()

	dispatchAll(t, o, imageEvent(1), tick())
	for i := 0; i < 5; i++ {
		dispatchAll(t, o, imageEvent(uint64(2+i)), tick(), outputTick(nil), commandEvent("move forward"))
	}
	assert.Equal(t, uint64(1), o.Scheduler().Stats().Submitted)

	close(release)
	require.Eventually(t, func() bool {
		_ = o.Dispatch(ctx, tick())
		return o.Publisher().Current() == types.NewTwist(0.25, 0)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTickSourceEmitsAndDrops(t *testing.T) {
	src := orchestrator.NewTickSource(orchestrator.KindOutputTick, time.Millisecond)
	out := make(chan orchestrator.Event, 1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		src.Run(ctx, out)
		close(done)
	}()

	ev := <-out
	assert.Equal(t, orchestrator.KindOutputTick, ev.Kind)
	assert.NotEmpty(t, ev.Metadata["tick_seq"])

	require.Eventually(t, func() bool {
		_, dropped := src.Stats()
		return dropped > 0
	}, 2*time.Second, time.Millisecond)

	cancel()
	<-done
}
