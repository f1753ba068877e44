package mqtt

import (
	"context"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-nav/internal/config"
	"github.com/e7canasta/orion-nav/internal/orchestrator"
	"github.com/e7canasta/orion-nav/internal/types"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	cfg := &config.Config{
		InstanceID: "andino-1",
		Inference:  config.InferenceConfig{Provider: config.ProviderMock},
		Camera:     config.CameraConfig{Source: config.SourceSynthetic},
	}
	require.NoError(t, config.Validate(cfg))
	return NewClient(cfg, "test")
}

func TestImageCodec(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	in := types.Image{Seq: 9, Timestamp: ts, Width: 1, Height: 1, Encoding: types.EncodingRGB8, Data: []byte{1, 2, 3}, TraceID: "abc"}

	payload, err := EncodeImage(in)
	require.NoError(t, err)

	out, err := DecodeImage(payload)
	require.NoError(t, err)
	assert.Equal(t, in.Seq, out.Seq)
	assert.True(t, ts.Equal(out.Timestamp))
	assert.Equal(t, in.Data, out.Data)
	assert.Equal(t, "abc", out.TraceID)
}

func TestDecodeImageAssignsTraceID(t *testing.T) {
	payload, err := msgpack.Marshal(&ImageMessage{Seq: 1, Width: 1, Height: 1, Encoding: "bgr8", Data: []byte{0, 0, 0}})
	require.NoError(t, err)

	img, err := DecodeImage(payload)
	require.NoError(t, err)
	assert.NotEmpty(t, img.TraceID)
	assert.False(t, img.Timestamp.IsZero())
}

func TestDecodeGarbage(t *testing.T) {
	_, err := DecodeImage([]byte{0xc1})
	assert.Error(t, err)
	_, err = DecodeCommand([]byte{0xc1})
	assert.Error(t, err)
}

func TestVelocityCodecKeepsSixComponents(t *testing.T) {
	payload, err := EncodeVelocity(types.NewTwist(0.3, -0.1), map[string]string{"tick_seq": "4"})
	require.NoError(t, err)

	var raw VelocityMessage
	require.NoError(t, msgpack.Unmarshal(payload, &raw))
	assert.Len(t, raw.Data, 6)

	v, md, err := DecodeVelocity(payload)
	require.NoError(t, err)
	assert.Equal(t, types.NewTwist(0.3, -0.1), v)
	assert.Equal(t, "4", md["tick_seq"])
}

func TestDecodeVelocityRejectsShortVector(t *testing.T) {
	payload, err := msgpack.Marshal(&VelocityMessage{Data: []float64{0.1, 0.2}})
	require.NoError(t, err)
	_, _, err = DecodeVelocity(payload)
	assert.Error(t, err)
}

func imagePayload(t *testing.T, seq uint64) []byte {
	t.Helper()
	payload, err := EncodeImage(types.Image{Seq: seq, Width: 1, Height: 1, Encoding: "bgr8", Data: []byte{0, 0, 0}})
	require.NoError(t, err)
	return payload
}

// Frames arriving while the loop is busy coalesce to the newest one.
func TestImageHandlerKeepsNewestFrame(t *testing.T) {
	s := NewSource(testClient(t))
	handle := s.imageHandler()

	for seq := uint64(1); seq <= 3; seq++ {
		handle(imagePayload(t, seq))
	}

	stats := s.Stats()
	assert.Equal(t, uint64(3), stats.Images)
	assert.Equal(t, uint64(2), stats.ImagesDropped)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan orchestrator.Event)
	s.wg.Add(1)
	go s.forwardImages(ctx, out)

	select {
	case ev := <-out:
		assert.Equal(t, orchestrator.KindImage, ev.Kind)
		assert.Equal(t, uint64(3), ev.Image.Seq)
	case <-time.After(time.Second):
		t.Fatal("newest frame not forwarded")
	}

	cancel()
	s.wg.Wait()
}

func TestForwarderStopsWhileLoopBlocked(t *testing.T) {
	s := NewSource(testClient(t))
	s.imageHandler()(imagePayload(t, 1))

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.forwardImages(ctx, make(chan orchestrator.Event))

	done := make(chan struct{})
	go func() {
		s.halt()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forwarder did not stop")
	}
}

func TestCommandHandlerPassesValuesThrough(t *testing.T) {
	s := NewSource(testClient(t))
	out := make(chan orchestrator.Event, 1)
	handle := s.commandHandler(context.Background(), out)

	payload, err := EncodeCommand("left", "right")
	require.NoError(t, err)
	handle(payload)

	ev := <-out
	assert.Equal(t, orchestrator.KindCommand, ev.Kind)
	assert.Equal(t, []string{"left", "right"}, ev.Values)
}

func TestCommandHandlerCountsDecodeErrors(t *testing.T) {
	s := NewSource(testClient(t))
	out := make(chan orchestrator.Event, 1)
	s.commandHandler(context.Background(), out)([]byte{0xc1})

	assert.Equal(t, uint64(1), s.Stats().DecodeErrors)
	assert.Empty(t, out)
}

func TestPublishWithoutConnection(t *testing.T) {
	c := testClient(t)
	err := NewSink(c).EmitVelocity(context.Background(), types.ZeroVelocity(), nil)
	assert.Error(t, err)
	assert.Equal(t, uint64(1), c.Stats().Errors)
}

// pendingToken never completes, like a QoS 1 publish the broker never acks.
type pendingToken struct {
	done chan struct{}
}

func (t *pendingToken) Wait() bool {
	<-t.done
	return true
}

func (t *pendingToken) WaitTimeout(time.Duration) bool { return false }
func (t *pendingToken) Done() <-chan struct{} { return t.done }
func (t *pendingToken) Error() error { return nil }

type stalledBroker struct {
	paho.Client
	publishes int
}

func (b *stalledBroker) Publish(string, byte, bool, interface{}) paho.Token {
	b.publishes++
	return &pendingToken{done: make(chan struct{})}
}

func TestSinkDoesNotWaitForBroker(t *testing.T) {
	c := testClient(t)
	broker := &stalledBroker{}
	c.paho = broker
	c.setConnected(true)

	start := time.Now()
	err := NewSink(c).EmitVelocity(context.Background(), types.NewTwist(0.1, 0), nil)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 1, broker.publishes)
}

func TestClientIDSuffix(t *testing.T) {
	assert.Equal(t, "andino-1-test", testClient(t).clientID)
}
