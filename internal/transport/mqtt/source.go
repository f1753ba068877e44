package mqtt

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-nav/internal/framebuffer"
	"github.com/e7canasta/orion-nav/internal/orchestrator"
)

// commandSendTimeout bounds how long a paho callback may wait for the loop.
const commandSendTimeout = 2 * time.Second

// Source feeds image and command messages into the control loop.
//
// Images pass through a single last-write-wins slot: while the loop channel
// is full the slot keeps only the newest frame, and a forwarder hands it over
// once there is room. Instructions are never dropped silently; the callback
// waits up to commandSendTimeout.
type Source struct {
	client       *Client
	imageTopic   string
	commandTopic string

	latest *framebuffer.Buffer
	ready  chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	images       atomic.Uint64
	commands     atomic.Uint64
	decodeErrors atomic.Uint64
}

// NewSource creates a source on the configured image and command topics.
func NewSource(client *Client) *Source {
	return &Source{
		client:       client,
		imageTopic:   client.cfg.MQTT.Topics.Image,
		commandTopic: client.cfg.MQTT.Topics.Command,
		latest:       framebuffer.New(),
		ready:        make(chan struct{}, 1),
	}
}

// Start subscribes both topics. Events are delivered to out until ctx ends
// or Stop is called.
func (s *Source) Start(ctx context.Context, out chan<- orchestrator.Event) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.forwardImages(ctx, out)

	if err := s.client.Subscribe(ctx, s.imageTopic, s.client.QoS("image"), s.imageHandler()); err != nil {
		s.halt()
		return err
	}
	if err := s.client.Subscribe(ctx, s.commandTopic, s.client.QoS("command"), s.commandHandler(ctx, out)); err != nil {
		s.halt()
		return err
	}

	slog.Info("mqtt source started", "image_topic", s.imageTopic, "command_topic", s.commandTopic)
	return nil
}

// Stop unsubscribes both topics and stops the image forwarder.
func (s *Source) Stop() error {
	s.client.Unsubscribe(s.imageTopic, s.commandTopic)
	s.halt()

	stats := s.Stats()
	slog.Info("mqtt source stopped",
		"images", stats.Images,
		"images_dropped", stats.ImagesDropped,
		"commands", stats.Commands,
	)
	return nil
}

func (s *Source) halt() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Source) imageHandler() func([]byte) {
	return func(payload []byte) {
		img, err := DecodeImage(payload)
		if err != nil {
			s.decodeErrors.Add(1)
			slog.Error("failed to decode image message", "error", err, "size", len(payload))
			return
		}

		s.images.Add(1)
		s.latest.Store(img)
		select {
		case s.ready <- struct{}{}:
		default:
		}
	}
}

// forwardImages moves the newest stored frame into the loop channel.
func (s *Source) forwardImages(ctx context.Context, out chan<- orchestrator.Event) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ready:
		}

		img, ok := s.latest.TakeIfPresent()
		if !ok {
			continue
		}
		select {
		case out <- orchestrator.Event{Kind: orchestrator.KindImage, Image: img}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Source) commandHandler(ctx context.Context, out chan<- orchestrator.Event) func([]byte) {
	return func(payload []byte) {
		values, err := DecodeCommand(payload)
		if err != nil {
			s.decodeErrors.Add(1)
			slog.Error("failed to decode command message", "error", err)
			return
		}

		s.commands.Add(1)
		slog.Info("command message received", "values", values)

		timer := time.NewTimer(commandSendTimeout)
		defer timer.Stop()

		select {
		case out <- orchestrator.Event{Kind: orchestrator.KindCommand, Values: values}:
		case <-ctx.Done():
		case <-timer.C:
			slog.Error("control loop did not accept command, dropping", "values", values)
		}
	}
}

// SourceStats contains source counters
type SourceStats struct {
	Images        uint64 `json:"images"`
	ImagesDropped uint64 `json:"images_dropped"`
	Commands      uint64 `json:"commands"`
	DecodeErrors  uint64 `json:"decode_errors"`
}

// Stats returns source counters
func (s *Source) Stats() SourceStats {
	return SourceStats{
		Images:        s.images.Load(),
		ImagesDropped: s.latest.Stats().Dropped,
		Commands:      s.commands.Load(),
		DecodeErrors:  s.decodeErrors.Load(),
	}
}
