package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/orion-nav/internal/camera"
	"github.com/e7canasta/orion-nav/internal/command"
	"github.com/e7canasta/orion-nav/internal/config"
	"github.com/e7canasta/orion-nav/internal/control"
	"github.com/e7canasta/orion-nav/internal/inference"
	"github.com/e7canasta/orion-nav/internal/observability"
	"github.com/e7canasta/orion-nav/internal/orchestrator"
	"github.com/e7canasta/orion-nav/internal/transport/mqtt"
	"github.com/e7canasta/orion-nav/internal/types"
)

// FrameSource delivers image (and possibly command) events into the loop
type FrameSource interface {
	Start(ctx context.Context, out chan<- orchestrator.Event) error
	Stop() error
}

// Navigator is the main service: it owns the control loop and every
// producer feeding it
type Navigator struct {
	cfg *config.Config

	// Core components
	gateway     *inference.AsyncGateway
	loop        *orchestrator.Orchestrator
	ticks       *orchestrator.TickSource
	outputTicks *orchestrator.TickSource
	limiter     *inference.RateLimitedClient
	mqttClient  *mqtt.Client     // nil when MQTT is disabled
	mqttSource  *mqtt.Source     // nil when MQTT is disabled
	control     *control.Handler // nil when MQTT is disabled
	sources     []FrameSource
	camera      *camera.Synthetic // nil unless camera.source is synthetic
	registry    *prometheus.Registry

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	isRunning bool
	cancelRun context.CancelFunc
}

// NewNavigator wires the service from cfg. Metrics are registered on reg.
func NewNavigator(cfg *config.Config, reg *prometheus.Registry) (*Navigator, error) {
	provider, err := newProviderClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create inference client: %w", err)
	}
	// Always wrapped so the control plane can impose a rate later.
	limiter := inference.NewRateLimitedClient(provider, cfg.Inference.MaxRateHz, 1)

	gateway := inference.NewAsyncGateway(limiter, inference.GatewayConfig{
		SafeRange:     cfg.Inference.SafeRange,
		Timeout:       cfg.InferenceTimeout(),
		DumpFramePath: cfg.Inference.DumpFramePath,
	})

	n := &Navigator{
		cfg:         cfg,
		gateway:     gateway,
		limiter:     limiter,
		ticks:       orchestrator.NewTickSource(orchestrator.KindTick, cfg.TickInterval()),
		outputTicks: orchestrator.NewTickSource(orchestrator.KindOutputTick, cfg.OutputTickInterval()),
		registry:    reg,
	}

	var sink orchestrator.Sink = logSink{}
	if cfg.MQTTEnabled() {
		n.mqttClient = mqtt.NewClient(cfg, "")
		sink = mqtt.NewSink(n.mqttClient)
		n.mqttSource = mqtt.NewSource(n.mqttClient)
		n.sources = append(n.sources, n.mqttSource)
		n.control = control.NewHandler(n.mqttClient, control.Topics{
			Control:    cfg.MQTT.Topics.Control,
			ControlQoS: n.mqttClient.QoS("control"),
			Status:     cfg.MQTT.Topics.Status,
			StatusQoS:  n.mqttClient.QoS("status"),
		}, control.Callbacks{
			OnGetStatus:        n.GetStatus,
			OnSetInferenceRate: n.SetInferenceRate,
			OnShutdown:         n.requestStop,
		})
	}
	if cfg.Camera.Source == config.SourceSynthetic {
		n.camera = camera.NewSynthetic(cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS, cfg.Camera.Encoding)
		n.sources = append(n.sources, n.camera)
	}

	n.loop = orchestrator.New(orchestrator.Components{
		Commands: command.NewState(cfg.Command),
		Gateway:  gateway,
		Sink:     sink,
		Observer: observability.NewObserver(observability.MustNewMetrics(reg)),
	})

	if cfg.Command == command.Empty {
		slog.Info("no initial instruction, waiting for command events", "topic", cfg.MQTT.Topics.Command)
	}

	return n, nil
}

// NewInferenceClient builds the configured provider client, wrapped with the
// optional rate limit
func NewInferenceClient(cfg *config.Config) (inference.Client, error) {
	client, err := newProviderClient(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Inference.MaxRateHz > 0 {
		slog.Info("inference rate limit enabled", "max_rate_hz", cfg.Inference.MaxRateHz)
	}
	return inference.WithRateLimit(client, cfg.Inference.MaxRateHz, 1), nil
}

func newProviderClient(cfg *config.Config) (inference.Client, error) {
	var client inference.Client

	switch cfg.Inference.Provider {
	case config.ProviderMock:
		mc := cfg.Inference.Mock
		client = inference.NewStaticClient(mc.Linear, mc.Angular, time.Duration(mc.DelayMS)*time.Millisecond)
		slog.Info("using mock inference provider", "linear", mc.Linear, "angular", mc.Angular, "delay_ms", mc.DelayMS)

	case config.ProviderGemini:
		gc, err := inference.NewGeminiClient(inference.GeminiConfig{
			APIKey:      cfg.Inference.APIKey,
			Model:       cfg.Inference.Model,
			BaseURL:     cfg.Inference.BaseURL,
			Temperature: cfg.Inference.Temperature,
			MaxRetries:  cfg.Inference.MaxRetries,
		})
		if err != nil {
			return nil, err
		}
		client = gc

	default:
		return nil, fmt.Errorf("unknown inference provider %q", cfg.Inference.Provider)
	}
	return client, nil
}

// Run starts the service and blocks until ctx is cancelled or the control
// loop hits a fatal error
func (n *Navigator) Run(ctx context.Context) error {
	n.mu.Lock()
	if n.isRunning {
		n.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	n.isRunning = true
	n.started = time.Now()
	n.cancelRun = cancel
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		n.isRunning = false
		n.cancelRun = nil
		n.mu.Unlock()
	}()

	slog.Info("navigator starting",
		"instance_id", n.cfg.InstanceID,
		"provider", n.cfg.Inference.Provider,
		"camera_source", n.cfg.Camera.Source,
		"mqtt_enabled", n.cfg.MQTTEnabled(),
	)

	if n.mqttClient != nil {
		if err := n.mqttClient.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}
	}
	if n.control != nil {
		if err := n.control.Start(ctx); err != nil {
			return err
		}
	}

	events := make(chan orchestrator.Event, n.cfg.Control.EventBuffer)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return n.loop.Run(gctx, events)
	})
	g.Go(func() error {
		n.ticks.Run(gctx, events)
		return nil
	})
	g.Go(func() error {
		n.outputTicks.Run(gctx, events)
		return nil
	})

	for _, src := range n.sources {
		if err := src.Start(gctx, events); err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("failed to start frame source: %w", err)
		}
	}

	slog.Info("navigator running",
		"tick_interval", n.cfg.TickInterval(),
		"output_tick_interval", n.cfg.OutputTickInterval(),
	)

	err := g.Wait()
	slog.Info("navigator run loop exiting")
	return err
}

// Shutdown performs graceful shutdown of producers and the broker connection
func (n *Navigator) Shutdown(ctx context.Context) error {
	slog.Info("shutting down navigator")

	done := make(chan struct{})
	go func() {
		defer close(done)

		// Stop producers first, then drop the connection they use.
		if n.control != nil {
			if err := n.control.Stop(); err != nil {
				slog.Error("failed to stop control plane", "error", err)
			}
		}
		for _, src := range n.sources {
			if err := src.Stop(); err != nil {
				slog.Error("failed to stop frame source", "error", err)
			}
		}
		if n.mqttClient != nil {
			if err := n.mqttClient.Disconnect(); err != nil {
				slog.Error("failed to disconnect mqtt", "error", err)
			}
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}

	n.mu.RLock()
	uptime := time.Since(n.started)
	n.mu.RUnlock()

	slog.Info("navigator shutdown complete",
		"uptime", uptime,
		"gateway", n.gateway.Metrics(),
		"scheduler", n.loop.Scheduler().Stats(),
	)
	return nil
}

// GetStatus returns the current status of the service
func (n *Navigator) GetStatus() map[string]interface{} {
	n.mu.RLock()
	defer n.mu.RUnlock()

	v := n.loop.Publisher().Current()
	return map[string]interface{}{
		"instance_id": n.cfg.InstanceID,
		"uptime_s":    time.Since(n.started).Seconds(),
		"running":     n.isRunning,
		"instruction": n.loop.Commands().Current(),
		"state":       n.loop.Scheduler().State().String(),
		"velocity":    []float64{v.Linear(), v.Angular()},
		"rate_hz":     n.limiter.Rate(),
		"gateway":     n.gateway.Metrics(),
	}
}

// SetInferenceRate changes the inference rate limit; 0 removes it
func (n *Navigator) SetInferenceRate(hz float64) error {
	if hz < 0 {
		return fmt.Errorf("rate_hz must be >= 0, got %v", hz)
	}
	old := n.limiter.Rate()
	n.limiter.SetRate(hz)
	slog.Info("inference rate updated", "old_hz", old, "new_hz", hz)
	return nil
}

// requestStop ends Run as if its context had been cancelled
func (n *Navigator) requestStop() error {
	n.mu.RLock()
	cancel := n.cancelRun
	n.mu.RUnlock()

	if cancel == nil {
		return fmt.Errorf("service is not running")
	}
	cancel()
	return nil
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (n *Navigator) ShutdownTimeout() time.Duration {
	if timeout := n.cfg.ShutdownTimeout(); timeout > 0 {
		return timeout
	}
	return 5 * time.Second
}

// Loop exposes the control loop (tests, status)
func (n *Navigator) Loop() *orchestrator.Orchestrator {
	return n.loop
}

// logSink stands in for cmd_vel when no broker is configured
type logSink struct{}

func (logSink) EmitVelocity(_ context.Context, v types.Velocity, metadata map[string]string) error {
	slog.Debug("cmd_vel", "linear", v.Linear(), "angular", v.Angular(), "tick_seq", metadata["tick_seq"])
	return nil
}
