package core

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/e7canasta/orion-nav/internal/camera"
	"github.com/e7canasta/orion-nav/internal/inference"
	"github.com/e7canasta/orion-nav/internal/orchestrator"
	"github.com/e7canasta/orion-nav/internal/scheduler"
	"github.com/e7canasta/orion-nav/internal/transport/mqtt"
)

// FrameHealth contains frame buffer counters with drop rate
type FrameHealth struct {
	Stored       uint64    `json:"stored"`
	Taken        uint64    `json:"taken"`
	Dropped      uint64    `json:"dropped"`
	DropRate     float64   `json:"drop_rate"`
	HasFrame     bool      `json:"has_frame"`
	LastStoredAt time.Time `json:"last_stored_at"`
}

// InstructionHealth contains command state counters
type InstructionHealth struct {
	Current    string `json:"current"`
	Updates    uint64 `json:"updates"`
	StopResets uint64 `json:"stop_resets"`
}

// PublisherHealth contains velocity publisher counters
type PublisherHealth struct {
	Velocity    []float64 `json:"velocity"`
	Updates     uint64    `json:"updates"`
	Emissions   uint64    `json:"emissions"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastEmitted time.Time `json:"last_emitted"`
}

// TickHealth contains sent and dropped counts of one tick source
type TickHealth struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// HealthStatus represents the health state of the navigator
type HealthStatus struct {
	Status        string             `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds int64              `json:"uptime_seconds"`
	MQTTEnabled   bool               `json:"mqtt_enabled"`
	MQTTConnected bool               `json:"mqtt_connected"`
	CameraRunning bool               `json:"camera_running"`
	Instruction   InstructionHealth  `json:"instruction"`
	Publisher     PublisherHealth    `json:"publisher"`
	Scheduler     scheduler.Stats    `json:"scheduler"`
	Gateway       inference.Metrics  `json:"gateway"`
	Frames        FrameHealth        `json:"frames"`
	Loop          orchestrator.Stats `json:"loop"`
	Ticks         TickHealth         `json:"ticks"`
	OutputTicks   TickHealth         `json:"output_ticks"`
	RateLimitHz   float64            `json:"rate_limit_hz"`

	MQTT       *mqtt.Stats       `json:"mqtt,omitempty"`
	MQTTSource *mqtt.SourceStats `json:"mqtt_source,omitempty"`
	Camera     *camera.Stats     `json:"camera,omitempty"`
}

func tickHealth(t *orchestrator.TickSource) TickHealth {
	sent, dropped := t.Stats()
	return TickHealth{Sent: sent, Dropped: dropped}
}

// HealthCheck returns the current health status of the service
func (n *Navigator) HealthCheck() HealthStatus {
	n.mu.RLock()
	running := n.isRunning
	started := n.started
	n.mu.RUnlock()

	fs := n.loop.Frames().Stats()
	var dropRate float64
	if fs.Stored > 0 {
		dropRate = float64(fs.Dropped) / float64(fs.Stored)
	}

	updates, stopResets := n.loop.Commands().Stats()
	ps := n.loop.Publisher().Stats()

	status := HealthStatus{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(started).Seconds()),
		MQTTEnabled:   n.mqttClient != nil,
		Instruction: InstructionHealth{
			Current:    n.loop.Commands().Current(),
			Updates:    updates,
			StopResets: stopResets,
		},
		Publisher: PublisherHealth{
			Velocity:    ps.Current.Slice(),
			Updates:     ps.Updates,
			Emissions:   ps.Emissions,
			UpdatedAt:   ps.UpdatedAt,
			LastEmitted: ps.LastEmitted,
		},
		Scheduler: n.loop.Scheduler().Stats(),
		Gateway:   n.gateway.Metrics(),
		Frames: FrameHealth{
			Stored:       fs.Stored,
			Taken:        fs.Taken,
			Dropped:      fs.Dropped,
			DropRate:     dropRate,
			HasFrame:     fs.HasFrame,
			LastStoredAt: fs.LastStoredAt,
		},
		Loop:        n.loop.Stats(),
		Ticks:       tickHealth(n.ticks),
		OutputTicks: tickHealth(n.outputTicks),
		RateLimitHz: n.limiter.Rate(),
	}

	if n.mqttClient != nil {
		ms := n.mqttClient.Stats()
		status.MQTT = &ms
		status.MQTTConnected = ms.Connected
	}
	if n.mqttSource != nil {
		ss := n.mqttSource.Stats()
		status.MQTTSource = &ss
	}
	if n.camera != nil {
		cs := n.camera.Stats()
		status.Camera = &cs
		status.CameraRunning = cs.IsRunning
	}

	// Determine overall health status
	if !running {
		status.Status = "unhealthy"
	} else if status.MQTTEnabled && !status.MQTTConnected {
		status.Status = "degraded"
	}

	return status
}

// LivenessHandler handles /health endpoint (simple liveness check)
func (n *Navigator) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	n.mu.RLock()
	uptime := int64(time.Since(n.started).Seconds())
	n.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": uptime,
	})
}

// ReadinessHandler handles /readiness endpoint (detailed readiness check)
// Returns 200 unless the service is not running; degraded is still ready
func (n *Navigator) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	health := n.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, health)
}

// Handler returns the mux serving /health, /readiness and /metrics
func (n *Navigator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", n.LivenessHandler)
	mux.HandleFunc("/readiness", n.ReadinessHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}))
	return mux
}

// StartHealthServer starts the HTTP health check server on the given port.
// It does not block; the returned server is closed by the caller.
func (n *Navigator) StartHealthServer(port string) *http.Server {
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      n.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting health check server",
		"port", port,
		"endpoints", []string{"/health", "/readiness", "/metrics"},
	)

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health check server failed", "error", err)
		}
	}()

	return server
}

// StopHealthServer shuts the server down within ctx
func StopHealthServer(ctx context.Context, server *http.Server) {
	if server == nil {
		return
	}
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("health check server shutdown failed", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("failed to encode health response", "error", err)
	}
}
