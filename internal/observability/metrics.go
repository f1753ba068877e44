// Package observability turns control loop events into Prometheus metrics
// and structured logs.
package observability

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "navd"

// Metrics exposes Prometheus collectors that report control loop activity.
type Metrics struct {
	inferenceTotal    *prometheus.CounterVec
	inferenceDuration prometheus.Histogram
	inferenceInFlight prometheus.Gauge
	framesReceived    prometheus.Counter
	rejected          *prometheus.CounterVec
	velocityEmitted   prometheus.Counter
	emitErrors        prometheus.Counter
	velocity          *prometheus.GaugeVec
	stopResets        prometheus.Counter
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Collectors already registered under the same name are reused, so several
// instances can share one registry. Any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	return &Metrics{
		inferenceTotal: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "inference",
				Name:      "requests_total",
				Help:      "Inference requests by lifecycle event (submitted, succeeded, failed).",
			},
			[]string{"event"},
		)),
		inferenceDuration: register(reg, prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "inference",
				Name:      "duration_seconds",
				Help:      "Latency of completed inference calls.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32},
			},
		)),
		inferenceInFlight: register(reg, prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "inference",
				Name:      "in_flight",
				Help:      "Inference calls currently outstanding (0 or 1).",
			},
		)),
		framesReceived: register(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "loop",
				Name:      "frames_received_total",
				Help:      "Camera frames accepted into the frame buffer.",
			},
		)),
		rejected: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "loop",
				Name:      "instructions_rejected_total",
				Help:      "Instruction events rejected as malformed.",
			},
			[]string{"reason"},
		)),
		velocityEmitted: register(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "velocity",
				Name:      "emitted_total",
				Help:      "Velocity commands emitted on output ticks.",
			},
		)),
		emitErrors: register(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "velocity",
				Name:      "emit_errors_total",
				Help:      "Velocity commands the sink failed to deliver.",
			},
		)),
		velocity: register(reg, prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "velocity",
				Name:      "current",
				Help:      "Last emitted velocity by component.",
			},
			[]string{"component"},
		)),
		stopResets: register(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "loop",
				Name:      "stop_resets_total",
				Help:      "Times a completed stop request cleared the instruction.",
			},
		)),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
