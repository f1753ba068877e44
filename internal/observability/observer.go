package observability

import (
	"errors"
	"log/slog"

	"github.com/e7canasta/orion-nav/internal/command"
	"github.com/e7canasta/orion-nav/internal/inference"
	"github.com/e7canasta/orion-nav/internal/types"
)

// Observer records control loop events as metrics. It never blocks and
// never fails: the loop calls it inline.
type Observer struct {
	metrics *Metrics
}

// NewObserver creates an observer reporting to m.
func NewObserver(m *Metrics) *Observer {
	return &Observer{metrics: m}
}

func (o *Observer) InferenceSubmitted(req inference.Request) {
	o.metrics.inferenceTotal.WithLabelValues("submitted").Inc()
	o.metrics.inferenceInFlight.Set(1)
}

func (o *Observer) InferenceSucceeded(out inference.Outcome) {
	o.metrics.inferenceTotal.WithLabelValues("succeeded").Inc()
	o.metrics.inferenceInFlight.Set(0)
	o.metrics.inferenceDuration.Observe(out.Latency.Seconds())
}

func (o *Observer) InferenceFailed(out inference.Outcome) {
	o.metrics.inferenceTotal.WithLabelValues("failed").Inc()
	o.metrics.inferenceInFlight.Set(0)
	o.metrics.inferenceDuration.Observe(out.Latency.Seconds())
}

func (o *Observer) StopCompleted(inference.Request) {
	o.metrics.stopResets.Inc()
}

func (o *Observer) FrameReceived(types.Image) {
	o.metrics.framesReceived.Inc()
}

func (o *Observer) InstructionRejected(values []string, err error) {
	reason := "other"
	switch {
	case errors.Is(err, command.ErrMultipleValues):
		reason = "multiple_values"
	case errors.Is(err, command.ErrNoValue):
		reason = "no_value"
	}
	o.metrics.rejected.WithLabelValues(reason).Inc()
	slog.Warn("instruction event rejected", "values", values, "reason", reason, "error", err)
}

func (o *Observer) VelocityEmitted(v types.Velocity) {
	o.metrics.velocityEmitted.Inc()
	o.metrics.velocity.WithLabelValues("linear").Set(v.Linear())
	o.metrics.velocity.WithLabelValues("angular").Set(v.Angular())
}

func (o *Observer) EmitFailed(error) {
	o.metrics.emitErrors.Inc()
}
