package mqtt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/e7canasta/orion-nav/internal/types"
)

// Sink publishes velocity commands on the cmd_vel topic.
type Sink struct {
	client *Client
	topic  string
}

// NewSink creates a sink on the configured cmd_vel topic.
func NewSink(client *Client) *Sink {
	return &Sink{client: client, topic: client.cfg.MQTT.Topics.CmdVel}
}

// EmitVelocity implements orchestrator.Sink. It runs on the control loop
// and never waits for the broker acknowledgement.
func (s *Sink) EmitVelocity(_ context.Context, v types.Velocity, metadata map[string]string) error {
	payload, err := EncodeVelocity(v, metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal velocity: %w", err)
	}

	if err := s.client.PublishAsync(s.topic, s.client.QoS("cmd_vel"), payload); err != nil {
		return err
	}

	slog.Debug("velocity published", "topic", s.topic, "linear", v.Linear(), "angular", v.Angular())
	return nil
}

// SendCommand publishes a single instruction on the command topic.
func SendCommand(ctx context.Context, client *Client, instruction string) error {
	payload, err := EncodeCommand(instruction)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	return client.Publish(ctx, client.cfg.MQTT.Topics.Command, client.QoS("command"), payload)
}
