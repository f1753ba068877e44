// Package mqtt connects the control loop to an MQTT broker: camera frames and
// instructions come in on subscribed topics, velocity commands go out on
// cmd_vel.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-nav/internal/config"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// Client owns the broker connection shared by the source and the sink.
type Client struct {
	cfg      *config.Config
	clientID string
	paho     paho.Client

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	received  map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// NewClient creates an unconnected client. suffix distinguishes several
// processes sharing an instance id (navd run vs navd say).
func NewClient(cfg *config.Config, suffix string) *Client {
	clientID := cfg.InstanceID
	if suffix != "" {
		clientID = fmt.Sprintf("%s-%s", cfg.InstanceID, suffix)
	}
	return &Client{
		cfg:       cfg,
		clientID:  clientID,
		published: make(map[string]uint64),
		received:  make(map[string]uint64),
	}
}

// Connect establishes connection to the MQTT broker
func (c *Client) Connect(ctx context.Context) error {
	opts := paho.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", c.cfg.MQTT.Broker))
	opts.SetClientID(c.clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(paho.Client) {
		c.setConnected(true)
		slog.Info("mqtt connection established",
			"broker", c.cfg.MQTT.Broker,
			"client_id", c.clientID,
		)
	}

	opts.OnConnectionLost = func(_ paho.Client, err error) {
		c.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", c.cfg.MQTT.Broker,
		)
	}

	c.paho = paho.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", c.cfg.MQTT.Broker)

	token := c.paho.Connect()
	if err := waitToken(ctx, token, connectTimeout); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	c.setConnected(true)
	return nil
}

// Publish sends payload to topic and waits for the broker acknowledgement.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	if !c.IsConnected() {
		c.countError()
		return fmt.Errorf("mqtt not connected")
	}

	token := c.paho.Publish(topic, qos, false, payload)
	if err := waitToken(ctx, token, publishTimeout); err != nil {
		c.countError()
		return fmt.Errorf("publish to %s failed: %w", topic, err)
	}

	c.mu.Lock()
	c.published[topic]++
	c.mu.Unlock()
	return nil
}

// PublishAsync hands payload to paho and returns without waiting for the
// broker. The acknowledgement is checked in the background and failures
// only show up in Stats; callers on the control loop must not block.
func (c *Client) PublishAsync(topic string, qos byte, payload []byte) error {
	if !c.IsConnected() {
		c.countError()
		return fmt.Errorf("mqtt not connected")
	}

	token := c.paho.Publish(topic, qos, false, payload)
	go func() {
		if err := waitToken(context.Background(), token, publishTimeout); err != nil {
			c.countError()
			slog.Warn("async publish failed", "topic", topic, "error", err)
			return
		}
		c.mu.Lock()
		c.published[topic]++
		c.mu.Unlock()
	}()
	return nil
}

// Subscribe registers handler for topic.
func (c *Client) Subscribe(ctx context.Context, topic string, qos byte, handler func(payload []byte)) error {
	slog.Info("subscribing", "topic", topic, "qos", qos)

	token := c.paho.Subscribe(topic, qos, func(_ paho.Client, msg paho.Message) {
		c.mu.Lock()
		c.received[msg.Topic()]++
		c.mu.Unlock()
		handler(msg.Payload())
	})
	if err := waitToken(ctx, token, connectTimeout); err != nil {
		return fmt.Errorf("subscription to %s failed: %w", topic, err)
	}
	return nil
}

// Unsubscribe removes the handlers for topics.
func (c *Client) Unsubscribe(topics ...string) {
	if c.paho == nil || !c.paho.IsConnected() {
		return
	}
	token := c.paho.Unsubscribe(topics...)
	token.WaitTimeout(connectTimeout)
}

// Disconnect closes the MQTT connection
func (c *Client) Disconnect() error {
	if c.paho != nil && c.paho.IsConnected() {
		c.paho.Disconnect(250) // 250ms grace period
		slog.Info("mqtt disconnected")
	}
	c.setConnected(false)
	return nil
}

// Stats contains client statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Received  map[string]uint64 `json:"received"`
	Errors    uint64            `json:"errors"`
}

// Stats returns client statistics
func (c *Client) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	published := make(map[string]uint64, len(c.published))
	for k, v := range c.published {
		published[k] = v
	}
	received := make(map[string]uint64, len(c.received))
	for k, v := range c.received {
		received[k] = v
	}

	return Stats{
		Connected: c.connected,
		Published: published,
		Received:  received,
		Errors:    c.errors,
	}
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Client) countError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// QoS returns the level configured for a topic role (0 when unset)
func (c *Client) QoS(role string) byte {
	if q, ok := c.cfg.MQTT.QoS[role]; ok {
		return q
	}
	return 0
}

// waitToken waits for token completion, the timeout, or ctx.
func waitToken(ctx context.Context, token paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timeout after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
