package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Transport is the subset of the MQTT client the control plane needs
type Transport interface {
	Subscribe(ctx context.Context, topic string, qos byte, handler func(payload []byte)) error
	Unsubscribe(topics ...string)
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
}

// Topics are the request and response topics with their QoS
type Topics struct {
	Control    string
	ControlQoS byte
	Status     string
	StatusQoS  byte
}

// Command is a control request, e.g. {"command":"set_inference_rate","params":{"rate_hz":1}}
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response acknowledges a Command on the status topic
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// Callbacks are the navigator hooks behind each command. A nil hook answers
// "<command> not implemented".
type Callbacks struct {
	OnGetStatus        func() map[string]interface{}
	OnSetInferenceRate func(hz float64) error
	OnShutdown         func() error
}

const (
	queueSize       = 10
	responseTimeout = 2 * time.Second
	shutdownDelay   = 500 * time.Millisecond
)

// Handler handles control plane commands
type Handler struct {
	transport Transport
	topics    Topics
	callbacks Callbacks
	commands  chan Command

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewHandler creates a new control plane handler
func NewHandler(transport Transport, topics Topics, callbacks Callbacks) *Handler {
	return &Handler{
		transport: transport,
		topics:    topics,
		callbacks: callbacks,
		commands:  make(chan Command, queueSize),
	}
}

// Start subscribes to the control topic and processes commands until ctx
// ends or Stop is called
func (h *Handler) Start(ctx context.Context) error {
	slog.Info("subscribing to control plane", "topic", h.topics.Control, "qos", h.topics.ControlQoS)

	if err := h.transport.Subscribe(ctx, h.topics.Control, h.topics.ControlQoS, h.HandleMessage); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	h.wg.Add(1)
	go h.processCommands(ctx)

	slog.Info("control plane handler started")
	return nil
}

// Stop unsubscribes and waits for the command processor to exit
func (h *Handler) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	close(h.commands)
	h.mu.Unlock()

	h.transport.Unsubscribe(h.topics.Control)
	h.wg.Wait()

	slog.Info("control plane handler stopped")
	return nil
}

// HandleMessage decodes a raw control message and queues it
func (h *Handler) HandleMessage(payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		slog.Warn("control message is not valid JSON", "error", err, "bytes", len(payload))
		h.sendResponse(Response{CommandAck: "unknown", Status: "error", Error: "invalid JSON"})
		return
	}
	slog.Info("control request", "command", cmd.Command)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	select {
	case h.commands <- cmd:
	default:
		slog.Warn("control queue full, request dropped", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.handleCommand(cmd)
		}
	}
}

// errNotImplemented marks a command whose callback is not wired
var errNotImplemented = errors.New("not implemented")

func (h *Handler) handleCommand(cmd Command) {
	var (
		data map[string]interface{}
		err  error
	)

	switch cmd.Command {
	case "get_status":
		data, err = h.getStatus()
	case "set_inference_rate":
		data, err = h.setInferenceRate(cmd.Params)
	case "shutdown":
		data, err = h.shutdown()
	default:
		err = fmt.Errorf("unknown command: %s", cmd.Command)
	}

	resp := Response{CommandAck: cmd.Command, Status: "success", Data: data}
	if errors.Is(err, errNotImplemented) {
		resp.Status, resp.Error = "error", cmd.Command+" not implemented"
	} else if err != nil {
		resp.Status, resp.Error = "error", err.Error()
	}
	h.sendResponse(resp)

	if cmd.Command == "shutdown" && err == nil {
		// Acknowledge before the broker connection goes away.
		time.AfterFunc(shutdownDelay, func() {
			if err := h.callbacks.OnShutdown(); err != nil {
				slog.Error("shutdown callback failed", "error", err)
			}
		})
	}
}

func (h *Handler) getStatus() (map[string]interface{}, error) {
	if h.callbacks.OnGetStatus == nil {
		return nil, errNotImplemented
	}
	return h.callbacks.OnGetStatus(), nil
}

func (h *Handler) setInferenceRate(params map[string]interface{}) (map[string]interface{}, error) {
	if h.callbacks.OnSetInferenceRate == nil {
		return nil, errNotImplemented
	}
	hz, ok := params["rate_hz"].(float64)
	if !ok || hz < 0 {
		return nil, errors.New("missing or invalid 'rate_hz' parameter (expected float >= 0)")
	}
	if err := h.callbacks.OnSetInferenceRate(hz); err != nil {
		return nil, err
	}
	return map[string]interface{}{"inference_rate_hz": hz}, nil
}

func (h *Handler) shutdown() (map[string]interface{}, error) {
	if h.callbacks.OnShutdown == nil {
		return nil, errNotImplemented
	}
	slog.Warn("shutdown requested via control plane", "delay", shutdownDelay)
	return map[string]interface{}{"shutdown_initiated": true}, nil
}

// sendResponse publishes resp on the status topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), responseTimeout)
	defer cancel()

	if err := h.transport.Publish(ctx, h.topics.Status, h.topics.StatusQoS, payload); err != nil {
		slog.Error("failed to publish response", "error", err)
		return
	}

	slog.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
