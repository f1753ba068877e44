package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/e7canasta/orion-nav/internal/types"
)

// Config represents the complete navd configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id" env:"INSTANCE_ID"`
	Command          string          `yaml:"command" env:"COMMAND"`          // Initial instruction, empty waits for a command event
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"`             // Graceful shutdown timeout in seconds (default: 5)
	Control          ControlConfig   `yaml:"control"`
	Inference        InferenceConfig `yaml:"inference"`
	Camera           CameraConfig    `yaml:"camera"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	Health           HealthConfig    `yaml:"health"`
}

// ControlConfig contains control loop timing
type ControlConfig struct {
	TickIntervalMS       int `yaml:"tick_interval_ms"`        // scheduler evaluation period
	OutputTickIntervalMS int `yaml:"output_tick_interval_ms"` // cmd_vel emission period
	EventBuffer          int `yaml:"event_buffer"`            // loop channel capacity
}

// InferenceConfig contains inference service settings
type InferenceConfig struct {
	Provider      string          `yaml:"provider" env:"INFERENCE_PROVIDER"` // gemini, mock
	APIKey        string          `yaml:"api_key" env:"GEMINI_API_KEY"`
	Model         string          `yaml:"model" env:"MODEL"`
	BaseURL       string          `yaml:"base_url"`
	Temperature   float64         `yaml:"temperature"`
	TimeoutS      float64         `yaml:"timeout_s"`   // 0 = no timeout
	MaxRateHz     float64         `yaml:"max_rate_hz"` // 0 = unlimited
	MaxRetries    int             `yaml:"max_retries"` // 0 = no retries
	DumpFramePath string          `yaml:"dump_frame_path"`
	SafeRange     types.SafeRange `yaml:"safe_range"`
	Mock          MockConfig      `yaml:"mock"`
}

// MockConfig is the fixed answer of the mock provider
type MockConfig struct {
	Linear  float64 `yaml:"linear"`
	Angular float64 `yaml:"angular"`
	DelayMS int     `yaml:"delay_ms"`
}

// CameraConfig selects the frame source
type CameraConfig struct {
	Source   string `yaml:"source"` // mqtt, synthetic
	Width    int    `yaml:"width"`
	Height   int    `yaml:"height"`
	FPS      int    `yaml:"fps"`
	Encoding string `yaml:"encoding"` // bgr8, rgb8
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker string          `yaml:"broker" env:"MQTT_BROKER"` // host:port, empty disables MQTT
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Image   string `yaml:"image"`
	Command string `yaml:"command"`
	CmdVel  string `yaml:"cmd_vel"`
	Control string `yaml:"control"` // control plane requests (JSON)
	Status  string `yaml:"status"`  // control plane responses (JSON)
}

// HealthConfig contains the health server settings
type HealthConfig struct {
	Port string `yaml:"port"` // empty disables the server
}

// Load reads and parses a YAML configuration file, then applies environment
// overrides. An empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// TickInterval returns the scheduler tick period
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Control.TickIntervalMS) * time.Millisecond
}

// OutputTickInterval returns the cmd_vel emission period
func (c *Config) OutputTickInterval() time.Duration {
	return time.Duration(c.Control.OutputTickIntervalMS) * time.Millisecond
}

// InferenceTimeout returns the per-call timeout, zero when disabled
func (c *Config) InferenceTimeout() time.Duration {
	return time.Duration(c.Inference.TimeoutS * float64(time.Second))
}

// ShutdownTimeout returns the graceful shutdown timeout
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// MQTTEnabled reports whether a broker is configured
func (c *Config) MQTTEnabled() bool {
	return c.MQTT.Broker != ""
}
