package config

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/e7canasta/orion-nav/internal/types"
)

const (
	ProviderGemini = "gemini"
	ProviderMock   = "mock"

	SourceMQTT      = "mqtt"
	SourceSynthetic = "synthetic"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// ErrMissingAPIKey is returned when the gemini provider has no credentials.
var ErrMissingAPIKey = errors.New("inference.api_key (or GEMINI_API_KEY) is required for the gemini provider")

// Validate checks if the configuration is valid and fills defaults
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		cfg.InstanceID = "navd"
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validateControl(&cfg.Control); err != nil {
		return fmt.Errorf("control: %w", err)
	}
	if err := validateInference(&cfg.Inference); err != nil {
		return fmt.Errorf("inference: %w", err)
	}
	if err := validateCamera(&cfg.Camera); err != nil {
		return fmt.Errorf("camera: %w", err)
	}

	if cfg.Camera.Source == SourceMQTT && cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when camera.source is %q", SourceMQTT)
	}

	// Set default topics if not provided
	if cfg.MQTT.Topics.Image == "" {
		cfg.MQTT.Topics.Image = fmt.Sprintf("nav/%s/image", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Command == "" {
		cfg.MQTT.Topics.Command = fmt.Sprintf("nav/%s/command", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.CmdVel == "" {
		cfg.MQTT.Topics.CmdVel = fmt.Sprintf("nav/%s/cmd_vel", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("nav/%s/control", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Status == "" {
		cfg.MQTT.Topics.Status = fmt.Sprintf("nav/%s/status", cfg.InstanceID)
	}

	// Set default QoS if not provided
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"image":   0,
			"command": 1,
			"cmd_vel": 0,
			"control": 1,
			"status":  0,
		}
	}

	return nil
}

func validateControl(c *ControlConfig) error {
	if c.TickIntervalMS < 0 || c.OutputTickIntervalMS < 0 {
		return fmt.Errorf("tick intervals must be >= 0")
	}
	if c.TickIntervalMS == 0 {
		c.TickIntervalMS = 100
	}
	if c.OutputTickIntervalMS == 0 {
		c.OutputTickIntervalMS = 50
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	return nil
}

func validateInference(c *InferenceConfig) error {
	if c.Provider == "" {
		c.Provider = ProviderGemini
	}

	switch c.Provider {
	case ProviderGemini:
		if c.APIKey == "" {
			return ErrMissingAPIKey
		}
	case ProviderMock:
	default:
		return fmt.Errorf("unknown provider %q (expected %s or %s)", c.Provider, ProviderGemini, ProviderMock)
	}

	if c.TimeoutS < 0 || c.MaxRateHz < 0 || c.MaxRetries < 0 {
		return fmt.Errorf("timeout_s, max_rate_hz and max_retries must be >= 0")
	}

	if c.SafeRange == (types.SafeRange{}) {
		c.SafeRange = types.DefaultSafeRange()
	}
	if c.SafeRange.MaxLinear <= 0 || c.SafeRange.MaxAngular <= 0 {
		return fmt.Errorf("safe_range limits must be > 0")
	}

	if !c.SafeRange.Contains(types.NewTwist(c.Mock.Linear, c.Mock.Angular)) {
		return fmt.Errorf("mock velocity (%g, %g) outside safe_range", c.Mock.Linear, c.Mock.Angular)
	}
	return nil
}

func validateCamera(c *CameraConfig) error {
	if c.Source == "" {
		c.Source = SourceMQTT
	}
	switch c.Source {
	case SourceMQTT, SourceSynthetic:
	default:
		return fmt.Errorf("unknown source %q (expected %s or %s)", c.Source, SourceMQTT, SourceSynthetic)
	}

	if c.Width <= 0 {
		c.Width = 640
	}
	if c.Height <= 0 {
		c.Height = 480
	}
	if c.FPS <= 0 {
		c.FPS = 10
	}
	if c.Encoding == "" {
		c.Encoding = types.EncodingBGR8
	}
	return nil
}
