package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/e7canasta/orion-nav/internal/types"
)

const (
	DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	DefaultGeminiModel   = "gemini-2.5-flash"
	defaultTemperature   = 0.2
	maxErrorBodyBytes    = 2048
)

// DefaultSystemInstruction describes the robot and the expected answer shape.
const DefaultSystemInstruction = `You are a differential drive robot controller (WHEEL_RADIUS: 0.0315 [m] and WHEEL_SEPARATION: 0.137 [m])
with a camera pointed forward.
You receive a user command and a camera image.
You have to determine the linear and angular velocities to navigate as the user commands.
The linear velocity is the forward speed and the angular velocity is the turn rate.
The camera is used to understand the environment, so if you want to point to a target,
you can use the image to determine the direction and speed.
It is useful to have the target in the center of the image.
If you see all black, it means you are crashing into a wall.
Output your response as a JSON object with 'linear_velocity' (m/s) and 'angular_velocity' (rad/s) fields.
Linear velocity should be between -0.5 and 0.5 m/s.
Angular velocity should be between -1.0 and 1.0 rad/s.
For example: {'linear_velocity': 0.5, 'angular_velocity': 0.1}
Use simple navigation, like moving forward, turning left or right.
Information about the camera's intrinsics:
  - Lens: f=3.04 mm, f/2.0
  - Angle of View: 62.2 x 48.8 degrees
  - Resolution: 640 x 480 pixels`

// GeminiConfig configures the Gemini client.
type GeminiConfig struct {
	APIKey            string
	Model             string
	BaseURL           string
	Temperature       float64
	SystemInstruction string
	// MaxRetries retries transient failures (network, 429, 5xx) within one call.
	MaxRetries int
	HTTPClient *http.Client
}

// GeminiClient calls the Gemini generateContent REST endpoint.
type GeminiClient struct {
	cfg        GeminiConfig
	httpClient *http.Client
	newBackOff func() backoff.BackOff
}

// NewGeminiClient validates cfg and fills defaults.
func NewGeminiClient(cfg GeminiConfig) (*GeminiClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGeminiBaseURL
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.SystemInstruction == "" {
		cfg.SystemInstruction = DefaultSystemInstruction
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	slog.Info("gemini client configured", "model", cfg.Model, "base_url", cfg.BaseURL, "max_retries", cfg.MaxRetries)

	return &GeminiClient{
		cfg:        cfg,
		httpClient: httpClient,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}, nil
}

// Model returns the configured model name.
func (c *GeminiClient) Model() string {
	return c.cfg.Model
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction geminiContent          `json:"systemInstruction"`
	Contents          []geminiContent        `json:"contents"`
	GenerationConfig  map[string]interface{} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

type velocityAnswer struct {
	LinearVelocity  float64 `json:"linear_velocity"`
	AngularVelocity float64 `json:"angular_velocity"`
}

var velocitySchema = map[string]interface{}{
	"type": "OBJECT",
	"properties": map[string]interface{}{
		"linear_velocity":  map[string]string{"type": "NUMBER"},
		"angular_velocity": map[string]string{"type": "NUMBER"},
	},
	"required": []string{"linear_velocity", "angular_velocity"},
}

// GenerateVelocity implements Client.
func (c *GeminiClient) GenerateVelocity(ctx context.Context, instruction string, png []byte) (types.Velocity, error) {
	body, err := json.Marshal(c.buildRequest(instruction, png))
	if err != nil {
		return types.Velocity{}, fmt.Errorf("marshal request: %w", err)
	}

	start := time.Now()
	var text string
	op := func() error {
		var err error
		text, err = c.post(ctx, body)
		if err == nil {
			return nil
		}
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && !httpErr.Transient() {
			return backoff.Permanent(err)
		}
		if errors.Is(err, ErrEmptyResponse) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	if c.cfg.MaxRetries > 0 {
		b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.cfg.MaxRetries)), ctx)
		err = backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
			slog.Warn("gemini call failed, retrying", "error", err, "wait", wait)
		})
	} else {
		err = op()
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Err
		}
	}
	if err != nil {
		return types.Velocity{}, err
	}

	slog.Info("response from gemini", "latency_ms", time.Since(start).Milliseconds(), "text", text)
	return parseVelocityAnswer(text)
}

func (c *GeminiClient) buildRequest(instruction string, png []byte) geminiRequest {
	return geminiRequest{
		SystemInstruction: geminiContent{
			Parts: []geminiPart{{Text: c.cfg.SystemInstruction}},
		},
		Contents: []geminiContent{{
			Role: "user",
			Parts: []geminiPart{
				{Text: instruction},
				{InlineData: &geminiInlineData{
					MimeType: "image/png",
					Data:     base64.StdEncoding.EncodeToString(png),
				}},
			},
		}},
		GenerationConfig: map[string]interface{}{
			"temperature":      c.cfg.Temperature,
			"responseMimeType": "application/json",
			"responseSchema":   velocitySchema,
		},
	}
}

// post sends one request and returns the first candidate text.
func (c *GeminiClient) post(ctx context.Context, body []byte) (string, error) {
	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.cfg.BaseURL, c.cfg.Model)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(respBody) > maxErrorBodyBytes {
			respBody = respBody[:maxErrorBodyBytes]
		}
		return "", &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var gr geminiResponse
	if err := json.Unmarshal(respBody, &gr); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrMalformedResponse, err)
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return "", ErrEmptyResponse
	}
	return gr.Candidates[0].Content.Parts[0].Text, nil
}

// parseVelocityAnswer decodes {"linear_velocity": x, "angular_velocity": z}.
// Missing fields default to zero.
func parseVelocityAnswer(text string) (types.Velocity, error) {
	var answer velocityAnswer
	if err := json.Unmarshal([]byte(text), &answer); err != nil {
		return types.Velocity{}, fmt.Errorf("%w: %q", ErrMalformedResponse, text)
	}
	return types.NewTwist(answer.LinearVelocity, answer.AngularVelocity), nil
}
