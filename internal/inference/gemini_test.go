package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-nav/internal/types"
)

func newTestGemini(t *testing.T, url string, retries int) *GeminiClient {
	t.Helper()
	c, err := NewGeminiClient(GeminiConfig{APIKey: "test-key", BaseURL: url, MaxRetries: retries})
	require.NoError(t, err)
	c.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	return c
}

func candidateBody(text string) string {
	payload := map[string]interface{}{
		"candidates": []interface{}{
			map[string]interface{}{
				"content": map[string]interface{}{
					"parts": []interface{}{map[string]string{"text": text}},
				},
			},
		},
	}
	b, _ := json.Marshal(payload)
	return string(b)
}

func TestNewGeminiClientRequiresKey(t *testing.T) {
	_, err := NewGeminiClient(GeminiConfig{})
	assert.Error(t, err)
}

func TestGeminiRequestShape(t *testing.T) {
	var got geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-2.5-flash:generateContent", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(candidateBody(`{"linear_velocity": 0.3, "angular_velocity": -0.2}`)))
	}))
	defer srv.Close()

	c := newTestGemini(t, srv.URL, 0)
	v, err := c.GenerateVelocity(context.Background(), "go to the door", []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, types.NewTwist(0.3, -0.2), v)

	require.Len(t, got.Contents, 1)
	require.Len(t, got.Contents[0].Parts, 2)
	assert.Equal(t, "go to the door", got.Contents[0].Parts[0].Text)
	assert.Equal(t, "image/png", got.Contents[0].Parts[1].InlineData.MimeType)
	assert.Equal(t, "AQID", got.Contents[0].Parts[1].InlineData.Data)
	assert.Equal(t, DefaultSystemInstruction, got.SystemInstruction.Parts[0].Text)
	assert.Equal(t, 0.2, got.GenerationConfig["temperature"])
	assert.Equal(t, "application/json", got.GenerationConfig["responseMimeType"])
}

func TestGeminiEmptyCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates": []}`))
	}))
	defer srv.Close()

	_, err := newTestGemini(t, srv.URL, 0).GenerateVelocity(context.Background(), "go", nil)
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestGeminiClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestGemini(t, srv.URL, 3).GenerateVelocity(context.Background(), "go", nil)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusForbidden, httpErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGeminiRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(candidateBody(`{"linear_velocity": 0.1, "angular_velocity": 0}`)))
	}))
	defer srv.Close()

	v, err := newTestGemini(t, srv.URL, 3).GenerateVelocity(context.Background(), "go", nil)
	require.NoError(t, err)
	assert.Equal(t, 0.1, v.Linear())
	assert.Equal(t, int32(3), calls.Load())
}

func TestGeminiNoRetryByDefault(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestGemini(t, srv.URL, 0).GenerateVelocity(context.Background(), "go", nil)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.True(t, httpErr.Transient())
	assert.Equal(t, int32(1), calls.Load())
}

func TestParseVelocityAnswer(t *testing.T) {
	v, err := parseVelocityAnswer(`{"linear_velocity": 0.4}`)
	require.NoError(t, err)
	assert.Equal(t, types.NewTwist(0.4, 0), v)

	_, err = parseVelocityAnswer("turn left please")
	assert.ErrorIs(t, err, ErrMalformedResponse)
}
