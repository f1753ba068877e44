package inference

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrOutOfRange is returned when the service proposes a velocity outside the safe range.
	ErrOutOfRange = errors.New("velocity outside safe range")

	// ErrEmptyResponse is returned when the service answers without a candidate.
	ErrEmptyResponse = errors.New("no valid response from inference service")

	// ErrMalformedResponse is returned when the answer is not the expected JSON object.
	ErrMalformedResponse = errors.New("malformed inference response")

	// ErrRateLimited is returned when a call is refused by the local rate limiter.
	ErrRateLimited = errors.New("inference rate limit exceeded")
)

// HTTPError is a non-2xx answer from the inference service.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("inference service returned %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether retrying the same request may succeed.
func (e *HTTPError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
