package ai

import (
	"errors"
	"fmt"
)

var (
	ErrProviderUnavailable = errors.New("ai provider unavailable")
	ErrInferenceTimeout    = errors.New("ai inference timeout")
	ErrMalformedOutput     = errors.New("ai provider returned malformed output")
)

// HTTPError is a non-2xx response from a provider endpoint.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream http error: status=%d", e.StatusCode)
	}
	return fmt.Sprintf("upstream http error: status=%d body=%s", e.StatusCode, e.Body)
}

// Unwrap lets errors.Is match ErrProviderUnavailable for every HTTP failure.
func (e *HTTPError) Unwrap() error { return ErrProviderUnavailable }
