package cloudassist

import (
	"errors"
	"fmt"
)

// Sentinel errors. None of these reach the vision loop; they explain why a
// submission produced no fresh result.
var (
	// ErrDisabled is returned when cloud assist is switched off.
	ErrDisabled = errors.New("cloudassist: disabled")

	// ErrRateLimited is returned when the rps or min-interval budget is spent.
	ErrRateLimited = errors.New("cloudassist: rate limited")

	// ErrBreakerOpen is returned while the circuit breaker is open.
	ErrBreakerOpen = errors.New("cloudassist: breaker open")

	// ErrNoCredentials is returned when no provider credentials are found.
	ErrNoCredentials = errors.New("cloudassist: credentials not found")

	// ErrEmptyImage is returned for an empty or undecodable ROI.
	ErrEmptyImage = errors.New("cloudassist: empty image")
)

// APIError is an error response from a vision API.
type APIError struct {
	StatusCode int
	Message    string
	Provider   string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("cloudassist [%s]: API error %d: %s", e.Provider, e.StatusCode, e.Message)
}

// IsRateLimited reports HTTP 429.
func (e *APIError) IsRateLimited() bool { return e.StatusCode == 429 }

// IsServerError reports HTTP 5xx.
func (e *APIError) IsServerError() bool { return e.StatusCode >= 500 && e.StatusCode < 600 }

// IsRetryable returns true if the request may succeed on retry.
func (e *APIError) IsRetryable() bool { return e.IsRateLimited() || e.IsServerError() }

// ProviderError wraps an error with provider context.
type ProviderError struct {
	Provider string
	Err      error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("cloudassist [%s]: %v", e.Provider, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error { return e.Err }

// WrapError wraps an error with provider context.
func WrapError(provider string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Provider: provider, Err: err}
}

// isRetryable reports whether err is worth another attempt.
func isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}
	return false
}
