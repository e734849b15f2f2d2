package inference

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoBaseURL = errors.New("inference: base URL required")
	ErrNoModel   = errors.New("inference: model required")

	// Request validation. Both are reported to callers as bad input.
	ErrEmptyPrompt   = errors.New("inference: prompt required")
	ErrInvalidParams = errors.New("inference: invalid sampling parameter")

	// ErrProviderUnavailable is returned by a mock without a configured answer.
	ErrProviderUnavailable = errors.New("inference: provider unavailable")

	// ErrStreamClosed is returned by Next after the stream was closed.
	ErrStreamClosed = errors.New("inference: stream closed")

	// ErrNoChoices is returned when a completion response carries no choices.
	ErrNoChoices = errors.New("inference: no choices returned")
)

// APIError is a non-2xx answer from the completions server.
type APIError struct {
	StatusCode int
	Message    string
	// Code is the server's error code or type, when it sends one.
	Code     string
	Provider string
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "inference [%s]: status %d", e.Provider, e.StatusCode)
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// IsRetryable reports whether the server may accept the same request later:
// it was overloaded (429) or failed internally (5xx).
func (e *APIError) IsRetryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500 && e.StatusCode < 600
}

// BackendError attributes a failure to the backend that produced it.
type BackendError struct {
	Backend string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("inference [%s]: %v", e.Backend, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// WrapError attaches backend context to err. A nil err stays nil.
func WrapError(backend string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Backend: backend, Err: err}
}

// IsValidationError reports whether err was caused by the request itself.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrEmptyPrompt) || errors.Is(err, ErrInvalidParams)
}
