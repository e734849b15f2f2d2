package stt

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNoBaseURL = errors.New("stt: base URL required")

	ErrEmptyAudio         = errors.New("stt: audio required")
	ErrInvalidTemperature = errors.New("stt: temperature must be between 0 and 1")
)

// APIError is a non-2xx answer from the transcription server.
type APIError struct {
	StatusCode int
	Message    string
	Backend    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("stt [%s]: status %d: %s", e.Backend, e.StatusCode, e.Message)
}

// IsServerError reports a failure on the server side, as opposed to a
// request the server refused.
func (e *APIError) IsServerError() bool {
	return e.StatusCode >= http.StatusInternalServerError
}

// WrapError attaches backend context to err. A nil err stays nil.
func WrapError(backend string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("stt [%s]: %w", backend, err)
}

// IsValidationError reports whether err was caused by the request itself.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrEmptyAudio) || errors.Is(err, ErrInvalidTemperature)
}
