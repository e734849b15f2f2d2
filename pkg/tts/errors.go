package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

var (
	ErrNoBaseURL = errors.New("tts: base URL required")

	// Request validation. These are checked before any network call.
	ErrEmptyText         = errors.New("tts: text required")
	ErrTooManyReferences = fmt.Errorf("tts: at most %d reference samples allowed", MaxReferences)
	ErrReferenceTooLarge = fmt.Errorf("tts: reference sample exceeds %d bytes", MaxReferenceBytes)
	ErrInvalidReference  = errors.New("tts: reference sample is not valid base64")
	ErrInvalidParams     = errors.New("tts: invalid sampling parameter")
	ErrInvalidFormat     = errors.New("tts: unsupported audio format")

	// ErrMissingAudio is returned for a JSON response without an audio field.
	ErrMissingAudio = errors.New("tts: response missing audio payload")

	ErrStreamClosed = errors.New("tts: stream closed")

	// ErrRetriesExhausted is wrapped into the final error once every attempt failed.
	ErrRetriesExhausted = errors.New("tts: retries exhausted")

	// ErrProviderUnavailable is returned by a mock with nothing to answer.
	ErrProviderUnavailable = errors.New("tts: provider unavailable")
)

// APIError is a non-2xx answer from the synthesis server.
type APIError struct {
	StatusCode int
	Message    string
	// Code is the server's error code, when the body has one.
	Code     string
	Provider string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("tts [%s]: status %d", e.Provider, e.StatusCode)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	return msg + ": " + e.Message
}

// IsRetryable reports a status worth sending the same request again for:
// 408, 429 and any 5xx.
func (e *APIError) IsRetryable() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return e.StatusCode >= 500 && e.StatusCode < 600
	}
}

// TransportError is a failed backend call, classified for the retry policy.
type TransportError struct {
	// Attempt is the 1-based attempt that produced the error.
	Attempt int

	// Retryable marks connection failures and timeouts. It takes precedence
	// over the wrapped error; status codes are classified by
	// APIError.IsRetryable, not here.
	Retryable bool

	Err error
}

func (e *TransportError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "transient"
	}
	return fmt.Sprintf("tts: %s transport error on attempt %d: %v", kind, e.Attempt, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// WrapError attaches backend context to err. A nil err stays nil.
func WrapError(provider string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("tts [%s]: %w", provider, err)
}

// IsRetryable classifies an error from a single backend attempt.
// Connection failures, per-attempt timeouts, truncated bodies, 408, 429 and
// 5xx responses are transient; everything else fails immediately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
