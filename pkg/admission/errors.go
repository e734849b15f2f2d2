package admission

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Sentinel errors for denied requests.
var (
	// ErrUnauthenticated is returned when a credential is required but missing.
	ErrUnauthenticated = errors.New("admission: credential required")

	// ErrInvalidCredential is returned when the credential matches no configured key.
	ErrInvalidCredential = errors.New("admission: invalid credential")

	// ErrRateLimited is matched by every *RateLimitedError.
	ErrRateLimited = errors.New("admission: rate limited")
)

// RateLimitedError reports an empty bucket and when a token will be available.
type RateLimitedError struct {
	// Identity is the hashed bucket key, safe to log.
	Identity string

	// RetryAfter is the time until the bucket holds one token again.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("admission: rate limited, retry after %s", e.RetryAfter.Round(time.Millisecond))
}

// Is makes errors.Is(err, ErrRateLimited) true.
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds for the Retry-After header.
func (e *RateLimitedError) RetryAfterSeconds() int {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// IsAuthError reports whether err is a credential failure.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUnauthenticated) || errors.Is(err, ErrInvalidCredential)
}
