package tts

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy describes how failed backend calls are retried.
//
// The first attempt runs immediately. Each retry waits BaseDelay doubled per
// retry, varied by JitterPercent and capped at MaxDelay. MaxElapsed bounds the
// total time spent backing off regardless of MaxRetries.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent uint64
	MaxElapsed    time.Duration

	// Retryable classifies attempt errors. Defaults to IsRetryable.
	Retryable func(error) bool
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		BaseDelay:     250 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		JitterPercent: 20,
		MaxElapsed:    30 * time.Second,
	}
}

// Backoff builds a fresh go-retry backoff for one call.
func (p RetryPolicy) Backoff() retry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Millisecond
	}
	b := retry.NewExponential(base)
	if p.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.JitterPercent, b)
	}
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	if p.MaxElapsed > 0 {
		b = retry.WithMaxDuration(p.MaxElapsed, b)
	}
	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return retry.WithMaxRetries(uint64(maxRetries), b)
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// policy gives up. fn receives the 1-based attempt number. The returned count
// is the number of attempts made.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	classify := p.Retryable
	if classify == nil {
		classify = IsRetryable
	}

	attempts := 0
	var last error
	err := retry.Do(ctx, p.Backoff(), func(ctx context.Context) error {
		attempts++
		err := fn(ctx, attempts)
		if err == nil {
			return nil
		}
		last = err
		// The caller's own cancellation or deadline is never retried.
		if ctx.Err() != nil {
			return err
		}
		if classify(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return attempts, nil
	}

	if last != nil && ctx.Err() == nil && classify(last) {
		return attempts, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, last)
	}
	return attempts, err
}
