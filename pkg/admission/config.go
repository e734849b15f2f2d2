package admission

import (
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Config holds admission configuration.
// Use functional options (WithXxx) to set these values.
type Config struct {
	// Credentials
	AuthEnabled bool
	Keys        []string

	// Token bucket per identity: Requests tokens per Window, capacity Burst.
	RateLimitEnabled bool
	Requests         int
	Window           time.Duration
	Burst            int

	// Per-message limit on an admitted WebSocket connection.
	MessagesPerSecond float64
	MessageBurst      int

	// Now is the clock used for refills. Tests replace it.
	Now func() time.Time

	Logger *slog.Logger
}

// Option is a functional option for configuring the controller.
type Option func(*Config)

// WithKeys enables credential checks against the given keys.
func WithKeys(keys ...string) Option {
	return func(c *Config) {
		c.AuthEnabled = true
		c.Keys = append([]string(nil), keys...)
	}
}

// WithoutAuth disables credential checks.
func WithoutAuth() Option {
	return func(c *Config) {
		c.AuthEnabled = false
		c.Keys = nil
	}
}

// WithRateLimit sets the bucket refill (requests per window) and capacity.
// A burst of zero uses requests as the capacity.
func WithRateLimit(requests int, window time.Duration, burst int) Option {
	return func(c *Config) {
		c.RateLimitEnabled = true
		c.Requests = requests
		c.Window = window
		c.Burst = burst
	}
}

// WithoutRateLimit disables token buckets.
func WithoutRateLimit() Option {
	return func(c *Config) { c.RateLimitEnabled = false }
}

// WithMessageLimit sets the per-message limit for WebSocket connections.
func WithMessageLimit(perSecond float64, burst int) Option {
	return func(c *Config) {
		c.MessagesPerSecond = perSecond
		c.MessageBurst = burst
	}
}

// WithClock replaces the refill clock.
func WithClock(now func() time.Time) Option {
	return func(c *Config) { c.Now = now }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// DefaultConfig returns an open controller with a modest per-identity limit.
func DefaultConfig() *Config {
	return &Config{
		RateLimitEnabled:  true,
		Requests:          60,
		Window:            time.Minute,
		MessagesPerSecond: 50,
		MessageBurst:      100,
		Now:               time.Now,
		Logger:            slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.AuthEnabled && len(c.Keys) == 0 {
		return errors.New("admission: auth enabled without keys")
	}
	for _, k := range c.Keys {
		if k == "" {
			return errors.New("admission: empty key configured")
		}
	}
	if c.RateLimitEnabled {
		if c.Requests <= 0 {
			return errors.New("admission: requests per window must be positive")
		}
		if c.Window <= 0 {
			return errors.New("admission: window must be positive")
		}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

func (c *Config) refillRate() rate.Limit {
	return rate.Limit(float64(c.Requests) / c.Window.Seconds())
}

func (c *Config) capacity() int {
	if c.Burst > 0 {
		return c.Burst
	}
	return c.Requests
}
