package inference

import (
	"log/slog"
	"net/http"
	"time"
)

// Config configures the completions client.
type Config struct {
	// BaseURL is the OpenAI-compatible API root, including the version
	// segment (http://localhost:8001/v1).
	BaseURL string
	// APIKey is sent as a bearer token when set.
	APIKey string
	Model  string

	// Defaults is used for requests that carry no sampling controls.
	Defaults Sampling

	// Timeout bounds a blocking completion; StreamTimeout bounds a whole
	// token stream, which can run far longer.
	Timeout       time.Duration
	StreamTimeout time.Duration

	// Blocking completions are retried on 429, 5xx and transport errors.
	// Streams are never retried once opened.
	MaxRetries int
	RetryDelay time.Duration

	// HTTPClient replaces both the blocking and the streaming client.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Option configures a Client.
type Option func(*Config)

func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

func WithAPIKey(key string) Option {
	return func(c *Config) { c.APIKey = key }
}

func WithModel(model string) Option {
	return func(c *Config) { c.Model = model }
}

// WithDefaults replaces the default sampling controls.
func WithDefaults(s Sampling) Option {
	return func(c *Config) { c.Defaults = s }
}

func WithMaxTokens(n int) Option {
	return func(c *Config) { c.Defaults.MaxTokens = n }
}

func WithTemperature(t float64) Option {
	return func(c *Config) { c.Defaults.Temperature = t }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

func WithStreamTimeout(d time.Duration) Option {
	return func(c *Config) { c.StreamTimeout = d }
}

// WithRetry sets how many times a blocking completion is retried and the
// first delay, which doubles per retry.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(c *Config) {
		c.MaxRetries = maxRetries
		c.RetryDelay = delay
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) { c.HTTPClient = client }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// DefaultConfig targets a Gemma model served locally.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:       "http://localhost:8001/v1",
		Model:         "gemma-3-4b-it",
		Defaults:      DefaultSampling(),
		Timeout:       120 * time.Second,
		StreamTimeout: 300 * time.Second,
		MaxRetries:    2,
		RetryDelay:    200 * time.Millisecond,
		Logger:        slog.Default(),
	}
}

func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate reports a missing base URL or model and out-of-range defaults.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return ErrNoBaseURL
	}
	if c.Model == "" {
		return ErrNoModel
	}
	return c.Defaults.Validate()
}
