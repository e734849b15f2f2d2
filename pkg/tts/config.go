package tts

import (
	"log/slog"
	"net/http"
	"time"
)

// Config holds synthesis client configuration.
// Use functional options (WithXxx) to set these values.
type Config struct {
	// Backend location and credentials
	BaseURL    string
	Path       string
	HealthPath string
	APIKey     string

	// Request defaults
	DefaultFormat      Encoding
	DefaultSampleRate  int
	DefaultNormalize   bool
	DefaultReferenceID string

	// Timeout bounds each blocking attempt. For streams it bounds the wait for
	// response headers; StreamTimeout bounds the whole stream.
	Timeout       time.Duration
	StreamTimeout time.Duration

	// Retry configuration
	Retry RetryPolicy

	// HTTPClient overrides the transport. Its Timeout is ignored; attempts are
	// bounded by contexts.
	HTTPClient *http.Client

	// Observability
	Logger *slog.Logger
}

// Option is a functional option for configuring the client.
type Option func(*Config)

// WithAPIKey sets the bearer token sent to the backend.
func WithAPIKey(key string) Option {
	return func(c *Config) {
		c.APIKey = key
	}
}

// WithBaseURL sets the backend base URL.
func WithBaseURL(url string) Option {
	return func(c *Config) {
		c.BaseURL = url
	}
}

// WithPath overrides the synthesis endpoint path.
func WithPath(path string) Option {
	return func(c *Config) {
		c.Path = path
	}
}

// WithFormat sets the default output encoding.
func WithFormat(format Encoding) Option {
	return func(c *Config) {
		c.DefaultFormat = format
	}
}

// WithSampleRate sets the sample rate assumed when the backend does not report one.
func WithSampleRate(rate int) Option {
	return func(c *Config) {
		c.DefaultSampleRate = rate
	}
}

// WithNormalize sets the default text normalization flag.
func WithNormalize(normalize bool) Option {
	return func(c *Config) {
		c.DefaultNormalize = normalize
	}
}

// WithReferenceID sets the default server-side voice.
func WithReferenceID(id string) Option {
	return func(c *Config) {
		c.DefaultReferenceID = id
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// WithStreamTimeout sets the timeout for a whole streaming response.
func WithStreamTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.StreamTimeout = timeout
	}
}

// WithRetry configures retry count and base delay, keeping the other policy fields.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(c *Config) {
		c.Retry.MaxRetries = maxRetries
		c.Retry.BaseDelay = delay
	}
}

// WithRetryPolicy replaces the whole retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Config) {
		c.Retry = p
	}
}

// WithHTTPClient sets the HTTP client used for backend calls.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) {
		c.HTTPClient = client
	}
}

// WithLogger sets the structured logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Path:              "/v1/tts",
		HealthPath:        "/v1/health",
		DefaultFormat:     EncodingWAV,
		DefaultSampleRate: 44100,
		DefaultNormalize:  true,
		Timeout:           60 * time.Second,
		StreamTimeout:     5 * time.Minute,
		Retry:             DefaultRetryPolicy(),
		Logger:            slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return ErrNoBaseURL
	}
	if !c.DefaultFormat.Valid() {
		return ErrInvalidFormat
	}
	return nil
}
