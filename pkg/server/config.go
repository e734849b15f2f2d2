package server

import (
	"errors"
	"log/slog"

	"github.com/teslashibe/voicegate/pkg/voicechat"
)

// Models names the backend models reported by /v1/models.
type Models struct {
	Transcribe string
	Generate   string
	Synthesize string
}

// Config holds server settings.
type Config struct {
	// Version is reported by /health.
	Version string

	// Debug mounts the request logger.
	Debug bool

	// Models are listed by /v1/models.
	Models Models

	// MaxUploadBytes bounds multipart audio uploads.
	MaxUploadBytes int

	// Session options applied to every voice-chat connection.
	Session []voicechat.Option

	Logger *slog.Logger
}

// Option configures the server.
type Option func(*Config)

// WithVersion sets the reported version.
func WithVersion(v string) Option {
	return func(c *Config) {
		c.Version = v
	}
}

// WithDebug toggles request logging.
func WithDebug(on bool) Option {
	return func(c *Config) {
		c.Debug = on
	}
}

// WithModels sets the models listed by /v1/models.
func WithModels(m Models) Option {
	return func(c *Config) {
		c.Models = m
	}
}

// WithMaxUploadBytes bounds uploaded audio.
func WithMaxUploadBytes(n int) Option {
	return func(c *Config) {
		c.MaxUploadBytes = n
	}
}

// WithSessionOptions sets the options for voice-chat sessions.
func WithSessionOptions(opts ...voicechat.Option) Option {
	return func(c *Config) {
		c.Session = append(c.Session, opts...)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Version:        "dev",
		MaxUploadBytes: 25 << 20,
	}
}

// Apply applies options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.MaxUploadBytes <= 0 {
		return errors.New("server: max upload bytes must be positive")
	}
	return nil
}
