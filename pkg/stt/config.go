package stt

import (
	"log/slog"
	"net/http"
	"time"
)

// Config configures the transcription client.
type Config struct {
	// BaseURL is the OpenAI-compatible API root, e.g. http://localhost:8000/v1.
	BaseURL string
	APIKey  string
	Model   string

	// Language is the hint sent when a request has none. Empty lets the
	// server detect it.
	Language string

	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Option func(*Config)

func WithBaseURL(url string) Option        { return func(c *Config) { c.BaseURL = url } }
func WithAPIKey(key string) Option         { return func(c *Config) { c.APIKey = key } }
func WithModel(model string) Option        { return func(c *Config) { c.Model = model } }
func WithLanguage(lang string) Option      { return func(c *Config) { c.Language = lang } }
func WithTimeout(d time.Duration) Option   { return func(c *Config) { c.Timeout = d } }
func WithHTTPClient(h *http.Client) Option { return func(c *Config) { c.HTTPClient = h } }
func WithLogger(l *slog.Logger) Option     { return func(c *Config) { c.Logger = l } }

func DefaultConfig() *Config {
	return &Config{
		Model:   "whisper-1",
		Timeout: 60 * time.Second,
		Logger:  slog.Default(),
	}
}

func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate requires a base URL; everything else has a default.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return ErrNoBaseURL
	}
	return nil
}
