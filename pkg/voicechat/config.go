package voicechat

import (
	"errors"
	"log/slog"
	"time"

	"github.com/teslashibe/voicegate/pkg/tts"
)

// Config holds session settings.
type Config struct {
	// IdleTimeout closes a session that receives no message for this long.
	IdleTimeout time.Duration

	// PingInterval is how often keepalive pings are sent.
	PingInterval time.Duration

	// WriteTimeout bounds every frame written to the connection.
	WriteTimeout time.Duration

	// MinSegmentBytes rejects audio segments too short to hold speech.
	MinSegmentBytes int

	// MaxSegmentBytes bounds the pending audio of one segment.
	MaxSegmentBytes int

	// SendBuffer is the number of frames queued for the writer.
	SendBuffer int

	// MaxHistory bounds the number of turns kept as context.
	MaxHistory int

	// Initial session settings; a config message can change them.
	Instructions string
	Language     string
	Incremental  bool
	Synthesis    tts.Request

	Logger *slog.Logger
}

// Option configures a session.
type Option func(*Config)

// WithIdleTimeout sets the idle timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.IdleTimeout = d
	}
}

// WithPingInterval sets the keepalive interval.
func WithPingInterval(d time.Duration) Option {
	return func(c *Config) {
		c.PingInterval = d
	}
}

// WithWriteTimeout sets the per-frame write deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.WriteTimeout = d
	}
}

// WithSegmentLimits sets the accepted audio segment size range.
func WithSegmentLimits(min, max int) Option {
	return func(c *Config) {
		c.MinSegmentBytes = min
		c.MaxSegmentBytes = max
	}
}

// WithMaxHistory bounds how many turns are kept.
func WithMaxHistory(n int) Option {
	return func(c *Config) {
		c.MaxHistory = n
	}
}

// WithInstructions sets the initial system instructions.
func WithInstructions(s string) Option {
	return func(c *Config) {
		c.Instructions = s
	}
}

// WithSynthesis sets the initial synthesis template.
func WithSynthesis(req tts.Request) Option {
	return func(c *Config) {
		c.Synthesis = req
	}
}

// WithIncremental toggles sentence-by-sentence synthesis.
func WithIncremental(on bool) Option {
	return func(c *Config) {
		c.Incremental = on
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
		IdleTimeout:     5 * time.Minute,
		PingInterval:    20 * time.Second,
		WriteTimeout:    10 * time.Second,
		MinSegmentBytes: 100,
		MaxSegmentBytes: 25 << 20,
		SendBuffer:      64,
		MaxHistory:      20,
		Incremental:     true,
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
	if c.IdleTimeout <= 0 {
		return errors.New("voicechat: idle timeout must be positive")
	}
	if c.PingInterval <= 0 || c.WriteTimeout <= 0 {
		return errors.New("voicechat: ping interval and write timeout must be positive")
	}
	if c.MinSegmentBytes < 0 || c.MaxSegmentBytes < c.MinSegmentBytes {
		return errors.New("voicechat: invalid segment limits")
	}
	if c.SendBuffer < 1 {
		return errors.New("voicechat: send buffer must be at least 1")
	}
	return nil
}
