package dialogue

import (
	"errors"
	"log/slog"
	"time"

	"github.com/teslashibe/voicegate/pkg/inference"
)

// Config holds orchestrator settings.
type Config struct {
	// SystemPrompt is used when a turn carries no instructions.
	SystemPrompt string

	// Sampling is applied to turns that do not set their own. Zero means the
	// generation client's defaults.
	Sampling inference.Sampling

	// TurnTimeout bounds one turn end to end, retries included. Zero disables it.
	TurnTimeout time.Duration

	// EventBuffer is the capacity of a turn's event channel. A consumer that
	// falls further behind suspends the turn.
	EventBuffer int

	// SegmentQueue is the number of sentences generation may run ahead of
	// synthesis in incremental mode.
	SegmentQueue int

	Logger *slog.Logger
}

// Option configures the orchestrator.
type Option func(*Config)

// WithSystemPrompt sets the default instructions.
func WithSystemPrompt(prompt string) Option {
	return func(c *Config) {
		c.SystemPrompt = prompt
	}
}

// WithSampling sets the default sampling parameters.
func WithSampling(s inference.Sampling) Option {
	return func(c *Config) {
		c.Sampling = s
	}
}

// WithTurnTimeout sets the per-turn wall-clock limit.
func WithTurnTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.TurnTimeout = d
	}
}

// WithEventBuffer sets the event channel capacity.
func WithEventBuffer(n int) Option {
	return func(c *Config) {
		c.EventBuffer = n
	}
}

// WithSegmentQueue sets how many sentences may wait for synthesis.
func WithSegmentQueue(n int) Option {
	return func(c *Config) {
		c.SegmentQueue = n
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
		TurnTimeout:  2 * time.Minute,
		EventBuffer:  16,
		SegmentQueue: 4,
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
	if c.TurnTimeout < 0 {
		return errors.New("dialogue: turn timeout must not be negative")
	}
	if c.EventBuffer < 0 {
		return errors.New("dialogue: event buffer must not be negative")
	}
	if c.SegmentQueue < 1 {
		return errors.New("dialogue: segment queue must be at least 1")
	}
	if !c.Sampling.IsZero() {
		return c.Sampling.Validate()
	}
	return nil
}
