// Package config provides configuration for the voicegate service.
//
// Values come from three layers, later layers winning: built-in defaults,
// an optional TOML file, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the full service configuration.
type Config struct {
	Port     int    `toml:"port"`
	LogLevel string `toml:"log_level"`
	Debug    bool   `toml:"debug"`

	Auth      AuthConfig      `toml:"auth"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	OpenAudio OpenAudioConfig `toml:"openaudio"`
	STT       STTConfig       `toml:"stt"`
	LLM       LLMConfig       `toml:"llm"`
	Dialogue  DialogueConfig  `toml:"dialogue"`
}

// AuthConfig controls credential checks.
type AuthConfig struct {
	Enabled bool     `toml:"enabled"`
	Keys    []string `toml:"keys"`
}

// RateLimitConfig controls per-identity token buckets.
type RateLimitConfig struct {
	Enabled       bool `toml:"enabled"`
	Requests      int  `toml:"requests"`
	WindowSeconds int  `toml:"window_seconds"`
	// Burst is the bucket capacity. Zero means Requests.
	Burst int `toml:"burst"`

	// Per-message limits for an admitted WebSocket connection.
	MessagesPerSecond float64 `toml:"messages_per_second"`
	MessageBurst      int     `toml:"message_burst"`
}

// OpenAudioConfig configures the synthesis backend.
type OpenAudioConfig struct {
	APIBase            string `toml:"api_base"`
	APIKey             string `toml:"api_key"`
	TTSPath            string `toml:"tts_path"`
	TimeoutSeconds     int    `toml:"timeout_seconds"`
	MaxRetries         int    `toml:"max_retries"`
	RetryBaseMillis    int    `toml:"retry_base_ms"`
	MaxElapsedSeconds  int    `toml:"retry_max_elapsed_seconds"`
	DefaultFormat      string `toml:"default_format"`
	DefaultNormalize   bool   `toml:"default_normalize"`
	DefaultReferenceID string `toml:"default_reference_id"`
	DefaultSampleRate  int    `toml:"default_sample_rate"`
}

// STTConfig configures the transcription backend.
type STTConfig struct {
	APIBase        string `toml:"api_base"`
	APIKey         string `toml:"api_key"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// LLMConfig configures the generation backend and its sampling defaults.
type LLMConfig struct {
	APIBase        string  `toml:"api_base"`
	APIKey         string  `toml:"api_key"`
	Model          string  `toml:"model"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
	MaxTokens      int     `toml:"max_tokens"`
	Temperature    float64 `toml:"temperature"`
	TopP           float64 `toml:"top_p"`
	TopK           int     `toml:"top_k"`
	RepeatPenalty  float64 `toml:"repeat_penalty"`
}

// DialogueConfig configures turns and voice-chat sessions.
type DialogueConfig struct {
	SystemPrompt              string `toml:"system_prompt"`
	TurnTimeoutSeconds        int    `toml:"turn_timeout_seconds"`
	SessionIdleTimeoutSeconds int    `toml:"session_idle_timeout_seconds"`
}

// DefaultSystemPrompt is used when no instructions are configured.
const DefaultSystemPrompt = "You are a helpful voice assistant. Keep responses concise and conversational."

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:     8080,
		LogLevel: "info",
		Auth: AuthConfig{
			Enabled: false,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			Requests:          60,
			WindowSeconds:     60,
			MessagesPerSecond: 50,
			MessageBurst:      100,
		},
		OpenAudio: OpenAudioConfig{
			APIBase:           "http://localhost:8080",
			TTSPath:           "/v1/tts",
			TimeoutSeconds:    60,
			MaxRetries:        3,
			RetryBaseMillis:   250,
			MaxElapsedSeconds: 30,
			DefaultFormat:     "wav",
			DefaultNormalize:  true,
			DefaultSampleRate: 44100,
		},
		STT: STTConfig{
			APIBase:        "http://localhost:8000/v1",
			Model:          "whisper-1",
			TimeoutSeconds: 60,
		},
		LLM: LLMConfig{
			APIBase:        "http://localhost:8001/v1",
			Model:          "gemma-3-4b-it",
			TimeoutSeconds: 120,
			MaxTokens:      512,
			Temperature:    0.7,
			TopP:           0.95,
			TopK:           40,
			RepeatPenalty:  1.1,
		},
		Dialogue: DialogueConfig{
			SystemPrompt:              DefaultSystemPrompt,
			TurnTimeoutSeconds:        90,
			SessionIdleTimeoutSeconds: 300,
		},
	}
}

// Load builds a config from defaults, the TOML file at path (if path is
// non-empty) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration can run a server.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Auth.Enabled && len(c.Auth.Keys) == 0 {
		errs = append(errs, errors.New("auth enabled but no api keys configured"))
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Requests <= 0 {
			errs = append(errs, errors.New("rate_limit.requests must be positive"))
		}
		if c.RateLimit.WindowSeconds <= 0 {
			errs = append(errs, errors.New("rate_limit.window_seconds must be positive"))
		}
	}
	if c.OpenAudio.APIBase == "" {
		errs = append(errs, errors.New("openaudio.api_base required"))
	}
	if c.OpenAudio.MaxRetries < 0 {
		errs = append(errs, errors.New("openaudio.max_retries must not be negative"))
	}
	if c.STT.APIBase == "" {
		errs = append(errs, errors.New("stt.api_base required"))
	}
	if c.LLM.APIBase == "" {
		errs = append(errs, errors.New("llm.api_base required"))
	}
	if c.LLM.MaxTokens < 1 || c.LLM.MaxTokens > 4096 {
		errs = append(errs, fmt.Errorf("llm.max_tokens %d out of range 1..4096", c.LLM.MaxTokens))
	}
	if c.Dialogue.TurnTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("dialogue.turn_timeout_seconds must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// RateWindow returns the refill window as a duration.
func (c RateLimitConfig) RateWindow() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// TurnTimeout returns the per-turn wall clock limit.
func (c DialogueConfig) TurnTimeout() time.Duration {
	return time.Duration(c.TurnTimeoutSeconds) * time.Second
}

// IdleTimeout returns the voice-chat idle limit.
func (c DialogueConfig) IdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleTimeoutSeconds) * time.Second
}

func (c *Config) applyEnv() error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	collect(envInt("PORT", &c.Port))
	envString("LOG_LEVEL", &c.LogLevel)

	collect(envBool("API_KEY_ENABLED", &c.Auth.Enabled))
	if keys := os.Getenv("API_KEYS"); keys != "" {
		c.Auth.Keys = splitList(keys)
	}

	collect(envBool("RATE_LIMIT_ENABLED", &c.RateLimit.Enabled))
	collect(envInt("RATE_LIMIT_REQUESTS", &c.RateLimit.Requests))
	collect(envInt("RATE_LIMIT_WINDOW_SECONDS", &c.RateLimit.WindowSeconds))
	collect(envInt("RATE_LIMIT_BURST", &c.RateLimit.Burst))
	collect(envFloat("WS_MESSAGES_PER_SECOND", &c.RateLimit.MessagesPerSecond))
	collect(envInt("WS_MESSAGE_BURST", &c.RateLimit.MessageBurst))

	envString("OPENAUDIO_API_BASE", &c.OpenAudio.APIBase)
	envString("OPENAUDIO_API_KEY", &c.OpenAudio.APIKey)
	envString("OPENAUDIO_TTS_PATH", &c.OpenAudio.TTSPath)
	collect(envInt("OPENAUDIO_TIMEOUT_SECONDS", &c.OpenAudio.TimeoutSeconds))
	collect(envInt("OPENAUDIO_MAX_RETRIES", &c.OpenAudio.MaxRetries))
	collect(envInt("OPENAUDIO_RETRY_BASE_MS", &c.OpenAudio.RetryBaseMillis))
	collect(envInt("OPENAUDIO_RETRY_MAX_ELAPSED_SECONDS", &c.OpenAudio.MaxElapsedSeconds))
	envString("OPENAUDIO_DEFAULT_FORMAT", &c.OpenAudio.DefaultFormat)
	collect(envBool("OPENAUDIO_DEFAULT_NORMALIZE", &c.OpenAudio.DefaultNormalize))
	envString("OPENAUDIO_DEFAULT_REFERENCE_ID", &c.OpenAudio.DefaultReferenceID)
	collect(envInt("DEFAULT_AUDIO_SAMPLE_RATE", &c.OpenAudio.DefaultSampleRate))

	envString("STT_API_BASE", &c.STT.APIBase)
	envString("STT_API_KEY", &c.STT.APIKey)
	envString("STT_MODEL", &c.STT.Model)

	envString("LLM_API_BASE", &c.LLM.APIBase)
	envString("LLM_API_KEY", &c.LLM.APIKey)
	envString("LLM_MODEL", &c.LLM.Model)
	collect(envInt("LLM_MAX_TOKENS", &c.LLM.MaxTokens))
	collect(envFloat("LLM_TEMPERATURE", &c.LLM.Temperature))
	collect(envFloat("LLM_TOP_P", &c.LLM.TopP))
	collect(envInt("LLM_TOP_K", &c.LLM.TopK))
	collect(envFloat("LLM_REPEAT_PENALTY", &c.LLM.RepeatPenalty))

	envString("SYSTEM_PROMPT", &c.Dialogue.SystemPrompt)
	collect(envInt("TURN_TIMEOUT_SECONDS", &c.Dialogue.TurnTimeoutSeconds))
	collect(envInt("SESSION_IDLE_TIMEOUT_SECONDS", &c.Dialogue.SessionIdleTimeoutSeconds))

	if len(errs) > 0 {
		return fmt.Errorf("config: environment: %w", errors.Join(errs...))
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
