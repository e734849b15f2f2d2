package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 512, cfg.LLM.MaxTokens)
	assert.Equal(t, "/v1/tts", cfg.OpenAudio.TTSPath)
	assert.Equal(t, 90*time.Second, cfg.Dialogue.TurnTimeout())
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voicegate.toml")
	content := `
port = 9090
log_level = "debug"

[auth]
enabled = true
keys = ["file-key"]

[rate_limit]
enabled = true
requests = 10
window_seconds = 5

[openaudio]
api_base = "http://tts:8080"
max_retries = 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("API_KEYS", "abc, def ,")
	t.Setenv("OPENAUDIO_MAX_RETRIES", "2")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, []string{"abc", "def"}, cfg.Auth.Keys)
	assert.Equal(t, 10, cfg.RateLimit.Requests)
	assert.Equal(t, 5*time.Second, cfg.RateLimit.RateWindow())
	assert.Equal(t, "http://tts:8080", cfg.OpenAudio.APIBase)
	assert.Equal(t, 2, cfg.OpenAudio.MaxRetries, "env overrides file")
	assert.Equal(t, "wav", cfg.OpenAudio.DefaultFormat, "unset keys keep defaults")
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
		assert.Error(t, err)
	})

	t.Run("bad env number", func(t *testing.T) {
		t.Setenv("PORT", "eighty")
		_, err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "PORT")
	})

	t.Run("auth without keys", func(t *testing.T) {
		t.Setenv("API_KEY_ENABLED", "true")
		_, err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no api keys")
	})

	t.Run("max tokens out of range", func(t *testing.T) {
		t.Setenv("LLM_MAX_TOKENS", "5000")
		_, err := Load("")
		assert.Error(t, err)
	})
}
