// voicegate: voice dialogue service
// Fronts transcription, generation and synthesis backends with HTTP streaming
// and WebSocket voice chat.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/teslashibe/voicegate/internal/config"
	"github.com/teslashibe/voicegate/internal/log"
	"github.com/teslashibe/voicegate/pkg/admission"
	"github.com/teslashibe/voicegate/pkg/dialogue"
	"github.com/teslashibe/voicegate/pkg/inference"
	"github.com/teslashibe/voicegate/pkg/registry"
	"github.com/teslashibe/voicegate/pkg/server"
	"github.com/teslashibe/voicegate/pkg/stt"
	"github.com/teslashibe/voicegate/pkg/tts"
	"github.com/teslashibe/voicegate/pkg/voicechat"
)

var (
	version    = "1.0.0"
	configPath = flag.String("config", "", "Path to a TOML config file")
	port       = flag.Int("port", 0, "HTTP server port (overrides config)")
	debug      = flag.Bool("debug", false, "Enable debug logging")

	healthInterval = 30 * time.Second
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *debug {
		cfg.Debug = true
		cfg.LogLevel = "debug"
	}

	log.Init(cfg.LogLevel)
	logger := log.L()
	logger.Info("starting voicegate", "version", version, "port", cfg.Port)

	reg := registry.New(newTranscriber(cfg), newGenerator(cfg), newSynthesizer(cfg), registry.WithLogger(logger))
	for kind, err := range reg.Init(context.Background()) {
		logger.Warn("backend not ready", "kind", kind.String(), "error", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go reg.Watch(ctx, healthInterval)

	orch, err := dialogue.New(reg,
		dialogue.WithSystemPrompt(cfg.Dialogue.SystemPrompt),
		dialogue.WithSampling(inference.Sampling{
			MaxTokens:     cfg.LLM.MaxTokens,
			Temperature:   cfg.LLM.Temperature,
			TopP:          cfg.LLM.TopP,
			TopK:          cfg.LLM.TopK,
			RepeatPenalty: cfg.LLM.RepeatPenalty,
		}),
		dialogue.WithTurnTimeout(cfg.Dialogue.TurnTimeout()),
		dialogue.WithLogger(logger),
	)
	if err != nil {
		logger.Error("invalid dialogue config", "error", err)
		os.Exit(1)
	}

	ctrl, err := admission.New(admissionOptions(cfg, logger)...)
	if err != nil {
		logger.Error("invalid admission config", "error", err)
		os.Exit(1)
	}

	srv, err := server.New(reg, orch, ctrl,
		server.WithVersion(version),
		server.WithDebug(cfg.Debug),
		server.WithLogger(logger),
		server.WithModels(server.Models{
			Transcribe: cfg.STT.Model,
			Generate:   cfg.LLM.Model,
			Synthesize: "openaudio",
		}),
		server.WithSessionOptions(
			voicechat.WithIdleTimeout(cfg.Dialogue.IdleTimeout()),
			voicechat.WithInstructions(cfg.Dialogue.SystemPrompt),
		),
	)
	if err != nil {
		logger.Error("invalid server config", "error", err)
		os.Exit(1)
	}

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		logger.Info("serving",
			"health", fmt.Sprintf("http://localhost:%d/health", cfg.Port),
			"voice_chat", fmt.Sprintf("ws://localhost:%d/v1/conversation/ws", cfg.Port),
		)
		if err := srv.Listen(addr); err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
	if err := reg.Close(); err != nil {
		logger.Warn("backend close error", "error", err)
	}
	logger.Info("goodbye")
}

func admissionOptions(cfg *config.Config, logger *slog.Logger) []admission.Option {
	opts := []admission.Option{
		admission.WithLogger(logger),
		admission.WithMessageLimit(cfg.RateLimit.MessagesPerSecond, cfg.RateLimit.MessageBurst),
	}
	if cfg.Auth.Enabled {
		opts = append(opts, admission.WithKeys(cfg.Auth.Keys...))
	} else {
		opts = append(opts, admission.WithoutAuth())
	}
	if cfg.RateLimit.Enabled {
		opts = append(opts, admission.WithRateLimit(cfg.RateLimit.Requests, cfg.RateLimit.RateWindow(), cfg.RateLimit.Burst))
	} else {
		opts = append(opts, admission.WithoutRateLimit())
	}
	return opts
}

// The constructors return nil on a bad configuration; the registry reports
// such a backend as never ready instead of failing startup.

func newTranscriber(cfg *config.Config) stt.Provider {
	c, err := stt.NewClient(
		stt.WithBaseURL(cfg.STT.APIBase),
		stt.WithAPIKey(cfg.STT.APIKey),
		stt.WithModel(cfg.STT.Model),
		stt.WithTimeout(time.Duration(cfg.STT.TimeoutSeconds)*time.Second),
		stt.WithLogger(log.L()),
	)
	if err != nil {
		log.Warn("transcription backend disabled", "error", err)
		return nil
	}
	return c
}

func newGenerator(cfg *config.Config) inference.Provider {
	c, err := inference.NewClient(
		inference.WithBaseURL(cfg.LLM.APIBase),
		inference.WithAPIKey(cfg.LLM.APIKey),
		inference.WithModel(cfg.LLM.Model),
		inference.WithTimeout(time.Duration(cfg.LLM.TimeoutSeconds)*time.Second),
		inference.WithLogger(log.L()),
	)
	if err != nil {
		log.Warn("generation backend disabled", "error", err)
		return nil
	}
	return c
}

func newSynthesizer(cfg *config.Config) tts.Provider {
	oa := cfg.OpenAudio
	policy := tts.DefaultRetryPolicy()
	policy.MaxRetries = oa.MaxRetries
	policy.BaseDelay = time.Duration(oa.RetryBaseMillis) * time.Millisecond
	policy.MaxElapsed = time.Duration(oa.MaxElapsedSeconds) * time.Second

	c, err := tts.NewOpenAudio(
		tts.WithBaseURL(oa.APIBase),
		tts.WithPath(oa.TTSPath),
		tts.WithAPIKey(oa.APIKey),
		tts.WithFormat(tts.Encoding(oa.DefaultFormat)),
		tts.WithSampleRate(oa.DefaultSampleRate),
		tts.WithNormalize(oa.DefaultNormalize),
		tts.WithReferenceID(oa.DefaultReferenceID),
		tts.WithTimeout(time.Duration(oa.TimeoutSeconds)*time.Second),
		tts.WithRetryPolicy(policy),
		tts.WithLogger(log.L()),
	)
	if err != nil {
		log.Warn("synthesis backend disabled", "error", err)
		return nil
	}
	return c
}
