// Package server exposes the dialogue pipeline over HTTP and WebSocket.
//
// Every route except the /health family passes the admission controller
// first. Streaming routes answer with NDJSON, one StreamEvent per line. The
// voice-chat route and the per-service sockets upgrade to WebSockets carrying
// {event, data} envelopes.
package server

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"

	"github.com/teslashibe/voicegate/pkg/admission"
	"github.com/teslashibe/voicegate/pkg/dialogue"
	"github.com/teslashibe/voicegate/pkg/registry"
	"github.com/teslashibe/voicegate/pkg/voicechat"
)

// Server is the HTTP surface of the service.
type Server struct {
	app       *fiber.App
	registry  *registry.Registry
	orch      *dialogue.Orchestrator
	admission *admission.Controller
	config    *Config
	logger    *slog.Logger

	// timeouts shared by the voice-chat and service sockets
	sessionConfig *voicechat.Config

	// ctx outlives single requests; it ends streams and sessions on shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	sessionsActive atomic.Int64
	sessionsTotal  atomic.Uint64
}

// New creates a server with every route registered.
func New(reg *registry.Registry, orch *dialogue.Orchestrator, ctrl *admission.Controller, opts ...Option) (*Server, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sessionCfg := voicechat.DefaultConfig()
	sessionCfg.Apply(cfg.Session...)
	if err := sessionCfg.Validate(); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		registry:  reg,
		orch:      orch,
		admission: ctrl,
		config:    cfg,
		logger:    log.With("component", "server"),
		ctx:       ctx,
		cancel:    cancel,

		sessionConfig: sessionCfg,
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "voicegate",
		DisableStartupMessage: true,
		BodyLimit:             cfg.MaxUploadBytes + 1<<20,
		ErrorHandler:          s.handleFiberError,
	})
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.app.Use(recover.New())
	s.app.Use(requestid.New(requestid.Config{Generator: uuid.NewString}))
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Content-Type,Authorization,Accept,X-API-Key",
	}))
	if s.config.Debug {
		s.app.Use(logger.New())
	}

	s.app.Get("/health", s.handleHealth)
	s.app.Get("/health/live", s.handleLive)
	s.app.Get("/health/ready", s.handleReady)
	s.app.Get("/health/:component", s.handleComponentHealth)
	s.app.Get("/metrics", s.admit, s.handleMetrics)

	v1 := s.app.Group("/v1", s.admit)
	v1.Get("/models", s.handleModels)
	v1.Get("/models/:id", s.handleModel)
	v1.Post("/generate", s.handleGenerate)
	v1.Post("/generate_stream", s.handleGenerateStream)
	v1.Post("/speech-to-text", s.handleTranscribe)
	v1.Post("/text-to-speech", s.handleSynthesize)
	v1.Post("/encode-reference", s.handleEncodeReference)
	v1.Post("/conversation/dialogue", s.handleDialogue)

	v1.Get("/conversation/ws", requireUpgrade, websocket.New(s.handleSession))
	v1.Get("/generate_ws", requireUpgrade, websocket.New(s.handleGenerateSocket))
	v1.Get("/text-to-speech/ws", requireUpgrade, websocket.New(s.handleSynthesizeSocket))
	v1.Get("/speech-to-text/ws", requireUpgrade, websocket.New(s.handleTranscribeSocket))
}

func requireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// App returns the fiber application.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.logger.Info("listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown ends open streams and sessions, then stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.app.ShutdownWithContext(ctx)
}

// admit runs the admission controller. The credential comes from the
// Authorization bearer, the X-API-Key header or the api_key query parameter.
func (s *Server) admit(c *fiber.Ctx) error {
	credential := admission.Credential(
		c.Get(fiber.HeaderAuthorization),
		c.Get("X-API-Key"),
		c.Query("api_key"),
	)
	decision, err := s.admission.Authorize(c.IP(), credential)
	if err != nil {
		return s.writeError(c, err)
	}
	if decision.Remaining >= 0 {
		c.Set("X-RateLimit-Remaining", strconv.Itoa(int(decision.Remaining)))
	}
	return c.Next()
}

func (s *Server) handleSession(c *websocket.Conn) {
	opts := append([]voicechat.Option{voicechat.WithLogger(s.logger)}, s.config.Session...)
	session, err := voicechat.New(c, s.orch, s.admission.NewMessageLimiter(), opts...)
	if err != nil {
		s.logger.Error("failed to create session", "error", err)
		c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable"),
			time.Now().Add(time.Second))
		return
	}

	s.sessionsTotal.Add(1)
	s.sessionsActive.Add(1)
	defer s.sessionsActive.Add(-1)

	if err := session.Run(s.ctx); err != nil {
		s.logger.Debug("session closed with error", "session_id", session.ID, "error", err)
	}
}

func (s *Server) handleFiberError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	kind := dialogue.KindInternal
	switch {
	case code == fiber.StatusNotFound || code == fiber.StatusMethodNotAllowed:
		kind = "not_found"
	case code < fiber.StatusInternalServerError:
		kind = dialogue.KindValidation
	default:
		s.logger.Error("unhandled error", "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": kind, "message": err.Error()})
}
