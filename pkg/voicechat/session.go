// Package voicechat runs a spoken conversation over one duplex connection.
//
// The client delimits its own audio segments: audio messages append to the
// pending segment and end_turn submits it. Each segment becomes one dialogue
// turn whose events are streamed back as they happen. Only one turn is active
// at a time; new input while a turn is running cancels it first (barge-in).
// Completed turns are kept as context for the next ones.
package voicechat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teslashibe/voicegate/pkg/admission"
	"github.com/teslashibe/voicegate/pkg/dialogue"
	"github.com/teslashibe/voicegate/pkg/inference"
	"github.com/teslashibe/voicegate/pkg/protocol"
	"github.com/teslashibe/voicegate/pkg/stt"
	"github.com/teslashibe/voicegate/pkg/tts"
)

// kindRateLimited is reported for messages dropped by the per-message limiter.
const kindRateLimited = "rate_limited"

// Session is one voice-chat conversation.
type Session struct {
	// ID identifies the session to the client.
	ID string

	conn    Conn
	orch    *dialogue.Orchestrator
	limiter *admission.MessageLimiter
	config  *Config
	logger  *slog.Logger

	send    chan []byte
	closing atomic.Pointer[closeFrame]

	// deadlineMu orders read deadline updates against the wake-up on cancel.
	deadlineMu sync.Mutex

	mu           sync.Mutex
	history      []*dialogue.Turn
	instructions string
	language     string
	incremental  bool
	synthesis    json.RawMessage
	pending      bytes.Buffer
	format       string
	active       *activeTurn
}

type activeTurn struct {
	run       *dialogue.Run
	cancelled atomic.Bool
	done      chan struct{}
}

// New creates a session. A nil limiter allows every message.
func New(conn Conn, orch *dialogue.Orchestrator, limiter *admission.MessageLimiter, opts ...Option) (*Session, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		ID:           uuid.NewString(),
		conn:         conn,
		orch:         orch,
		limiter:      limiter,
		config:       cfg,
		send:         make(chan []byte, cfg.SendBuffer),
		instructions: cfg.Instructions,
		language:     cfg.Language,
		incremental:  cfg.Incremental,
	}
	s.logger = logger.With("component", "voicechat", "session_id", s.ID)
	return s, nil
}

// History returns the completed turns, oldest first.
func (s *Session) History() []*dialogue.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*dialogue.Turn(nil), s.history...)
}

// Run serves the session until the client disconnects, the idle timeout
// expires or ctx is cancelled. Any active turn is cancelled on the way out.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan error, 1)
	go func() {
		err := s.writePump(ctx)
		if err != nil {
			s.logger.Warn("write failed", "error", err)
			cancel()
			s.conn.Close()
		}
		writerDone <- err
	}()

	stopOnCancel := context.AfterFunc(ctx, func() {
		s.deadlineMu.Lock()
		defer s.deadlineMu.Unlock()
		s.conn.SetReadDeadline(time.Now())
	})
	defer stopOnCancel()

	s.conn.SetPongHandler(func(string) error {
		if s.turnActive() {
			return s.extendDeadline(ctx)
		}
		return nil
	})

	s.logger.Info("session started")
	s.sendEnvelope(ctx, protocol.ServerReady, protocol.ReadyData{SessionID: s.ID})

	err := s.readLoop(ctx)
	stopped := ctx.Err() != nil

	s.cancelActive()
	cancel()
	werr := <-writerDone
	s.conn.Close()

	s.logger.Info("session ended", "turns", len(s.History()), "reason", err)
	switch {
	case isClosure(err):
		return nil
	case stopped:
		return werr
	default:
		return err
	}
}

// extendDeadline restarts the idle timeout. It does nothing once ctx is done,
// so it cannot undo the wake-up of the read loop.
func (s *Session) extendDeadline(ctx context.Context) error {
	s.deadlineMu.Lock()
	defer s.deadlineMu.Unlock()
	if ctx.Err() != nil {
		return nil
	}
	return s.conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
}

func (s *Session) turnActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// readLoop reads until the connection fails or stays idle. The idle clock
// restarts on every message, on pongs while a turn runs and when a turn ends.
func (s *Session) readLoop(ctx context.Context) error {
	for {
		if err := s.extendDeadline(ctx); err != nil {
			return err
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() && ctx.Err() == nil {
				s.closing.Store(&closeFrame{code: websocket.CloseGoingAway, reason: "idle timeout"})
				s.logger.Info("session idle timeout", "timeout", s.config.IdleTimeout)
				return nil
			}
			return err
		}
		s.handle(ctx, data)
	}
}

func (s *Session) handle(ctx context.Context, data []byte) {
	if !s.limiter.Allow() {
		s.sendError(ctx, kindRateLimited, "message rate exceeded; message dropped")
		return
	}

	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		s.sendError(ctx, dialogue.KindValidation, err.Error())
		return
	}

	switch env.Event {
	case protocol.ClientConfig:
		s.handleConfig(ctx, env)
	case protocol.ClientAudio:
		s.handleAudio(ctx, env)
	case protocol.ClientEndTurn:
		s.handleEndTurn(ctx)
	case protocol.ClientText:
		var text protocol.TextData
		if err := env.ParseData(&text); err != nil || strings.TrimSpace(text.Text) == "" {
			s.sendError(ctx, dialogue.KindValidation, "text message needs non-empty text")
			return
		}
		s.startTurn(ctx, dialogue.Input{Text: text.Text})
	case protocol.ClientCancel:
		s.cancelActive()
	default:
		s.sendError(ctx, dialogue.KindValidation, fmt.Sprintf("unknown event %q", env.Event))
	}
}

func (s *Session) handleConfig(ctx context.Context, env *protocol.Envelope) {
	var cfg protocol.ConfigData
	if err := env.ParseData(&cfg); err != nil {
		s.sendError(ctx, dialogue.KindValidation, "invalid config: "+err.Error())
		return
	}
	if len(cfg.Synthesis) > 0 {
		if _, err := s.synthesisTemplate(cfg.Synthesis); err != nil {
			s.sendError(ctx, dialogue.KindValidation, "invalid synthesis config: "+err.Error())
			return
		}
	}

	s.mu.Lock()
	if cfg.Instructions != nil {
		s.instructions = *cfg.Instructions
	}
	if cfg.Language != nil {
		s.language = *cfg.Language
	}
	if cfg.Incremental != nil {
		s.incremental = *cfg.Incremental
	}
	if len(cfg.Synthesis) > 0 {
		s.synthesis = append(json.RawMessage(nil), cfg.Synthesis...)
	}
	echo := protocol.ConfiguredData{
		Instructions: s.instructions,
		Language:     s.language,
		Incremental:  s.incremental,
	}
	s.mu.Unlock()

	s.sendEnvelope(ctx, protocol.ServerConfigured, echo)
}

func (s *Session) handleAudio(ctx context.Context, env *protocol.Envelope) {
	var msg protocol.AudioData
	if err := env.ParseData(&msg); err != nil {
		s.sendError(ctx, dialogue.KindValidation, "invalid audio message")
		return
	}
	audio, err := protocol.DecodeAudio(msg.Audio)
	if err != nil {
		s.sendError(ctx, dialogue.KindValidation, err.Error())
		return
	}

	s.mu.Lock()
	if s.pending.Len()+len(audio) > s.config.MaxSegmentBytes {
		s.pending.Reset()
		s.mu.Unlock()
		s.sendError(ctx, dialogue.KindValidation, fmt.Sprintf("audio segment exceeds %d bytes", s.config.MaxSegmentBytes))
		return
	}
	s.pending.Write(audio)
	if msg.Format != "" {
		s.format = msg.Format
	}
	s.mu.Unlock()
}

func (s *Session) handleEndTurn(ctx context.Context) {
	s.mu.Lock()
	audio := append([]byte(nil), s.pending.Bytes()...)
	format := s.format
	language := s.language
	s.pending.Reset()
	s.mu.Unlock()

	if len(audio) < s.config.MinSegmentBytes {
		s.sendError(ctx, dialogue.KindValidation,
			fmt.Sprintf("audio segment too short: %d bytes, need at least %d", len(audio), s.config.MinSegmentBytes))
		return
	}
	s.startTurn(ctx, dialogue.Input{
		Audio: &stt.Request{Audio: audio, Format: format, Language: language},
	})
}

// startTurn cancels any active turn, then starts a new one with the session
// context.
func (s *Session) startTurn(ctx context.Context, in dialogue.Input) {
	s.cancelActive()

	s.mu.Lock()
	in.History = s.historyMessages()
	in.Instructions = s.instructions
	in.Voice = true
	in.StreamTokens = true
	in.Incremental = s.incremental
	raw := s.synthesis
	s.mu.Unlock()

	tmpl, err := s.synthesisTemplate(raw)
	if err != nil {
		s.sendError(ctx, dialogue.KindValidation, err.Error())
		return
	}
	in.Synthesis = tmpl

	run := s.orch.Start(ctx, in)
	turn := &activeTurn{run: run, done: make(chan struct{})}

	s.mu.Lock()
	s.active = turn
	s.mu.Unlock()

	s.logger.Debug("turn started", "turn_id", run.ID, "audio", in.Audio != nil)
	go s.forward(ctx, turn)
}

// forward relays a turn's events and reports how it ended.
func (s *Session) forward(ctx context.Context, turn *activeTurn) {
	defer close(turn.done)

	for ev := range turn.run.Events() {
		if turn.cancelled.Load() {
			continue
		}
		s.sendEvent(ctx, ev)
	}

	result, err := turn.run.Wait()

	s.mu.Lock()
	if s.active == turn {
		s.active = nil
	}
	if err == nil {
		s.history = append(s.history, result)
		if n := s.config.MaxHistory; n > 0 && len(s.history) > n {
			s.history = s.history[len(s.history)-n:]
		}
	}
	s.mu.Unlock()
	s.extendDeadline(ctx)

	switch {
	case err == nil:
		s.sendTurn(ctx, protocol.ServerTurnComplete, turn.run.ID)
	case errors.Is(err, dialogue.ErrCancelled):
		s.sendTurn(ctx, protocol.ServerTurnCancelled, turn.run.ID)
	}
}

// cancelActive cancels the running turn and waits for it to wind down.
func (s *Session) cancelActive() {
	s.mu.Lock()
	turn := s.active
	s.mu.Unlock()
	if turn == nil {
		return
	}
	turn.cancelled.Store(true)
	turn.run.Cancel()
	<-turn.done
}

// synthesisTemplate overlays a client synthesis config on the configured
// template and validates it.
func (s *Session) synthesisTemplate(raw json.RawMessage) (tts.Request, error) {
	tmpl := s.config.Synthesis
	tmpl.References = append([]string(nil), tmpl.References...)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &tmpl); err != nil {
			return tts.Request{}, err
		}
	}
	tmpl.Text = "-"
	if err := tmpl.Validate(); err != nil {
		return tts.Request{}, err
	}
	tmpl.Text = ""
	return tmpl, nil
}

// historyMessages flattens the history; callers hold mu.
func (s *Session) historyMessages() []inference.Message {
	msgs := make([]inference.Message, 0, 2*len(s.history))
	for _, t := range s.history {
		msgs = append(msgs, t.Messages()...)
	}
	return msgs
}

func (s *Session) sendEvent(ctx context.Context, ev protocol.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("failed to encode event", "event", ev.Type, "error", err)
		return
	}
	s.enqueue(ctx, data)
}

func (s *Session) sendEnvelope(ctx context.Context, event string, payload interface{}) {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		s.logger.Error("failed to encode message", "event", event, "error", err)
		return
	}
	data, err := env.Bytes()
	if err != nil {
		return
	}
	s.enqueue(ctx, data)
}

func (s *Session) sendTurn(ctx context.Context, event, turnID string) {
	env, err := protocol.NewTurnMessage(event, turnID)
	if err != nil {
		return
	}
	data, err := env.Bytes()
	if err != nil {
		return
	}
	s.enqueue(ctx, data)
}

func (s *Session) sendError(ctx context.Context, kind, message string) {
	s.logger.Debug("rejecting message", "kind", kind, "message", message)
	env, err := protocol.NewErrorMessage(kind, message)
	if err != nil {
		return
	}
	data, err := env.Bytes()
	if err != nil {
		return
	}
	s.enqueue(ctx, data)
}

// enqueue hands a frame to the writer, blocking while it is behind.
func (s *Session) enqueue(ctx context.Context, frame []byte) {
	select {
	case <-ctx.Done():
	case s.send <- frame:
	}
}

func isClosure(err error) bool {
	return err == nil || websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
