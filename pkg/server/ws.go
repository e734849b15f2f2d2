package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/teslashibe/voicegate/pkg/dialogue"
	"github.com/teslashibe/voicegate/pkg/protocol"
	"github.com/teslashibe/voicegate/pkg/registry"
	"github.com/teslashibe/voicegate/pkg/stt"
	"github.com/teslashibe/voicegate/pkg/tts"
)

// socket is one per-service WebSocket. Requests are served one at a time on
// the reading goroutine, which is also the only writer.
type socket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *slog.Logger
}

// frameHandler serves one inbound frame.
type frameHandler func(ctx context.Context, sock *socket, messageType int, data []byte)

// serveSocket refuses the connection with 1013 when the backend is not ready,
// then reads frames until the client leaves, the idle timeout expires or the
// server stops.
func (s *Server) serveSocket(c *websocket.Conn, kind registry.Kind, handle frameHandler) {
	sock := &socket{
		conn:         c,
		writeTimeout: s.sessionConfig.WriteTimeout,
		logger:       s.logger.With("socket", kind.String()),
	}

	if !s.registry.IsReady(kind) {
		sock.sendFailure(&registry.UnavailableError{Kind: kind})
		sock.close(websocket.CloseTryAgainLater, "service unavailable")
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	// deadlineMu keeps the idle deadline from overriding the wake-up on stop.
	var deadlineMu sync.Mutex
	stop := context.AfterFunc(ctx, func() {
		deadlineMu.Lock()
		defer deadlineMu.Unlock()
		c.SetReadDeadline(time.Now())
	})
	defer stop()
	extend := func() error {
		deadlineMu.Lock()
		defer deadlineMu.Unlock()
		if ctx.Err() != nil {
			return nil
		}
		return c.SetReadDeadline(time.Now().Add(s.sessionConfig.IdleTimeout))
	}

	limiter := s.admission.NewMessageLimiter()
	for {
		if err := extend(); err != nil {
			return
		}
		messageType, data, err := c.ReadMessage()
		if err != nil {
			var netErr net.Error
			switch {
			case ctx.Err() != nil:
				sock.close(websocket.CloseGoingAway, "server shutting down")
			case errors.As(err, &netErr) && netErr.Timeout():
				sock.close(websocket.CloseGoingAway, "idle timeout")
			}
			return
		}
		if !limiter.Allow() {
			sock.sendError(kindRateLimited, "message rate exceeded; message dropped")
			continue
		}
		handle(ctx, sock, messageType, data)
	}
}

func (k *socket) send(env *protocol.Envelope) error {
	b, err := env.Bytes()
	if err != nil {
		return err
	}
	if err := k.conn.SetWriteDeadline(time.Now().Add(k.writeTimeout)); err != nil {
		return err
	}
	return k.conn.WriteMessage(websocket.TextMessage, b)
}

func (k *socket) sendEvent(ev protocol.Event) error {
	env, err := ev.Envelope()
	if err != nil {
		return err
	}
	return k.send(env)
}

func (k *socket) sendEnvelope(event string, data interface{}) {
	env, err := protocol.NewEnvelope(event, data)
	if err == nil {
		err = k.send(env)
	}
	if err != nil {
		k.logger.Debug("send failed", "event", event, "error", err)
	}
}

func (k *socket) sendError(kind, message string) {
	env, err := protocol.NewErrorMessage(kind, message)
	if err == nil {
		err = k.send(env)
	}
	if err != nil {
		k.logger.Debug("send failed", "event", protocol.EventError, "error", err)
	}
}

// sendFailure reports err with the same kind an HTTP response would carry.
func (k *socket) sendFailure(err error) {
	_, kind := errorKind(err)
	if err := k.sendEvent(protocol.Error(kind, string(dialogue.StageOf(err)), err.Error())); err != nil {
		k.logger.Debug("send failed", "event", protocol.EventError, "error", err)
	}
}

func (k *socket) close(code int, reason string) {
	_ = k.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason),
		time.Now().Add(k.writeTimeout))
}

// request parses a text frame and checks its tag. Failures are reported to
// the client and return nil.
func (k *socket) request(messageType int, data []byte, events ...string) *protocol.Envelope {
	if messageType != websocket.TextMessage {
		k.sendError(dialogue.KindValidation, "expected a text frame")
		return nil
	}
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		k.sendError(dialogue.KindValidation, err.Error())
		return nil
	}
	for _, event := range events {
		if env.Event == event {
			return env
		}
	}
	k.sendError(dialogue.KindValidation, fmt.Sprintf("unknown event %q", env.Event))
	return nil
}

// relay forwards events until the channel closes. A failed write calls abort,
// which must end the producer.
func (k *socket) relay(ctx context.Context, events <-chan protocol.Event, abort func()) {
	if err := protocol.Pump(ctx, events, protocol.SinkFunc(k.sendEvent)); err != nil {
		k.logger.Debug("relay ended early", "error", err)
		abort()
	}
}

// handleGenerateSocket streams generation tokens for every generate request.
func (s *Server) handleGenerateSocket(c *websocket.Conn) {
	s.serveSocket(c, registry.KindGenerate, func(ctx context.Context, sock *socket, messageType int, data []byte) {
		env := sock.request(messageType, data, protocol.ClientGenerate)
		if env == nil {
			return
		}
		body := generateBody{Sampling: s.defaultSampling()}
		if err := env.ParseData(&body); err != nil {
			sock.sendError(dialogue.KindValidation, "invalid generate request: "+err.Error())
			return
		}

		run := s.orch.Start(ctx, dialogue.Input{
			Text:         body.Prompt,
			History:      body.History,
			Instructions: body.SystemPrompt,
			Sampling:     body.Sampling,
			StreamTokens: true,
		})
		sock.relay(ctx, run.Events(), run.Cancel)
		run.Wait()
	})
}

// socketSynthesis is a synthesis request over the socket. Streaming is the
// default.
type socketSynthesis struct {
	tts.Request
	Stream *bool `json:"stream"`
}

// handleSynthesizeSocket answers every synthesize request with synthesis
// chunks and a closing synthesis_done.
func (s *Server) handleSynthesizeSocket(c *websocket.Conn) {
	s.serveSocket(c, registry.KindSynthesize, func(ctx context.Context, sock *socket, messageType int, data []byte) {
		env := sock.request(messageType, data, protocol.ClientSynthesize)
		if env == nil {
			return
		}
		var body socketSynthesis
		if err := env.ParseData(&body); err != nil {
			sock.sendError(dialogue.KindValidation, "invalid synthesize request: "+err.Error())
			return
		}
		req := body.Request
		if err := req.Validate(); err != nil {
			sock.sendFailure(err)
			return
		}
		p, err := s.registry.Synthesizer()
		if err != nil {
			sock.sendFailure(err)
			return
		}

		if body.Stream == nil || *body.Stream {
			s.relaySocketSynthesis(ctx, sock, p, &req)
			return
		}

		result, err := p.Synthesize(ctx, &req)
		if err != nil {
			sock.sendFailure(backendFailure(dialogue.StageSynthesis, err))
			return
		}
		chunk := protocol.SynthesisChunk(protocol.ChunkData{
			Audio:      result.Audio,
			Format:     string(result.Format.Encoding),
			MediaType:  result.Format.MediaType(),
			SampleRate: result.Format.SampleRate,
		})
		if err := sock.sendEvent(chunk); err != nil {
			return
		}
		sock.sendEvent(protocol.SynthesisDone(protocol.SynthesisDoneData{
			Segments: 1,
			Chunks:   1,
			Bytes:    len(result.Audio),
		}))
	})
}

func (s *Server) relaySocketSynthesis(ctx context.Context, sock *socket, p tts.Provider, req *tts.Request) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := p.Stream(ctx, req)
	if err != nil {
		sock.sendFailure(backendFailure(dialogue.StageSynthesis, err))
		return
	}

	events := make(chan protocol.Event, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		relaySynthesis(ctx, stream, events)
	}()

	sock.relay(ctx, events, cancel)
	cancel()
	<-done
}

// handleTranscribeSocket buffers audio from binary frames or audio events
// and transcribes the buffer on commit.
func (s *Server) handleTranscribeSocket(c *websocket.Conn) {
	var pending bytes.Buffer
	var format string

	appendAudio := func(sock *socket, audio []byte) {
		if pending.Len()+len(audio) > s.config.MaxUploadBytes {
			sock.sendError(dialogue.KindValidation, fmt.Sprintf("buffered audio exceeds %d bytes", s.config.MaxUploadBytes))
			return
		}
		pending.Write(audio)
		sock.sendEnvelope(protocol.ServerReceived, protocol.ReceivedData{Bytes: pending.Len()})
	}

	s.serveSocket(c, registry.KindTranscribe, func(ctx context.Context, sock *socket, messageType int, data []byte) {
		if messageType == websocket.BinaryMessage {
			appendAudio(sock, data)
			return
		}

		env := sock.request(messageType, data, protocol.ClientAudio, protocol.ClientCommit, protocol.ClientClear)
		if env == nil {
			return
		}
		switch env.Event {
		case protocol.ClientAudio:
			var msg protocol.AudioData
			if err := env.ParseData(&msg); err != nil {
				sock.sendError(dialogue.KindValidation, "invalid audio message: "+err.Error())
				return
			}
			audio, err := protocol.DecodeAudio(msg.Audio)
			if err != nil {
				sock.sendError(dialogue.KindValidation, err.Error())
				return
			}
			if msg.Format != "" {
				format = msg.Format
			}
			appendAudio(sock, audio)

		case protocol.ClientClear:
			pending.Reset()
			sock.sendEnvelope(protocol.ServerCleared, nil)

		case protocol.ClientCommit:
			var commit protocol.CommitData
			if err := env.ParseData(&commit); err != nil {
				sock.sendError(dialogue.KindValidation, "invalid commit: "+err.Error())
				return
			}
			if commit.Format == "" {
				commit.Format = format
			}
			req := &stt.Request{
				Audio:       bytes.Clone(pending.Bytes()),
				Format:      commit.Format,
				Language:    commit.Language,
				Prompt:      commit.Prompt,
				Temperature: commit.Temperature,
			}
			if err := req.Validate(); err != nil {
				sock.sendFailure(err)
				return
			}
			pending.Reset()

			p, err := s.registry.Transcriber()
			if err != nil {
				sock.sendFailure(err)
				return
			}
			transcript, err := p.Transcribe(ctx, req)
			if err != nil {
				sock.sendFailure(backendFailure(dialogue.StageTranscription, err))
				return
			}
			sock.sendEvent(protocol.TranscriptFinal(transcript.Text, transcript.Language))
		}
	})
}
