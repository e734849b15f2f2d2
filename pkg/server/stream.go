package server

import (
	"bufio"
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/voicegate/pkg/dialogue"
	"github.com/teslashibe/voicegate/pkg/protocol"
	"github.com/teslashibe/voicegate/pkg/tts"
)

// streamEvents answers with events as NDJSON. The body writer runs after the
// handler has returned, so it must not touch c. stop is called once writing
// ends, for whatever reason, and must release the producer.
func (s *Server) streamEvents(c *fiber.Ctx, events <-chan protocol.Event, stop func()) error {
	c.Set(fiber.HeaderContentType, protocol.ContentTypeNDJSON)
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set("X-Accel-Buffering", "no")

	ctx := s.ctx
	logger := s.logger
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer stop()
		if err := protocol.Pump(ctx, events, protocol.NewEncoder(w)); err != nil {
			logger.Debug("stream ended early", "error", err)
		}
	})
	return nil
}

// streamRun streams a turn's events. A client that goes away cancels the turn.
func (s *Server) streamRun(c *fiber.Ctx, run *dialogue.Run) error {
	c.Set("X-Turn-ID", run.ID)
	return s.streamEvents(c, run.Events(), func() {
		run.Cancel()
		run.Wait()
	})
}

// streamSynthesis opens a synthesis stream and relays its chunks. Failures
// before the first chunk are answered with a plain error response.
func (s *Server) streamSynthesis(c *fiber.Ctx, p tts.Provider, req *tts.Request) error {
	ctx, cancel := context.WithCancel(s.ctx)
	stream, err := p.Stream(ctx, req)
	if err != nil {
		cancel()
		return s.writeError(c, backendFailure(dialogue.StageSynthesis, err))
	}

	events := make(chan protocol.Event, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		relaySynthesis(ctx, stream, events)
	}()

	return s.streamEvents(c, events, func() {
		cancel()
		<-done
	})
}

// relaySynthesis turns audio chunks into synthesis events, ending with
// synthesis_done or error. It closes events.
func relaySynthesis(ctx context.Context, stream tts.AudioStream, events chan<- protocol.Event) {
	defer close(events)
	defer stream.Close()

	send := func(ev protocol.Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	format := stream.Format()
	done := protocol.SynthesisDoneData{Segments: 1}
	for {
		chunk, err := stream.Read()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			err = backendFailure(dialogue.StageSynthesis, fmt.Errorf("after %d chunks: %w", done.Chunks, err))
			_, kind := errorKind(err)
			send(protocol.Error(kind, string(dialogue.StageSynthesis), err.Error()))
			return
		}
		if chunk == nil {
			send(protocol.SynthesisDone(done))
			return
		}
		ev := protocol.SynthesisChunk(protocol.ChunkData{
			Seq:        done.Chunks,
			Audio:      chunk,
			Format:     string(format.Encoding),
			MediaType:  format.MediaType(),
			SampleRate: format.SampleRate,
		})
		if !send(ev) {
			return
		}
		done.Chunks++
		done.Bytes += len(chunk)
	}
}
