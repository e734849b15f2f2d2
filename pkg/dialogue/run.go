package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/voicegate/pkg/inference"
	"github.com/teslashibe/voicegate/pkg/protocol"
	"github.com/teslashibe/voicegate/pkg/stt"
	"github.com/teslashibe/voicegate/pkg/tts"
)

// backends are the providers a turn needs, resolved before any stage runs.
type backends struct {
	transcriber stt.Provider
	generator   inference.Provider
	synthesizer tts.Provider
}

func (r *Run) execute() {
	defer r.cancel()

	r.turn = Turn{ID: r.ID, StartedAt: time.Now()}

	stageCtx := r.ctx
	if d := r.orch.config.TurnTimeout; d > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeoutCause(r.ctx, d, ErrTurnTimeout)
		defer cancel()
	}

	err := r.run(stageCtx)
	r.finish(stageCtx, err)
}

// finish settles the final state and emits at most one terminal error.
func (r *Run) finish(stageCtx context.Context, err error) {
	defer close(r.done)
	defer close(r.events)

	active := r.State()
	metrics := r.timer.finish()

	switch {
	case err == nil:
		r.turn.Metrics = metrics
		r.setState(StateComplete)
		r.logger.Info("turn complete", "latency", metrics.FormatLatency(), "tokens", metrics.Tokens, "audio_chunks", metrics.AudioChunks)

	case r.ctx.Err() != nil:
		r.err = ErrCancelled
		r.setState(StateCancelled)
		r.logger.Info("turn cancelled", "state", active.String())

	case errors.Is(context.Cause(stageCtx), ErrTurnTimeout):
		r.err = fmt.Errorf("%w after %s", ErrTurnTimeout, r.orch.config.TurnTimeout)
		r.setState(StateErrored)
		r.logger.Warn("turn timed out", "state", active.String())
		r.emitFinal(protocol.Error(KindTimeout, string(active.stage()), r.err.Error()))

	default:
		r.err = err
		r.setState(StateErrored)
		stage := StageOf(err)
		if stage == "" {
			stage = active.stage()
		}
		r.logger.Warn("turn failed", "stage", string(stage), "error", err)
		r.emitFinal(protocol.Error(ErrorKind(err), string(stage), err.Error()))
	}

	r.orch.metrics.Record(r.State(), metrics)
}

func (r *Run) run(ctx context.Context) error {
	if err := r.validate(); err != nil {
		return err
	}
	b, err := r.resolve()
	if err != nil {
		return err
	}

	userText := strings.TrimSpace(r.in.Text)
	if r.in.Audio != nil {
		r.setState(StateTranscribing)
		transcript, err := r.transcribe(ctx, b.transcriber)
		if err != nil {
			return err
		}
		userText = transcript.Text
	}
	r.turn.UserText = userText

	if err := ctx.Err(); err != nil {
		return err
	}
	r.setState(StateGenerating)
	req := r.generateRequest(userText)

	if r.in.Voice && r.in.Incremental {
		return r.pipeline(ctx, b, req)
	}

	if r.in.streaming() {
		err = r.streamGeneration(ctx, b.generator, req, nil)
	} else {
		err = r.generate(ctx, b.generator, req)
	}
	if err != nil || !r.in.Voice {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	r.setState(StateSynthesizing)
	return r.synthesizeText(ctx, b.synthesizer, r.turn.Response)
}

func (r *Run) validate() error {
	if r.in.Audio == nil && strings.TrimSpace(r.in.Text) == "" {
		return ErrNoInput
	}
	if r.in.Audio != nil {
		if err := r.in.Audio.Validate(); err != nil {
			return err
		}
	}
	if !r.in.Sampling.IsZero() {
		if err := r.in.Sampling.Validate(); err != nil {
			return err
		}
	}
	if r.in.Voice {
		// Check the template before any backend is called; the text is
		// supplied per sentence later.
		tmpl := r.in.Synthesis
		tmpl.Text = "-"
		if err := tmpl.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// resolve fails fast when a backend the turn needs is not ready.
func (r *Run) resolve() (backends, error) {
	var (
		b   backends
		err error
	)
	reg := r.orch.registry
	if r.in.Audio != nil {
		if b.transcriber, err = reg.Transcriber(); err != nil {
			return b, err
		}
	}
	if b.generator, err = reg.Generator(); err != nil {
		return b, err
	}
	if r.in.Voice {
		if b.synthesizer, err = reg.Synthesizer(); err != nil {
			return b, err
		}
	}
	return b, nil
}

func (r *Run) transcribe(ctx context.Context, p stt.Provider) (*stt.Transcript, error) {
	transcript, err := p.Transcribe(ctx, r.in.Audio)
	if err != nil {
		return nil, stageFailure(StageTranscription, err)
	}
	transcript.Text = strings.TrimSpace(transcript.Text)
	if transcript.Text == "" {
		return nil, stageFailure(StageTranscription, ErrNoSpeech)
	}
	r.timer.markTranscript()
	r.turn.Transcript = transcript

	for _, partial := range transcript.Partials() {
		if err := r.emit(ctx, protocol.TranscriptPartial(partial)); err != nil {
			return nil, err
		}
	}
	if err := r.emit(ctx, protocol.TranscriptFinal(transcript.Text, transcript.Language)); err != nil {
		return nil, err
	}
	return transcript, nil
}

func (r *Run) generateRequest(userText string) *inference.GenerateRequest {
	system := r.in.Instructions
	if system == "" {
		system = r.orch.config.SystemPrompt
	}
	sampling := r.in.Sampling
	if sampling.IsZero() {
		sampling = r.orch.config.Sampling
	}
	return &inference.GenerateRequest{
		Prompt:       userText,
		SystemPrompt: system,
		History:      r.in.History,
		Sampling:     sampling,
	}
}

func (r *Run) generate(ctx context.Context, p inference.Provider, req *inference.GenerateRequest) error {
	resp, err := p.Generate(ctx, req)
	if err != nil {
		return stageFailure(StageGeneration, err)
	}
	r.timer.markToken()
	r.turn.Response = strings.TrimSpace(resp.Text)
	r.turn.FinishReason = resp.FinishReason
	return r.emit(ctx, protocol.GenerationDone(r.turn.Response, resp.FinishReason))
}

// streamGeneration emits one event per token. When segments is non-nil every
// completed sentence is sent on it, and it is closed once generation ends.
func (r *Run) streamGeneration(ctx context.Context, p inference.Provider, req *inference.GenerateRequest, segments chan<- string) error {
	if segments != nil {
		defer close(segments)
	}

	stream, err := p.Stream(ctx, req)
	if err != nil {
		return stageFailure(StageGeneration, err)
	}
	defer stream.Close()
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	var (
		text   strings.Builder
		seg    Segmenter
		index  int
		finish string
	)
	for {
		chunk, err := stream.Recv()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return stageFailure(StageGeneration, err)
		}

		if chunk.Delta != "" {
			r.timer.markToken()
			text.WriteString(chunk.Delta)
			if err := r.emit(ctx, protocol.GenerationToken(chunk.Delta, index)); err != nil {
				return err
			}
			index++
			if segments != nil {
				for _, s := range seg.Push(chunk.Delta) {
					if err := sendSegment(ctx, segments, s); err != nil {
						return err
					}
				}
			}
		}
		if chunk.Done {
			finish = chunk.FinishReason
			break
		}
	}

	if segments != nil {
		if rest := seg.Flush(); rest != "" {
			if err := sendSegment(ctx, segments, rest); err != nil {
				return err
			}
		}
	}

	r.turn.Response = strings.TrimSpace(text.String())
	r.turn.FinishReason = finish
	return r.emit(ctx, protocol.GenerationDone(r.turn.Response, finish))
}

func sendSegment(ctx context.Context, segments chan<- string, s string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case segments <- s:
		return nil
	}
}

// pipeline runs generation and per-sentence synthesis as two cooperating
// goroutines joined by a bounded queue. The first failure stops both.
func (r *Run) pipeline(ctx context.Context, b backends, req *inference.GenerateRequest) error {
	g, gctx := errgroup.WithContext(ctx)
	segments := make(chan string, r.orch.config.SegmentQueue)

	g.Go(func() error {
		err := r.streamGeneration(gctx, b.generator, req, segments)
		if err == nil {
			r.setState(StateSynthesizing)
		}
		return err
	})
	g.Go(func() error {
		return r.synthesizeSegments(gctx, b.synthesizer, segments)
	})

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		// Report the turn's own cancellation or timeout rather than the
		// sibling's reaction to it.
		return ctx.Err()
	}
	return err
}

func (r *Run) synthesizeSegments(ctx context.Context, p tts.Provider, segments <-chan string) error {
	var done protocol.SynthesisDoneData
	for {
		var (
			text string
			ok   bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case text, ok = <-segments:
		}
		if !ok {
			break
		}
		if err := r.streamSegment(ctx, p, done.Segments, text, &done); err != nil {
			return err
		}
		done.Segments++
	}

	r.turn.Segments = done.Segments
	return r.emit(ctx, protocol.SynthesisDone(done))
}

func (r *Run) streamSegment(ctx context.Context, p tts.Provider, segment int, text string, done *protocol.SynthesisDoneData) error {
	req := r.in.Synthesis
	req.Text = text

	stream, err := p.Stream(ctx, &req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return stageFailure(StageSynthesis, err)
	}
	defer stream.Close()
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	format := stream.Format()
	r.turn.Format = format
	for seq := 0; ; seq++ {
		audio, err := stream.Read()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return stageFailure(StageSynthesis, fmt.Errorf("segment %d after %d chunks: %w", segment, seq, err))
		}
		if audio == nil {
			return nil
		}
		if err := r.emitAudio(ctx, segment, seq, audio, format); err != nil {
			return err
		}
		done.Chunks++
		done.Bytes += len(audio)
	}
}

// synthesizeText synthesizes the whole response in one call.
func (r *Run) synthesizeText(ctx context.Context, p tts.Provider, text string) error {
	if text == "" {
		return r.emit(ctx, protocol.SynthesisDone(protocol.SynthesisDoneData{}))
	}

	req := r.in.Synthesis
	req.Text = text
	result, err := p.Synthesize(ctx, &req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return stageFailure(StageSynthesis, err)
	}

	r.turn.Format = result.Format
	r.turn.Segments = 1
	if err := r.emitAudio(ctx, 0, 0, result.Audio, result.Format); err != nil {
		return err
	}
	return r.emit(ctx, protocol.SynthesisDone(protocol.SynthesisDoneData{
		Segments: 1,
		Chunks:   1,
		Bytes:    len(result.Audio),
	}))
}

func (r *Run) emitAudio(ctx context.Context, segment, seq int, audio []byte, format tts.AudioFormat) error {
	r.timer.markAudio(len(audio))
	r.turn.Audio = append(r.turn.Audio, audio...)
	return r.emit(ctx, protocol.SynthesisChunk(protocol.ChunkData{
		Segment:    segment,
		Seq:        seq,
		Audio:      audio,
		Format:     string(format.Encoding),
		MediaType:  format.MediaType(),
		SampleRate: format.SampleRate,
	}))
}

// emit delivers one event, blocking while the consumer is behind. Nothing is
// delivered once ctx is done.
func (r *Run) emit(ctx context.Context, ev protocol.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ev.Turn = r.ID
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r.events <- ev:
		return nil
	}
}

// emitFinal delivers the terminal error unless the turn was cancelled.
func (r *Run) emitFinal(ev protocol.Event) {
	if r.ctx.Err() != nil {
		return
	}
	ev.Turn = r.ID
	select {
	case <-r.ctx.Done():
	case r.events <- ev:
	}
}
