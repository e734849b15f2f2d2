// Package dialogue runs one transcribe → generate → synthesize turn.
//
// A turn moves strictly through Idle, Transcribing, Generating, Synthesizing
// and Complete; Errored and Cancelled are terminal. Progress is reported as
// protocol events on a bounded channel, so a slow consumer suspends the turn.
// In incremental mode the generation stream is cut at sentence boundaries and
// each sentence is synthesized while generation continues, with audio emitted
// in the order the text was generated.
//
// Example usage:
//
//	orch, _ := dialogue.New(reg, dialogue.WithSystemPrompt("Be brief."))
//	run := orch.Start(ctx, dialogue.Input{Text: "Hello", Voice: true, Incremental: true})
//	for ev := range run.Events() {
//	    // forward ev to the client
//	}
//	turn, err := run.Wait()
package dialogue

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/voicegate/pkg/inference"
	"github.com/teslashibe/voicegate/pkg/protocol"
	"github.com/teslashibe/voicegate/pkg/registry"
	"github.com/teslashibe/voicegate/pkg/stt"
	"github.com/teslashibe/voicegate/pkg/tts"
)

// State is the position of a turn in its lifecycle.
type State int32

const (
	StateIdle State = iota
	StateTranscribing
	StateGenerating
	StateSynthesizing
	StateComplete
	StateErrored
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTranscribing:
		return "transcribing"
	case StateGenerating:
		return "generating"
	case StateSynthesizing:
		return "synthesizing"
	case StateComplete:
		return "complete"
	case StateErrored:
		return "errored"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the turn has finished.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateErrored || s == StateCancelled
}

func (s State) stage() Stage {
	switch s {
	case StateTranscribing:
		return StageTranscription
	case StateGenerating:
		return StageGeneration
	case StateSynthesizing:
		return StageSynthesis
	}
	return ""
}

// Input describes one turn.
type Input struct {
	// Audio is transcribed first when set; otherwise Text is the user input.
	Audio *stt.Request
	Text  string

	// History holds the prior exchanges, oldest first.
	History []inference.Message

	// Instructions override the configured system prompt when non-empty.
	Instructions string

	// Sampling overrides the configured sampling when non-zero.
	Sampling inference.Sampling

	// StreamTokens emits one generation_token event per token.
	StreamTokens bool

	// Voice requests synthesized audio for the response.
	Voice bool

	// Incremental synthesizes sentence by sentence while generation is still
	// running. It implies token streaming.
	Incremental bool

	// Synthesis is the request template; Text is filled in per call.
	Synthesis tts.Request
}

func (in *Input) streaming() bool {
	return in.StreamTokens || (in.Voice && in.Incremental)
}

// Turn is the record of one completed turn. It is not modified after the
// turn completes.
type Turn struct {
	ID           string          `json:"turn_id"`
	Transcript   *stt.Transcript `json:"transcript,omitempty"`
	UserText     string          `json:"user_text"`
	Response     string          `json:"response_text"`
	FinishReason string          `json:"finish_reason,omitempty"`

	// Audio is the synthesized response. In incremental mode it is the
	// concatenation of every chunk in order.
	Audio    []byte          `json:"-"`
	Format   tts.AudioFormat `json:"-"`
	Segments int             `json:"-"`

	StartedAt time.Time   `json:"started_at"`
	Metrics   TurnMetrics `json:"-"`
}

// Messages returns the exchange as history entries for the next turn.
func (t *Turn) Messages() []inference.Message {
	return []inference.Message{
		inference.NewUserMessage(t.UserText),
		inference.NewAssistantMessage(t.Response),
	}
}

// Orchestrator starts turns against the backends in a registry.
type Orchestrator struct {
	registry *registry.Registry
	config   *Config
	logger   *slog.Logger
	metrics  *Metrics
}

// New creates an orchestrator.
func New(reg *registry.Registry, opts ...Option) (*Orchestrator, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		registry: reg,
		config:   cfg,
		logger:   logger.With("component", "dialogue"),
		metrics:  NewMetrics(),
	}, nil
}

// Metrics returns the turn metrics collector.
func (o *Orchestrator) Metrics() *Metrics {
	return o.metrics
}

// Config returns the orchestrator configuration.
func (o *Orchestrator) Config() Config {
	return *o.config
}

// Start begins a turn. The returned Run's events must be drained, or ctx
// cancelled, for the turn to finish.
func (o *Orchestrator) Start(ctx context.Context, in Input) *Run {
	runCtx, cancel := context.WithCancel(ctx)
	r := &Run{
		ID:     uuid.NewString(),
		orch:   o,
		in:     in,
		ctx:    runCtx,
		cancel: cancel,
		events: make(chan protocol.Event, o.config.EventBuffer),
		done:   make(chan struct{}),
		timer:  newTurnTimer(),
	}
	r.logger = o.logger.With("turn_id", r.ID)
	go r.execute()
	return r
}

// Do runs a turn to completion, discarding its events.
func (o *Orchestrator) Do(ctx context.Context, in Input) (*Turn, error) {
	run := o.Start(ctx, in)
	for range run.Events() {
	}
	return run.Wait()
}

// Run is a turn in progress.
type Run struct {
	// ID identifies the turn on the wire.
	ID string

	orch   *Orchestrator
	in     Input
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	events chan protocol.Event
	done   chan struct{}
	state  atomic.Int32
	timer  *turnTimer

	turn Turn
	err  error
}

// Events returns the turn's events. The channel is closed when the turn ends.
func (r *Run) Events() <-chan protocol.Event {
	return r.events
}

// Done is closed when the turn has ended.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the turn ends. It returns the completed turn, or the
// error that ended it: ErrCancelled, ErrTurnTimeout, a *StageError or a
// service-unavailable error.
func (r *Run) Wait() (*Turn, error) {
	<-r.done
	if r.err != nil {
		return nil, r.err
	}
	turn := r.turn
	return &turn, nil
}

// Cancel stops the turn. No event is emitted after cancellation is observed.
func (r *Run) Cancel() {
	r.cancel()
}

// State returns the current state.
func (r *Run) State() State {
	return State(r.state.Load())
}

func (r *Run) setState(s State) {
	r.state.Store(int32(s))
	r.logger.Debug("turn state", "state", s.String())
}
