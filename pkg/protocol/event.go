package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrMissingEvent = errors.New("protocol: envelope has no event tag")
	ErrUnknownEvent = errors.New("protocol: unknown stream event")
)

// EventType tags a StreamEvent.
type EventType string

const (
	EventTranscriptPartial EventType = "transcript_partial"
	EventTranscriptFinal   EventType = "transcript_final"
	EventGenerationToken   EventType = "generation_token"
	EventGenerationDone    EventType = "generation_done"
	EventSynthesisChunk    EventType = "synthesis_chunk"
	EventSynthesisDone     EventType = "synthesis_done"
	EventError             EventType = "error"
)

// Stage names the pipeline stage an event belongs to.
func (t EventType) Stage() string {
	switch t {
	case EventTranscriptPartial, EventTranscriptFinal:
		return "transcription"
	case EventGenerationToken, EventGenerationDone:
		return "generation"
	case EventSynthesisChunk, EventSynthesisDone:
		return "synthesis"
	default:
		return ""
	}
}

// Terminal reports whether no further event of the same stage may follow.
func (t EventType) Terminal() bool {
	switch t {
	case EventTranscriptFinal, EventGenerationDone, EventSynthesisDone, EventError:
		return true
	}
	return false
}

// Event is one StreamEvent. Data holds the payload type matching Type.
type Event struct {
	Type EventType
	Turn string
	Data interface{}
}

// TranscriptData is the payload of transcript events.
type TranscriptData struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// TokenData is the payload of generation_token.
type TokenData struct {
	Text  string `json:"text"`
	Index int    `json:"index"`
}

// GenerationDoneData is the payload of generation_done.
type GenerationDoneData struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// ChunkData is the payload of synthesis_chunk. Audio is base64 on the wire.
type ChunkData struct {
	Segment    int    `json:"segment"`
	Seq        int    `json:"seq"`
	Audio      []byte `json:"audio"`
	Format     string `json:"format"`
	MediaType  string `json:"media_type,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// SynthesisDoneData is the payload of synthesis_done.
type SynthesisDoneData struct {
	Segments int `json:"segments"`
	Chunks   int `json:"chunks"`
	Bytes    int `json:"bytes"`
}

// ErrorData is the payload of error. Kind is one of the stable error kinds.
type ErrorData struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
}

// TranscriptPartial builds a transcript_partial event.
func TranscriptPartial(text string) Event {
	return Event{Type: EventTranscriptPartial, Data: TranscriptData{Text: text}}
}

// TranscriptFinal builds a transcript_final event.
func TranscriptFinal(text, language string) Event {
	return Event{Type: EventTranscriptFinal, Data: TranscriptData{Text: text, Language: language}}
}

// GenerationToken builds a generation_token event.
func GenerationToken(text string, index int) Event {
	return Event{Type: EventGenerationToken, Data: TokenData{Text: text, Index: index}}
}

// GenerationDone builds a generation_done event.
func GenerationDone(text, finishReason string) Event {
	return Event{Type: EventGenerationDone, Data: GenerationDoneData{Text: text, FinishReason: finishReason}}
}

// SynthesisChunk builds a synthesis_chunk event.
func SynthesisChunk(c ChunkData) Event {
	return Event{Type: EventSynthesisChunk, Data: c}
}

// SynthesisDone builds a synthesis_done event.
func SynthesisDone(d SynthesisDoneData) Event {
	return Event{Type: EventSynthesisDone, Data: d}
}

// Error builds an error event.
func Error(kind, stage, message string) Event {
	return Event{Type: EventError, Data: ErrorData{Kind: kind, Stage: stage, Message: message}}
}

// Envelope converts the event to its wire envelope.
func (e Event) Envelope() (*Envelope, error) {
	env, err := NewEnvelope(string(e.Type), e.Data)
	if err != nil {
		return nil, err
	}
	env.Turn = e.Turn
	return env, nil
}

// MarshalJSON encodes the event as an envelope.
func (e Event) MarshalJSON() ([]byte, error) {
	env, err := e.Envelope()
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// UnmarshalJSON decodes an envelope into the typed payload for its tag.
func (e *Event) UnmarshalJSON(b []byte) error {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	ev, err := EventFromEnvelope(&env)
	if err != nil {
		return err
	}
	*e = ev
	return nil
}

// EventFromEnvelope decodes a StreamEvent envelope.
func EventFromEnvelope(env *Envelope) (Event, error) {
	ev := Event{Type: EventType(env.Event), Turn: env.Turn}

	var err error
	switch ev.Type {
	case EventTranscriptPartial, EventTranscriptFinal:
		var d TranscriptData
		err = env.ParseData(&d)
		ev.Data = d
	case EventGenerationToken:
		var d TokenData
		err = env.ParseData(&d)
		ev.Data = d
	case EventGenerationDone:
		var d GenerationDoneData
		err = env.ParseData(&d)
		ev.Data = d
	case EventSynthesisChunk:
		var d ChunkData
		err = env.ParseData(&d)
		ev.Data = d
	case EventSynthesisDone:
		var d SynthesisDoneData
		err = env.ParseData(&d)
		ev.Data = d
	case EventError:
		var d ErrorData
		err = env.ParseData(&d)
		ev.Data = d
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if err != nil {
		return Event{}, fmt.Errorf("decode %s: %w", env.Event, err)
	}
	return ev, nil
}
