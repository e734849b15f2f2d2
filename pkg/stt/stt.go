// Package stt provides the speech-to-text backend client.
//
// The client speaks the OpenAI-compatible transcription API
// (POST {base}/audio/transcriptions, multipart) that Whisper servers expose,
// and always requests verbose_json so segment timings are available.
package stt

import (
	"context"
	"strings"
	"time"
)

// Provider is the interface for transcription backends.
type Provider interface {
	// Transcribe converts one audio segment to text.
	Transcribe(ctx context.Context, req *Request) (*Transcript, error)

	// Health checks backend connectivity.
	Health(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Request is one audio segment to transcribe.
type Request struct {
	Audio []byte

	// Format is the container name used as the upload file extension (wav, webm, mp3...).
	Format string

	// Language is an optional ISO-639-1 hint.
	Language string

	// Prompt optionally biases the decoder.
	Prompt string

	Temperature float64
}

// Filename returns the upload file name for the request format.
func (r *Request) Filename() string {
	format := strings.TrimPrefix(strings.ToLower(r.Format), ".")
	if format == "" {
		format = "wav"
	}
	return "audio." + format
}

// Validate checks the request before it is sent.
func (r *Request) Validate() error {
	if r == nil || len(r.Audio) == 0 {
		return ErrEmptyAudio
	}
	if r.Temperature < 0 || r.Temperature > 1 {
		return ErrInvalidTemperature
	}
	return nil
}

// Transcript is the result of transcription.
type Transcript struct {
	Text     string    `json:"text"`
	Language string    `json:"language,omitempty"`
	Duration float64   `json:"duration,omitempty"`
	Segments []Segment `json:"segments,omitempty"`

	// Latency is the wall time of the backend call.
	Latency time.Duration `json:"-"`
}

// Segment is a timed span of the transcript.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Partials returns the cumulative text after each segment. It is empty for
// transcripts with fewer than two segments since the final text says it all.
func (t *Transcript) Partials() []string {
	if len(t.Segments) < 2 {
		return nil
	}
	partials := make([]string, 0, len(t.Segments))
	var b strings.Builder
	for _, seg := range t.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(text)
		partials = append(partials, b.String())
	}
	return partials
}
