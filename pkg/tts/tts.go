// Package tts is the client for the text-to-speech backend.
//
// The backend is an OpenAudio (Fish-Speech compatible) HTTP service. Requests
// can be synthesized in one blocking call or streamed as raw audio chunks.
// Transient failures are retried with exponential backoff and jitter according
// to a RetryPolicy; a streaming failure after audio has been delivered surfaces
// as a terminal error from AudioStream.Read instead of a silent end of stream.
//
// Example usage:
//
//	client, _ := tts.NewOpenAudio(
//	    tts.WithBaseURL("http://localhost:8080"),
//	    tts.WithRetry(3, 250*time.Millisecond),
//	)
//	defer client.Close()
//
//	result, _ := client.Synthesize(ctx, &tts.Request{Text: "Hello world"})
//	// result.Audio contains audio in result.Format
package tts

import (
	"context"
	"time"
)

// Provider defines the synthesis client interface.
type Provider interface {
	// Synthesize converts text to audio, returning the complete audio buffer.
	Synthesize(ctx context.Context, req *Request) (*AudioResult, error)

	// Stream converts text to audio with streaming output for lowest latency.
	// The returned stream is finite and cannot be restarted.
	Stream(ctx context.Context, req *Request) (AudioStream, error)

	// Health checks backend connectivity.
	Health(ctx context.Context) error

	// Close releases any resources held by the provider.
	Close() error
}

// AudioStream represents a streaming audio response.
// Callers should read until Read returns (nil, nil), then call Close.
type AudioStream interface {
	// Read returns the next audio chunk.
	// Returns (nil, nil) when the stream completed. A non-nil error is terminal:
	// the stream failed after delivering the chunks already read.
	Read() ([]byte, error)

	// Close stops the stream and releases resources.
	Close() error

	// Format returns the audio format metadata.
	Format() AudioFormat
}

// AudioResult represents a complete audio synthesis result.
type AudioResult struct {
	// Audio contains the raw audio data in the specified format.
	Audio []byte

	// Format describes the audio encoding and sample rate.
	Format AudioFormat

	// Duration is the estimated audio playback duration (zero for compressed formats).
	Duration time.Duration

	// CharCount is the number of characters synthesized.
	CharCount int

	// LatencyMs is the total time spent including retries.
	LatencyMs int64

	// Attempts is the number of backend calls made.
	Attempts int

	// ReferenceID is the server-side voice used, if any.
	ReferenceID string
}

// AudioFormat describes the audio encoding parameters.
type AudioFormat struct {
	Encoding   Encoding
	SampleRate int
	Channels   int
	BitDepth   int
}

// MediaType returns the HTTP content type for the format.
func (f AudioFormat) MediaType() string {
	return f.Encoding.MediaType()
}

// Encoding is the container/codec name understood by the backend.
type Encoding string

const (
	EncodingWAV  Encoding = "wav"
	EncodingPCM  Encoding = "pcm"
	EncodingMP3  Encoding = "mp3"
	EncodingOpus Encoding = "opus"
	EncodingOGG  Encoding = "ogg"
	EncodingFLAC Encoding = "flac"
)

// MediaType maps an encoding to its content type.
func (e Encoding) MediaType() string {
	switch e {
	case EncodingPCM:
		return "audio/pcm"
	case EncodingWAV:
		return "audio/wav"
	case EncodingMP3:
		return "audio/mpeg"
	case EncodingOGG:
		return "audio/ogg"
	case EncodingFLAC:
		return "audio/flac"
	case EncodingOpus:
		return "audio/opus"
	default:
		return "application/octet-stream"
	}
}

// Valid reports whether the backend accepts this encoding.
func (e Encoding) Valid() bool {
	switch e {
	case EncodingWAV, EncodingPCM, EncodingMP3, EncodingOpus, EncodingOGG, EncodingFLAC:
		return true
	}
	return false
}

// wavHeaderSize is the canonical RIFF header length.
const wavHeaderSize = 44

// EstimateDuration estimates playback time for 16-bit uncompressed audio.
func EstimateDuration(format AudioFormat, n int) time.Duration {
	if format.SampleRate <= 0 {
		return 0
	}
	channels := format.Channels
	if channels <= 0 {
		channels = 1
	}
	switch format.Encoding {
	case EncodingWAV:
		n -= wavHeaderSize
	case EncodingPCM:
	default:
		return 0
	}
	if n <= 0 {
		return 0
	}
	samples := n / (2 * channels)
	return time.Duration(float64(samples) / float64(format.SampleRate) * float64(time.Second))
}
