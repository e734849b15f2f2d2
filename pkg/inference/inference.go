// Package inference provides the text generation backend client.
//
// The backend is any OpenAI-compatible completions server (llama.cpp, vLLM,
// TGI) hosting an instruction-tuned Gemma model. Prompts are rendered with the
// Gemma chat template before they are sent, so callers work with plain
// messages.
//
// Example usage:
//
//	client, _ := inference.NewClient(
//	    inference.WithBaseURL("http://localhost:8001/v1"),
//	    inference.WithModel("gemma-3-4b-it"),
//	)
//	defer client.Close()
//
//	resp, _ := client.Generate(ctx, &inference.GenerateRequest{
//	    Prompt:   "Hello!",
//	    Sampling: inference.DefaultSampling(),
//	})
package inference

import (
	"context"
	"fmt"
	"strings"
)

// Provider is the generation interface used by the dialogue pipeline.
type Provider interface {
	// Generate produces the complete response text.
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)

	// Stream produces the response token by token.
	Stream(ctx context.Context, req *GenerateRequest) (Stream, error)

	// Health checks backend connectivity.
	Health(ctx context.Context) error

	// Close releases any resources held by the provider.
	Close() error
}

// Stream is a streaming response for real-time output.
type Stream interface {
	// Recv returns the next chunk. A chunk with Done set ends the stream;
	// further calls keep returning it.
	Recv() (*StreamChunk, error)

	// Close stops the stream and releases resources.
	Close() error
}

// StreamChunk is a piece of a streaming response.
type StreamChunk struct {
	// Delta is the incremental text content.
	Delta string

	// FinishReason indicates why generation stopped (stop, length).
	FinishReason string

	// Done is true when the stream is complete.
	Done bool
}

// Sampling holds the generation controls.
type Sampling struct {
	MaxTokens     int      `json:"max_tokens"`
	Temperature   float64  `json:"temperature"`
	TopP          float64  `json:"top_p"`
	TopK          int      `json:"top_k"`
	RepeatPenalty float64  `json:"repeat_penalty"`
	Stop          []string `json:"stop,omitempty"`
	Seed          *int     `json:"seed,omitempty"`
}

// Sampling limits.
const (
	MaxTokensLimit = 4096
)

// DefaultSampling returns the controls used when a caller sets none.
func DefaultSampling() Sampling {
	return Sampling{
		MaxTokens:     512,
		Temperature:   0.7,
		TopP:          0.95,
		TopK:          40,
		RepeatPenalty: 1.1,
	}
}

// IsZero reports whether no control was set.
func (s Sampling) IsZero() bool {
	return s.MaxTokens == 0 && s.Temperature == 0 && s.TopP == 0 && s.TopK == 0 &&
		s.RepeatPenalty == 0 && len(s.Stop) == 0 && s.Seed == nil
}

// Validate checks every control against its range.
func (s Sampling) Validate() error {
	switch {
	case s.MaxTokens < 1 || s.MaxTokens > MaxTokensLimit:
		return fmt.Errorf("%w: max_tokens %d out of range 1..%d", ErrInvalidParams, s.MaxTokens, MaxTokensLimit)
	case s.Temperature < 0 || s.Temperature > 2:
		return fmt.Errorf("%w: temperature %.2f out of range 0..2", ErrInvalidParams, s.Temperature)
	case s.TopP < 0 || s.TopP > 1:
		return fmt.Errorf("%w: top_p %.2f out of range 0..1", ErrInvalidParams, s.TopP)
	case s.TopK < 0:
		return fmt.Errorf("%w: top_k must not be negative", ErrInvalidParams)
	case s.RepeatPenalty < 0:
		return fmt.Errorf("%w: repeat_penalty must not be negative", ErrInvalidParams)
	}
	return nil
}

// GenerateRequest is one generation turn. It is not modified by providers.
type GenerateRequest struct {
	// Prompt is the new user input.
	Prompt string `json:"prompt"`

	// SystemPrompt is the system instruction for this turn.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// History holds the prior exchanges, oldest first.
	History []Message `json:"history,omitempty"`

	// Sampling controls. A zero value means the client defaults.
	Sampling
}

// Validate checks the request before it is sent.
func (r *GenerateRequest) Validate() error {
	if r == nil || strings.TrimSpace(r.Prompt) == "" {
		return ErrEmptyPrompt
	}
	if r.Sampling.IsZero() {
		return nil
	}
	return r.Sampling.Validate()
}

// GenerateResponse from a blocking generation.
type GenerateResponse struct {
	// Text is the generated response.
	Text string

	// FinishReason indicates why generation stopped.
	FinishReason string

	// Usage tracks token consumption.
	Usage Usage

	// Model used for generation.
	Model string

	// LatencyMs is the response time in milliseconds.
	LatencyMs int64
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}
