package inference

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Mock implements Provider for testing.
type Mock struct {
	// GenerateFunc is called when Generate is invoked.
	GenerateFunc func(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)

	// StreamFunc is called when Stream is invoked. If nil, the Generate
	// result is streamed word by word.
	StreamFunc func(ctx context.Context, req *GenerateRequest) (Stream, error)

	// HealthFunc is called when Health is invoked.
	HealthFunc func(ctx context.Context) error

	// CloseFunc is called when Close is invoked.
	CloseFunc func() error

	mu    sync.Mutex
	calls []MockCall
}

// MockCall records a method invocation.
type MockCall struct {
	Method string
	Prompt string
	Time   time.Time
}

// NewMock creates a new mock provider with sensible defaults.
func NewMock() *Mock {
	return NewMockWithText("Mock response.")
}

// NewMockWithText creates a mock that always answers text.
func NewMockWithText(text string) *Mock {
	return &Mock{
		GenerateFunc: func(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
			if err := req.Validate(); err != nil {
				return nil, err
			}
			return &GenerateResponse{
				Text:         text,
				FinishReason: "stop",
				Usage:        Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
				Model:        "mock",
			}, nil
		},
		HealthFunc: func(ctx context.Context) error {
			return nil
		},
	}
}

// NewTokenMock creates a mock whose stream yields exactly tokens.
func NewTokenMock(tokens ...string) *Mock {
	m := NewMockWithText(strings.Join(tokens, ""))
	m.StreamFunc = func(ctx context.Context, req *GenerateRequest) (Stream, error) {
		if err := req.Validate(); err != nil {
			return nil, err
		}
		return NewTokenStream(tokens, nil), nil
	}
	return m
}

// Generate calls GenerateFunc and records the call.
func (m *Mock) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	m.recordCall("Generate", req)
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	return nil, WrapError("mock", ErrProviderUnavailable)
}

// Stream calls StreamFunc and records the call.
func (m *Mock) Stream(ctx context.Context, req *GenerateRequest) (Stream, error) {
	m.recordCall("Stream", req)
	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, req)
	}
	if m.GenerateFunc != nil {
		resp, err := m.GenerateFunc(ctx, req)
		if err != nil {
			return nil, err
		}
		var tokens []string
		for i, word := range strings.Fields(resp.Text) {
			if i > 0 {
				word = " " + word
			}
			tokens = append(tokens, word)
		}
		return NewTokenStream(tokens, nil), nil
	}
	return nil, WrapError("mock", ErrProviderUnavailable)
}

// Health calls HealthFunc and records the call.
func (m *Mock) Health(ctx context.Context) error {
	m.recordCall("Health", nil)
	if m.HealthFunc != nil {
		return m.HealthFunc(ctx)
	}
	return nil
}

// Close calls CloseFunc and records the call.
func (m *Mock) Close() error {
	m.recordCall("Close", nil)
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *Mock) recordCall(method string, req *GenerateRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := MockCall{Method: method, Time: time.Now()}
	if req != nil {
		call.Prompt = req.Prompt
	}
	m.calls = append(m.calls, call)
}

// Calls returns all recorded calls.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]MockCall, len(m.calls))
	copy(result, m.calls)
	return result
}

// CallCount returns the number of calls to a method.
func (m *Mock) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, c := range m.calls {
		if c.Method == method {
			count++
		}
	}
	return count
}

// Reset clears all recorded calls.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// WithError returns a mock that always returns the given error.
func WithError(err error) *Mock {
	return &Mock{
		GenerateFunc: func(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
			return nil, err
		},
		StreamFunc: func(ctx context.Context, req *GenerateRequest) (Stream, error) {
			return nil, err
		},
		HealthFunc: func(ctx context.Context) error {
			return err
		},
	}
}

// TokenStream is an in-memory Stream over fixed tokens.
type TokenStream struct {
	mu     sync.Mutex
	tokens []string
	err    error
	closed bool
	done   chan struct{}

	// Gate, when set, is received from before every token.
	Gate chan struct{}
}

// NewTokenStream creates a stream that yields tokens, then ends with a
// Done chunk, or with err when it is non-nil.
func NewTokenStream(tokens []string, err error) *TokenStream {
	return &TokenStream{
		tokens: append([]string(nil), tokens...),
		err:    err,
		done:   make(chan struct{}),
	}
}

// Recv returns the next chunk.
func (s *TokenStream) Recv() (*StreamChunk, error) {
	if s.Gate != nil {
		select {
		case <-s.Gate:
		case <-s.done:
			return nil, ErrStreamClosed
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStreamClosed
	}
	if len(s.tokens) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return &StreamChunk{Done: true, FinishReason: "stop"}, nil
	}
	tok := s.tokens[0]
	s.tokens = s.tokens[1:]
	return &StreamChunk{Delta: tok}, nil
}

// Close stops the stream.
func (s *TokenStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

// Verify Mock implements Provider at compile time.
var _ Provider = (*Mock)(nil)
