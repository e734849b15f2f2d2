package tts

import (
	"context"
	"sync"
	"time"
)

// Mock is a Provider for tests. Each method delegates to its function field
// when set and records the call either way.
type Mock struct {
	// SynthesizeFunc answers Synthesize. NewMock installs one that returns
	// silence; a nil field fails with ErrProviderUnavailable.
	SynthesizeFunc func(ctx context.Context, req *Request) (*AudioResult, error)

	// StreamFunc answers Stream. When nil, the SynthesizeFunc result is
	// replayed in mockChunkSize pieces.
	StreamFunc func(ctx context.Context, req *Request) (AudioStream, error)

	HealthFunc func(ctx context.Context) error
	CloseFunc  func() error

	mu    sync.Mutex
	calls []MockCall
}

// MockCall is one recorded invocation.
type MockCall struct {
	Method     string
	Text       string
	References int
	Time       time.Time
}

const (
	// mockBytesPerChar is 20ms of 16 kHz mono PCM per input character.
	mockBytesPerChar = 640
	mockChunkSize    = 3200
)

var mockFormat = AudioFormat{
	Encoding:   EncodingPCM,
	SampleRate: 16000,
	Channels:   1,
	BitDepth:   16,
}

// NewMock returns a healthy mock that validates requests and synthesizes
// silence proportional to the text length.
func NewMock() *Mock {
	return &Mock{
		SynthesizeFunc: func(ctx context.Context, req *Request) (*AudioResult, error) {
			if err := req.Validate(); err != nil {
				return nil, err
			}
			silence := make([]byte, len(req.Text)*mockBytesPerChar)
			return &AudioResult{
				Audio:     silence,
				Format:    mockFormat,
				CharCount: len(req.Text),
				LatencyMs: 1,
				Attempts:  1,
				Duration:  EstimateDuration(mockFormat, len(silence)),
			}, nil
		},
		HealthFunc: func(ctx context.Context) error { return nil },
	}
}

// WithError returns a mock whose every call fails with err.
func WithError(err error) *Mock {
	return &Mock{
		SynthesizeFunc: func(ctx context.Context, req *Request) (*AudioResult, error) { return nil, err },
		StreamFunc:     func(ctx context.Context, req *Request) (AudioStream, error) { return nil, err },
		HealthFunc:     func(ctx context.Context) error { return err },
	}
}

func (m *Mock) Synthesize(ctx context.Context, req *Request) (*AudioResult, error) {
	m.record("Synthesize", req)
	if m.SynthesizeFunc == nil {
		return nil, WrapError("mock", ErrProviderUnavailable)
	}
	return m.SynthesizeFunc(ctx, req)
}

func (m *Mock) Stream(ctx context.Context, req *Request) (AudioStream, error) {
	m.record("Stream", req)
	switch {
	case m.StreamFunc != nil:
		return m.StreamFunc(ctx, req)
	case m.SynthesizeFunc != nil:
		result, err := m.SynthesizeFunc(ctx, req)
		if err != nil {
			return nil, err
		}
		return NewChunkStream(split(result.Audio, mockChunkSize), result.Format, nil), nil
	default:
		return nil, WrapError("mock", ErrProviderUnavailable)
	}
}

func (m *Mock) Health(ctx context.Context) error {
	m.record("Health", nil)
	if m.HealthFunc == nil {
		return nil
	}
	return m.HealthFunc(ctx)
}

func (m *Mock) Close() error {
	m.record("Close", nil)
	if m.CloseFunc == nil {
		return nil
	}
	return m.CloseFunc()
}

func (m *Mock) record(method string, req *Request) {
	call := MockCall{Method: method, Time: time.Now()}
	if req != nil {
		call.Text = req.Text
		call.References = len(req.References)
	}
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
}

// Calls returns a copy of the recorded calls, oldest first.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// CallCount counts recorded calls to method.
func (m *Mock) CallCount(method string) int {
	n := 0
	for _, c := range m.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

// LastCall returns the most recent call, or nil.
func (m *Mock) LastCall() *MockCall {
	calls := m.Calls()
	if len(calls) == 0 {
		return nil
	}
	return &calls[len(calls)-1]
}

func (m *Mock) Reset() {
	m.mu.Lock()
	m.calls = nil
	m.mu.Unlock()
}

// ChunkStream is an in-memory AudioStream. It yields its chunks in order,
// then either completes or fails with the configured error.
type ChunkStream struct {
	mu     sync.Mutex
	chunks [][]byte
	format AudioFormat
	err    error
	closed bool
}

// NewChunkStream creates a stream over chunks. A non-nil err is returned
// after the last chunk instead of a clean end.
func NewChunkStream(chunks [][]byte, format AudioFormat, err error) *ChunkStream {
	return &ChunkStream{chunks: chunks, format: format, err: err}
}

// Read returns the next chunk.
func (s *ChunkStream) Read() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStreamClosed
	}
	if len(s.chunks) == 0 {
		return nil, s.err
	}
	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	return chunk, nil
}

// Close stops the stream.
func (s *ChunkStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Format returns the audio format.
func (s *ChunkStream) Format() AudioFormat {
	return s.format
}

func split(data []byte, size int) [][]byte {
	var chunks [][]byte
	for len(data) > size {
		chunks = append(chunks, data[:size])
		data = data[size:]
	}
	if len(data) > 0 {
		chunks = append(chunks, data)
	}
	return chunks
}

var _ Provider = (*Mock)(nil)
