package stt

import (
	"context"
	"sync"
)

// Mock is a Provider for tests. Without a TranscribeFunc it validates the
// request and hears Text, in one piece.
type Mock struct {
	TranscribeFunc func(ctx context.Context, req *Request) (*Transcript, error)
	HealthFunc     func(ctx context.Context) error

	Text string

	mu    sync.Mutex
	calls []string
}

// NewMock returns a mock that hears text in every segment.
func NewMock(text string) *Mock {
	return &Mock{Text: text}
}

// WithError returns a mock whose transcriptions and health checks fail.
func WithError(err error) *Mock {
	return &Mock{
		TranscribeFunc: func(ctx context.Context, req *Request) (*Transcript, error) {
			return nil, err
		},
		HealthFunc: func(ctx context.Context) error {
			return err
		},
	}
}

func (m *Mock) Transcribe(ctx context.Context, req *Request) (*Transcript, error) {
	m.record("Transcribe")
	if m.TranscribeFunc != nil {
		return m.TranscribeFunc(ctx, req)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Transcript{Text: m.Text, Language: "en"}, nil
}

func (m *Mock) Health(ctx context.Context) error {
	m.record("Health")
	if m.HealthFunc != nil {
		return m.HealthFunc(ctx)
	}
	return nil
}

func (m *Mock) Close() error {
	m.record("Close")
	return nil
}

// CallCount counts recorded calls to method.
func (m *Mock) CallCount(method string) (n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.calls {
		if c == method {
			n++
		}
	}
	return n
}

func (m *Mock) record(method string) {
	m.mu.Lock()
	m.calls = append(m.calls, method)
	m.mu.Unlock()
}

var _ Provider = (*Mock)(nil)
