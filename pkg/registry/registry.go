// Package registry owns the process-wide handles to the three inference
// backends and tracks their readiness independently.
//
// Handles are created once at startup and shared read-only by every request.
// A request against a handle that is not ready fails fast with an
// UnavailableError instead of waiting for the backend.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/voicegate/pkg/inference"
	"github.com/teslashibe/voicegate/pkg/stt"
	"github.com/teslashibe/voicegate/pkg/tts"
)

// Kind identifies one backend.
type Kind int

const (
	KindTranscribe Kind = iota
	KindGenerate
	KindSynthesize
)

// Kinds lists every backend kind in pipeline order.
var Kinds = []Kind{KindTranscribe, KindGenerate, KindSynthesize}

// String returns the kind name used in logs and health reports.
func (k Kind) String() string {
	switch k {
	case KindTranscribe:
		return "transcribe"
	case KindGenerate:
		return "generate"
	case KindSynthesize:
		return "synthesize"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ErrServiceUnavailable is matched by every UnavailableError.
var ErrServiceUnavailable = errors.New("registry: service unavailable")

// UnavailableError reports a request against a handle that is not ready.
type UnavailableError struct {
	Kind Kind
}

// Error implements the error interface.
func (e *UnavailableError) Error() string {
	return fmt.Sprintf("registry: %s service unavailable", e.Kind)
}

// Is matches ErrServiceUnavailable.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrServiceUnavailable
}

// healthChecker is implemented by every backend provider.
type healthChecker interface {
	Health(ctx context.Context) error
	Close() error
}

// Handle is the single reference to one backend.
type Handle struct {
	kind    Kind
	backend healthChecker

	ready     atomic.Bool
	lastCheck atomic.Int64
	lastErr   atomic.Value // string
}

// Kind returns the backend kind.
func (h *Handle) Kind() Kind { return h.kind }

// Ready reports whether the backend passed its last health check.
func (h *Handle) Ready() bool { return h.ready.Load() }

// LastCheck returns when the backend was last checked, zero if never.
func (h *Handle) LastCheck() time.Time {
	ns := h.lastCheck.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// LastError returns the message of the last failed check.
func (h *Handle) LastError() string {
	s, _ := h.lastErr.Load().(string)
	return s
}

// Configured reports whether a backend client exists for this handle.
func (h *Handle) Configured() bool { return h.backend != nil }

func (h *Handle) check(ctx context.Context) error {
	var err error
	if h.backend == nil {
		err = errors.New("backend not configured")
	} else {
		err = h.backend.Health(ctx)
	}
	h.record(err)
	return err
}

func (h *Handle) record(err error) {
	h.lastCheck.Store(time.Now().UnixNano())
	if err != nil {
		h.ready.Store(false)
		h.lastErr.Store(err.Error())
		return
	}
	h.ready.Store(true)
	h.lastErr.Store("")
}

// Registry holds the three backend handles.
type Registry struct {
	transcriber stt.Provider
	generator   inference.Provider
	synthesizer tts.Provider

	handles [3]*Handle

	checkTimeout time.Duration
	logger       *slog.Logger
	closeOnce    sync.Once
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithCheckTimeout bounds each backend health check.
func WithCheckTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.checkTimeout = d
	}
}

// New creates the registry. A nil provider yields a handle that is never
// ready, so a backend that failed to construct does not block the others.
// No handle is ready until Init or MarkReady.
func New(transcriber stt.Provider, generator inference.Provider, synthesizer tts.Provider, opts ...Option) *Registry {
	r := &Registry{
		transcriber:  transcriber,
		generator:    generator,
		synthesizer:  synthesizer,
		checkTimeout: 5 * time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registry")

	backends := [3]healthChecker{}
	if transcriber != nil {
		backends[KindTranscribe] = transcriber
	}
	if generator != nil {
		backends[KindGenerate] = generator
	}
	if synthesizer != nil {
		backends[KindSynthesize] = synthesizer
	}
	for _, k := range Kinds {
		r.handles[k] = &Handle{kind: k, backend: backends[k]}
	}
	return r
}

// Get returns the handle for kind. The same instance is returned for the
// lifetime of the registry; an unknown kind returns nil.
func (r *Registry) Get(kind Kind) *Handle {
	if kind < 0 || int(kind) >= len(r.handles) {
		return nil
	}
	return r.handles[kind]
}

// IsReady reports whether the kind's backend is ready.
func (r *Registry) IsReady(kind Kind) bool {
	h := r.Get(kind)
	return h != nil && h.Ready()
}

// MarkReady overrides a handle's readiness, e.g. for backends without a
// health endpoint. A handle without a backend cannot be marked ready.
func (r *Registry) MarkReady(kind Kind, ready bool) {
	h := r.Get(kind)
	if h == nil {
		return
	}
	if ready && h.Configured() {
		h.record(nil)
	} else {
		h.record(errors.New("marked unavailable"))
	}
}

// Init checks every backend concurrently and records readiness per handle.
// It never fails as a whole; the returned map holds the per-kind errors.
func (r *Registry) Init(ctx context.Context) map[Kind]error {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		failed = make(map[Kind]error)
	)
	for _, h := range r.handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, r.checkTimeout)
			defer cancel()

			if err := h.check(cctx); err != nil {
				r.logger.Warn("backend not ready", "kind", h.kind.String(), "error", err)
				mu.Lock()
				failed[h.kind] = err
				mu.Unlock()
				return
			}
			r.logger.Info("backend ready", "kind", h.kind.String())
		}(h)
	}
	wg.Wait()
	return failed
}

// Watch re-checks every backend each interval until ctx is done, so a
// backend that comes up later becomes ready without a restart.
func (r *Registry) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, h := range r.handles {
				was := h.Ready()
				cctx, cancel := context.WithTimeout(ctx, r.checkTimeout)
				err := h.check(cctx)
				cancel()
				if now := h.Ready(); now != was {
					r.logger.Info("backend readiness changed", "kind", h.kind.String(), "ready", now, "error", err)
				}
			}
		}
	}
}

// Transcriber returns the transcription backend if it is ready.
func (r *Registry) Transcriber() (stt.Provider, error) {
	if !r.IsReady(KindTranscribe) {
		return nil, &UnavailableError{Kind: KindTranscribe}
	}
	return r.transcriber, nil
}

// Generator returns the generation backend if it is ready.
func (r *Registry) Generator() (inference.Provider, error) {
	if !r.IsReady(KindGenerate) {
		return nil, &UnavailableError{Kind: KindGenerate}
	}
	return r.generator, nil
}

// Synthesizer returns the synthesis backend if it is ready.
func (r *Registry) Synthesizer() (tts.Provider, error) {
	if !r.IsReady(KindSynthesize) {
		return nil, &UnavailableError{Kind: KindSynthesize}
	}
	return r.synthesizer, nil
}

// Close releases every configured backend.
func (r *Registry) Close() error {
	var errs []error
	r.closeOnce.Do(func() {
		for _, h := range r.handles {
			h.ready.Store(false)
			if h.backend == nil {
				continue
			}
			if err := h.backend.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", h.kind, err))
			}
		}
	})
	return errors.Join(errs...)
}
