package tts_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teslashibe/voicegate/pkg/tts"
)

// fastRetry keeps retry tests quick and deterministic.
func fastRetry(maxRetries int, base time.Duration) tts.Option {
	return tts.WithRetryPolicy(tts.RetryPolicy{
		MaxRetries: maxRetries,
		BaseDelay:  base,
	})
}

func newClient(t *testing.T, url string, opts ...tts.Option) *tts.OpenAudio {
	t.Helper()
	opts = append([]tts.Option{tts.WithBaseURL(url)}, opts...)
	client, err := tts.NewOpenAudio(opts...)
	if err != nil {
		t.Fatalf("NewOpenAudio: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func sample(n int) string {
	return base64.StdEncoding.EncodeToString(make([]byte, n))
}

func TestSynthesizeRejectsTooManyReferences(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	client := newClient(t, srv.URL)
	refs := make([]string, 6)
	for i := range refs {
		refs[i] = sample(16)
	}

	_, err := client.Synthesize(context.Background(), &tts.Request{Text: "hello", References: refs})
	if !errors.Is(err, tts.ErrTooManyReferences) {
		t.Fatalf("expected ErrTooManyReferences, got %v", err)
	}
	if !strings.Contains(err.Error(), "5") {
		t.Errorf("error should name the limit: %v", err)
	}
	if !tts.IsValidationError(err) {
		t.Error("expected a validation error")
	}
	if got := hits.Load(); got != 0 {
		t.Errorf("expected no backend calls, got %d", got)
	}
}

func TestSynthesizeRetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(make([]byte, 44+3200))
	}))
	defer srv.Close()

	base := 20 * time.Millisecond
	client := newClient(t, srv.URL, fastRetry(3, base))

	start := time.Now()
	result, err := client.Synthesize(context.Background(), &tts.Request{Text: "retry me"})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := hits.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
	if result.Attempts != 3 {
		t.Errorf("expected result.Attempts=3, got %d", result.Attempts)
	}
	// Two backoffs: base, then 2*base.
	if elapsed < 3*base {
		t.Errorf("elapsed %v shorter than backoff sum %v", elapsed, 3*base)
	}
	if len(result.Audio) != 44+3200 {
		t.Errorf("unexpected audio size %d", len(result.Audio))
	}
}

func TestSynthesizeDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"detail":"unknown reference"}`))
	}))
	defer srv.Close()

	client := newClient(t, srv.URL, fastRetry(3, time.Millisecond))
	_, err := client.Synthesize(context.Background(), &tts.Request{Text: "hello"})

	var apiErr *tts.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Message != "unknown reference" {
		t.Errorf("unexpected API error: %+v", apiErr)
	}
	if errors.Is(err, tts.ErrRetriesExhausted) {
		t.Error("client error should not report exhausted retries")
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("expected exactly 1 attempt, got %d", got)
	}
}

func TestSynthesizeRetriesExhausted(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := newClient(t, srv.URL, fastRetry(2, time.Millisecond))
	_, err := client.Synthesize(context.Background(), &tts.Request{Text: "hello"})
	if !errors.Is(err, tts.ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestSynthesizeResponseShapes(t *testing.T) {
	audio := make([]byte, 44+48000)

	tests := []struct {
		name     string
		handler  http.HandlerFunc
		encoding tts.Encoding
		rate     int
		duration time.Duration
	}{
		{
			name: "raw bytes with sample rate header",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "audio/wav")
				w.Header().Set("X-Sample-Rate", "24000")
				w.Write(audio)
			},
			encoding: tts.EncodingWAV,
			rate:     24000,
			duration: time.Second,
		},
		{
			name: "raw bytes fall back to default rate",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write(audio)
			},
			encoding: tts.EncodingWAV,
			rate:     48000,
			duration: 500 * time.Millisecond,
		},
		{
			name: "json envelope",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(map[string]interface{}{
					"audio_base64": base64.StdEncoding.EncodeToString(audio),
					"format":       "mp3",
					"sample_rate":  22050,
				})
			},
			encoding: tts.EncodingMP3,
			rate:     22050,
			duration: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			client := newClient(t, srv.URL, tts.WithSampleRate(48000))
			result, err := client.Synthesize(context.Background(), &tts.Request{Text: "shape"})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(result.Audio) != len(audio) {
				t.Errorf("expected %d bytes, got %d", len(audio), len(result.Audio))
			}
			if result.Format.Encoding != tt.encoding {
				t.Errorf("expected encoding %s, got %s", tt.encoding, result.Format.Encoding)
			}
			if result.Format.SampleRate != tt.rate {
				t.Errorf("expected rate %d, got %d", tt.rate, result.Format.SampleRate)
			}
			if result.Duration != tt.duration {
				t.Errorf("expected duration %v, got %v", tt.duration, result.Duration)
			}
			if result.CharCount != 5 {
				t.Errorf("expected 5 chars, got %d", result.CharCount)
			}
		})
	}
}

func TestSynthesizeMissingAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"format":"wav"}`))
	}))
	defer srv.Close()

	client := newClient(t, srv.URL, fastRetry(0, time.Millisecond))
	_, err := client.Synthesize(context.Background(), &tts.Request{Text: "hello"})
	if !errors.Is(err, tts.ErrMissingAudio) {
		t.Fatalf("expected ErrMissingAudio, got %v", err)
	}
}

func TestPayload(t *testing.T) {
	var (
		mu      sync.Mutex
		payload map[string]interface{}
		auth    string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		payload = nil
		json.NewDecoder(r.Body).Decode(&payload)
		auth = r.Header.Get("Authorization")
		w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	client := newClient(t, srv.URL,
		tts.WithAPIKey("secret"),
		tts.WithReferenceID("default-voice"),
		tts.WithFormat(tts.EncodingPCM),
	)

	send := func(t *testing.T, req *tts.Request) map[string]interface{} {
		t.Helper()
		if _, err := client.Synthesize(context.Background(), req); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		mu.Lock()
		defer mu.Unlock()
		return payload
	}

	t.Run("defaults", func(t *testing.T) {
		p := send(t, &tts.Request{Text: "hi"})
		if p["format"] != "pcm" || p["normalize"] != true || p["streaming"] != false {
			t.Errorf("unexpected defaults: %v", p)
		}
		if p["reference_id"] != "default-voice" {
			t.Errorf("expected default reference id, got %v", p["reference_id"])
		}
		for _, key := range []string{"sample_rate", "references", "prosody", "top_p", "latency"} {
			if _, ok := p[key]; ok {
				t.Errorf("unexpected key %q", key)
			}
		}
		if auth != "Bearer secret" {
			t.Errorf("unexpected Authorization header %q", auth)
		}
	})

	t.Run("request reference id wins over default", func(t *testing.T) {
		p := send(t, &tts.Request{Text: "hi", ReferenceID: "alice"})
		if p["reference_id"] != "alice" {
			t.Errorf("expected alice, got %v", p["reference_id"])
		}
	})

	t.Run("inline references replace reference id", func(t *testing.T) {
		ref := sample(32)
		p := send(t, &tts.Request{Text: "hi", ReferenceID: "alice", References: []string{ref}})
		if _, ok := p["reference_id"]; ok {
			t.Errorf("reference_id should be omitted, got %v", p["reference_id"])
		}
		refs, ok := p["references"].([]interface{})
		if !ok || len(refs) != 1 {
			t.Fatalf("expected one reference, got %v", p["references"])
		}
		entry := refs[0].(map[string]interface{})
		if entry["audio"] != ref || entry["text"] != "" {
			t.Errorf("unexpected reference entry %v", entry)
		}
	})

	t.Run("optional controls", func(t *testing.T) {
		normalize := false
		p := send(t, &tts.Request{
			Text:        "hi",
			SampleRate:  16000,
			Normalize:   &normalize,
			TopP:        0.8,
			Temperature: 0.6,
			ChunkLength: 200,
			Latency:     "balanced",
			Speed:       1.2,
		})
		if p["sample_rate"] != float64(16000) || p["normalize"] != false {
			t.Errorf("unexpected payload: %v", p)
		}
		if p["top_p"] != 0.8 || p["temperature"] != 0.6 || p["chunk_length"] != float64(200) || p["latency"] != "balanced" {
			t.Errorf("unexpected sampling controls: %v", p)
		}
		prosody, ok := p["prosody"].(map[string]interface{})
		if !ok {
			t.Fatalf("expected prosody, got %v", p["prosody"])
		}
		if prosody["speed"] != 1.2 {
			t.Errorf("unexpected speed %v", prosody["speed"])
		}
		if _, ok := prosody["volume"]; ok {
			t.Error("volume should be omitted when unset")
		}
	})
}

func TestStream(t *testing.T) {
	t.Run("delivers chunks in order", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var p map[string]interface{}
			json.NewDecoder(r.Body).Decode(&p)
			if p["streaming"] != true {
				http.Error(w, "expected streaming", http.StatusBadRequest)
				return
			}
			flusher := w.(http.Flusher)
			for i := 0; i < 3; i++ {
				w.Write([]byte(strings.Repeat(string(rune('a'+i)), 100)))
				flusher.Flush()
			}
		}))
		defer srv.Close()

		client := newClient(t, srv.URL)
		stream, err := client.Stream(context.Background(), &tts.Request{Text: "stream"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		var got []byte
		for {
			chunk, err := stream.Read()
			if err != nil {
				t.Fatalf("read error: %v", err)
			}
			if chunk == nil {
				break
			}
			got = append(got, chunk...)
		}
		want := strings.Repeat("a", 100) + strings.Repeat("b", 100) + strings.Repeat("c", 100)
		if string(got) != want {
			t.Errorf("unexpected stream content %q", got)
		}

		if chunk, err := stream.Read(); chunk != nil || err != nil {
			t.Errorf("expected clean end to repeat, got %v %v", chunk, err)
		}
		stream.Close()
		if _, err := stream.Read(); !errors.Is(err, tts.ErrStreamClosed) {
			t.Errorf("expected ErrStreamClosed, got %v", err)
		}
	})

	t.Run("terminal error after partial audio", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Length", "1000")
			w.WriteHeader(http.StatusOK)
			w.Write(make([]byte, 100))
		}))
		defer srv.Close()

		client := newClient(t, srv.URL)
		stream, err := client.Stream(context.Background(), &tts.Request{Text: "cut off"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer stream.Close()

		total := 0
		var readErr error
		for {
			chunk, err := stream.Read()
			if err != nil {
				readErr = err
				break
			}
			if chunk == nil {
				break
			}
			total += len(chunk)
		}
		if total != 100 {
			t.Errorf("expected 100 bytes before failure, got %d", total)
		}
		if !errors.Is(readErr, io.ErrUnexpectedEOF) {
			t.Fatalf("expected unexpected EOF, got %v", readErr)
		}
		if tts.IsRetryable(readErr) {
			t.Error("mid-stream failure must be terminal")
		}
	})

	t.Run("retries before first chunk", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hits.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte("audio"))
		}))
		defer srv.Close()

		client := newClient(t, srv.URL, fastRetry(2, time.Millisecond))
		stream, err := client.Stream(context.Background(), &tts.Request{Text: "again"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer stream.Close()

		chunk, err := stream.Read()
		if err != nil || string(chunk) != "audio" {
			t.Errorf("unexpected read %q %v", chunk, err)
		}
		if got := hits.Load(); got != 2 {
			t.Errorf("expected 2 attempts, got %d", got)
		}
	})
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	client := newClient(t, srv.URL)
	if err := client.Health(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	broken := newClient(t, srv.URL+"/missing")
	var apiErr *tts.APIError
	if err := broken.Health(context.Background()); !errors.As(err, &apiErr) {
		t.Errorf("expected APIError, got %v", err)
	}
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name string
		req  *tts.Request
		want error
	}{
		{"valid", &tts.Request{Text: "hi"}, nil},
		{"nil", nil, tts.ErrEmptyText},
		{"blank text", &tts.Request{Text: "   "}, tts.ErrEmptyText},
		{"unknown format", &tts.Request{Text: "hi", Format: "aiff"}, tts.ErrInvalidFormat},
		{"five references", &tts.Request{Text: "hi", References: []string{sample(1), sample(1), sample(1), sample(1), sample(1)}}, nil},
		{"bad base64", &tts.Request{Text: "hi", References: []string{"not base64!"}}, tts.ErrInvalidReference},
		{"oversized reference", &tts.Request{Text: "hi", References: []string{sample(tts.MaxReferenceBytes + 1)}}, tts.ErrReferenceTooLarge},
		{"top_p out of range", &tts.Request{Text: "hi", TopP: 1.5}, tts.ErrInvalidParams},
		{"temperature out of range", &tts.Request{Text: "hi", Temperature: 3}, tts.ErrInvalidParams},
		{"unknown latency", &tts.Request{Text: "hi", Latency: "fast"}, tts.ErrInvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.want == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestRetryPolicy(t *testing.T) {
	transient := &tts.TransportError{Retryable: true, Err: errors.New("connection reset")}
	ctx := context.Background()

	t.Run("stops on non-retryable error", func(t *testing.T) {
		policy := tts.RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond}
		permanent := errors.New("bad request")
		attempts, err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
			return permanent
		})
		if attempts != 1 || !errors.Is(err, permanent) {
			t.Errorf("expected 1 attempt with permanent error, got %d %v", attempts, err)
		}
	})

	t.Run("makes max retries plus one attempts", func(t *testing.T) {
		policy := tts.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond}
		var seen []int
		attempts, err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
			seen = append(seen, attempt)
			return transient
		})
		if attempts != 3 {
			t.Errorf("expected 3 attempts, got %d", attempts)
		}
		if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
			t.Errorf("unexpected attempt numbers %v", seen)
		}
		if !errors.Is(err, tts.ErrRetriesExhausted) || !errors.Is(err, transient) {
			t.Errorf("expected exhausted wrapping the last error, got %v", err)
		}
	})

	t.Run("zero retries means a single attempt", func(t *testing.T) {
		policy := tts.RetryPolicy{MaxRetries: 0}
		attempts, err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
			return transient
		})
		if attempts != 1 || err == nil {
			t.Errorf("expected 1 failed attempt, got %d %v", attempts, err)
		}
	})

	t.Run("caller cancellation is not retried", func(t *testing.T) {
		policy := tts.RetryPolicy{MaxRetries: 5, BaseDelay: time.Millisecond}
		cctx, cancel := context.WithCancel(ctx)
		attempts, err := policy.Do(cctx, func(ctx context.Context, attempt int) error {
			cancel()
			return transient
		})
		if attempts != 1 {
			t.Errorf("expected 1 attempt, got %d", attempts)
		}
		if errors.Is(err, tts.ErrRetriesExhausted) {
			t.Errorf("cancellation should not report exhausted retries: %v", err)
		}
	})

	t.Run("custom classifier", func(t *testing.T) {
		policy := tts.RetryPolicy{
			MaxRetries: 3,
			BaseDelay:  time.Millisecond,
			Retryable:  func(error) bool { return false },
		}
		attempts, _ := policy.Do(ctx, func(ctx context.Context, attempt int) error {
			return transient
		})
		if attempts != 1 {
			t.Errorf("expected 1 attempt, got %d", attempts)
		}
	})
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server error", &tts.APIError{StatusCode: 500}, true},
		{"rate limited", &tts.APIError{StatusCode: 429}, true},
		{"request timeout", &tts.APIError{StatusCode: 408}, true},
		{"bad request", &tts.APIError{StatusCode: 400}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"truncated body", io.ErrUnexpectedEOF, true},
		{"terminal transport", &tts.TransportError{Retryable: false, Err: io.ErrUnexpectedEOF}, false},
		{"transient transport", &tts.TransportError{Retryable: true, Err: errors.New("connection reset")}, true},
		{"transport flag wins over status", &tts.TransportError{Retryable: false, Err: &tts.APIError{StatusCode: 503}}, false},
		{"wrapped", tts.WrapError("openaudio", &tts.APIError{StatusCode: 503}), true},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tts.IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestMediaType(t *testing.T) {
	tests := []struct {
		encoding tts.Encoding
		want     string
	}{
		{tts.EncodingPCM, "audio/pcm"},
		{tts.EncodingWAV, "audio/wav"},
		{tts.EncodingMP3, "audio/mpeg"},
		{tts.EncodingOGG, "audio/ogg"},
		{tts.EncodingFLAC, "audio/flac"},
		{tts.EncodingOpus, "audio/opus"},
		{"aiff", "application/octet-stream"},
	}
	for _, tt := range tests {
		if got := tt.encoding.MediaType(); got != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.encoding, tt.want, got)
		}
	}
}

func TestEstimateDuration(t *testing.T) {
	format := tts.AudioFormat{Encoding: tts.EncodingPCM, SampleRate: 16000, Channels: 1}
	d := tts.EstimateDuration(format, 32000)
	if d != time.Second {
		t.Errorf("expected 1s, got %v", d)
	}
	if again := tts.EstimateDuration(format, 32000); again != d {
		t.Errorf("estimate not stable: %v vs %v", again, d)
	}
	if got := tts.EstimateDuration(tts.AudioFormat{Encoding: tts.EncodingMP3, SampleRate: 44100}, 1000); got != 0 {
		t.Errorf("compressed formats have no estimate, got %v", got)
	}
	if got := tts.EstimateDuration(tts.AudioFormat{Encoding: tts.EncodingWAV, SampleRate: 16000}, 20); got != 0 {
		t.Errorf("header-only wav should be zero, got %v", got)
	}
}

func TestConfigValidation(t *testing.T) {
	if _, err := tts.NewOpenAudio(); !errors.Is(err, tts.ErrNoBaseURL) {
		t.Errorf("expected ErrNoBaseURL, got %v", err)
	}
	if _, err := tts.NewOpenAudio(tts.WithBaseURL("http://x"), tts.WithFormat("aiff")); !errors.Is(err, tts.ErrInvalidFormat) {
		t.Errorf("expected ErrInvalidFormat, got %v", err)
	}
}

func TestMockProvider(t *testing.T) {
	mock := tts.NewMock()
	ctx := context.Background()

	result, err := mock.Synthesize(ctx, &tts.Request{Text: "Hello world"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.CharCount != 11 || len(result.Audio) == 0 {
		t.Errorf("unexpected result %+v", result)
	}

	stream, err := mock.Stream(ctx, &tts.Request{Text: "Hello world"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	total := 0
	for {
		chunk, err := stream.Read()
		if err != nil {
			t.Fatalf("read error: %v", err)
		}
		if chunk == nil {
			break
		}
		total += len(chunk)
	}
	if total != len(result.Audio) {
		t.Errorf("stream delivered %d bytes, want %d", total, len(result.Audio))
	}

	if mock.CallCount("Synthesize") != 1 || mock.CallCount("Stream") != 1 {
		t.Errorf("unexpected calls %+v", mock.Calls())
	}
	if last := mock.LastCall(); last == nil || last.Text != "Hello world" {
		t.Errorf("unexpected last call %+v", last)
	}
	mock.Reset()
	if len(mock.Calls()) != 0 {
		t.Error("expected calls to be cleared")
	}
}

func TestChunkStreamError(t *testing.T) {
	boom := errors.New("boom")
	stream := tts.NewChunkStream([][]byte{{1}, {2}}, tts.AudioFormat{}, boom)

	for i := 0; i < 2; i++ {
		if chunk, err := stream.Read(); err != nil || len(chunk) != 1 {
			t.Fatalf("chunk %d: %v %v", i, chunk, err)
		}
	}
	if _, err := stream.Read(); !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
}
