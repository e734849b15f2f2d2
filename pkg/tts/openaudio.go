package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/teslashibe/voicegate/internal/httpc"
)

const providerOpenAudio = "openaudio"

// streamChunkSize is the read buffer for streaming responses.
const streamChunkSize = 8192

// OpenAudio implements Provider for an OpenAudio / Fish-Speech backend.
type OpenAudio struct {
	config   *Config
	client   *http.Client
	logger   *slog.Logger
	endpoint string
	health   string
}

// NewOpenAudio creates a new synthesis client.
func NewOpenAudio(opts ...Option) (*OpenAudio, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := cfg.HTTPClient
	if client == nil {
		client = httpc.NewClient(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	base := strings.TrimSuffix(cfg.BaseURL, "/")
	return &OpenAudio{
		config:   cfg,
		client:   client,
		logger:   cfg.Logger.With("component", "tts.openaudio"),
		endpoint: base + cfg.Path,
		health:   base + cfg.HealthPath,
	}, nil
}

// Synthesize converts text to audio, returning the complete audio buffer.
func (o *OpenAudio) Synthesize(ctx context.Context, req *Request) (*AudioResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	payload := o.buildPayload(req, false)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, WrapError(providerOpenAudio, fmt.Errorf("marshal payload: %w", err))
	}

	var result *AudioResult
	attempts, err := o.config.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		actx, cancel := o.attemptContext(ctx)
		defer cancel()

		res, err := o.synthesizeOnce(actx, body, req)
		if err != nil {
			o.logger.Warn("synthesis attempt failed",
				"attempt", attempt,
				"retryable", IsRetryable(err),
				"error", err,
			)
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, WrapError(providerOpenAudio, err)
	}

	result.Attempts = attempts
	result.CharCount = len(req.Text)
	result.LatencyMs = time.Since(start).Milliseconds()
	result.ReferenceID = referenceIDOf(payload)

	o.logger.Debug("synthesized audio",
		"chars", result.CharCount,
		"bytes", len(result.Audio),
		"format", result.Format.Encoding,
		"attempts", attempts,
		"latency_ms", result.LatencyMs,
	)
	return result, nil
}

// Stream converts text to audio with streaming output. Retries happen only
// while establishing the response; once audio flows, a failure is terminal.
func (o *OpenAudio) Stream(ctx context.Context, req *Request) (AudioStream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	payload := o.buildPayload(req, true)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, WrapError(providerOpenAudio, fmt.Errorf("marshal payload: %w", err))
	}

	streamCtx, cancelStream := ctx, context.CancelFunc(func() {})
	if o.config.StreamTimeout > 0 {
		streamCtx, cancelStream = context.WithTimeout(ctx, o.config.StreamTimeout)
	}

	var (
		resp          *http.Response
		cancelAttempt context.CancelFunc
	)
	attempts, err := o.config.Retry.Do(streamCtx, func(ctx context.Context, attempt int) error {
		r, cancel, err := o.openStream(ctx, body, attempt)
		if err != nil {
			o.logger.Warn("stream attempt failed",
				"attempt", attempt,
				"retryable", IsRetryable(err),
				"error", err,
			)
			return err
		}
		resp, cancelAttempt = r, cancel
		return nil
	})
	if err != nil {
		cancelStream()
		return nil, WrapError(providerOpenAudio, err)
	}

	o.logger.Debug("synthesis stream opened", "chars", len(req.Text), "attempts", attempts)

	return &httpStream{
		body:   resp.Body,
		format: o.formatFor(req, resp),
		cancel: func() {
			cancelAttempt()
			cancelStream()
		},
	}, nil
}

// Health checks backend connectivity.
func (o *OpenAudio) Health(ctx context.Context) error {
	actx, cancel := o.attemptContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodGet, o.health, nil)
	if err != nil {
		return WrapError(providerOpenAudio, err)
	}
	o.setHeaders(req)

	resp, err := o.client.Do(req)
	if err != nil {
		return WrapError(providerOpenAudio, fmt.Errorf("health check: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return o.parseError(resp)
	}
	return nil
}

// Close releases resources.
func (o *OpenAudio) Close() error {
	o.client.CloseIdleConnections()
	return nil
}

// synthesizeOnce performs one blocking attempt.
func (o *OpenAudio) synthesizeOnce(ctx context.Context, body []byte, req *Request) (*AudioResult, error) {
	resp, err := o.send(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, o.parseError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Retryable: true, Err: fmt.Errorf("read response: %w", err)}
	}

	format := o.formatFor(req, resp)
	audio := data

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var decoded struct {
			Audio       string   `json:"audio"`
			AudioBase64 string   `json:"audio_base64"`
			Format      Encoding `json:"format"`
			SampleRate  int      `json:"sample_rate"`
		}
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		b64 := decoded.Audio
		if b64 == "" {
			b64 = decoded.AudioBase64
		}
		if b64 == "" {
			return nil, ErrMissingAudio
		}
		audio, err = base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("decode audio: %w", err)
		}
		if decoded.Format != "" {
			format.Encoding = decoded.Format
		}
		if decoded.SampleRate > 0 {
			format.SampleRate = decoded.SampleRate
		}
	}

	return &AudioResult{
		Audio:    audio,
		Format:   format,
		Duration: EstimateDuration(format, len(audio)),
	}, nil
}

// openStream performs one streaming attempt up to the response headers.
// The returned cancel func owns the attempt context and must be called once
// the body is done.
func (o *OpenAudio) openStream(ctx context.Context, body []byte, attempt int) (*http.Response, context.CancelFunc, error) {
	actx, cancel := context.WithCancel(ctx)

	var timer *time.Timer
	if o.config.Timeout > 0 {
		timer = time.AfterFunc(o.config.Timeout, cancel)
	}

	resp, err := o.send(actx, body)
	if timer != nil && !timer.Stop() {
		// Header timeout fired; anything we got is unusable.
		if err == nil {
			resp.Body.Close()
		}
		cancel()
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, &TransportError{
			Attempt:   attempt,
			Retryable: true,
			Err:       fmt.Errorf("no response within %s", o.config.Timeout),
		}
	}
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := o.parseError(resp)
		resp.Body.Close()
		cancel()
		return nil, nil, apiErr
	}
	return resp, cancel, nil
}

func (o *OpenAudio) send(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	o.setHeaders(req)
	return o.client.Do(req)
}

func (o *OpenAudio) setHeaders(req *http.Request) {
	if o.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.config.APIKey)
	}
}

func (o *OpenAudio) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.config.Timeout > 0 {
		return context.WithTimeout(ctx, o.config.Timeout)
	}
	return context.WithCancel(ctx)
}

// buildPayload constructs the backend request body.
func (o *OpenAudio) buildPayload(req *Request, streaming bool) map[string]interface{} {
	format := req.Format
	if format == "" {
		format = o.config.DefaultFormat
	}

	normalize := o.config.DefaultNormalize
	if req.Normalize != nil {
		normalize = *req.Normalize
	}

	payload := map[string]interface{}{
		"text":      req.Text,
		"format":    string(format),
		"streaming": streaming,
		"normalize": normalize,
	}

	if req.SampleRate > 0 {
		payload["sample_rate"] = req.SampleRate
	}

	// Inline references win over any stored voice.
	if len(req.References) > 0 {
		refs := make([]reference, len(req.References))
		for i, r := range req.References {
			refs[i] = reference{Audio: r, Text: ""}
		}
		payload["references"] = refs
	} else if id := firstNonEmpty(req.ReferenceID, o.config.DefaultReferenceID); id != "" {
		payload["reference_id"] = id
	}

	if req.TopP > 0 {
		payload["top_p"] = req.TopP
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if req.ChunkLength > 0 {
		payload["chunk_length"] = req.ChunkLength
	}
	if req.Latency != "" {
		payload["latency"] = req.Latency
	}

	prosody := map[string]float64{}
	if req.Speed > 0 {
		prosody["speed"] = req.Speed
	}
	if req.Volume != 0 {
		prosody["volume"] = req.Volume
	}
	if len(prosody) > 0 {
		payload["prosody"] = prosody
	}

	return payload
}

// formatFor resolves the output format from the request, response headers and defaults.
func (o *OpenAudio) formatFor(req *Request, resp *http.Response) AudioFormat {
	enc := req.Format
	if enc == "" {
		enc = o.config.DefaultFormat
	}

	rate := req.SampleRate
	if rate <= 0 {
		rate = o.config.DefaultSampleRate
	}
	if resp != nil {
		if h := resp.Header.Get("X-Sample-Rate"); h != "" {
			if n, err := strconv.Atoi(h); err == nil && n > 0 {
				rate = n
			} else {
				o.logger.Warn("ignoring malformed sample rate header", "value", h)
			}
		}
	}

	return AudioFormat{
		Encoding:   enc,
		SampleRate: rate,
		Channels:   1,
		BitDepth:   16,
	}
}

// parseError reads and parses an error response.
func (o *OpenAudio) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var errResp struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}

	message := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &errResp) == nil {
		if m := firstNonEmpty(errResp.Detail, errResp.Message, errResp.Error); m != "" {
			message = m
		}
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    message,
		Provider:   providerOpenAudio,
	}
}

func referenceIDOf(payload map[string]interface{}) string {
	id, _ := payload["reference_id"].(string)
	return id
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// httpStream wraps an HTTP response body as AudioStream.
type httpStream struct {
	body   io.ReadCloser
	format AudioFormat
	cancel context.CancelFunc
	buf    [streamChunkSize]byte

	done   bool
	err    error
	closed atomic.Bool
}

// Read returns the next audio chunk.
func (s *httpStream) Read() ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrStreamClosed
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.done {
		return nil, nil
	}

	for {
		n, err := s.body.Read(s.buf[:])
		if err != nil {
			if err == io.EOF {
				s.done = true
			} else {
				s.err = WrapError(providerOpenAudio, &TransportError{
					Retryable: false,
					Err:       fmt.Errorf("stream interrupted: %w", err),
				})
			}
		}
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, s.buf[:n])
			return chunk, nil
		}
		if s.err != nil {
			return nil, s.err
		}
		if s.done {
			return nil, nil
		}
	}
}

// Close stops the stream.
func (s *httpStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.body.Close()
	s.cancel()
	return err
}

// Format returns the audio format.
func (s *httpStream) Format() AudioFormat {
	return s.format
}

// Verify OpenAudio implements Provider at compile time.
var _ Provider = (*OpenAudio)(nil)
