package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/teslashibe/voicegate/internal/httpc"
)

const providerClient = "completions"

// Client is the HTTP-based generation provider.
// Works with any OpenAI-compatible completions server (llama.cpp, vLLM, TGI).
type Client struct {
	baseURL string
	apiKey  string
	config  *Config
	http    *http.Client
	stream  *http.Client
	logger  *slog.Logger
}

// NewClient creates a new inference client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	blocking, streaming := cfg.HTTPClient, cfg.HTTPClient
	if blocking == nil {
		blocking = httpc.NewClient(cfg.Timeout)
		streaming = httpc.NewClient(cfg.StreamTimeout)
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		config:  cfg,
		http:    blocking,
		stream:  streaming,
		logger:  cfg.Logger.With("component", "inference.client"),
	}, nil
}

// Generate produces a complete response.
func (c *Client) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	payload := c.buildPayload(req, false)

	resp, err := c.post(ctx, "/completions", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, WrapError(providerClient, fmt.Errorf("decode response: %w", err))
	}

	if len(result.Choices) == 0 {
		return nil, WrapError(providerClient, ErrNoChoices)
	}

	choice := result.Choices[0]
	out := &GenerateResponse{
		Text:         strings.TrimSpace(choice.Text),
		FinishReason: choice.FinishReason,
		Usage: Usage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
		},
		Model:     result.Model,
		LatencyMs: time.Since(start).Milliseconds(),
	}

	c.logger.Debug("generated response",
		"prompt_chars", len(req.Prompt),
		"completion_tokens", out.Usage.CompletionTokens,
		"finish_reason", out.FinishReason,
		"latency_ms", out.LatencyMs,
	)
	return out, nil
}

// Health checks that the backend lists its models.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.get(ctx, "/models")
	if err != nil {
		return WrapError(providerClient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseError(resp)
	}
	return nil
}

// Close releases resources.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	c.stream.CloseIdleConnections()
	return nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.config.Model
}

// completionRequest is the body of POST /completions.
type completionRequest struct {
	Model         string   `json:"model"`
	Prompt        string   `json:"prompt"`
	MaxTokens     int      `json:"max_tokens"`
	Temperature   float64  `json:"temperature"`
	TopP          float64  `json:"top_p"`
	TopK          int      `json:"top_k"`
	RepeatPenalty float64  `json:"repeat_penalty"`
	Stop          []string `json:"stop"`
	Seed          *int     `json:"seed,omitempty"`
	Stream        bool     `json:"stream,omitempty"`
}

// buildPayload renders req as a completion request. A request without
// sampling controls gets the configured defaults.
func (c *Client) buildPayload(req *GenerateRequest, stream bool) completionRequest {
	s := req.Sampling
	if s.IsZero() {
		s = c.config.Defaults
	}
	return completionRequest{
		Model:         c.config.Model,
		Prompt:        FormatPrompt(req.SystemPrompt, req.History, req.Prompt),
		MaxTokens:     s.MaxTokens,
		Temperature:   s.Temperature,
		TopP:          s.TopP,
		TopK:          s.TopK,
		RepeatPenalty: s.RepeatPenalty,
		Stop:          stopSequences(s.Stop),
		Seed:          s.Seed,
		Stream:        stream,
	}
}

// post sends a blocking completion request, retrying overloaded and failing
// servers per the configured retry budget.
func (c *Client) post(ctx context.Context, path string, payload completionRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, WrapError(providerClient, fmt.Errorf("marshal payload: %w", err))
	}

	var (
		resp    *http.Response
		attempt int
	)
	err = retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		attempt++
		req, err := c.newPost(ctx, path, body)
		if err != nil {
			return err
		}
		r, err := c.http.Do(req)
		if err != nil {
			err = WrapError(providerClient, err)
			if ctx.Err() != nil {
				return err
			}
			c.logger.Warn("completion request failed", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		if r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= 500 {
			apiErr := c.parseError(r)
			r.Body.Close()
			c.logger.Warn("completion server busy", "attempt", attempt, "status", r.StatusCode)
			return retry.RetryableError(apiErr)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// backoff spaces retries RetryDelay apart, doubling each time.
func (c *Client) backoff() retry.Backoff {
	delay := c.config.RetryDelay
	if delay <= 0 {
		delay = time.Millisecond
	}
	retries := c.config.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return retry.WithMaxRetries(uint64(retries), retry.NewExponential(delay))
}

func (c *Client) newPost(ctx context.Context, path string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, WrapError(providerClient, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	return req, nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)
	return c.http.Do(req)
}

// authorize adds the bearer key. Local servers usually run without one.
func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// parseError turns a non-2xx response into an APIError. OpenAI-style
// bodies contribute their message and code; anything else is kept verbatim.
func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
		Provider:   providerClient,
	}

	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		apiErr.Message = envelope.Error.Message
		apiErr.Code = envelope.Error.Code
		if apiErr.Code == "" {
			apiErr.Code = envelope.Error.Type
		}
	}
	return apiErr
}

type completionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Verify Client implements Provider at compile time.
var _ Provider = (*Client)(nil)
