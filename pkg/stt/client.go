package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/teslashibe/voicegate/internal/httpc"
)

const providerWhisper = "whisper"

// Client implements Provider against an OpenAI-compatible transcription API.
type Client struct {
	config *Config
	client *http.Client
	logger *slog.Logger
	base   string
}

// NewClient creates a new transcription client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := cfg.HTTPClient
	if client == nil {
		client = httpc.NewClient(cfg.Timeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		config: cfg,
		client: client,
		logger: cfg.Logger.With("component", "stt.client"),
		base:   strings.TrimSuffix(cfg.BaseURL, "/"),
	}, nil
}

// Transcribe uploads one audio segment and returns its transcript.
func (c *Client) Transcribe(ctx context.Context, req *Request) (*Transcript, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	body, contentType, err := c.buildForm(req)
	if err != nil {
		return nil, WrapError(providerWhisper, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/audio/transcriptions", body)
	if err != nil {
		return nil, WrapError(providerWhisper, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", contentType)
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, WrapError(providerWhisper, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var transcript Transcript
	if err := json.NewDecoder(resp.Body).Decode(&transcript); err != nil {
		return nil, WrapError(providerWhisper, fmt.Errorf("decode response: %w", err))
	}
	transcript.Text = strings.TrimSpace(transcript.Text)
	transcript.Latency = time.Since(start)

	c.logger.Debug("transcribed segment",
		"bytes", len(req.Audio),
		"chars", len(transcript.Text),
		"segments", len(transcript.Segments),
		"latency_ms", transcript.Latency.Milliseconds(),
	)
	return &transcript, nil
}

// Health checks that the backend lists its models.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/models", nil)
	if err != nil {
		return WrapError(providerWhisper, err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return WrapError(providerWhisper, fmt.Errorf("health check: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseError(resp)
	}
	return nil
}

// Close releases resources.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.config.Model
}

func (c *Client) buildForm(req *Request) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", req.Filename())
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(req.Audio); err != nil {
		return nil, "", fmt.Errorf("write audio data: %w", err)
	}

	fields := map[string]string{
		"model":           c.config.Model,
		"response_format": "verbose_json",
	}
	lang := req.Language
	if lang == "" {
		lang = c.config.Language
	}
	if lang != "" {
		fields["language"] = lang
	}
	if req.Prompt != "" {
		fields["prompt"] = req.Prompt
	}
	if req.Temperature > 0 {
		fields["temperature"] = strconv.FormatFloat(req.Temperature, 'f', -1, 64)
	}
	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			return nil, "", fmt.Errorf("write %s field: %w", name, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
}

func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var errResp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Detail string `json:"detail"`
	}

	message := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &errResp) == nil {
		if errResp.Error.Message != "" {
			message = errResp.Error.Message
		} else if errResp.Detail != "" {
			message = errResp.Detail
		}
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    message,
		Backend:    providerWhisper,
	}
}

// Verify Client implements Provider at compile time.
var _ Provider = (*Client)(nil)
