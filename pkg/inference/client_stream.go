package inference

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
)

// Stream returns a token-streaming response.
func (c *Client) Stream(ctx context.Context, req *GenerateRequest) (Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	payload := c.buildPayload(req, true)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, WrapError(providerClient, fmt.Errorf("marshal payload: %w", err))
	}

	httpReq, err := c.newPost(ctx, "/completions", body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(httpReq)
	if err != nil {
		return nil, WrapError(providerClient, fmt.Errorf("stream request: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.parseError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 4096), maxEventBytes)
	return &clientStream{lines: scanner, body: resp.Body}, nil
}

// maxEventBytes bounds one SSE line.
const maxEventBytes = 1 << 20

// clientStream reads completion chunks from a server-sent event body.
// Recv is called from one goroutine; Close may be called from any.
type clientStream struct {
	lines *bufio.Scanner
	body  io.ReadCloser

	// done is replayed once the server has finished.
	done   *StreamChunk
	closed atomic.Bool
}

func (s *clientStream) Recv() (*StreamChunk, error) {
	if s.closed.Load() {
		return nil, ErrStreamClosed
	}
	if s.done != nil {
		return s.done, nil
	}

	for s.lines.Scan() {
		data, ok := strings.CutPrefix(strings.TrimSpace(s.lines.Text()), "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			s.done = &StreamChunk{Done: true, FinishReason: "stop"}
			return s.done, nil
		}
		chunk, ok := parseEvent(data)
		if !ok {
			continue
		}
		if chunk.Done {
			s.done = &StreamChunk{Done: true, FinishReason: chunk.FinishReason}
		}
		return chunk, nil
	}

	if s.closed.Load() {
		return nil, ErrStreamClosed
	}
	err := s.lines.Err()
	if err == nil {
		// The server hung up without a finish marker.
		err = io.ErrUnexpectedEOF
	}
	return nil, WrapError(providerClient, fmt.Errorf("read stream: %w", err))
}

func (s *clientStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.body.Close()
}

// parseEvent decodes one event payload. Malformed events and events without
// a choice are skipped.
func parseEvent(data string) (*StreamChunk, bool) {
	var event struct {
		Choices []struct {
			Text         string `json:"text"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(data), &event); err != nil || len(event.Choices) == 0 {
		return nil, false
	}
	choice := event.Choices[0]
	return &StreamChunk{
		Delta:        choice.Text,
		FinishReason: choice.FinishReason,
		Done:         choice.FinishReason != "",
	}, true
}
