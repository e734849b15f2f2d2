package inference

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMockProvider(t *testing.T) {
	ctx := context.Background()
	mock := NewMock()

	resp, err := mock.Generate(ctx, &GenerateRequest{Prompt: "Hello"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.Text == "" {
		t.Error("Expected text in response")
	}
	if resp.FinishReason != "stop" {
		t.Errorf("Expected finish_reason 'stop', got %s", resp.FinishReason)
	}

	stream, err := mock.Stream(ctx, &GenerateRequest{Prompt: "Hello"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	var text string
	for {
		chunk, err := stream.Recv()
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		if chunk.Done {
			break
		}
		text += chunk.Delta
	}
	if text != resp.Text {
		t.Errorf("Expected streamed %q, got %q", resp.Text, text)
	}

	if mock.CallCount("Generate") != 1 || mock.CallCount("Stream") != 1 {
		t.Errorf("Unexpected calls: %+v", mock.Calls())
	}

	mock.Reset()
	if len(mock.Calls()) != 0 {
		t.Error("Expected 0 calls after reset")
	}
}

func TestTokenMock(t *testing.T) {
	mock := NewTokenMock("Hi", " there", "!")
	stream, err := mock.Stream(context.Background(), &GenerateRequest{Prompt: "hello world"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var got []string
	for {
		chunk, err := stream.Recv()
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		if chunk.Done {
			break
		}
		got = append(got, chunk.Delta)
	}
	if len(got) != 3 || got[2] != "!" {
		t.Errorf("Unexpected tokens %v", got)
	}
}

func TestMockWithError(t *testing.T) {
	ctx := context.Background()
	testErr := errors.New("test error")
	mock := WithError(testErr)

	if _, err := mock.Generate(ctx, &GenerateRequest{Prompt: "x"}); !errors.Is(err, testErr) {
		t.Errorf("Expected test error, got: %v", err)
	}
	if _, err := mock.Stream(ctx, &GenerateRequest{Prompt: "x"}); !errors.Is(err, testErr) {
		t.Errorf("Expected test error, got: %v", err)
	}
}

func TestFunctionalOptions(t *testing.T) {
	cfg := DefaultConfig()

	cfg.Apply(
		WithBaseURL("http://localhost:8001/v1"),
		WithModel("gemma-3-12b-it"),
		WithMaxTokens(256),
		WithTemperature(0.3),
		WithTimeout(10*time.Second),
	)

	if cfg.BaseURL != "http://localhost:8001/v1" {
		t.Errorf("BaseURL not set: %s", cfg.BaseURL)
	}
	if cfg.Model != "gemma-3-12b-it" {
		t.Errorf("Model not set: %s", cfg.Model)
	}
	if cfg.Defaults.MaxTokens != 256 || cfg.Defaults.Temperature != 0.3 {
		t.Errorf("Defaults not set: %+v", cfg.Defaults)
	}
	if cfg.Defaults.TopK != 40 {
		t.Errorf("Other defaults should survive: %+v", cfg.Defaults)
	}
	if cfg.Timeout != 10*time.Second {
		t.Errorf("Timeout not set: %v", cfg.Timeout)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		want error
	}{
		{"defaults", nil, nil},
		{"no base url", []Option{WithBaseURL("")}, ErrNoBaseURL},
		{"no model", []Option{WithModel("")}, ErrNoModel},
		{"bad defaults", []Option{WithMaxTokens(0)}, ErrInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Apply(tt.opts...)
			err := cfg.Validate()
			if tt.want == nil && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestFormatPrompt(t *testing.T) {
	t.Run("no system prompt", func(t *testing.T) {
		got := FormatPrompt("", nil, "Hi")
		want := "<start_of_turn>user\nHi<end_of_turn>\n<start_of_turn>model\n"
		if got != want {
			t.Errorf("Expected %q, got %q", want, got)
		}
	})

	t.Run("model and assistant are the same speaker", func(t *testing.T) {
		history := []Message{{Role: RoleModel, Content: "a"}, NewAssistantMessage("b"), {Role: "narrator", Content: "c"}}
		got := FormatPrompt("", history, "Hi")
		want := "<start_of_turn>model\na<end_of_turn>\n" +
			"<start_of_turn>model\nb<end_of_turn>\n" +
			"<start_of_turn>user\nc<end_of_turn>\n" +
			"<start_of_turn>user\nHi<end_of_turn>\n<start_of_turn>model\n"
		if got != want {
			t.Errorf("Expected %q, got %q", want, got)
		}
	})

	t.Run("templated prompt passes through", func(t *testing.T) {
		raw := "<start_of_turn>user\nraw<end_of_turn>\n<start_of_turn>model\n"
		if got := FormatPrompt("ignored", []Message{NewUserMessage("x")}, raw); got != raw {
			t.Errorf("Expected verbatim prompt, got %q", got)
		}
	})
}

func TestAPIError(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{400, false},
		{401, false},
		{429, true},
		{500, true},
		{503, true},
	}

	for _, tt := range tests {
		err := &APIError{StatusCode: tt.status, Message: "x", Provider: "test"}
		if err.IsRetryable() != tt.retryable {
			t.Errorf("status %d: expected retryable=%v", tt.status, tt.retryable)
		}
	}
}

func TestBackendError(t *testing.T) {
	inner := errors.New("boom")
	err := WrapError("completions", inner)
	if !errors.Is(err, inner) {
		t.Error("Expected wrapped error to unwrap")
	}
	if WrapError("x", nil) != nil {
		t.Error("Expected nil for nil error")
	}
}
