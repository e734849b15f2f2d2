package protocol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"
)

func sampleEvents() []Event {
	return []Event{
		TranscriptPartial("hello"),
		TranscriptFinal("hello world", "en"),
		GenerationToken("Hi", 0),
		GenerationToken(" there\nfriend", 1),
		GenerationDone("Hi there!", "stop"),
		SynthesisChunk(ChunkData{Segment: 0, Seq: 2, Audio: []byte{0, 1, 2, 0xff, '\n'}, Format: "wav", MediaType: "audio/wav", SampleRate: 44100}),
		SynthesisDone(SynthesisDoneData{Segments: 1, Chunks: 3, Bytes: 1024}),
		Error("stage_failure", "synthesis", "backend returned 500"),
	}
}

func TestEventRoundTrip(t *testing.T) {
	for _, ev := range sampleEvents() {
		ev.Turn = "turn-1"
		t.Run(string(ev.Type), func(t *testing.T) {
			var buf bytes.Buffer
			if err := NewEncoder(&buf).Encode(ev); err != nil {
				t.Fatalf("Encode() error = %v", err)
			}

			line := buf.String()
			if strings.Count(line, "\n") != 1 || !strings.HasSuffix(line, "\n") {
				t.Fatalf("expected exactly one terminating newline, got %q", line)
			}

			got, err := NewDecoder(&buf).Decode()
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !reflect.DeepEqual(got, ev) {
				t.Errorf("round trip mismatch:\n got %#v\nwant %#v", got, ev)
			}
		})
	}
}

func TestEncoderOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	events := sampleEvents()
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
	}

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != len(events) {
		t.Fatalf("expected %d lines, got %d", len(events), len(lines))
	}
	for i, line := range lines {
		var env Envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			t.Fatalf("line %d is not a JSON object: %v", i, err)
		}
		if env.Event != string(events[i].Type) {
			t.Errorf("line %d: event = %s, want %s", i, env.Event, events[i].Type)
		}
	}

	dec := NewDecoder(&buf)
	for range events {
		if _, err := dec.Decode(); err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
	}
	if _, err := dec.Decode(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

type countingFlusher struct {
	bytes.Buffer
	flushes int
}

func (c *countingFlusher) Flush() { c.flushes++ }

func TestEncoderFlushesPerEvent(t *testing.T) {
	t.Run("http flusher", func(t *testing.T) {
		w := &countingFlusher{}
		enc := NewEncoder(w)
		enc.Encode(GenerationToken("a", 0))
		enc.Encode(GenerationToken("b", 1))
		if w.flushes != 2 {
			t.Errorf("expected 2 flushes, got %d", w.flushes)
		}
	})

	t.Run("bufio writer", func(t *testing.T) {
		var out bytes.Buffer
		bw := bufio.NewWriterSize(&out, 4096)
		enc := NewEncoder(bw)
		enc.Encode(GenerationToken("a", 0))
		if out.Len() == 0 {
			t.Error("expected event to reach the underlying writer")
		}
	})
}

func TestEnvelopeWireShape(t *testing.T) {
	b, err := json.Marshal(SynthesisChunk(ChunkData{Audio: []byte("abc"), Format: "pcm"}))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var raw map[string]json.RawMessage
	json.Unmarshal(b, &raw)
	if string(raw["event"]) != `"synthesis_chunk"` {
		t.Errorf("unexpected event tag %s", raw["event"])
	}

	var data map[string]interface{}
	json.Unmarshal(raw["data"], &data)
	if data["audio"] != "YWJj" {
		t.Errorf("audio should be base64 inside data, got %v", data["audio"])
	}
}

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		event   string
		wantErr error
	}{
		{"audio", `{"event":"audio","data":{"audio":"AAEC","format":"wav"}}`, ClientAudio, nil},
		{"no data", `{"event":"end_turn"}`, ClientEndTurn, nil},
		{"missing tag", `{"data":{}}`, "", ErrMissingEvent},
		{"not json", `hello`, "", errors.New("any")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := ParseEnvelope([]byte(tt.input))
			if tt.wantErr != nil {
				if err == nil {
					t.Fatal("expected error")
				}
				if errors.Is(tt.wantErr, ErrMissingEvent) && !errors.Is(err, ErrMissingEvent) {
					t.Errorf("expected ErrMissingEvent, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEnvelope() error = %v", err)
			}
			if env.Event != tt.event {
				t.Errorf("event = %s, want %s", env.Event, tt.event)
			}
		})
	}
}

func TestParseData(t *testing.T) {
	env, _ := ParseEnvelope([]byte(`{"event":"config","data":{"instructions":"Be terse.","incremental":false}}`))
	var cfg ConfigData
	if err := env.ParseData(&cfg); err != nil {
		t.Fatalf("ParseData() error = %v", err)
	}
	if cfg.Instructions == nil || *cfg.Instructions != "Be terse." {
		t.Errorf("unexpected instructions %v", cfg.Instructions)
	}
	if cfg.Incremental == nil || *cfg.Incremental {
		t.Errorf("unexpected incremental %v", cfg.Incremental)
	}
	if cfg.Language != nil {
		t.Error("language should stay unset")
	}
}

func TestUnknownEvent(t *testing.T) {
	var ev Event
	err := json.Unmarshal([]byte(`{"event":"mystery","data":{}}`), &ev)
	if !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestEventTypeStage(t *testing.T) {
	tests := []struct {
		typ      EventType
		stage    string
		terminal bool
	}{
		{EventTranscriptPartial, "transcription", false},
		{EventTranscriptFinal, "transcription", true},
		{EventGenerationToken, "generation", false},
		{EventGenerationDone, "generation", true},
		{EventSynthesisChunk, "synthesis", false},
		{EventSynthesisDone, "synthesis", true},
		{EventError, "", true},
	}
	for _, tt := range tests {
		if got := tt.typ.Stage(); got != tt.stage {
			t.Errorf("%s.Stage() = %q, want %q", tt.typ, got, tt.stage)
		}
		if got := tt.typ.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.typ, got, tt.terminal)
		}
	}
}

func TestDecodeAudio(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []byte
		wantErr bool
	}{
		{"plain", EncodeAudio([]byte{1, 2, 3}), []byte{1, 2, 3}, false},
		{"data url", "data:audio/webm;base64," + EncodeAudio([]byte("webm")), []byte("webm"), false},
		{"invalid", "!!!", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeAudio(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeAudio() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("DecodeAudio() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTurnMessage(t *testing.T) {
	env, err := NewTurnMessage(ServerTurnComplete, "t-1")
	if err != nil {
		t.Fatalf("NewTurnMessage() error = %v", err)
	}
	var data TurnData
	env.ParseData(&data)
	if env.Event != "turn_complete" || env.Turn != "t-1" || data.TurnID != "t-1" {
		t.Errorf("unexpected envelope %+v", env)
	}
}

type slowSink struct {
	delay time.Duration
	got   []Event
}

func (s *slowSink) Send(ev Event) error {
	time.Sleep(s.delay)
	s.got = append(s.got, ev)
	return nil
}

func TestPumpBackpressure(t *testing.T) {
	events := make(chan Event, 1)
	sink := &slowSink{delay: 5 * time.Millisecond}

	done := make(chan error, 1)
	go func() { done <- Pump(context.Background(), events, sink) }()

	// With a one-slot channel the producer can never get more than two
	// events ahead of the sink.
	start := time.Now()
	for i := 0; i < 10; i++ {
		events <- GenerationToken("x", i)
	}
	close(events)
	produced := time.Since(start)

	if err := <-done; err != nil {
		t.Fatalf("Pump() error = %v", err)
	}
	if produced < 30*time.Millisecond {
		t.Errorf("producer was not suspended: finished in %v", produced)
	}
	if len(sink.got) != 10 {
		t.Fatalf("expected 10 events, got %d", len(sink.got))
	}
	for i, ev := range sink.got {
		if ev.Data.(TokenData).Index != i {
			t.Errorf("event %d out of order", i)
		}
	}
}

func TestPumpStopsOnSinkError(t *testing.T) {
	events := make(chan Event, 4)
	events <- GenerationToken("a", 0)
	boom := errors.New("connection reset")

	err := Pump(context.Background(), events, SinkFunc(func(Event) error { return boom }))
	if !errors.Is(err, boom) {
		t.Errorf("expected sink error, got %v", err)
	}
}

func TestPumpHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Pump(ctx, make(chan Event), SinkFunc(func(Event) error { return nil }))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
