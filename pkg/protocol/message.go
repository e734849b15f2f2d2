// Package protocol defines the wire formats shared by the HTTP streaming and
// WebSocket surfaces.
//
// Every frame, in both directions and on both transports, is a JSON envelope
// {"event": <tag>, "data": <payload>}. HTTP streams write one envelope per
// line (NDJSON); WebSocket sends one envelope per text frame. Audio travels
// base64 encoded inside data.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope is the base wrapper for all frames.
type Envelope struct {
	Event string          `json:"event"`
	Turn  string          `json:"turn_id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope creates an envelope with data marshaled as its payload.
func NewEnvelope(event string, data interface{}) (*Envelope, error) {
	var raw json.RawMessage
	if data != nil {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s data: %w", event, err)
		}
	}
	return &Envelope{Event: event, Data: raw}, nil
}

// ParseData unmarshals the payload into v. A missing payload leaves v untouched.
func (e *Envelope) ParseData(v interface{}) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// Bytes returns the JSON-encoded envelope.
func (e *Envelope) Bytes() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEnvelope parses one frame.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}
	if env.Event == "" {
		return nil, ErrMissingEvent
	}
	return &env, nil
}

// =============================================================================
// Client → Server (voice chat)
// =============================================================================

// Client event tags.
const (
	ClientConfig  = "config"
	ClientAudio   = "audio"
	ClientEndTurn = "end_turn"
	ClientText    = "text"
	ClientCancel  = "cancel"
)

// ConfigData updates session settings. Nil fields keep their value.
type ConfigData struct {
	Instructions *string         `json:"instructions,omitempty"`
	Language     *string         `json:"language,omitempty"`
	Synthesis    json.RawMessage `json:"synthesis,omitempty"`
	Incremental  *bool           `json:"incremental,omitempty"`
}

// AudioData carries one piece of the pending segment.
type AudioData struct {
	Audio  string `json:"audio"`
	Format string `json:"format,omitempty"`
}

// TextData is a typed user input.
type TextData struct {
	Text string `json:"text"`
}

// =============================================================================
// Server → Client (voice chat session control)
// =============================================================================

// Session event tags.
const (
	ServerReady         = "ready"
	ServerConfigured    = "configured"
	ServerTurnComplete  = "turn_complete"
	ServerTurnCancelled = "turn_cancelled"
)

// ReadyData is sent once after the upgrade.
type ReadyData struct {
	SessionID string `json:"session_id"`
}

// ConfiguredData echoes the applied settings.
type ConfiguredData struct {
	Instructions string `json:"instructions"`
	Language     string `json:"language,omitempty"`
	Incremental  bool   `json:"incremental"`
}

// TurnData identifies a finished turn.
type TurnData struct {
	TurnID string `json:"turn_id"`
}

// =============================================================================
// Service sockets (generate, synthesize, transcribe)
// =============================================================================

// Request tags accepted by the per-service sockets. Transcription also takes
// ClientAudio and raw binary frames.
const (
	ClientGenerate   = "generate"
	ClientSynthesize = "synthesize"
	ClientCommit     = "commit"
	ClientClear      = "clear"
)

// Replies of the transcription socket.
const (
	ServerReceived = "received"
	ServerCleared  = "cleared"
)

// CommitData submits the buffered audio for transcription.
type CommitData struct {
	Format      string  `json:"format,omitempty"`
	Language    string  `json:"language,omitempty"`
	Prompt      string  `json:"prompt,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// ReceivedData acknowledges buffered audio.
type ReceivedData struct {
	Bytes int `json:"bytes"`
}
