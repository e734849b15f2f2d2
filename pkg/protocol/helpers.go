package protocol

import (
	"encoding/base64"
	"errors"
	"strings"
)

// ErrInvalidAudio is returned for audio that is not valid base64.
var ErrInvalidAudio = errors.New("protocol: audio is not valid base64")

// EncodeAudio encodes audio for a JSON payload.
func EncodeAudio(audio []byte) string {
	return base64.StdEncoding.EncodeToString(audio)
}

// DecodeAudio decodes a base64 payload. Data URLs as produced by browsers
// ("data:audio/webm;base64,...") are accepted.
func DecodeAudio(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, ErrInvalidAudio
	}
	return b, nil
}

// NewTurnMessage creates a turn_complete or turn_cancelled envelope.
func NewTurnMessage(event, turnID string) (*Envelope, error) {
	env, err := NewEnvelope(event, TurnData{TurnID: turnID})
	if err != nil {
		return nil, err
	}
	env.Turn = turnID
	return env, nil
}

// NewErrorMessage creates an error envelope outside of any turn.
func NewErrorMessage(kind, message string) (*Envelope, error) {
	return Error(kind, "", message).Envelope()
}
