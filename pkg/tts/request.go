package tts

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Reference sample limits.
const (
	MaxReferences     = 5
	MaxReferenceBytes = 10 << 20
)

// Request is one synthesis call. Zero values mean "use the client default".
type Request struct {
	Text       string   `json:"text"`
	Format     Encoding `json:"format,omitempty"`
	SampleRate int      `json:"sample_rate,omitempty"`
	Normalize  *bool    `json:"normalize,omitempty"`

	// ReferenceID selects a voice stored on the backend.
	ReferenceID string `json:"reference_id,omitempty"`

	// References are inline voice samples, base64 encoded. When present they
	// take precedence and ReferenceID is not sent.
	References []string `json:"references,omitempty"`

	TopP        float64 `json:"top_p,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	ChunkLength int     `json:"chunk_length,omitempty"`
	Latency     string  `json:"latency,omitempty"`
	Speed       float64 `json:"speed,omitempty"`
	Volume      float64 `json:"volume,omitempty"`
}

// Validate checks the request before any network call is made.
func (r *Request) Validate() error {
	if r == nil || strings.TrimSpace(r.Text) == "" {
		return ErrEmptyText
	}
	if r.Format != "" && !r.Format.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidFormat, r.Format)
	}
	if n := len(r.References); n > MaxReferences {
		return fmt.Errorf("%w (got %d)", ErrTooManyReferences, n)
	}
	for i, ref := range r.References {
		if base64.StdEncoding.DecodedLen(len(ref)) > MaxReferenceBytes+3 {
			return fmt.Errorf("%w: reference %d", ErrReferenceTooLarge, i)
		}
		raw, err := base64.StdEncoding.DecodeString(ref)
		if err != nil {
			return fmt.Errorf("%w: reference %d", ErrInvalidReference, i)
		}
		if len(raw) > MaxReferenceBytes {
			return fmt.Errorf("%w: reference %d", ErrReferenceTooLarge, i)
		}
	}
	if r.TopP < 0 || r.TopP > 1 {
		return fmt.Errorf("%w: top_p %.2f out of range 0..1", ErrInvalidParams, r.TopP)
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return fmt.Errorf("%w: temperature %.2f out of range 0..2", ErrInvalidParams, r.Temperature)
	}
	if r.Latency != "" && r.Latency != "normal" && r.Latency != "balanced" {
		return fmt.Errorf("%w: latency %q must be normal or balanced", ErrInvalidParams, r.Latency)
	}
	return nil
}

// IsValidationError reports whether err came from Request.Validate.
func IsValidationError(err error) bool {
	for _, target := range []error{ErrEmptyText, ErrInvalidFormat, ErrTooManyReferences, ErrReferenceTooLarge, ErrInvalidReference, ErrInvalidParams} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// reference is the wire shape of one inline sample.
type reference struct {
	Audio string `json:"audio"`
	Text  string `json:"text"`
}
