package dialogue

import (
	"errors"
	"fmt"

	"github.com/teslashibe/voicegate/pkg/inference"
	"github.com/teslashibe/voicegate/pkg/registry"
	"github.com/teslashibe/voicegate/pkg/stt"
	"github.com/teslashibe/voicegate/pkg/tts"
)

// Common errors.
var (
	ErrNoInput     = errors.New("dialogue: turn needs audio or text input")
	ErrNoSpeech    = errors.New("dialogue: no speech detected")
	ErrCancelled   = errors.New("dialogue: turn cancelled")
	ErrTurnTimeout = errors.New("dialogue: turn timed out")
	ErrInvalidTurn = errors.New("dialogue: invalid turn configuration")
)

// Stage names one step of a turn.
type Stage string

const (
	StageTranscription Stage = "transcription"
	StageGeneration    Stage = "generation"
	StageSynthesis     Stage = "synthesis"
)

// StageError reports a backend failure that halted a turn.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("dialogue: %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageFailure(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// Stable error kinds reported to clients.
const (
	KindValidation         = "validation_error"
	KindServiceUnavailable = "service_unavailable"
	KindStageFailure       = "stage_failure"
	KindTimeout            = "timeout"
	KindCancelled          = "cancelled"
	KindInternal           = "internal_error"
)

// ErrorKind maps a turn error to its stable kind string.
func ErrorKind(err error) string {
	var stageErr *StageError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTurnTimeout):
		return KindTimeout
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, registry.ErrServiceUnavailable):
		return KindServiceUnavailable
	case IsValidationError(err):
		return KindValidation
	case errors.As(err, &stageErr):
		return KindStageFailure
	default:
		return KindInternal
	}
}

// IsValidationError reports whether err was caused by bad caller input,
// including request validation in any backend client.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrNoInput) ||
		errors.Is(err, ErrInvalidTurn) ||
		tts.IsValidationError(err) ||
		inference.IsValidationError(err) ||
		stt.IsValidationError(err)
}

// StageOf returns the stage err belongs to, if any.
func StageOf(err error) Stage {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage
	}
	var unavailable *registry.UnavailableError
	if errors.As(err, &unavailable) {
		return kindStage(unavailable.Kind)
	}
	return ""
}

func kindStage(k registry.Kind) Stage {
	switch k {
	case registry.KindTranscribe:
		return StageTranscription
	case registry.KindGenerate:
		return StageGeneration
	case registry.KindSynthesize:
		return StageSynthesis
	}
	return ""
}
