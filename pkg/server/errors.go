package server

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/voicegate/pkg/admission"
	"github.com/teslashibe/voicegate/pkg/dialogue"
	"github.com/teslashibe/voicegate/pkg/registry"
)

// Kinds reported outside of a dialogue turn.
const (
	kindAuthentication = "authentication_error"
	kindRateLimited    = "rate_limited"
)

// StatusClientClosed is reported for cancelled requests.
const StatusClientClosed = 499

// errValidation marks request errors found by the handlers themselves.
var errValidation = errors.New("server: invalid request")

func invalid(msg string) error {
	return &requestError{msg: msg}
}

type requestError struct{ msg string }

func (e *requestError) Error() string        { return e.msg }
func (e *requestError) Is(target error) bool { return target == errValidation }

// errorKind maps an error to its HTTP status and stable kind string.
func errorKind(err error) (int, string) {
	switch {
	case admission.IsAuthError(err):
		return fiber.StatusUnauthorized, kindAuthentication
	case errors.Is(err, admission.ErrRateLimited):
		return fiber.StatusTooManyRequests, kindRateLimited
	case errors.Is(err, errValidation):
		return fiber.StatusBadRequest, dialogue.KindValidation
	}

	switch kind := dialogue.ErrorKind(err); kind {
	case dialogue.KindValidation:
		return fiber.StatusBadRequest, kind
	case dialogue.KindServiceUnavailable:
		return fiber.StatusServiceUnavailable, kind
	case dialogue.KindTimeout:
		return fiber.StatusGatewayTimeout, kind
	case dialogue.KindCancelled:
		return StatusClientClosed, kind
	case dialogue.KindStageFailure:
		return fiber.StatusBadGateway, kind
	default:
		return fiber.StatusInternalServerError, dialogue.KindInternal
	}
}

// backendFailure tags a direct backend call as a stage failure unless it is
// already classified.
func backendFailure(stage dialogue.Stage, err error) error {
	if errors.Is(err, registry.ErrServiceUnavailable) || dialogue.IsValidationError(err) {
		return err
	}
	return &dialogue.StageError{Stage: stage, Err: err}
}

// writeError sends the JSON error body for err.
func (s *Server) writeError(c *fiber.Ctx, err error) error {
	status, kind := errorKind(err)

	var limited *admission.RateLimitedError
	if errors.As(err, &limited) {
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(limited.RetryAfterSeconds()))
	}

	body := fiber.Map{"error": kind, "message": err.Error()}
	if stage := dialogue.StageOf(err); stage != "" {
		body["stage"] = string(stage)
	}
	if status >= fiber.StatusInternalServerError {
		s.logger.Warn("request failed", "path", c.Path(), "kind", kind, "error", err)
	}
	return c.Status(status).JSON(body)
}
