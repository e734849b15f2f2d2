package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/voicegate/pkg/dialogue"
	"github.com/teslashibe/voicegate/pkg/inference"
	"github.com/teslashibe/voicegate/pkg/protocol"
	"github.com/teslashibe/voicegate/pkg/registry"
	"github.com/teslashibe/voicegate/pkg/stt"
	"github.com/teslashibe/voicegate/pkg/tts"
)

func (s *Server) handleHealth(c *fiber.Ctx) error {
	report := s.registry.Health()
	status := fiber.StatusOK
	if report.Status == registry.StatusUnhealthy {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{
		"status":     report.Status,
		"version":    s.config.Version,
		"components": report.Components,
	})
}

func (s *Server) handleLive(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "alive"})
}

// handleReady answers 200 only when every backend is ready.
func (s *Server) handleReady(c *fiber.Ctx) error {
	body := fiber.Map{}
	ready := true
	for _, kind := range registry.Kinds {
		ok := s.registry.IsReady(kind)
		body[componentNames[kind]] = ok
		ready = ready && ok
	}
	body["ready"] = ready
	if !ready {
		c.Status(fiber.StatusServiceUnavailable)
	}
	return c.JSON(body)
}

// componentNames are the public names of the backends under /health.
var componentNames = map[registry.Kind]string{
	registry.KindTranscribe: "stt",
	registry.KindGenerate:   "llm",
	registry.KindSynthesize: "tts",
}

// lookupComponent accepts the public name or the kind name.
func lookupComponent(name string) (registry.Kind, bool) {
	for kind, public := range componentNames {
		if name == public || name == kind.String() {
			return kind, true
		}
	}
	return 0, false
}

func (s *Server) handleComponentHealth(c *fiber.Ctx) error {
	name := c.Params("component")
	kind, ok := lookupComponent(name)
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, fmt.Sprintf("unknown component %q", name))
	}
	h := s.registry.Get(kind)
	health := registry.ComponentHealth{Ready: h.Ready(), Error: h.LastError()}
	if t := h.LastCheck(); !t.IsZero() {
		health.LastCheck = &t
	}

	status, code := registry.StatusHealthy, fiber.StatusOK
	if !health.Ready {
		status, code = registry.StatusUnhealthy, fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"component":  componentNames[kind],
		"kind":       kind.String(),
		"status":     status,
		"configured": h.Configured(),
		"ready":      health.Ready,
		"last_check": health.LastCheck,
		"error":      health.Error,
	})
}

// modelInfo is one entry of /v1/models.
type modelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
	Kind    string `json:"kind"`
	Ready   bool   `json:"ready"`
}

func (s *Server) models() []modelInfo {
	entries := []struct {
		kind registry.Kind
		id   string
	}{
		{registry.KindTranscribe, s.config.Models.Transcribe},
		{registry.KindGenerate, s.config.Models.Generate},
		{registry.KindSynthesize, s.config.Models.Synthesize},
	}
	models := make([]modelInfo, 0, len(entries))
	for _, e := range entries {
		if e.id == "" {
			continue
		}
		models = append(models, modelInfo{
			ID:      e.id,
			Object:  "model",
			OwnedBy: "voicegate",
			Kind:    e.kind.String(),
			Ready:   s.registry.IsReady(e.kind),
		})
	}
	return models
}

func (s *Server) handleModels(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"object": "list", "data": s.models()})
}

func (s *Server) handleModel(c *fiber.Ctx) error {
	id := c.Params("id")
	for _, m := range s.models() {
		if m.ID == id {
			return c.JSON(m)
		}
	}
	return fiber.NewError(fiber.StatusNotFound, fmt.Sprintf("model %q not found", id))
}

// generateBody is a generation turn. Sampling fields left out keep the
// configured defaults.
type generateBody struct {
	Prompt       string              `json:"prompt"`
	SystemPrompt string              `json:"system_prompt"`
	History      []inference.Message `json:"history"`
	inference.Sampling
}

func (s *Server) parseGenerate(c *fiber.Ctx) (dialogue.Input, error) {
	body := generateBody{Sampling: s.defaultSampling()}
	if err := c.BodyParser(&body); err != nil {
		return dialogue.Input{}, invalid("invalid JSON body: " + err.Error())
	}
	return dialogue.Input{
		Text:         body.Prompt,
		History:      body.History,
		Instructions: body.SystemPrompt,
		Sampling:     body.Sampling,
	}, nil
}

func (s *Server) handleGenerate(c *fiber.Ctx) error {
	in, err := s.parseGenerate(c)
	if err != nil {
		return s.writeError(c, err)
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()
	turn, err := s.orch.Do(ctx, in)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(fiber.Map{
		"turn_id":        turn.ID,
		"generated_text": turn.Response,
		"finish_reason":  turn.FinishReason,
	})
}

func (s *Server) handleGenerateStream(c *fiber.Ctx) error {
	in, err := s.parseGenerate(c)
	if err != nil {
		return s.writeError(c, err)
	}
	in.StreamTokens = true
	return s.streamRun(c, s.orch.Start(s.ctx, in))
}

func (s *Server) handleTranscribe(c *fiber.Ctx) error {
	audio, format, err := s.uploadedAudio(c, true)
	if err != nil {
		return s.writeError(c, err)
	}
	req := &stt.Request{
		Audio:    audio,
		Format:   format,
		Language: c.FormValue("language"),
		Prompt:   c.FormValue("prompt"),
	}
	if v := c.FormValue("temperature"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return s.writeError(c, invalid("temperature must be a number"))
		}
		req.Temperature = t
	}
	if err := req.Validate(); err != nil {
		return s.writeError(c, err)
	}

	p, err := s.registry.Transcriber()
	if err != nil {
		return s.writeError(c, err)
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()
	transcript, err := p.Transcribe(ctx, req)
	if err != nil {
		return s.writeError(c, backendFailure(dialogue.StageTranscription, err))
	}
	return c.JSON(transcript)
}

// synthesisBody is a synthesis request; Stream selects the NDJSON response.
type synthesisBody struct {
	tts.Request
	Stream bool `json:"stream"`
}

func (s *Server) handleSynthesize(c *fiber.Ctx) error {
	var body synthesisBody
	if err := c.BodyParser(&body); err != nil {
		return s.writeError(c, invalid("invalid JSON body: "+err.Error()))
	}
	req := body.Request
	if err := req.Validate(); err != nil {
		return s.writeError(c, err)
	}

	p, err := s.registry.Synthesizer()
	if err != nil {
		return s.writeError(c, err)
	}
	if body.Stream {
		return s.streamSynthesis(c, p, &req)
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()
	result, err := p.Synthesize(ctx, &req)
	if err != nil {
		return s.writeError(c, backendFailure(dialogue.StageSynthesis, err))
	}

	if strings.HasPrefix(c.Get(fiber.HeaderAccept), "audio/") {
		c.Set(fiber.HeaderContentType, result.Format.MediaType())
		c.Set("X-Sample-Rate", strconv.Itoa(result.Format.SampleRate))
		return c.Send(result.Audio)
	}
	return c.JSON(fiber.Map{
		"audio_base64": protocol.EncodeAudio(result.Audio),
		"format":       string(result.Format.Encoding),
		"sample_rate":  result.Format.SampleRate,
		"media_type":   result.Format.MediaType(),
		"attempts":     result.Attempts,
	})
}

func (s *Server) handleEncodeReference(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return s.writeError(c, invalid("multipart field file is required"))
	}
	if fh.Size > tts.MaxReferenceBytes {
		return s.writeError(c, fmt.Errorf("%w: %d bytes", tts.ErrReferenceTooLarge, fh.Size))
	}
	audio, err := readUpload(fh)
	if err != nil {
		return s.writeError(c, err)
	}
	if len(audio) == 0 {
		return s.writeError(c, invalid("reference audio is empty"))
	}
	return c.JSON(fiber.Map{
		"reference_base64": protocol.EncodeAudio(audio),
		"bytes":            len(audio),
	})
}

// handleDialogue runs one full turn from a multipart form. The user input is
// either the file field (audio) or the text field.
func (s *Server) handleDialogue(c *fiber.Ctx) error {
	audio, format, err := s.uploadedAudio(c, false)
	if err != nil {
		return s.writeError(c, err)
	}

	in := dialogue.Input{
		Text:         c.FormValue("text"),
		Instructions: c.FormValue("instructions"),
		Voice:        true,
	}
	if len(audio) > 0 {
		in.Audio = &stt.Request{Audio: audio, Format: format, Language: c.FormValue("language")}
	}
	if raw := c.FormValue("history"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &in.History); err != nil {
			return s.writeError(c, invalid("history must be a JSON array of messages"))
		}
	}
	if raw := c.FormValue("generation_config"); raw != "" {
		in.Sampling = s.defaultSampling()
		if err := json.Unmarshal([]byte(raw), &in.Sampling); err != nil {
			return s.writeError(c, invalid("generation_config must be a JSON object"))
		}
	}
	if raw := c.FormValue("synthesis_config"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &in.Synthesis); err != nil {
			return s.writeError(c, invalid("synthesis_config must be a JSON object"))
		}
	}

	stream, err := formBool(c, "stream_audio", false)
	if err != nil {
		return s.writeError(c, err)
	}
	if in.Incremental, err = formBool(c, "incremental", stream); err != nil {
		return s.writeError(c, err)
	}

	if stream {
		in.StreamTokens = true
		return s.streamRun(c, s.orch.Start(s.ctx, in))
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()
	turn, err := s.orch.Do(ctx, in)
	if err != nil {
		return s.writeError(c, err)
	}
	resp := fiber.Map{
		"turn_id":       turn.ID,
		"user_text":     turn.UserText,
		"response_text": turn.Response,
		"audio_base64":  protocol.EncodeAudio(turn.Audio),
		"format":        string(turn.Format.Encoding),
		"sample_rate":   turn.Format.SampleRate,
		"media_type":    turn.Format.MediaType(),
		"latency":       turn.Metrics.FormatLatency(),
	}
	if turn.Transcript != nil {
		resp["transcript"] = turn.Transcript.Text
	}
	return c.JSON(resp)
}

// requestContext bounds a blocking backend call. It ends with the caller's
// context, which middleware may set through SetUserContext, or when the
// server shuts down. fasthttp's RequestCtx is not used: it only reports
// server shutdown, and reports it as already done outside Serve.
func (s *Server) requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(c.UserContext())
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// uploadedAudio reads the multipart file field and derives the container
// format from its extension.
func (s *Server) uploadedAudio(c *fiber.Ctx, required bool) ([]byte, string, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		if required {
			return nil, "", invalid("multipart field file is required")
		}
		return nil, "", nil
	}
	if fh.Size > int64(s.config.MaxUploadBytes) {
		return nil, "", invalid(fmt.Sprintf("upload exceeds %d bytes", s.config.MaxUploadBytes))
	}
	audio, err := readUpload(fh)
	if err != nil {
		return nil, "", err
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(fh.Filename)), ".")
	return audio, format, nil
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, invalid("cannot open upload: " + err.Error())
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, invalid("cannot read upload: " + err.Error())
	}
	return data, nil
}

// defaultSampling is the baseline request bodies are decoded over.
func (s *Server) defaultSampling() inference.Sampling {
	sampling := s.orch.Config().Sampling
	if sampling.IsZero() {
		sampling = inference.DefaultSampling()
	}
	sampling.Stop = append([]string(nil), sampling.Stop...)
	return sampling
}

func formBool(c *fiber.Ctx, key string, def bool) (bool, error) {
	v := c.FormValue(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, invalid(fmt.Sprintf("%s must be true or false", key))
	}
	return b, nil
}
