package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/voicegate/pkg/dialogue"
	"github.com/teslashibe/voicegate/pkg/registry"
)

// handleMetrics writes the Prometheus text exposition.
func (s *Server) handleMetrics(c *fiber.Ctx) error {
	var b strings.Builder

	counts := s.orch.Metrics().Counts()
	b.WriteString("# HELP voicegate_turns_total Finished dialogue turns by final state\n")
	b.WriteString("# TYPE voicegate_turns_total counter\n")
	for _, st := range []dialogue.State{dialogue.StateComplete, dialogue.StateErrored, dialogue.StateCancelled} {
		fmt.Fprintf(&b, "voicegate_turns_total{state=%q} %d\n", st.String(), counts[st])
	}

	avg := s.orch.Metrics().Average()
	b.WriteString("\n# HELP voicegate_turn_latency_seconds Average latency over the last completed turns\n")
	b.WriteString("# TYPE voicegate_turn_latency_seconds gauge\n")
	for _, l := range []struct {
		name string
		d    time.Duration
	}{
		{"transcript", avg.Transcript},
		{"first_token", avg.FirstToken},
		{"first_audio", avg.FirstAudio},
		{"total", avg.Total},
	} {
		fmt.Fprintf(&b, "voicegate_turn_latency_seconds{stage=%q} %g\n", l.name, l.d.Seconds())
	}

	stats := s.admission.GetStats()
	fmt.Fprintf(&b, `
# HELP voicegate_admission_admitted_total Requests admitted
# TYPE voicegate_admission_admitted_total counter
voicegate_admission_admitted_total %d

# HELP voicegate_admission_denied_total Requests denied by reason
# TYPE voicegate_admission_denied_total counter
voicegate_admission_denied_total{reason="credential"} %d
voicegate_admission_denied_total{reason="rate_limit"} %d

# HELP voicegate_admission_identities Identities with a token bucket
# TYPE voicegate_admission_identities gauge
voicegate_admission_identities %d

# HELP voicegate_sessions_active Open voice-chat sessions
# TYPE voicegate_sessions_active gauge
voicegate_sessions_active %d

# HELP voicegate_sessions_total Voice-chat sessions opened
# TYPE voicegate_sessions_total counter
voicegate_sessions_total %d
`, stats.Admitted, stats.DeniedAuth, stats.DeniedRate, stats.IdentityKeys,
		s.sessionsActive.Load(), s.sessionsTotal.Load())

	b.WriteString("\n# HELP voicegate_backend_ready Backend readiness (1 ready, 0 not)\n")
	b.WriteString("# TYPE voicegate_backend_ready gauge\n")
	for _, k := range registry.Kinds {
		ready := 0
		if s.registry.IsReady(k) {
			ready = 1
		}
		fmt.Fprintf(&b, "voicegate_backend_ready{kind=%q} %d\n", k.String(), ready)
	}

	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
	return c.SendString(b.String())
}
