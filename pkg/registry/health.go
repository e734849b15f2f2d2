package registry

import "time"

// Overall health states.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// ComponentHealth is the cached state of one handle.
type ComponentHealth struct {
	Ready     bool       `json:"ready"`
	LastCheck *time.Time `json:"last_check,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Report is a point-in-time snapshot of every handle.
type Report struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
}

// Health reports cached readiness without calling any backend.
func (r *Registry) Health() Report {
	report := Report{Components: make(map[string]ComponentHealth, len(r.handles))}

	ready := 0
	for _, h := range r.handles {
		c := ComponentHealth{Ready: h.Ready(), Error: h.LastError()}
		if t := h.LastCheck(); !t.IsZero() {
			c.LastCheck = &t
		}
		if c.Ready {
			ready++
		}
		report.Components[h.kind.String()] = c
	}

	switch ready {
	case len(r.handles):
		report.Status = StatusHealthy
	case 0:
		report.Status = StatusUnhealthy
	default:
		report.Status = StatusDegraded
	}
	return report
}
