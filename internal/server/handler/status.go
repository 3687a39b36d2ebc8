package handler

import (
	"net/http"
	"time"
)

// StatusHandler reports the run mode and scheduler state.
type StatusHandler struct {
	mode      string
	backend   string
	startedAt time.Time
	sched     SchedulerControl
}

// NewStatusHandler creates a StatusHandler. sched may be nil when the
// process does not run a scheduler.
func NewStatusHandler(mode, backend string, sched SchedulerControl) *StatusHandler {
	return &StatusHandler{mode: mode, backend: backend, startedAt: time.Now().UTC(), sched: sched}
}

// GetStatus
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{
		"mode":           h.mode,
		"store":          h.backend,
		"started_at":     h.startedAt,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	}
	if h.sched != nil {
		out["scheduler"] = h.sched.Status()
	}
	writeJSON(w, http.StatusOK, out)
}
