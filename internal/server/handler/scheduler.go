package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/chainbot/internal/domain"
	"github.com/alanyoungcy/chainbot/internal/scheduler"
)

// SchedulerControl is the scheduler surface the API exposes.
type SchedulerControl interface {
	Status() scheduler.Status
	Start(ctx context.Context, cfg scheduler.Config) error
	Stop(ctx context.Context) error
	RunOnce(ctx context.Context) (domain.CycleReport, error)
}

// SchedulerHandler starts, stops and triggers the scheduler.
type SchedulerHandler struct {
	sched    SchedulerControl
	defaults scheduler.Config
	logger   *slog.Logger
}

// NewSchedulerHandler creates a SchedulerHandler. defaults is used for
// fields a start request leaves unset.
func NewSchedulerHandler(sched SchedulerControl, defaults scheduler.Config, logger *slog.Logger) *SchedulerHandler {
	return &SchedulerHandler{sched: sched, defaults: defaults, logger: logHandler(logger, "scheduler")}
}

type startRequest struct {
	Interval           string `json:"interval"`
	MaxConcurrentRules int    `json:"max_concurrent_rules"`
}

// GetScheduler
// GET /api/scheduler
func (h *SchedulerHandler) GetScheduler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.Status())
}

// Start begins the cycle loop. The body is optional.
// POST /api/scheduler/start
func (h *SchedulerHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg := h.defaults
	if req.Interval != "" {
		d, err := time.ParseDuration(req.Interval)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "interval must be a positive duration")
			return
		}
		cfg.Interval = d
	}
	if req.MaxConcurrentRules > 0 {
		cfg.MaxConcurrentRules = req.MaxConcurrentRules
	}

	// The loop outlives the request.
	if err := h.sched.Start(context.WithoutCancel(r.Context()), cfg); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.sched.Status())
}

// Stop halts the loop after any in-flight cycle.
// POST /api/scheduler/stop
func (h *SchedulerHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.Stop(r.Context()); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.sched.Status())
}

// RunOnce runs a single cycle and returns its report.
// POST /api/scheduler/run
func (h *SchedulerHandler) RunOnce(w http.ResponseWriter, r *http.Request) {
	report, err := h.sched.RunOnce(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
