package handler

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

// RuleHandler serves rule CRUD, status changes and execution logs.
type RuleHandler struct {
	rules  domain.RuleStore
	logger *slog.Logger
}

// NewRuleHandler creates a RuleHandler.
func NewRuleHandler(rules domain.RuleStore, logger *slog.Logger) *RuleHandler {
	return &RuleHandler{rules: rules, logger: logHandler(logger, "rules")}
}

// ListRules returns the rules of ?owner=, or all rules.
// GET /api/rules
func (h *RuleHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.rules.List(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if status := domain.RuleStatus(r.URL.Query().Get("status")); status != "" {
		filtered := rules[:0]
		for _, rule := range rules {
			if rule.Status == status {
				filtered = append(filtered, rule)
			}
		}
		rules = filtered
	}
	writeJSON(w, http.StatusOK, rules)
}

// CreateRule stores a new rule in Draft. Server-managed fields in the body
// are ignored.
// POST /api/rules
func (h *RuleHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.Rule
	if err := decodeJSON(r, &rule, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if rule.Owner == "" {
		writeError(w, http.StatusUnprocessableEntity, "owner is required")
		return
	}
	rule.ID = ""
	rule.Status = domain.RuleDraft
	rule.ExecutedIntervals = 0
	rule.LastRunAt = nil

	id, err := h.rules.Add(r.Context(), rule)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	created, err := h.rules.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	h.logger.InfoContext(r.Context(), "rule created",
		slog.String("rule_id", id),
		slog.String("kind", string(created.Kind)),
		slog.String("owner", created.Owner),
	)
	writeJSON(w, http.StatusCreated, created)
}

// GetRule
// GET /api/rules/{id}
func (h *RuleHandler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rules.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// DeleteRule removes a rule that is not executing.
// DELETE /api/rules/{id}
func (h *RuleHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.rules.Delete(r.Context(), id); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	h.logger.InfoContext(r.Context(), "rule deleted", slog.String("rule_id", id))
	w.WriteHeader(http.StatusNoContent)
}

type statusRequest struct {
	Status domain.RuleStatus `json:"status"`
}

// UpdateStatus moves a rule along the transition table. Executing and
// Executed are reserved for the scheduler.
// PUT /api/rules/{id}/status
func (h *RuleHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Status.Valid() {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("unknown status %q", req.Status))
		return
	}
	if req.Status == domain.RuleExecuting || req.Status == domain.RuleExecuted {
		writeDomainError(w, r, h.logger, fmt.Errorf("%w: %s is set by the scheduler", domain.ErrInvalidTransition, req.Status))
		return
	}

	id := r.PathValue("id")
	if err := h.rules.UpdateStatus(r.Context(), id, req.Status); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	rule, err := h.rules.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	h.logger.InfoContext(r.Context(), "rule status changed", slog.String("rule_id", id), slog.String("status", string(rule.Status)))
	writeJSON(w, http.StatusOK, rule)
}

// RuleLogs returns the execution logs of one rule in seq order.
// GET /api/rules/{id}/logs
func (h *RuleHandler) RuleLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.rules.Get(r.Context(), id); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	logs, err := h.rules.RuleLogs(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// ListLogs returns the logs of ?owner= (all owners when empty), newest
// first, paginated by limit and offset.
// GET /api/logs
func (h *RuleHandler) ListLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.rules.GetLogs(r.Context(), r.URL.Query().Get("owner"), parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}
