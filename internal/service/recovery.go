package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/chainbot/internal/domain"
	"github.com/alanyoungcy/chainbot/internal/notify"
)

// InterruptedMessage is logged for rules found Executing at startup.
const InterruptedMessage = "interrupted by restart"

// RecoverInterrupted fails every rule left Executing by a previous process.
// The interrupted write is never assumed to have succeeded: each rule gets a
// failure log and moves where a failed run would take it, so one-shot rules
// become Failed and repeating rules follow their failure policy. It returns
// the number of rules recovered.
// Run it once at startup, before the scheduler's first cycle.
func RecoverInterrupted(ctx context.Context, rules domain.RuleStore, events *notify.Emitter, logger *slog.Logger) (int, error) {
	logger = logger.With(slog.String("component", "recovery"))
	stuck, err := rules.ListByStatus(ctx, domain.RuleExecuting)
	if err != nil {
		return 0, fmt.Errorf("recovery: list executing rules: %w", err)
	}

	recovered := 0
	for _, r := range stuck {
		if _, err := rules.AppendLog(ctx, domain.ExecutionLog{
			RuleID:     r.ID,
			Owner:      r.Owner,
			Action:     "recover",
			Success:    false,
			Error:      InterruptedMessage,
			ExecutedAt: time.Now().UTC(),
		}); err != nil {
			logger.ErrorContext(ctx, "append recovery log failed", slog.String("rule_id", r.ID), slog.String("error", err.Error()))
			continue
		}
		next := r.StatusAfterFailure()
		if _, err := rules.Complete(ctx, r.ID, domain.Completion{Status: next}); err != nil {
			logger.ErrorContext(ctx, "fail interrupted rule failed", slog.String("rule_id", r.ID), slog.String("error", err.Error()))
			continue
		}
		recovered++
		events.Emit(ctx, domain.Event{
			Type:    domain.EventRuleRecovered,
			RuleID:  r.ID,
			Message: fmt.Sprintf("%s rule %s %s", r.Kind, r.ID, InterruptedMessage),
		})
		logger.WarnContext(ctx, "rule failed after restart",
			slog.String("rule_id", r.ID),
			slog.String("kind", string(r.Kind)),
			slog.String("status", string(next)),
		)
	}
	return recovered, nil
}
