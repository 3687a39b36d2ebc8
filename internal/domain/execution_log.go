package domain

import "time"

// ExecutionLog is an append-only record of one attempted action of a rule.
type ExecutionLog struct {
	ID             int64             `json:"id"`
	RuleID         string            `json:"rule_id"`
	Seq            int               `json:"seq"`
	Owner          string            `json:"owner"`
	Action         string            `json:"action"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Success        bool              `json:"success"`
	Error          string            `json:"error,omitempty"`
	Result         string            `json:"result,omitempty"`
	Fields         map[string]string `json:"fields,omitempty"`
	ExecutedAt     time.Time         `json:"executed_at"`
}

// LogFromOutcome builds the log entry for one dispatched step.
func LogFromOutcome(rule Rule, action, key string, out OperationOutcome) ExecutionLog {
	entry := ExecutionLog{
		RuleID:         rule.ID,
		Owner:          rule.Owner,
		Action:         action,
		IdempotencyKey: key,
		Success:        out.Success,
		Result:         out.PrimaryIdentifier,
		Fields:         out.RawFields,
		ExecutedAt:     out.CompletedAt,
	}
	if !out.Success {
		entry.Error = out.Message
	}
	if entry.ExecutedAt.IsZero() {
		entry.ExecutedAt = time.Now().UTC()
	}
	return entry
}
