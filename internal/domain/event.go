package domain

import "time"

// Signal bus channels and streams.
const (
	ChannelEvents = "chainbot:events"
	StreamEvents  = "chainbot:events:stream"
)

// Event types.
const (
	EventRuleExecuted   = "rule_executed"
	EventRuleFailed     = "rule_failed"
	EventRulePartial    = "rule_partial"
	EventRuleRecovered  = "rule_recovered"
	EventCycle          = "cycle_completed"
	EventInvoicePaid    = "invoice_paid"
	EventInvoiceSwept   = "invoice_swept"
	EventInvoiceExpired = "invoice_expired"
	EventError          = "error"
)

// Event is published on the signal bus for notifiers and websocket clients.
type Event struct {
	Type      string         `json:"type"`
	RuleID    string         `json:"rule_id,omitempty"`
	InvoiceID string         `json:"invoice_id,omitempty"`
	Message   string         `json:"message"`
	Detail    map[string]any `json:"detail,omitempty"`
	At        time.Time      `json:"at"`
}

// CycleReport summarizes one scheduler cycle.
type CycleReport struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Evaluated int           `json:"evaluated"`
	Triggered int           `json:"triggered"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Unknown   int           `json:"unknown_readings"`
}
