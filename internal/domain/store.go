package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// RuleStore persists rules and their execution logs. Status changes are
// checked against the transition table inside the store so that concurrent
// callers cannot both claim the same rule.
type RuleStore interface {
	Add(ctx context.Context, rule Rule) (string, error)
	Get(ctx context.Context, id string) (Rule, error)
	// List returns the rules of owner, or every rule when owner is empty.
	List(ctx context.Context, owner string) ([]Rule, error)
	ListByStatus(ctx context.Context, status RuleStatus) ([]Rule, error)
	UpdateStatus(ctx context.Context, id string, to RuleStatus) error
	// Complete moves an Executing rule to c.Status and records the run.
	Complete(ctx context.Context, id string, c Completion) (Rule, error)
	// Delete removes a rule unless it is Executing. Logs are kept.
	Delete(ctx context.Context, id string) error

	// AppendLog stores entry and returns it with ID and Seq assigned.
	AppendLog(ctx context.Context, entry ExecutionLog) (ExecutionLog, error)
	GetLogs(ctx context.Context, owner string, opts ListOpts) ([]ExecutionLog, error)
	RuleLogs(ctx context.Context, ruleID string) ([]ExecutionLog, error)
	// ListLogsAfter returns logs with ID > afterID in ID order.
	ListLogsAfter(ctx context.Context, afterID int64, limit int) ([]ExecutionLog, error)
}

// InvoiceFilter narrows invoice listings.
type InvoiceFilter struct {
	Status   InvoiceStatus
	Customer string
	Limit    int
}

// InvoiceStore persists invoices. Advance is a forward-only compare-and-set.
type InvoiceStore interface {
	Create(ctx context.Context, inv Invoice) error
	Get(ctx context.Context, id string) (Invoice, error)
	List(ctx context.Context, f InvoiceFilter) ([]Invoice, error)
	Advance(ctx context.Context, id string, to InvoiceStatus, upd InvoiceUpdate) (Invoice, error)
}
