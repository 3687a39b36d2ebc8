package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

// InvoiceWatcher polls Pending invoices for payment and, when enabled,
// sweeps Paid ones.
type InvoiceWatcher struct {
	ledger    *InvoiceLedger
	pollDur   time.Duration
	autoSweep bool
	logger    *slog.Logger
}

// NewInvoiceWatcher creates an InvoiceWatcher. pollInterval is how often
// pending invoices are checked.
func NewInvoiceWatcher(ledger *InvoiceLedger, pollInterval time.Duration, autoSweep bool, logger *slog.Logger) *InvoiceWatcher {
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	return &InvoiceWatcher{
		ledger:    ledger,
		pollDur:   pollInterval,
		autoSweep: autoSweep,
		logger:    logger.With(slog.String("component", "invoice_watcher")),
	}
}

// Run polls until ctx is cancelled. Call in a goroutine.
func (w *InvoiceWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollDur)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Poll(ctx); err != nil {
				w.logger.ErrorContext(ctx, "invoice poll failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Poll checks every Pending invoice once and sweeps Paid ones when auto
// sweep is on. Per-invoice failures are logged and do not stop the pass.
func (w *InvoiceWatcher) Poll(ctx context.Context) error {
	pending, err := w.ledger.List(ctx, domain.InvoiceFilter{Status: domain.InvoicePending})
	if err != nil {
		return err
	}
	for _, inv := range pending {
		if _, err := w.ledger.CheckPayment(ctx, inv.ID); err != nil {
			w.logger.DebugContext(ctx, "invoice check failed", slog.String("invoice_id", inv.ID), slog.String("error", err.Error()))
		}
	}

	if !w.autoSweep {
		return nil
	}
	paid, err := w.ledger.List(ctx, domain.InvoiceFilter{Status: domain.InvoicePaid})
	if err != nil {
		return err
	}
	for _, inv := range paid {
		out, err := w.ledger.Sweep(ctx, inv.ID)
		if err != nil {
			w.logger.WarnContext(ctx, "auto sweep failed", slog.String("invoice_id", inv.ID), slog.String("error", err.Error()))
			continue
		}
		if !out.Success {
			w.logger.WarnContext(ctx, "auto sweep rejected", slog.String("invoice_id", inv.ID), slog.String("error", out.Message))
		}
	}
	return nil
}
