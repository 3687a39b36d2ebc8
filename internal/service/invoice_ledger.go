package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/chainbot/internal/domain"
	"github.com/alanyoungcy/chainbot/internal/notify"
	"github.com/alanyoungcy/chainbot/internal/telemetry"
)

// DetectionMode selects how a payment is recognised at the invoice address.
type DetectionMode string

const (
	// DetectDelta compares the balance gained since the invoice was created.
	DetectDelta DetectionMode = "delta"
	// DetectAbsolute compares the total balance at the address.
	DetectAbsolute DetectionMode = "absolute"
)

// BalanceReader is the read side the ledger needs from the snapshot reader.
type BalanceReader interface {
	Balance(ctx context.Context, chain domain.Chain, asset string) domain.Reading
	Address(ctx context.Context, chain domain.Chain) (string, error)
}

// Dispatcher issues the sweep transfer.
type Dispatcher interface {
	Dispatch(ctx context.Context, req domain.OperationRequest) (domain.OperationOutcome, error)
}

// LedgerConfig holds per-chain sweep settings. Amounts are in smallest units.
type LedgerConfig struct {
	Detection DetectionMode
	Reserves  map[domain.Chain]decimal.Decimal
	Treasury  map[domain.Chain]string
	// TTL is the default lifetime of a new invoice; zero means no expiry.
	TTL     time.Duration
	LockTTL time.Duration
}

// CreateInvoiceRequest is the input of InvoiceLedger.Create.
type CreateInvoiceRequest struct {
	Chain          domain.Chain    `json:"chain"`
	ExpectedAmount decimal.Decimal `json:"expected_amount"`
	Customer       string          `json:"customer"`
	Description    string          `json:"description"`
	TTL            time.Duration   `json:"-"`
}

// InvoiceLedger creates invoices, detects their payment and sweeps paid
// funds to the chain treasury.
type InvoiceLedger struct {
	invoices   domain.InvoiceStore
	reader     BalanceReader
	dispatcher Dispatcher
	locks      domain.LockManager
	events     *notify.Emitter
	metrics    *telemetry.Metrics
	cfg        LedgerConfig
	now        func() time.Time
	logger     *slog.Logger

	createMu sync.Mutex
}

// NewInvoiceLedger creates an InvoiceLedger. locks, events and metrics may
// be nil.
func NewInvoiceLedger(
	invoices domain.InvoiceStore,
	reader BalanceReader,
	dispatcher Dispatcher,
	locks domain.LockManager,
	events *notify.Emitter,
	metrics *telemetry.Metrics,
	cfg LedgerConfig,
	logger *slog.Logger,
) *InvoiceLedger {
	if cfg.Detection == "" {
		cfg.Detection = DetectDelta
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 3 * time.Minute
	}
	return &InvoiceLedger{
		invoices:   invoices,
		reader:     reader,
		dispatcher: dispatcher,
		locks:      locks,
		events:     events,
		metrics:    metrics,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.With(slog.String("component", "invoice_ledger")),
	}
}

// Reserve returns the amount left behind at the payment address on chain.
func (l *InvoiceLedger) Reserve(chain domain.Chain) decimal.Decimal {
	return l.cfg.Reserves[chain]
}

// SweepAmount is expected minus reserve. ok is false when nothing would be
// left to send.
func SweepAmount(expected, reserve decimal.Decimal) (decimal.Decimal, bool) {
	amt := expected.Sub(reserve)
	return amt, amt.IsPositive()
}

// Create records a Pending invoice payable to the bot's address on the
// chain. In delta mode the current balance becomes the baseline.
//
// All invoices of a chain share one address, so a deposit cannot be told
// apart by invoice. Create refuses a new invoice with domain.ErrAddressInUse
// while another one at the address is Pending or Paid but not yet swept.
func (l *InvoiceLedger) Create(ctx context.Context, req CreateInvoiceRequest) (domain.Invoice, error) {
	if !req.Chain.Valid() {
		return domain.Invoice{}, fmt.Errorf("%w: %w: %q", domain.ErrInvalidInvoice, domain.ErrUnsupportedChain, req.Chain)
	}
	if !req.ExpectedAmount.IsPositive() || !req.ExpectedAmount.Equal(req.ExpectedAmount.Truncate(0)) {
		return domain.Invoice{}, fmt.Errorf("%w: expected amount must be a positive whole number of smallest units", domain.ErrInvalidInvoice)
	}
	if _, ok := SweepAmount(req.ExpectedAmount, l.Reserve(req.Chain)); !ok {
		return domain.Invoice{}, fmt.Errorf("%w: %s reserve %s", domain.ErrReserveTooLarge, req.Chain, l.Reserve(req.Chain))
	}

	addr, err := l.reader.Address(ctx, req.Chain)
	if err != nil {
		return domain.Invoice{}, fmt.Errorf("ledger: payment address: %w", err)
	}

	l.createMu.Lock()
	defer l.createMu.Unlock()
	if l.locks != nil {
		unlock, err := l.locks.Acquire(ctx, addressLockKey(req.Chain, addr), l.cfg.LockTTL)
		if err != nil {
			return domain.Invoice{}, fmt.Errorf("ledger: create invoice: %w", err)
		}
		defer unlock()
	}
	if err := l.ensureAddressFree(ctx, req.Chain, addr); err != nil {
		return domain.Invoice{}, err
	}

	baseline := decimal.Zero
	if l.cfg.Detection == DetectDelta {
		reading := l.reader.Balance(ctx, req.Chain, "")
		if !reading.Known {
			return domain.Invoice{}, fmt.Errorf("ledger: baseline balance on %s: %s", req.Chain, reading.Err)
		}
		baseline = reading.Value
	}

	now := l.now()
	inv := domain.Invoice{
		ID:              uuid.NewString(),
		Chain:           req.Chain,
		ExpectedAmount:  req.ExpectedAmount,
		Customer:        req.Customer,
		Description:     req.Description,
		Status:          domain.InvoicePending,
		PaymentAddress:  addr,
		BaselineBalance: baseline,
		ObservedBalance: baseline,
		CreatedAt:       now,
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = l.cfg.TTL
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		inv.ExpiresAt = &exp
	}

	if err := l.invoices.Create(ctx, inv); err != nil {
		return domain.Invoice{}, fmt.Errorf("ledger: create invoice: %w", err)
	}
	l.metrics.RecordInvoice(ctx, string(inv.Chain), string(inv.Status))
	l.logger.InfoContext(ctx, "invoice created",
		slog.String("invoice_id", inv.ID),
		slog.String("chain", string(inv.Chain)),
		slog.String("expected", inv.ExpectedAmount.String()),
	)
	return inv, nil
}

func addressLockKey(chain domain.Chain, addr string) string {
	return "invoice-address:" + string(chain) + ":" + addr
}

// ensureAddressFree fails with domain.ErrAddressInUse when an open invoice
// on chain is payable to addr. A past-due Pending invoice found on the way is
// expired and no longer counts.
func (l *InvoiceLedger) ensureAddressFree(ctx context.Context, chain domain.Chain, addr string) error {
	for _, status := range []domain.InvoiceStatus{domain.InvoicePending, domain.InvoicePaid} {
		open, err := l.invoices.List(ctx, domain.InvoiceFilter{Status: status})
		if err != nil {
			return fmt.Errorf("ledger: list %s invoices: %w", status, err)
		}
		for _, inv := range open {
			if inv.Chain != chain || inv.PaymentAddress != addr {
				continue
			}
			if inv.Expired(l.now()) {
				_, err := l.Expire(ctx, inv.ID)
				if err == nil {
					continue
				}
				if !errors.Is(err, domain.ErrInvalidTransition) {
					return err
				}
			}
			return fmt.Errorf("%w: invoice %s is %s at %s", domain.ErrAddressInUse, inv.ID, inv.Status, addr)
		}
	}
	return nil
}

// Get returns one invoice.
func (l *InvoiceLedger) Get(ctx context.Context, id string) (domain.Invoice, error) {
	return l.invoices.Get(ctx, id)
}

// List returns invoices matching f, newest first.
func (l *InvoiceLedger) List(ctx context.Context, f domain.InvoiceFilter) ([]domain.Invoice, error) {
	return l.invoices.List(ctx, f)
}

// CheckPayment reads the balance at the invoice address and marks the
// invoice Paid once the detected amount covers the expected amount. An
// invoice that is no longer Pending is returned as is; a past-due one is
// expired instead.
func (l *InvoiceLedger) CheckPayment(ctx context.Context, id string) (domain.Invoice, error) {
	inv, err := l.invoices.Get(ctx, id)
	if err != nil {
		return domain.Invoice{}, err
	}
	if inv.Status != domain.InvoicePending {
		return inv, nil
	}
	if inv.Expired(l.now()) {
		return l.Expire(ctx, id)
	}

	reading := l.reader.Balance(ctx, inv.Chain, "")
	if !reading.Known {
		return inv, fmt.Errorf("ledger: check invoice %s: balance unknown: %s", id, reading.Err)
	}
	observed := reading.Value
	inv.ObservedBalance = observed

	detected := observed
	if l.cfg.Detection == DetectDelta {
		detected = observed.Sub(inv.BaselineBalance)
	}
	if detected.LessThan(inv.ExpectedAmount) {
		return inv, nil
	}

	paid, err := l.invoices.Advance(ctx, id, domain.InvoicePaid, domain.InvoiceUpdate{At: l.now(), ObservedBalance: &observed})
	if errors.Is(err, domain.ErrInvalidTransition) {
		// A concurrent check got there first.
		return l.invoices.Get(ctx, id)
	}
	if err != nil {
		return inv, fmt.Errorf("ledger: mark invoice %s paid: %w", id, err)
	}

	l.metrics.RecordInvoice(ctx, string(paid.Chain), string(paid.Status))
	l.events.Emit(ctx, domain.Event{
		Type:      domain.EventInvoicePaid,
		InvoiceID: id,
		Message:   fmt.Sprintf("invoice %s paid: %s of %s on %s", id, detected, paid.ExpectedAmount, paid.Chain),
		Detail:    map[string]any{"customer": paid.Customer, "observed": observed.String()},
	})
	l.logger.InfoContext(ctx, "invoice paid",
		slog.String("invoice_id", id),
		slog.String("observed", observed.String()),
		slog.String("detected", detected.String()),
	)
	return paid, nil
}

// Expire moves a Pending invoice to Expired.
func (l *InvoiceLedger) Expire(ctx context.Context, id string) (domain.Invoice, error) {
	inv, err := l.invoices.Advance(ctx, id, domain.InvoiceExpired, domain.InvoiceUpdate{At: l.now()})
	if err != nil {
		return domain.Invoice{}, fmt.Errorf("ledger: expire invoice %s: %w", id, err)
	}
	l.metrics.RecordInvoice(ctx, string(inv.Chain), string(inv.Status))
	l.events.Emit(ctx, domain.Event{
		Type:      domain.EventInvoiceExpired,
		InvoiceID: id,
		Message:   fmt.Sprintf("invoice %s expired unpaid", id),
	})
	l.logger.InfoContext(ctx, "invoice expired", slog.String("invoice_id", id))
	return inv, nil
}

// SweepKey is the idempotency key of an invoice sweep.
func SweepKey(id string) string { return "sweep:" + id }

// Sweep sends expected minus reserve from a Paid invoice to the chain's
// treasury and marks it Swept. A failed send leaves the invoice Paid for a
// retry; sweeping a Swept invoice returns domain.ErrAlreadySwept. The
// idempotency key makes a retry after an unrecorded success replay the
// earlier transfer instead of sending again.
func (l *InvoiceLedger) Sweep(ctx context.Context, id string) (domain.OperationOutcome, error) {
	if l.locks != nil {
		unlock, err := l.locks.Acquire(ctx, "invoice:"+id, l.cfg.LockTTL)
		if err != nil {
			return domain.OperationOutcome{}, fmt.Errorf("ledger: sweep %s: %w", id, err)
		}
		defer unlock()
	}

	inv, err := l.invoices.Get(ctx, id)
	if err != nil {
		return domain.OperationOutcome{}, err
	}
	switch inv.Status {
	case domain.InvoicePaid:
	case domain.InvoiceSwept:
		return domain.OperationOutcome{}, domain.ErrAlreadySwept
	default:
		return domain.OperationOutcome{}, fmt.Errorf("%w: status is %s", domain.ErrInvoiceNotPaid, inv.Status)
	}

	treasury := l.cfg.Treasury[inv.Chain]
	if treasury == "" {
		return domain.OperationOutcome{}, fmt.Errorf("%w: %s", domain.ErrNoTreasury, inv.Chain)
	}
	amount, ok := SweepAmount(inv.ExpectedAmount, l.Reserve(inv.Chain))
	if !ok {
		return domain.OperationOutcome{}, fmt.Errorf("%w: %s reserve %s", domain.ErrReserveTooLarge, inv.Chain, l.Reserve(inv.Chain))
	}

	req := domain.OperationRequest{
		Chain: inv.Chain,
		Op:    domain.OpSend,
		Params: map[string]string{
			domain.ParamTo:     treasury,
			domain.ParamAmount: amount.String(),
		},
		IdempotencyKey: SweepKey(id),
	}
	out, err := l.dispatcher.Dispatch(ctx, req)
	if err != nil {
		return domain.OperationOutcome{}, fmt.Errorf("ledger: sweep %s: %w", id, err)
	}
	if !out.Success {
		l.logger.WarnContext(ctx, "sweep failed",
			slog.String("invoice_id", id),
			slog.String("error", out.Message),
		)
		return out, nil
	}

	swept, err := l.invoices.Advance(ctx, id, domain.InvoiceSwept, domain.InvoiceUpdate{At: l.now(), SweepTxID: out.PrimaryIdentifier})
	if err != nil {
		l.logger.ErrorContext(ctx, "sweep sent but not recorded",
			slog.String("invoice_id", id),
			slog.String("tx", out.PrimaryIdentifier),
			slog.String("error", err.Error()),
		)
		return out, fmt.Errorf("ledger: mark invoice %s swept: %w", id, err)
	}

	l.metrics.RecordInvoice(ctx, string(swept.Chain), string(swept.Status))
	l.events.Emit(ctx, domain.Event{
		Type:      domain.EventInvoiceSwept,
		InvoiceID: id,
		Message:   fmt.Sprintf("invoice %s swept: %s to %s", id, amount, treasury),
		Detail:    map[string]any{"tx": out.PrimaryIdentifier, "amount": amount.String()},
	})
	l.logger.InfoContext(ctx, "invoice swept",
		slog.String("invoice_id", id),
		slog.String("amount", amount.String()),
		slog.String("tx", out.PrimaryIdentifier),
		slog.Bool("replayed", out.Replayed),
	)
	return out, nil
}
