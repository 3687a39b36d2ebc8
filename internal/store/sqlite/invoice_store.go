package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

// InvoiceStore implements domain.InvoiceStore on SQLite.
type InvoiceStore struct {
	db *sql.DB
}

// NewInvoiceStore creates an InvoiceStore on a database returned by Open.
func NewInvoiceStore(db *sql.DB) *InvoiceStore {
	return &InvoiceStore{db: db}
}

const invoiceColumns = `id, chain, expected_amount, customer, description, status, payment_address,
	baseline_balance, observed_balance, created_ns, expires_ns, paid_ns, swept_ns, sweep_tx_id`

func scanInvoice(row scanner) (domain.Invoice, error) {
	var (
		inv                          domain.Invoice
		chain, status                string
		expected, baseline, observed string
		created                      int64
		expires, paid, swept         sql.NullInt64
	)
	if err := row.Scan(&inv.ID, &chain, &expected, &inv.Customer, &inv.Description, &status,
		&inv.PaymentAddress, &baseline, &observed, &created, &expires, &paid, &swept, &inv.SweepTxID); err != nil {
		return domain.Invoice{}, err
	}
	inv.Chain = domain.Chain(chain)
	inv.Status = domain.InvoiceStatus(status)
	inv.CreatedAt = fromNanos(created)
	inv.ExpiresAt = fromNullNanos(expires)
	inv.PaidAt = fromNullNanos(paid)
	inv.SweptAt = fromNullNanos(swept)

	var err error
	if inv.ExpectedAmount, err = decimal.NewFromString(expected); err != nil {
		return domain.Invoice{}, fmt.Errorf("decode amount of invoice %s: %w", inv.ID, err)
	}
	if inv.BaselineBalance, err = decimal.NewFromString(baseline); err != nil {
		return domain.Invoice{}, fmt.Errorf("decode baseline of invoice %s: %w", inv.ID, err)
	}
	if inv.ObservedBalance, err = decimal.NewFromString(observed); err != nil {
		return domain.Invoice{}, fmt.Errorf("decode observed balance of invoice %s: %w", inv.ID, err)
	}
	return inv, nil
}

func (s *InvoiceStore) Create(ctx context.Context, inv domain.Invoice) error {
	if inv.ID == "" {
		return fmt.Errorf("sqlite: create invoice: %w: id is required", domain.ErrInvalidInvoice)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, string(inv.Chain), inv.ExpectedAmount.String(), inv.Customer, inv.Description,
		string(inv.Status), inv.PaymentAddress, inv.BaselineBalance.String(), inv.ObservedBalance.String(),
		nanos(inv.CreatedAt), nullNanos(inv.ExpiresAt), nullNanos(inv.PaidAt), nullNanos(inv.SweptAt), inv.SweepTxID)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("sqlite: create invoice %s: %w", inv.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("sqlite: create invoice %s: %w", inv.ID, err)
	}
	return nil
}

func (s *InvoiceStore) Get(ctx context.Context, id string) (domain.Invoice, error) {
	inv, err := scanInvoice(s.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Invoice{}, domain.ErrNotFound
		}
		return domain.Invoice{}, fmt.Errorf("sqlite: get invoice %s: %w", id, err)
	}
	return inv, nil
}

// List returns matching invoices, newest first.
func (s *InvoiceStore) List(ctx context.Context, f domain.InvoiceFilter) ([]domain.Invoice, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE (? = '' OR status = ?) AND (? = '' OR customer = ?)
		ORDER BY created_ns DESC, id LIMIT ?`,
		string(f.Status), string(f.Status), f.Customer, f.Customer, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list invoices: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Invoice, 0)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan invoice: %w", err)
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list invoices: %w", err)
	}
	return out, nil
}

func (s *InvoiceStore) Advance(ctx context.Context, id string, to domain.InvoiceStatus, upd domain.InvoiceUpdate) (domain.Invoice, error) {
	var out domain.Invoice
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		inv, err := scanInvoice(tx.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("sqlite: advance invoice %s: %w", id, err)
		}
		if err := domain.CheckInvoiceAdvance(inv.Status, to); err != nil {
			return fmt.Errorf("sqlite: advance invoice %s: %w", id, err)
		}
		out = inv.Apply(to, upd)
		if _, err := tx.ExecContext(ctx, `
			UPDATE invoices SET status = ?, observed_balance = ?, paid_ns = ?, swept_ns = ?, sweep_tx_id = ?
			WHERE id = ?`,
			string(out.Status), out.ObservedBalance.String(), nullNanos(out.PaidAt), nullNanos(out.SweptAt),
			out.SweepTxID, id); err != nil {
			return fmt.Errorf("sqlite: advance invoice %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return domain.Invoice{}, err
	}
	return out, nil
}

var _ domain.InvoiceStore = (*InvoiceStore)(nil)
