package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

// InvoiceStore implements domain.InvoiceStore using PostgreSQL.
type InvoiceStore struct {
	pool *pgxpool.Pool
}

// NewInvoiceStore creates a new InvoiceStore backed by the given connection pool.
func NewInvoiceStore(pool *pgxpool.Pool) *InvoiceStore {
	return &InvoiceStore{pool: pool}
}

const invoiceColumns = `
	id, chain, expected_amount::TEXT, customer, description, status,
	payment_address, baseline_balance::TEXT, observed_balance::TEXT,
	created_at, expires_at, paid_at, swept_at, sweep_tx_id`

func scanInvoice(row pgx.Row) (domain.Invoice, error) {
	var (
		inv                          domain.Invoice
		chain, status                string
		expected, baseline, observed string
	)
	if err := row.Scan(
		&inv.ID, &chain, &expected, &inv.Customer, &inv.Description, &status,
		&inv.PaymentAddress, &baseline, &observed,
		&inv.CreatedAt, &inv.ExpiresAt, &inv.PaidAt, &inv.SweptAt, &inv.SweepTxID,
	); err != nil {
		return domain.Invoice{}, err
	}
	inv.Chain = domain.Chain(chain)
	inv.Status = domain.InvoiceStatus(status)
	for _, f := range []struct {
		text string
		dst  *decimal.Decimal
	}{
		{expected, &inv.ExpectedAmount},
		{baseline, &inv.BaselineBalance},
		{observed, &inv.ObservedBalance},
	} {
		d, err := decimal.NewFromString(f.text)
		if err != nil {
			return domain.Invoice{}, fmt.Errorf("decode amount of invoice %s: %w", inv.ID, err)
		}
		*f.dst = d
	}
	return inv, nil
}

func (s *InvoiceStore) Create(ctx context.Context, inv domain.Invoice) error {
	if inv.ID == "" {
		return fmt.Errorf("postgres: create invoice: %w: id is required", domain.ErrInvalidInvoice)
	}
	const query = `
		INSERT INTO invoices (
			id, chain, expected_amount, customer, description, status,
			payment_address, baseline_balance, observed_balance,
			created_at, expires_at, paid_at, swept_at, sweep_tx_id
		) VALUES (
			$1, $2, $3::NUMERIC, $4, $5, $6,
			$7, $8::NUMERIC, $9::NUMERIC,
			$10, $11, $12, $13, $14
		)`
	_, err := s.pool.Exec(ctx, query,
		inv.ID, string(inv.Chain), inv.ExpectedAmount.String(), inv.Customer, inv.Description, string(inv.Status),
		inv.PaymentAddress, inv.BaselineBalance.String(), inv.ObservedBalance.String(),
		inv.CreatedAt, inv.ExpiresAt, inv.PaidAt, inv.SweptAt, inv.SweepTxID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create invoice %s: %w", inv.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create invoice %s: %w", inv.ID, err)
	}
	return nil
}

func (s *InvoiceStore) Get(ctx context.Context, id string) (domain.Invoice, error) {
	inv, err := scanInvoice(s.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Invoice{}, domain.ErrNotFound
		}
		return domain.Invoice{}, fmt.Errorf("postgres: get invoice %s: %w", id, err)
	}
	return inv, nil
}

// List returns matching invoices, newest first.
func (s *InvoiceStore) List(ctx context.Context, f domain.InvoiceFilter) ([]domain.Invoice, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	const query = `
		SELECT ` + invoiceColumns + `
		FROM invoices
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR customer = $2)
		ORDER BY created_at DESC, id
		LIMIT NULLIF($3, -1)`
	rows, err := s.pool.Query(ctx, query, string(f.Status), f.Customer, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list invoices: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Invoice, 0)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan invoice: %w", err)
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list invoices: %w", err)
	}
	return out, nil
}

// Advance checks and applies a forward transition while holding the row lock.
func (s *InvoiceStore) Advance(ctx context.Context, id string, to domain.InvoiceStatus, upd domain.InvoiceUpdate) (domain.Invoice, error) {
	var out domain.Invoice
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		inv, err := scanInvoice(tx.QueryRow(ctx,
			`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("postgres: advance invoice %s: %w", id, err)
		}
		if err := domain.CheckInvoiceAdvance(inv.Status, to); err != nil {
			return fmt.Errorf("postgres: advance invoice %s: %w", id, err)
		}
		out = inv.Apply(to, upd)

		const query = `
			UPDATE invoices SET
				status           = $2,
				observed_balance = $3::NUMERIC,
				paid_at          = $4,
				swept_at         = $5,
				sweep_tx_id      = $6
			WHERE id = $1`
		if _, err := tx.Exec(ctx, query,
			id, string(out.Status), out.ObservedBalance.String(), out.PaidAt, out.SweptAt, out.SweepTxID,
		); err != nil {
			return fmt.Errorf("postgres: advance invoice %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return domain.Invoice{}, err
	}
	return out, nil
}

var _ domain.InvoiceStore = (*InvoiceStore)(nil)
