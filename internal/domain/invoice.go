package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceStatus is the lifecycle state of an invoice. It only moves forward.
type InvoiceStatus string

const (
	InvoicePending InvoiceStatus = "pending"
	InvoicePaid    InvoiceStatus = "paid"
	InvoiceExpired InvoiceStatus = "expired"
	InvoiceSwept   InvoiceStatus = "swept"
)

var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoicePending: {InvoicePaid, InvoiceExpired},
	InvoicePaid:    {InvoiceSwept},
	InvoiceExpired: nil,
	InvoiceSwept:   nil,
}

// Valid reports whether s is a known invoice status.
func (s InvoiceStatus) Valid() bool {
	_, ok := invoiceTransitions[s]
	return ok
}

// CheckInvoiceAdvance returns ErrInvalidTransition unless from -> to is a
// forward step. A second sweep gets ErrAlreadySwept.
func CheckInvoiceAdvance(from, to InvoiceStatus) error {
	if from == InvoiceSwept && to == InvoiceSwept {
		return ErrAlreadySwept
	}
	for _, next := range invoiceTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: invoice %s -> %s", ErrInvalidTransition, from, to)
}

// Invoice is a payment expectation at a chain address.
type Invoice struct {
	ID              string          `json:"id"`
	Chain           Chain           `json:"chain"`
	ExpectedAmount  decimal.Decimal `json:"expected_amount"`
	Customer        string          `json:"customer"`
	Description     string          `json:"description"`
	Status          InvoiceStatus   `json:"status"`
	PaymentAddress  string          `json:"payment_address"`
	BaselineBalance decimal.Decimal `json:"baseline_balance"`
	ObservedBalance decimal.Decimal `json:"observed_balance"`
	CreatedAt       time.Time       `json:"created_at"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	PaidAt          *time.Time      `json:"paid_at,omitempty"`
	SweptAt         *time.Time      `json:"swept_at,omitempty"`
	SweepTxID       string          `json:"sweep_tx_id,omitempty"`
}

// Expired reports whether a pending invoice is past its deadline.
func (inv Invoice) Expired(now time.Time) bool {
	return inv.Status == InvoicePending && inv.ExpiresAt != nil && !now.Before(*inv.ExpiresAt)
}

// InvoiceUpdate carries the fields stamped by a forward transition.
type InvoiceUpdate struct {
	At              time.Time
	ObservedBalance *decimal.Decimal
	SweepTxID       string
}

// Apply advances inv to status to with the update applied. It does not check
// the transition; callers use CheckInvoiceAdvance first.
func (inv Invoice) Apply(to InvoiceStatus, upd InvoiceUpdate) Invoice {
	at := upd.At
	inv.Status = to
	if upd.ObservedBalance != nil {
		inv.ObservedBalance = *upd.ObservedBalance
	}
	switch to {
	case InvoicePaid:
		inv.PaidAt = &at
	case InvoiceSwept:
		inv.SweptAt = &at
		inv.SweepTxID = upd.SweepTxID
	}
	return inv
}

// Clone returns a deep copy.
func (inv Invoice) Clone() Invoice {
	out := inv
	for _, p := range []**time.Time{&out.ExpiresAt, &out.PaidAt, &out.SweptAt} {
		if *p != nil {
			t := **p
			*p = &t
		}
	}
	return out
}
