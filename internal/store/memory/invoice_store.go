package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

// InvoiceStore implements domain.InvoiceStore.
type InvoiceStore struct {
	mu       sync.Mutex
	invoices map[string]domain.Invoice
}

// NewInvoiceStore creates an empty InvoiceStore.
func NewInvoiceStore() *InvoiceStore {
	return &InvoiceStore{invoices: make(map[string]domain.Invoice)}
}

func (s *InvoiceStore) Create(_ context.Context, inv domain.Invoice) error {
	if inv.ID == "" {
		return fmt.Errorf("memory: create invoice: %w: id is required", domain.ErrInvalidInvoice)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.invoices[inv.ID]; exists {
		return fmt.Errorf("memory: create invoice %s: %w", inv.ID, domain.ErrAlreadyExists)
	}
	s.invoices[inv.ID] = inv.Clone()
	return nil
}

func (s *InvoiceStore) Get(_ context.Context, id string) (domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return domain.Invoice{}, domain.ErrNotFound
	}
	return inv.Clone(), nil
}

// List returns matching invoices, newest first.
func (s *InvoiceStore) List(_ context.Context, f domain.InvoiceFilter) ([]domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Invoice, 0)
	for _, inv := range s.invoices {
		if f.Status != "" && inv.Status != f.Status {
			continue
		}
		if f.Customer != "" && inv.Customer != f.Customer {
			continue
		}
		out = append(out, inv.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Advance moves an invoice forward. The status check and the write are one
// step under the store lock.
func (s *InvoiceStore) Advance(_ context.Context, id string, to domain.InvoiceStatus, upd domain.InvoiceUpdate) (domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return domain.Invoice{}, domain.ErrNotFound
	}
	if err := domain.CheckInvoiceAdvance(inv.Status, to); err != nil {
		return domain.Invoice{}, fmt.Errorf("memory: advance invoice %s: %w", id, err)
	}
	inv = inv.Apply(to, upd)
	s.invoices[id] = inv.Clone()
	return inv.Clone(), nil
}

var _ domain.InvoiceStore = (*InvoiceStore)(nil)
