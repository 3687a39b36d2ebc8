package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/chainbot/internal/domain"
	"github.com/alanyoungcy/chainbot/internal/service"
)

// InvoiceService is the ledger surface the API exposes.
type InvoiceService interface {
	Create(ctx context.Context, req service.CreateInvoiceRequest) (domain.Invoice, error)
	Get(ctx context.Context, id string) (domain.Invoice, error)
	List(ctx context.Context, f domain.InvoiceFilter) ([]domain.Invoice, error)
	CheckPayment(ctx context.Context, id string) (domain.Invoice, error)
	Sweep(ctx context.Context, id string) (domain.OperationOutcome, error)
}

// InvoiceHandler serves the invoice ledger.
type InvoiceHandler struct {
	ledger InvoiceService
	logger *slog.Logger
}

// NewInvoiceHandler creates an InvoiceHandler.
func NewInvoiceHandler(ledger InvoiceService, logger *slog.Logger) *InvoiceHandler {
	return &InvoiceHandler{ledger: ledger, logger: logHandler(logger, "invoices")}
}

type createInvoiceRequest struct {
	Chain          domain.Chain    `json:"chain"`
	ExpectedAmount decimal.Decimal `json:"expected_amount"`
	Customer       string          `json:"customer"`
	Description    string          `json:"description"`
	TTL            string          `json:"ttl"`
}

// ListInvoices filters by ?status=, ?customer= and ?limit=.
// GET /api/invoices
func (h *InvoiceHandler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.InvoiceFilter{
		Status:   domain.InvoiceStatus(q.Get("status")),
		Customer: q.Get("customer"),
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(f.Status)))
		return
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		f.Limit = n
	}
	invoices, err := h.ledger.List(r.Context(), f)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, invoices)
}

// CreateInvoice
// POST /api/invoices
func (h *InvoiceHandler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var body createInvoiceRequest
	if err := decodeJSON(r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := service.CreateInvoiceRequest{
		Chain:          body.Chain,
		ExpectedAmount: body.ExpectedAmount,
		Customer:       body.Customer,
		Description:    body.Description,
	}
	if body.TTL != "" {
		ttl, err := time.ParseDuration(body.TTL)
		if err != nil || ttl <= 0 {
			writeError(w, http.StatusBadRequest, "ttl must be a positive duration such as \"24h\"")
			return
		}
		req.TTL = ttl
	}

	inv, err := h.ledger.Create(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

// GetInvoice
// GET /api/invoices/{id}
func (h *InvoiceHandler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.ledger.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// CheckPayment reads the payment address once and returns the invoice.
// POST /api/invoices/{id}/check
func (h *InvoiceHandler) CheckPayment(w http.ResponseWriter, r *http.Request) {
	inv, err := h.ledger.CheckPayment(r.Context(), r.PathValue("id"))
	if err != nil {
		if errorStatus(err) == http.StatusInternalServerError {
			// Balance unknown: the invoice is unchanged.
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// SweepInvoice sends a paid invoice's funds to the treasury. A rejected
// transfer answers 502 with the outcome; the invoice stays Paid.
// POST /api/invoices/{id}/sweep
func (h *InvoiceHandler) SweepInvoice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	out, err := h.ledger.Sweep(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if !out.Success {
		h.logger.WarnContext(r.Context(), "sweep rejected", slog.String("invoice_id", id), slog.String("error", out.Message))
		writeJSON(w, http.StatusBadGateway, out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
