package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

// PriceHandler lets an external feeder publish asset prices.
type PriceHandler struct {
	prices domain.PriceCache
	logger *slog.Logger
}

// NewPriceHandler creates a PriceHandler.
func NewPriceHandler(prices domain.PriceCache, logger *slog.Logger) *PriceHandler {
	return &PriceHandler{prices: prices, logger: logHandler(logger, "prices")}
}

type priceBody struct {
	Price decimal.Decimal `json:"price"`
	At    *time.Time      `json:"at,omitempty"`
}

// SetPrice stores the USD price of an asset.
// PUT /api/prices/{asset}
func (h *PriceHandler) SetPrice(w http.ResponseWriter, r *http.Request) {
	asset := domain.NormalizeAsset(r.PathValue("asset"))
	var body priceBody
	if err := decodeJSON(r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !body.Price.IsPositive() {
		writeError(w, http.StatusUnprocessableEntity, "price must be > 0")
		return
	}
	at := time.Now().UTC()
	if body.At != nil {
		at = body.At.UTC()
	}
	if err := h.prices.SetPrice(r.Context(), asset, body.Price, at); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"asset": asset, "price": body.Price, "at": at})
}

// GetPrice
// GET /api/prices/{asset}
func (h *PriceHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	asset := domain.NormalizeAsset(r.PathValue("asset"))
	price, at, err := h.prices.Price(r.Context(), asset)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"asset": asset, "price": price, "at": at})
}
