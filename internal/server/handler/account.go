package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

// AccountReader performs gateway reads.
type AccountReader interface {
	Read(ctx context.Context, req domain.OperationRequest) (domain.OperationOutcome, error)
	Address(ctx context.Context, chain domain.Chain) (string, error)
}

// AccountHandler exposes the bot's gateway account and addresses.
type AccountHandler struct {
	reader AccountReader
	logger *slog.Logger
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(reader AccountReader, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{reader: reader, logger: logHandler(logger, "account")}
}

// GetAccount returns the gateway account, plus the address on ?chain= when
// given.
// GET /api/account
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	out, err := h.reader.Read(r.Context(), domain.OperationRequest{Chain: domain.ChainNone, Op: domain.OpAccount})
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if !out.Success {
		writeJSON(w, http.StatusBadGateway, out)
		return
	}
	resp := map[string]any{"account": out}

	if c := domain.Chain(r.URL.Query().Get("chain")); c != "" {
		if !c.Valid() {
			writeDomainError(w, r, h.logger, domain.ErrUnsupportedChain)
			return
		}
		addr, err := h.reader.Address(r.Context(), c)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		resp["chain"] = c
		resp["address"] = addr
	}
	writeJSON(w, http.StatusOK, resp)
}
