package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/kmangutov/vordex/internal/domain"
)

// OracleService reads and, for writable oracles, sets the reference price.
type OracleService interface {
	Price(ctx context.Context) (domain.Amount, error)
	SetPrice(ctx context.Context, price domain.Amount) error
}

// OracleHandler serves the oracle price endpoints.
type OracleHandler struct {
	oracle       OracleService
	adminEnabled bool
	logger       *slog.Logger
}

// NewOracleHandler creates an OracleHandler.
func NewOracleHandler(oracle OracleService, adminEnabled bool, logger *slog.Logger) *OracleHandler {
	return &OracleHandler{
		oracle:       oracle,
		adminEnabled: adminEnabled,
		logger:       logHandler(logger, "oracle"),
	}
}

// PriceBody is both the response of GET and the body of PUT /api/oracle/price.
type PriceBody struct {
	Price domain.Amount `json:"price"`
}

// GetPrice returns the current oracle price.
// GET /api/oracle/price
func (h *OracleHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	price, err := h.oracle.Price(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "get price", err)
		return
	}
	writeJSON(w, http.StatusOK, PriceBody{Price: price})
}

// SetPrice overrides the price of a writable oracle.
// PUT /api/oracle/price
func (h *OracleHandler) SetPrice(w http.ResponseWriter, r *http.Request) {
	if !h.adminEnabled {
		writeError(w, http.StatusForbidden, "admin_disabled", "admin endpoints are disabled")
		return
	}
	var req PriceBody
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if err := h.oracle.SetPrice(r.Context(), req.Price); err != nil {
		writeDomainError(w, r, h.logger, "set price", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}
