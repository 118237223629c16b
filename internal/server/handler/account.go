package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kmangutov/vordex/internal/domain"
)

// AccountService defines the custody methods the account handler requires.
type AccountService interface {
	Balances(ctx context.Context, owner common.Address) (map[domain.Asset]domain.Amount, error)
	Deposit(ctx context.Context, owner common.Address, asset domain.Asset, amount domain.Amount) error
	Withdraw(ctx context.Context, owner common.Address, asset domain.Asset, amount domain.Amount) error
}

// AccountHandler serves custody balances and operator funding.
type AccountHandler struct {
	accounts     AccountService
	adminEnabled bool
	logger       *slog.Logger
}

// NewAccountHandler creates an AccountHandler. Deposits and withdrawals are
// only served when adminEnabled is set.
func NewAccountHandler(accounts AccountService, adminEnabled bool, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{
		accounts:     accounts,
		adminEnabled: adminEnabled,
		logger:       logHandler(logger, "account"),
	}
}

// BalancesResponse lists an owner's balance of every custody asset.
type BalancesResponse struct {
	Owner    common.Address                 `json:"owner"`
	Balances map[domain.Asset]domain.Amount `json:"balances"`
}

// TransferRequest is the body of the deposit and withdraw endpoints.
type TransferRequest struct {
	Asset  domain.Asset  `json:"asset"`
	Amount domain.Amount `json:"amount"`
}

// GetBalances returns the custody balances of an address.
// GET /api/accounts/{address}/balances
func (h *AccountHandler) GetBalances(w http.ResponseWriter, r *http.Request) {
	owner, err := parseAddress(pathParam(r, "address"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	bals, err := h.accounts.Balances(r.Context(), owner)
	if err != nil {
		writeDomainError(w, r, h.logger, "balances", err)
		return
	}
	writeJSON(w, http.StatusOK, BalancesResponse{Owner: owner, Balances: bals})
}

// Deposit credits an address from outside custody.
// POST /api/accounts/{address}/deposit
func (h *AccountHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.transfer(w, r, "deposit", h.accounts.Deposit)
}

// Withdraw debits an address out of custody.
// POST /api/accounts/{address}/withdraw
func (h *AccountHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.transfer(w, r, "withdraw", h.accounts.Withdraw)
}

func (h *AccountHandler) transfer(
	w http.ResponseWriter,
	r *http.Request,
	op string,
	fn func(context.Context, common.Address, domain.Asset, domain.Amount) error,
) {
	if !h.adminEnabled {
		writeError(w, http.StatusForbidden, "admin_disabled", "admin endpoints are disabled")
		return
	}
	owner, err := parseAddress(pathParam(r, "address"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	var req TransferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if _, err := domain.ParseAsset(string(req.Asset)); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	if err := fn(r.Context(), owner, req.Asset, req.Amount); err != nil {
		writeDomainError(w, r, h.logger, op, err)
		return
	}
	bals, err := h.accounts.Balances(r.Context(), owner)
	if err != nil {
		writeDomainError(w, r, h.logger, "balances", err)
		return
	}
	writeJSON(w, http.StatusOK, BalancesResponse{Owner: owner, Balances: bals})
}
