package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kmangutov/vordex/internal/domain"
	"github.com/kmangutov/vordex/internal/settlement"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	Create(ctx context.Context, caller common.Address, p settlement.CreateParams) (domain.Position, error)
	Lock(ctx context.Context, caller common.Address, id domain.PositionID, premium domain.Amount) (domain.Position, error)
	Exercise(ctx context.Context, caller common.Address, id domain.PositionID) (domain.Position, domain.Amount, error)
	Expire(ctx context.Context, caller common.Address, id domain.PositionID) (domain.Position, error)
	Get(ctx context.Context, id domain.PositionID) (domain.Position, error)
	List(ctx context.Context, filter domain.PositionFilter) ([]domain.Position, error)
}

// PositionHandler serves the position lifecycle endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logHandler(logger, "position"),
	}
}

// CreatePositionRequest is the body of POST /api/positions.
type CreatePositionRequest struct {
	StrikePrice      domain.Amount `json:"strike_price"`
	Expiry           time.Time     `json:"expiry"`
	CollateralAmount domain.Amount `json:"collateral_amount"`
}

// LockPositionRequest is the body of POST /api/positions/{id}/lock.
type LockPositionRequest struct {
	PremiumAmount domain.Amount `json:"premium_amount"`
}

// ExerciseResponse reports the settled position and the oracle price used.
type ExerciseResponse struct {
	Position domain.Position `json:"position"`
	Price    domain.Amount   `json:"price"`
}

// ListPositionsResponse wraps the list positions response.
type ListPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// CreatePosition escrows the caller's collateral into a new position.
// POST /api/positions
func (h *PositionHandler) CreatePosition(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req CreatePositionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	pos, err := h.positions.Create(r.Context(), caller, settlement.CreateParams{
		StrikePrice:      req.StrikePrice,
		Expiry:           req.Expiry,
		CollateralAmount: req.CollateralAmount,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "create position", err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// LockPosition buys a created position for the premium.
// POST /api/positions/{id}/lock
func (h *PositionHandler) LockPosition(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathPositionID(w, r)
	if !ok {
		return
	}
	var req LockPositionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	pos, err := h.positions.Lock(r.Context(), caller, id, req.PremiumAmount)
	if err != nil {
		writeDomainError(w, r, h.logger, "lock position", err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// ExercisePosition settles an in-the-money position for its buyer.
// POST /api/positions/{id}/exercise
func (h *PositionHandler) ExercisePosition(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathPositionID(w, r)
	if !ok {
		return
	}

	pos, price, err := h.positions.Exercise(r.Context(), caller, id)
	if err != nil {
		writeDomainError(w, r, h.logger, "exercise position", err)
		return
	}
	writeJSON(w, http.StatusOK, ExerciseResponse{Position: pos, Price: price})
}

// ExpirePosition returns the collateral of an expired position.
// POST /api/positions/{id}/expire
func (h *PositionHandler) ExpirePosition(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathPositionID(w, r)
	if !ok {
		return
	}

	pos, err := h.positions.Expire(r.Context(), caller, id)
	if err != nil {
		writeDomainError(w, r, h.logger, "expire position", err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// GetPosition returns one position.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathPositionID(w, r)
	if !ok {
		return
	}
	pos, err := h.positions.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "get position", err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// ListPositions returns positions filtered by seller, buyer, state and
// settlement time.
// GET /api/positions?seller=0x...&state=locked&limit=50
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	filter, err := parsePositionFilter(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	positions, err := h.positions.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, r, h.logger, "list positions", err)
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, ListPositionsResponse{Positions: positions})
}
