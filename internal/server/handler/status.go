package handler

import (
	"net/http"

	"github.com/kmangutov/vordex/internal/settlement"
)

// StatusHandler serves the running mode and settlement policy.
type StatusHandler struct {
	Mode    string
	Backend string
	Policy  settlement.Policy
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode, backend string, policy settlement.Policy) *StatusHandler {
	return &StatusHandler{Mode: mode, Backend: backend, Policy: policy}
}

// GetStatus responds with the current mode, storage backend and policy.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":    h.Mode,
		"backend": h.Backend,
		"policy": map[string]any{
			"custodian":           h.Policy.Custodian.Hex(),
			"min_premium":         h.Policy.MinPremium,
			"expire_caller":       h.Policy.ExpireCaller,
			"collateral_decimals": h.Policy.Basis.CollateralDecimals,
			"quote_decimals":      h.Policy.Basis.QuoteDecimals,
		},
	})
}
