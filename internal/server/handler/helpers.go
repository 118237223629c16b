package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kmangutov/vordex/internal/domain"
	"github.com/kmangutov/vordex/internal/server/middleware"
)

const maxBodyBytes = 1 << 20

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error","code":"internal"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusBadRequest, "bad_request", msg)
}

// statusFor maps a domain error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrLockHeld),
		errors.Is(err, domain.ErrReadOnlyOracle):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrNotInTheMoney),
		errors.Is(err, domain.ErrExpired),
		errors.Is(err, domain.ErrNotYetExpired),
		errors.Is(err, domain.ErrPremiumTooLow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidExpiry),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrAmountOverflow):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrStalePrice),
		errors.Is(err, domain.ErrNoPrice):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// writeDomainError renders err with its stable error code. Unknown errors are
// logged and hidden behind a generic 500.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("request_id", middleware.RequestID(r.Context())),
			slog.String("error", err.Error()),
		)
		writeError(w, status, "internal", "internal error")
		return
	}
	writeError(w, status, domain.ErrorCode(err), err.Error())
}

// decodeJSON reads a size-limited JSON body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// requireCaller returns the authenticated caller or writes a 401.
func requireCaller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	addr, ok := middleware.CallerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated",
			"caller address required ("+middleware.AddressHeader+")")
		return common.Address{}, false
	}
	return addr, true
}

// parseAddress validates a hex address from a path or query value.
func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// parsePositionFilter extracts listing filters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parsePositionFilter(r *http.Request) (domain.PositionFilter, error) {
	q := r.URL.Query()
	f := domain.PositionFilter{Limit: 50}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, fmt.Errorf("invalid limit %q", v)
		}
		f.Limit = n
	}
	if f.Limit > 500 {
		f.Limit = 500
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid offset %q", v)
		}
		f.Offset = n
	}
	if v := q.Get("seller"); v != "" {
		addr, err := parseAddress(v)
		if err != nil {
			return f, err
		}
		f.Seller = &addr
	}
	if v := q.Get("buyer"); v != "" {
		addr, err := parseAddress(v)
		if err != nil {
			return f, err
		}
		f.Buyer = &addr
	}
	if v := q.Get("state"); v != "" {
		st := domain.PositionState(v)
		if !st.Valid() {
			return f, fmt.Errorf("invalid state %q", v)
		}
		f.State = st
	}
	if v := q.Get("settled_before"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid settled_before %q", v)
		}
		f.SettledBefore = &ts
	}
	return f, nil
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

func pathPositionID(w http.ResponseWriter, r *http.Request) (domain.PositionID, bool) {
	id, err := domain.ParsePositionID(pathParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "invalid position id")
		return 0, false
	}
	return id, true
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
