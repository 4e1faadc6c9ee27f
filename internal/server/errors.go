package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"DepegLedger/internal/core"
	"DepegLedger/internal/ingestion"
	"DepegLedger/internal/query"
)

var errProjectionsUnavailable = errors.New("projections are not configured")

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusFor maps an error to its HTTP status and stable error key.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrMissingToken), errors.Is(err, ErrInvalidToken):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, ingestion.ErrInvalidCommand):
		return http.StatusBadRequest, "invalid_command"
	case errors.Is(err, query.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, errProjectionsUnavailable):
		return http.StatusServiceUnavailable, "projections_unavailable"
	}

	var badRequest *badRequestError
	if errors.As(err, &badRequest) {
		return http.StatusBadRequest, "bad_request"
	}

	code := core.ErrorCode(err)
	switch code {
	case "not_owner":
		return http.StatusForbidden, code
	case "zero_amount", "invalid_duration", "unknown_asset", "invalid_address", "unknown_command":
		return http.StatusBadRequest, code
	case "policy_not_found":
		return http.StatusNotFound, code
	case "duplicate_command", "duplicate_policy", "policy_already_settled":
		return http.StatusConflict, code
	case "price_under_threshold", "price_above_threshold", "policy_expired", "pool_underfunded",
		"insufficient_balance", "insufficient_allowance", "arithmetic_overflow":
		return http.StatusUnprocessableEntity, code
	case "oracle_unavailable":
		return http.StatusServiceUnavailable, code
	default:
		return http.StatusInternalServerError, code
	}
}

type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string {
	return e.msg
}

func badRequest(msg string) error {
	return &badRequestError{msg: msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) int {
	status, key := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: key, Message: msg})
	return status
}
