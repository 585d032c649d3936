package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"dimhist/internal/domain"
	"dimhist/internal/repository"
)

type errorBody struct {
	Code        string            `json:"code"`
	Message     string            `json:"message"`
	BusinessKey string            `json:"business_key,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// writeError maps engine error codes onto HTTP statuses: configuration and
// parse failures are the caller's fault, ordering and idempotency conflicts
// are state conflicts, invariant violations and everything else are ours.
func writeError(w http.ResponseWriter, err error) {
	if engineErr, ok := domain.AsEngineError(err); ok {
		writeJSON(w, statusForCode(engineErr.Code), errorResponse{Error: errorBody{
			Code:        string(engineErr.Code),
			Message:     engineErr.Message,
			BusinessKey: engineErr.BusinessKey,
			Details:     engineErr.Details,
		}})
		return
	}
	if errors.Is(err, repository.ErrNotFound) {
		writeErrorStatus(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	writeErrorStatus(w, http.StatusInternalServerError, "INTERNAL", err.Error())
}

func writeErrorStatus(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: message}})
}

func statusForCode(code domain.ErrorCode) int {
	switch code {
	case domain.ErrCodeConfiguration:
		return http.StatusBadRequest
	case domain.ErrCodeOrderingViolation, domain.ErrCodeIdempotencyConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func parsePagination(query url.Values, defaultLimit int) (int, int, error) {
	limit := defaultLimit
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return 0, 0, fmt.Errorf("limit must be a positive integer")
		}
		limit = parsed
	}
	offset := 0
	if raw := strings.TrimSpace(query.Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return 0, 0, fmt.Errorf("offset must be zero or positive")
		}
		offset = parsed
	}
	return limit, offset, nil
}
