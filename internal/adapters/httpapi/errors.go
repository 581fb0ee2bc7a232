package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"cards/internal/export"
	"cards/internal/forms"
	"cards/internal/serialize"
	"cards/pkg/domain"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var violation domain.RuleViolationError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrVersion), errors.As(err, &violation):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidPath), errors.Is(err, domain.ErrProtected),
		errors.Is(err, serialize.ErrFormat), errors.Is(err, serialize.ErrIncompatible),
		errors.Is(err, forms.ErrMissingParameter):
		return http.StatusBadRequest
	case errors.Is(err, export.ErrQueueFull):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, status, msg)
}
