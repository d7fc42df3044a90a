package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/sensorgate/internal/storage"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// storeError maps storage and registry failures onto HTTP statuses.
func storeError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, storage.ErrUnknownDevice), errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%s: %v", action, err)
	case errors.Is(err, storage.ErrDuplicateDevice):
		httpError(w, http.StatusConflict, "conflict_error", "%s: %v", action, err)
	case errors.Is(err, storage.ErrStoreUnavailable):
		httpError(w, http.StatusServiceUnavailable, "unavailable_error", "%s: %v", action, err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", action, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
