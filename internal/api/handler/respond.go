package handler

import (
	"net/http"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"

	"github.com/notifyhub/notification-pipeline/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// mapError translates domain sentinel errors to HTTP status codes.
// All mapping lives here so individual handlers stay concise.
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrEmptyUserID):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidArgument):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case domain.IsDecodeError(err):
		respondError(w, http.StatusBadRequest, "invalid JSON body")
	case errors.Is(err, domain.ErrPersistence):
		respondError(w, http.StatusServiceUnavailable, "notification store unavailable")
	default:
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}
