package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/coordinator"
	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/logger"
)

// statusCode maps the coordinator's sentinel errors to HTTP status
// codes. Anything unrecognized is an internal error and its details
// stay out of the response.
func statusCode(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusCode(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		logger.Log.Error().Err(err).Msg("Request failed")
		msg = "internal server error"
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error().Err(err).Msg("Failed to encode response")
	}
}
