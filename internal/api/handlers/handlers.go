// Package handlers provides the HTTP handlers of the renewal API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxrenew/internal/api/middleware"
	"github.com/drfirst/go-rxrenew/internal/domain/prescription"
	"github.com/drfirst/go-rxrenew/internal/domain/reminder"
	"github.com/drfirst/go-rxrenew/internal/domain/renewal"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, prescription.ErrInvalidDraft):
		return http.StatusBadRequest
	case errors.Is(err, prescription.ErrNotFound), errors.Is(err, reminder.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, renewal.ErrPlanNotActive), errors.Is(err, renewal.ErrActivePlanExists):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// fail writes err as a JSON error. Server errors are logged and their details
// are not returned to the caller.
func fail(w http.ResponseWriter, r *http.Request, logger *zap.Logger, op string, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logger.Error(op+" failed",
			zap.Error(err),
			zap.String("request_id", middleware.GetRequestID(r.Context())))
		jsonError(w, op+" failed", code)
		return
	}
	jsonError(w, err.Error(), code)
}
