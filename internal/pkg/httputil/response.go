package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/segflow/segflow/internal/faults"
	"github.com/segflow/segflow/internal/pkg/logger"
)

type successEnvelope struct {
	Success bool `json:"success"`
	Value   any  `json:"value"`
}

type errorEnvelope struct {
	Error string `json:"error"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("response encode failed", "error", err)
	}
}

// Success writes a 200 response wrapping value in the success envelope.
func Success(w http.ResponseWriter, value any) {
	JSON(w, http.StatusOK, successEnvelope{Success: true, Value: value})
}

// Error writes an error envelope with the given status.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, errorEnvelope{Error: message})
}

// WriteError maps an error to its HTTP status and writes the envelope.
// Validation and constraint violations are caller errors (400); everything
// else, including missing entities, goes through the generic 500 path.
func WriteError(w http.ResponseWriter, err error) {
	var (
		validation *faults.ValidationError
		constraint *faults.ConstraintViolation
	)
	switch {
	case errors.As(err, &validation):
		Error(w, http.StatusBadRequest, validation.Msg)
	case errors.As(err, &constraint):
		Error(w, http.StatusBadRequest, constraint.Msg)
	default:
		logger.Error("request failed", "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
	}
}

// Decode reads JSON from the request body into dst. Returns false and writes
// a 400 response if parsing fails.
func Decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}
