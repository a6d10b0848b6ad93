package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/BTreeMap/Concierge/internal/models"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal the response to JSON first to catch encoding errors before writing headers
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// statusForError maps domain errors to HTTP status codes.
func statusForError(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs),
		errors.Is(err, models.ErrInvalidDateRange),
		errors.Is(err, models.ErrInvalidPhoneFormat),
		errors.Is(err, models.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrGuestPhoneConflict),
		errors.Is(err, models.ErrBookingHasMessages),
		errors.Is(err, models.ErrPropertyHasBookings):
		return http.StatusConflict
	case errors.Is(err, models.ErrBookingBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes the error envelope. Server errors hide their details.
func writeError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	msg := err.Error()
	switch {
	case errors.Is(err, models.ErrPersistence):
		msg = "Failed to store message"
	case errors.Is(err, models.ErrActiveModelParamsInvariant):
		msg = "Model configuration error"
	case status == http.StatusInternalServerError:
		msg = "Internal server error"
	}
	writeJSONResponse(w, status, models.Error(msg))
}

// decodeJSON decodes a size-capped JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		slog.Warn("Server.decodeJSON: failed to decode JSON", "path", r.URL.Path, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return false
	}
	return true
}

// validatable is implemented by the request types in models.
type validatable interface {
	Validate() error
}

// decodeAndValidate decodes the body and runs its Validate method.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst validatable) bool {
	if !decodeJSON(w, r, dst) {
		return false
	}
	if err := dst.Validate(); err != nil {
		slog.Warn("Server.decodeAndValidate: validation failed", "path", r.URL.Path, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return false
	}
	return true
}
