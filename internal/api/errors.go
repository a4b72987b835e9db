package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hackgods/clinic-appointments/internal/booking"
	"github.com/hackgods/clinic-appointments/internal/logging"
	redisclient "github.com/hackgods/clinic-appointments/internal/redis"
)

// retryAfterSeconds is sent with 503 responses for transient store failures.
const retryAfterSeconds = "1"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// writeServiceError maps booking and staff-lock errors to HTTP responses.
// Anything unrecognised is logged and reported as a bare 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *logging.Logger, err error) {
	switch {
	case errors.Is(err, booking.ErrInvalidSlot):
		writeError(w, http.StatusBadRequest, "invalid_slot", err.Error())
	case errors.Is(err, booking.ErrInvalidDate):
		writeError(w, http.StatusBadRequest, "invalid_date", err.Error())
	case errors.Is(err, booking.ErrInvalidInput),
		errors.Is(err, redisclient.ErrInvalidLockArg):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, booking.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "not allowed for this user")
	case errors.Is(err, redisclient.ErrNotLockHolder):
		writeError(w, http.StatusForbidden, "not_lock_holder", err.Error())
	case errors.Is(err, booking.ErrBookingNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, booking.ErrBlockedDateNotFound):
		writeError(w, http.StatusNotFound, "blocked_date_not_found", err.Error())
	case errors.Is(err, booking.ErrDateBlocked):
		writeError(w, http.StatusConflict, "date_blocked", err.Error())
	case errors.Is(err, booking.ErrSlotFull):
		writeError(w, http.StatusConflict, "slot_full", err.Error())
	case errors.Is(err, booking.ErrPatientAlreadyBooked):
		writeError(w, http.StatusConflict, "patient_already_booked", err.Error())
	case errors.Is(err, booking.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, booking.ErrTransientStore):
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "booking store is busy, please retry shortly")
	default:
		logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", GetRequestID(r.Context()),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "")
	}
}
