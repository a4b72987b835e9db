package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointments/internal/booking"
	"github.com/hackgods/clinic-appointments/internal/logging"
)

const maxBodyBytes = 1 << 20

type handlers struct {
	svc    *booking.Service
	locks  StaffLocker
	logger *logging.Logger
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

// actor is set by Authenticate on every route that calls this.
func actor(r *http.Request) booking.Actor {
	a, _ := ActorFromContext(r.Context())
	return a
}

func parseBookingID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func (h *handlers) listSlots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SlotListResponse{Slots: h.svc.Catalog().List()})
}

func (h *handlers) availability(w http.ResponseWriter, r *http.Request) {
	date, err := booking.ParseDate(r.URL.Query().Get("date"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	av, err := h.svc.GetAvailability(r.Context(), date)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAvailabilityResponse(av))
}

func (h *handlers) createAppointment(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	date, err := booking.ParseDate(req.Date)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	b, err := h.svc.CreateBooking(r.Context(), actor(r), booking.CreateRequest{
		PatientID: req.PatientID,
		Date:      date,
		SlotID:    req.SlotID,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, toAppointmentResponse(b, h.svc.Catalog()))
}

func (h *handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := parseBookingID(w, r)
	if !ok {
		return
	}

	b, err := h.svc.GetBooking(r.Context(), actor(r), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(b, h.svc.Catalog()))
}

func (h *handlers) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := parseBookingID(w, r)
	if !ok {
		return
	}

	b, err := h.svc.CancelBooking(r.Context(), actor(r), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(b, h.svc.Catalog()))
}

func (h *handlers) listPatientAppointments(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "limit must be an integer")
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "offset must be an integer")
		return
	}

	list, err := h.svc.ListPatientBookings(r.Context(), actor(r), chi.URLParam(r, "patientId"), limit, offset)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentList(list, h.svc.Catalog(), limit, offset))
}

func (h *handlers) latestPatientAppointment(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.LatestPatientBooking(r.Context(), actor(r), chi.URLParam(r, "patientId"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(b, h.svc.Catalog()))
}
