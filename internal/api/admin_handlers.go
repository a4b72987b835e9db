package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hackgods/clinic-appointments/internal/booking"
)

// parseDateRange reads optional from/to query parameters.
func parseDateRange(r *http.Request) (from, to *time.Time, err error) {
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		d, err := booking.ParseDate(v)
		if err != nil {
			return nil, nil, err
		}
		from = &d
	}
	if v := q.Get("to"); v != "" {
		d, err := booking.ParseDate(v)
		if err != nil {
			return nil, nil, err
		}
		to = &d
	}
	return from, to, nil
}

func parseListFilter(r *http.Request) (booking.ListFilter, error) {
	var filter booking.ListFilter

	from, to, err := parseDateRange(r)
	if err != nil {
		return filter, err
	}
	filter.From, filter.To = from, to

	q := r.URL.Query()
	filter.PatientID = strings.TrimSpace(q.Get("patientId"))

	if filter.SlotID, err = queryInt(r, "slotId"); err != nil {
		return filter, booking.ErrInvalidSlot
	}
	if filter.Limit, err = queryInt(r, "limit"); err != nil {
		return filter, booking.ErrInvalidInput
	}
	if filter.Offset, err = queryInt(r, "offset"); err != nil {
		return filter, booking.ErrInvalidInput
	}

	if v := q.Get("status"); v != "" {
		for _, part := range strings.Split(v, ",") {
			st, err := booking.ParseStatus(part)
			if err != nil {
				return filter, err
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	return filter, nil
}

func (h *handlers) listAppointments(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	list, err := h.svc.ListBookings(r.Context(), actor(r), filter)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentList(list, h.svc.Catalog(), filter.Limit, filter.Offset))
}

func (h *handlers) updateAppointmentStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := parseBookingID(w, r)
	if !ok {
		return
	}

	var req UpdateStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	status, err := booking.ParseStatus(req.Status)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	b, err := h.svc.SetBookingStatus(r.Context(), actor(r), id, status)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(b, h.svc.Catalog()))
}

func (h *handlers) listBlockedDates(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseDateRange(r)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	dates, err := h.svc.ListBlockedDates(r.Context(), from, to)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	resp := BlockedDateListResponse{BlockedDates: make([]BlockedDateResponse, 0, len(dates))}
	for _, bd := range dates {
		resp.BlockedDates = append(resp.BlockedDates, toBlockedDateResponse(bd))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) blockDate(w http.ResponseWriter, r *http.Request) {
	date, err := booking.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	var req BlockDateRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	bd, err := h.svc.BlockDate(r.Context(), actor(r), date, req.Reason)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toBlockedDateResponse(*bd))
}

func (h *handlers) unblockDate(w http.ResponseWriter, r *http.Request) {
	date, err := booking.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	if err := h.svc.UnblockDate(r.Context(), actor(r), date); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
