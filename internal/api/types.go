package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointments/internal/booking"
	redisclient "github.com/hackgods/clinic-appointments/internal/redis"
	"github.com/hackgods/clinic-appointments/internal/slots"
)

type CreateAppointmentRequest struct {
	PatientID string `json:"patientId"`
	Date      string `json:"date"`
	SlotID    int    `json:"slotId"`
}

type UpdateStatusRequest struct {
	Status string `json:"status"`
}

type BlockDateRequest struct {
	Reason string `json:"reason"`
}

type AppointmentResponse struct {
	ID              uuid.UUID `json:"id"`
	PatientID       string    `json:"patientId"`
	Date            string    `json:"date"`
	SlotID          int       `json:"slotId"`
	SlotLabel       string    `json:"slotLabel,omitempty"`
	Status          string    `json:"status"`
	StatusChangedBy string    `json:"statusChangedBy,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type AppointmentListResponse struct {
	Appointments []AppointmentResponse `json:"appointments"`
	Limit        int                   `json:"limit,omitempty"`
	Offset       int                   `json:"offset,omitempty"`
}

type SlotAvailabilityResponse struct {
	SlotID            int    `json:"slotId"`
	Label             string `json:"label"`
	Start             string `json:"start,omitempty"`
	End               string `json:"end,omitempty"`
	Capacity          int    `json:"capacity"`
	RemainingCapacity int    `json:"remainingCapacity"`
	IsAvailable       bool   `json:"isAvailable"`
}

type AvailabilityResponse struct {
	Date  string                     `json:"date"`
	Slots []SlotAvailabilityResponse `json:"slots"`
}

type SlotListResponse struct {
	Slots []slots.Slot `json:"slots"`
}

type BlockedDateResponse struct {
	Date      string    `json:"date"`
	Reason    string    `json:"reason,omitempty"`
	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type BlockedDateListResponse struct {
	BlockedDates []BlockedDateResponse `json:"blockedDates"`
}

type LockResponse struct {
	Resource  string     `json:"resource"`
	Locked    bool       `json:"locked"`
	Holder    string     `json:"holder,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(b *booking.Booking, catalog *slots.Catalog) AppointmentResponse {
	resp := AppointmentResponse{
		ID:              b.ID,
		PatientID:       b.PatientID,
		Date:            booking.FormatDate(b.Date),
		SlotID:          b.SlotID,
		Status:          string(b.Status),
		StatusChangedBy: b.StatusChangedBy,
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
	}
	if catalog != nil {
		if slot, ok := catalog.Get(b.SlotID); ok {
			resp.SlotLabel = slot.Label
		}
	}
	return resp
}

func toAppointmentList(list []booking.Booking, catalog *slots.Catalog, limit, offset int) AppointmentListResponse {
	out := AppointmentListResponse{
		Appointments: make([]AppointmentResponse, 0, len(list)),
		Limit:        limit,
		Offset:       offset,
	}
	for i := range list {
		out.Appointments = append(out.Appointments, toAppointmentResponse(&list[i], catalog))
	}
	return out
}

func toAvailabilityResponse(av *booking.Availability) AvailabilityResponse {
	resp := AvailabilityResponse{
		Date:  booking.FormatDate(av.Date),
		Slots: make([]SlotAvailabilityResponse, 0, len(av.Slots)),
	}
	for _, s := range av.Slots {
		resp.Slots = append(resp.Slots, SlotAvailabilityResponse{
			SlotID:            s.Slot.ID,
			Label:             s.Slot.Label,
			Start:             s.Slot.Start,
			End:               s.Slot.End,
			Capacity:          s.Slot.Capacity,
			RemainingCapacity: s.RemainingCapacity,
			IsAvailable:       s.IsAvailable,
		})
	}
	return resp
}

func toBlockedDateResponse(bd booking.BlockedDate) BlockedDateResponse {
	return BlockedDateResponse{
		Date:      booking.FormatDate(bd.Date),
		Reason:    bd.Reason,
		CreatedBy: bd.CreatedBy,
		CreatedAt: bd.CreatedAt,
	}
}

func toLockResponse(l redisclient.ResourceLock) LockResponse {
	resp := LockResponse{
		Resource: l.Resource,
		Locked:   l.Locked,
		Holder:   l.Holder,
	}
	if !l.ExpiresAt.IsZero() {
		at := l.ExpiresAt.UTC()
		resp.ExpiresAt = &at
	}
	return resp
}
