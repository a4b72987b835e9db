package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CommitRequest is everything the store needs to decide a booking atomically.
type CommitRequest struct {
	PatientID string
	Date      time.Time
	SlotID    int
	Capacity  int
	Policy    PatientPolicy
	// Today bounds PolicyOneActive so past bookings do not count.
	Today time.Time
	Actor string
}

type StatusChange struct {
	ID    uuid.UUID
	From  Status
	To    Status
	Actor string
}

type ListFilter struct {
	PatientID string
	From      *time.Time
	To        *time.Time
	SlotID    int
	Statuses  []Status
	Limit     int
	Offset    int
}

// Repository contains all storage interactions needed by the service.
type Repository interface {
	// Blocklist
	IsDateBlocked(ctx context.Context, date time.Time) (bool, error)
	BlockDate(ctx context.Context, bd BlockedDate) (*BlockedDate, error)
	UnblockDate(ctx context.Context, date time.Time) error
	ListBlockedDates(ctx context.Context, from, to *time.Time) ([]BlockedDate, error)

	// Availability
	CountActiveBySlot(ctx context.Context, date time.Time) (map[int]int, error)

	// CommitBooking re-checks the blocklist, patient policy and capacity and
	// inserts a pending booking plus its event as one atomic unit.
	CommitBooking(ctx context.Context, req CommitRequest) (*Booking, error)

	// UpdateBookingStatus applies the change only if the booking is still in
	// change.From, otherwise it returns ErrInvalidTransition.
	UpdateBookingStatus(ctx context.Context, change StatusChange) (*Booking, error)

	GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error)
	ListBookings(ctx context.Context, filter ListFilter) ([]Booking, error)
	LatestBookingForPatient(ctx context.Context, patientID string) (*Booking, error)
}
