package booking

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DateLayout is the wire and storage format of a clinic day.
const DateLayout = "2006-01-02"

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusDeclined  Status = "declined"
	StatusCancelled Status = "cancelled"
)

// ActiveStatuses are the statuses that consume slot capacity.
var ActiveStatuses = []Status{StatusPending, StatusConfirmed}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusConfirmed, StatusDeclined, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, s)
}

func (s Status) Active() bool {
	return s == StatusPending || s == StatusConfirmed
}

// PatientPolicy limits how many active bookings one patient may hold.
type PatientPolicy string

const (
	PolicyOnePerDate   PatientPolicy = "one_per_date"
	PolicyOneActive    PatientPolicy = "one_active"
	PolicyUnrestricted PatientPolicy = "unrestricted"
)

func ParsePatientPolicy(s string) (PatientPolicy, error) {
	p := PatientPolicy(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PolicyOnePerDate, PolicyOneActive, PolicyUnrestricted:
		return p, nil
	case "":
		return PolicyOnePerDate, nil
	}
	return "", fmt.Errorf("unknown patient policy %q", s)
}

type Role string

const (
	RolePatient Role = "patient"
	RoleDentist Role = "dentist"
	RoleAdmin   Role = "admin"
)

func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case RolePatient, RoleDentist, RoleAdmin:
		return r, true
	}
	return "", false
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   string
	Role Role
}

func (a Actor) IsStaff() bool {
	return a.Role == RoleDentist || a.Role == RoleAdmin
}

type Booking struct {
	ID              uuid.UUID
	PatientID       string
	Date            time.Time
	SlotID          int
	Status          Status
	StatusChangedBy string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type BlockedDate struct {
	Date      time.Time
	Reason    string
	CreatedBy string
	CreatedAt time.Time
}

const (
	EventBookingCreated   = "booking.created"
	EventBookingConfirmed = "booking.confirmed"
	EventBookingDeclined  = "booking.declined"
	EventBookingCancelled = "booking.cancelled"
)

// Event is an outbox row written in the same transaction as the booking change.
type Event struct {
	ID        int64
	Type      string
	BookingID uuid.UUID
	Payload   []byte
	CreatedAt time.Time
}

type eventPayload struct {
	BookingID string    `json:"bookingId"`
	PatientID string    `json:"patientId"`
	Date      string    `json:"date"`
	SlotID    int       `json:"slotId"`
	Status    string    `json:"status"`
	Actor     string    `json:"actor,omitempty"`
	At        time.Time `json:"at"`
}

func eventTypeFor(s Status) string {
	switch s {
	case StatusConfirmed:
		return EventBookingConfirmed
	case StatusDeclined:
		return EventBookingDeclined
	case StatusCancelled:
		return EventBookingCancelled
	default:
		return EventBookingCreated
	}
}

func newEvent(b *Booking, actor string, at time.Time) Event {
	data, err := json.Marshal(eventPayload{
		BookingID: b.ID.String(),
		PatientID: b.PatientID,
		Date:      FormatDate(b.Date),
		SlotID:    b.SlotID,
		Status:    string(b.Status),
		Actor:     actor,
		At:        at.UTC(),
	})
	if err != nil {
		data = nil
	}
	return Event{
		Type:      eventTypeFor(b.Status),
		BookingID: b.ID,
		Payload:   data,
		CreatedAt: at,
	}
}

// ParseDate parses YYYY-MM-DD into UTC midnight.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q must be YYYY-MM-DD", ErrInvalidDate, s)
	}
	return t, nil
}

// NormalizeDate keeps the calendar day of t (in t's own location) at UTC midnight.
func NormalizeDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

func slotLockKey(date time.Time, slotID int) string {
	return fmt.Sprintf("booking:%s:%d", FormatDate(date), slotID)
}

func patientLockKey(patientID string, date time.Time, policy PatientPolicy) string {
	if policy == PolicyOneActive {
		return "patient:" + patientID
	}
	return fmt.Sprintf("patient:%s:%s", patientID, FormatDate(date))
}
