package booking

import "errors"

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidSlot          = errors.New("unknown time slot")
	ErrInvalidDate          = errors.New("invalid booking date")
	ErrDateBlocked          = errors.New("clinic is unavailable on this date")
	ErrSlotFull             = errors.New("time slot is fully booked")
	ErrPatientAlreadyBooked = errors.New("patient already has an active booking")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrBookingNotFound      = errors.New("booking not found")
	ErrBlockedDateNotFound  = errors.New("blocked date not found")
	ErrForbidden            = errors.New("operation not permitted for this user")

	// ErrTransientStore means the commit did not happen and may be retried.
	ErrTransientStore = errors.New("booking store temporarily unavailable")
)
