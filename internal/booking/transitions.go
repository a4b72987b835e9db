package booking

import "fmt"

// pending is the only status with more than one way out; declined and
// cancelled are terminal.
var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusDeclined, StatusCancelled},
	StatusConfirmed: {StatusCancelled},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(b *Booking, to Status, actor Actor) error {
	if !CanTransition(b.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, to)
	}
	if actor.IsStaff() {
		return nil
	}
	// patients may only cancel their own bookings
	if to != StatusCancelled || b.PatientID != actor.ID {
		return ErrForbidden
	}
	return nil
}
