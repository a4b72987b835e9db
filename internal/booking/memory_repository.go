package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps everything in process memory. Commits are serialized
// by a single mutex, which makes count-and-insert atomic.
type MemoryRepository struct {
	mu       sync.RWMutex
	bookings map[uuid.UUID]*Booking
	blocked  map[string]BlockedDate
	events   []Event
	nextEvID int64
	now      func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		bookings: make(map[uuid.UUID]*Booking),
		blocked:  make(map[string]BlockedDate),
		now:      time.Now,
	}
}

func (r *MemoryRepository) IsDateBlocked(ctx context.Context, date time.Time) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.blocked[FormatDate(date)]
	return ok, nil
}

func (r *MemoryRepository) BlockDate(ctx context.Context, bd BlockedDate) (*BlockedDate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := FormatDate(bd.Date)
	if existing, ok := r.blocked[key]; ok {
		existing.Reason = bd.Reason
		r.blocked[key] = existing
		return &existing, nil
	}
	bd.Date = NormalizeDate(bd.Date)
	bd.CreatedAt = r.now()
	r.blocked[key] = bd
	return &bd, nil
}

func (r *MemoryRepository) UnblockDate(ctx context.Context, date time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := FormatDate(date)
	if _, ok := r.blocked[key]; !ok {
		return ErrBlockedDateNotFound
	}
	delete(r.blocked, key)
	return nil
}

func (r *MemoryRepository) ListBlockedDates(ctx context.Context, from, to *time.Time) ([]BlockedDate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []BlockedDate
	for _, bd := range r.blocked {
		if from != nil && bd.Date.Before(*from) {
			continue
		}
		if to != nil && bd.Date.After(*to) {
			continue
		}
		out = append(out, bd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (r *MemoryRepository) CountActiveBySlot(ctx context.Context, date time.Time) (map[int]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[int]int)
	for _, b := range r.bookings {
		if b.Date.Equal(date) && b.Status.Active() {
			counts[b.SlotID]++
		}
	}
	return counts, nil
}

func (r *MemoryRepository) CommitBooking(ctx context.Context, req CommitRequest) (*Booking, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.blocked[FormatDate(req.Date)]; ok {
		return nil, ErrDateBlocked
	}

	taken := 0
	for _, b := range r.bookings {
		if !b.Status.Active() {
			continue
		}
		if b.PatientID == req.PatientID && patientConflict(req, b) {
			return nil, ErrPatientAlreadyBooked
		}
		if b.Date.Equal(req.Date) && b.SlotID == req.SlotID {
			taken++
		}
	}
	if taken >= req.Capacity {
		return nil, ErrSlotFull
	}

	now := r.now()
	b := &Booking{
		ID:              uuid.New(),
		PatientID:       req.PatientID,
		Date:            req.Date,
		SlotID:          req.SlotID,
		Status:          StatusPending,
		StatusChangedBy: req.Actor,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	r.bookings[b.ID] = b
	r.appendEvent(b, req.Actor, now)

	out := *b
	return &out, nil
}

func patientConflict(req CommitRequest, existing *Booking) bool {
	switch req.Policy {
	case PolicyOnePerDate:
		return existing.Date.Equal(req.Date)
	case PolicyOneActive:
		return !existing.Date.Before(req.Today)
	}
	return false
}

func (r *MemoryRepository) UpdateBookingStatus(ctx context.Context, change StatusChange) (*Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bookings[change.ID]
	if !ok {
		return nil, ErrBookingNotFound
	}
	if b.Status != change.From {
		return nil, ErrInvalidTransition
	}

	now := r.now()
	b.Status = change.To
	b.StatusChangedBy = change.Actor
	b.UpdatedAt = now
	r.appendEvent(b, change.Actor, now)

	out := *b
	return &out, nil
}

func (r *MemoryRepository) appendEvent(b *Booking, actor string, at time.Time) {
	r.nextEvID++
	ev := newEvent(b, actor, at)
	ev.ID = r.nextEvID
	r.events = append(r.events, ev)
}

func (r *MemoryRepository) GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	out := *b
	return &out, nil
}

func (r *MemoryRepository) ListBookings(ctx context.Context, filter ListFilter) ([]Booking, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Booking
	for _, b := range r.bookings {
		if matchesFilter(b, filter) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		if out[i].SlotID != out[j].SlotID {
			return out[i].SlotID < out[j].SlotID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchesFilter(b *Booking, f ListFilter) bool {
	if f.PatientID != "" && b.PatientID != f.PatientID {
		return false
	}
	if f.From != nil && b.Date.Before(*f.From) {
		return false
	}
	if f.To != nil && b.Date.After(*f.To) {
		return false
	}
	if f.SlotID > 0 && b.SlotID != f.SlotID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if b.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (r *MemoryRepository) LatestBookingForPatient(ctx context.Context, patientID string) (*Booking, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *Booking
	for _, b := range r.bookings {
		if b.PatientID != patientID {
			continue
		}
		if latest == nil || b.CreatedAt.After(latest.CreatedAt) {
			latest = b
		}
	}
	if latest == nil {
		return nil, ErrBookingNotFound
	}
	out := *latest
	return &out, nil
}

// PendingEvents returns undelivered events in commit order. Delivered events
// are dropped by MarkDelivered, so r.events only holds pending ones.
func (r *MemoryRepository) PendingEvents(ctx context.Context, limit int) ([]Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.events)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]Event, n)
	copy(out, r.events[:n])
	return out, nil
}

func (r *MemoryRepository) MarkDelivered(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	delivered := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		delivered[id] = struct{}{}
	}
	kept := r.events[:0]
	for _, ev := range r.events {
		if _, ok := delivered[ev.ID]; !ok {
			kept = append(kept, ev)
		}
	}
	// clear the tail so dropped payloads can be collected
	clear(r.events[len(kept):])
	r.events = kept
	return nil
}
