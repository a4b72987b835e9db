package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointments/internal/lock"
	"github.com/hackgods/clinic-appointments/internal/logging"
	"github.com/hackgods/clinic-appointments/internal/metrics"
	"github.com/hackgods/clinic-appointments/internal/slots"
)

const (
	maxPatientIDLen = 64
	maxReasonLen    = 500

	DefaultPageSize = 50
	MaxPageSize     = 200
)

type Options struct {
	Policy PatientPolicy
	// Location is the clinic's time zone; "today" is computed in it.
	Location *time.Location
	// HorizonDays limits how far ahead a booking may be made. 0 disables it.
	HorizonDays   int
	CommitTimeout time.Duration
	MaxAttempts   int
	RetryBackoff  time.Duration
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

type Service struct {
	repo    Repository
	locker  lock.Locker
	catalog *slots.Catalog
	opts    Options
	logger  *logging.Logger
}

func NewService(repo Repository, locker lock.Locker, catalog *slots.Catalog, opts Options, logger *logging.Logger) *Service {
	if opts.Policy == "" {
		opts.Policy = PolicyOnePerDate
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		repo:    repo,
		locker:  locker,
		catalog: catalog,
		opts:    opts,
		logger:  logger.With("component", "booking"),
	}
}

func (s *Service) Catalog() *slots.Catalog {
	return s.catalog
}

// Availability

type SlotAvailability struct {
	Slot              slots.Slot
	RemainingCapacity int
	IsAvailable       bool
}

type Availability struct {
	Date  time.Time
	Slots []SlotAvailability
}

// GetAvailability reports remaining capacity per slot. A blocked date yields
// ErrDateBlocked and no slot data.
func (s *Service) GetAvailability(ctx context.Context, date time.Time) (*Availability, error) {
	date = NormalizeDate(date)

	blocked, err := s.repo.IsDateBlocked(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("check blocked date: %w", err)
	}
	if blocked {
		return nil, ErrDateBlocked
	}

	counts, err := s.repo.CountActiveBySlot(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("count bookings: %w", err)
	}

	result := &Availability{Date: date}
	for _, slot := range s.catalog.List() {
		remaining := slot.Capacity - counts[slot.ID]
		if remaining < 0 {
			remaining = 0
		}
		result.Slots = append(result.Slots, SlotAvailability{
			Slot:              slot,
			RemainingCapacity: remaining,
			IsAvailable:       remaining > 0,
		})
	}
	return result, nil
}

// Booking creation

type CreateRequest struct {
	PatientID string
	Date      time.Time
	SlotID    int
}

// CreateBooking reserves one place in a slot for a patient. The authoritative
// capacity check runs under a per (date, slot) lock inside the store's
// transaction, so concurrent callers that all saw a free place cannot
// overbook it.
func (s *Service) CreateBooking(ctx context.Context, actor Actor, req CreateRequest) (*Booking, error) {
	b, err := s.createBooking(ctx, actor, req)
	s.opts.Metrics.ObserveBooking(bookingOutcome(err))
	return b, err
}

func (s *Service) createBooking(ctx context.Context, actor Actor, req CreateRequest) (*Booking, error) {
	patientID := strings.TrimSpace(req.PatientID)
	if patientID == "" || len(patientID) > maxPatientIDLen {
		return nil, fmt.Errorf("%w: patient id is required and at most %d characters", ErrInvalidInput, maxPatientIDLen)
	}
	if !actor.IsStaff() && actor.ID != patientID {
		return nil, ErrForbidden
	}

	slot, ok := s.catalog.Get(req.SlotID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSlot, req.SlotID)
	}

	date := NormalizeDate(req.Date)
	today := s.today()
	if err := s.validateBookingDate(date, today); err != nil {
		return nil, err
	}

	// Fail fast; the commit re-checks under the lock.
	blocked, err := s.repo.IsDateBlocked(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("check blocked date: %w", err)
	}
	if blocked {
		return nil, ErrDateBlocked
	}

	commit := CommitRequest{
		PatientID: patientID,
		Date:      date,
		SlotID:    slot.ID,
		Capacity:  slot.Capacity,
		Policy:    s.opts.Policy,
		Today:     today,
		Actor:     actor.ID,
	}

	created, err := s.commitWithRetry(ctx, commit)
	if err != nil {
		return nil, err
	}

	s.logger.Info("booking created",
		"booking_id", created.ID,
		"patient_id", created.PatientID,
		"date", FormatDate(created.Date),
		"slot_id", created.SlotID,
	)
	return created, nil
}

func (s *Service) today() time.Time {
	return NormalizeDate(s.opts.Now().In(s.opts.Location))
}

func (s *Service) validateBookingDate(date, today time.Time) error {
	if date.Before(today) {
		return fmt.Errorf("%w: %s is in the past", ErrInvalidDate, FormatDate(date))
	}
	if s.opts.HorizonDays > 0 && date.After(today.AddDate(0, 0, s.opts.HorizonDays)) {
		return fmt.Errorf("%w: %s is more than %d days ahead", ErrInvalidDate, FormatDate(date), s.opts.HorizonDays)
	}
	return nil
}

func (s *Service) commitWithRetry(ctx context.Context, req CommitRequest) (*Booking, error) {
	backoff := s.opts.RetryBackoff

	for attempt := 1; ; attempt++ {
		created, err := s.commitOnce(ctx, req)
		if err == nil {
			return created, nil
		}
		if !errors.Is(err, ErrTransientStore) || attempt >= s.opts.MaxAttempts {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransientStore, ctx.Err())
		}

		s.opts.Metrics.ObserveCommitRetry()
		s.logger.Warn("booking commit failed, retrying",
			"attempt", attempt,
			"date", FormatDate(req.Date),
			"slot_id", req.SlotID,
			"error", err,
		)

		if backoff > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("%w: %v", ErrTransientStore, ctx.Err())
			case <-timer.C:
			}
			backoff *= 2
		}
	}
}

func (s *Service) commitOnce(ctx context.Context, req CommitRequest) (*Booking, error) {
	commitCtx := ctx
	if s.opts.CommitTimeout > 0 {
		var cancel context.CancelFunc
		commitCtx, cancel = context.WithTimeout(ctx, s.opts.CommitTimeout)
		defer cancel()
	}

	start := time.Now()
	var created *Booking
	err := s.locker.WithLock(commitCtx, slotLockKey(req.Date, req.SlotID), func(lockCtx context.Context) error {
		b, err := s.repo.CommitBooking(lockCtx, req)
		if err != nil {
			return err
		}
		created = b
		return nil
	})
	s.opts.Metrics.ObserveCommit(time.Since(start))

	if err == nil {
		return created, nil
	}

	switch {
	case errors.Is(err, ErrTransientStore):
		return nil, err
	case errors.Is(err, lock.ErrNotAcquired):
		return nil, fmt.Errorf("%w: %v", ErrTransientStore, err)
	case commitCtx.Err() != nil && ctx.Err() == nil:
		return nil, fmt.Errorf("%w: commit timed out: %v", ErrTransientStore, err)
	}
	return nil, err
}

func bookingOutcome(err error) string {
	switch {
	case err == nil:
		return "created"
	case errors.Is(err, ErrSlotFull):
		return "slot_full"
	case errors.Is(err, ErrDateBlocked):
		return "date_blocked"
	case errors.Is(err, ErrPatientAlreadyBooked):
		return "patient_already_booked"
	case errors.Is(err, ErrTransientStore):
		return "transient"
	case errors.Is(err, ErrInvalidSlot), errors.Is(err, ErrInvalidDate), errors.Is(err, ErrInvalidInput):
		return "invalid"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	default:
		return "error"
	}
}

// Status lifecycle

// SetBookingStatus moves a booking along pending -> confirmed | declined |
// cancelled and confirmed -> cancelled. Confirm and decline are staff only;
// a patient may cancel their own booking.
func (s *Service) SetBookingStatus(ctx context.Context, actor Actor, id uuid.UUID, to Status) (*Booking, error) {
	b, err := s.setBookingStatus(ctx, actor, id, to)
	result := "ok"
	if err != nil {
		result = bookingOutcome(err)
		if errors.Is(err, ErrInvalidTransition) {
			result = "invalid_transition"
		}
	}
	s.opts.Metrics.ObserveStatusChange(string(to), result)
	return b, err
}

func (s *Service) setBookingStatus(ctx context.Context, actor Actor, id uuid.UUID, to Status) (*Booking, error) {
	if _, err := ParseStatus(string(to)); err != nil {
		return nil, err
	}

	current, err := s.repo.GetBooking(ctx, id)
	if err != nil {
		if errors.Is(err, ErrBookingNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load booking: %w", err)
	}
	if !actor.IsStaff() && current.PatientID != actor.ID {
		return nil, ErrForbidden
	}
	if err := checkTransition(current, to, actor); err != nil {
		return nil, err
	}

	updated, err := s.repo.UpdateBookingStatus(ctx, StatusChange{
		ID:    id,
		From:  current.Status,
		To:    to,
		Actor: actor.ID,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return nil, err
		}
		return nil, fmt.Errorf("update booking status: %w", err)
	}

	s.logger.Info("booking status changed",
		"booking_id", id,
		"from", current.Status,
		"to", updated.Status,
		"actor", actor.ID,
	)
	return updated, nil
}

func (s *Service) CancelBooking(ctx context.Context, actor Actor, id uuid.UUID) (*Booking, error) {
	return s.SetBookingStatus(ctx, actor, id, StatusCancelled)
}

// Queries

func (s *Service) GetBooking(ctx context.Context, actor Actor, id uuid.UUID) (*Booking, error) {
	b, err := s.repo.GetBooking(ctx, id)
	if err != nil {
		if errors.Is(err, ErrBookingNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get booking: %w", err)
	}
	if !actor.IsStaff() && b.PatientID != actor.ID {
		return nil, ErrForbidden
	}
	return b, nil
}

func (s *Service) ListPatientBookings(ctx context.Context, actor Actor, patientID string, limit, offset int) ([]Booking, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, fmt.Errorf("%w: patient id is required", ErrInvalidInput)
	}
	if !actor.IsStaff() && actor.ID != patientID {
		return nil, ErrForbidden
	}
	limit, offset = clampPage(limit, offset)

	bookings, err := s.repo.ListBookings(ctx, ListFilter{PatientID: patientID, Limit: limit, Offset: offset})
	if err != nil {
		return nil, fmt.Errorf("list patient bookings: %w", err)
	}
	return bookings, nil
}

// LatestPatientBooking returns the most recently created booking of a patient.
func (s *Service) LatestPatientBooking(ctx context.Context, actor Actor, patientID string) (*Booking, error) {
	if !actor.IsStaff() && actor.ID != patientID {
		return nil, ErrForbidden
	}
	b, err := s.repo.LatestBookingForPatient(ctx, patientID)
	if err != nil {
		if errors.Is(err, ErrBookingNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("latest booking: %w", err)
	}
	return b, nil
}

func (s *Service) ListBookings(ctx context.Context, actor Actor, filter ListFilter) ([]Booking, error) {
	if !actor.IsStaff() {
		return nil, ErrForbidden
	}
	if filter.SlotID != 0 {
		if _, ok := s.catalog.Get(filter.SlotID); !ok {
			return nil, fmt.Errorf("%w: %d", ErrInvalidSlot, filter.SlotID)
		}
	}
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return nil, fmt.Errorf("%w: from is after to", ErrInvalidDate)
	}
	filter.Limit, filter.Offset = clampPage(filter.Limit, filter.Offset)

	bookings, err := s.repo.ListBookings(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	return bookings, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// Blocklist

func (s *Service) IsDateBlocked(ctx context.Context, date time.Time) (bool, error) {
	blocked, err := s.repo.IsDateBlocked(ctx, NormalizeDate(date))
	if err != nil {
		return false, fmt.Errorf("check blocked date: %w", err)
	}
	return blocked, nil
}

// BlockDate marks a day unavailable. Existing bookings on that day are kept.
func (s *Service) BlockDate(ctx context.Context, actor Actor, date time.Time, reason string) (*BlockedDate, error) {
	if !actor.IsStaff() {
		return nil, ErrForbidden
	}
	reason = strings.TrimSpace(reason)
	if len(reason) > maxReasonLen {
		return nil, fmt.Errorf("%w: reason is longer than %d characters", ErrInvalidInput, maxReasonLen)
	}

	stored, err := s.repo.BlockDate(ctx, BlockedDate{
		Date:      NormalizeDate(date),
		Reason:    reason,
		CreatedBy: actor.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("block date: %w", err)
	}

	s.logger.Info("date blocked", "date", FormatDate(stored.Date), "actor", actor.ID)
	return stored, nil
}

func (s *Service) UnblockDate(ctx context.Context, actor Actor, date time.Time) error {
	if !actor.IsStaff() {
		return ErrForbidden
	}
	if err := s.repo.UnblockDate(ctx, NormalizeDate(date)); err != nil {
		if errors.Is(err, ErrBlockedDateNotFound) {
			return err
		}
		return fmt.Errorf("unblock date: %w", err)
	}

	s.logger.Info("date unblocked", "date", FormatDate(date), "actor", actor.ID)
	return nil
}

func (s *Service) ListBlockedDates(ctx context.Context, from, to *time.Time) ([]BlockedDate, error) {
	if from != nil && to != nil && from.After(*to) {
		return nil, fmt.Errorf("%w: from is after to", ErrInvalidDate)
	}
	dates, err := s.repo.ListBlockedDates(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("list blocked dates: %w", err)
	}
	return dates, nil
}
