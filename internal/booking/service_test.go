package booking

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-appointments/internal/lock"
	"github.com/hackgods/clinic-appointments/internal/logging"
	"github.com/hackgods/clinic-appointments/internal/metrics"
	redisclient "github.com/hackgods/clinic-appointments/internal/redis"
	"github.com/hackgods/clinic-appointments/internal/slots"
)

var (
	staff   = Actor{ID: "dr-ann", Role: RoleDentist}
	admin   = Actor{ID: "admin-1", Role: RoleAdmin}
	fixedAt = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
)

func patient(id string) Actor {
	return Actor{ID: id, Role: RolePatient}
}

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := ParseDate(s)
	require.NoError(t, err)
	return d
}

func testLogger() *logging.Logger {
	return logging.NewWithWriter(io.Discard, "error")
}

func newTestService(t *testing.T, repo Repository, locker lock.Locker, mutate func(*Options)) *Service {
	t.Helper()
	catalog, err := slots.Default(slots.DefaultCapacity)
	require.NoError(t, err)

	opts := Options{
		Policy:        PolicyOnePerDate,
		CommitTimeout: 2 * time.Second,
		MaxAttempts:   3,
		RetryBackoff:  time.Millisecond,
		Now:           func() time.Time { return fixedAt },
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewService(repo, locker, catalog, opts, testLogger())
}

func remaining(t *testing.T, svc *Service, date time.Time, slotID int) int {
	t.Helper()
	av, err := svc.GetAvailability(context.Background(), date)
	require.NoError(t, err)
	for _, s := range av.Slots {
		if s.Slot.ID == slotID {
			return s.RemainingCapacity
		}
	}
	t.Fatalf("slot %d missing from availability", slotID)
	return 0
}

func TestScenarioA_FullSlotRejectsBooking(t *testing.T) {
	repo := NewMemoryRepository()
	svc := newTestService(t, repo, lock.NewLocalLocker(), nil)
	ctx := context.Background()
	date := mustDate(t, "2024-06-01")

	for i := 1; i <= 3; i++ {
		_, err := svc.CreateBooking(ctx, staff, CreateRequest{PatientID: fmt.Sprintf("p%d", i), Date: date, SlotID: 1})
		require.NoError(t, err)
	}

	_, err := svc.CreateBooking(ctx, patient("p4"), CreateRequest{PatientID: "p4", Date: date, SlotID: 1})
	assert.ErrorIs(t, err, ErrSlotFull)

	av, err := svc.GetAvailability(ctx, date)
	require.NoError(t, err)
	require.Len(t, av.Slots, 4)
	assert.Equal(t, 1, av.Slots[0].Slot.ID)
	assert.Equal(t, 0, av.Slots[0].RemainingCapacity)
	assert.False(t, av.Slots[0].IsAvailable)
	assert.Equal(t, 3, av.Slots[1].RemainingCapacity)
	assert.True(t, av.Slots[1].IsAvailable)
}

func TestScenarioB_BlockedDate(t *testing.T) {
	repo := NewMemoryRepository()
	svc := newTestService(t, repo, lock.NewLocalLocker(), nil)
	ctx := context.Background()
	date := mustDate(t, "2024-06-02")

	_, err := svc.BlockDate(ctx, admin, date, "faculty exams")
	require.NoError(t, err)

	_, err = svc.GetAvailability(ctx, date)
	assert.ErrorIs(t, err, ErrDateBlocked)

	for _, slot := range svc.Catalog().List() {
		_, err := svc.CreateBooking(ctx, patient("p1"), CreateRequest{PatientID: "p1", Date: date, SlotID: slot.ID})
		assert.ErrorIs(t, err, ErrDateBlocked)
	}

	bookings, err := repo.ListBookings(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, bookings)
}

func TestScenarioC_ConcurrentBookingsRespectCapacity(t *testing.T) {
	lockers := map[string]func(t *testing.T) lock.Locker{
		"local": func(t *testing.T) lock.Locker { return lock.NewLocalLocker() },
		"redis": func(t *testing.T) lock.Locker {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return redisclient.NewRedisLocker(client, 5*time.Second)
		},
	}

	for name, newLocker := range lockers {
		t.Run(name, func(t *testing.T) {
			repo := NewMemoryRepository()
			svc := newTestService(t, repo, newLocker(t), nil)
			date := mustDate(t, "2024-06-03")

			var created, full int32
			start := make(chan struct{})
			var wg sync.WaitGroup
			for i := 1; i <= 4; i++ {
				wg.Add(1)
				go func(id string) {
					defer wg.Done()
					<-start
					_, err := svc.CreateBooking(context.Background(), patient(id), CreateRequest{PatientID: id, Date: date, SlotID: 2})
					switch {
					case err == nil:
						atomic.AddInt32(&created, 1)
					case errors.Is(err, ErrSlotFull):
						atomic.AddInt32(&full, 1)
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}(fmt.Sprintf("patient-%d", i))
			}
			close(start)
			wg.Wait()

			assert.Equal(t, int32(3), created)
			assert.Equal(t, int32(1), full)
			assert.Equal(t, 0, remaining(t, svc, date, 2))
		})
	}
}

func TestScenarioD_DeclinedIsTerminal(t *testing.T) {
	svc := newTestService(t, NewMemoryRepository(), lock.NewLocalLocker(), nil)
	ctx := context.Background()

	b, err := svc.CreateBooking(ctx, patient("p1"), CreateRequest{PatientID: "p1", Date: mustDate(t, "2024-06-04"), SlotID: 3})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, b.Status)

	declined, err := svc.SetBookingStatus(ctx, staff, b.ID, StatusDeclined)
	require.NoError(t, err)
	assert.Equal(t, StatusDeclined, declined.Status)

	_, err = svc.SetBookingStatus(ctx, staff, b.ID, StatusConfirmed)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCapacityInvariantUnderLoad(t *testing.T) {
	repo := NewMemoryRepository()
	svc := newTestService(t, repo, lock.NewLocalLocker(), func(o *Options) {
		o.Policy = PolicyUnrestricted
		o.CommitTimeout = 5 * time.Second
	})
	dates := []time.Time{mustDate(t, "2024-06-10"), mustDate(t, "2024-06-11")}

	var wg sync.WaitGroup
	for i := 0; i < 80; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(int64(i)))
			id := fmt.Sprintf("p%d", i)
			b, err := svc.CreateBooking(context.Background(), patient(id), CreateRequest{
				PatientID: id,
				Date:      dates[r.Intn(len(dates))],
				SlotID:    1 + r.Intn(4),
			})
			if err != nil {
				assert.ErrorIs(t, err, ErrSlotFull)
				return
			}
			// some patients cancel, which frees the place again
			if r.Intn(4) == 0 {
				_, err := svc.CancelBooking(context.Background(), patient(id), b.ID)
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	for _, d := range dates {
		counts, err := repo.CountActiveBySlot(context.Background(), d)
		require.NoError(t, err)
		for slotID, n := range counts {
			assert.LessOrEqual(t, n, 3, "date %s slot %d", FormatDate(d), slotID)
		}
	}
}

func TestAvailabilityIsIdempotentAndDecrements(t *testing.T) {
	svc := newTestService(t, NewMemoryRepository(), lock.NewLocalLocker(), nil)
	ctx := context.Background()
	date := mustDate(t, "2024-06-05")

	first, err := svc.GetAvailability(ctx, date)
	require.NoError(t, err)
	second, err := svc.GetAvailability(ctx, date)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	for i := 0; i < 3; i++ {
		before := remaining(t, svc, date, 4)
		id := fmt.Sprintf("p%d", i)
		_, err := svc.CreateBooking(ctx, patient(id), CreateRequest{PatientID: id, Date: date, SlotID: 4})
		require.NoError(t, err)
		assert.Equal(t, before-1, remaining(t, svc, date, 4))
	}
}

func TestCancelledBookingFreesCapacity(t *testing.T) {
	catalog, err := slots.New([]slots.Slot{{ID: 1, Label: "only", Capacity: 1}})
	require.NoError(t, err)
	svc := newTestService(t, NewMemoryRepository(), lock.NewLocalLocker(), nil)
	svc.catalog = catalog
	ctx := context.Background()
	date := mustDate(t, "2024-06-06")

	b, err := svc.CreateBooking(ctx, patient("p1"), CreateRequest{PatientID: "p1", Date: date, SlotID: 1})
	require.NoError(t, err)

	_, err = svc.CreateBooking(ctx, patient("p2"), CreateRequest{PatientID: "p2", Date: date, SlotID: 1})
	assert.ErrorIs(t, err, ErrSlotFull)

	_, err = svc.CancelBooking(ctx, patient("p1"), b.ID)
	require.NoError(t, err)

	_, err = svc.CreateBooking(ctx, patient("p2"), CreateRequest{PatientID: "p2", Date: date, SlotID: 1})
	assert.NoError(t, err)
}

func TestCreateBookingValidation(t *testing.T) {
	svc := newTestService(t, NewMemoryRepository(), lock.NewLocalLocker(), func(o *Options) {
		o.HorizonDays = 60
	})
	ctx := context.Background()

	tests := []struct {
		name  string
		actor Actor
		req   CreateRequest
		want  error
	}{
		{"unknown slot", patient("p1"), CreateRequest{PatientID: "p1", Date: mustDate(t, "2024-06-01"), SlotID: 9}, ErrInvalidSlot},
		{"past date", patient("p1"), CreateRequest{PatientID: "p1", Date: mustDate(t, "2024-04-30"), SlotID: 1}, ErrInvalidDate},
		{"beyond horizon", patient("p1"), CreateRequest{PatientID: "p1", Date: mustDate(t, "2024-08-01"), SlotID: 1}, ErrInvalidDate},
		{"missing patient", staff, CreateRequest{PatientID: "  ", Date: mustDate(t, "2024-06-01"), SlotID: 1}, ErrInvalidInput},
		{"booking for someone else", patient("p1"), CreateRequest{PatientID: "p2", Date: mustDate(t, "2024-06-01"), SlotID: 1}, ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateBooking(ctx, tt.actor, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	// today is allowed
	_, err := svc.CreateBooking(ctx, patient("p1"), CreateRequest{PatientID: "p1", Date: mustDate(t, "2024-05-01"), SlotID: 1})
	assert.NoError(t, err)
}

func TestTodayUsesClinicTimezone(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	svc := newTestService(t, NewMemoryRepository(), lock.NewLocalLocker(), func(o *Options) {
		o.Location = loc
		// 20:00 UTC on May 1st is already May 2nd in the clinic
		o.Now = func() time.Time { return time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC) }
	})

	_, err := svc.CreateBooking(context.Background(), patient("p1"), CreateRequest{PatientID: "p1", Date: mustDate(t, "2024-05-01"), SlotID: 1})
	assert.ErrorIs(t, err, ErrInvalidDate)
}

func TestPatientPolicies(t *testing.T) {
	ctx := context.Background()
	d1 := mustDate(t, "2024-06-01")
	d2 := mustDate(t, "2024-06-02")

	t.Run("one per date", func(t *testing.T) {
		svc := newTestService(t, NewMemoryRepository(), lock.NewLocalLocker(), nil)
		_, err := svc.CreateBooking(ctx, patient("p1"), CreateRequest{PatientID: "p1", Date: d1, SlotID: 1})
		require.NoError(t, err)
		_, err = svc.CreateBooking(ctx, patient("p1"), CreateRequest{PatientID: "p1", Date: d1, SlotID: 2})
		assert.ErrorIs(t, err, ErrPatientAlreadyBooked)
		_, err = svc.CreateBooking(ctx, patient("p1"), CreateRequest{PatientID: "p1", Date: d2, SlotID: 2})
		assert.NoError(t, err)
	})

	t.Run("one active", func(t *testing.T) {
		svc := newTestService(t, NewMemoryRepository(), lock.NewLocalLocker(), func(o *Options) { o.Policy = PolicyOneActive })
		b, err := svc.CreateBooking(ctx, patient("p1"), CreateRequest{PatientID: "p1", Date: d1, SlotID: 1})
		require.NoError(t, err)
		_, err = svc.CreateBooking(ctx, patient("p1"), CreateRequest{PatientID: "p1", Date: d2, SlotID: 2})
		assert.ErrorIs(t, err, ErrPatientAlreadyBooked)

		_, err = svc.SetBookingStatus(ctx, staff, b.ID, StatusDeclined)
		require.NoError(t, err)
		_, err = svc.CreateBooking(ctx, patient("p1"), CreateRequest{PatientID: "p1", Date: d2, SlotID: 2})
		assert.NoError(t, err)
	})

	t.Run("unrestricted", func(t *testing.T) {
		svc := newTestService(t, NewMemoryRepository(), lock.NewLocalLocker(), func(o *Options) { o.Policy = PolicyUnrestricted })
		_, err := svc.CreateBooking(ctx, patient("p1"), CreateRequest{PatientID: "p1", Date: d1, SlotID: 1})
		require.NoError(t, err)
		_, err = svc.CreateBooking(ctx, patient("p1"), CreateRequest{PatientID: "p1", Date: d1, SlotID: 1})
		assert.NoError(t, err)
	})
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	ctx := context.Background()
	all := []Status{StatusPending, StatusConfirmed, StatusDeclined, StatusCancelled}

	for _, terminal := range []Status{StatusDeclined, StatusCancelled} {
		t.Run(string(terminal), func(t *testing.T) {
			svc := newTestService(t, NewMemoryRepository(), lock.NewLocalLocker(), nil)
			b, err := svc.CreateBooking(ctx, patient("p1"), CreateRequest{PatientID: "p1", Date: mustDate(t, "2024-06-07"), SlotID: 1})
			require.NoError(t, err)
			_, err = svc.SetBookingStatus(ctx, staff, b.ID, terminal)
			require.NoError(t, err)

			for _, to := range all {
				_, err := svc.SetBookingStatus(ctx, staff, b.ID, to)
				assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", terminal, to)
			}
		})
	}

	t.Run("confirmed only cancels", func(t *testing.T) {
		svc := newTestService(t, NewMemoryRepository(), lock.NewLocalLocker(), nil)
		b, err := svc.CreateBooking(ctx, patient("p1"), CreateRequest{PatientID: "p1", Date: mustDate(t, "2024-06-07"), SlotID: 1})
		require.NoError(t, err)
		_, err = svc.SetBookingStatus(ctx, staff, b.ID, StatusConfirmed)
		require.NoError(t, err)

		for _, to := range []Status{StatusPending, StatusConfirmed, StatusDeclined} {
			_, err := svc.SetBookingStatus(ctx, staff, b.ID, to)
			assert.ErrorIs(t, err, ErrInvalidTransition)
		}
		cancelled, err := svc.CancelBooking(ctx, patient("p1"), b.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, cancelled.Status)
		assert.Equal(t, "p1", cancelled.StatusChangedBy)
	})
}

func TestStatusChangePermissions(t *testing.T) {
	svc := newTestService(t, NewMemoryRepository(), lock.NewLocalLocker(), nil)
	ctx := context.Background()

	b, err := svc.CreateBooking(ctx, patient("p1"), CreateRequest{PatientID: "p1", Date: mustDate(t, "2024-06-08"), SlotID: 1})
	require.NoError(t, err)

	_, err = svc.SetBookingStatus(ctx, patient("p1"), b.ID, StatusConfirmed)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.CancelBooking(ctx, patient("p2"), b.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.SetBookingStatus(ctx, staff, uuid.New(), StatusConfirmed)
	assert.ErrorIs(t, err, ErrBookingNotFound)

	_, err = svc.SetBookingStatus(ctx, staff, b.ID, Status("archived"))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.SetBookingStatus(ctx, admin, b.ID, StatusConfirmed)
	assert.NoError(t, err)
}

// flakyRepository fails the first n commits with a transient error.
type flakyRepository struct {
	*MemoryRepository
	failures int32
	calls    int32
}

func (f *flakyRepository) CommitBooking(ctx context.Context, req CommitRequest) (*Booking, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.failures {
		return nil, fmt.Errorf("%w: connection reset", ErrTransientStore)
	}
	return f.MemoryRepository.CommitBooking(ctx, req)
}

func TestTransientCommitIsRetried(t *testing.T) {
	repo := &flakyRepository{MemoryRepository: NewMemoryRepository(), failures: 2}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	svc := newTestService(t, repo, lock.NewLocalLocker(), func(o *Options) { o.Metrics = m })

	b, err := svc.CreateBooking(context.Background(), patient("p1"), CreateRequest{PatientID: "p1", Date: mustDate(t, "2024-06-09"), SlotID: 1})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, b.ID)
	assert.Equal(t, int32(3), atomic.LoadInt32(&repo.calls))

	count, err := testutil.GatherAndCount(reg, "clinic_booking_commit_retries_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestTransientCommitGivesUp(t *testing.T) {
	repo := &flakyRepository{MemoryRepository: NewMemoryRepository(), failures: 10}
	svc := newTestService(t, repo, lock.NewLocalLocker(), nil)

	_, err := svc.CreateBooking(context.Background(), patient("p1"), CreateRequest{PatientID: "p1", Date: mustDate(t, "2024-06-09"), SlotID: 1})
	assert.ErrorIs(t, err, ErrTransientStore)
	assert.Equal(t, int32(3), atomic.LoadInt32(&repo.calls))

	bookings, err := repo.ListBookings(context.Background(), ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, bookings)
}

func TestLockTimeoutIsTransient(t *testing.T) {
	locker := lock.NewLocalLocker()
	svc := newTestService(t, NewMemoryRepository(), locker, func(o *Options) {
		o.CommitTimeout = 20 * time.Millisecond
		o.MaxAttempts = 2
	})
	date := mustDate(t, "2024-06-12")

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = locker.WithLock(context.Background(), slotLockKey(date, 1), func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	_, err := svc.CreateBooking(context.Background(), patient("p1"), CreateRequest{PatientID: "p1", Date: date, SlotID: 1})
	assert.ErrorIs(t, err, ErrTransientStore)
}

func TestRedisOutageIsTransient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := NewMemoryRepository()
	svc := newTestService(t, repo, redisclient.NewRedisLocker(client, 5*time.Second), func(o *Options) {
		o.CommitTimeout = 200 * time.Millisecond
		o.MaxAttempts = 2
	})
	mr.Close()

	date := mustDate(t, "2024-06-13")
	_, err := svc.CreateBooking(context.Background(), patient("p1"), CreateRequest{PatientID: "p1", Date: date, SlotID: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransientStore)
	assert.Equal(t, 3, remaining(t, svc, date, 1))
}

func TestQueries(t *testing.T) {
	svc := newTestService(t, NewMemoryRepository(), lock.NewLocalLocker(), nil)
	ctx := context.Background()

	first, err := svc.CreateBooking(ctx, patient("p1"), CreateRequest{PatientID: "p1", Date: mustDate(t, "2024-06-01"), SlotID: 1})
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	second, err := svc.CreateBooking(ctx, patient("p1"), CreateRequest{PatientID: "p1", Date: mustDate(t, "2024-06-03"), SlotID: 2})
	require.NoError(t, err)
	_, err = svc.CreateBooking(ctx, patient("p2"), CreateRequest{PatientID: "p2", Date: mustDate(t, "2024-06-01"), SlotID: 1})
	require.NoError(t, err)

	got, err := svc.GetBooking(ctx, patient("p1"), first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	_, err = svc.GetBooking(ctx, patient("p2"), first.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	list, err := svc.ListPatientBookings(ctx, patient("p1"), "p1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = svc.ListPatientBookings(ctx, patient("p2"), "p1", 0, 0)
	assert.ErrorIs(t, err, ErrForbidden)

	latest, err := svc.LatestPatientBooking(ctx, patient("p1"), "p1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	_, err = svc.LatestPatientBooking(ctx, staff, "nobody")
	assert.ErrorIs(t, err, ErrBookingNotFound)

	from := mustDate(t, "2024-06-01")
	to := mustDate(t, "2024-06-01")
	day, err := svc.ListBookings(ctx, staff, ListFilter{From: &from, To: &to, SlotID: 1})
	require.NoError(t, err)
	assert.Len(t, day, 2)

	_, err = svc.ListBookings(ctx, patient("p1"), ListFilter{})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.ListBookings(ctx, staff, ListFilter{SlotID: 7})
	assert.ErrorIs(t, err, ErrInvalidSlot)
}

func TestBlocklistManagement(t *testing.T) {
	svc := newTestService(t, NewMemoryRepository(), lock.NewLocalLocker(), nil)
	ctx := context.Background()
	date := mustDate(t, "2024-06-20")

	_, err := svc.BlockDate(ctx, patient("p1"), date, "")
	assert.ErrorIs(t, err, ErrForbidden)

	bd, err := svc.BlockDate(ctx, admin, date, "holiday")
	require.NoError(t, err)
	assert.Equal(t, "holiday", bd.Reason)

	// idempotent
	bd, err = svc.BlockDate(ctx, admin, date, "public holiday")
	require.NoError(t, err)
	assert.Equal(t, "public holiday", bd.Reason)

	dates, err := svc.ListBlockedDates(ctx, nil, nil)
	require.NoError(t, err)
	require.Len(t, dates, 1)

	blocked, err := svc.IsDateBlocked(ctx, date)
	require.NoError(t, err)
	assert.True(t, blocked)

	require.NoError(t, svc.UnblockDate(ctx, admin, date))
	assert.ErrorIs(t, svc.UnblockDate(ctx, admin, date), ErrBlockedDateNotFound)

	_, err = svc.GetAvailability(ctx, date)
	assert.NoError(t, err)
}

func TestBlockingKeepsExistingBookings(t *testing.T) {
	repo := NewMemoryRepository()
	svc := newTestService(t, repo, lock.NewLocalLocker(), nil)
	ctx := context.Background()
	date := mustDate(t, "2024-06-21")

	b, err := svc.CreateBooking(ctx, patient("p1"), CreateRequest{PatientID: "p1", Date: date, SlotID: 1})
	require.NoError(t, err)

	_, err = svc.BlockDate(ctx, staff, date, "")
	require.NoError(t, err)

	got, err := svc.GetBooking(ctx, staff, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestEventsRecordedForChanges(t *testing.T) {
	repo := NewMemoryRepository()
	svc := newTestService(t, repo, lock.NewLocalLocker(), nil)
	ctx := context.Background()

	b, err := svc.CreateBooking(ctx, patient("p1"), CreateRequest{PatientID: "p1", Date: mustDate(t, "2024-06-01"), SlotID: 1})
	require.NoError(t, err)
	_, err = svc.SetBookingStatus(ctx, staff, b.ID, StatusConfirmed)
	require.NoError(t, err)

	events, err := repo.PendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventBookingCreated, events[0].Type)
	assert.Equal(t, EventBookingConfirmed, events[1].Type)
	assert.Equal(t, b.ID, events[1].BookingID)
	assert.Contains(t, string(events[1].Payload), `"status":"confirmed"`)

	require.NoError(t, repo.MarkDelivered(ctx, []int64{events[0].ID}))
	events, err = repo.PendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventBookingConfirmed, events[0].Type)
}
