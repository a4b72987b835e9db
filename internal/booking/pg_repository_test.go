package booking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var bookingCols = []string{"id", "patient_id", "booking_date", "slot_id", "status", "status_changed_by", "created_at", "updated_at"}

func newMockRepo(t *testing.T) (*PgRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return newPgRepositoryWithPool(mock), mock
}

func commitRequest(t *testing.T, policy PatientPolicy) CommitRequest {
	return CommitRequest{
		PatientID: "p1",
		Date:      mustDate(t, "2024-06-01"),
		SlotID:    1,
		Capacity:  3,
		Policy:    policy,
		Today:     mustDate(t, "2024-05-01"),
		Actor:     "p1",
	}
}

func TestPgCommitBookingInsertsBookingAndEvent(t *testing.T) {
	repo, mock := newMockRepo(t)
	req := commitRequest(t, PolicyOnePerDate)
	id := uuid.New()
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs("booking:2024-06-01:1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs("patient:p1:2024-06-01").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("FROM blocked_dates").
		WithArgs(req.Date).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("WHERE patient_id = \\$1 AND booking_date = \\$2").
		WithArgs("p1", req.Date, activeStatusStrings()).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("AND slot_id = \\$2").
		WithArgs(req.Date, 1, activeStatusStrings()).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery("INSERT INTO bookings").
		WithArgs(pgxmock.AnyArg(), "p1", req.Date, 1, "pending", "p1").
		WillReturnRows(pgxmock.NewRows(bookingCols).
			AddRow(id, "p1", req.Date, 1, "pending", "p1", now, now))
	mock.ExpectExec("INSERT INTO booking_events").
		WithArgs(EventBookingCreated, id, pgxmock.AnyArg(), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	b, err := repo.CommitBooking(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, id, b.ID)
	assert.Equal(t, StatusPending, b.Status)
	assert.Equal(t, 1, b.SlotID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgCommitBookingRejectsFullSlot(t *testing.T) {
	repo, mock := newMockRepo(t)
	req := commitRequest(t, PolicyUnrestricted)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs("booking:2024-06-01:1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("FROM blocked_dates").
		WithArgs(req.Date).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("AND slot_id = \\$2").
		WithArgs(req.Date, 1, activeStatusStrings()).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectRollback()

	_, err := repo.CommitBooking(context.Background(), req)
	assert.ErrorIs(t, err, ErrSlotFull)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgCommitBookingRejectsBlockedDate(t *testing.T) {
	repo, mock := newMockRepo(t)
	req := commitRequest(t, PolicyOnePerDate)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs("booking:2024-06-01:1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs("patient:p1:2024-06-01").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("FROM blocked_dates").
		WithArgs(req.Date).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := repo.CommitBooking(context.Background(), req)
	assert.ErrorIs(t, err, ErrDateBlocked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgCommitBookingOneActivePolicy(t *testing.T) {
	repo, mock := newMockRepo(t)
	req := commitRequest(t, PolicyOneActive)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs("booking:2024-06-01:1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs("patient:p1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("FROM blocked_dates").
		WithArgs(req.Date).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("booking_date >= \\$2").
		WithArgs("p1", req.Today, activeStatusStrings()).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	_, err := repo.CommitBooking(context.Background(), req)
	assert.ErrorIs(t, err, ErrPatientAlreadyBooked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgCommitBookingTransientErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001"}},
		{"deadlock", &pgconn.PgError{Code: "40P01"}},
		{"deadline", context.DeadlineExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newMockRepo(t)
			mock.ExpectBegin()
			mock.ExpectExec("pg_advisory_xact_lock").
				WithArgs("booking:2024-06-01:1").
				WillReturnError(tt.err)
			mock.ExpectRollback()

			_, err := repo.CommitBooking(context.Background(), commitRequest(t, PolicyUnrestricted))
			assert.ErrorIs(t, err, ErrTransientStore)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}

	t.Run("constraint violation is not transient", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectBegin().WillReturnError(&pgconn.PgError{Code: "23505"})

		_, err := repo.CommitBooking(context.Background(), commitRequest(t, PolicyUnrestricted))
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrTransientStore))
	})
}

func TestPgUpdateBookingStatus(t *testing.T) {
	id := uuid.New()
	date := mustDate(t, "2024-06-01")
	now := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)

	t.Run("applies conditional update", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE bookings").
			WithArgs(id, "confirmed", "pending", "dr-ann").
			WillReturnRows(pgxmock.NewRows(bookingCols).
				AddRow(id, "p1", date, 2, "confirmed", "dr-ann", now, now))
		mock.ExpectExec("INSERT INTO booking_events").
			WithArgs(EventBookingConfirmed, id, pgxmock.AnyArg(), now).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()

		b, err := repo.UpdateBookingStatus(context.Background(), StatusChange{
			ID: id, From: StatusPending, To: StatusConfirmed, Actor: "dr-ann",
		})
		require.NoError(t, err)
		assert.Equal(t, StatusConfirmed, b.Status)
		assert.Equal(t, "dr-ann", b.StatusChangedBy)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("status moved on concurrently", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE bookings").
			WithArgs(id, "declined", "pending", "dr-ann").
			WillReturnRows(pgxmock.NewRows(bookingCols))
		mock.ExpectRollback()

		_, err := repo.UpdateBookingStatus(context.Background(), StatusChange{
			ID: id, From: StatusPending, To: StatusDeclined, Actor: "dr-ann",
		})
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPgGetBookingNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()
	mock.ExpectQuery("FROM bookings WHERE id = \\$1").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(bookingCols))

	_, err := repo.GetBooking(context.Background(), id)
	assert.ErrorIs(t, err, ErrBookingNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgCountActiveBySlot(t *testing.T) {
	repo, mock := newMockRepo(t)
	date := mustDate(t, "2024-06-01")

	mock.ExpectQuery("GROUP BY slot_id").
		WithArgs(date, activeStatusStrings()).
		WillReturnRows(pgxmock.NewRows([]string{"slot_id", "count"}).
			AddRow(1, 3).
			AddRow(4, 1))

	counts, err := repo.CountActiveBySlot(context.Background(), date)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{1: 3, 4: 1}, counts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgListBookingsBuildsFilter(t *testing.T) {
	repo, mock := newMockRepo(t)
	from := mustDate(t, "2024-06-01")
	now := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM bookings WHERE patient_id = \\$1 AND booking_date >= \\$2 AND slot_id = \\$3 ORDER BY booking_date, slot_id, created_at LIMIT 10 OFFSET 20").
		WithArgs("p1", from, 2).
		WillReturnRows(pgxmock.NewRows(bookingCols).
			AddRow(uuid.New(), "p1", from, 2, "pending", "p1", now, now))

	list, err := repo.ListBookings(context.Background(), ListFilter{
		PatientID: "p1",
		From:      &from,
		SlotID:    2,
		Limit:     10,
		Offset:    20,
	})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "p1", list[0].PatientID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgBlocklist(t *testing.T) {
	date := mustDate(t, "2024-06-02")
	now := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)

	t.Run("block upserts", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery("ON CONFLICT \\(blocked_on\\) DO UPDATE").
			WithArgs(date, "exams", "admin-1").
			WillReturnRows(pgxmock.NewRows([]string{"blocked_on", "reason", "created_by", "created_at"}).
				AddRow(date, "exams", "admin-1", now))

		bd, err := repo.BlockDate(context.Background(), BlockedDate{Date: date, Reason: "exams", CreatedBy: "admin-1"})
		require.NoError(t, err)
		assert.Equal(t, "exams", bd.Reason)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unblock missing date", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec("DELETE FROM blocked_dates").
			WithArgs(date).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))

		assert.ErrorIs(t, repo.UnblockDate(context.Background(), date), ErrBlockedDateNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("is blocked", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery("FROM blocked_dates WHERE blocked_on = \\$1").
			WithArgs(date).
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

		blocked, err := repo.IsDateBlocked(context.Background(), date)
		require.NoError(t, err)
		assert.True(t, blocked)
	})
}

func TestPgOutbox(t *testing.T) {
	repo, mock := newMockRepo(t)
	bookingID := uuid.New()
	now := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	cols := []string{"id", "event_type", "booking_id", "payload", "created_at"}

	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(10, EventClaimLease.Seconds()).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow(int64(9), EventBookingConfirmed, bookingID, []byte(`{"status":"confirmed"}`), now).
			AddRow(int64(7), EventBookingCreated, bookingID, []byte(`{"status":"pending"}`), now))
	mock.ExpectExec("UPDATE booking_events SET delivered_at").
		WithArgs([]int64{7, 9}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	events, err := repo.PendingEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(7), events[0].ID)
	assert.Equal(t, int64(9), events[1].ID)
	assert.Equal(t, bookingID, events[0].BookingID)

	require.NoError(t, repo.MarkDelivered(context.Background(), []int64{7, 9}))
	require.NoError(t, repo.MarkDelivered(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgOutboxNothingWhileClaimed(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("claimed_until > now\\(\\)").
		WithArgs(100, EventClaimLease.Seconds()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "event_type", "booking_id", "payload", "created_at"}))

	events, err := repo.PendingEvents(context.Background(), 100)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.NoError(t, mock.ExpectationsWereMet())
}
