package booking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgxPool is the subset of *pgxpool.Pool the repository uses, so pgxmock can
// stand in for it.
type pgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	pool pgxPool
	psql sq.StatementBuilderType
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	if pool == nil {
		panic("booking: pgx pool required")
	}
	return newPgRepositoryWithPool(pool)
}

func newPgRepositoryWithPool(pool pgxPool) *PgRepository {
	return &PgRepository{
		pool: pool,
		psql: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

const bookingColumns = "id, patient_id, booking_date, slot_id, status, status_changed_by, created_at, updated_at"

// Helpers

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	var status string

	err := row.Scan(
		&b.ID,
		&b.PatientID,
		&b.Date,
		&b.SlotID,
		&status,
		&b.StatusChangedBy,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}

	b.Status = Status(status)
	b.Date = NormalizeDate(b.Date)
	return &b, nil
}

func scanBlockedDate(row pgx.Row) (*BlockedDate, error) {
	var bd BlockedDate
	if err := row.Scan(&bd.Date, &bd.Reason, &bd.CreatedBy, &bd.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBlockedDateNotFound
		}
		return nil, err
	}
	bd.Date = NormalizeDate(bd.Date)
	return &bd, nil
}

// storeError marks failures that left nothing committed and are worth
// retrying as ErrTransientStore.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %s: %v", ErrTransientStore, op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "57014":
			return fmt.Errorf("%w: %s: %v", ErrTransientStore, op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func activeStatusStrings() []string {
	out := make([]string, len(ActiveStatuses))
	for i, s := range ActiveStatuses {
		out[i] = string(s)
	}
	return out
}

// Blocklist

func (r *PgRepository) IsDateBlocked(ctx context.Context, date time.Time) (bool, error) {
	var blocked bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM blocked_dates WHERE blocked_on = $1)
	`, date).Scan(&blocked)
	if err != nil {
		return false, storeError("check blocked date", err)
	}
	return blocked, nil
}

func (r *PgRepository) BlockDate(ctx context.Context, bd BlockedDate) (*BlockedDate, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO blocked_dates (blocked_on, reason, created_by, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (blocked_on) DO UPDATE SET reason = EXCLUDED.reason
		RETURNING blocked_on, reason, created_by, created_at
	`, bd.Date, bd.Reason, bd.CreatedBy)

	stored, err := scanBlockedDate(row)
	if err != nil {
		return nil, storeError("block date", err)
	}
	return stored, nil
}

func (r *PgRepository) UnblockDate(ctx context.Context, date time.Time) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM blocked_dates WHERE blocked_on = $1`, date)
	if err != nil {
		return storeError("unblock date", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBlockedDateNotFound
	}
	return nil
}

func (r *PgRepository) ListBlockedDates(ctx context.Context, from, to *time.Time) ([]BlockedDate, error) {
	q := r.psql.
		Select("blocked_on", "reason", "created_by", "created_at").
		From("blocked_dates").
		OrderBy("blocked_on")
	if from != nil {
		q = q.Where(sq.GtOrEq{"blocked_on": *from})
	}
	if to != nil {
		q = q.Where(sq.LtOrEq{"blocked_on": *to})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build blocked dates query: %w", err)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeError("list blocked dates", err)
	}
	defer rows.Close()

	var result []BlockedDate
	for rows.Next() {
		bd, err := scanBlockedDate(rows)
		if err != nil {
			return nil, storeError("scan blocked date", err)
		}
		result = append(result, *bd)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list blocked dates", err)
	}
	return result, nil
}

// Availability

func (r *PgRepository) CountActiveBySlot(ctx context.Context, date time.Time) (map[int]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT slot_id, count(*)
		FROM bookings
		WHERE booking_date = $1
		  AND status = ANY($2)
		GROUP BY slot_id
	`, date, activeStatusStrings())
	if err != nil {
		return nil, storeError("count active bookings", err)
	}
	defer rows.Close()

	counts := make(map[int]int)
	for rows.Next() {
		var slotID, n int
		if err := rows.Scan(&slotID, &n); err != nil {
			return nil, storeError("scan slot count", err)
		}
		counts[slotID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("count active bookings", err)
	}
	return counts, nil
}

// Commit path

func (r *PgRepository) CommitBooking(ctx context.Context, req CommitRequest) (*Booking, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, storeError("begin booking tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serializes commits for the same (date, slot) across every API instance,
	// even when the distributed lock is unavailable.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, slotLockKey(req.Date, req.SlotID)); err != nil {
		return nil, storeError("lock slot", err)
	}
	if req.Policy != PolicyUnrestricted {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, patientLockKey(req.PatientID, req.Date, req.Policy)); err != nil {
			return nil, storeError("lock patient", err)
		}
	}

	var blocked bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM blocked_dates WHERE blocked_on = $1)
	`, req.Date).Scan(&blocked); err != nil {
		return nil, storeError("recheck blocked date", err)
	}
	if blocked {
		return nil, ErrDateBlocked
	}

	if err := r.checkPatientPolicy(ctx, tx, req); err != nil {
		return nil, err
	}

	var taken int
	if err := tx.QueryRow(ctx, `
		SELECT count(*)
		FROM bookings
		WHERE booking_date = $1
		  AND slot_id = $2
		  AND status = ANY($3)
	`, req.Date, req.SlotID, activeStatusStrings()).Scan(&taken); err != nil {
		return nil, storeError("count slot bookings", err)
	}
	if taken >= req.Capacity {
		return nil, ErrSlotFull
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO bookings (id, patient_id, booking_date, slot_id, status, status_changed_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		RETURNING `+bookingColumns,
		uuid.New(), req.PatientID, req.Date, req.SlotID, string(StatusPending), req.Actor)
	created, err := scanBooking(row)
	if err != nil {
		return nil, storeError("insert booking", err)
	}

	if err := insertEvent(ctx, tx, newEvent(created, req.Actor, created.CreatedAt)); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storeError("commit booking", err)
	}
	return created, nil
}

func (r *PgRepository) checkPatientPolicy(ctx context.Context, tx pgx.Tx, req CommitRequest) error {
	var (
		query string
		args  []any
	)
	switch req.Policy {
	case PolicyOnePerDate:
		query = `
			SELECT count(*) FROM bookings
			WHERE patient_id = $1 AND booking_date = $2 AND status = ANY($3)
		`
		args = []any{req.PatientID, req.Date, activeStatusStrings()}
	case PolicyOneActive:
		query = `
			SELECT count(*) FROM bookings
			WHERE patient_id = $1 AND booking_date >= $2 AND status = ANY($3)
		`
		args = []any{req.PatientID, req.Today, activeStatusStrings()}
	default:
		return nil
	}

	var n int
	if err := tx.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return storeError("check patient bookings", err)
	}
	if n > 0 {
		return ErrPatientAlreadyBooked
	}
	return nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, ev Event) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO booking_events (event_type, booking_id, payload, created_at)
		VALUES ($1, $2, $3, $4)
	`, ev.Type, ev.BookingID, ev.Payload, ev.CreatedAt)
	if err != nil {
		return storeError("insert booking event", err)
	}
	return nil
}

func (r *PgRepository) UpdateBookingStatus(ctx context.Context, change StatusChange) (*Booking, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, storeError("begin status tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		UPDATE bookings
		SET status = $2,
		    status_changed_by = $4,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+bookingColumns,
		change.ID, string(change.To), string(change.From), change.Actor)

	updated, err := scanBooking(row)
	if err != nil {
		if errors.Is(err, ErrBookingNotFound) {
			// the row exists (the caller loaded it); its status moved on
			return nil, fmt.Errorf("%w: booking is no longer %s", ErrInvalidTransition, change.From)
		}
		return nil, storeError("update booking status", err)
	}

	if err := insertEvent(ctx, tx, newEvent(updated, change.Actor, updated.UpdatedAt)); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storeError("commit status change", err)
	}
	return updated, nil
}

// Queries

func (r *PgRepository) GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	b, err := scanBooking(row)
	if err != nil {
		if errors.Is(err, ErrBookingNotFound) {
			return nil, err
		}
		return nil, storeError("get booking", err)
	}
	return b, nil
}

func (r *PgRepository) LatestBookingForPatient(ctx context.Context, patientID string) (*Booking, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE patient_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, patientID)
	b, err := scanBooking(row)
	if err != nil {
		if errors.Is(err, ErrBookingNotFound) {
			return nil, err
		}
		return nil, storeError("latest booking", err)
	}
	return b, nil
}

func (r *PgRepository) ListBookings(ctx context.Context, filter ListFilter) ([]Booking, error) {
	q := r.psql.
		Select(bookingColumns).
		From("bookings").
		OrderBy("booking_date", "slot_id", "created_at")

	if filter.PatientID != "" {
		q = q.Where(sq.Eq{"patient_id": filter.PatientID})
	}
	if filter.From != nil {
		q = q.Where(sq.GtOrEq{"booking_date": *filter.From})
	}
	if filter.To != nil {
		q = q.Where(sq.LtOrEq{"booking_date": *filter.To})
	}
	if filter.SlotID > 0 {
		q = q.Where(sq.Eq{"slot_id": filter.SlotID})
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		q = q.Where(sq.Eq{"status": statuses})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build bookings query: %w", err)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeError("list bookings", err)
	}
	defer rows.Close()

	var result []Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, storeError("scan booking", err)
		}
		result = append(result, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list bookings", err)
	}
	return result, nil
}

// Outbox

// EventClaimLease is how long a fetched batch stays claimed by one dispatcher.
// Undelivered events come back after it runs out.
const EventClaimLease = 30 * time.Second

// PendingEvents claims the oldest undelivered events. While any claim is
// live, other dispatchers get nothing, so concurrent workers neither publish
// duplicates nor reorder a batch that failed half way.
func (r *PgRepository) PendingEvents(ctx context.Context, limit int) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `
		WITH batch AS (
			SELECT id
			FROM booking_events
			WHERE delivered_at IS NULL
			  AND NOT EXISTS (
				SELECT 1 FROM booking_events c
				WHERE c.delivered_at IS NULL AND c.claimed_until > now()
			  )
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE booking_events e
		SET claimed_until = now() + make_interval(secs => $2)
		FROM batch
		WHERE e.id = batch.id
		RETURNING e.id, e.event_type, e.booking_id, e.payload, e.created_at
	`, limit, EventClaimLease.Seconds())
	if err != nil {
		return nil, storeError("claim pending events", err)
	}
	defer rows.Close()

	var result []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.BookingID, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, storeError("scan event", err)
		}
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("claim pending events", err)
	}
	// RETURNING has no defined order
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *PgRepository) MarkDelivered(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.pool.Exec(ctx, `
		UPDATE booking_events SET delivered_at = now() WHERE id = ANY($1)
	`, ids); err != nil {
		return storeError("mark events delivered", err)
	}
	return nil
}
