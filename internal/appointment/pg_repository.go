package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const appointmentColumns = `
	id, institution_id, student_id, psychologist_id, start_time,
	duration_minutes, hold_until, modality, location, reason, notes,
	origin, status, created_at, updated_at`

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.InstitutionID,
		&a.StudentID,
		&a.PsychologistID,
		&a.StartTime,
		&a.DurationMinutes,
		&a.HoldUntil,
		&a.Modality,
		&a.Location,
		&a.Reason,
		&a.Notes,
		&a.Origin,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// isExclusionViolation reports whether err is the schema's overlap guard
// (the exclusion constraint on active appointment windows) firing.
func isExclusionViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23P01"
}

// currentStatus re-reads a row after a zero-row conditional update so the
// caller can tell "gone / wrong institution" from "someone changed it".
func (r *PgRepository) currentStatus(ctx context.Context, institutionID, id uuid.UUID) (Status, error) {
	var st Status
	err := r.pool.QueryRow(ctx, `
		SELECT status FROM appointments
		WHERE id = $1 AND institution_id = $2
	`, id, institutionID).Scan(&st)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrAppointmentNotFound
	}
	return st, err
}

// Interface methods

func (r *PgRepository) GetByID(ctx context.Context, institutionID, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1 AND institution_id = $2
	`, id, institutionID)
	return scanAppointment(row)
}

func (r *PgRepository) GetPsychologistByID(ctx context.Context, institutionID, id uuid.UUID) (*Psychologist, error) {
	var p Psychologist
	err := r.pool.QueryRow(ctx, `
		SELECT id, institution_id, name, specialty, active, created_at, updated_at
		FROM psychologists
		WHERE id = $1 AND institution_id = $2
	`, id, institutionID).Scan(
		&p.ID, &p.InstitutionID, &p.Name, &p.Specialty, &p.Active, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPsychologistNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PgRepository) GetStudentByID(ctx context.Context, institutionID, id uuid.UUID) (*Student, error) {
	var s Student
	err := r.pool.QueryRow(ctx, `
		SELECT id, institution_id, name, email, created_at, updated_at
		FROM students
		WHERE id = $1 AND institution_id = $2
	`, id, institutionID).Scan(
		&s.ID, &s.InstitutionID, &s.Name, &s.Email, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStudentNotFound
		}
		return nil, err
	}
	return &s, nil
}

const conflictSQL = `
	SELECT EXISTS(
		SELECT 1 FROM appointments
		WHERE institution_id = $1
		  AND psychologist_id = $2
		  AND status IN ('scheduled', 'confirmed', 'in_progress')
		  AND start_time < $4
		  AND start_time + make_interval(mins => duration_minutes) > $3
		  AND ($5::uuid IS NULL OR id <> $5)
	)`

func (r *PgRepository) HasConflict(ctx context.Context, institutionID, psychologistID uuid.UUID, start time.Time, durationMinutes int, excludeID *uuid.UUID) (bool, error) {
	end := start.Add(time.Duration(durationMinutes) * time.Minute)

	var exists bool
	err := r.pool.QueryRow(ctx, conflictSQL, institutionID, psychologistID, start, end, excludeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("conflict check: %w", err)
	}
	return exists, nil
}

// hasConflictTx runs the same check inside the caller's transaction so the
// check and the dependent write commit atomically.
func hasConflictTx(ctx context.Context, tx pgx.Tx, institutionID, psychologistID uuid.UUID, start time.Time, durationMinutes int, excludeID *uuid.UUID) (bool, error) {
	end := start.Add(time.Duration(durationMinutes) * time.Minute)

	var exists bool
	err := tx.QueryRow(ctx, conflictSQL, institutionID, psychologistID, start, end, excludeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("conflict check: %w", err)
	}
	return exists, nil
}

func (r *PgRepository) CreateRequest(ctx context.Context, p CreateRequestParams) (*Appointment, error) {
	id := uuid.New()

	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (
			id, institution_id, student_id, psychologist_id, start_time,
			duration_minutes, modality, reason, origin, status, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'requested', now(), now())
		RETURNING `+appointmentColumns+`
	`, id, p.InstitutionID, p.StudentID, p.PsychologistID, p.StartTime,
		p.DurationMinutes, p.Modality, p.Reason, p.Origin)

	return scanAppointment(row)
}

func (r *PgRepository) DirectBook(ctx context.Context, p CreateRequestParams) (*Appointment, error) {
	if p.PsychologistID == nil || p.StartTime == nil {
		return nil, fmt.Errorf("direct booking requires psychologist and start time")
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	conflict, err := hasConflictTx(ctx, tx, p.InstitutionID, *p.PsychologistID, *p.StartTime, p.DurationMinutes, nil)
	if err != nil {
		return nil, err
	}
	if conflict {
		return nil, ErrSchedulingConflict
	}

	id := uuid.New()
	row := tx.QueryRow(ctx, `
		INSERT INTO appointments (
			id, institution_id, student_id, psychologist_id, start_time,
			duration_minutes, modality, reason, origin, status, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'requested', now(), now())
		RETURNING `+appointmentColumns+`
	`, id, p.InstitutionID, p.StudentID, p.PsychologistID, p.StartTime,
		p.DurationMinutes, p.Modality, p.Reason, p.Origin)

	a, err := scanAppointment(row)
	if err != nil {
		if isExclusionViolation(err) {
			return nil, ErrSchedulingConflict
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit direct booking: %w", err)
	}
	return a, nil
}

// AcceptBooking moves a direct booking out of requested once staff approve
// it. A pool request (no psychologist, no time) never matches the guard
// clauses and comes back as a validation error.
func (r *PgRepository) AcceptBooking(ctx context.Context, institutionID, id uuid.UUID) (*Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'scheduled',
		    updated_at = now()
		WHERE id = $1
		  AND institution_id = $2
		  AND status = 'requested'
		  AND psychologist_id IS NOT NULL
		  AND start_time IS NOT NULL
		RETURNING `+appointmentColumns+`
	`, id, institutionID)

	a, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		prev, getErr := r.GetByID(ctx, institutionID, id)
		if getErr != nil {
			return nil, getErr
		}
		if prev.Status != StatusRequested {
			return nil, ErrStatusConflict
		}
		return nil, fmt.Errorf("%w: request has no psychologist or start time to accept", ErrValidation)
	}
	if err != nil {
		if isExclusionViolation(err) {
			return nil, ErrSchedulingConflict
		}
		return nil, err
	}

	conflict, err := hasConflictTx(ctx, tx, institutionID, *a.PsychologistID, *a.StartTime, a.DurationMinutes, &id)
	if err != nil {
		return nil, err
	}
	if conflict {
		return nil, ErrSchedulingConflict
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit booking acceptance: %w", err)
	}
	return a, nil
}

func (r *PgRepository) PublishSlots(ctx context.Context, institutionID, psychologistID uuid.UUID, blocks []SlotBlock) ([]Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	result := make([]Appointment, 0, len(blocks))
	for _, b := range blocks {
		id := uuid.New()
		row := tx.QueryRow(ctx, `
			INSERT INTO appointments (
				id, institution_id, psychologist_id, start_time,
				duration_minutes, modality, location, origin, status, created_at, updated_at
			)
			VALUES ($1, $2, $3, $4, $5, 'in_person', $6, 'staff', 'open', now(), now())
			RETURNING `+appointmentColumns+`
		`, id, institutionID, psychologistID, b.StartTime, b.DurationMinutes, b.Location)

		a, err := scanAppointment(row)
		if err != nil {
			return nil, fmt.Errorf("insert slot block: %w", err)
		}
		result = append(result, *a)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit slot batch: %w", err)
	}
	return result, nil
}

// BookSlot attaches the student and activates the slot. The published row
// keeps its staff origin; only the booking makes it occupy the calendar, so
// the overlap check runs here, not at publish time.
func (r *PgRepository) BookSlot(ctx context.Context, institutionID, slotID, studentID uuid.UUID) (*Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET student_id = $3,
		    status = 'scheduled',
		    updated_at = now()
		WHERE id = $1
		  AND institution_id = $2
		  AND status = 'open'
		  AND student_id IS NULL
		RETURNING `+appointmentColumns+`
	`, slotID, institutionID, studentID)

	a, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		if _, stErr := r.currentStatus(ctx, institutionID, slotID); stErr != nil {
			return nil, stErr
		}
		return nil, ErrSlotUnavailable
	}
	if err != nil {
		if isExclusionViolation(err) {
			return nil, ErrSchedulingConflict
		}
		return nil, err
	}

	conflict, err := hasConflictTx(ctx, tx, institutionID, *a.PsychologistID, *a.StartTime, a.DurationMinutes, &slotID)
	if err != nil {
		return nil, err
	}
	if conflict {
		return nil, ErrSchedulingConflict
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit slot booking: %w", err)
	}
	return a, nil
}

func (r *PgRepository) ClaimRequest(ctx context.Context, institutionID, id, psychologistID uuid.UUID, holdUntil time.Time) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET psychologist_id = $3,
		    hold_until = $4,
		    status = 'claimed',
		    updated_at = now()
		WHERE id = $1
		  AND institution_id = $2
		  AND status = 'requested'
		  AND psychologist_id IS NULL
		RETURNING `+appointmentColumns+`
	`, id, institutionID, psychologistID, holdUntil)

	a, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		if _, stErr := r.currentStatus(ctx, institutionID, id); stErr != nil {
			return nil, stErr
		}
		return nil, ErrAlreadyClaimed
	}
	return a, err
}

func (r *PgRepository) ReleaseClaim(ctx context.Context, institutionID, id, psychologistID uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET psychologist_id = NULL,
		    hold_until = NULL,
		    status = 'requested',
		    updated_at = now()
		WHERE id = $1
		  AND institution_id = $2
		  AND status = 'claimed'
		  AND psychologist_id = $3
		RETURNING `+appointmentColumns+`
	`, id, institutionID, psychologistID)

	a, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		if _, stErr := r.currentStatus(ctx, institutionID, id); stErr != nil {
			return nil, stErr
		}
		return nil, ErrClaimNotHeld
	}
	return a, err
}

func (r *PgRepository) ScheduleClaim(ctx context.Context, institutionID, id, psychologistID uuid.UUID, start time.Time, durationMinutes int) (*Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	conflict, err := hasConflictTx(ctx, tx, institutionID, psychologistID, start, durationMinutes, &id)
	if err != nil {
		return nil, err
	}
	if conflict {
		return nil, ErrSchedulingConflict
	}

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET start_time = $4,
		    duration_minutes = $5,
		    hold_until = NULL,
		    status = 'scheduled',
		    updated_at = now()
		WHERE id = $1
		  AND institution_id = $2
		  AND status = 'claimed'
		  AND psychologist_id = $3
		RETURNING `+appointmentColumns+`
	`, id, institutionID, psychologistID, start, durationMinutes)

	a, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		if _, stErr := r.currentStatus(ctx, institutionID, id); stErr != nil {
			return nil, stErr
		}
		return nil, ErrClaimNotHeld
	}
	if err != nil {
		if isExclusionViolation(err) {
			return nil, ErrSchedulingConflict
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit schedule: %w", err)
	}
	return a, nil
}

func (r *PgRepository) UpdateStatus(ctx context.Context, institutionID, id uuid.UUID, from, to Status) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $4,
		    hold_until = NULL,
		    updated_at = now()
		WHERE id = $1
		  AND institution_id = $2
		  AND status = $3
		RETURNING `+appointmentColumns+`
	`, id, institutionID, from, to)

	a, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		if _, stErr := r.currentStatus(ctx, institutionID, id); stErr != nil {
			return nil, stErr
		}
		return nil, ErrStatusConflict
	}
	return a, err
}

func (r *PgRepository) ListOpenRequests(ctx context.Context, institutionID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE institution_id = $1
		  AND status = 'requested'
		ORDER BY created_at
		LIMIT $2 OFFSET $3
	`, institutionID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) ListForPsychologist(ctx context.Context, institutionID, psychologistID uuid.UUID, from, to *time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE institution_id = $1
		  AND psychologist_id = $2
		  AND status NOT IN ('open')
		  AND ($3::timestamptz IS NULL OR start_time >= $3)
		  AND ($4::timestamptz IS NULL OR start_time < $4)
		ORDER BY start_time NULLS LAST, created_at
	`, institutionID, psychologistID, from, to)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) ListForStudent(ctx context.Context, institutionID, studentID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE institution_id = $1
		  AND student_id = $2
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, institutionID, studentID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) ListOpenSlots(ctx context.Context, institutionID uuid.UUID, f OpenSlotFilter) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE institution_id = $1
		  AND status = 'open'
		  AND ($2::uuid IS NULL OR psychologist_id = $2)
		  AND ($3::timestamptz IS NULL OR start_time >= $3)
		  AND ($4::timestamptz IS NULL OR start_time < $4)
		ORDER BY start_time
		LIMIT $5 OFFSET $6
	`, institutionID, f.PsychologistID, f.From, f.To, f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) FindExpiredClaims(ctx context.Context, now time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'claimed'
		  AND hold_until IS NOT NULL
		  AND hold_until < $1
	`, now)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) ExpireClaim(ctx context.Context, id uuid.UUID, now time.Time) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET psychologist_id = NULL,
		    hold_until = NULL,
		    status = 'requested',
		    updated_at = now()
		WHERE id = $1
		  AND status = 'claimed'
		  AND hold_until IS NOT NULL
		  AND hold_until < $2
		RETURNING `+appointmentColumns+`
	`, id, now)

	a, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		// The holder scheduled or released it between sweep read and write.
		return nil, ErrStatusConflict
	}
	return a, err
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
