package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAppointmentNotFound  = errors.New("appointment not found")
	ErrPsychologistNotFound = errors.New("psychologist not found")
	ErrStudentNotFound      = errors.New("student not found")

	// ErrStatusConflict is the generic "state changed under you" failure: a
	// conditional update matched zero rows because another actor moved the
	// row first. Callers surface it, they never retry automatically.
	ErrStatusConflict = errors.New("appointment status changed concurrently")

	// ErrAlreadyClaimed is the claim-race loser's error.
	ErrAlreadyClaimed = errors.New("request already claimed")

	// ErrSlotUnavailable is the slot-booking-race loser's error.
	ErrSlotUnavailable = errors.New("slot no longer available")

	// ErrClaimNotHeld means the caller is not the psychologist currently
	// holding the claim, or the row is no longer claimed.
	ErrClaimNotHeld = errors.New("claim not held by caller")

	// ErrSchedulingConflict means the proposed window overlaps one of the
	// psychologist's active appointments.
	ErrSchedulingConflict = errors.New("time window conflicts with an existing appointment")
)

// CreateRequestParams covers both entry paths that insert a new row: the
// open request pool (no psychologist, no time) and direct booking (both
// preassigned, still status requested).
type CreateRequestParams struct {
	InstitutionID   uuid.UUID
	StudentID       uuid.UUID
	PsychologistID  *uuid.UUID
	StartTime       *time.Time
	DurationMinutes int
	Modality        Modality
	Reason          *string
	Origin          Origin
}

// OpenSlotFilter narrows ListOpenSlots.
type OpenSlotFilter struct {
	PsychologistID *uuid.UUID
	From           *time.Time
	To             *time.Time
	Limit          int
	Offset         int
}

// Repository is the durable appointment store. Every method is scoped to an
// institution and every mutator is a conditional update: the expected source
// status is part of the WHERE clause, and zero affected rows comes back as a
// typed conflict error, never as success.
type Repository interface {
	GetByID(ctx context.Context, institutionID, id uuid.UUID) (*Appointment, error)
	GetPsychologistByID(ctx context.Context, institutionID, id uuid.UUID) (*Psychologist, error)
	GetStudentByID(ctx context.Context, institutionID, id uuid.UUID) (*Student, error)

	// HasConflict reports whether [start, start+durationMinutes) overlaps an
	// active appointment of the psychologist. excludeID, when non-nil, lets a
	// reschedule check against everything but itself.
	HasConflict(ctx context.Context, institutionID, psychologistID uuid.UUID, start time.Time, durationMinutes int, excludeID *uuid.UUID) (bool, error)

	// CreateRequest inserts a row in status requested.
	CreateRequest(ctx context.Context, p CreateRequestParams) (*Appointment, error)

	// DirectBook inserts a requested row with psychologist and time
	// preassigned, running the conflict check in the same transaction.
	DirectBook(ctx context.Context, p CreateRequestParams) (*Appointment, error)

	// PublishSlots inserts one open row per block, all-or-nothing.
	PublishSlots(ctx context.Context, institutionID, psychologistID uuid.UUID, blocks []SlotBlock) ([]Appointment, error)

	// BookSlot is the conditional update open -> scheduled that attaches the
	// student, conflict-checked in the same transaction since the row only
	// now starts occupying the calendar. Zero rows affected means another
	// student won the race.
	BookSlot(ctx context.Context, institutionID, slotID, studentID uuid.UUID) (*Appointment, error)

	// AcceptBooking is the conditional update requested -> scheduled for a
	// direct booking: the row must already carry a psychologist and a start
	// time, and the conflict check runs in the same transaction since the
	// row only now becomes active.
	AcceptBooking(ctx context.Context, institutionID, id uuid.UUID) (*Appointment, error)

	// ClaimRequest is the conditional update requested -> claimed. First
	// writer wins; losers get ErrAlreadyClaimed.
	ClaimRequest(ctx context.Context, institutionID, id, psychologistID uuid.UUID, holdUntil time.Time) (*Appointment, error)

	// ReleaseClaim is claimed -> requested, holder only.
	ReleaseClaim(ctx context.Context, institutionID, id, psychologistID uuid.UUID) (*Appointment, error)

	// ScheduleClaim is claimed -> scheduled, holder only, conflict-checked in
	// the same transaction as the update.
	ScheduleClaim(ctx context.Context, institutionID, id, psychologistID uuid.UUID, start time.Time, durationMinutes int) (*Appointment, error)

	// UpdateStatus applies a gateway transition conditioned on the expected
	// source status. hold_until is always cleared.
	UpdateStatus(ctx context.Context, institutionID, id uuid.UUID, from, to Status) (*Appointment, error)

	ListOpenRequests(ctx context.Context, institutionID uuid.UUID, limit, offset int) ([]Appointment, error)
	ListForPsychologist(ctx context.Context, institutionID, psychologistID uuid.UUID, from, to *time.Time) ([]Appointment, error)
	ListForStudent(ctx context.Context, institutionID, studentID uuid.UUID, limit, offset int) ([]Appointment, error)
	ListOpenSlots(ctx context.Context, institutionID uuid.UUID, f OpenSlotFilter) ([]Appointment, error)

	// Hold-expiry sweep.
	FindExpiredClaims(ctx context.Context, now time.Time) ([]Appointment, error)
	ExpireClaim(ctx context.Context, id uuid.UUID, now time.Time) (*Appointment, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}
