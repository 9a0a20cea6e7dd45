package appointment

import (
	"time"

	"github.com/google/uuid"
)

// Status is the single discriminator for the appointment lifecycle. A row in
// status "open" is a published slot, "requested" an unassigned counseling
// request, and everything else a later lifecycle stage of the same row.
type Status string

const (
	StatusRequested  Status = "requested"
	StatusOpen       Status = "open"
	StatusClaimed    Status = "claimed"
	StatusScheduled  Status = "scheduled"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusNoShow     Status = "no_show"
	StatusRejected   Status = "rejected"
)

// ActiveStatuses are the statuses that occupy a psychologist's calendar and
// therefore participate in interval conflict checks.
var ActiveStatuses = []Status{StatusScheduled, StatusConfirmed, StatusInProgress}

// IsTerminal reports whether no further transition is allowed out of s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow, StatusRejected:
		return true
	}
	return false
}

// IsValid reports whether s is a member of the closed status set.
func (s Status) IsValid() bool {
	switch s {
	case StatusRequested, StatusOpen, StatusClaimed, StatusScheduled,
		StatusConfirmed, StatusInProgress, StatusCompleted,
		StatusCancelled, StatusNoShow, StatusRejected:
		return true
	}
	return false
}

// RequiresSchedule reports whether a row in status s must carry a non-null
// start time and duration.
func (s Status) RequiresSchedule() bool {
	switch s {
	case StatusScheduled, StatusConfirmed, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// stagedTransitions maps a target status to the single source status it may
// be reached from. requested -> scheduled is the staff acceptance of a
// direct booking; the store additionally requires the row to carry a
// psychologist and a start time. Terminal transitions (cancel, no-show,
// reject) are not listed here: they are reachable from any non-terminal
// status and the caller must supply the status it observed.
var stagedTransitions = map[Status]Status{
	StatusScheduled:  StatusRequested,
	StatusConfirmed:  StatusScheduled,
	StatusInProgress: StatusConfirmed,
	StatusCompleted:  StatusInProgress,
}

// CanTransition reports whether the gateway accepts from -> to.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	switch to {
	case StatusCancelled, StatusNoShow, StatusRejected:
		return true
	}
	src, ok := stagedTransitions[to]
	return ok && src == from
}

type Modality string

const (
	ModalityInPerson Modality = "in_person"
	ModalityVirtual  Modality = "virtual"
)

func (m Modality) IsValid() bool {
	return m == ModalityInPerson || m == ModalityVirtual
}

// Origin records who opened the row: a student asking for help, or staff
// publishing availability / booking on a student's behalf.
type Origin string

const (
	OriginStudent Origin = "student"
	OriginStaff   Origin = "staff"
)

const DefaultDurationMinutes = 60

// Appointment is the single entity behind requests, open slots and booked
// sessions. Nullable fields fill in as the row moves through the lifecycle.
type Appointment struct {
	ID              uuid.UUID
	InstitutionID   uuid.UUID
	StudentID       *uuid.UUID
	PsychologistID  *uuid.UUID
	StartTime       *time.Time
	DurationMinutes int
	HoldUntil       *time.Time
	Modality        Modality
	Location        *string
	Reason          *string
	Notes           *string
	Origin          Origin
	Status          Status
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// End returns the exclusive end instant of a scheduled appointment. Zero if
// the row has no start time yet.
func (a *Appointment) End() time.Time {
	if a.StartTime == nil {
		return time.Time{}
	}
	return a.StartTime.Add(time.Duration(a.DurationMinutes) * time.Minute)
}

// Overlaps implements the canonical half-open interval test used by the
// conflict checker: [aStart, aStart+aMin) against [bStart, bStart+bMin).
func Overlaps(aStart time.Time, aMin int, bStart time.Time, bMin int) bool {
	aEnd := aStart.Add(time.Duration(aMin) * time.Minute)
	bEnd := bStart.Add(time.Duration(bMin) * time.Minute)
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

// Psychologist is the roster entry this core validates booking targets
// against. The roster itself is owned by the identity collaborator.
type Psychologist struct {
	ID            uuid.UUID
	InstitutionID uuid.UUID
	Name          string
	Specialty     *string
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Student struct {
	ID            uuid.UUID
	InstitutionID uuid.UUID
	Name          string
	Email         *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Institution struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
}

// EventLog is an append-only record of a lifecycle change, consumed by the
// notification and reporting collaborators.
type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// SlotBlock is one (start, duration) block in a publish batch.
type SlotBlock struct {
	StartTime       time.Time
	DurationMinutes int
	Location        *string
}
