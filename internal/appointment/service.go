package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/campuswell/counseling-scheduling/internal/config"
)

const (
	EventRequestCreated       = "REQUEST_CREATED"
	EventDirectBookingCreated = "DIRECT_BOOKING_CREATED"
	EventSlotsPublished       = "SLOTS_PUBLISHED"
	EventSlotBooked           = "SLOT_BOOKED"
	EventRequestClaimed       = "REQUEST_CLAIMED"
	EventClaimReleased        = "CLAIM_RELEASED"
	EventClaimExpired         = "CLAIM_EXPIRED"
	EventAppointmentScheduled = "APPOINTMENT_SCHEDULED"
	EventStatusChanged        = "STATUS_CHANGED"
)

var (
	ErrForbidden            = errors.New("caller role not allowed for this operation")
	ErrValidation           = errors.New("invalid request")
	ErrPsychologistInactive = errors.New("psychologist is not active")
	ErrInvalidTransition    = errors.New("transition not allowed from current status")
)

// Role of the authenticated caller, resolved by the identity collaborator.
type Role string

const (
	RoleStudent      Role = "student"
	RolePsychologist Role = "psychologist"
	RoleStaff        Role = "staff"
)

// Actor is the authenticated caller identity every operation is authorized
// against. InstitutionID scopes every read and write.
type Actor struct {
	UserID        uuid.UUID
	Role          Role
	InstitutionID uuid.UUID
}

func (a Actor) isStaffLevel() bool {
	return a.Role == RolePsychologist || a.Role == RoleStaff
}

// Publisher pushes lifecycle events to the notification/reporting
// collaborators. Delivery is best effort and never fails a mutation.
type Publisher interface {
	Publish(ctx context.Context, eventType string, appointmentID uuid.UUID, payload map[string]any) error
}

type Service struct {
	repo Repository
	pub  Publisher
	cfg  config.Config
	now  func() time.Time
}

func NewService(repo Repository, pub Publisher, cfg config.Config) *Service {
	return &Service{
		repo: repo,
		pub:  pub,
		cfg:  cfg,
		now:  time.Now,
	}
}

// CreateRequestInput is a student's unassigned counseling request.
type CreateRequestInput struct {
	Modality Modality
	Reason   *string
}

func (s *Service) CreateRequest(ctx context.Context, actor Actor, in CreateRequestInput) (*Appointment, error) {
	if actor.Role != RoleStudent {
		return nil, ErrForbidden
	}
	if !in.Modality.IsValid() {
		return nil, fmt.Errorf("%w: modality must be in_person or virtual", ErrValidation)
	}

	if _, err := s.repo.GetStudentByID(ctx, actor.InstitutionID, actor.UserID); err != nil {
		return nil, err
	}

	a, err := s.repo.CreateRequest(ctx, CreateRequestParams{
		InstitutionID:   actor.InstitutionID,
		StudentID:       actor.UserID,
		DurationMinutes: DefaultDurationMinutes,
		Modality:        in.Modality,
		Reason:          in.Reason,
		Origin:          OriginStudent,
	})
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	s.emit(ctx, a.ID, EventRequestCreated, map[string]any{
		"student_id": actor.UserID.String(),
	})
	return a, nil
}

// DirectBookInput targets a specific psychologist at a specific time,
// bypassing the open request pool.
type DirectBookInput struct {
	PsychologistID  uuid.UUID
	StartTime       time.Time
	DurationMinutes int
	Modality        Modality
	Reason          *string
}

func (s *Service) DirectBook(ctx context.Context, actor Actor, in DirectBookInput) (*Appointment, error) {
	if actor.Role != RoleStudent {
		return nil, ErrForbidden
	}
	if in.StartTime.IsZero() {
		return nil, fmt.Errorf("%w: start_time is required", ErrValidation)
	}
	if in.DurationMinutes <= 0 {
		in.DurationMinutes = DefaultDurationMinutes
	}
	if !in.Modality.IsValid() {
		return nil, fmt.Errorf("%w: modality must be in_person or virtual", ErrValidation)
	}

	psy, err := s.repo.GetPsychologistByID(ctx, actor.InstitutionID, in.PsychologistID)
	if err != nil {
		return nil, err
	}
	if !psy.Active {
		return nil, ErrPsychologistInactive
	}

	a, err := s.repo.DirectBook(ctx, CreateRequestParams{
		InstitutionID:   actor.InstitutionID,
		StudentID:       actor.UserID,
		PsychologistID:  &in.PsychologistID,
		StartTime:       &in.StartTime,
		DurationMinutes: in.DurationMinutes,
		Modality:        in.Modality,
		Reason:          in.Reason,
		Origin:          OriginStudent,
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, a.ID, EventDirectBookingCreated, map[string]any{
		"student_id":      actor.UserID.String(),
		"psychologist_id": in.PsychologistID.String(),
		"start_time":      in.StartTime,
	})
	return a, nil
}

// PublishSlots pre-publishes open time blocks for the acting psychologist.
// Duplicate or overlapping open blocks are tolerated: booking enforces
// conflicts, publishing does not.
func (s *Service) PublishSlots(ctx context.Context, actor Actor, blocks []SlotBlock) ([]Appointment, error) {
	if actor.Role != RolePsychologist {
		return nil, ErrForbidden
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("%w: at least one slot block is required", ErrValidation)
	}
	for i, b := range blocks {
		if b.StartTime.IsZero() {
			return nil, fmt.Errorf("%w: block %d has no start time", ErrValidation, i)
		}
		if b.DurationMinutes <= 0 {
			return nil, fmt.Errorf("%w: block %d has non-positive duration", ErrValidation, i)
		}
	}

	psy, err := s.repo.GetPsychologistByID(ctx, actor.InstitutionID, actor.UserID)
	if err != nil {
		return nil, err
	}
	if !psy.Active {
		return nil, ErrPsychologistInactive
	}

	slots, err := s.repo.PublishSlots(ctx, actor.InstitutionID, actor.UserID, blocks)
	if err != nil {
		return nil, fmt.Errorf("publish slots: %w", err)
	}

	s.emit(ctx, slots[0].ID, EventSlotsPublished, map[string]any{
		"psychologist_id": actor.UserID.String(),
		"count":           len(slots),
	})
	return slots, nil
}

// BookSlot claims an open slot for the acting student. Losing the race
// surfaces ErrSlotUnavailable; the caller picks another slot, we never retry.
func (s *Service) BookSlot(ctx context.Context, actor Actor, slotID uuid.UUID) (*Appointment, error) {
	if actor.Role != RoleStudent {
		return nil, ErrForbidden
	}

	if _, err := s.repo.GetStudentByID(ctx, actor.InstitutionID, actor.UserID); err != nil {
		return nil, err
	}

	a, err := s.repo.BookSlot(ctx, actor.InstitutionID, slotID, actor.UserID)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, a.ID, EventSlotBooked, map[string]any{
		"student_id": actor.UserID.String(),
	})
	return a, nil
}

// Claim takes a time-boxed exclusive hold on an unassigned request. Exactly
// one of any number of concurrent claimants wins.
func (s *Service) Claim(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	if actor.Role != RolePsychologist {
		return nil, ErrForbidden
	}

	holdUntil := s.now().Add(s.cfg.ClaimHoldTTL)
	a, err := s.repo.ClaimRequest(ctx, actor.InstitutionID, id, actor.UserID, holdUntil)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, a.ID, EventRequestClaimed, map[string]any{
		"psychologist_id": actor.UserID.String(),
		"hold_until":      holdUntil,
	})
	return a, nil
}

// Release hands a claimed request back to the pool. Holder only.
func (s *Service) Release(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	if actor.Role != RolePsychologist {
		return nil, ErrForbidden
	}

	a, err := s.repo.ReleaseClaim(ctx, actor.InstitutionID, id, actor.UserID)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, a.ID, EventClaimReleased, map[string]any{
		"psychologist_id": actor.UserID.String(),
	})
	return a, nil
}

// Schedule fixes the time of a claimed request. Holder only; the conflict
// check runs in the same transaction as the status update.
func (s *Service) Schedule(ctx context.Context, actor Actor, id uuid.UUID, start time.Time, durationMinutes int) (*Appointment, error) {
	if actor.Role != RolePsychologist {
		return nil, ErrForbidden
	}
	if start.IsZero() {
		return nil, fmt.Errorf("%w: start_time is required", ErrValidation)
	}
	if durationMinutes <= 0 {
		durationMinutes = DefaultDurationMinutes
	}

	a, err := s.repo.ScheduleClaim(ctx, actor.InstitutionID, id, actor.UserID, start, durationMinutes)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, a.ID, EventAppointmentScheduled, map[string]any{
		"psychologist_id": actor.UserID.String(),
		"start_time":      start,
		"duration":        durationMinutes,
	})
	return a, nil
}

// Transition applies a gateway status change conditioned on the status the
// caller observed. Any staff-level member of the institution may progress an
// appointment; there is no per-appointment ownership check.
func (s *Service) Transition(ctx context.Context, actor Actor, id uuid.UUID, from, to Status) (*Appointment, error) {
	if !actor.isStaffLevel() {
		return nil, ErrForbidden
	}
	if !from.IsValid() || !to.IsValid() {
		return nil, fmt.Errorf("%w: unknown status", ErrValidation)
	}
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	var a *Appointment
	var err error
	if from == StatusRequested && to == StatusScheduled {
		// Accepting a direct booking: the row becomes active only now, so
		// the store re-runs the conflict check alongside the update.
		a, err = s.repo.AcceptBooking(ctx, actor.InstitutionID, id)
	} else {
		a, err = s.repo.UpdateStatus(ctx, actor.InstitutionID, id, from, to)
	}
	if err != nil {
		return nil, err
	}

	s.emit(ctx, a.ID, EventStatusChanged, map[string]any{
		"from":     string(from),
		"to":       string(to),
		"actor_id": actor.UserID.String(),
	})
	return a, nil
}

// ExpireHolds sweeps claims whose hold lapsed back into the request pool.
// Called periodically by the hold-expiry worker. Each candidate update is
// conditional, so a holder scheduling concurrently always beats the sweep.
func (s *Service) ExpireHolds(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.repo.FindExpiredClaims(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("find expired claims: %w", err)
	}

	released := 0
	for _, a := range expired {
		prev := a.PsychologistID
		if _, err := s.repo.ExpireClaim(ctx, a.ID, now); err != nil {
			if errors.Is(err, ErrStatusConflict) {
				continue
			}
			log.Warn().Err(err).Stringer("appointment_id", a.ID).Msg("failed to expire claim")
			continue
		}
		released++

		payload := map[string]any{"reason": "hold_lapsed"}
		if prev != nil {
			payload["psychologist_id"] = prev.String()
		}
		s.emit(ctx, a.ID, EventClaimExpired, payload)
	}

	return released, nil
}

// Reads

func (s *Service) GetAppointment(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetByID(ctx, actor.InstitutionID, id)
}

func (s *Service) ListOpenRequests(ctx context.Context, actor Actor, limit, offset int) ([]Appointment, error) {
	if !actor.isStaffLevel() {
		return nil, ErrForbidden
	}
	limit, offset = clampPage(limit, offset)
	return s.repo.ListOpenRequests(ctx, actor.InstitutionID, limit, offset)
}

func (s *Service) ListMine(ctx context.Context, actor Actor, from, to *time.Time) ([]Appointment, error) {
	switch actor.Role {
	case RolePsychologist:
		return s.repo.ListForPsychologist(ctx, actor.InstitutionID, actor.UserID, from, to)
	case RoleStudent:
		return s.repo.ListForStudent(ctx, actor.InstitutionID, actor.UserID, 100, 0)
	default:
		return nil, ErrForbidden
	}
}

func (s *Service) ListOpenSlots(ctx context.Context, actor Actor, f OpenSlotFilter) ([]Appointment, error) {
	f.Limit, f.Offset = clampPage(f.Limit, f.Offset)
	return s.repo.ListOpenSlots(ctx, actor.InstitutionID, f)
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// emit appends the event to the durable log and pushes it to the outbound
// stream. Neither failure aborts the mutation that triggered it.
func (s *Service) emit(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Warn().Err(err).Str("event", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	apptID := appointmentID
	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		log.Warn().Err(err).Str("event", eventType).Stringer("appointment_id", appointmentID).
			Msg("failed to insert event log")
	}

	if s.pub != nil {
		if err := s.pub.Publish(ctx, eventType, appointmentID, payload); err != nil {
			log.Warn().Err(err).Str("event", eventType).Msg("failed to publish event")
		}
	}
}
