package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/campuswell/counseling-scheduling/internal/appointment"
)

type CreateRequestRequest struct {
	Modality string  `json:"modality"`
	Reason   *string `json:"reason,omitempty"`
}

type DirectBookRequest struct {
	PsychologistID  string    `json:"psychologist_id"`
	StartTime       time.Time `json:"start_time"`
	DurationMinutes int       `json:"duration_minutes"`
	Modality        string    `json:"modality"`
	Reason          *string   `json:"reason,omitempty"`
}

type SlotBlockRequest struct {
	StartTime       time.Time `json:"start_time"`
	DurationMinutes int       `json:"duration_minutes"`
	Location        *string   `json:"location,omitempty"`
}

type PublishSlotsRequest struct {
	Slots []SlotBlockRequest `json:"slots"`
}

type ScheduleRequest struct {
	StartTime       time.Time `json:"start_time"`
	DurationMinutes int       `json:"duration_minutes"`
}

// TerminalTransitionRequest carries the status the caller last observed;
// cancel/no-show/reject are conditioned on it.
type TerminalTransitionRequest struct {
	CurrentStatus string `json:"current_status"`
}

type AppointmentResponse struct {
	ID              uuid.UUID  `json:"id"`
	InstitutionID   uuid.UUID  `json:"institution_id"`
	StudentID       *uuid.UUID `json:"student_id,omitempty"`
	PsychologistID  *uuid.UUID `json:"psychologist_id,omitempty"`
	StartTime       *time.Time `json:"start_time,omitempty"`
	DurationMinutes int        `json:"duration_minutes"`
	HoldUntil       *time.Time `json:"hold_until,omitempty"`
	Modality        string     `json:"modality"`
	Location        *string    `json:"location,omitempty"`
	Reason          *string    `json:"reason,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
	Origin          string     `json:"origin"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type AppointmentListResponse struct {
	Appointments []AppointmentResponse `json:"appointments"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:              a.ID,
		InstitutionID:   a.InstitutionID,
		StudentID:       a.StudentID,
		PsychologistID:  a.PsychologistID,
		StartTime:       a.StartTime,
		DurationMinutes: a.DurationMinutes,
		HoldUntil:       a.HoldUntil,
		Modality:        string(a.Modality),
		Location:        a.Location,
		Reason:          a.Reason,
		Notes:           a.Notes,
		Origin:          string(a.Origin),
		Status:          string(a.Status),
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

func toAppointmentListResponse(list []appointment.Appointment) AppointmentListResponse {
	resp := AppointmentListResponse{Appointments: make([]AppointmentResponse, 0, len(list))}
	for i := range list {
		resp.Appointments = append(resp.Appointments, toAppointmentResponse(&list[i]))
	}
	return resp
}
