package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/campuswell/counseling-scheduling/internal/appointment"
)

func createRequestHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateRequestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		appt, err := svc.CreateRequest(r.Context(), ActorFromContext(r.Context()), appointment.CreateRequestInput{
			Modality: appointment.Modality(req.Modality),
			Reason:   req.Reason,
		})
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func directBookHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DirectBookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		psyID, err := uuid.Parse(req.PsychologistID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_psychologist_id", "psychologist_id must be a valid UUID")
			return
		}

		appt, err := svc.DirectBook(r.Context(), ActorFromContext(r.Context()), appointment.DirectBookInput{
			PsychologistID:  psyID,
			StartTime:       req.StartTime,
			DurationMinutes: req.DurationMinutes,
			Modality:        appointment.Modality(req.Modality),
			Reason:          req.Reason,
		})
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func publishSlotsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PublishSlotsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		blocks := make([]appointment.SlotBlock, 0, len(req.Slots))
		for _, s := range req.Slots {
			blocks = append(blocks, appointment.SlotBlock{
				StartTime:       s.StartTime,
				DurationMinutes: s.DurationMinutes,
				Location:        s.Location,
			})
		}

		slots, err := svc.PublishSlots(r.Context(), ActorFromContext(r.Context()), blocks)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentListResponse(slots))
	}
}

func bookSlotHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		appt, err := svc.BookSlot(r.Context(), ActorFromContext(r.Context()), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func claimHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		appt, err := svc.Claim(r.Context(), ActorFromContext(r.Context()), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func releaseHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		appt, err := svc.Release(r.Context(), ActorFromContext(r.Context()), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func scheduleHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		var req ScheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		appt, err := svc.Schedule(r.Context(), ActorFromContext(r.Context()), id, req.StartTime, req.DurationMinutes)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

// stagedTransitionHandler serves confirm/start/complete: the expected source
// status is implied by the target, so the body is empty.
func stagedTransitionHandler(svc *appointment.Service, from, to appointment.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		appt, err := svc.Transition(r.Context(), ActorFromContext(r.Context()), id, from, to)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

// terminalTransitionHandler serves cancel/no-show/reject: reachable from any
// non-terminal status, so the caller states which status it observed.
func terminalTransitionHandler(svc *appointment.Service, to appointment.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		var req TerminalTransitionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		appt, err := svc.Transition(r.Context(), ActorFromContext(r.Context()), id,
			appointment.Status(req.CurrentStatus), to)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func getAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		appt, err := svc.GetAppointment(r.Context(), ActorFromContext(r.Context()), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func listOpenRequestsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 20)
		offset := queryInt(r, "offset", 0)

		list, err := svc.ListOpenRequests(r.Context(), ActorFromContext(r.Context()), limit, offset)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentListResponse(list))
	}
}

func listMineHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, ok := queryTime(w, r, "from")
		if !ok {
			return
		}
		to, ok := queryTime(w, r, "to")
		if !ok {
			return
		}

		list, err := svc.ListMine(r.Context(), ActorFromContext(r.Context()), from, to)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentListResponse(list))
	}
}

func listOpenSlotsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := appointment.OpenSlotFilter{
			Limit:  queryInt(r, "limit", 50),
			Offset: queryInt(r, "offset", 0),
		}

		if raw := r.URL.Query().Get("psychologist_id"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_psychologist_id", "psychologist_id must be a valid UUID")
				return
			}
			f.PsychologistID = &id
		}

		var ok bool
		if f.From, ok = queryTime(w, r, "from"); !ok {
			return
		}
		if f.To, ok = queryTime(w, r, "to"); !ok {
			return
		}

		list, err := svc.ListOpenSlots(r.Context(), ActorFromContext(r.Context()), f)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentListResponse(list))
	}
}

// Helpers

func parseIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	var n int
	for _, c := range raw {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func queryTime(w http.ResponseWriter, r *http.Request, key string) (*time.Time, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+key, key+" must be RFC 3339")
		return nil, false
	}
	return &t, true
}

func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, appointment.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, appointment.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound),
		errors.Is(err, appointment.ErrPsychologistNotFound),
		errors.Is(err, appointment.ErrStudentNotFound):
		// Cross-institution reads land here too: existence is never leaked.
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, appointment.ErrPsychologistInactive):
		writeError(w, http.StatusConflict, "psychologist_inactive", err.Error())
	case errors.Is(err, appointment.ErrAlreadyClaimed):
		writeError(w, http.StatusConflict, "already_claimed", err.Error())
	case errors.Is(err, appointment.ErrSlotUnavailable):
		writeError(w, http.StatusConflict, "slot_unavailable", err.Error())
	case errors.Is(err, appointment.ErrClaimNotHeld):
		writeError(w, http.StatusConflict, "claim_not_held", err.Error())
	case errors.Is(err, appointment.ErrSchedulingConflict):
		writeError(w, http.StatusConflict, "scheduling_conflict", err.Error())
	case errors.Is(err, appointment.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, appointment.ErrStatusConflict):
		writeError(w, http.StatusConflict, "status_conflict", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
