package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/campuswell/counseling-scheduling/internal/appointment"
	"github.com/campuswell/counseling-scheduling/internal/auth"
	"github.com/campuswell/counseling-scheduling/internal/config"
)

const testSecret = "handler-test-secret"

// stubRepo is a function-field double for the appointment store. Tests set
// only the methods the route under test reaches.
type stubRepo struct {
	getByID         func(institutionID, id uuid.UUID) (*appointment.Appointment, error)
	getStudent      func(institutionID, id uuid.UUID) (*appointment.Student, error)
	getPsychologist func(institutionID, id uuid.UUID) (*appointment.Psychologist, error)
	createRequest   func(p appointment.CreateRequestParams) (*appointment.Appointment, error)
	claimRequest    func(institutionID, id, psychologistID uuid.UUID, holdUntil time.Time) (*appointment.Appointment, error)
	updateStatus    func(institutionID, id uuid.UUID, from, to appointment.Status) (*appointment.Appointment, error)
	bookSlot        func(institutionID, slotID, studentID uuid.UUID) (*appointment.Appointment, error)
	acceptBooking   func(institutionID, id uuid.UUID) (*appointment.Appointment, error)
}

var errStubNotWired = errors.New("stub method not wired")

func (s *stubRepo) GetByID(_ context.Context, institutionID, id uuid.UUID) (*appointment.Appointment, error) {
	if s.getByID == nil {
		return nil, errStubNotWired
	}
	return s.getByID(institutionID, id)
}

func (s *stubRepo) GetPsychologistByID(_ context.Context, institutionID, id uuid.UUID) (*appointment.Psychologist, error) {
	if s.getPsychologist == nil {
		return nil, errStubNotWired
	}
	return s.getPsychologist(institutionID, id)
}

func (s *stubRepo) GetStudentByID(_ context.Context, institutionID, id uuid.UUID) (*appointment.Student, error) {
	if s.getStudent == nil {
		return nil, errStubNotWired
	}
	return s.getStudent(institutionID, id)
}

func (s *stubRepo) HasConflict(context.Context, uuid.UUID, uuid.UUID, time.Time, int, *uuid.UUID) (bool, error) {
	return false, nil
}

func (s *stubRepo) CreateRequest(_ context.Context, p appointment.CreateRequestParams) (*appointment.Appointment, error) {
	if s.createRequest == nil {
		return nil, errStubNotWired
	}
	return s.createRequest(p)
}

func (s *stubRepo) DirectBook(context.Context, appointment.CreateRequestParams) (*appointment.Appointment, error) {
	return nil, errStubNotWired
}

func (s *stubRepo) PublishSlots(context.Context, uuid.UUID, uuid.UUID, []appointment.SlotBlock) ([]appointment.Appointment, error) {
	return nil, errStubNotWired
}

func (s *stubRepo) BookSlot(_ context.Context, institutionID, slotID, studentID uuid.UUID) (*appointment.Appointment, error) {
	if s.bookSlot == nil {
		return nil, errStubNotWired
	}
	return s.bookSlot(institutionID, slotID, studentID)
}

func (s *stubRepo) ClaimRequest(_ context.Context, institutionID, id, psychologistID uuid.UUID, holdUntil time.Time) (*appointment.Appointment, error) {
	if s.claimRequest == nil {
		return nil, errStubNotWired
	}
	return s.claimRequest(institutionID, id, psychologistID, holdUntil)
}

func (s *stubRepo) AcceptBooking(_ context.Context, institutionID, id uuid.UUID) (*appointment.Appointment, error) {
	if s.acceptBooking == nil {
		return nil, errStubNotWired
	}
	return s.acceptBooking(institutionID, id)
}

func (s *stubRepo) ReleaseClaim(context.Context, uuid.UUID, uuid.UUID, uuid.UUID) (*appointment.Appointment, error) {
	return nil, errStubNotWired
}

func (s *stubRepo) ScheduleClaim(context.Context, uuid.UUID, uuid.UUID, uuid.UUID, time.Time, int) (*appointment.Appointment, error) {
	return nil, errStubNotWired
}

func (s *stubRepo) UpdateStatus(_ context.Context, institutionID, id uuid.UUID, from, to appointment.Status) (*appointment.Appointment, error) {
	if s.updateStatus == nil {
		return nil, errStubNotWired
	}
	return s.updateStatus(institutionID, id, from, to)
}

func (s *stubRepo) ListOpenRequests(context.Context, uuid.UUID, int, int) ([]appointment.Appointment, error) {
	return nil, nil
}

func (s *stubRepo) ListForPsychologist(context.Context, uuid.UUID, uuid.UUID, *time.Time, *time.Time) ([]appointment.Appointment, error) {
	return nil, nil
}

func (s *stubRepo) ListForStudent(context.Context, uuid.UUID, uuid.UUID, int, int) ([]appointment.Appointment, error) {
	return nil, nil
}

func (s *stubRepo) ListOpenSlots(context.Context, uuid.UUID, appointment.OpenSlotFilter) ([]appointment.Appointment, error) {
	return nil, nil
}

func (s *stubRepo) FindExpiredClaims(context.Context, time.Time) ([]appointment.Appointment, error) {
	return nil, nil
}

func (s *stubRepo) ExpireClaim(context.Context, uuid.UUID, time.Time) (*appointment.Appointment, error) {
	return nil, errStubNotWired
}

func (s *stubRepo) InsertEvent(context.Context, appointment.EventLog) error {
	return nil
}

func newTestRouter(repo appointment.Repository) http.Handler {
	cfg := config.Config{
		JWTSecret:      testSecret,
		ClaimHoldTTL:   30 * time.Minute,
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
	}
	return NewRouter(RouterConfig{
		Service: appointment.NewService(repo, nil, cfg),
		Cfg:     cfg,
		Version: "test",
	})
}

func bearerFor(t *testing.T, userID, instID uuid.UUID, role string) string {
	t.Helper()
	token, err := auth.MakeToken(userID, instID, role, testSecret)
	if err != nil {
		t.Fatalf("make token: %v", err)
	}
	return "Bearer " + token
}

func doRequest(t *testing.T, h http.Handler, method, path, authz string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	} else {
		buf.WriteString("{}")
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return e
}

func sampleAppointment(instID uuid.UUID, status appointment.Status) *appointment.Appointment {
	now := time.Now()
	return &appointment.Appointment{
		ID:            uuid.New(),
		InstitutionID: instID,
		Modality:      appointment.ModalityVirtual,
		Origin:        appointment.OriginStudent,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestAuthRequired(t *testing.T) {
	router := newTestRouter(&stubRepo{})

	rec := doRequest(t, router, http.MethodPost, "/requests", "", map[string]any{"modality": "virtual"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}
	if e := decodeError(t, rec); e.Error != "missing_token" {
		t.Errorf("error = %q, want missing_token", e.Error)
	}

	rec = doRequest(t, router, http.MethodPost, "/requests", "Bearer not.a.token", map[string]any{"modality": "virtual"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: status = %d, want 401", rec.Code)
	}

	// A token signed with a different secret is rejected.
	forged, err := auth.MakeToken(uuid.New(), uuid.New(), "student", "wrong-secret")
	if err != nil {
		t.Fatal(err)
	}
	rec = doRequest(t, router, http.MethodPost, "/requests", "Bearer "+forged, map[string]any{"modality": "virtual"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("forged token: status = %d, want 401", rec.Code)
	}

	// An unknown role claim is rejected even with a valid signature.
	weird, err := auth.MakeToken(uuid.New(), uuid.New(), "janitor", testSecret)
	if err != nil {
		t.Fatal(err)
	}
	rec = doRequest(t, router, http.MethodPost, "/requests", "Bearer "+weird, map[string]any{"modality": "virtual"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unknown role: status = %d, want 401", rec.Code)
	}
}

func TestCreateRequestEndpoint(t *testing.T) {
	instID := uuid.New()
	studentID := uuid.New()

	repo := &stubRepo{
		getStudent: func(inst, id uuid.UUID) (*appointment.Student, error) {
			if inst != instID || id != studentID {
				return nil, appointment.ErrStudentNotFound
			}
			return &appointment.Student{ID: id, InstitutionID: inst}, nil
		},
		createRequest: func(p appointment.CreateRequestParams) (*appointment.Appointment, error) {
			a := sampleAppointment(p.InstitutionID, appointment.StatusRequested)
			a.StudentID = &p.StudentID
			return a, nil
		},
	}
	router := newTestRouter(repo)
	studentAuth := bearerFor(t, studentID, instID, "student")

	rec := doRequest(t, router, http.MethodPost, "/requests", studentAuth, map[string]any{"modality": "virtual"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body %s", rec.Code, rec.Body.String())
	}
	var resp AppointmentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "requested" {
		t.Errorf("status = %q, want requested", resp.Status)
	}

	// Invalid modality surfaces as a 400.
	rec = doRequest(t, router, http.MethodPost, "/requests", studentAuth, map[string]any{"modality": "telepathy"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad modality: status = %d, want 400", rec.Code)
	}
	if e := decodeError(t, rec); e.Error != "validation_failed" {
		t.Errorf("error = %q, want validation_failed", e.Error)
	}

	// Psychologists cannot open requests.
	psyAuth := bearerFor(t, uuid.New(), instID, "psychologist")
	rec = doRequest(t, router, http.MethodPost, "/requests", psyAuth, map[string]any{"modality": "virtual"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("psychologist: status = %d, want 403", rec.Code)
	}
}

func TestClaimEndpointConflict(t *testing.T) {
	instID := uuid.New()
	reqID := uuid.New()

	repo := &stubRepo{
		claimRequest: func(inst, id, psyID uuid.UUID, holdUntil time.Time) (*appointment.Appointment, error) {
			return nil, appointment.ErrAlreadyClaimed
		},
	}
	router := newTestRouter(repo)
	psyAuth := bearerFor(t, uuid.New(), instID, "psychologist")

	rec := doRequest(t, router, http.MethodPost, "/requests/"+reqID.String()+"/claim", psyAuth, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if e := decodeError(t, rec); e.Error != "already_claimed" {
		t.Errorf("error = %q, want already_claimed", e.Error)
	}
}

func TestBookSlotEndpointConflict(t *testing.T) {
	instID := uuid.New()
	studentID := uuid.New()
	slotID := uuid.New()

	repo := &stubRepo{
		getStudent: func(inst, id uuid.UUID) (*appointment.Student, error) {
			return &appointment.Student{ID: id, InstitutionID: inst}, nil
		},
		bookSlot: func(inst, slot, student uuid.UUID) (*appointment.Appointment, error) {
			return nil, appointment.ErrSlotUnavailable
		},
	}
	router := newTestRouter(repo)
	studentAuth := bearerFor(t, studentID, instID, "student")

	rec := doRequest(t, router, http.MethodPost, "/slots/"+slotID.String()+"/book", studentAuth, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if e := decodeError(t, rec); e.Error != "slot_unavailable" {
		t.Errorf("error = %q, want slot_unavailable", e.Error)
	}
}

func TestGetAppointmentNotFound(t *testing.T) {
	instID := uuid.New()
	repo := &stubRepo{
		getByID: func(inst, id uuid.UUID) (*appointment.Appointment, error) {
			return nil, appointment.ErrAppointmentNotFound
		},
	}
	router := newTestRouter(repo)
	token := bearerFor(t, uuid.New(), instID, "student")

	rec := doRequest(t, router, http.MethodGet, "/appointments/"+uuid.New().String(), token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	// Malformed id fails before the service is reached.
	rec = doRequest(t, router, http.MethodGet, "/appointments/not-a-uuid", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: status = %d, want 400", rec.Code)
	}
}

func TestStagedTransitionEndpoints(t *testing.T) {
	instID := uuid.New()
	apptID := uuid.New()
	current := appointment.StatusScheduled

	repo := &stubRepo{
		updateStatus: func(inst, id uuid.UUID, from, to appointment.Status) (*appointment.Appointment, error) {
			if from != current {
				return nil, appointment.ErrStatusConflict
			}
			current = to
			return sampleAppointment(inst, to), nil
		},
	}
	router := newTestRouter(repo)
	staffAuth := bearerFor(t, uuid.New(), instID, "staff")

	rec := doRequest(t, router, http.MethodPost, "/appointments/"+apptID.String()+"/confirm", staffAuth, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm: status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}

	// Confirming twice hits the stale-status path.
	rec = doRequest(t, router, http.MethodPost, "/appointments/"+apptID.String()+"/confirm", staffAuth, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second confirm: status = %d, want 409", rec.Code)
	}
	if e := decodeError(t, rec); e.Error != "status_conflict" {
		t.Errorf("error = %q, want status_conflict", e.Error)
	}

	rec = doRequest(t, router, http.MethodPost, "/appointments/"+apptID.String()+"/start", staffAuth, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start: status = %d, want 200", rec.Code)
	}
	rec = doRequest(t, router, http.MethodPost, "/appointments/"+apptID.String()+"/complete", staffAuth, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: status = %d, want 200", rec.Code)
	}

	// Students cannot drive the gateway.
	stuAuth := bearerFor(t, uuid.New(), instID, "student")
	rec = doRequest(t, router, http.MethodPost, "/appointments/"+apptID.String()+"/confirm", stuAuth, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("student confirm: status = %d, want 403", rec.Code)
	}
}

func TestAcceptEndpoint(t *testing.T) {
	instID := uuid.New()
	apptID := uuid.New()
	accepted := false

	repo := &stubRepo{
		acceptBooking: func(inst, id uuid.UUID) (*appointment.Appointment, error) {
			if accepted {
				return nil, appointment.ErrStatusConflict
			}
			accepted = true
			return sampleAppointment(inst, appointment.StatusScheduled), nil
		},
	}
	router := newTestRouter(repo)
	staffAuth := bearerFor(t, uuid.New(), instID, "staff")

	rec := doRequest(t, router, http.MethodPost, "/appointments/"+apptID.String()+"/accept", staffAuth, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("accept: status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	var resp AppointmentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "scheduled" {
		t.Errorf("status = %q, want scheduled", resp.Status)
	}

	rec = doRequest(t, router, http.MethodPost, "/appointments/"+apptID.String()+"/accept", staffAuth, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second accept: status = %d, want 409", rec.Code)
	}

	// Students cannot accept a booking.
	stuAuth := bearerFor(t, uuid.New(), instID, "student")
	rec = doRequest(t, router, http.MethodPost, "/appointments/"+apptID.String()+"/accept", stuAuth, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("student accept: status = %d, want 403", rec.Code)
	}
}

func TestTerminalTransitionEndpoint(t *testing.T) {
	instID := uuid.New()
	apptID := uuid.New()

	repo := &stubRepo{
		updateStatus: func(inst, id uuid.UUID, from, to appointment.Status) (*appointment.Appointment, error) {
			if from != appointment.StatusScheduled {
				return nil, appointment.ErrStatusConflict
			}
			return sampleAppointment(inst, to), nil
		},
	}
	router := newTestRouter(repo)
	staffAuth := bearerFor(t, uuid.New(), instID, "staff")

	rec := doRequest(t, router, http.MethodPost, "/appointments/"+apptID.String()+"/cancel", staffAuth,
		TerminalTransitionRequest{CurrentStatus: "scheduled"})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}

	// A stale observed status is a conflict, not a silent apply.
	rec = doRequest(t, router, http.MethodPost, "/appointments/"+apptID.String()+"/cancel", staffAuth,
		TerminalTransitionRequest{CurrentStatus: "claimed"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("stale cancel: status = %d, want 409", rec.Code)
	}

	// A terminal observed status is rejected before the store is touched.
	rec = doRequest(t, router, http.MethodPost, "/appointments/"+apptID.String()+"/cancel", staffAuth,
		TerminalTransitionRequest{CurrentStatus: "completed"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("cancel from terminal: status = %d, want 409", rec.Code)
	}
	if e := decodeError(t, rec); e.Error != "invalid_transition" {
		t.Errorf("error = %q, want invalid_transition", e.Error)
	}

	// An unknown observed status is a validation error.
	rec = doRequest(t, router, http.MethodPost, "/appointments/"+apptID.String()+"/cancel", staffAuth,
		TerminalTransitionRequest{CurrentStatus: "limbo"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown status: status = %d, want 400", rec.Code)
	}
}

func TestHealthLiveness(t *testing.T) {
	router := newTestRouter(&stubRepo{})

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("liveness: status = %d, want 200", rec.Code)
	}
}
