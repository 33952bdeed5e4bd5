package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxrenew/internal/domain/prescription"
	"github.com/drfirst/go-rxrenew/internal/domain/reminder"
	"github.com/drfirst/go-rxrenew/internal/domain/renewal"
)

type fakePrescriptions struct {
	drafted     prescription.DraftRequest
	createErr   error
	rx          *prescription.Prescription
	plans       []*renewal.Plan
	transitions map[string]renewal.PlanStatus
}

func (f *fakePrescriptions) CreateDraft(_ context.Context, req prescription.DraftRequest) (*prescription.Draft, error) {
	f.drafted = req
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &prescription.Draft{
		Prescription: &prescription.Prescription{ID: "rx-1", PatientID: req.PatientID, Kind: req.Kind},
		Plan:         &renewal.Plan{ID: "plan-1", PrescriptionID: "rx-1", Status: renewal.PlanActive},
		Decision:     renewal.Decision{RenewalIntervalDays: 28, LeadDays: 5},
	}, nil
}

func (f *fakePrescriptions) Get(_ context.Context, id string) (*prescription.Prescription, error) {
	if f.rx == nil || f.rx.ID != id {
		return nil, fmt.Errorf("prescription %s: %w", id, prescription.ErrNotFound)
	}
	return f.rx, nil
}

func (f *fakePrescriptions) ListPlans(context.Context, string) ([]*renewal.Plan, error) {
	return f.plans, nil
}

func (f *fakePrescriptions) CompletePlan(ctx context.Context, id string) (*renewal.Plan, error) {
	return f.transition(id, renewal.PlanCompleted)
}

func (f *fakePrescriptions) CancelPlan(ctx context.Context, id string) (*renewal.Plan, error) {
	return f.transition(id, renewal.PlanCancelled)
}

func (f *fakePrescriptions) transition(id string, to renewal.PlanStatus) (*renewal.Plan, error) {
	if f.transitions == nil {
		f.transitions = map[string]renewal.PlanStatus{}
	}
	if _, done := f.transitions[id]; done {
		return nil, fmt.Errorf("%w: plan %s", renewal.ErrPlanNotActive, id)
	}
	f.transitions[id] = to
	return &renewal.Plan{ID: id, Status: to}, nil
}

type fakeReminders struct {
	scheduled reminder.Appointment
	stored    []reminder.Reminder
	err       error
}

func (f *fakeReminders) ScheduleForAppointment(_ context.Context, appt reminder.Appointment) ([]reminder.Reminder, error) {
	f.scheduled = appt
	if f.err != nil {
		return nil, f.err
	}
	return f.stored, nil
}

func (f *fakeReminders) ListForAppointment(context.Context, string) ([]reminder.Reminder, error) {
	return f.stored, f.err
}

type fakeDispatcher struct {
	limit int
	res   reminder.Result
}

func (f *fakeDispatcher) ProcessDue(_ context.Context, _ time.Time, limit int) (reminder.Result, error) {
	f.limit = limit
	return f.res, nil
}

func newRouter(rx PrescriptionService, rem ReminderService, d Dispatcher) http.Handler {
	ph := NewPrescriptionHandler(rx, nil)
	rh := NewReminderHandler(rem, d, nil)
	r := chi.NewRouter()
	r.Mount("/prescriptions", ph.Routes())
	r.Mount("/patients", ph.PatientRoutes())
	r.Mount("/renewal-plans", ph.PlanRoutes())
	r.Mount("/appointments", rh.AppointmentRoutes())
	r.Mount("/reminders", rh.Routes())
	return r
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreatePrescription(t *testing.T) {
	svc := &fakePrescriptions{}
	h := newRouter(svc, &fakeReminders{}, nil)

	rec := do(t, h, http.MethodPost, "/prescriptions",
		`{"prescriber_id":"doc-1","patient_id":"pat-1","kind":"chronic","items":[{"dci":"metformine","atc":"A10BA02","duration_days":28}]}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var got prescription.Draft
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "rx-1", got.Prescription.ID)
	assert.Equal(t, "plan-1", got.Plan.ID)
	assert.Equal(t, prescription.KindChronic, svc.drafted.Kind)
	require.Len(t, svc.drafted.Items, 1)
	assert.Equal(t, 28, svc.drafted.Items[0].DurationDays)
}

func TestCreatePrescriptionErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{name: "malformed body", body: `{"kind":`, status: http.StatusBadRequest},
		{name: "unknown field", body: `{"colour":"red"}`, status: http.StatusBadRequest},
		{name: "invalid draft", body: `{}`, err: fmt.Errorf("%w: items required", prescription.ErrInvalidDraft), status: http.StatusBadRequest},
		{name: "active plan", body: `{}`, err: renewal.ErrActivePlanExists, status: http.StatusConflict},
		{name: "store down", body: `{}`, err: errors.New("connection refused"), status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newRouter(&fakePrescriptions{createErr: tt.err}, &fakeReminders{}, nil)
			rec := do(t, h, http.MethodPost, "/prescriptions", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.NotContains(t, rec.Body.String(), "connection refused")
		})
	}
}

func TestGetPrescription(t *testing.T) {
	h := newRouter(&fakePrescriptions{rx: &prescription.Prescription{ID: "rx-9", PatientID: "pat-1"}}, &fakeReminders{}, nil)

	rec := do(t, h, http.MethodGet, "/prescriptions/rx-9", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"rx-9"`)

	rec = do(t, h, http.MethodGet, "/prescriptions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListPlansNeverNull(t *testing.T) {
	h := newRouter(&fakePrescriptions{}, &fakeReminders{}, nil)
	rec := do(t, h, http.MethodGet, "/patients/pat-1/renewal-plans", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"plans":[]}`, rec.Body.String())
}

func TestPlanTransitions(t *testing.T) {
	svc := &fakePrescriptions{}
	h := newRouter(svc, &fakeReminders{}, nil)

	rec := do(t, h, http.MethodPost, "/renewal-plans/plan-1/complete", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"completed"`)

	rec = do(t, h, http.MethodPost, "/renewal-plans/plan-1/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/renewal-plans/plan-2/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, renewal.PlanCancelled, svc.transitions["plan-2"])
}

func TestScheduleReminders(t *testing.T) {
	at := time.Date(2026, 11, 3, 9, 30, 0, 0, time.UTC)
	svc := &fakeReminders{stored: []reminder.Reminder{
		{ID: "r-1", AppointmentID: "appt-1", Type: reminder.Type24h, ScheduledAt: at.Add(-24 * time.Hour)},
	}}
	h := newRouter(&fakePrescriptions{}, svc, nil)

	rec := do(t, h, http.MethodPost, "/appointments/appt-1/reminders",
		`{"patient_id":"pat-1","doctor_id":"doc-1","appointment_date":"2026-11-03T09:30:00Z"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "appt-1", svc.scheduled.ID)
	assert.True(t, at.Equal(svc.scheduled.Date))
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = do(t, h, http.MethodPost, "/appointments/appt-1/reminders", `{"patient_id":"pat-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScheduleRemindersRequiresPatient(t *testing.T) {
	svc := &fakeReminders{}
	h := newRouter(&fakePrescriptions{}, svc, nil)

	for _, body := range []string{
		`{"appointment_date":"2026-11-03T09:30:00Z"}`,
		`{"patient_id":"  ","appointment_date":"2026-11-03T09:30:00Z"}`,
	} {
		rec := do(t, h, http.MethodPost, "/appointments/appt-1/reminders", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "patient_id is required")
	}
	assert.Empty(t, svc.scheduled.ID, "service must not be called")
}

func TestScheduleRemindersReplayCreatesNothing(t *testing.T) {
	h := newRouter(&fakePrescriptions{}, &fakeReminders{}, nil)

	rec := do(t, h, http.MethodPost, "/appointments/appt-1/reminders",
		`{"patient_id":"pat-1","appointment_date":"2026-11-03T09:30:00Z"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count":0,"reminders":[]}`, rec.Body.String())
}

func TestListReminders(t *testing.T) {
	h := newRouter(&fakePrescriptions{}, &fakeReminders{}, nil)
	rec := do(t, h, http.MethodGet, "/appointments/appt-1/reminders", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"reminders":[]}`, rec.Body.String())
}

func TestDispatch(t *testing.T) {
	d := &fakeDispatcher{res: reminder.Result{Success: 2, Failed: 1}}
	h := newRouter(&fakePrescriptions{}, &fakeReminders{}, d)

	rec := do(t, h, http.MethodPost, "/reminders/dispatch?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, d.limit)
	assert.JSONEq(t, `{"success":2,"failed":1,"skipped":0,"details":[]}`, rec.Body.String())

	do(t, h, http.MethodPost, "/reminders/dispatch?limit=100000", "")
	assert.Equal(t, maxDispatchLimit, d.limit)

	do(t, h, http.MethodPost, "/reminders/dispatch", "")
	assert.Equal(t, 0, d.limit)

	rec = do(t, h, http.MethodPost, "/reminders/dispatch?limit=-3", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDispatchNotConfigured(t *testing.T) {
	h := newRouter(&fakePrescriptions{}, &fakeReminders{}, nil)
	rec := do(t, h, http.MethodPost, "/reminders/dispatch", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
