package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrenew/internal/domain/reminder"
)

// ReminderService is the part of reminder.Service the API uses.
type ReminderService interface {
	ScheduleForAppointment(ctx context.Context, appt reminder.Appointment) ([]reminder.Reminder, error)
	ListForAppointment(ctx context.Context, appointmentID string) ([]reminder.Reminder, error)
}

// Dispatcher runs one batch of due reminders.
type Dispatcher interface {
	ProcessDue(ctx context.Context, now time.Time, limit int) (reminder.Result, error)
}

var (
	_ ReminderService = (*reminder.Service)(nil)
	_ Dispatcher      = (*reminder.Worker)(nil)
)

// maxDispatchLimit caps ?limit= on a manual dispatch run.
const maxDispatchLimit = 500

// ReminderHandler serves appointment reminders.
type ReminderHandler struct {
	svc        ReminderService
	dispatcher Dispatcher
	now        func() time.Time
	logger     *zap.Logger
}

// NewReminderHandler creates a reminder handler. dispatcher may be nil, in
// which case the dispatch route answers 503.
func NewReminderHandler(svc ReminderService, dispatcher Dispatcher, logger *zap.Logger) *ReminderHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReminderHandler{svc: svc, dispatcher: dispatcher, now: time.Now, logger: logger}
}

// AppointmentRoutes mounts under /appointments.
func (h *ReminderHandler) AppointmentRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{id}/reminders", h.Schedule)
	r.Get("/{id}/reminders", h.List)
	return r
}

// Routes mounts under /reminders.
func (h *ReminderHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/dispatch", h.Dispatch)
	return r
}

// ScheduleRequest is the body of POST /appointments/{id}/reminders.
type ScheduleRequest struct {
	PatientID string    `json:"patient_id"`
	DoctorID  string    `json:"doctor_id"`
	Date      time.Time `json:"appointment_date"`
	Kind      string    `json:"type,omitempty"`
	Location  string    `json:"location,omitempty"`
}

// Schedule handles POST /appointments/{id}/reminders
func (h *ReminderHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := decode(w, r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.PatientID) == "" {
		jsonError(w, "patient_id is required", http.StatusBadRequest)
		return
	}
	if req.Date.IsZero() {
		jsonError(w, "appointment_date is required", http.StatusBadRequest)
		return
	}

	reminders, err := h.svc.ScheduleForAppointment(r.Context(), reminder.Appointment{
		ID:        chi.URLParam(r, "id"),
		PatientID: req.PatientID,
		DoctorID:  req.DoctorID,
		Date:      req.Date,
		Kind:      req.Kind,
		Location:  req.Location,
	})
	if err != nil {
		fail(w, r, h.logger, "schedule reminders", err)
		return
	}
	// A replay for an appointment that already has its reminders creates none.
	status := http.StatusCreated
	if len(reminders) == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"count":     len(reminders),
		"reminders": nonNil(reminders),
	})
}

// List handles GET /appointments/{id}/reminders
func (h *ReminderHandler) List(w http.ResponseWriter, r *http.Request) {
	reminders, err := h.svc.ListForAppointment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, h.logger, "list reminders", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reminders": nonNil(reminders)})
}

// Dispatch handles POST /reminders/dispatch?limit=N and runs one batch.
func (h *ReminderHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	if h.dispatcher == nil {
		jsonError(w, "dispatch not configured", http.StatusServiceUnavailable)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			jsonError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxDispatchLimit)
	}

	res, err := h.dispatcher.ProcessDue(r.Context(), h.now(), limit)
	if err != nil {
		fail(w, r, h.logger, "dispatch reminders", err)
		return
	}
	if res.Details == nil {
		res.Details = []string{}
	}
	writeJSON(w, http.StatusOK, res)
}

func nonNil(rs []reminder.Reminder) []reminder.Reminder {
	if rs == nil {
		return []reminder.Reminder{}
	}
	return rs
}
