package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrenew/internal/api/middleware"
	"github.com/drfirst/go-rxrenew/internal/domain/prescription"
	"github.com/drfirst/go-rxrenew/internal/domain/renewal"
)

// PrescriptionService is the part of prescription.Service the API uses.
type PrescriptionService interface {
	CreateDraft(ctx context.Context, req prescription.DraftRequest) (*prescription.Draft, error)
	Get(ctx context.Context, id string) (*prescription.Prescription, error)
	ListPlans(ctx context.Context, patientID string) ([]*renewal.Plan, error)
	CompletePlan(ctx context.Context, planID string) (*renewal.Plan, error)
	CancelPlan(ctx context.Context, planID string) (*renewal.Plan, error)
}

var _ PrescriptionService = (*prescription.Service)(nil)

// PrescriptionHandler serves draft prescriptions and their renewal plans.
type PrescriptionHandler struct {
	svc    PrescriptionService
	logger *zap.Logger
}

// NewPrescriptionHandler creates a new handler
func NewPrescriptionHandler(svc PrescriptionService, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionHandler{svc: svc, logger: logger}
}

// Routes mounts under /prescriptions.
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	return r
}

// PatientRoutes mounts under /patients.
func (h *PrescriptionHandler) PatientRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}/renewal-plans", h.ListPlans)
	return r
}

// PlanRoutes mounts under /renewal-plans.
func (h *PrescriptionHandler) PlanRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{id}/complete", h.Complete)
	r.Post("/{id}/cancel", h.Cancel)
	return r
}

// Create handles POST /prescriptions
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req prescription.DraftRequest
	if err := decode(w, r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	draft, err := h.svc.CreateDraft(r.Context(), req)
	if err != nil {
		fail(w, r, h.logger, "create prescription", err)
		return
	}

	h.logger.Info("draft prescription created",
		zap.String("id", draft.Prescription.ID),
		zap.String("client_id", middleware.GetClientID(r.Context())),
		zap.String("request_id", middleware.GetRequestID(r.Context())))
	writeJSON(w, http.StatusCreated, draft)
}

// Get handles GET /prescriptions/{id}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	rx, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, h.logger, "get prescription", err)
		return
	}
	writeJSON(w, http.StatusOK, rx)
}

// ListPlans handles GET /patients/{id}/renewal-plans
func (h *PrescriptionHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.svc.ListPlans(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, h.logger, "list renewal plans", err)
		return
	}
	if plans == nil {
		plans = []*renewal.Plan{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": plans})
}

// Complete handles POST /renewal-plans/{id}/complete
func (h *PrescriptionHandler) Complete(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.CompletePlan)
}

// Cancel handles POST /renewal-plans/{id}/cancel
func (h *PrescriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.CancelPlan)
}

func (h *PrescriptionHandler) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (*renewal.Plan, error)) {
	plan, err := fn(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, h.logger, "transition renewal plan", err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}
