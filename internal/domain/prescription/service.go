package prescription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrenew/internal/domain/renewal"
	"github.com/drfirst/go-rxrenew/internal/notify"
	"github.com/drfirst/go-rxrenew/internal/rules"
)

// Draft is the result of creating a draft prescription.
type Draft struct {
	Prescription *Prescription    `json:"prescription"`
	Plan         *renewal.Plan    `json:"plan"`
	Decision     renewal.Decision `json:"decision"`
}

// Observer receives counters for created drafts.
type Observer interface {
	DraftCreated(kind string, clamped, defaulted bool)
	PlanTransitioned(status string)
}

// Service creates draft prescriptions and manages their renewal plans.
type Service struct {
	repo     Repository
	policy   rules.Config
	emitter  notify.Emitter
	observer Observer
	now      func() time.Time
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewService creates a prescription service bound to one policy version.
func NewService(repo Repository, policy rules.Config, emitter notify.Emitter, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = notify.NopEmitter{}
	}
	return &Service{
		repo:    repo,
		policy:  policy,
		emitter: emitter,
		now:     time.Now,
		logger:  logger,
		tracer:  otel.Tracer("prescription-service"),
	}
}

// SetObserver attaches a metrics observer.
func (s *Service) SetObserver(o Observer) {
	s.observer = o
}

// CreateDraft validates the request, computes the renewal plan and stores
// both atomically. The prescriber is then notified on a best-effort basis; a
// failed notification never fails the draft.
func (s *Service) CreateDraft(ctx context.Context, req DraftRequest) (*Draft, error) {
	ctx, span := s.tracer.Start(ctx, "create_prescription_draft",
		trace.WithAttributes(
			attribute.String("patient_id", req.PatientID),
			attribute.String("kind", string(req.Kind)),
		))
	defer span.End()

	now := s.now()
	rx, err := NewDraft(req, now)
	if err != nil {
		return nil, err
	}

	decision := s.policy.Decide(rx.IsChronic(), rx.ATCCodes(), rx.Durations())
	plan := renewal.NewPlan(rx.ID, rx.PatientID, now, decision)

	span.SetAttributes(
		attribute.String("prescription_id", rx.ID),
		attribute.Int("renewal_interval_days", decision.RenewalIntervalDays),
		attribute.Int("lead_days", decision.LeadDays),
		attribute.Bool("clamped", decision.Clamped),
	)

	events, err := draftEvents(rx, plan, decision)
	if err != nil {
		return nil, fmt.Errorf("build events: %w", err)
	}

	if err := s.repo.CreateDraft(ctx, rx, plan, events); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("store draft: %w", err)
	}

	s.logger.Info("prescription draft created",
		zap.String("prescription_id", rx.ID),
		zap.String("plan_id", plan.ID),
		zap.String("kind", string(rx.Kind)),
		zap.Int("renewal_interval_days", decision.RenewalIntervalDays),
		zap.Int("lead_days", decision.LeadDays),
		zap.Bool("clamped", decision.Clamped),
		zap.String("policy_version", decision.PolicyVersion))

	if s.observer != nil {
		s.observer.DraftCreated(string(rx.Kind), decision.Clamped, decision.Defaulted)
	}

	notify.BestEffort(ctx, s.emitter, notify.Notification{
		UserID:  rx.PrescriberID,
		Type:    notify.TypeMedicalRenewal,
		Title:   "Medication renewal",
		Message: fmt.Sprintf("Plan the renewal appointment: %s", plan.NextAppointmentAt.Format("2006-01-02")),
	}, s.logger)

	if decision.Clamped {
		msg := fmt.Sprintf("Lead time reduced to %d days to fit a %d-day supply (%s)",
			decision.LeadDays, decision.RenewalIntervalDays, decision.Reason)
		notify.BestEffort(ctx, s.emitter, notify.Notification{
			UserID:  rx.PrescriberID,
			Type:    notify.TypeRenewalPlanClamped,
			Title:   "Renewal lead time shortened",
			Message: msg,
		}, s.logger)
	}

	return &Draft{Prescription: rx, Plan: plan, Decision: decision}, nil
}

func draftEvents(rx *Prescription, plan *renewal.Plan, d renewal.Decision) ([]*Event, error) {
	drafted, err := NewEvent(AggregatePrescription, rx.ID, rx.PatientID, EventPrescriptionDrafted, PrescriptionDraftedData{
		PrescriptionID: rx.ID,
		PatientID:      rx.PatientID,
		PrescriberID:   rx.PrescriberID,
		Kind:           rx.Kind,
		ItemCount:      len(rx.Items),
		ATCCodes:       rx.ATCCodes(),
		CreatedAt:      rx.CreatedAt,
	})
	if err != nil {
		return nil, err
	}

	planned, err := NewEvent(AggregateRenewalPlan, plan.ID, rx.PatientID, EventRenewalPlanCreated, RenewalPlanCreatedData{
		PlanID:              plan.ID,
		PrescriptionID:      rx.ID,
		PatientID:           rx.PatientID,
		RenewalDueAt:        plan.RenewalDueAt,
		NextAppointmentAt:   plan.NextAppointmentAt,
		LeadDays:            d.LeadDays,
		RenewalIntervalDays: d.RenewalIntervalDays,
		Clamped:             d.Clamped,
		Defaulted:           d.Defaulted,
		Reason:              d.Reason,
		PolicyVersion:       d.PolicyVersion,
	})
	if err != nil {
		return nil, err
	}

	return []*Event{drafted, planned}, nil
}

// Get returns a prescription with its items.
func (s *Service) Get(ctx context.Context, id string) (*Prescription, error) {
	return s.repo.Get(ctx, id)
}

// ListByPatient returns a patient's prescriptions, newest first.
func (s *Service) ListByPatient(ctx context.Context, patientID string) ([]*Prescription, error) {
	return s.repo.ListByPatient(ctx, patientID)
}

// ListPlans returns a patient's renewal plans, newest first.
func (s *Service) ListPlans(ctx context.Context, patientID string) ([]*renewal.Plan, error) {
	return s.repo.ListPlans(ctx, patientID)
}

// CompletePlan marks an active plan as completed.
func (s *Service) CompletePlan(ctx context.Context, planID string) (*renewal.Plan, error) {
	return s.transition(ctx, planID, renewal.PlanCompleted, EventRenewalPlanCompleted)
}

// CancelPlan marks an active plan as cancelled.
func (s *Service) CancelPlan(ctx context.Context, planID string) (*renewal.Plan, error) {
	return s.transition(ctx, planID, renewal.PlanCancelled, EventRenewalPlanCancelled)
}

func (s *Service) transition(ctx context.Context, planID string, to renewal.PlanStatus, eventType EventType) (*renewal.Plan, error) {
	ctx, span := s.tracer.Start(ctx, "transition_renewal_plan",
		trace.WithAttributes(
			attribute.String("plan_id", planID),
			attribute.String("to", string(to)),
		))
	defer span.End()

	plan, err := s.repo.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !renewal.CanTransition(plan.Status, to) {
		return nil, fmt.Errorf("%w: plan %s is %s", renewal.ErrPlanNotActive, planID, plan.Status)
	}

	event, err := NewEvent(AggregateRenewalPlan, plan.ID, plan.PatientID, eventType, RenewalPlanTransitionedData{
		PlanID:         plan.ID,
		PrescriptionID: plan.PrescriptionID,
		Status:         string(to),
		At:             s.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("build event: %w", err)
	}

	updated, err := s.repo.TransitionPlan(ctx, planID, renewal.PlanActive, to, event)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("transition plan: %w", err)
	}
	if !updated {
		return nil, fmt.Errorf("%w: plan %s changed concurrently", renewal.ErrPlanNotActive, planID)
	}

	plan.Status = to
	if s.observer != nil {
		s.observer.PlanTransitioned(string(to))
	}
	s.logger.Info("renewal plan transitioned",
		zap.String("plan_id", planID),
		zap.String("status", string(to)))
	return plan, nil
}

// IsNotFound reports whether err means a missing prescription or plan.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
