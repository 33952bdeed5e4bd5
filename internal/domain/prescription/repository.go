package prescription

import (
	"context"

	"github.com/drfirst/go-rxrenew/internal/domain/renewal"
)

// Repository persists prescriptions and their renewal plans.
type Repository interface {
	// CreateDraft stores the prescription, its items, its plan and the events
	// in one transaction. It returns renewal.ErrActivePlanExists when the
	// prescription already has an active plan.
	CreateDraft(ctx context.Context, rx *Prescription, plan *renewal.Plan, events []*Event) error
	Get(ctx context.Context, id string) (*Prescription, error)
	ListByPatient(ctx context.Context, patientID string) ([]*Prescription, error)
	GetPlan(ctx context.Context, id string) (*renewal.Plan, error)
	ListPlans(ctx context.Context, patientID string) ([]*renewal.Plan, error)
	// TransitionPlan moves a plan from one status to another and writes event
	// in the same transaction. updated is false when the plan was not in from.
	TransitionPlan(ctx context.Context, planID string, from, to renewal.PlanStatus, event *Event) (updated bool, err error)
}
