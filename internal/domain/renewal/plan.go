package renewal

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// PlanStatus represents the lifecycle state of a renewal plan
type PlanStatus string

const (
	PlanActive    PlanStatus = "active"
	PlanCompleted PlanStatus = "completed"
	PlanCancelled PlanStatus = "cancelled"
)

// ErrPlanNotActive is returned when a transition is attempted on a plan that
// is no longer active.
var ErrPlanNotActive = errors.New("renewal plan is not active")

// ErrActivePlanExists is returned when a prescription already has an active plan.
var ErrActivePlanExists = errors.New("prescription already has an active renewal plan")

// Plan is the persisted renewal schedule of one prescription.
type Plan struct {
	ID                string     `json:"id"`
	PrescriptionID    string     `json:"prescription_id"`
	PatientID         string     `json:"patient_id"`
	RenewalDueAt      time.Time  `json:"renewal_due_at"`
	NextAppointmentAt time.Time  `json:"next_appointment_at"`
	LeadDays          int        `json:"lead_days"`
	Status            PlanStatus `json:"status"`
	CreatedAt         time.Time  `json:"created_at"`
}

// NewPlan builds an active plan from a decision computed at now.
func NewPlan(prescriptionID, patientID string, now time.Time, d Decision) *Plan {
	dates := ComputeDates(now, d)
	return &Plan{
		ID:                uuid.New().String(),
		PrescriptionID:    prescriptionID,
		PatientID:         patientID,
		RenewalDueAt:      dates.RenewalDue,
		NextAppointmentAt: dates.NextAppointment,
		LeadDays:          d.LeadDays,
		Status:            PlanActive,
		CreatedAt:         now.UTC(),
	}
}

// CanTransition reports whether a plan may move from one status to another.
// Only active plans change state.
func CanTransition(from, to PlanStatus) bool {
	return from == PlanActive && (to == PlanCompleted || to == PlanCancelled)
}
