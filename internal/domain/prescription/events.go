package prescription

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventPrescriptionDrafted  EventType = "PrescriptionDrafted"
	EventRenewalPlanCreated   EventType = "RenewalPlanCreated"
	EventRenewalPlanCompleted EventType = "RenewalPlanCompleted"
	EventRenewalPlanCancelled EventType = "RenewalPlanCancelled"
)

// EventsTopic is the Kafka topic prescription and plan events are relayed to.
const EventsTopic = "prescription.events"

// Aggregate types carried on events.
const (
	AggregatePrescription = "Prescription"
	AggregateRenewalPlan  = "RenewalPlan"
)

// Event represents a domain event written to the outbox
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	// PartitionKey keeps every event of one patient in order.
	PartitionKey  string          `json:"partition_key"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateType, aggregateID, partitionKey string, eventType EventType, data any) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
		PartitionKey:  partitionKey,
	}, nil
}

// Envelope is the record value published for an event.
func (e *Event) Envelope() ([]byte, error) {
	return json.Marshal(e)
}

// PrescriptionDraftedData contains draft creation details
type PrescriptionDraftedData struct {
	PrescriptionID string    `json:"prescription_id"`
	PatientID      string    `json:"patient_id"`
	PrescriberID   string    `json:"prescriber_id"`
	Kind           Kind      `json:"kind"`
	ItemCount      int       `json:"item_count"`
	ATCCodes       []string  `json:"atc_codes,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// RenewalPlanCreatedData contains the computed plan and the decision behind it
type RenewalPlanCreatedData struct {
	PlanID              string    `json:"plan_id"`
	PrescriptionID      string    `json:"prescription_id"`
	PatientID           string    `json:"patient_id"`
	RenewalDueAt        time.Time `json:"renewal_due_at"`
	NextAppointmentAt   time.Time `json:"next_appointment_at"`
	LeadDays            int       `json:"lead_days"`
	RenewalIntervalDays int       `json:"renewal_interval_days"`
	Clamped             bool      `json:"clamped"`
	Defaulted           bool      `json:"defaulted"`
	Reason              string    `json:"reason"`
	PolicyVersion       string    `json:"policy_version"`
}

// RenewalPlanTransitionedData records a plan leaving the active status
type RenewalPlanTransitionedData struct {
	PlanID         string    `json:"plan_id"`
	PrescriptionID string    `json:"prescription_id"`
	Status         string    `json:"status"`
	At             time.Time `json:"at"`
}
