// Package prescription creates draft prescriptions together with their
// renewal plan.
package prescription

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes chronic treatments from one-off prescriptions.
type Kind string

const (
	KindOrdinary Kind = "ordinary"
	KindChronic  Kind = "chronic"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindOrdinary || k == KindChronic
}

// Status represents prescription status
type Status string

const (
	// StatusDraft is the only status this service writes. Validation is a
	// human action performed elsewhere.
	StatusDraft     Status = "draft"
	StatusValidated Status = "validated"
	StatusCancelled Status = "cancelled"
)

var (
	// ErrInvalidDraft wraps every validation failure of a draft request.
	ErrInvalidDraft = errors.New("invalid prescription draft")
	// ErrNotFound is returned when a prescription or plan does not exist.
	ErrNotFound = errors.New("not found")
)

// Item is one drug line of a prescription.
type Item struct {
	ID           string `json:"id"`
	Position     int    `json:"position"`
	MedicationID string `json:"medication_id,omitempty"`
	DCI          string `json:"dci"`
	ATC          string `json:"atc,omitempty"`
	DurationDays int    `json:"duration_days"`
	Quantity     int    `json:"quantity,omitempty"`
	Dosage       string `json:"dosage,omitempty"`
	Frequency    string `json:"frequency,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// Prescription is a prescription with its items, in submission order.
type Prescription struct {
	ID             string    `json:"id"`
	PatientID      string    `json:"patient_id"`
	PrescriberID   string    `json:"prescriber_id"`
	PrescriberName string    `json:"prescriber_name,omitempty"`
	PrescriberRPPS string    `json:"prescriber_rpps,omitempty"`
	Kind           Kind      `json:"kind"`
	Status         Status    `json:"status"`
	Notes          string    `json:"notes,omitempty"`
	Items          []Item    `json:"items"`
	CreatedAt      time.Time `json:"created_at"`
}

// IsChronic reports whether the prescription is a chronic treatment.
func (p *Prescription) IsChronic() bool {
	return p.Kind == KindChronic
}

// ATCCodes returns the non-empty ATC codes of the items.
func (p *Prescription) ATCCodes() []string {
	codes := make([]string, 0, len(p.Items))
	for _, it := range p.Items {
		if it.ATC != "" {
			codes = append(codes, it.ATC)
		}
	}
	return codes
}

// Durations returns the duration of every item, zero when unknown.
func (p *Prescription) Durations() []int {
	durations := make([]int, len(p.Items))
	for i, it := range p.Items {
		durations[i] = it.DurationDays
	}
	return durations
}

// ItemRequest is one item of a DraftRequest.
type ItemRequest struct {
	MedicationID string `json:"medication_id,omitempty"`
	DCI          string `json:"dci"`
	ATC          string `json:"atc,omitempty"`
	DurationDays int    `json:"duration_days,omitempty"`
	Quantity     int    `json:"quantity,omitempty"`
	Dosage       string `json:"dosage,omitempty"`
	Frequency    string `json:"frequency,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// DraftRequest carries everything needed to create a draft prescription.
type DraftRequest struct {
	PrescriberID   string        `json:"prescriber_id"`
	PatientID      string        `json:"patient_id"`
	Kind           Kind          `json:"kind"`
	PrescriberName string        `json:"prescriber_name,omitempty"`
	PrescriberRPPS string        `json:"prescriber_rpps,omitempty"`
	Notes          string        `json:"notes,omitempty"`
	Items          []ItemRequest `json:"items"`
}

// NewDraft validates req and builds a prescription in draft status.
func NewDraft(req DraftRequest, now time.Time) (*Prescription, error) {
	var errs []error
	if strings.TrimSpace(req.PatientID) == "" {
		errs = append(errs, errors.New("patient_id is required"))
	}
	if strings.TrimSpace(req.PrescriberID) == "" {
		errs = append(errs, errors.New("prescriber_id is required"))
	}
	if !req.Kind.Valid() {
		errs = append(errs, fmt.Errorf("kind must be ordinary or chronic, got %q", req.Kind))
	}
	if len(req.Items) == 0 {
		errs = append(errs, errors.New("at least one item is required"))
	}

	items := make([]Item, 0, len(req.Items))
	for i, it := range req.Items {
		if strings.TrimSpace(it.DCI) == "" {
			errs = append(errs, fmt.Errorf("items[%d]: dci is required", i))
		}
		if it.DurationDays < 0 {
			errs = append(errs, fmt.Errorf("items[%d]: duration_days must be >= 0, got %d", i, it.DurationDays))
		}
		if it.Quantity < 0 {
			errs = append(errs, fmt.Errorf("items[%d]: quantity must be >= 0, got %d", i, it.Quantity))
		}
		items = append(items, Item{
			ID:           uuid.New().String(),
			Position:     i,
			MedicationID: it.MedicationID,
			DCI:          strings.TrimSpace(it.DCI),
			ATC:          strings.ToUpper(strings.TrimSpace(it.ATC)),
			DurationDays: it.DurationDays,
			Quantity:     it.Quantity,
			Dosage:       it.Dosage,
			Frequency:    it.Frequency,
			Instructions: it.Instructions,
		})
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDraft, errors.Join(errs...))
	}

	return &Prescription{
		ID:             uuid.New().String(),
		PatientID:      req.PatientID,
		PrescriberID:   req.PrescriberID,
		PrescriberName: req.PrescriberName,
		PrescriberRPPS: req.PrescriberRPPS,
		Kind:           req.Kind,
		Status:         StatusDraft,
		Notes:          req.Notes,
		Items:          items,
		CreatedAt:      now.UTC(),
	}, nil
}
