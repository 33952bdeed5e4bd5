// Package reminder schedules appointment reminders at fixed offsets before the
// appointment and dispatches the ones that come due.
package reminder

import (
	"errors"
	"fmt"
	"time"
)

// Type identifies a reminder by how long before the appointment it fires.
type Type string

const (
	Type24h   Type = "24h"
	Type2h    Type = "2h"
	Type15min Type = "15min"
)

// Types lists every reminder type from the earliest offset to the latest.
func Types() []Type {
	return []Type{Type24h, Type2h, Type15min}
}

// Offset returns how long before the appointment the reminder fires.
func (t Type) Offset() time.Duration {
	switch t {
	case Type24h:
		return 24 * time.Hour
	case Type2h:
		return 2 * time.Hour
	case Type15min:
		return 15 * time.Minute
	}
	return 0
}

// Phrase is the short relative wording used in notices ("tomorrow", "in 2h").
func (t Type) Phrase() string {
	switch t {
	case Type24h:
		return "tomorrow"
	case Type2h:
		return "in 2h"
	case Type15min:
		return "in 15min"
	}
	return ""
}

// Valid reports whether t is one of the known reminder types.
func (t Type) Valid() bool {
	return t.Offset() > 0
}

// ParseType converts a stored string into a Type.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown reminder type %q", s)
	}
	return t, nil
}

// Channel is the transport a reminder is delivered through.
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelPush, ChannelEmail, ChannelSMS:
		return true
	}
	return false
}

// ParseChannel converts a stored string into a Channel.
func ParseChannel(s string) (Channel, error) {
	c := Channel(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown reminder channel %q", s)
	}
	return c, nil
}

// Status is the delivery state of a reminder.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// ErrNotFound is returned by a Directory when a referenced record is missing.
var ErrNotFound = errors.New("not found")

// Reminder is a single scheduled notification for an appointment.
type Reminder struct {
	ID            string     `json:"id"`
	AppointmentID string     `json:"appointment_id"`
	Type          Type       `json:"reminder_type"`
	ScheduledAt   time.Time  `json:"scheduled_at"`
	Status        Status     `json:"status"`
	Channel       Channel    `json:"channel"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	Message       string     `json:"message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Transition is the set of fields written when a pending reminder settles.
type Transition struct {
	To      Status
	SentAt  *time.Time
	Message string
}

// Appointment is the part of an external appointment record the reminders need.
type Appointment struct {
	ID        string    `json:"id"`
	PatientID string    `json:"patient_id"`
	DoctorID  string    `json:"doctor_id"`
	Date      time.Time `json:"appointment_date"`
	Kind      string    `json:"type,omitempty"`
	Location  string    `json:"location,omitempty"`
}

// Patient holds the contact details reminders are delivered to.
type Patient struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	PushToken string `json:"push_token,omitempty"`
}

// FullName joins the patient's first and last name.
func (p Patient) FullName() string {
	switch {
	case p.FirstName == "":
		return p.LastName
	case p.LastName == "":
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}
