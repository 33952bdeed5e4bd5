// Package intake turns appointment events from the booking system into
// scheduled reminders.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxrenew/internal/domain/reminder"
	"github.com/drfirst/go-rxrenew/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxrenew/pkg/idempotency"
	"github.com/drfirst/go-rxrenew/pkg/workerpool"
)

// EventAppointmentCreated is the only event type that creates reminders.
const EventAppointmentCreated = "appointment.created"

const handlerName = "schedule_appointment_reminders"

// AppointmentEvent is the message published on the appointment topic.
type AppointmentEvent struct {
	Type        string               `json:"type"`
	Appointment reminder.Appointment `json:"appointment"`
	OccurredAt  time.Time            `json:"occurred_at"`
}

// Scheduler creates the reminders of an appointment.
type Scheduler interface {
	ScheduleForAppointment(ctx context.Context, appt reminder.Appointment) ([]reminder.Reminder, error)
}

// Deduper runs fn at most once per key.
type Deduper interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.HandlerFunc) (json.RawMessage, error)
}

// Observer counts handled events by result and reminders created.
type Observer interface {
	EventConsumed(result string)
	ObserveScheduled(n int)
}

// Result labels passed to Observer.EventConsumed.
const (
	ResultScheduled = "scheduled"
	ResultDuplicate = "duplicate"
	ResultIgnored   = "ignored"
	ResultInvalid   = "invalid"
	ResultError     = "error"
)

// AppointmentHandler handles one appointment event.
type AppointmentHandler struct {
	scheduler Scheduler
	inbox     Deduper
	observer  Observer
	logger    *zap.Logger
}

// NewAppointmentHandler creates a handler. inbox and observer may be nil.
func NewAppointmentHandler(scheduler Scheduler, inbox Deduper, observer Observer, logger *zap.Logger) *AppointmentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AppointmentHandler{
		scheduler: scheduler,
		inbox:     inbox,
		observer:  observer,
		logger:    logger,
	}
}

// Handle implements redpanda.MessageHandler. Malformed events are permanent
// failures; a replayed event is acknowledged without scheduling again.
func (h *AppointmentHandler) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	var event AppointmentEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		h.observe(ResultInvalid)
		return workerpool.Permanent(fmt.Errorf("decode appointment event: %w", err))
	}
	if event.Type != EventAppointmentCreated {
		h.observe(ResultIgnored)
		return nil
	}
	appt := event.Appointment
	if appt.ID == "" || appt.PatientID == "" || appt.Date.IsZero() {
		h.observe(ResultInvalid)
		return workerpool.Permanent(errors.New("appointment event without id, patient or date"))
	}

	schedule := func(ctx context.Context) (json.RawMessage, error) {
		reminders, err := h.scheduler.ScheduleForAppointment(ctx, appt)
		if err != nil {
			return nil, err
		}
		if h.observer != nil {
			h.observer.ObserveScheduled(len(reminders))
		}
		return json.Marshal(map[string]int{"reminders": len(reminders)})
	}

	var err error
	if h.inbox == nil {
		_, err = schedule(ctx)
	} else {
		key := idempotency.AppointmentKey(appt.ID, appt.Date)
		_, err = h.inbox.Process(ctx, key, handlerName, msg.Value, schedule)
	}

	switch {
	case err == nil:
		h.observe(ResultScheduled)
		return nil
	case errors.Is(err, idempotency.ErrDuplicate):
		h.observe(ResultDuplicate)
		h.logger.Debug("appointment event already handled",
			zap.String("appointment_id", appt.ID),
			zap.Int64("offset", msg.Offset))
		return nil
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		h.observe(ResultInvalid)
		return workerpool.Permanent(err)
	default:
		h.observe(ResultError)
		return fmt.Errorf("schedule reminders for %s: %w", appt.ID, err)
	}
}

func (h *AppointmentHandler) observe(result string) {
	if h.observer != nil {
		h.observer.EventConsumed(result)
	}
}
