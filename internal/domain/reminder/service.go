package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Service creates the reminders of new appointments.
type Service struct {
	store  Store
	policy Policy
	now    func() time.Time
	logger *zap.Logger
	tracer trace.Tracer
}

// NewService creates a reminder service.
func NewService(store Store, policy Policy, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		policy: policy,
		now:    time.Now,
		logger: logger,
		tracer: otel.Tracer("reminder-service"),
	}
}

// ScheduleForAppointment computes and stores the reminders of an appointment
// and returns the ones created by this call. An appointment too close or
// already past gets no reminders and no error; a replay for an appointment
// whose reminders are already stored creates none.
func (s *Service) ScheduleForAppointment(ctx context.Context, appt Appointment) ([]Reminder, error) {
	ctx, span := s.tracer.Start(ctx, "schedule_reminders",
		trace.WithAttributes(attribute.String("appointment_id", appt.ID)))
	defer span.End()

	if appt.ID == "" {
		return nil, errors.New("appointment id is required")
	}

	reminders := Schedule(appt.ID, appt.Date, s.now(), s.policy)
	span.SetAttributes(attribute.Int("reminders", len(reminders)))
	if len(reminders) == 0 {
		s.logger.Debug("appointment too close for reminders",
			zap.String("appointment_id", appt.ID),
			zap.Time("appointment_date", appt.Date))
		return reminders, nil
	}

	created, err := s.store.InsertBatch(ctx, reminders)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("store reminders: %w", err)
	}
	span.SetAttributes(attribute.Int("created", len(created)))

	s.logger.Info("reminders scheduled",
		zap.String("appointment_id", appt.ID),
		zap.Int("count", len(created)),
		zap.Int("already_stored", len(reminders)-len(created)))
	return created, nil
}

// ListForAppointment returns the stored reminders of an appointment.
func (s *Service) ListForAppointment(ctx context.Context, appointmentID string) ([]Reminder, error) {
	reminders, err := s.store.ListByAppointment(ctx, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	return reminders, nil
}
