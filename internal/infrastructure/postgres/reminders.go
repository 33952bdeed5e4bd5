package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrenew/internal/domain/reminder"
)

// ReminderStore implements reminder.Store and reminder.Directory.
type ReminderStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewReminderStore creates a reminder store.
func NewReminderStore(pool *pgxpool.Pool, logger *zap.Logger) *ReminderStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReminderStore{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("reminder-store"),
	}
}

const reminderColumns = `id, appointment_id, reminder_type, scheduled_at, status, channel, sent_at, COALESCE(message, ''), created_at`

// InsertBatch stores the reminders of one appointment in a single statement
// batch and returns the ones inserted. A reminder type already stored for the
// appointment is left as is.
func (s *ReminderStore) InsertBatch(ctx context.Context, reminders []reminder.Reminder) ([]reminder.Reminder, error) {
	if len(reminders) == 0 {
		return nil, nil
	}
	ctx, span := s.tracer.Start(ctx, "insert_reminders",
		trace.WithAttributes(attribute.Int("count", len(reminders))))
	defer span.End()

	query := `
		INSERT INTO appointment_reminders (id, appointment_id, reminder_type, scheduled_at, status, channel, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (appointment_id, reminder_type) DO NOTHING
		RETURNING id
	`

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, r := range reminders {
		batch.Queue(query, r.ID, r.AppointmentID, string(r.Type), r.ScheduledAt, string(r.Status), string(r.Channel), r.CreatedAt)
	}

	br := tx.SendBatch(ctx, batch)
	created := make([]reminder.Reminder, 0, len(reminders))
	for _, r := range reminders {
		var id string
		err := br.QueryRow().Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			br.Close()
			span.RecordError(err)
			return nil, fmt.Errorf("insert reminder %s: %w", r.Type, err)
		}
		created = append(created, r)
	}
	if err := br.Close(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("insert reminders: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	span.SetAttributes(attribute.Int("created", len(created)))
	return created, nil
}

// ListDue returns pending reminders scheduled at or before now whose claim,
// if any, has expired.
func (s *ReminderStore) ListDue(ctx context.Context, now time.Time, limit int) ([]reminder.Reminder, error) {
	query := `
		SELECT ` + reminderColumns + `
		FROM appointment_reminders
		WHERE status = 'pending'
		  AND scheduled_at <= $1
		  AND (claimed_until IS NULL OR claimed_until <= $1)
		ORDER BY scheduled_at ASC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return scanReminders(rows)
}

// Claim reserves a pending reminder until the given time unless another
// worker holds an unexpired claim.
func (s *ReminderStore) Claim(ctx context.Context, id string, now, until time.Time) (bool, error) {
	query := `
		UPDATE appointment_reminders
		SET claimed_until = $1
		WHERE id = $2
		  AND status = 'pending'
		  AND (claimed_until IS NULL OR claimed_until <= $3)
	`
	tag, err := s.pool.Exec(ctx, query, until, id, now)
	if err != nil {
		return false, fmt.Errorf("claim reminder: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompareAndSetStatus updates the reminder only while it is still in expected.
func (s *ReminderStore) CompareAndSetStatus(ctx context.Context, id string, expected reminder.Status, tr reminder.Transition) (bool, error) {
	query := `
		UPDATE appointment_reminders
		SET status = $1, sent_at = $2, message = NULLIF($3, '')
		WHERE id = $4 AND status = $5
	`
	tag, err := s.pool.Exec(ctx, query, string(tr.To), tr.SentAt, tr.Message, id, string(expected))
	if err != nil {
		return false, fmt.Errorf("update reminder: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListByAppointment returns the reminders of an appointment, earliest first.
func (s *ReminderStore) ListByAppointment(ctx context.Context, appointmentID string) ([]reminder.Reminder, error) {
	query := `
		SELECT ` + reminderColumns + `
		FROM appointment_reminders
		WHERE appointment_id = $1
		ORDER BY scheduled_at ASC
	`
	rows, err := s.pool.Query(ctx, query, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return scanReminders(rows)
}

func scanReminders(rows pgx.Rows) ([]reminder.Reminder, error) {
	defer rows.Close()

	reminders := []reminder.Reminder{}
	for rows.Next() {
		var (
			r                    reminder.Reminder
			typ, status, channel string
		)
		if err := rows.Scan(&r.ID, &r.AppointmentID, &typ, &r.ScheduledAt, &status, &channel, &r.SentAt, &r.Message, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		r.Type = reminder.Type(typ)
		r.Status = reminder.Status(status)
		r.Channel = reminder.Channel(channel)
		reminders = append(reminders, r)
	}
	return reminders, rows.Err()
}

// Appointment implements reminder.Directory.
func (s *ReminderStore) Appointment(ctx context.Context, id string) (reminder.Appointment, error) {
	query := `
		SELECT id, patient_id, doctor_id, appointment_date, type, COALESCE(location, '')
		FROM appointments
		WHERE id = $1
	`
	var a reminder.Appointment
	err := s.pool.QueryRow(ctx, query, id).Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.Date, &a.Kind, &a.Location)
	if errors.Is(err, pgx.ErrNoRows) {
		return a, reminder.ErrNotFound
	}
	if err != nil {
		return a, fmt.Errorf("load appointment: %w", err)
	}
	return a, nil
}

// Patient implements reminder.Directory.
func (s *ReminderStore) Patient(ctx context.Context, id string) (reminder.Patient, error) {
	query := `
		SELECT id, first_name, last_name, COALESCE(email, ''), COALESCE(phone, ''), COALESCE(push_token, '')
		FROM patients
		WHERE id = $1
	`
	var p reminder.Patient
	err := s.pool.QueryRow(ctx, query, id).Scan(&p.ID, &p.FirstName, &p.LastName, &p.Email, &p.Phone, &p.PushToken)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, reminder.ErrNotFound
	}
	if err != nil {
		return p, fmt.Errorf("load patient: %w", err)
	}
	return p, nil
}
