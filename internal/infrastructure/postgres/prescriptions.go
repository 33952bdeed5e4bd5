package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrenew/internal/domain/prescription"
	"github.com/drfirst/go-rxrenew/internal/domain/renewal"
)

const uniqueViolation = "23505"

// PrescriptionRepository implements prescription.Repository.
type PrescriptionRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewPrescriptionRepository creates a new repository
func NewPrescriptionRepository(pool *pgxpool.Pool, logger *zap.Logger) *PrescriptionRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionRepository{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("prescription-repository"),
	}
}

// CreateDraft stores the prescription, its items, its plan and its outbox
// events in one transaction.
func (r *PrescriptionRepository) CreateDraft(ctx context.Context, rx *prescription.Prescription, plan *renewal.Plan, events []*prescription.Event) error {
	ctx, span := r.tracer.Start(ctx, "create_draft",
		trace.WithAttributes(
			attribute.String("prescription_id", rx.ID),
			attribute.Int("items", len(rx.Items)),
		))
	defer span.End()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO prescriptions (id, patient_id, prescriber_id, prescriber_name, prescriber_rpps, kind, status, notes, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, NULLIF($8, ''), $9)
	`, rx.ID, rx.PatientID, rx.PrescriberID, rx.PrescriberName, rx.PrescriberRPPS, string(rx.Kind), string(rx.Status), rx.Notes, rx.CreatedAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert prescription: %w", err)
	}

	batch := &pgx.Batch{}
	for _, it := range rx.Items {
		batch.Queue(`
			INSERT INTO prescription_items (id, prescription_id, position, medication_id, dci, atc, duration_days, quantity, dosage, frequency, instructions)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''), $7, $8, NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''))
		`, it.ID, rx.ID, it.Position, it.MedicationID, it.DCI, it.ATC, it.DurationDays, it.Quantity, it.Dosage, it.Frequency, it.Instructions)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert items: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO renewal_plans (id, prescription_id, patient_id, renewal_due_at, next_appointment_at, lead_days, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, plan.ID, plan.PrescriptionID, plan.PatientID, plan.RenewalDueAt, plan.NextAppointmentAt, plan.LeadDays, string(plan.Status), plan.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return renewal.ErrActivePlanExists
		}
		span.RecordError(err)
		return fmt.Errorf("insert renewal plan: %w", err)
	}

	if err := writeEvents(ctx, tx, events); err != nil {
		span.RecordError(err)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func writeEvents(ctx context.Context, tx pgx.Tx, events []*prescription.Event) error {
	for _, e := range events {
		entry, err := EntryFromEvent(e)
		if err != nil {
			return err
		}
		if err := WriteEntry(ctx, tx, entry); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a prescription with its items.
func (r *PrescriptionRepository) Get(ctx context.Context, id string) (*prescription.Prescription, error) {
	rx := &prescription.Prescription{}
	var kind, status string
	err := r.pool.QueryRow(ctx, `
		SELECT id, patient_id, prescriber_id, COALESCE(prescriber_name, ''), COALESCE(prescriber_rpps, ''),
		       kind, status, COALESCE(notes, ''), created_at
		FROM prescriptions
		WHERE id = $1
	`, id).Scan(&rx.ID, &rx.PatientID, &rx.PrescriberID, &rx.PrescriberName, &rx.PrescriberRPPS,
		&kind, &status, &rx.Notes, &rx.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("prescription %s: %w", id, prescription.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load prescription: %w", err)
	}
	rx.Kind = prescription.Kind(kind)
	rx.Status = prescription.Status(status)

	items, err := r.items(ctx, id)
	if err != nil {
		return nil, err
	}
	rx.Items = items
	return rx, nil
}

func (r *PrescriptionRepository) items(ctx context.Context, prescriptionID string) ([]prescription.Item, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, position, COALESCE(medication_id, ''), dci, COALESCE(atc, ''), duration_days, quantity,
		       COALESCE(dosage, ''), COALESCE(frequency, ''), COALESCE(instructions, '')
		FROM prescription_items
		WHERE prescription_id = $1
		ORDER BY position ASC
	`, prescriptionID)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	items := []prescription.Item{}
	for rows.Next() {
		var it prescription.Item
		if err := rows.Scan(&it.ID, &it.Position, &it.MedicationID, &it.DCI, &it.ATC, &it.DurationDays,
			&it.Quantity, &it.Dosage, &it.Frequency, &it.Instructions); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ListByPatient returns a patient's prescriptions, newest first.
func (r *PrescriptionRepository) ListByPatient(ctx context.Context, patientID string) ([]*prescription.Prescription, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM prescriptions WHERE patient_id = $1 ORDER BY created_at DESC
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query prescriptions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan prescriptions: %w", err)
	}

	out := make([]*prescription.Prescription, 0, len(ids))
	for _, id := range ids {
		rx, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, rx)
	}
	return out, nil
}

const planColumns = `id, prescription_id, patient_id, renewal_due_at, next_appointment_at, lead_days, status, created_at`

func scanPlan(row pgx.Row) (*renewal.Plan, error) {
	p := &renewal.Plan{}
	var status string
	if err := row.Scan(&p.ID, &p.PrescriptionID, &p.PatientID, &p.RenewalDueAt, &p.NextAppointmentAt,
		&p.LeadDays, &status, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Status = renewal.PlanStatus(status)
	return p, nil
}

// GetPlan returns one renewal plan.
func (r *PrescriptionRepository) GetPlan(ctx context.Context, id string) (*renewal.Plan, error) {
	p, err := scanPlan(r.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM renewal_plans WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("renewal plan %s: %w", id, prescription.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load renewal plan: %w", err)
	}
	return p, nil
}

// ListPlans returns a patient's renewal plans, newest first.
func (r *PrescriptionRepository) ListPlans(ctx context.Context, patientID string) ([]*renewal.Plan, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+planColumns+`
		FROM renewal_plans
		WHERE patient_id = $1
		ORDER BY created_at DESC
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query renewal plans: %w", err)
	}
	defer rows.Close()

	plans := []*renewal.Plan{}
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan renewal plan: %w", err)
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// TransitionPlan moves a plan out of from and records event atomically.
func (r *PrescriptionRepository) TransitionPlan(ctx context.Context, planID string, from, to renewal.PlanStatus, event *prescription.Event) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE renewal_plans
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, string(to), planID, string(from))
	if err != nil {
		return false, fmt.Errorf("update renewal plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if event != nil {
		if err := writeEvents(ctx, tx, []*prescription.Event{event}); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}
