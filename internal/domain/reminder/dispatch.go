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

	"github.com/drfirst/go-rxrenew/internal/notify"
)

// WorkerConfig holds configuration for the dispatch worker
type WorkerConfig struct {
	// BatchSize caps the reminders handled per run
	BatchSize int
	// PollInterval is how often Start runs a batch
	PollInterval time.Duration
	// ClaimTTL is how long a claimed reminder stays reserved. A worker that
	// dies mid-delivery leaves it to be retried once the claim expires.
	ClaimTTL time.Duration
}

// DefaultWorkerConfig returns sensible defaults
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:    50,
		PollInterval: time.Minute,
		ClaimTTL:     10 * time.Minute,
	}
}

// Result summarizes one dispatch run.
type Result struct {
	Success int      `json:"success"`
	Failed  int      `json:"failed"`
	Skipped int      `json:"skipped"`
	Details []string `json:"details"`
}

func (r *Result) addf(format string, args ...any) {
	r.Details = append(r.Details, fmt.Sprintf(format, args...))
}

// WorkerOption configures optional Worker collaborators.
type WorkerOption func(*Worker)

// WithLocker makes runs exclusive across processes.
func WithLocker(l Locker) WorkerOption {
	return func(w *Worker) { w.locker = l }
}

// WithEmitter sets where doctor notices are sent.
func WithEmitter(e notify.Emitter) WorkerOption {
	return func(w *Worker) { w.emitter = e }
}

// WithObserver reports run counters, typically to metrics.
func WithObserver(o Observer) WorkerOption {
	return func(w *Worker) { w.observer = o }
}

// WithClock replaces time.Now for the polling loop.
func WithClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

// Worker delivers due reminders and settles each one exactly once.
type Worker struct {
	store     Store
	directory Directory
	deliverer Deliverer
	renderer  *Renderer
	locker    Locker
	emitter   notify.Emitter
	observer  Observer
	config    WorkerConfig
	now       func() time.Time
	logger    *zap.Logger
	tracer    trace.Tracer

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker creates a dispatch worker. It fails if the policy templates do
// not parse.
func NewWorker(store Store, directory Directory, deliverer Deliverer, policy Policy, cfg WorkerConfig, logger *zap.Logger, opts ...WorkerOption) (*Worker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultWorkerConfig().BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultWorkerConfig().PollInterval
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = DefaultWorkerConfig().ClaimTTL
	}

	renderer, err := CompileTemplates(policy)
	if err != nil {
		return nil, fmt.Errorf("compile reminder templates: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		store:     store,
		directory: directory,
		deliverer: deliverer,
		renderer:  renderer,
		config:    cfg,
		now:       time.Now,
		logger:    logger,
		tracer:    otel.Tracer("reminder-dispatch"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// ProcessDue delivers pending reminders scheduled at or before now, at most
// limit of them (the configured batch size when limit <= 0).
//
// Each reminder is claimed before delivery, so concurrent runs never deliver
// the same reminder twice. Missing appointments or patients and delivery
// errors fail the reminder and the run continues. A reminder claimed or
// settled by another worker is skipped. Only store failures abort the run; the partial result is returned
// with the error and reminders settled before it stay settled.
func (w *Worker) ProcessDue(ctx context.Context, now time.Time, limit int) (Result, error) {
	started := time.Now()
	ctx, span := w.tracer.Start(ctx, "process_due_reminders")
	defer span.End()

	res := Result{Details: []string{}}
	if limit <= 0 {
		limit = w.config.BatchSize
	}

	if w.locker != nil {
		unlock, acquired, err := w.locker.TryLock(ctx)
		if err != nil {
			span.RecordError(err)
			return res, fmt.Errorf("acquire dispatch lock: %w", err)
		}
		if !acquired {
			w.logger.Debug("dispatch lock held elsewhere, skipping run")
			return res, nil
		}
		defer unlock()
	}

	due, err := w.store.ListDue(ctx, now, limit)
	if err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("list due reminders: %w", err)
	}
	span.SetAttributes(attribute.Int("batch_size", len(due)))

	for _, r := range due {
		if err := ctx.Err(); err != nil {
			w.finish(span, res, started)
			return res, err
		}
		if err := w.dispatch(ctx, now, r, &res); err != nil {
			span.RecordError(err)
			w.finish(span, res, started)
			return res, err
		}
	}

	w.finish(span, res, started)
	if len(due) > 0 {
		w.logger.Info("reminder dispatch finished",
			zap.Int("success", res.Success),
			zap.Int("failed", res.Failed),
			zap.Int("skipped", res.Skipped))
	}
	return res, nil
}

func (w *Worker) finish(span trace.Span, res Result, started time.Time) {
	span.SetAttributes(
		attribute.Int("success", res.Success),
		attribute.Int("failed", res.Failed),
		attribute.Int("skipped", res.Skipped),
	)
	if w.observer != nil {
		w.observer.ObserveDispatch(res.Success, res.Failed, res.Skipped, time.Since(started))
	}
}

// dispatch handles one reminder. A returned error is fatal for the run.
func (w *Worker) dispatch(ctx context.Context, now time.Time, r Reminder, res *Result) error {
	ctx, span := w.tracer.Start(ctx, "dispatch_reminder",
		trace.WithAttributes(
			attribute.String("reminder_id", r.ID),
			attribute.String("reminder_type", string(r.Type)),
			attribute.String("channel", string(r.Channel)),
		))
	defer span.End()

	claimed, err := w.store.Claim(ctx, r.ID, now, now.Add(w.config.ClaimTTL))
	if err != nil {
		return fmt.Errorf("claim reminder %s: %w", r.ID, err)
	}
	if !claimed {
		res.Skipped++
		res.addf("Reminder %s: claimed by another worker", r.ID)
		return nil
	}

	appt, err := w.directory.Appointment(ctx, r.AppointmentID)
	if errors.Is(err, ErrNotFound) {
		return w.fail(ctx, r, "appointment not found", res)
	}
	if err != nil {
		return fmt.Errorf("load appointment %s: %w", r.AppointmentID, err)
	}

	patient, err := w.directory.Patient(ctx, appt.PatientID)
	if errors.Is(err, ErrNotFound) {
		return w.fail(ctx, r, "patient not found", res)
	}
	if err != nil {
		return fmt.Errorf("load patient %s: %w", appt.PatientID, err)
	}

	msg, err := w.renderer.Patient(r.Type, appt, patient)
	if err != nil {
		return w.fail(ctx, r, err.Error(), res)
	}

	if err := w.deliverer.Deliver(ctx, r.Channel, patient, msg); err != nil {
		span.RecordError(err)
		w.logger.Warn("reminder delivery failed",
			zap.String("reminder_id", r.ID),
			zap.String("channel", string(r.Channel)),
			zap.Error(err))
		return w.fail(ctx, r, "delivery failed: "+err.Error(), res)
	}

	sentAt := now.UTC()
	updated, err := w.store.CompareAndSetStatus(ctx, r.ID, StatusPending, Transition{
		To:      StatusSent,
		SentAt:  &sentAt,
		Message: msg.Body,
	})
	if err != nil {
		return fmt.Errorf("mark reminder %s sent: %w", r.ID, err)
	}
	if !updated {
		res.Skipped++
		res.addf("Reminder %s: already settled", r.ID)
		return nil
	}

	res.Success++
	res.addf("Reminder %s: sent to %s", r.ID, patient.FullName())
	w.logger.Debug("reminder sent",
		zap.String("reminder_id", r.ID),
		zap.String("appointment_id", appt.ID))

	w.noticeDoctor(ctx, r, appt, patient)
	return nil
}

func (w *Worker) fail(ctx context.Context, r Reminder, reason string, res *Result) error {
	updated, err := w.store.CompareAndSetStatus(ctx, r.ID, StatusPending, Transition{
		To:      StatusFailed,
		Message: reason,
	})
	if err != nil {
		return fmt.Errorf("mark reminder %s failed: %w", r.ID, err)
	}
	if !updated {
		res.Skipped++
		res.addf("Reminder %s: already settled", r.ID)
		return nil
	}
	res.Failed++
	res.addf("Reminder %s: %s", r.ID, reason)
	return nil
}

func (w *Worker) noticeDoctor(ctx context.Context, r Reminder, appt Appointment, patient Patient) {
	if w.emitter == nil || appt.DoctorID == "" {
		return
	}
	msg, ok, err := w.renderer.Doctor(r.Type, appt, patient)
	if err != nil {
		w.logger.Warn("doctor notice not rendered",
			zap.String("reminder_id", r.ID),
			zap.Error(err))
		return
	}
	if !ok {
		return
	}
	notify.BestEffort(ctx, w.emitter, notify.Notification{
		UserID:  appt.DoctorID,
		Type:    notify.TypeAppointmentReminder,
		Title:   msg.Title,
		Message: msg.Body,
	}, w.logger)
}

// Start runs ProcessDue every PollInterval until Stop is called.
func (w *Worker) Start() {
	go w.processLoop()
	w.logger.Info("reminder dispatcher started",
		zap.Int("batch_size", w.config.BatchSize),
		zap.Duration("poll_interval", w.config.PollInterval))
}

// Stop waits for the running batch and stops the loop.
func (w *Worker) Stop() {
	w.cancel()
	<-w.done
	w.logger.Info("reminder dispatcher stopped")
}

func (w *Worker) processLoop() {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.ProcessDue(w.ctx, w.now(), w.config.BatchSize); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("reminder dispatch run failed", zap.Error(err))
			}
		}
	}
}
