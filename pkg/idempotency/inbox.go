// Package idempotency provides the inbox pattern for processing consumed
// events at most once to completion. Keys are deterministic hashes of the
// event's identity, so a redelivered or replayed event maps to the same row.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

var (
	// ErrDuplicate indicates the event was already handled.
	ErrDuplicate = errors.New("duplicate event: already processed")
	// ErrInProgress indicates another handler is working on the event.
	ErrInProgress = errors.New("event in progress by another handler")
	// ErrPreviouslyFailed indicates the event failed terminally before.
	ErrPreviouslyFailed = errors.New("event previously failed permanently")
)

// Terminal marks a handler error as final. The entry is stored FAILED and
// the event is never retried.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

type terminalError struct{ err error }

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// IsTerminal reports whether err was marked with Terminal.
func IsTerminal(err error) bool {
	var t *terminalError
	return errors.As(err, &t)
}

// AppointmentKey derives the key of an appointment scheduling event. A
// rescheduled appointment gets a new key, a redelivered one does not.
func AppointmentKey(appointmentID string, date time.Time) string {
	return hashParts(appointmentID, date.UTC().Truncate(time.Minute).Format(time.RFC3339))
}

func hashParts(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// TTL is how long an entry is kept
	TTL time.Duration
	// CleanupInterval is how often to clean expired entries
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
}

// DefaultInboxConfig returns sensible defaults
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		TTL:             14 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Inbox manages idempotent event processing
type Inbox struct {
	pool   *pgxpool.Pool
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates a new inbox manager
func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// HandlerFunc does the work guarded by the inbox.
type HandlerFunc func(ctx context.Context) (json.RawMessage, error)

// Process runs fn once per key. A key already FINISHED returns ErrDuplicate
// without running fn; a STARTED key younger than RecoveryTimeout returns
// ErrInProgress. A failing fn leaves the key RECOVERABLE unless its error is
// Terminal.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn HandlerFunc) (json.RawMessage, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	status, updatedAt, err := i.lookup(ctx, key)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to check inbox: %w", err)
	case status == StatusFinished:
		span.SetAttributes(attribute.Bool("duplicate", true))
		return nil, ErrDuplicate
	case status == StatusFailed:
		return nil, fmt.Errorf("%s: %w", key, ErrPreviouslyFailed)
	case status == StatusStarted:
		if time.Since(updatedAt) <= i.config.RecoveryTimeout {
			return nil, ErrInProgress
		}
		if err := i.setStatus(ctx, key, StatusRecoverable, nil); err != nil {
			return nil, fmt.Errorf("failed to mark recoverable: %w", err)
		}
		span.SetAttributes(attribute.Bool("recovered", true))
	}

	if err := i.start(ctx, key, handlerName, payload); err != nil {
		return nil, err
	}

	result, handlerErr := fn(ctx)
	if handlerErr != nil {
		status := StatusRecoverable
		if IsTerminal(handlerErr) {
			status = StatusFailed
		}
		errResult, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.setStatus(ctx, key, status, errResult); err != nil {
			i.logger.Error("failed to record handler error", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.setStatus(ctx, key, StatusFinished, result); err != nil {
		// fn already ran; a retry would see STARTED and recover it later.
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}
	return result, nil
}

func (i *Inbox) lookup(ctx context.Context, key string) (Status, time.Time, error) {
	var (
		status    string
		updatedAt time.Time
	)
	err := i.pool.QueryRow(ctx, `
		SELECT status, updated_at FROM inbox WHERE idempotency_key = $1
	`, key).Scan(&status, &updatedAt)
	return Status(status), updatedAt, err
}

// start claims the key. Only a RECOVERABLE row can be claimed again.
func (i *Inbox) start(ctx context.Context, key, handlerName string, payload json.RawMessage) error {
	query := `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $3, updated_at = NOW()
		WHERE inbox.status IN ('RECOVERABLE')
		RETURNING idempotency_key
	`

	var returned string
	err := i.pool.QueryRow(ctx, query, key, handlerName, string(StatusStarted), payload, time.Now().Add(i.config.TTL)).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to start processing: %w", err)
	}
	return nil
}

func (i *Inbox) setStatus(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := i.pool.Exec(ctx, `
		UPDATE inbox
		SET status = $1, result = COALESCE($2, result), updated_at = NOW()
		WHERE idempotency_key = $3
	`, string(status), result, key)
	return err
}

// StartCleanup starts the background cleanup goroutine
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the inbox cleanup
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			if n, err := i.Cleanup(i.ctx); err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			} else if n > 0 {
				i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
			}
			if _, err := i.RecoverStale(i.ctx); err != nil {
				i.logger.Error("inbox recovery failed", zap.Error(err))
			}
		}
	}
}

// Cleanup removes expired entries
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	result, err := i.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// RecoverStale marks abandoned STARTED entries as RECOVERABLE
func (i *Inbox) RecoverStale(ctx context.Context) (int64, error) {
	query := `
		UPDATE inbox
		SET status = 'RECOVERABLE', updated_at = NOW()
		WHERE status = 'STARTED'
		  AND updated_at < NOW() - make_interval(secs => $1)
	`

	result, err := i.pool.Exec(ctx, query, i.config.RecoveryTimeout.Seconds())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
