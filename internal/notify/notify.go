// Package notify emits in-app notifications as a best-effort side channel.
// A failed emission is logged and never changes the outcome of the operation
// that triggered it.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Type classifies a notification for the receiving inbox.
type Type string

const (
	TypeMedicalRenewal      Type = "medical_renewal"
	TypeRenewalPlanClamped  Type = "renewal_plan_clamped"
	TypeAppointmentReminder Type = "appointment_reminder"
)

// Notification is a message addressed to one user.
type Notification struct {
	UserID    string    `json:"user_id"`
	Type      Type      `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Emitter publishes notifications.
type Emitter interface {
	Emit(ctx context.Context, n Notification) error
}

// EmitError is returned by emitters for any failure to publish.
type EmitError struct {
	Type   Type
	UserID string
	Err    error
}

func (e *EmitError) Error() string {
	return fmt.Sprintf("emit %s notification to %s: %v", e.Type, e.UserID, e.Err)
}

func (e *EmitError) Unwrap() error {
	return e.Err
}

// BestEffort emits n and swallows any error or panic from the emitter.
// It reports whether the notification was emitted.
func BestEffort(ctx context.Context, emitter Emitter, n Notification, logger *zap.Logger) (emitted bool) {
	if emitter == nil {
		return false
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	defer func() {
		if r := recover(); r != nil {
			emitted = false
			logger.Error("notification emitter panicked",
				zap.String("type", string(n.Type)),
				zap.String("user_id", n.UserID),
				zap.Any("panic", r))
		}
	}()

	if err := emitter.Emit(ctx, n); err != nil {
		var emitErr *EmitError
		if !errors.As(err, &emitErr) {
			emitErr = &EmitError{Type: n.Type, UserID: n.UserID, Err: err}
		}
		logger.Warn("notification not emitted",
			zap.String("type", string(n.Type)),
			zap.String("user_id", n.UserID),
			zap.Error(emitErr))
		return false
	}
	return true
}

// NopEmitter discards every notification.
type NopEmitter struct{}

// Emit implements Emitter.
func (NopEmitter) Emit(context.Context, Notification) error { return nil }
