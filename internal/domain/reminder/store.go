package reminder

import (
	"context"
	"time"
)

// Store persists reminders.
type Store interface {
	// InsertBatch stores the reminders in one transaction and returns the
	// ones actually inserted. A reminder type already stored for the
	// appointment is left untouched and not returned.
	InsertBatch(ctx context.Context, reminders []Reminder) ([]Reminder, error)
	// ListDue returns pending, unclaimed reminders scheduled at or before
	// now, earliest first, at most limit of them.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Reminder, error)
	// Claim reserves a pending reminder for delivery until the given time.
	// claimed is false when the reminder is no longer pending or another
	// worker holds a claim that has not expired at now.
	Claim(ctx context.Context, id string, now, until time.Time) (claimed bool, err error)
	// CompareAndSetStatus applies tr only if the reminder is still in the
	// expected status. updated is false when another writer got there first.
	CompareAndSetStatus(ctx context.Context, id string, expected Status, tr Transition) (updated bool, err error)
	ListByAppointment(ctx context.Context, appointmentID string) ([]Reminder, error)
}

// Directory reads the external records a reminder refers to. Missing records
// are reported as ErrNotFound.
type Directory interface {
	Appointment(ctx context.Context, id string) (Appointment, error)
	Patient(ctx context.Context, id string) (Patient, error)
}

// Deliverer sends a rendered reminder to a patient over a channel.
type Deliverer interface {
	Deliver(ctx context.Context, channel Channel, patient Patient, msg Rendered) error
}

// Locker gives one dispatch run exclusive access to the due set.
// acquired is false when another run holds the lock.
type Locker interface {
	TryLock(ctx context.Context) (unlock func(), acquired bool, err error)
}

// Observer receives per-run dispatch counters.
type Observer interface {
	ObserveDispatch(success, failed, skipped int, elapsed time.Duration)
}
