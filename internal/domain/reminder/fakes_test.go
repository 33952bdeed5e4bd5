package reminder

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

type memStore struct {
	mu        sync.Mutex
	reminders map[string]Reminder
	claims    map[string]time.Time
	inserts   int

	listErr  error
	claimErr error
	casErr   error
	// afterList runs after each ListDue, outside the lock.
	afterList func()
	// beforeCAS runs before each conditional update, outside the lock.
	beforeCAS func(id string)
}

func newMemStore(reminders ...Reminder) *memStore {
	s := &memStore{reminders: make(map[string]Reminder), claims: make(map[string]time.Time)}
	for _, r := range reminders {
		s.reminders[r.ID] = r
	}
	return s
}

func (s *memStore) InsertBatch(_ context.Context, reminders []Reminder) ([]Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	var created []Reminder
	for _, r := range reminders {
		if s.hasType(r.AppointmentID, r.Type) {
			continue
		}
		s.reminders[r.ID] = r
		created = append(created, r)
	}
	return created, nil
}

func (s *memStore) hasType(appointmentID string, t Type) bool {
	for _, r := range s.reminders {
		if r.AppointmentID == appointmentID && r.Type == t {
			return true
		}
	}
	return false
}

func (s *memStore) ListDue(_ context.Context, now time.Time, limit int) ([]Reminder, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	s.mu.Lock()
	var due []Reminder
	for _, r := range s.reminders {
		if r.Status != StatusPending || r.ScheduledAt.After(now) {
			continue
		}
		if until, ok := s.claims[r.ID]; ok && until.After(now) {
			continue
		}
		due = append(due, r)
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(due[j].ScheduledAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	if s.afterList != nil {
		s.afterList()
	}
	return due, nil
}

func (s *memStore) Claim(_ context.Context, id string, now, until time.Time) (bool, error) {
	if s.claimErr != nil {
		return false, s.claimErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[id]
	if !ok || r.Status != StatusPending {
		return false, nil
	}
	if held, ok := s.claims[id]; ok && held.After(now) {
		return false, nil
	}
	s.claims[id] = until
	return true, nil
}

func (s *memStore) CompareAndSetStatus(_ context.Context, id string, expected Status, tr Transition) (bool, error) {
	if s.beforeCAS != nil {
		s.beforeCAS(id)
	}
	if s.casErr != nil {
		return false, s.casErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[id]
	if !ok || r.Status != expected {
		return false, nil
	}
	r.Status = tr.To
	r.SentAt = tr.SentAt
	r.Message = tr.Message
	s.reminders[id] = r
	return true, nil
}

func (s *memStore) ListByAppointment(_ context.Context, appointmentID string) ([]Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Reminder
	for _, r := range s.reminders {
		if r.AppointmentID == appointmentID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

func (s *memStore) get(id string) Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reminders[id]
}

type memDirectory struct {
	appointments map[string]Appointment
	patients     map[string]Patient
	err          error
}

func (d *memDirectory) Appointment(_ context.Context, id string) (Appointment, error) {
	if d.err != nil {
		return Appointment{}, d.err
	}
	a, ok := d.appointments[id]
	if !ok {
		return Appointment{}, ErrNotFound
	}
	return a, nil
}

func (d *memDirectory) Patient(_ context.Context, id string) (Patient, error) {
	p, ok := d.patients[id]
	if !ok {
		return Patient{}, ErrNotFound
	}
	return p, nil
}

type delivery struct {
	channel Channel
	patient Patient
	msg     Rendered
}

type recordingDeliverer struct {
	mu   sync.Mutex
	sent []delivery
	err  error
}

func (d *recordingDeliverer) Deliver(_ context.Context, channel Channel, patient Patient, msg Rendered) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, delivery{channel: channel, patient: patient, msg: msg})
	return nil
}

type stubLocker struct {
	acquired bool
	err      error
	unlocked int
}

func (l *stubLocker) TryLock(context.Context) (func(), bool, error) {
	if l.err != nil || !l.acquired {
		return nil, false, l.err
	}
	return func() { l.unlocked++ }, true, nil
}

var errStoreDown = errors.New("connection refused")
