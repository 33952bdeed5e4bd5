package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxrenew/internal/notify"
)

type capturingEmitter struct {
	sent []notify.Notification
	err  error
}

func (e *capturingEmitter) Emit(_ context.Context, n notify.Notification) error {
	if e.err != nil {
		return e.err
	}
	e.sent = append(e.sent, n)
	return nil
}

type countingObserver struct {
	runs                     int
	success, failed, skipped int
}

func (o *countingObserver) ObserveDispatch(success, failed, skipped int, _ time.Duration) {
	o.runs++
	o.success += success
	o.failed += failed
	o.skipped += skipped
}

func fixture() (*memStore, *memDirectory) {
	appt := Appointment{
		ID:        "appt-1",
		PatientID: "pat-1",
		DoctorID:  "doc-1",
		Date:      t0.Add(2 * time.Hour),
		Kind:      "follow-up",
		Location:  "Room 4",
	}
	dir := &memDirectory{
		appointments: map[string]Appointment{appt.ID: appt},
		patients: map[string]Patient{
			"pat-1": {ID: "pat-1", FirstName: "Amina", LastName: "Benali", PushToken: "ExponentPushToken[x]"},
		},
	}
	store := newMemStore(
		Reminder{ID: "r-24h", AppointmentID: "appt-1", Type: Type24h, ScheduledAt: t0.Add(-22 * time.Hour), Status: StatusPending, Channel: ChannelPush},
		Reminder{ID: "r-2h", AppointmentID: "appt-1", Type: Type2h, ScheduledAt: t0, Status: StatusPending, Channel: ChannelPush},
		Reminder{ID: "r-15", AppointmentID: "appt-1", Type: Type15min, ScheduledAt: t0.Add(105 * time.Minute), Status: StatusPending, Channel: ChannelPush},
	)
	return store, dir
}

func newTestWorker(t *testing.T, store Store, dir Directory, deliverer Deliverer, opts ...WorkerOption) *Worker {
	t.Helper()
	w, err := NewWorker(store, dir, deliverer, DefaultPolicy(), DefaultWorkerConfig(), nil, opts...)
	require.NoError(t, err)
	return w
}

func TestProcessDueSendsDueReminders(t *testing.T) {
	store, dir := fixture()
	deliverer := &recordingDeliverer{}
	emitter := &capturingEmitter{}
	observer := &countingObserver{}
	w := newTestWorker(t, store, dir, deliverer, WithEmitter(emitter), WithObserver(observer))

	res, err := w.ProcessDue(context.Background(), t0, 10)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Success)
	assert.Zero(t, res.Failed)
	assert.Zero(t, res.Skipped)
	assert.Len(t, res.Details, 2)

	require.Len(t, deliverer.sent, 2)
	assert.Equal(t, "Reminder: appointment tomorrow", deliverer.sent[0].msg.Title)
	assert.Contains(t, deliverer.sent[0].msg.Body, "Hello Amina")
	assert.Contains(t, deliverer.sent[0].msg.Body, "at Room 4")

	sent := store.get("r-2h")
	assert.Equal(t, StatusSent, sent.Status)
	require.NotNil(t, sent.SentAt)
	assert.Equal(t, t0, *sent.SentAt)
	assert.Contains(t, sent.Message, "in 2 hours")

	assert.Equal(t, StatusPending, store.get("r-15").Status)

	require.Len(t, emitter.sent, 2)
	assert.Equal(t, "doc-1", emitter.sent[0].UserID)
	assert.Equal(t, notify.TypeAppointmentReminder, emitter.sent[0].Type)
	assert.Equal(t, "Reminder: Amina Benali", emitter.sent[0].Title)

	assert.Equal(t, 1, observer.runs)
	assert.Equal(t, 2, observer.success)
}

func TestProcessDueTwiceSendsOnce(t *testing.T) {
	store, dir := fixture()
	deliverer := &recordingDeliverer{}
	w := newTestWorker(t, store, dir, deliverer)

	first, err := w.ProcessDue(context.Background(), t0, 10)
	require.NoError(t, err)
	second, err := w.ProcessDue(context.Background(), t0, 10)
	require.NoError(t, err)

	assert.Equal(t, 2, first.Success)
	assert.Zero(t, second.Success)
	assert.Zero(t, second.Failed)
	assert.Len(t, deliverer.sent, 2)
}

func TestProcessDueRespectsLimitAndOrder(t *testing.T) {
	store, dir := fixture()
	deliverer := &recordingDeliverer{}
	w := newTestWorker(t, store, dir, deliverer)

	res, err := w.ProcessDue(context.Background(), t0, 1)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Success)
	assert.Equal(t, StatusSent, store.get("r-24h").Status)
	assert.Equal(t, StatusPending, store.get("r-2h").Status)
}

func TestProcessDueMissingAppointmentFailsAndContinues(t *testing.T) {
	store, dir := fixture()
	store.reminders["orphan"] = Reminder{ID: "orphan", AppointmentID: "deleted", Type: Type15min, ScheduledAt: t0.Add(-time.Hour), Status: StatusPending, Channel: ChannelPush}
	w := newTestWorker(t, store, dir, &recordingDeliverer{})

	res, err := w.ProcessDue(context.Background(), t0, 10)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Success)
	assert.Equal(t, 1, res.Failed)
	assert.Contains(t, res.Details, "Reminder orphan: appointment not found")

	orphan := store.get("orphan")
	assert.Equal(t, StatusFailed, orphan.Status)
	assert.Nil(t, orphan.SentAt)
}

func TestProcessDueMissingPatientFails(t *testing.T) {
	store, dir := fixture()
	delete(dir.patients, "pat-1")
	deliverer := &recordingDeliverer{}
	w := newTestWorker(t, store, dir, deliverer)

	res, err := w.ProcessDue(context.Background(), t0, 10)
	require.NoError(t, err)

	assert.Zero(t, res.Success)
	assert.Equal(t, 2, res.Failed)
	assert.Empty(t, deliverer.sent)
}

func TestProcessDueDeliveryErrorMarksFailed(t *testing.T) {
	store, dir := fixture()
	w := newTestWorker(t, store, dir, &recordingDeliverer{err: errors.New("push gateway 503")})

	res, err := w.ProcessDue(context.Background(), t0, 10)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Failed)
	failed := store.get("r-24h")
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Contains(t, failed.Message, "push gateway 503")
}

func TestProcessDueLostRaceIsSkipped(t *testing.T) {
	store, dir := fixture()
	store.beforeCAS = func(id string) {
		if id != "r-24h" {
			return
		}
		store.mu.Lock()
		r := store.reminders[id]
		r.Status = StatusSent
		store.reminders[id] = r
		store.mu.Unlock()
	}
	w := newTestWorker(t, store, dir, &recordingDeliverer{})

	res, err := w.ProcessDue(context.Background(), t0, 10)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Success)
	assert.Zero(t, res.Failed)
	assert.Equal(t, 1, res.Skipped)
}

func TestConcurrentWorkersDeliverEachReminderOnce(t *testing.T) {
	store, dir := fixture()

	// Both runs read the due set before either delivers anything.
	var listed sync.WaitGroup
	listed.Add(2)
	store.afterList = func() {
		listed.Done()
		listed.Wait()
	}

	deliverer := &recordingDeliverer{}
	a := newTestWorker(t, store, dir, deliverer, WithLocker(&stubLocker{acquired: true}))
	b := newTestWorker(t, store, dir, deliverer, WithLocker(&stubLocker{acquired: true}))

	var (
		wg   sync.WaitGroup
		resA Result
		resB Result
		errA error
		errB error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		resA, errA = a.ProcessDue(context.Background(), t0, 10)
	}()
	go func() {
		defer wg.Done()
		resB, errB = b.ProcessDue(context.Background(), t0, 10)
	}()
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.Len(t, deliverer.sent, 2)
	assert.Equal(t, 2, resA.Success+resB.Success)
	assert.Equal(t, 2, resA.Skipped+resB.Skipped)
	assert.Equal(t, StatusSent, store.get("r-24h").Status)
	assert.Equal(t, StatusSent, store.get("r-2h").Status)
}

func TestProcessDueSkipsClaimedReminder(t *testing.T) {
	store, dir := fixture()
	claimed, err := store.Claim(context.Background(), "r-24h", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)

	deliverer := &recordingDeliverer{}
	w := newTestWorker(t, store, dir, deliverer)

	res, err := w.ProcessDue(context.Background(), t0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Success)
	require.Len(t, deliverer.sent, 1)
	assert.Equal(t, StatusPending, store.get("r-24h").Status)

	// Once the claim expires the reminder is due again.
	res, err = w.ProcessDue(context.Background(), t0.Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Success)
	assert.Equal(t, StatusSent, store.get("r-24h").Status)
}

func TestProcessDueClaimErrorIsFatal(t *testing.T) {
	store, dir := fixture()
	store.claimErr = errStoreDown
	deliverer := &recordingDeliverer{}
	w := newTestWorker(t, store, dir, deliverer)

	_, err := w.ProcessDue(context.Background(), t0, 10)
	require.ErrorIs(t, err, errStoreDown)
	assert.Empty(t, deliverer.sent)
}

func TestProcessDueListErrorIsFatal(t *testing.T) {
	store, dir := fixture()
	store.listErr = errStoreDown
	w := newTestWorker(t, store, dir, &recordingDeliverer{})

	res, err := w.ProcessDue(context.Background(), t0, 10)
	require.ErrorIs(t, err, errStoreDown)
	assert.Zero(t, res.Success+res.Failed+res.Skipped)
}

func TestProcessDueUpdateErrorReturnsPartialResult(t *testing.T) {
	store, dir := fixture()
	calls := 0
	store.beforeCAS = func(string) {
		calls++
		if calls == 2 {
			store.casErr = errStoreDown
		}
	}
	w := newTestWorker(t, store, dir, &recordingDeliverer{})

	res, err := w.ProcessDue(context.Background(), t0, 10)
	require.ErrorIs(t, err, errStoreDown)

	assert.Equal(t, 1, res.Success)
	assert.Equal(t, StatusSent, store.get("r-24h").Status)
	assert.Equal(t, StatusPending, store.get("r-2h").Status)
}

func TestProcessDueDirectoryOutageIsFatal(t *testing.T) {
	store, dir := fixture()
	dir.err = errStoreDown
	w := newTestWorker(t, store, dir, &recordingDeliverer{})

	_, err := w.ProcessDue(context.Background(), t0, 10)
	require.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, StatusPending, store.get("r-24h").Status)
}

func TestProcessDueEmitFailureDoesNotAffectResult(t *testing.T) {
	store, dir := fixture()
	w := newTestWorker(t, store, dir, &recordingDeliverer{},
		WithEmitter(&capturingEmitter{err: errors.New("kafka unavailable")}))

	res, err := w.ProcessDue(context.Background(), t0, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Success)
}

func TestProcessDueSkipsWhenLockHeld(t *testing.T) {
	store, dir := fixture()
	deliverer := &recordingDeliverer{}
	w := newTestWorker(t, store, dir, deliverer, WithLocker(&stubLocker{acquired: false}))

	res, err := w.ProcessDue(context.Background(), t0, 10)
	require.NoError(t, err)
	assert.Zero(t, res.Success)
	assert.Empty(t, deliverer.sent)
}

func TestProcessDueReleasesLock(t *testing.T) {
	store, dir := fixture()
	locker := &stubLocker{acquired: true}
	w := newTestWorker(t, store, dir, &recordingDeliverer{}, WithLocker(locker))

	_, err := w.ProcessDue(context.Background(), t0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, locker.unlocked)
}

func TestProcessDueLockErrorIsFatal(t *testing.T) {
	store, dir := fixture()
	w := newTestWorker(t, store, dir, &recordingDeliverer{}, WithLocker(&stubLocker{err: errStoreDown}))

	_, err := w.ProcessDue(context.Background(), t0, 10)
	assert.ErrorIs(t, err, errStoreDown)
}

func TestNewWorkerRejectsBrokenTemplates(t *testing.T) {
	policy := DefaultPolicy()
	policy.Templates.Before2h.Body = "{{.FirstName"

	_, err := NewWorker(newMemStore(), &memDirectory{}, &recordingDeliverer{}, policy, DefaultWorkerConfig(), nil)
	assert.Error(t, err)
}

func TestWorkerStartStop(t *testing.T) {
	store, dir := fixture()
	deliverer := &recordingDeliverer{}
	w, err := NewWorker(store, dir, deliverer, DefaultPolicy(),
		WorkerConfig{BatchSize: 10, PollInterval: 5 * time.Millisecond}, nil,
		WithClock(func() time.Time { return t0 }))
	require.NoError(t, err)

	w.Start()
	require.Eventually(t, func() bool {
		return store.get("r-2h").Status == StatusSent
	}, time.Second, 5*time.Millisecond)
	w.Stop()

	assert.Equal(t, StatusPending, store.get("r-15").Status)
}
