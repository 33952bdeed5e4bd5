package reminder

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-rxrenew/pkg/datemath"
)

// Schedule returns the reminders to create for an appointment at appointmentAt.
// Offsets whose instant is not strictly after now are skipped, so an
// appointment less than 15 minutes away yields no reminders. The result is
// sorted by ScheduledAt, earliest first.
func Schedule(appointmentID string, appointmentAt, now time.Time, policy Policy) []Reminder {
	channel := policy.DefaultChannel
	if !channel.Valid() {
		channel = ChannelPush
	}

	reminders := make([]Reminder, 0, len(Types()))
	for _, t := range Types() {
		at := appointmentAt.Add(-t.Offset()).UTC()
		if !datemath.IsFuture(at, now) {
			continue
		}
		reminders = append(reminders, Reminder{
			ID:            uuid.New().String(),
			AppointmentID: appointmentID,
			Type:          t,
			ScheduledAt:   at,
			Status:        StatusPending,
			Channel:       channel,
			CreatedAt:     now.UTC(),
		})
	}

	sort.Slice(reminders, func(i, j int) bool {
		return reminders[i].ScheduledAt.Before(reminders[j].ScheduledAt)
	})
	return reminders
}
