package idempotency

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAppointmentKey(t *testing.T) {
	at := time.Date(2026, 10, 20, 9, 30, 0, 0, time.UTC)

	k := AppointmentKey("appt-1", at)
	assert.Len(t, k, 64)
	assert.Equal(t, k, AppointmentKey("appt-1", at))

	// Same instant in another zone, and sub-minute jitter, map to the same key.
	algiers := time.FixedZone("CET", 3600)
	assert.Equal(t, k, AppointmentKey("appt-1", at.In(algiers)))
	assert.Equal(t, k, AppointmentKey("appt-1", at.Add(20*time.Second)))

	assert.NotEqual(t, k, AppointmentKey("appt-1", at.Add(time.Hour)), "rescheduling changes the key")
	assert.NotEqual(t, k, AppointmentKey("appt-2", at))
}

func TestTerminal(t *testing.T) {
	base := errors.New("appointment has no patient")

	assert.Nil(t, Terminal(nil))
	assert.False(t, IsTerminal(base))

	err := fmt.Errorf("handle: %w", Terminal(base))
	assert.True(t, IsTerminal(err))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "handle: appointment has no patient", err.Error())
}
