package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxrenew/internal/domain/reminder"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestDecideChronicUsesShortestDuration(t *testing.T) {
	out, err := run(t, "decide", "--chronic",
		"--duration", "30", "--duration", "90", "--duration", "60",
		"--now", "2026-01-01T00:00:00Z")
	require.NoError(t, err)

	var got decideOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, 30, got.Decision.RenewalIntervalDays)
	assert.Equal(t, 7, got.Decision.LeadDays)
	assert.Equal(t, "builtin-1", got.Decision.PolicyVersion)
	assert.Equal(t, time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC), got.Dates.RenewalDue)
	assert.Equal(t, time.Date(2026, 1, 24, 0, 0, 0, 0, time.UTC), got.Dates.NextAppointment)
}

func TestScheduleListsFutureReminders(t *testing.T) {
	out, err := run(t, "schedule", "--now", "2026-03-10T08:00:00Z", "--at", "2026-03-11T10:00:00Z")
	require.NoError(t, err)

	var got []reminder.Reminder
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 3)
	assert.Equal(t, time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC), got[0].ScheduledAt.UTC())
	assert.Equal(t, reminder.Type15min, got[2].Type)

	out, err = run(t, "schedule", "--now", "2026-03-10T08:00:00Z", "--at", "2026-03-10T08:10:00Z")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)
}

func TestScheduleRequiresAt(t *testing.T) {
	_, err := run(t, "schedule")
	assert.ErrorContains(t, err, "--at")

	_, err = run(t, "schedule", "--at", "tomorrow")
	assert.ErrorContains(t, err, "invalid --at")
}

func TestPolicyFlagMissingFile(t *testing.T) {
	_, err := run(t, "decide", "--policy", "/nonexistent/policy.yaml")
	assert.Error(t, err)
}
