package renewal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

func TestChronicUsesShortestDuration(t *testing.T) {
	d := ComputeFromItems(DefaultPolicy(), true, nil, []int{30, 90, 60})

	assert.Equal(t, 30, d.RenewalIntervalDays)
	assert.Equal(t, 7, d.LeadDays)
	assert.False(t, d.Defaulted)
	assert.False(t, d.Clamped)
}

func TestChronicIgnoresZeroDurations(t *testing.T) {
	d := ComputeFromItems(DefaultPolicy(), true, nil, []int{0, 45, 0, 60})
	assert.Equal(t, 45, d.RenewalIntervalDays)
}

func TestChronicFallsBackToDefault(t *testing.T) {
	for name, durations := range map[string][]int{
		"nil":      nil,
		"zeros":    {0, 0},
		"negative": {-5},
	} {
		t.Run(name, func(t *testing.T) {
			d := ComputeFromItems(DefaultPolicy(), true, nil, durations)
			assert.Equal(t, 90, d.RenewalIntervalDays)
			assert.True(t, d.Defaulted)
		})
	}
}

func TestOrdinaryUsesLongestDuration(t *testing.T) {
	d := ComputeFromItems(DefaultPolicy(), false, nil, []int{10, 5, 20})

	assert.Equal(t, 20, d.RenewalIntervalDays)
	assert.Equal(t, 3, d.LeadDays)
	assert.False(t, d.Defaulted)
}

func TestOrdinaryFallsBackToDefault(t *testing.T) {
	d := ComputeFromItems(DefaultPolicy(), false, []string{"N02BE01"}, []int{})
	assert.Equal(t, 30, d.RenewalIntervalDays)
	assert.True(t, d.Defaulted)
}

func TestSmallestOverrideWins(t *testing.T) {
	policy := DefaultPolicy()
	policy.Overrides = []Override{
		{ATCPrefix: "C07", LeadDays: 10, Label: "beta blockers"},
		{ATCPrefix: "A10", LeadDays: 5, Label: "diabetes"},
		{ATCPrefix: "N05", LeadDays: 2, Label: "not prescribed"},
	}

	d := ComputeFromItems(policy, true, []string{"c07ab02", "A10BA02"}, []int{60, 90})

	assert.Equal(t, 5, d.LeadDays)
	assert.Contains(t, d.Reason, "A10")
}

func TestOverrideMatchesByPrefixOnly(t *testing.T) {
	o := Override{ATCPrefix: "C09A"}

	assert.True(t, o.Matches("C09AA05"))
	assert.False(t, o.Matches("C09CA01"))
	assert.False(t, o.Matches(""))
	assert.False(t, Override{}.Matches("C09AA05"))
}

func TestMisconfiguredOverrideIsClamped(t *testing.T) {
	policy := DefaultPolicy()
	policy.Overrides = []Override{{ATCPrefix: "H03", LeadDays: 30}}

	var d Decision
	require.NotPanics(t, func() {
		d = ComputeFromItems(policy, false, []string{"H03AA01"}, []int{10})
	})

	assert.Equal(t, 10, d.RenewalIntervalDays)
	assert.Equal(t, 9, d.LeadDays)
	assert.True(t, d.Clamped)
}

func TestOneDayIntervalClampsLeadToZero(t *testing.T) {
	d := ComputeFromItems(DefaultPolicy(), false, nil, []int{1})

	assert.Equal(t, 1, d.RenewalIntervalDays)
	assert.Equal(t, 0, d.LeadDays)
	assert.True(t, d.Clamped)
}

func TestNegativeLeadIsClampedToZero(t *testing.T) {
	policy := DefaultPolicy()
	policy.OrdinaryLeadDays = -4

	d := ComputeFromItems(policy, false, nil, []int{15})

	assert.Equal(t, 0, d.LeadDays)
	assert.True(t, d.Clamped)
}

func TestChronicNinetyDaysWithFourteenDayLead(t *testing.T) {
	policy := DefaultPolicy()
	policy.ChronicLeadDays = 14

	d := ComputeFromItems(policy, true, nil, []int{90})
	require.Equal(t, 90, d.RenewalIntervalDays)
	require.Equal(t, 14, d.LeadDays)

	dates := ComputeDates(now, d)
	assert.Equal(t, now.AddDate(0, 0, 90), dates.RenewalDue)
	assert.Equal(t, now.AddDate(0, 0, 76), dates.NextAppointment)
}

func TestNextAppointmentPrecedesRenewalDue(t *testing.T) {
	policy := DefaultPolicy()
	policy.Overrides = []Override{{ATCPrefix: "B01", LeadDays: 400}}

	durations := [][]int{nil, {1}, {2}, {7, 3}, {30, 90, 60}, {365}, {0, 0, 12}}
	for _, chronic := range []bool{true, false} {
		for _, atc := range [][]string{nil, {"B01AC06"}} {
			for _, ds := range durations {
				d := ComputeFromItems(policy, chronic, atc, ds)
				dates := ComputeDates(now, d)

				require.GreaterOrEqual(t, d.LeadDays, 0)
				require.Less(t, d.LeadDays, d.RenewalIntervalDays)
				if d.LeadDays == 0 {
					assert.True(t, dates.NextAppointment.Equal(dates.RenewalDue))
				} else {
					assert.True(t, dates.NextAppointment.Before(dates.RenewalDue),
						"chronic=%v atc=%v durations=%v", chronic, atc, ds)
				}
			}
		}
	}
}

func TestPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	bad := DefaultPolicy()
	bad.ChronicLeadDays = -1
	bad.DefaultOrdinaryIntervalDays = 0
	bad.Overrides = []Override{{ATCPrefix: " ", LeadDays: 2}}

	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chronic_lead_days")
	assert.Contains(t, err.Error(), "default_ordinary_interval_days")
	assert.Contains(t, err.Error(), "overrides[0]")
}

func TestNewPlanIsActive(t *testing.T) {
	d := ComputeFromItems(DefaultPolicy(), true, nil, []int{30})
	p := NewPlan("rx-1", "pat-1", now, d)

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, PlanActive, p.Status)
	assert.Equal(t, d.LeadDays, p.LeadDays)
	assert.True(t, p.NextAppointmentAt.Before(p.RenewalDueAt))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(PlanActive, PlanCompleted))
	assert.True(t, CanTransition(PlanActive, PlanCancelled))
	assert.False(t, CanTransition(PlanCompleted, PlanCancelled))
	assert.False(t, CanTransition(PlanCancelled, PlanActive))
	assert.False(t, CanTransition(PlanActive, PlanActive))
}
