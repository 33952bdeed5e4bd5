// Package renewal computes when a prescription must be renewed and when the
// patient should be asked to book the renewal appointment.
package renewal

import (
	"fmt"
	"time"

	"github.com/drfirst/go-rxrenew/pkg/datemath"
)

// Decision is the outcome of applying a Policy to a prescription's items.
type Decision struct {
	LeadDays            int    `json:"lead_days"`
	RenewalIntervalDays int    `json:"renewal_interval_days"`
	Clamped             bool   `json:"clamped"`
	Defaulted           bool   `json:"defaulted"`
	Reason              string `json:"reason"`
	PolicyVersion       string `json:"policy_version,omitempty"`
}

// Dates are the instants derived from a Decision.
type Dates struct {
	RenewalDue      time.Time `json:"renewal_due"`
	NextAppointment time.Time `json:"next_appointment"`
}

// ComputeFromItems turns item durations and ATC codes into one Decision.
//
// Chronic prescriptions renew on the shortest non-zero duration, ordinary ones
// on the longest. The smallest matching ATC override wins over the policy lead
// time. A lead time that does not fit inside the interval is clamped to
// interval-1. This function never fails: bad input falls back to defaults and
// is flagged on the Decision.
func ComputeFromItems(policy Policy, isChronic bool, atcList []string, durationDaysList []int) Decision {
	var d Decision

	if isChronic {
		d.RenewalIntervalDays = minPositive(durationDaysList)
		d.LeadDays = policy.ChronicLeadDays
		d.Reason = "chronic: shortest item duration"
		if d.RenewalIntervalDays == 0 {
			d.RenewalIntervalDays = policy.DefaultChronicIntervalDays
			d.Defaulted = true
			d.Reason = "chronic: default interval"
		}
	} else {
		d.RenewalIntervalDays = maxPositive(durationDaysList)
		d.LeadDays = policy.OrdinaryLeadDays
		d.Reason = "ordinary: longest item duration"
		if d.RenewalIntervalDays == 0 {
			d.RenewalIntervalDays = policy.DefaultOrdinaryIntervalDays
			d.Defaulted = true
			d.Reason = "ordinary: default interval"
		}
	}

	// A misconfigured policy may carry a zero interval; one day is the
	// shortest supply that still yields a valid plan.
	if d.RenewalIntervalDays <= 0 {
		d.RenewalIntervalDays = 1
		d.Defaulted = true
	}

	if o, ok := matchOverride(policy.Overrides, atcList); ok {
		d.LeadDays = o.LeadDays
		d.Reason += fmt.Sprintf("; lead override %s", o.ATCPrefix)
	}

	if d.LeadDays < 0 {
		d.LeadDays = 0
		d.Clamped = true
	}
	if d.LeadDays >= d.RenewalIntervalDays {
		d.LeadDays = max(d.RenewalIntervalDays-1, 0)
		d.Clamped = true
	}
	if d.Clamped {
		d.Reason += "; lead clamped"
	}

	return d
}

// ComputeDates projects a Decision onto the calendar starting at now.
func ComputeDates(now time.Time, d Decision) Dates {
	due := datemath.AddDays(now, d.RenewalIntervalDays)
	return Dates{
		RenewalDue:      due,
		NextAppointment: datemath.AddDays(due, -d.LeadDays),
	}
}

// matchOverride returns the override with the smallest lead time among those
// matching any of the ATC codes.
func matchOverride(overrides []Override, atcList []string) (Override, bool) {
	var best Override
	found := false
	for _, o := range overrides {
		for _, atc := range atcList {
			if !o.Matches(atc) {
				continue
			}
			if !found || o.LeadDays < best.LeadDays {
				best = o
				found = true
			}
			break
		}
	}
	return best, found
}

func minPositive(values []int) int {
	result := 0
	for _, v := range values {
		if v <= 0 {
			continue
		}
		if result == 0 || v < result {
			result = v
		}
	}
	return result
}

func maxPositive(values []int) int {
	result := 0
	for _, v := range values {
		if v > result {
			result = v
		}
	}
	return result
}
