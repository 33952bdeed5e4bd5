// Package datemath provides calendar arithmetic on UTC-normalized instants.
package datemath

import "time"

// Day is the length of a calendar day in UTC.
const Day = 24 * time.Hour

// AddDays shifts base by whole calendar days. The result is always in UTC so
// daylight saving transitions never stretch or shrink a day.
func AddDays(base time.Time, days int) time.Time {
	return base.UTC().AddDate(0, 0, days)
}

// IsFuture reports whether instant is strictly after reference.
func IsFuture(instant, reference time.Time) bool {
	return instant.After(reference)
}

// DiffDays returns (a - b) expressed in days. The result is signed.
func DiffDays(a, b time.Time) float64 {
	return float64(a.Sub(b)) / float64(Day)
}
