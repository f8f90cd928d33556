// Package resettime computes the instants at which daily and monthly quotas reset, and renders them for
// display. All arithmetic happens in the location of the supplied now.
package resettime

import (
	"fmt"
	"time"
)

// NextDailyReset returns the first local midnight strictly after now.
func NextDailyReset(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}

// NextMonthlyReset returns the local midnight of anchorDay in the current month if it is still ahead of
// now, and the one in the following month otherwise.
//
// An anchor day the month does not have clamps to the month's last day, so an anchor of 31 resets on
// April 30 and on February 28 or 29. Anchor days below 1 are treated as 1.
func NextMonthlyReset(now time.Time, anchorDay int) time.Time {
	y, m, _ := now.Date()
	candidate := anchorIn(y, m, anchorDay, now.Location())
	if now.Before(candidate) {
		return candidate
	}

	next := time.Date(y, m+1, 1, 0, 0, 0, 0, now.Location())
	return anchorIn(next.Year(), next.Month(), anchorDay, now.Location())
}

func anchorIn(year int, month time.Month, anchorDay int, loc *time.Location) time.Time {
	day := min(max(anchorDay, 1), daysIn(year, month))
	return time.Date(year, month, day, 0, 0, 0, 0, loc)
}

func daysIn(year int, month time.Month) int {
	// Day 0 of the following month normalizes to the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Format renders instant relative to now. Instants less than 24 hours away render as "in {h}h {m}m" with
// both parts floored; anything later renders as an absolute date. Instants already in the past render
// as "in 0h 0m".
func Format(instant, now time.Time) string {
	d := instant.Sub(now)
	if d >= 24*time.Hour {
		return "on " + instant.Format("Jan 2, 2006")
	}
	d = max(d, 0)

	h := int(d / time.Hour)
	m := int((d - time.Duration(h)*time.Hour) / time.Minute)
	return fmt.Sprintf("in %dh %dm", h, m)
}
