// Package localday resolves calendar boundaries (local midnight, hour, week,
// month and year starts) in a station's time zone. Day arithmetic never adds a
// fixed 24 hours: DST days are 23 or 25 hours long.
package localday

import (
	"fmt"
	"time"

	// Embed the zone database so day boundaries resolve on hosts without one.
	_ "time/tzdata"
)

// Midnight returns the first instant of t's local calendar day in loc.
//
// Where local midnight does not exist (a DST jump at 00:00) the first instant
// of the day is returned instead.
func Midnight(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	m := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
	// time.Date may normalize a skipped midnight onto the previous date.
	for m.In(loc).Day() != lt.Day() {
		m = m.Add(time.Hour)
	}
	return m
}

// noon is used for date arithmetic: it is never inside a DST transition.
func noon(t time.Time, loc *time.Location, days int) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day()+days, 12, 0, 0, 0, loc)
}

// Next returns the local midnight of the day after t's day.
func Next(t time.Time, loc *time.Location) time.Time {
	return Midnight(noon(t, loc, 1), loc)
}

// Prev returns the local midnight of the day before t's day.
func Prev(t time.Time, loc *time.Location) time.Time {
	return Midnight(noon(t, loc, -1), loc)
}

// AddDays returns the local midnight n days after t's day (n may be negative).
func AddDays(t time.Time, loc *time.Location, n int) time.Time {
	return Midnight(noon(t, loc, n), loc)
}

// Length returns the duration of t's local day.
func Length(t time.Time, loc *time.Location) time.Duration {
	return Next(t, loc).Sub(Midnight(t, loc))
}

// Bounds returns [start, end) of t's local day.
func Bounds(t time.Time, loc *time.Location) (start, end time.Time) {
	start = Midnight(t, loc)
	return start, Next(start, loc)
}

// SameDay reports whether a and b fall on the same local calendar day.
func SameDay(a, b time.Time, loc *time.Location) bool {
	return Midnight(a, loc).Equal(Midnight(b, loc))
}

// HourStart returns the start of t's local clock hour. The offset in effect at t
// is used, so the repeated hour at a fall-back transition forms its own bucket.
func HourStart(t time.Time, loc *time.Location) time.Time {
	_, off := t.In(loc).Zone()
	shift := time.Duration(off) * time.Second
	return t.Add(shift).Truncate(time.Hour).Add(-shift).In(loc)
}

// WeekStart returns local midnight of the Sunday starting t's week.
func WeekStart(t time.Time, loc *time.Location) time.Time {
	wd := int(t.In(loc).Weekday())
	return AddDays(t, loc, -wd)
}

// MonthStart returns local midnight of the first day of t's month.
func MonthStart(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return Midnight(time.Date(lt.Year(), lt.Month(), 1, 12, 0, 0, 0, loc), loc)
}

// YearStart returns local midnight of January 1st of t's year.
func YearStart(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return Midnight(time.Date(lt.Year(), time.January, 1, 12, 0, 0, 0, loc), loc)
}

// ParseDate parses a YYYY-MM-DD date as local midnight in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation(time.DateOnly, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return Midnight(d, loc), nil
}

// Format renders t's local date as YYYY-MM-DD.
func Format(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(time.DateOnly)
}
