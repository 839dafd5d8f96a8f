// Package schedule computes fire times for one-off and recurring
// notifications and fires them through intake.
package schedule

import (
	"errors"
	"fmt"
	"sort"
	"time"
	_ "time/tzdata"

	"github.com/lalithlochan/beacon/internal/db"
)

var ErrInvalidSchedule = errors.New("invalid schedule")

// maxIterations bounds the occurrence walk after the skip-ahead estimate.
const maxIterations = 1000

// ComputeNextFire returns the first fire time strictly after from, or false
// when the schedule is exhausted. The fire time is the occurrence minus the
// lead time.
func ComputeNextFire(def *db.ScheduleDefinition, from time.Time) (time.Time, bool) {
	occ, ok := NextOccurrence(def, from)
	if !ok {
		return time.Time{}, false
	}
	return occ.Add(-def.LeadTime).UTC(), true
}

// NextOccurrence returns the first occurrence whose fire time is after from.
// A once schedule returns StartAt until it has fired, whatever from is.
func NextOccurrence(def *db.ScheduleDefinition, from time.Time) (time.Time, bool) {
	if def.End.MaxOccurrences > 0 && def.OccurrencesFired >= def.End.MaxOccurrences {
		return time.Time{}, false
	}

	var occ time.Time
	switch def.Kind {
	case db.ScheduleOnce:
		if def.OccurrencesFired > 0 {
			return time.Time{}, false
		}
		occ = def.StartAt
	case db.ScheduleRecurring:
		if def.Recurrence == nil {
			return time.Time{}, false
		}
		var ok bool
		occ, ok = nextRecurring(def, from.Add(def.LeadTime))
		if !ok {
			return time.Time{}, false
		}
	default:
		return time.Time{}, false
	}

	if def.End.EndDate != nil && occ.After(*def.End.EndDate) {
		return time.Time{}, false
	}
	return occ.UTC(), true
}

// rule is a Recurrence with defaults filled in from StartAt.
type rule struct {
	loc          *time.Location
	start        time.Time // StartAt in loc
	hour, minute int
	interval     int
	days         []time.Weekday
	dayOfMonth   int
}

func newRule(def *db.ScheduleDefinition) rule {
	rec := def.Recurrence
	loc := time.UTC
	if rec.Timezone != "" {
		if l, err := time.LoadLocation(rec.Timezone); err == nil {
			loc = l
		}
	}
	start := def.StartAt.In(loc)

	r := rule{loc: loc, start: start, hour: start.Hour(), minute: start.Minute(), interval: rec.Interval}
	if h, m, err := parseClock(rec.Time); err == nil {
		r.hour, r.minute = h, m
	}
	if r.interval < 1 {
		r.interval = 1
	}

	r.days = append([]time.Weekday(nil), rec.DaysOfWeek...)
	if len(r.days) == 0 {
		r.days = []time.Weekday{start.Weekday()}
	}
	sort.Slice(r.days, func(i, j int) bool { return r.days[i] < r.days[j] })

	r.dayOfMonth = rec.DayOfMonth
	if r.dayOfMonth <= 0 {
		r.dayOfMonth = start.Day()
	}
	return r
}

// at builds the occurrence on the given calendar day. time.Date normalizes
// day overflow and resolves DST in loc.
func (r rule) at(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, r.hour, r.minute, 0, 0, r.loc)
}

// valid reports whether occ can be an occurrence at all and is past threshold.
func (r rule) valid(occ, threshold time.Time) bool {
	return !occ.Before(r.start) && occ.After(threshold)
}

func nextRecurring(def *db.ScheduleDefinition, threshold time.Time) (time.Time, bool) {
	r := newRule(def)
	switch def.Recurrence.Pattern {
	case db.PatternDaily:
		return r.nextDaily(threshold)
	case db.PatternWeekly:
		return r.nextWeekly(threshold)
	case db.PatternMonthly:
		return r.nextMonthly(threshold)
	}
	return time.Time{}, false
}

func (r rule) nextDaily(threshold time.Time) (time.Time, bool) {
	y, m, d := r.start.Date()
	k := daysBetween(r.start, threshold.In(r.loc))/r.interval - 1
	if k < 0 {
		k = 0
	}
	for i := 0; i < maxIterations; i, k = i+1, k+1 {
		occ := r.at(y, m, d+k*r.interval)
		if r.valid(occ, threshold) {
			return occ, true
		}
	}
	return time.Time{}, false
}

// nextWeekly counts weeks from the Sunday of the StartAt week. Only every
// interval-th week is active.
func (r rule) nextWeekly(threshold time.Time) (time.Time, bool) {
	y, m, d := r.start.Date()
	anchor := d - int(r.start.Weekday())

	week := (daysBetween(r.start, threshold.In(r.loc)) + int(r.start.Weekday())) / 7
	week = week - week%r.interval - r.interval
	if week < 0 {
		week = 0
	}
	for i := 0; i < maxIterations; i, week = i+1, week+r.interval {
		for _, wd := range r.days {
			occ := r.at(y, m, anchor+week*7+int(wd))
			if r.valid(occ, threshold) {
				return occ, true
			}
		}
	}
	return time.Time{}, false
}

// nextMonthly clamps the day to the month length: day 31 fires on the
// last day of shorter months.
func (r rule) nextMonthly(threshold time.Time) (time.Time, bool) {
	y, m, _ := r.start.Date()
	t := threshold.In(r.loc)
	months := (t.Year()-y)*12 + int(t.Month()-m)
	k := months/r.interval - 1
	if k < 0 {
		k = 0
	}
	for i := 0; i < maxIterations; i, k = i+1, k+1 {
		first := time.Date(y, m+time.Month(k*r.interval), 1, 0, 0, 0, 0, r.loc)
		day := min(r.dayOfMonth, daysInMonth(first.Year(), first.Month()))
		occ := r.at(first.Year(), first.Month(), day)
		if r.valid(occ, threshold) {
			return occ, true
		}
	}
	return time.Time{}, false
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// daysBetween counts calendar days from a to b, ignoring clock and zone.
func daysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	start := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	end := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(end.Sub(start).Hours() / 24)
}

func parseClock(s string) (int, int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, err
	}
	return t.Hour(), t.Minute(), nil
}

// Validate checks a definition before it is stored.
func Validate(def *db.ScheduleDefinition) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidSchedule, fmt.Sprintf(format, args...))
	}

	if def.StartAt.IsZero() {
		return invalid("start_at is required")
	}
	if def.LeadTime < 0 {
		return invalid("lead_time must not be negative")
	}
	if def.End.MaxOccurrences < 0 {
		return invalid("max_occurrences must not be negative")
	}
	if def.End.EndDate != nil && def.End.EndDate.Before(def.StartAt) {
		return invalid("end_date is before start_at")
	}

	switch def.Kind {
	case db.ScheduleOnce:
		if def.Recurrence != nil {
			return invalid("a once schedule has no recurrence")
		}
		return nil
	case db.ScheduleRecurring:
	default:
		return invalid("kind must be once or recurring")
	}

	rec := def.Recurrence
	if rec == nil {
		return invalid("recurrence is required")
	}
	switch rec.Pattern {
	case db.PatternDaily, db.PatternWeekly, db.PatternMonthly:
	default:
		return invalid("pattern must be daily, weekly or monthly")
	}
	if rec.Interval < 0 {
		return invalid("interval must not be negative")
	}
	for _, wd := range rec.DaysOfWeek {
		if wd < time.Sunday || wd > time.Saturday {
			return invalid("day of week %d out of range", wd)
		}
	}
	if rec.DayOfMonth < 0 || rec.DayOfMonth > 31 {
		return invalid("day_of_month must be between 1 and 31")
	}
	if rec.Time != "" {
		if _, _, err := parseClock(rec.Time); err != nil {
			return invalid("time must be HH:MM")
		}
	}
	if rec.Timezone != "" {
		if _, err := time.LoadLocation(rec.Timezone); err != nil {
			return invalid("unknown timezone %q", rec.Timezone)
		}
	}
	return nil
}
