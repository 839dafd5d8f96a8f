package preference

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/lalithlochan/beacon/internal/db"
)

// parseClock parses "HH:MM" into minutes after midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// QuietHoursEnd reports whether now falls inside the quiet window and, if
// so, when the window ends. Windows may cross midnight. A malformed window
// is treated as disabled; an unknown timezone as UTC.
func QuietHoursEnd(qh db.QuietHours, now time.Time) (time.Time, bool) {
	if !qh.Enabled {
		return time.Time{}, false
	}
	start, err := parseClock(qh.Start)
	if err != nil {
		return time.Time{}, false
	}
	end, err := parseClock(qh.End)
	if err != nil || start == end {
		return time.Time{}, false
	}

	loc, err := time.LoadLocation(qh.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()

	endOn := func(day time.Time) time.Time {
		return time.Date(day.Year(), day.Month(), day.Day(), end/60, end%60, 0, 0, loc)
	}

	if start < end {
		if minute >= start && minute < end {
			return endOn(local), true
		}
		return time.Time{}, false
	}

	switch {
	case minute >= start:
		return endOn(local.AddDate(0, 0, 1)), true
	case minute < end:
		return endOn(local), true
	}
	return time.Time{}, false
}
