package schedule

import "time"

// NextFireAfter returns the first fire instant of spec strictly after `after`,
// evaluating wall-clock slots in loc. A nil loc means UTC.
//
// Interval specs ignore loc: they fire `Seconds` after `after`.
// An invalid spec returns the zero time.
func NextFireAfter(spec Spec, loc *time.Location, after time.Time) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	switch spec.Kind {
	case KindInterval:
		if spec.Seconds <= 0 {
			return time.Time{}
		}
		return after.Add(spec.Interval())
	case KindDaily:
		return nextDaily(spec, loc, after, func(time.Weekday) bool { return true })
	case KindWeekly:
		return nextDaily(spec, loc, after, spec.hasDay)
	case KindMonthly:
		return nextMonthly(spec, loc, after)
	}
	return time.Time{}
}

// nextDaily walks forward day by day from the local date of `after` and returns
// the first slot on an allowed weekday that lies strictly after `after`.
func nextDaily(spec Spec, loc *time.Location, after time.Time, allowed func(time.Weekday) bool) time.Time {
	local := after.In(loc)
	y, m, d := local.Date()
	// 8 days covers a full week plus the "today already passed" case.
	for i := 0; i <= 8; i++ {
		day := time.Date(y, m, d+i, 0, 0, 0, 0, time.UTC)
		if !allowed(day.Weekday()) {
			continue
		}
		at := civilInstant(day.Year(), day.Month(), day.Day(), spec.Hour, spec.Minute, loc)
		if at.After(after) {
			return at
		}
	}
	return time.Time{}
}

func nextMonthly(spec Spec, loc *time.Location, after time.Time) time.Time {
	local := after.In(loc)
	y, m, _ := local.Date()
	for i := 0; i < 3; i++ {
		first := time.Date(y, m+time.Month(i), 1, 0, 0, 0, 0, time.UTC)
		day := min(spec.DayOfMonth, daysIn(first.Year(), first.Month()))
		at := civilInstant(first.Year(), first.Month(), day, spec.Hour, spec.Minute, loc)
		if at.After(after) {
			return at
		}
	}
	return time.Time{}
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// civilInstant converts a wall-clock time in loc to an instant.
//
// A wall time inside a spring-forward gap resolves to the transition instant
// (the first valid instant after the gap). A wall time that occurs twice in a
// fall-back overlap resolves to the earlier instant.
func civilInstant(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	want := time.Date(year, month, day, hour, minute, 0, 0, time.UTC)
	t := time.Date(year, month, day, hour, minute, 0, 0, loc)

	got := wallClock(t)
	if !got.Equal(want) {
		// Nonexistent wall time. time.Date picked an instant on one side of the
		// gap; the transition is the boundary of that instant's zone period.
		start, end := t.ZoneBounds()
		if got.Before(want) {
			if !end.IsZero() {
				return end
			}
		} else if !start.IsZero() {
			return start
		}
		return t
	}

	// Ambiguous wall time: if the preceding zone period had a larger offset,
	// the same wall time also existed shortly before this period started.
	start, _ := t.ZoneBounds()
	if start.IsZero() {
		return t
	}
	_, curOff := t.Zone()
	_, prevOff := start.Add(-time.Second).Zone()
	if prevOff <= curOff {
		return t
	}
	alt := t.Add(-time.Duration(prevOff-curOff) * time.Second)
	if alt.Before(start) && wallClock(alt).Equal(want) {
		return alt
	}
	return t
}

// wallClock returns the wall-clock reading of t as a UTC timestamp, for comparison.
func wallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}
