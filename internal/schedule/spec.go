package schedule

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind tags the populated variant of a Spec.
type Kind string

const (
	KindDaily    Kind = "daily"
	KindWeekly   Kind = "weekly"
	KindMonthly  Kind = "monthly"
	KindInterval Kind = "interval"
)

func (k Kind) String() string { return string(k) }

// ParseKind accepts the wire names (case-insensitive).
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindDaily:
		return KindDaily, nil
	case KindWeekly:
		return KindWeekly, nil
	case KindMonthly:
		return KindMonthly, nil
	case KindInterval:
		return KindInterval, nil
	default:
		return "", &Error{Field: "scheduleType", Reason: fmt.Sprintf("unknown schedule type %q", s)}
	}
}

// Spec describes when a recurring job fires.
//
// Exactly one variant is populated, selected by Kind:
//   - daily:    Hour, Minute
//   - weekly:   Days (0=Sunday, empty means every day), Hour, Minute
//   - monthly:  DayOfMonth (clamped to the month length), Hour, Minute
//   - interval: Seconds
//
// Build values with Daily, Weekly, Monthly or Every.
type Spec struct {
	Kind       Kind
	Hour       int
	Minute     int
	Days       []time.Weekday
	DayOfMonth int
	Seconds    int64
}

func Daily(hour, minute int) Spec {
	return Spec{Kind: KindDaily, Hour: hour, Minute: minute}
}

func Weekly(hour, minute int, days ...time.Weekday) Spec {
	return Spec{Kind: KindWeekly, Hour: hour, Minute: minute, Days: normalizeDays(days)}
}

func Monthly(dayOfMonth, hour, minute int) Spec {
	return Spec{Kind: KindMonthly, DayOfMonth: dayOfMonth, Hour: hour, Minute: minute}
}

func Every(seconds int64) Spec {
	return Spec{Kind: KindInterval, Seconds: seconds}
}

// Clone returns a copy that shares no memory with s.
func (s Spec) Clone() Spec {
	out := s
	out.Days = append([]time.Weekday(nil), s.Days...)
	return out
}

// Interval returns the fixed period of an interval spec (0 for other kinds).
func (s Spec) Interval() time.Duration {
	if s.Kind != KindInterval {
		return 0
	}
	return time.Duration(s.Seconds) * time.Second
}

// Equal compares two specs variant-wise; fields of unpopulated variants are ignored.
func (s Spec) Equal(o Spec) bool {
	if s.Kind != o.Kind {
		return false
	}
	switch s.Kind {
	case KindDaily:
		return s.Hour == o.Hour && s.Minute == o.Minute
	case KindWeekly:
		a, b := normalizeDays(s.Days), normalizeDays(o.Days)
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
		return s.Hour == o.Hour && s.Minute == o.Minute
	case KindMonthly:
		return s.DayOfMonth == o.DayOfMonth && s.Hour == o.Hour && s.Minute == o.Minute
	case KindInterval:
		return s.Seconds == o.Seconds
	}
	return false
}

// Validate checks the field ranges of the populated variant.
// An empty weekly Days set is valid (it means every day).
func (s Spec) Validate() error {
	switch s.Kind {
	case KindDaily:
		return validateClock(s.Hour, s.Minute)
	case KindWeekly:
		for _, d := range s.Days {
			if d < time.Sunday || d > time.Saturday {
				return &Error{Field: "dayOfWeek", Reason: fmt.Sprintf("day %d out of range 0..6", int(d))}
			}
		}
		return validateClock(s.Hour, s.Minute)
	case KindMonthly:
		if s.DayOfMonth < 1 || s.DayOfMonth > 31 {
			return &Error{Field: "dayOfMonth", Reason: fmt.Sprintf("%d out of range 1..31", s.DayOfMonth)}
		}
		return validateClock(s.Hour, s.Minute)
	case KindInterval:
		if s.Seconds <= 0 {
			return &Error{Field: "intervalSeconds", Reason: "must be a positive number of seconds"}
		}
		if s.Hour != 0 || s.Minute != 0 {
			return &Error{Field: "hour", Reason: "interval schedules carry no time of day"}
		}
		return nil
	case "":
		return &Error{Field: "scheduleType", Reason: "missing schedule type"}
	default:
		return &Error{Field: "scheduleType", Reason: fmt.Sprintf("unknown schedule type %q", string(s.Kind))}
	}
}

func validateClock(hour, minute int) error {
	if hour < 0 || hour > 23 {
		return &Error{Field: "hour", Reason: fmt.Sprintf("%d out of range 0..23", hour)}
	}
	if minute < 0 || minute > 59 {
		return &Error{Field: "minute", Reason: fmt.Sprintf("%d out of range 0..59", minute)}
	}
	return nil
}

// normalizeDays sorts and de-duplicates; out-of-range values are kept so Validate can report them.
func normalizeDays(days []time.Weekday) []time.Weekday {
	if len(days) == 0 {
		return nil
	}
	seen := make(map[time.Weekday]struct{}, len(days))
	out := make([]time.Weekday, 0, len(days))
	for _, d := range days {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s Spec) hasDay(d time.Weekday) bool {
	if len(s.Days) == 0 {
		return true
	}
	for _, x := range s.Days {
		if x == d {
			return true
		}
	}
	return false
}
