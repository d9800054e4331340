package schedule

import (
	"fmt"
	"strings"
	"time"
)

var shortDays = [...]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

// Describe renders spec for display, e.g. "Daily at 09:00 (Asia/Dubai)".
// It never fails: unknown kinds and out-of-range fields are rendered as-is.
func Describe(spec Spec, loc *time.Location) string {
	zone := "UTC"
	if loc != nil {
		zone = loc.String()
	}
	clock := fmt.Sprintf("%02d:%02d", spec.Hour, spec.Minute)

	switch spec.Kind {
	case KindDaily:
		return fmt.Sprintf("Daily at %s (%s)", clock, zone)
	case KindWeekly:
		if len(spec.Days) == 0 {
			return fmt.Sprintf("Weekly, every day at %s (%s)", clock, zone)
		}
		names := make([]string, 0, len(spec.Days))
		for _, d := range normalizeDays(spec.Days) {
			if d >= time.Sunday && d <= time.Saturday {
				names = append(names, shortDays[d])
			} else {
				names = append(names, fmt.Sprintf("day(%d)", int(d)))
			}
		}
		return fmt.Sprintf("Weekly on %s at %s (%s)", strings.Join(names, ", "), clock, zone)
	case KindMonthly:
		return fmt.Sprintf("Monthly on day %d at %s (%s)", spec.DayOfMonth, clock, zone)
	case KindInterval:
		return "Every " + describeSeconds(spec.Seconds)
	case "":
		return "Not scheduled"
	default:
		return fmt.Sprintf("Unknown schedule %q", string(spec.Kind))
	}
}

func describeSeconds(n int64) string {
	units := []struct {
		size int64
		name string
	}{
		{86400, "day"},
		{3600, "hour"},
		{60, "minute"},
		{1, "second"},
	}
	for _, u := range units {
		if n >= u.size && n%u.size == 0 {
			v := n / u.size
			if v == 1 {
				return u.name
			}
			return fmt.Sprintf("%d %ss", v, u.name)
		}
	}
	return fmt.Sprintf("%d seconds", n)
}
