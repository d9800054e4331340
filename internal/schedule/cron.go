package schedule

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Bound is a Spec pinned to a location. It satisfies cron.Schedule, so a
// spec can be handed to a cron.Cron or inspected the same way as a parsed
// cron expression.
type Bound struct {
	Spec Spec
	Loc  *time.Location
}

var _ cron.Schedule = Bound{}

func Bind(spec Spec, loc *time.Location) Bound {
	if loc == nil {
		loc = time.UTC
	}
	return Bound{Spec: spec, Loc: loc}
}

// Next implements cron.Schedule.
func (b Bound) Next(after time.Time) time.Time {
	return NextFireAfter(b.Spec, b.Loc, after)
}

// Preview lists up to n upcoming fire instants strictly after `after`.
func (b Bound) Preview(after time.Time, n int) []time.Time {
	return Preview(b, after, n)
}

// Preview walks any cron.Schedule forward n steps. It stops early when the
// schedule reports no further activation (zero time).
func Preview(s cron.Schedule, after time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	out := make([]time.Time, 0, n)
	at := after
	for len(out) < n {
		next := s.Next(at)
		if next.IsZero() || !next.After(at) {
			break
		}
		out = append(out, next)
		at = next
	}
	return out
}
