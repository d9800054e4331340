package schedule

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Metadata is the loose wire shape of a schedule used by the REST API.
// Only internal/httpapi should hold one; everything else works on Spec.
type Metadata struct {
	Hour            *int    `json:"hour,omitempty"`
	Minute          *int    `json:"minute,omitempty"`
	DayOfWeek       DayList `json:"dayOfWeek,omitempty"`
	DayOfMonth      *int    `json:"dayOfMonth,omitempty"`
	IntervalSeconds *int64  `json:"intervalSeconds,omitempty"`
}

// DayList decodes either a JSON array of weekday numbers or a single number.
type DayList []int

func (d *DayList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*d = nil
		return nil
	}
	if b[0] == '[' {
		var xs []int
		if err := json.Unmarshal(b, &xs); err != nil {
			return &Error{Field: "dayOfWeek", Reason: "expected an array of integers"}
		}
		*d = xs
		return nil
	}
	var x int
	if err := json.Unmarshal(b, &x); err != nil {
		return &Error{Field: "dayOfWeek", Reason: "expected an integer or an array of integers"}
	}
	*d = DayList{x}
	return nil
}

// EncodeMetadata flattens spec into the wire shape. Fields of other variants are omitted.
func EncodeMetadata(spec Spec) Metadata {
	var md Metadata
	switch spec.Kind {
	case KindDaily:
		md.Hour, md.Minute = intPtr(spec.Hour), intPtr(spec.Minute)
	case KindWeekly:
		md.Hour, md.Minute = intPtr(spec.Hour), intPtr(spec.Minute)
		md.DayOfWeek = make(DayList, 0, len(spec.Days))
		for _, d := range normalizeDays(spec.Days) {
			md.DayOfWeek = append(md.DayOfWeek, int(d))
		}
	case KindMonthly:
		md.Hour, md.Minute = intPtr(spec.Hour), intPtr(spec.Minute)
		md.DayOfMonth = intPtr(spec.DayOfMonth)
	case KindInterval:
		s := spec.Seconds
		md.IntervalSeconds = &s
	}
	return md
}

// DecodeMetadata builds a validated Spec of the given kind from md.
//
// Fields absent from md are taken from base when base has the same kind, so a
// partial edit ("change only the minute") keeps the rest of the schedule. An
// empty kind means base.Kind.
func DecodeMetadata(kind Kind, md Metadata, base Spec) (Spec, error) {
	if kind == "" {
		kind = base.Kind
	}
	if base.Kind != kind {
		base = Spec{}
	}
	spec := Spec{Kind: kind}

	switch kind {
	case KindDaily, KindWeekly, KindMonthly:
		if md.IntervalSeconds != nil {
			return Spec{}, &Error{Field: "intervalSeconds", Reason: fmt.Sprintf("not allowed for %s schedules", kind)}
		}
		spec.Hour = pick(md.Hour, base.Hour)
		spec.Minute = pick(md.Minute, base.Minute)
		if md.Hour == nil && base.Kind == "" {
			return Spec{}, &Error{Field: "hour", Reason: "required"}
		}
		if md.Minute == nil && base.Kind == "" {
			return Spec{}, &Error{Field: "minute", Reason: "required"}
		}
	case KindInterval:
		if md.Hour != nil || md.Minute != nil {
			return Spec{}, &Error{Field: "hour", Reason: "interval schedules carry no time of day"}
		}
		switch {
		case md.IntervalSeconds != nil:
			spec.Seconds = *md.IntervalSeconds
		case base.Kind == KindInterval:
			spec.Seconds = base.Seconds
		default:
			return Spec{}, &Error{Field: "intervalSeconds", Reason: "required"}
		}
	case "":
		return Spec{}, &Error{Field: "scheduleType", Reason: "missing schedule type"}
	default:
		return Spec{}, &Error{Field: "scheduleType", Reason: fmt.Sprintf("unknown schedule type %q", string(kind))}
	}

	switch kind {
	case KindWeekly:
		if md.DayOfWeek != nil {
			days := make([]time.Weekday, 0, len(md.DayOfWeek))
			for _, d := range md.DayOfWeek {
				days = append(days, time.Weekday(d))
			}
			spec.Days = normalizeDays(days)
		} else {
			spec.Days = normalizeDays(base.Days)
		}
	case KindMonthly:
		switch {
		case md.DayOfMonth != nil:
			spec.DayOfMonth = *md.DayOfMonth
		case base.Kind == KindMonthly:
			spec.DayOfMonth = base.DayOfMonth
		default:
			return Spec{}, &Error{Field: "dayOfMonth", Reason: "required"}
		}
	}

	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

func intPtr(v int) *int { return &v }

func pick(v *int, fallback int) int {
	if v != nil {
		return *v
	}
	return fallback
}
