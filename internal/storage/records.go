package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"tripdesk/internal/jobs"
	"tripdesk/internal/reminders"
	"tripdesk/internal/schedule"
)

// jobRecord is the persisted form of a job. The schedule is stored as its
// kind plus the metadata the API exchanges.
type jobRecord struct {
	Name            string            `json:"name"`
	ScheduleType    string            `json:"scheduleType"`
	Metadata        schedule.Metadata `json:"metadata"`
	Description     string            `json:"description,omitempty"`
	Enabled         bool              `json:"enabled"`
	LastRunAt       *time.Time        `json:"lastRunAt,omitempty"`
	NextRunAt       *time.Time        `json:"nextRunAt,omitempty"`
	LastError       string            `json:"lastError,omitempty"`
	LastManualRunAt *time.Time        `json:"lastManualRunAt,omitempty"`
	LastManualError string            `json:"lastManualError,omitempty"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

func toJobRecord(j jobs.Job) jobRecord {
	return jobRecord{
		Name:            j.Name,
		ScheduleType:    string(j.Spec.Kind),
		Metadata:        schedule.EncodeMetadata(j.Spec),
		Description:     j.Description,
		Enabled:         j.Enabled,
		LastRunAt:       j.LastRunAt,
		NextRunAt:       j.NextRunAt,
		LastError:       j.LastError,
		LastManualRunAt: j.LastManualRunAt,
		LastManualError: j.LastManualError,
		UpdatedAt:       j.UpdatedAt,
	}
}

func (r jobRecord) job() (jobs.Job, error) {
	kind, err := schedule.ParseKind(r.ScheduleType)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("job %s: %w", r.Name, err)
	}
	spec, err := schedule.DecodeMetadata(kind, r.Metadata, schedule.Spec{})
	if err != nil {
		return jobs.Job{}, fmt.Errorf("job %s: %w", r.Name, err)
	}
	return jobs.Job{
		Name:            r.Name,
		Spec:            spec,
		Description:     r.Description,
		Enabled:         r.Enabled,
		LastRunAt:       r.LastRunAt,
		NextRunAt:       r.NextRunAt,
		LastError:       r.LastError,
		LastManualRunAt: r.LastManualRunAt,
		LastManualError: r.LastManualError,
		UpdatedAt:       r.UpdatedAt,
	}, nil
}

func encodeSpec(spec schedule.Spec) (string, error) {
	b, err := json.Marshal(schedule.EncodeMetadata(spec))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeSpec(kind, metadata string) (schedule.Spec, error) {
	k, err := schedule.ParseKind(kind)
	if err != nil {
		return schedule.Spec{}, err
	}
	var md schedule.Metadata
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &md); err != nil {
			return schedule.Spec{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return schedule.DecodeMetadata(k, md, schedule.Spec{})
}

func sortReminders(list []reminders.Reminder) {
	sort.Slice(list, func(i, k int) bool {
		if !list[i].ScheduledFor.Equal(list[k].ScheduledFor) {
			return list[i].ScheduledFor.Before(list[k].ScheduledFor)
		}
		return list[i].ID < list[k].ID
	})
}

func sortJobs(list []jobs.Job) {
	sort.Slice(list, func(i, k int) bool { return list[i].Name < list[k].Name })
}
