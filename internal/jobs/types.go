package jobs

import (
	"context"
	"time"

	"tripdesk/internal/schedule"
)

// Job is a named recurring task. NextRunAt is derived state: it is recomputed
// whenever Spec or Enabled changes, and on every zone change.
type Job struct {
	Name        string
	Spec        schedule.Spec
	Description string
	Enabled     bool

	LastRunAt *time.Time
	NextRunAt *time.Time
	LastError string

	// Manual triggers are tracked apart from the scheduled cadence.
	LastManualRunAt *time.Time
	LastManualError string

	UpdatedAt time.Time
}

// Clone returns a deep copy; callers outside the registry only ever see copies.
func (j Job) Clone() Job {
	out := j
	out.Spec = j.Spec.Clone()
	out.LastRunAt = cloneTime(j.LastRunAt)
	out.NextRunAt = cloneTime(j.NextRunAt)
	out.LastManualRunAt = cloneTime(j.LastManualRunAt)
	return out
}

// Due reports whether a scheduled occurrence is pending at now.
func (j Job) Due(now time.Time) bool {
	return j.Enabled && j.NextRunAt != nil && !j.NextRunAt.After(now)
}

// Edit is a partial update applied atomically by Registry.Edit.
type Edit struct {
	Spec        *schedule.Spec
	Description *string
	Enabled     *bool
}

// Repository persists jobs and the scheduling zone.
type Repository interface {
	LoadJobs(ctx context.Context) ([]Job, error)
	SaveJob(ctx context.Context, j Job) error
	// LoadZone returns "" when no zone has been stored yet.
	LoadZone(ctx context.Context) (string, error)
	// CommitZone stores the zone and every job in one transaction.
	CommitZone(ctx context.Context, zone string, jobs []Job) error
}

// ManualRunner executes one out-of-band delivery for a job.
type ManualRunner interface {
	RunManual(ctx context.Context, j Job) error
}

// Event types published on the bus.
const (
	EventJobUpdated  = "job.updated"
	EventZoneChanged = "job.zone_changed"
	EventManualRun   = "job.manual_run"
)

// ZoneChange is the payload of EventZoneChanged.
type ZoneChange struct {
	From string `json:"from"`
	To   string `json:"to"`
	Jobs int    `json:"jobs"`
}

// ManualRun is the payload of EventManualRun.
type ManualRun struct {
	Name  string    `json:"name"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time { return &t }
