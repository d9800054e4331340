package reminders

import (
	"context"
	"time"
)

// Reminder is a one-off notification scheduled for a single instant.
//
// TargetUsers is empty exactly when SystemWide is set: system-wide reminders
// resolve their audience when they are delivered.
type Reminder struct {
	ID           string
	Title        string
	Message      string
	ScheduledFor time.Time
	TargetUsers  []string
	SystemWide   bool
	Priority     Priority
	Status       Status

	Attempts     int
	LastError    string
	CancelReason string

	CreatedAt time.Time
	UpdatedAt time.Time
	SentAt    *time.Time
	// DeletedAt is set while the reminder sits in the trash.
	DeletedAt *time.Time
}

func (r Reminder) Clone() Reminder {
	out := r
	out.TargetUsers = append([]string(nil), r.TargetUsers...)
	if r.SentAt != nil {
		v := *r.SentAt
		out.SentAt = &v
	}
	if r.DeletedAt != nil {
		v := *r.DeletedAt
		out.DeletedAt = &v
	}
	return out
}

func (r Reminder) Trashed() bool { return r.DeletedAt != nil }

// Due reports whether the reminder should be delivered at now.
func (r Reminder) Due(now time.Time) bool {
	return r.Status == StatusScheduled && !r.Trashed() && !r.ScheduledFor.After(now)
}

// Draft carries the fields of a new reminder.
type Draft struct {
	Title        string
	Message      string
	ScheduledFor time.Time
	// Instant requests delivery now; ScheduledFor is ignored.
	Instant     bool
	TargetUsers []string
	SystemWide  bool
	Priority    Priority
}

// Patch is a partial update; nil fields are left unchanged.
type Patch struct {
	Title        *string
	Message      *string
	ScheduledFor *time.Time
	TargetUsers  *[]string
	SystemWide   *bool
	Priority     *Priority
}

type TrashFilter int

const (
	TrashExclude TrashFilter = iota
	TrashOnly
	TrashAny
)

// Filter selects reminders for listing. A zero Filter lists every live
// (not trashed) reminder.
type Filter struct {
	Status Status
	Trash  TrashFilter
}

func (f Filter) Match(r Reminder) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	switch f.Trash {
	case TrashExclude:
		return !r.Trashed()
	case TrashOnly:
		return r.Trashed()
	}
	return true
}

// Repository persists reminders.
type Repository interface {
	GetReminder(ctx context.Context, id string) (Reminder, error)
	// ListReminders returns matches ordered by ScheduledFor, then ID.
	ListReminders(ctx context.Context, f Filter) ([]Reminder, error)
	ListDueReminders(ctx context.Context, now time.Time) ([]Reminder, error)
	SaveReminder(ctx context.Context, r Reminder) error
	DeleteReminder(ctx context.Context, id string) error
}

// Directory lists the current user base for system-wide reminders.
type Directory interface {
	ListUserIDs(ctx context.Context) ([]string, error)
}

// Event types published on the bus. The payload is a Reminder.
const (
	EventCreated   = "reminder.created"
	EventUpdated   = "reminder.updated"
	EventCancelled = "reminder.cancelled"
	EventTrashed   = "reminder.trashed"
	EventRestored  = "reminder.restored"
	EventPurged    = "reminder.purged"
	EventSent      = "reminder.sent"
	EventFailed    = "reminder.failed"
	EventExhausted = "reminder.exhausted"
)
