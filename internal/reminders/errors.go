package reminders

import "errors"

var (
	ErrNotFound          = errors.New("reminder not found")
	ErrInvalidReminder   = errors.New("invalid reminder")
	ErrNoRecipients      = errors.New("reminder has no recipients")
	ErrPastSchedule      = errors.New("scheduled time is not in the future")
	ErrNotScheduled      = errors.New("reminder is no longer scheduled")
	ErrTrashed           = errors.New("reminder is in the trash")
	ErrNotTrashed        = errors.New("reminder is not in the trash")
	ErrAttemptsExhausted = errors.New("delivery attempts exhausted")
)
