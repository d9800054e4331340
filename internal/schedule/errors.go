package schedule

import (
	"errors"
	"fmt"
)

// ErrInvalidSchedule is the sentinel behind every *Error.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Error reports a malformed schedule field.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid schedule: %s", e.Reason)
	}
	return fmt.Sprintf("invalid schedule: %s: %s", e.Field, e.Reason)
}

func (e *Error) Unwrap() error { return ErrInvalidSchedule }
