package jobs

import "errors"

var (
	ErrNotFound    = errors.New("job not found")
	ErrInvalidZone = errors.New("invalid timezone")
	ErrInvalidJob  = errors.New("invalid job definition")
	ErrNoRunner    = errors.New("manual trigger unavailable: no runner attached")
)
