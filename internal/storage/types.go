package storage

import (
	"context"
	"errors"
	"time"

	"tripdesk/internal/jobs"
	"tripdesk/internal/reminders"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "memory": process-local, nothing survives a restart
//   - "file": JSON snapshot plus an append-only audit log
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records an operator action or a dispatch outcome.
// Keep it compact and schema-stable.
type AuditEntry struct {
	ID     string    `json:"id"`
	At     time.Time `json:"at"`
	Actor  string    `json:"actor,omitempty"`
	Action string    `json:"action"`
	Target string    `json:"target,omitempty"`
	OK     bool      `json:"ok"`
	Error  string    `json:"error,omitempty"`
	TookMS int64     `json:"took_ms,omitempty"`
	Meta   string    `json:"meta,omitempty"`
}

// Store persists jobs, the scheduling zone, reminders and the audit trail.
type Store interface {
	jobs.Repository
	reminders.Repository
	AppendAudit(ctx context.Context, e AuditEntry) error
	// ListAudit returns up to limit entries, newest first.
	ListAudit(ctx context.Context, limit int) ([]AuditEntry, error)
	Close() error
}
