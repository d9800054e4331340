package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"tripdesk/internal/jobs"
	"tripdesk/internal/reminders"
)

// memStore keeps everything in maps. The file driver wraps it and persists a
// snapshot after each mutation.
type memStore struct {
	mu        sync.RWMutex
	zone      string
	jobs      map[string]jobs.Job
	reminders map[string]reminders.Reminder
	audit     []AuditEntry
	maxAudit  int
	closed    bool
}

func newMemStore() *memStore {
	return &memStore{
		jobs:      map[string]jobs.Job{},
		reminders: map[string]reminders.Reminder{},
		maxAudit:  1000,
	}
}

func (s *memStore) LoadJobs(ctx context.Context) ([]jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]jobs.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	sortJobs(out)
	return out, nil
}

func (s *memStore) SaveJob(ctx context.Context, j jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.jobs[j.Name] = j.Clone()
	return nil
}

func (s *memStore) LoadZone(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.zone, nil
}

func (s *memStore) CommitZone(ctx context.Context, zone string, list []jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.zone = zone
	for _, j := range list {
		s.jobs[j.Name] = j.Clone()
	}
	return nil
}

func (s *memStore) GetReminder(ctx context.Context, id string) (reminders.Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reminders[id]
	if !ok {
		return reminders.Reminder{}, fmt.Errorf("%w: %s", reminders.ErrNotFound, id)
	}
	return r.Clone(), nil
}

func (s *memStore) ListReminders(ctx context.Context, f reminders.Filter) ([]reminders.Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := lo.FilterMap(lo.Values(s.reminders), func(r reminders.Reminder, _ int) (reminders.Reminder, bool) {
		return r.Clone(), f.Match(r)
	})
	sortReminders(out)
	return out, nil
}

func (s *memStore) ListDueReminders(ctx context.Context, now time.Time) ([]reminders.Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := lo.FilterMap(lo.Values(s.reminders), func(r reminders.Reminder, _ int) (reminders.Reminder, bool) {
		return r.Clone(), r.Due(now)
	})
	sortReminders(out)
	return out, nil
}

func (s *memStore) SaveReminder(ctx context.Context, r reminders.Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.reminders[r.ID] = r.Clone()
	return nil
}

func (s *memStore) DeleteReminder(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.reminders[id]; !ok {
		return fmt.Errorf("%w: %s", reminders.ErrNotFound, id)
	}
	delete(s.reminders, id)
	return nil
}

func (s *memStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.audit = append(s.audit, fillAudit(e))
	if over := len(s.audit) - s.maxAudit; over > 0 {
		s.audit = append([]AuditEntry(nil), s.audit[over:]...)
	}
	return nil
}

func (s *memStore) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.audit)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]AuditEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.audit[i])
	}
	return out, nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func fillAudit(e AuditEntry) AuditEntry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	e.At = e.At.UTC()
	return e
}
