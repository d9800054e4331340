package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tripdesk/internal/jobs"
	"tripdesk/internal/reminders"
	logx "tripdesk/pkg/logx"
)

// fileStore persists state as JSON files next to each other.
//
// Files:
//   - <prefix>.state.json  (snapshot of zone, jobs and reminders; replaced atomically)
//   - <prefix>.audit.jsonl (append-only JSON Lines)
type fileStore struct {
	*memStore
	log logx.Logger

	// mu serializes mutate-then-snapshot so snapshots land in order.
	mu        sync.Mutex
	statePath string
	auditFile *os.File
}

type snapshot struct {
	Version   int              `json:"version"`
	Zone      string           `json:"zone,omitempty"`
	Jobs      []jobRecord      `json:"jobs"`
	Reminders []reminderRecord `json:"reminders"`
	SavedAt   time.Time        `json:"savedAt"`
}

type reminderRecord struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Message      string     `json:"message,omitempty"`
	ScheduledFor time.Time  `json:"scheduledFor"`
	TargetUsers  []string   `json:"targetUsers,omitempty"`
	SystemWide   bool       `json:"isSystemWide,omitempty"`
	Priority     string     `json:"priority"`
	Status       string     `json:"status"`
	Attempts     int        `json:"attempts,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
	CancelReason string     `json:"cancelReason,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	SentAt       *time.Time `json:"sentAt,omitempty"`
	DeletedAt    *time.Time `json:"deletedAt,omitempty"`
}

func toReminderRecord(r reminders.Reminder) reminderRecord {
	return reminderRecord{
		ID: r.ID, Title: r.Title, Message: r.Message, ScheduledFor: r.ScheduledFor,
		TargetUsers: r.TargetUsers, SystemWide: r.SystemWide,
		Priority: string(r.Priority), Status: string(r.Status),
		Attempts: r.Attempts, LastError: r.LastError, CancelReason: r.CancelReason,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt, SentAt: r.SentAt, DeletedAt: r.DeletedAt,
	}
}

func (r reminderRecord) reminder() reminders.Reminder {
	return reminders.Reminder{
		ID: r.ID, Title: r.Title, Message: r.Message, ScheduledFor: r.ScheduledFor,
		TargetUsers: r.TargetUsers, SystemWide: r.SystemWide,
		Priority: reminders.Priority(r.Priority), Status: reminders.Status(r.Status),
		Attempts: r.Attempts, LastError: r.LastError, CancelReason: r.CancelReason,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt, SentAt: r.SentAt, DeletedAt: r.DeletedAt,
	}
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		memStore:  newMemStore(),
		log:       log,
		statePath: prefix + ".state.json",
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	auditPath := prefix + ".audit.jsonl"
	if err := replayAudit(auditPath, s.memStore); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("audit log replay failed", logx.String("path", auditPath), logx.Err(err))
	}
	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.auditFile = af
	return s, nil
}

func (s *fileStore) load() error {
	b, err := os.ReadFile(s.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return fmt.Errorf("decode %s: %w", s.statePath, err)
	}
	s.zone = snap.Zone
	for _, rec := range snap.Jobs {
		j, err := rec.job()
		if err != nil {
			// A hand-edited entry should not take the whole store down.
			s.log.Warn("skipping stored job", logx.String("job", rec.Name), logx.Err(err))
			continue
		}
		s.jobs[j.Name] = j
	}
	for _, rec := range snap.Reminders {
		s.reminders[rec.ID] = rec.reminder()
	}
	return nil
}

// persist writes the snapshot to a temp file and renames it into place.
func (s *fileStore) persist() error {
	s.memStore.mu.RLock()
	snap := snapshot{Version: 1, Zone: s.zone, SavedAt: time.Now().UTC()}
	for _, j := range s.jobs {
		snap.Jobs = append(snap.Jobs, toJobRecord(j))
	}
	for _, r := range s.reminders {
		snap.Reminders = append(snap.Reminders, toReminderRecord(r))
	}
	s.memStore.mu.RUnlock()

	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.statePath)
}

func (s *fileStore) mutate(apply func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := apply(); err != nil {
		return err
	}
	return s.persist()
}

func (s *fileStore) SaveJob(ctx context.Context, j jobs.Job) error {
	return s.mutate(func() error { return s.memStore.SaveJob(ctx, j) })
}

func (s *fileStore) CommitZone(ctx context.Context, zone string, list []jobs.Job) error {
	return s.mutate(func() error { return s.memStore.CommitZone(ctx, zone, list) })
}

func (s *fileStore) SaveReminder(ctx context.Context, r reminders.Reminder) error {
	return s.mutate(func() error { return s.memStore.SaveReminder(ctx, r) })
}

func (s *fileStore) DeleteReminder(ctx context.Context, id string) error {
	return s.mutate(func() error { return s.memStore.DeleteReminder(ctx, id) })
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	e = fillAudit(e)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.auditFile).Encode(e); err != nil {
		return err
	}
	return s.memStore.AppendAudit(ctx, e)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.memStore.Close()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

func replayAudit(path string, into *memStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		_ = into.AppendAudit(context.Background(), e)
	}
	return sc.Err()
}
