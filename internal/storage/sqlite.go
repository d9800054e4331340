package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"tripdesk/internal/jobs"
	"tripdesk/internal/reminders"
	logx "tripdesk/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const zoneKey = "scheduler.timezone"

// Instants are stored as Unix nanoseconds so range queries compare integers.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const jobColumns = `name, schedule_type, metadata, description, enabled, last_run_at, next_run_at,
	last_error, last_manual_run_at, last_manual_error, updated_at`

func (s *sqliteStore) LoadJobs(ctx context.Context) ([]jobs.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []jobs.Job
	for rows.Next() {
		var (
			j                         jobs.Job
			kind, md                  string
			desc, lastErr, lastManErr sql.NullString
			lastRun, nextRun, lastMan sql.NullInt64
			updated                   int64
		)
		if err := rows.Scan(&j.Name, &kind, &md, &desc, &j.Enabled, &lastRun, &nextRun,
			&lastErr, &lastMan, &lastManErr, &updated); err != nil {
			return nil, err
		}
		spec, err := decodeSpec(kind, md)
		if err != nil {
			s.log.Warn("skipping stored job", logx.String("job", j.Name), logx.Err(err))
			continue
		}
		j.Spec = spec
		j.Description = desc.String
		j.LastRunAt = fromNullNanos(lastRun)
		j.NextRunAt = fromNullNanos(nextRun)
		j.LastError = lastErr.String
		j.LastManualRunAt = fromNullNanos(lastMan)
		j.LastManualError = lastManErr.String
		j.UpdatedAt = fromNanos(updated)
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveJob(ctx context.Context, j jobs.Job) error {
	return saveJob(ctx, s.db, j)
}

func saveJob(ctx context.Context, ex execer, j jobs.Job) error {
	md, err := encodeSpec(j.Spec)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO jobs(`+jobColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(name) DO UPDATE SET
		   schedule_type=excluded.schedule_type, metadata=excluded.metadata,
		   description=excluded.description, enabled=excluded.enabled,
		   last_run_at=excluded.last_run_at, next_run_at=excluded.next_run_at,
		   last_error=excluded.last_error, last_manual_run_at=excluded.last_manual_run_at,
		   last_manual_error=excluded.last_manual_error, updated_at=excluded.updated_at`,
		j.Name, string(j.Spec.Kind), md, nullStr(j.Description), j.Enabled,
		nullNanos(j.LastRunAt), nullNanos(j.NextRunAt), nullStr(j.LastError),
		nullNanos(j.LastManualRunAt), nullStr(j.LastManualError), toNanos(j.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) LoadZone(ctx context.Context) (string, error) {
	var zone string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, zoneKey).Scan(&zone)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return zone, err
}

// CommitZone writes the zone and every recomputed job in one transaction.
func (s *sqliteStore) CommitZone(ctx context.Context, zone string, list []jobs.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		zoneKey, zone); err != nil {
		return err
	}
	for _, j := range list {
		if err := saveJob(ctx, tx, j); err != nil {
			return fmt.Errorf("job %s: %w", j.Name, err)
		}
	}
	return tx.Commit()
}

const reminderColumns = `id, title, message, scheduled_for, target_users, system_wide, priority, status,
	attempts, last_error, cancel_reason, created_at, updated_at, sent_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(sc rowScanner) (reminders.Reminder, error) {
	var (
		r                          reminders.Reminder
		msg, targets, lastErr, why sql.NullString
		priority, status           string
		sched, created, updated    int64
		sent, deleted              sql.NullInt64
	)
	if err := sc.Scan(&r.ID, &r.Title, &msg, &sched, &targets, &r.SystemWide, &priority, &status,
		&r.Attempts, &lastErr, &why, &created, &updated, &sent, &deleted); err != nil {
		return reminders.Reminder{}, err
	}
	if targets.Valid && targets.String != "" {
		if err := json.Unmarshal([]byte(targets.String), &r.TargetUsers); err != nil {
			return reminders.Reminder{}, fmt.Errorf("reminder %s: target users: %w", r.ID, err)
		}
	}
	r.Message = msg.String
	r.ScheduledFor = fromNanos(sched)
	r.Priority = reminders.Priority(priority)
	r.Status = reminders.Status(status)
	r.LastError = lastErr.String
	r.CancelReason = why.String
	r.CreatedAt = fromNanos(created)
	r.UpdatedAt = fromNanos(updated)
	r.SentAt = fromNullNanos(sent)
	r.DeletedAt = fromNullNanos(deleted)
	return r, nil
}

func (s *sqliteStore) GetReminder(ctx context.Context, id string) (reminders.Reminder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reminders.Reminder{}, fmt.Errorf("%w: %s", reminders.ErrNotFound, id)
	}
	return r, err
}

func (s *sqliteStore) ListReminders(ctx context.Context, f reminders.Filter) ([]reminders.Reminder, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	switch f.Trash {
	case reminders.TrashExclude:
		where = append(where, "deleted_at IS NULL")
	case reminders.TrashOnly:
		where = append(where, "deleted_at IS NOT NULL")
	}
	q := `SELECT ` + reminderColumns + ` FROM reminders`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	return s.queryReminders(ctx, q+" ORDER BY scheduled_for, id", args...)
}

func (s *sqliteStore) ListDueReminders(ctx context.Context, now time.Time) ([]reminders.Reminder, error) {
	return s.queryReminders(ctx,
		`SELECT `+reminderColumns+` FROM reminders
		 WHERE status = ? AND deleted_at IS NULL AND scheduled_for <= ?
		 ORDER BY scheduled_for, id`,
		string(reminders.StatusScheduled), toNanos(now))
}

func (s *sqliteStore) queryReminders(ctx context.Context, q string, args ...any) ([]reminders.Reminder, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []reminders.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveReminder(ctx context.Context, r reminders.Reminder) error {
	var targets any
	if len(r.TargetUsers) > 0 {
		b, err := json.Marshal(r.TargetUsers)
		if err != nil {
			return err
		}
		targets = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(`+reminderColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   title=excluded.title, message=excluded.message, scheduled_for=excluded.scheduled_for,
		   target_users=excluded.target_users, system_wide=excluded.system_wide,
		   priority=excluded.priority, status=excluded.status, attempts=excluded.attempts,
		   last_error=excluded.last_error, cancel_reason=excluded.cancel_reason,
		   updated_at=excluded.updated_at, sent_at=excluded.sent_at, deleted_at=excluded.deleted_at`,
		r.ID, r.Title, nullStr(r.Message), toNanos(r.ScheduledFor), targets, r.SystemWide,
		string(r.Priority), string(r.Status), r.Attempts, nullStr(r.LastError), nullStr(r.CancelReason),
		toNanos(r.CreatedAt), toNanos(r.UpdatedAt), nullNanos(r.SentAt), nullNanos(r.DeletedAt),
	)
	return err
}

func (s *sqliteStore) DeleteReminder(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", reminders.ErrNotFound, id)
	}
	return nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	e = fillAudit(e)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(id, at, actor, action, target, ok, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.ID, toNanos(e.At), nullStr(e.Actor), e.Action, nullStr(e.Target), e.OK,
		nullStr(e.Error), e.TookMS, nullStr(e.Meta),
	)
	return err
}

func (s *sqliteStore) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, actor, action, target, ok, err, took_ms, meta FROM audit ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var (
			e                         AuditEntry
			at                        int64
			actor, target, errs, meta sql.NullString
			took                      sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &at, &actor, &e.Action, &target, &e.OK, &errs, &took, &meta); err != nil {
			return nil, err
		}
		e.At = fromNanos(at)
		e.Actor, e.Target, e.Error, e.Meta = actor.String, target.String, errs.String, meta.String
		e.TookMS = took.Int64
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
