package reminders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"tripdesk/internal/eventbus"
	logx "tripdesk/pkg/logx"
)

const maxTitleLen = 200

// Options configures a Service.
type Options struct {
	Directory Directory
	Log       logx.Logger
	Bus       eventbus.Bus
	Now       func() time.Time
}

// Service owns the reminder state machine. Every mutation is a
// read-check-write against the repository under one mutex.
type Service struct {
	mu sync.Mutex

	repo Repository
	dir  Directory
	log  logx.Logger
	bus  eventbus.Bus
	now  func() time.Time
}

func NewService(repo Repository, opt Options) *Service {
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Service{repo: repo, dir: opt.Directory, log: opt.Log, bus: opt.Bus, now: opt.Now}
}

// Create stores a new scheduled reminder. ScheduledFor must be strictly in the
// future unless Instant is set, in which case it becomes now.
func (s *Service) Create(ctx context.Context, d Draft) (Reminder, error) {
	now := s.now()
	r := Reminder{
		ID:          uuid.NewString(),
		Title:       strings.TrimSpace(d.Title),
		Message:     strings.TrimSpace(d.Message),
		TargetUsers: normalizeUsers(d.TargetUsers),
		SystemWide:  d.SystemWide,
		Status:      StatusScheduled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	p, err := ParsePriority(string(d.Priority))
	if err != nil {
		return Reminder{}, err
	}
	r.Priority = p

	switch {
	case d.Instant:
		r.ScheduledFor = now
	case d.ScheduledFor.IsZero():
		return Reminder{}, fmt.Errorf("%w: scheduledFor is required", ErrInvalidReminder)
	case !d.ScheduledFor.After(now):
		return Reminder{}, fmt.Errorf("%w: %s", ErrPastSchedule, d.ScheduledFor.UTC().Format(time.RFC3339))
	default:
		r.ScheduledFor = d.ScheduledFor.UTC()
	}
	if err := validate(&r); err != nil {
		return Reminder{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.repo.SaveReminder(ctx, r); err != nil {
		return Reminder{}, fmt.Errorf("save reminder: %w", err)
	}
	s.log.Info("reminder created",
		logx.String("id", r.ID),
		logx.Time("scheduled_for", r.ScheduledFor),
		logx.Bool("system_wide", r.SystemWide),
		logx.Int("targets", len(r.TargetUsers)),
		logx.Bool("instant", d.Instant),
	)
	s.publish(EventCreated, r)
	return r.Clone(), nil
}

func (s *Service) Get(ctx context.Context, id string) (Reminder, error) {
	return s.repo.GetReminder(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter) ([]Reminder, error) {
	return s.repo.ListReminders(ctx, f)
}

// Update edits a scheduled reminder. A changed ScheduledFor must be strictly
// in the future; edits to other fields carry no time check.
func (s *Service) Update(ctx context.Context, id string, p Patch) (Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	cur, err := s.repo.GetReminder(ctx, id)
	if err != nil {
		return Reminder{}, err
	}
	if cur.Status != StatusScheduled {
		return Reminder{}, fmt.Errorf("%w: %s is %s", ErrNotScheduled, id, cur.Status)
	}
	if cur.Trashed() {
		return Reminder{}, fmt.Errorf("%w: %s", ErrTrashed, id)
	}

	next := cur.Clone()
	if p.Title != nil {
		next.Title = strings.TrimSpace(*p.Title)
	}
	if p.Message != nil {
		next.Message = strings.TrimSpace(*p.Message)
	}
	if p.Priority != nil {
		pr, err := ParsePriority(string(*p.Priority))
		if err != nil {
			return Reminder{}, err
		}
		next.Priority = pr
	}
	if p.SystemWide != nil {
		next.SystemWide = *p.SystemWide
	}
	if p.TargetUsers != nil {
		next.TargetUsers = normalizeUsers(*p.TargetUsers)
	}
	if p.ScheduledFor != nil && !p.ScheduledFor.Equal(cur.ScheduledFor) {
		if !p.ScheduledFor.After(now) {
			return Reminder{}, fmt.Errorf("%w: %s", ErrPastSchedule, p.ScheduledFor.UTC().Format(time.RFC3339))
		}
		next.ScheduledFor = p.ScheduledFor.UTC()
		// A rescheduled reminder starts over with a fresh attempt budget.
		next.Attempts = 0
		next.LastError = ""
	}
	if err := validate(&next); err != nil {
		return Reminder{}, err
	}
	next.UpdatedAt = now

	if err := s.repo.SaveReminder(ctx, next); err != nil {
		return Reminder{}, fmt.Errorf("save reminder: %w", err)
	}
	s.log.Info("reminder updated", logx.String("id", id), logx.Time("scheduled_for", next.ScheduledFor))
	s.publish(EventUpdated, next)
	return next.Clone(), nil
}

// Cancel moves a scheduled reminder to cancelled.
func (s *Service) Cancel(ctx context.Context, id, reason string) (Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.transitionLocked(ctx, id, StatusCancelled, func(r *Reminder) {
		r.CancelReason = strings.TrimSpace(reason)
		if r.CancelReason == "" {
			r.CancelReason = "cancelled by operator"
		}
	})
	if err != nil {
		return Reminder{}, err
	}
	s.log.Info("reminder cancelled", logx.String("id", id), logx.String("reason", r.CancelReason))
	s.publish(EventCancelled, r)
	return r.Clone(), nil
}

// Delete moves a scheduled reminder to the trash. Trashed reminders are not
// dispatched until restored. Deleting a trashed reminder is a no-op.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.repo.GetReminder(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status != StatusScheduled {
		return fmt.Errorf("%w: %s is %s", ErrNotScheduled, id, cur.Status)
	}
	if cur.Trashed() {
		return nil
	}
	now := s.now()
	next := cur.Clone()
	next.DeletedAt = &now
	next.UpdatedAt = now
	if err := s.repo.SaveReminder(ctx, next); err != nil {
		return fmt.Errorf("save reminder: %w", err)
	}
	s.log.Info("reminder trashed", logx.String("id", id))
	s.publish(EventTrashed, next)
	return nil
}

// Restore takes a reminder out of the trash. If its time has passed while it
// was trashed it becomes due on the next dispatch tick.
func (s *Service) Restore(ctx context.Context, id string) (Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.repo.GetReminder(ctx, id)
	if err != nil {
		return Reminder{}, err
	}
	if !cur.Trashed() {
		return Reminder{}, fmt.Errorf("%w: %s", ErrNotTrashed, id)
	}
	next := cur.Clone()
	next.DeletedAt = nil
	next.UpdatedAt = s.now()
	if err := s.repo.SaveReminder(ctx, next); err != nil {
		return Reminder{}, fmt.Errorf("save reminder: %w", err)
	}
	s.log.Info("reminder restored", logx.String("id", id))
	s.publish(EventRestored, next)
	return next.Clone(), nil
}

// Purge deletes a reminder permanently. A reminder still scheduled is
// cancelled as part of the purge, so it can never be delivered afterwards.
func (s *Service) Purge(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.repo.GetReminder(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status == StatusScheduled {
		cur.Status = StatusCancelled
		cur.CancelReason = "deleted permanently"
	}
	if err := s.repo.DeleteReminder(ctx, id); err != nil {
		return fmt.Errorf("delete reminder: %w", err)
	}
	cur.UpdatedAt = s.now()
	s.log.Info("reminder purged", logx.String("id", id), logx.String("status", string(cur.Status)))
	s.publish(EventPurged, cur)
	return nil
}

// Recipients resolves the audience of r. System-wide reminders are resolved
// against the directory at call time; explicit targets are returned as stored.
func (s *Service) Recipients(ctx context.Context, r Reminder) ([]string, error) {
	if !r.SystemWide {
		return append([]string(nil), r.TargetUsers...), nil
	}
	if s.dir == nil {
		return nil, fmt.Errorf("%w: no user directory configured", ErrNoRecipients)
	}
	ids, err := s.dir.ListUserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	ids = normalizeUsers(ids)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: user directory is empty", ErrNoRecipients)
	}
	return ids, nil
}

// Due lists reminders ready for delivery at now.
func (s *Service) Due(ctx context.Context, now time.Time) ([]Reminder, error) {
	list, err := s.repo.ListDueReminders(ctx, now)
	if err != nil {
		return nil, err
	}
	return lo.Filter(list, func(r Reminder, _ int) bool { return r.Due(now) }), nil
}

// MarkSent completes a delivery. It fails with ErrNotScheduled when the
// reminder was cancelled or purged while the delivery was in flight.
func (s *Service) MarkSent(ctx context.Context, id string, at time.Time) (Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.transitionLocked(ctx, id, StatusSent, func(r *Reminder) {
		r.SentAt = &at
		r.Attempts++
		r.LastError = ""
	})
	if err != nil {
		return Reminder{}, err
	}
	s.publish(EventSent, r)
	return r.Clone(), nil
}

// RecordFailure counts a failed delivery attempt. Once maxAttempts is reached
// the reminder is cancelled and the returned error wraps ErrAttemptsExhausted.
// maxAttempts <= 0 retries forever.
func (s *Service) RecordFailure(ctx context.Context, id string, cause error, maxAttempts int) (Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.repo.GetReminder(ctx, id)
	if err != nil {
		return Reminder{}, err
	}
	if cur.Status != StatusScheduled {
		return Reminder{}, fmt.Errorf("%w: %s is %s", ErrNotScheduled, id, cur.Status)
	}
	next := cur.Clone()
	next.Attempts++
	if cause != nil {
		next.LastError = cause.Error()
	}
	next.UpdatedAt = s.now()
	exhausted := maxAttempts > 0 && next.Attempts >= maxAttempts
	if exhausted {
		next.Status = StatusCancelled
		next.CancelReason = fmt.Sprintf("delivery failed after %d attempts: %s", next.Attempts, next.LastError)
	}
	if err := s.repo.SaveReminder(ctx, next); err != nil {
		return Reminder{}, fmt.Errorf("save reminder: %w", err)
	}
	if exhausted {
		s.log.Warn("reminder cancelled after repeated delivery failures",
			logx.String("id", id), logx.Int("attempts", next.Attempts), logx.String("last_error", next.LastError))
		s.publish(EventExhausted, next)
		return next.Clone(), fmt.Errorf("%w: reminder %s after %d attempts", ErrAttemptsExhausted, id, next.Attempts)
	}
	s.publish(EventFailed, next)
	return next.Clone(), nil
}

// Prune permanently removes sent and cancelled reminders last touched before
// the cutoff. It returns the number removed.
func (s *Service) Prune(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.repo.ListReminders(ctx, Filter{Trash: TrashAny})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range list {
		if !r.Status.Terminal() || !r.UpdatedAt.Before(before) {
			continue
		}
		if err := s.repo.DeleteReminder(ctx, r.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return n, fmt.Errorf("delete reminder %s: %w", r.ID, err)
		}
		n++
	}
	if n > 0 {
		s.log.Info("reminders pruned", logx.Int("count", n), logx.Time("before", before))
	}
	return n, nil
}

func (s *Service) transitionLocked(ctx context.Context, id string, to Status, mutate func(*Reminder)) (Reminder, error) {
	cur, err := s.repo.GetReminder(ctx, id)
	if err != nil {
		return Reminder{}, err
	}
	if !CanTransition(cur.Status, to) {
		return Reminder{}, fmt.Errorf("%w: %s is %s", ErrNotScheduled, id, cur.Status)
	}
	next := cur.Clone()
	next.Status = to
	next.UpdatedAt = s.now()
	mutate(&next)
	if err := s.repo.SaveReminder(ctx, next); err != nil {
		return Reminder{}, fmt.Errorf("save reminder: %w", err)
	}
	return next, nil
}

func (s *Service) publish(typ string, r Reminder) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: r.Clone()})
}

func validate(r *Reminder) error {
	if r.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidReminder)
	}
	if utf8.RuneCountInString(r.Title) > maxTitleLen {
		return fmt.Errorf("%w: title longer than %d characters", ErrInvalidReminder, maxTitleLen)
	}
	if r.SystemWide {
		// The audience is resolved at delivery time; an explicit list would be ignored.
		r.TargetUsers = nil
		return nil
	}
	if len(r.TargetUsers) == 0 {
		return ErrNoRecipients
	}
	return nil
}

func normalizeUsers(ids []string) []string {
	ids = lo.Map(ids, func(id string, _ int) string { return strings.TrimSpace(id) })
	ids = lo.Filter(ids, func(id string, _ int) bool { return id != "" })
	ids = lo.Uniq(ids)
	if len(ids) == 0 {
		return nil
	}
	return ids
}
