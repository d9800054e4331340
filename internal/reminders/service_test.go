package reminders

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"tripdesk/internal/eventbus"
)

type fakeRepo struct {
	mu   sync.Mutex
	data map[string]Reminder
}

func newFakeRepo() *fakeRepo { return &fakeRepo{data: map[string]Reminder{}} }

func (f *fakeRepo) GetReminder(ctx context.Context, id string) (Reminder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.data[id]
	if !ok {
		return Reminder{}, ErrNotFound
	}
	return r.Clone(), nil
}

func (f *fakeRepo) ListReminders(ctx context.Context, flt Filter) ([]Reminder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Reminder
	for _, r := range f.data {
		if flt.Match(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ScheduledFor.Before(out[k].ScheduledFor) })
	return out, nil
}

func (f *fakeRepo) ListDueReminders(ctx context.Context, now time.Time) ([]Reminder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Reminder
	for _, r := range f.data {
		if r.Due(now) {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (f *fakeRepo) SaveReminder(ctx context.Context, r Reminder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[r.ID] = r.Clone()
	return nil
}

func (f *fakeRepo) DeleteReminder(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[id]; !ok {
		return ErrNotFound
	}
	delete(f.data, id)
	return nil
}

type staticDirectory struct {
	mu  sync.Mutex
	ids []string
}

func (d *staticDirectory) ListUserIDs(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ids...), nil
}

func (d *staticDirectory) set(ids ...string) {
	d.mu.Lock()
	d.ids = ids
	d.mu.Unlock()
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *testClock, *staticDirectory) {
	t.Helper()
	clock := &testClock{now: t0}
	dir := &staticDirectory{ids: []string{"agent-1", "agent-2"}}
	svc := NewService(newFakeRepo(), Options{Directory: dir, Now: clock.Now})
	return svc, clock, dir
}

func create(t *testing.T, svc *Service, in time.Duration, users ...string) Reminder {
	t.Helper()
	r, err := svc.Create(context.Background(), Draft{
		Title:        "Passport check",
		Message:      "Verify passports for group 42",
		ScheduledFor: t0.Add(in),
		TargetUsers:  users,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return r
}

func TestCreateRejectsPastUnlessInstant(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for _, at := range []time.Time{t0, t0.Add(-time.Minute)} {
		_, err := svc.Create(ctx, Draft{Title: "late", ScheduledFor: at, TargetUsers: []string{"u1"}})
		if !errors.Is(err, ErrPastSchedule) {
			t.Fatalf("Create(%s) error = %v, want ErrPastSchedule", at, err)
		}
	}

	r, err := svc.Create(ctx, Draft{Title: "now", ScheduledFor: t0.Add(-time.Hour), Instant: true, TargetUsers: []string{"u1"}})
	if err != nil {
		t.Fatalf("instant Create: %v", err)
	}
	if !r.ScheduledFor.Equal(t0) {
		t.Fatalf("instant ScheduledFor = %s, want %s", r.ScheduledFor, t0)
	}
	if r.Status != StatusScheduled || r.Priority != PriorityMedium {
		t.Fatalf("new reminder status=%s priority=%s", r.Status, r.Priority)
	}
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	future := t0.Add(time.Hour)

	tests := []struct {
		name  string
		draft Draft
		want  error
	}{
		{name: "no targets", draft: Draft{Title: "x", ScheduledFor: future}, want: ErrNoRecipients},
		{name: "blank targets", draft: Draft{Title: "x", ScheduledFor: future, TargetUsers: []string{" ", ""}}, want: ErrNoRecipients},
		{name: "no title", draft: Draft{Title: "  ", ScheduledFor: future, TargetUsers: []string{"u"}}, want: ErrInvalidReminder},
		{name: "bad priority", draft: Draft{Title: "x", ScheduledFor: future, TargetUsers: []string{"u"}, Priority: "critical"}, want: ErrInvalidReminder},
		{name: "no time", draft: Draft{Title: "x", TargetUsers: []string{"u"}}, want: ErrInvalidReminder},
	}
	for _, tt := range tests {
		if _, err := svc.Create(ctx, tt.draft); !errors.Is(err, tt.want) {
			t.Fatalf("%s: error = %v, want %v", tt.name, err, tt.want)
		}
	}

	r, err := svc.Create(ctx, Draft{Title: "x", ScheduledFor: future, SystemWide: true, TargetUsers: []string{"ignored"}, Priority: "URGENT"})
	if err != nil {
		t.Fatalf("system-wide Create: %v", err)
	}
	if len(r.TargetUsers) != 0 || r.Priority != PriorityUrgent {
		t.Fatalf("system-wide reminder targets=%v priority=%s", r.TargetUsers, r.Priority)
	}

	r = create(t, svc, time.Hour, " u1", "u2", "u1 ", "")
	if len(r.TargetUsers) != 2 || r.TargetUsers[0] != "u1" || r.TargetUsers[1] != "u2" {
		t.Fatalf("TargetUsers = %q, want [u1 u2]", r.TargetUsers)
	}
}

func TestUpdateScheduledForRules(t *testing.T) {
	t.Parallel()
	svc, clock, _ := newTestService(t)
	ctx := context.Background()
	r := create(t, svc, 30*time.Minute, "u1")

	past := t0.Add(-time.Minute)
	if _, err := svc.Update(ctx, r.ID, Patch{ScheduledFor: &past}); !errors.Is(err, ErrPastSchedule) {
		t.Fatalf("Update to past = %v, want ErrPastSchedule", err)
	}

	// Once the stored time has passed, unrelated edits still go through.
	clock.Advance(time.Hour)
	title := "Passport check (updated)"
	same := r.ScheduledFor
	got, err := svc.Update(ctx, r.ID, Patch{Title: &title, ScheduledFor: &same})
	if err != nil {
		t.Fatalf("Update title: %v", err)
	}
	if got.Title != title || !got.ScheduledFor.Equal(r.ScheduledFor) {
		t.Fatalf("Update result = %+v", got)
	}

	later := clock.Now().Add(2 * time.Hour)
	got, err = svc.Update(ctx, r.ID, Patch{ScheduledFor: &later})
	if err != nil {
		t.Fatalf("Update reschedule: %v", err)
	}
	if !got.ScheduledFor.Equal(later) {
		t.Fatalf("ScheduledFor = %s, want %s", got.ScheduledFor, later)
	}

	none := []string{}
	if _, err := svc.Update(ctx, r.ID, Patch{TargetUsers: &none}); !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("Update clearing targets = %v, want ErrNoRecipients", err)
	}
	wide := true
	got, err = svc.Update(ctx, r.ID, Patch{TargetUsers: &none, SystemWide: &wide})
	if err != nil || !got.SystemWide {
		t.Fatalf("Update to system-wide: %+v, %v", got, err)
	}
}

func TestStatusNeverRegresses(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	sent := create(t, svc, time.Hour, "u1")
	if _, err := svc.MarkSent(ctx, sent.ID, t0); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	cancelled := create(t, svc, time.Hour, "u1")
	if _, err := svc.Cancel(ctx, cancelled.ID, ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	for _, id := range []string{sent.ID, cancelled.ID} {
		title := "edit"
		if _, err := svc.Update(ctx, id, Patch{Title: &title}); !errors.Is(err, ErrNotScheduled) {
			t.Fatalf("Update terminal = %v, want ErrNotScheduled", err)
		}
		if _, err := svc.Cancel(ctx, id, "again"); !errors.Is(err, ErrNotScheduled) {
			t.Fatalf("Cancel terminal = %v, want ErrNotScheduled", err)
		}
		if _, err := svc.MarkSent(ctx, id, t0); !errors.Is(err, ErrNotScheduled) {
			t.Fatalf("MarkSent terminal = %v, want ErrNotScheduled", err)
		}
		if _, err := svc.RecordFailure(ctx, id, errors.New("x"), 3); !errors.Is(err, ErrNotScheduled) {
			t.Fatalf("RecordFailure terminal = %v, want ErrNotScheduled", err)
		}
	}
	got, _ := svc.Get(ctx, sent.ID)
	if got.Status != StatusSent || got.SentAt == nil {
		t.Fatalf("sent reminder = %+v", got)
	}
	got, _ = svc.Get(ctx, cancelled.ID)
	if got.Status != StatusCancelled || got.CancelReason == "" {
		t.Fatalf("cancelled reminder = %+v", got)
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()
	all := []Status{StatusScheduled, StatusSent, StatusCancelled}
	for _, from := range all {
		for _, to := range all {
			want := from == StatusScheduled && to != StatusScheduled
			if got := CanTransition(from, to); got != want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTrashLifecycle(t *testing.T) {
	t.Parallel()
	svc, clock, _ := newTestService(t)
	ctx := context.Background()
	r := create(t, svc, time.Minute, "u1")

	if _, err := svc.Restore(ctx, r.ID); !errors.Is(err, ErrNotTrashed) {
		t.Fatalf("Restore live = %v, want ErrNotTrashed", err)
	}
	if err := svc.Delete(ctx, r.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := svc.Delete(ctx, r.ID); err != nil {
		t.Fatalf("second Delete: %v", err)
	}

	clock.Advance(2 * time.Minute)
	due, err := svc.Due(ctx, clock.Now())
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("trashed reminder is due: %+v", due)
	}
	live, _ := svc.List(ctx, Filter{})
	trash, _ := svc.List(ctx, Filter{Trash: TrashOnly})
	if len(live) != 0 || len(trash) != 1 {
		t.Fatalf("live=%d trash=%d, want 0/1", len(live), len(trash))
	}
	title := "edit"
	if _, err := svc.Update(ctx, r.ID, Patch{Title: &title}); !errors.Is(err, ErrTrashed) {
		t.Fatalf("Update trashed = %v, want ErrTrashed", err)
	}

	if _, err := svc.Restore(ctx, r.ID); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	due, _ = svc.Due(ctx, clock.Now())
	if len(due) != 1 || due[0].ID != r.ID {
		t.Fatalf("restored reminder not due: %+v", due)
	}
}

func TestDeleteSentFails(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	r := create(t, svc, time.Minute, "u1")
	if _, err := svc.MarkSent(ctx, r.ID, t0); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	if err := svc.Delete(ctx, r.ID); !errors.Is(err, ErrNotScheduled) {
		t.Fatalf("Delete sent = %v, want ErrNotScheduled", err)
	}
	if err := svc.Delete(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete missing = %v, want ErrNotFound", err)
	}
}

func TestPurgeCancelsImplicitly(t *testing.T) {
	t.Parallel()
	clock := &testClock{now: t0}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()
	svc := NewService(newFakeRepo(), Options{Now: clock.Now, Bus: bus})
	ctx := context.Background()

	r := create(t, svc, time.Hour, "u1")
	if err := svc.Purge(ctx, r.ID); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if _, err := svc.Get(ctx, r.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get purged = %v, want ErrNotFound", err)
	}
	if _, err := svc.MarkSent(ctx, r.ID, t0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkSent purged = %v, want ErrNotFound", err)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type != EventPurged {
				continue
			}
			got := ev.Data.(Reminder)
			if got.Status != StatusCancelled {
				t.Fatalf("purged reminder status = %s, want cancelled", got.Status)
			}
			return
		case <-deadline:
			t.Fatal("no purge event")
		}
	}
}

func TestRecipientsResolvedAtDelivery(t *testing.T) {
	t.Parallel()
	svc, _, dir := newTestService(t)
	ctx := context.Background()

	wide, err := svc.Create(ctx, Draft{Title: "Office closed", ScheduledFor: t0.Add(time.Hour), SystemWide: true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	targeted := create(t, svc, time.Hour, "agent-9")

	got, err := svc.Recipients(ctx, wide)
	if err != nil || len(got) != 2 {
		t.Fatalf("Recipients = %v, %v", got, err)
	}
	dir.set("agent-1", "agent-2", "agent-3")
	got, _ = svc.Recipients(ctx, wide)
	if len(got) != 3 {
		t.Fatalf("Recipients after directory change = %v, want 3 users", got)
	}
	got, _ = svc.Recipients(ctx, targeted)
	if len(got) != 1 || got[0] != "agent-9" {
		t.Fatalf("targeted Recipients = %v", got)
	}

	dir.set()
	if _, err := svc.Recipients(ctx, wide); !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("empty directory = %v, want ErrNoRecipients", err)
	}
}

func TestRecordFailureExhausts(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	r := create(t, svc, time.Minute, "u1")
	cause := errors.New("smtp 451")

	for i := 1; i < 3; i++ {
		got, err := svc.RecordFailure(ctx, r.ID, cause, 3)
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if got.Status != StatusScheduled || got.Attempts != i {
			t.Fatalf("attempt %d: status=%s attempts=%d", i, got.Status, got.Attempts)
		}
	}
	got, err := svc.RecordFailure(ctx, r.ID, cause, 3)
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("third failure = %v, want ErrAttemptsExhausted", err)
	}
	if got.Status != StatusCancelled || got.LastError != "smtp 451" || got.CancelReason == "" {
		t.Fatalf("exhausted reminder = %+v", got)
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()
	svc, clock, _ := newTestService(t)
	ctx := context.Background()

	old := create(t, svc, time.Minute, "u1")
	if _, err := svc.MarkSent(ctx, old.ID, t0); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	pending := create(t, svc, time.Hour, "u1")
	clock.Advance(48 * time.Hour)
	recent := create(t, svc, time.Hour*72, "u1")
	if _, err := svc.Cancel(ctx, recent.ID, ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	n, err := svc.Prune(ctx, clock.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if _, err := svc.Get(ctx, old.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old sent reminder survived: %v", err)
	}
	for _, id := range []string{pending.ID, recent.ID} {
		if _, err := svc.Get(ctx, id); err != nil {
			t.Fatalf("Get %s: %v", id, err)
		}
	}
}
