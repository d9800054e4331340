package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"tripdesk/internal/eventbus"
	"tripdesk/internal/jobs"
	"tripdesk/internal/notify"
	"tripdesk/internal/reminders"
	"tripdesk/internal/runtime/supervisor"
	logx "tripdesk/pkg/logx"
)

// Event types published on the bus.
const (
	EventDelivered = "dispatch.delivered"
	EventFailed    = "dispatch.failed"
)

type Config struct {
	// Tick is the due-item scan period. Values below one second are rounded up.
	Tick            time.Duration
	DeliveryTimeout time.Duration
	// MaxAttempts bounds reminder deliveries. Zero retries forever.
	MaxAttempts   int
	MaxConcurrent int
	HistorySize   int
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 30 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// JobSource is the part of the job registry the dispatcher drives.
type JobSource interface {
	Get(name string) (jobs.Job, error)
	Due(now time.Time) []jobs.Job
	CompleteRun(ctx context.Context, name string, at time.Time, runErr error) (jobs.Job, error)
}

// ReminderSource is the part of the reminder service the dispatcher drives.
type ReminderSource interface {
	Get(ctx context.Context, id string) (reminders.Reminder, error)
	Due(ctx context.Context, now time.Time) ([]reminders.Reminder, error)
	Recipients(ctx context.Context, r reminders.Reminder) ([]string, error)
	MarkSent(ctx context.Context, id string, at time.Time) (reminders.Reminder, error)
	RecordFailure(ctx context.Context, id string, cause error, maxAttempts int) (reminders.Reminder, error)
}

type Options struct {
	Log logx.Logger
	Bus eventbus.Bus
	Now func() time.Time
}

// Dispatcher scans for due jobs and reminders on a fixed tick and delivers
// each through the Sender. An entity is never delivered twice concurrently:
// a key stays held until the outcome of its delivery has been recorded.
type Dispatcher struct {
	jobs   JobSource
	rem    ReminderSource
	sender notify.Sender
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time

	guard   *guard
	history *history

	mu      sync.Mutex
	cfg     Config
	sem     *semaphore.Weighted
	sup     *supervisor.Supervisor
	cron    *cron.Cron
	tickID  cron.EntryID
	running bool
}

func New(cfg Config, js JobSource, rs ReminderSource, sender notify.Sender, opt Options) *Dispatcher {
	cfg = cfg.withDefaults()
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Dispatcher{
		jobs:    js,
		rem:     rs,
		sender:  sender,
		log:     opt.Log,
		bus:     opt.Bus,
		now:     opt.Now,
		guard:   newGuard(),
		history: newHistory(cfg.HistorySize),
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		sup:     supervisor.NewSupervisor(context.Background(), supervisor.WithLogger(opt.Log)),
	}
}

// Start begins ticking. Deliveries run under a supervisor rooted at ctx.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}
	d.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(d.log))
	cl := cronLogger{log: d.log}
	d.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	d.tickID = d.cron.Schedule(cron.Every(d.cfg.Tick), cron.FuncJob(d.tickFromCron))
	d.cron.Start()
	d.running = true
	d.log.Info("dispatcher started",
		logx.Duration("tick", d.cfg.Tick),
		logx.Int("max_concurrent", d.cfg.MaxConcurrent),
		logx.Int("max_attempts", d.cfg.MaxAttempts))
	return nil
}

// Housekeep schedules fn on a standard five-field cron expression (or a
// descriptor such as "@daily"), evaluated in UTC on the dispatcher's cron.
func (d *Dispatcher) Housekeep(name, expr string, fn func(ctx context.Context)) error {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("housekeeping %s: %w", name, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return ErrStopped
	}
	sup := d.sup
	d.cron.Schedule(sched, cron.FuncJob(func() {
		d.log.Debug("housekeeping", logx.String("task", name))
		fn(sup.Context())
	}))
	return nil
}

// Stop halts ticking and waits for in-flight deliveries until ctx expires.
// In-flight deliveries are not cancelled; they finish or hit their timeout.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	c, sup := d.cron, d.sup
	d.mu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	err := sup.Stop(ctx)
	d.log.Info("dispatcher stopped", logx.Int("in_flight", len(d.guard.held())))
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Apply swaps runtime settings. A new tick period takes effect immediately;
// a new concurrency cap applies to deliveries started afterwards.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.cfg
	d.cfg = cfg
	if cfg.MaxConcurrent != old.MaxConcurrent {
		d.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	if cfg.HistorySize != old.HistorySize {
		d.history.resize(cfg.HistorySize)
	}
	if cfg.Tick != old.Tick && d.running {
		d.cron.Remove(d.tickID)
		d.tickID = d.cron.Schedule(cron.Every(cfg.Tick), cron.FuncJob(d.tickFromCron))
	}
}

func (d *Dispatcher) config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

func (d *Dispatcher) tickFromCron() {
	d.mu.Lock()
	sup := d.sup
	d.mu.Unlock()
	d.Tick(sup.Context())
}

// Tick scans once for due items and launches a delivery for each one that is
// not already in flight. It does not wait for deliveries to finish.
//
// The scan is a snapshot: a delivery from an earlier tick may complete and
// release its key before launch runs. Each delivery therefore re-reads its
// entity under the key and drops it when it is no longer due.
func (d *Dispatcher) Tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	now := d.now()
	if d.jobs != nil {
		for _, j := range d.jobs.Due(now) {
			name := j.Name
			d.launch(jobKey(name), func(ctx context.Context) {
				if cur, ok := d.stillDueJob(name, now); ok {
					d.runJob(ctx, cur)
				}
			})
		}
	}
	if d.rem != nil {
		due, err := d.rem.Due(ctx, now)
		if err != nil {
			d.log.Warn("list due reminders failed", logx.Err(err))
			return
		}
		for _, r := range due {
			id := r.ID
			d.launch(reminderKey(id), func(ctx context.Context) {
				if cur, ok := d.stillDueReminder(ctx, id, now); ok {
					d.runReminder(ctx, cur)
				}
			})
		}
	}
}

func (d *Dispatcher) stillDueJob(name string, now time.Time) (jobs.Job, bool) {
	j, err := d.jobs.Get(name)
	if err != nil {
		if !errors.Is(err, jobs.ErrNotFound) {
			d.log.Warn("reload job failed", logx.String("job", name), logx.Err(err))
		}
		return jobs.Job{}, false
	}
	if !j.Due(now) {
		d.log.Debug("job no longer due", logx.String("job", name))
		return jobs.Job{}, false
	}
	return j, true
}

func (d *Dispatcher) stillDueReminder(ctx context.Context, id string, now time.Time) (reminders.Reminder, bool) {
	r, err := d.rem.Get(context.WithoutCancel(ctx), id)
	if err != nil {
		if !errors.Is(err, reminders.ErrNotFound) {
			d.log.Warn("reload reminder failed", logx.String("id", id), logx.Err(err))
		}
		return reminders.Reminder{}, false
	}
	if !r.Due(now) {
		d.log.Debug("reminder no longer due", logx.String("id", id))
		return reminders.Reminder{}, false
	}
	return r, true
}

// launch starts fn for key unless key is held or the concurrency cap is
// reached. A skipped item is picked up again by a later tick.
func (d *Dispatcher) launch(key string, fn func(ctx context.Context)) {
	if !d.guard.tryAcquire(key) {
		d.log.Debug("delivery still in flight", logx.String("key", key))
		return
	}
	d.mu.Lock()
	sem, sup := d.sem, d.sup
	d.mu.Unlock()
	if !sem.TryAcquire(1) {
		d.guard.release(key)
		d.log.Debug("concurrency limit reached, deferring", logx.String("key", key))
		return
	}
	sup.Go0("deliver", func(ctx context.Context) {
		defer sem.Release(1)
		defer d.guard.release(key)
		fn(ctx)
	})
}

func (d *Dispatcher) runJob(ctx context.Context, j jobs.Job) {
	key := jobKey(j.Name)
	started := d.now()
	n := notify.Notification{
		Kind:     notify.KindJob,
		Key:      j.Name,
		Title:    jobTitle(j),
		Message:  fmt.Sprintf("Scheduled run of %s", j.Name),
		Priority: "medium",
		At:       started,
	}
	sendErr := d.deliver(ctx, key, n)
	at := d.now()
	if _, err := d.jobs.CompleteRun(context.WithoutCancel(ctx), j.Name, at, sendErr); err != nil {
		d.log.Error("record job run failed", logx.String("job", j.Name), logx.Err(err))
	}
	d.finish(Outcome{Key: key, Kind: string(notify.KindJob), Name: j.Name, Started: started, Duration: at.Sub(started), Error: errText(sendErr)})
}

func (d *Dispatcher) runReminder(ctx context.Context, r reminders.Reminder) {
	key := reminderKey(r.ID)
	started := d.now()
	store := context.WithoutCancel(ctx)

	sendErr := func() error {
		users, err := d.rem.Recipients(store, r)
		if err != nil {
			return &DeliveryError{Key: key, Err: err}
		}
		return d.deliver(ctx, key, notify.Notification{
			Kind:       notify.KindReminder,
			Key:        r.ID,
			Title:      r.Title,
			Message:    r.Message,
			Priority:   string(r.Priority),
			Recipients: users,
			At:         started,
		})
	}()
	at := d.now()
	out := Outcome{Key: key, Kind: string(notify.KindReminder), Name: r.Title, Started: started, Duration: at.Sub(started), Error: errText(sendErr)}

	if sendErr == nil {
		if _, err := d.rem.MarkSent(store, r.ID, at); err != nil {
			if errors.Is(err, reminders.ErrNotScheduled) || errors.Is(err, reminders.ErrNotFound) {
				d.log.Warn("reminder changed during delivery", logx.String("id", r.ID), logx.Err(err))
			} else {
				d.log.Error("record reminder delivery failed", logx.String("id", r.ID), logx.Err(err))
			}
		}
		d.finish(out)
		return
	}

	_, err := d.rem.RecordFailure(store, r.ID, sendErr, d.config().MaxAttempts)
	switch {
	case errors.Is(err, reminders.ErrAttemptsExhausted):
		out.Final = true
		d.log.Error("reminder delivery abandoned", logx.String("id", r.ID), logx.Err(sendErr))
	case err != nil:
		d.log.Warn("record reminder failure failed", logx.String("id", r.ID), logx.Err(err))
	}
	d.finish(out)
}

// RunManual delivers a job immediately, outside its cadence, and waits for
// the result. A second call for the same job while one is running fails with
// ErrInFlight.
func (d *Dispatcher) RunManual(ctx context.Context, j jobs.Job) error {
	key := manualKey(j.Name)
	if !d.guard.tryAcquire(key) {
		return fmt.Errorf("%w: %s", ErrInFlight, j.Name)
	}
	defer d.guard.release(key)

	started := d.now()
	err := d.deliver(ctx, key, notify.Notification{
		Kind:     notify.KindManual,
		Key:      j.Name,
		Title:    jobTitle(j),
		Message:  fmt.Sprintf("Manual run of %s", j.Name),
		Priority: "medium",
		At:       started,
	})
	d.finish(Outcome{Key: key, Kind: string(notify.KindManual), Name: j.Name, Started: started, Duration: d.now().Sub(started), Error: errText(err)})
	return err
}

// deliver sends n with the configured deadline. A sender that ignores its
// context is abandoned at the deadline and reported as timed out.
func (d *Dispatcher) deliver(ctx context.Context, key string, n notify.Notification) error {
	timeout := d.config().DeliveryTimeout
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("sender panic: %v", p)
			}
		}()
		done <- d.sender.Send(sendCtx, n)
	}()

	var err error
	select {
	case err = <-done:
	case <-sendCtx.Done():
		err = sendCtx.Err()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", timeout, err)
		}
		return &DeliveryError{Key: key, Err: err}
	}
	return nil
}

func (d *Dispatcher) finish(o Outcome) {
	d.history.add(o)
	typ := EventDelivered
	if o.OK() {
		d.log.Info("delivered", logx.String("key", o.Key), logx.Duration("took", o.Duration))
	} else {
		typ = EventFailed
		d.log.Warn("delivery failed", logx.String("key", o.Key), logx.String("error", o.Error))
	}
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: typ, Time: o.Started.Add(o.Duration), Data: o})
	}
}

// History returns recent outcomes, newest first.
func (d *Dispatcher) History() []Outcome { return d.history.list() }

// InFlight returns the keys of deliveries currently running.
func (d *Dispatcher) InFlight() []string { return d.guard.held() }

// Supervisor exposes delivery goroutine stats.
func (d *Dispatcher) Supervisor() supervisor.Snapshot {
	d.mu.Lock()
	sup := d.sup
	d.mu.Unlock()
	return sup.Snapshot()
}

func jobTitle(j jobs.Job) string {
	if j.Description != "" {
		return j.Description
	}
	return j.Name
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// cronLogger routes robfig/cron's logr-style calls into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
