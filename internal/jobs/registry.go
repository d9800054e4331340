package jobs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"tripdesk/internal/eventbus"
	"tripdesk/internal/schedule"
	logx "tripdesk/pkg/logx"
)

// Options configures a Registry.
type Options struct {
	Log logx.Logger
	Bus eventbus.Bus
	Now func() time.Time

	// DefaultZone seeds the scheduling zone when none has been persisted yet.
	DefaultZone string
}

// Registry holds the named recurring jobs and the process-wide scheduling zone.
//
// All mutations take the write lock; Due takes the read lock, so the dispatch
// loop never observes a half-recomputed registry.
type Registry struct {
	mu sync.RWMutex

	repo Repository
	log  logx.Logger
	bus  eventbus.Bus
	now  func() time.Time

	loc  *time.Location
	jobs map[string]*Job

	runnerMu sync.RWMutex
	runner   ManualRunner
}

// NewRegistry loads jobs and the zone from repo.
func NewRegistry(ctx context.Context, repo Repository, opt Options) (*Registry, error) {
	if repo == nil {
		return nil, fmt.Errorf("jobs: repository is required")
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	r := &Registry{
		repo: repo,
		log:  opt.Log,
		bus:  opt.Bus,
		now:  opt.Now,
		jobs: map[string]*Job{},
	}

	stored, err := repo.LoadZone(ctx)
	if err != nil {
		return nil, fmt.Errorf("load zone: %w", err)
	}
	zone := strings.TrimSpace(stored)
	if zone == "" {
		zone = strings.TrimSpace(opt.DefaultZone)
	}
	if zone == "" {
		zone = "UTC"
	}
	loc, err := LoadZone(zone)
	if err != nil {
		if stored != "" {
			return nil, fmt.Errorf("persisted zone %q: %w", stored, err)
		}
		return nil, fmt.Errorf("scheduler.timezone %q: %w", zone, err)
	}
	r.loc = loc

	list, err := repo.LoadJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	now := r.now()
	for i := range list {
		j := list[i].Clone()
		// Jobs persisted without a next run (or enabled by hand in storage) get one now.
		if j.Enabled && j.NextRunAt == nil {
			r.refreshLocked(&j, now)
		}
		if !j.Enabled {
			j.NextRunAt = nil
		}
		r.jobs[j.Name] = &j
	}

	if stored == "" {
		if err := repo.CommitZone(ctx, loc.String(), r.snapshotLocked()); err != nil {
			return nil, fmt.Errorf("seed zone: %w", err)
		}
	}
	r.log.Info("registry loaded", logx.String("tz", loc.String()), logx.Int("jobs", len(r.jobs)))
	return r, nil
}

// SetRunner attaches the manual trigger path (the dispatcher).
func (r *Registry) SetRunner(m ManualRunner) {
	r.runnerMu.Lock()
	r.runner = m
	r.runnerMu.Unlock()
}

// Zone returns the current scheduling zone.
func (r *Registry) Zone() *time.Location {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loc
}

func (r *Registry) Get(name string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[name]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return j.Clone(), nil
}

// List returns copies of all jobs sorted by name.
func (r *Registry) List() []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// SetEnabled flips the enabled flag. Enabling a disabled job computes the next
// run from now; disabling clears it. An in-flight dispatch is not interrupted.
func (r *Registry) SetEnabled(ctx context.Context, name string, enabled bool) (Job, error) {
	return r.Edit(ctx, name, Edit{Enabled: &enabled})
}

// UpdateSpec validates spec and replaces the job's schedule.
func (r *Registry) UpdateSpec(ctx context.Context, name string, spec schedule.Spec, description *string) (Job, error) {
	return r.Edit(ctx, name, Edit{Spec: &spec, Description: description})
}

// Edit applies every field of e in one step: either all of them are persisted
// or the job is left unchanged.
func (r *Registry) Edit(ctx context.Context, name string, e Edit) (Job, error) {
	if e.Spec != nil {
		if err := e.Spec.Validate(); err != nil {
			return Job{}, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.jobs[name]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	next := cur.Clone()
	now := r.now()
	if e.Spec != nil {
		next.Spec = e.Spec.Clone()
	}
	if e.Description != nil {
		next.Description = strings.TrimSpace(*e.Description)
	}
	if e.Enabled != nil {
		next.Enabled = *e.Enabled
	}
	// Re-enabling an enabled job or resubmitting its spec keeps a pending
	// occurrence.
	if next.Enabled != cur.Enabled || !next.Spec.Equal(cur.Spec) {
		r.refreshLocked(&next, now)
	}
	next.UpdatedAt = now

	if err := r.repo.SaveJob(ctx, next); err != nil {
		return Job{}, fmt.Errorf("save job %s: %w", name, err)
	}
	*cur = next
	r.log.Info("job updated",
		logx.String("job", name),
		logx.Bool("enabled", next.Enabled),
		logx.String("schedule", schedule.Describe(next.Spec, r.loc)),
		logx.Any("next_run_at", next.NextRunAt),
	)
	r.publish(EventJobUpdated, next.Clone())
	return next.Clone(), nil
}

// TriggerNow runs the job once through the attached runner, outside its
// cadence. Only the manual-run fields are recorded; LastRunAt and NextRunAt
// are left alone. A delivery failure is returned and not retried.
func (r *Registry) TriggerNow(ctx context.Context, name string) error {
	j, err := r.Get(name)
	if err != nil {
		return err
	}
	r.runnerMu.RLock()
	runner := r.runner
	r.runnerMu.RUnlock()
	if runner == nil {
		return ErrNoRunner
	}

	runErr := runner.RunManual(ctx, j)
	at := r.now()

	r.mu.Lock()
	cur, ok := r.jobs[name]
	if ok {
		next := cur.Clone()
		next.LastManualRunAt = timePtr(at)
		next.LastManualError = errText(runErr)
		if err := r.repo.SaveJob(ctx, next); err != nil {
			r.log.Warn("manual run not recorded", logx.String("job", name), logx.Err(err))
		} else {
			*cur = next
		}
	}
	r.mu.Unlock()

	r.publish(EventManualRun, ManualRun{Name: name, At: at, Error: errText(runErr)})
	return runErr
}

// Provision inserts the catalog jobs that are not stored yet and returns their
// names. Stored jobs keep their persisted state.
func (r *Registry) Provision(ctx context.Context, catalog []Job) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var added []string
	for _, def := range catalog {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return added, fmt.Errorf("%w: empty name", ErrInvalidJob)
		}
		if _, ok := r.jobs[name]; ok {
			continue
		}
		if err := def.Spec.Validate(); err != nil {
			return added, fmt.Errorf("%w: %s: %w", ErrInvalidJob, name, err)
		}
		j := Job{
			Name:        name,
			Spec:        def.Spec.Clone(),
			Description: strings.TrimSpace(def.Description),
			Enabled:     def.Enabled,
			UpdatedAt:   now,
		}
		r.refreshLocked(&j, now)
		if err := r.repo.SaveJob(ctx, j); err != nil {
			return added, fmt.Errorf("save job %s: %w", name, err)
		}
		r.jobs[name] = &j
		added = append(added, name)
	}
	if len(added) > 0 {
		r.log.Info("jobs provisioned", logx.Strings("jobs", added))
	}
	return added, nil
}

// Due returns copies of every job whose next run is at or before now.
func (r *Registry) Due(now time.Time) []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Job
	for _, j := range r.jobs {
		if j.Due(now) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// CompleteRun records the outcome of a scheduled dispatch and advances the
// cadence from at. The cadence advances on failure too: a missed slot is not
// retried.
func (r *Registry) CompleteRun(ctx context.Context, name string, at time.Time, runErr error) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.jobs[name]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	next := cur.Clone()
	if runErr == nil {
		next.LastRunAt = timePtr(at)
		next.LastError = ""
	} else {
		next.LastError = runErr.Error()
	}
	// A job disabled while its delivery was in flight stays without a next run.
	if next.Enabled {
		next.NextRunAt = nextRun(next.Spec, r.loc, at)
	}
	next.UpdatedAt = r.now()
	if err := r.repo.SaveJob(ctx, next); err != nil {
		return Job{}, fmt.Errorf("save job %s: %w", name, err)
	}
	*cur = next
	return next.Clone(), nil
}

func (r *Registry) refreshLocked(j *Job, now time.Time) {
	if !j.Enabled {
		j.NextRunAt = nil
		return
	}
	j.NextRunAt = nextRun(j.Spec, r.loc, now)
}

func (r *Registry) snapshotLocked() []Job {
	out := make([]Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (r *Registry) publish(typ string, data any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: r.now(), Data: data})
}

func nextRun(spec schedule.Spec, loc *time.Location, after time.Time) *time.Time {
	t := schedule.NextFireAfter(spec, loc, after)
	if t.IsZero() {
		return nil
	}
	return timePtr(t)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
