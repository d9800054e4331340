package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"tripdesk/internal/jobs"
	"tripdesk/internal/schedule"
)

// Validate checks everything that can be checked without side effects.
// All problems are reported together.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	dur("http.read_timeout", c.HTTP.ReadTimeout)
	dur("http.write_timeout", c.HTTP.WriteTimeout)
	dur("scheduler.tick", c.Scheduler.Tick)
	dur("dispatcher.delivery_timeout", c.Dispatcher.DeliveryTimeout)
	dur("storage.busy_timeout", c.Storage.BusyTimeout)
	dur("storage.retention", c.Storage.Retention)
	dur("notify.telegram.timeout", c.Notify.Telegram.Timeout)

	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := jobs.LoadZone(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if c.Dispatcher.MaxAttempts < 0 || c.Dispatcher.MaxConcurrent < 0 || c.Dispatcher.HistorySize < 0 {
		add(errors.New("dispatcher: counts must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "memory", "mem":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			add(fmt.Errorf("storage.path is required for driver %q", c.Storage.Driver))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if p := strings.TrimSpace(c.Storage.PruneSchedule); p != "" {
		if _, err := cron.ParseStandard(p); err != nil {
			add(fmt.Errorf("storage.prune_schedule: %w", err))
		}
	}

	if c.Notify.Telegram.Enabled && strings.TrimSpace(c.Notify.Telegram.Token) == "" {
		add(errors.New("notify.telegram.token is required when telegram is enabled"))
	}
	if c.Logging.Alerts.Enabled && !c.Notify.Telegram.Enabled {
		add(errors.New("logging.alerts needs notify.telegram"))
	}

	seenUsers := map[string]bool{}
	for i, u := range c.Users {
		id := strings.TrimSpace(u.ID)
		if id == "" {
			add(fmt.Errorf("users[%d].id is required", i))
			continue
		}
		if seenUsers[id] {
			add(fmt.Errorf("users[%d]: duplicate id %q", i, id))
		}
		seenUsers[id] = true
	}

	seenJobs := map[string]bool{}
	for i, j := range c.Jobs {
		name := strings.TrimSpace(j.Name)
		if name == "" {
			add(fmt.Errorf("jobs[%d].name is required", i))
			continue
		}
		if seenJobs[name] {
			add(fmt.Errorf("jobs[%d]: duplicate name %q", i, name))
		}
		seenJobs[name] = true
		if _, err := j.Spec(); err != nil {
			add(fmt.Errorf("jobs[%d] %s: %w", i, name, err))
		}
	}
	return errors.Join(errs...)
}

// Spec decodes the job's schedule.
func (j JobConfig) Spec() (schedule.Spec, error) {
	kind, err := schedule.ParseKind(j.ScheduleType)
	if err != nil {
		return schedule.Spec{}, err
	}
	return schedule.DecodeMetadata(kind, j.Metadata, schedule.Spec{})
}

// Catalog converts the configured jobs for provisioning.
func (c *Config) Catalog() ([]jobs.Job, error) {
	out := make([]jobs.Job, 0, len(c.Jobs))
	for _, jc := range c.Jobs {
		spec, err := jc.Spec()
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", jc.Name, err)
		}
		out = append(out, jobs.Job{
			Name:        strings.TrimSpace(jc.Name),
			Spec:        spec,
			Description: jc.Description,
			Enabled:     jc.IsEnabled(),
		})
	}
	return out, nil
}

// Durations resolved with defaults. Validate has already rejected bad values,
// so parse errors fall back to the default here.

func (c *Config) Tick() time.Duration {
	return durationOr(c.Scheduler.Tick, time.Second)
}

func (c *Config) DeliveryTimeout() time.Duration {
	return durationOr(c.Dispatcher.DeliveryTimeout, 30*time.Second)
}

func (c *Config) Retention() time.Duration {
	return durationOr(c.Storage.Retention, 90*24*time.Hour)
}

func (c *Config) MaxAttempts() int {
	if c.Dispatcher.MaxAttempts == 0 {
		return 3
	}
	return c.Dispatcher.MaxAttempts
}

func durationOr(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("", raw, def)
	if err != nil {
		return def
	}
	return d
}
