package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tripdesk/internal/bulk"
	"tripdesk/internal/config"
	"tripdesk/internal/dispatch"
	"tripdesk/internal/eventbus"
	"tripdesk/internal/httpapi"
	"tripdesk/internal/jobs"
	"tripdesk/internal/notify"
	"tripdesk/internal/reminders"
	"tripdesk/internal/runtime/supervisor"
	"tripdesk/internal/storage"
	logx "tripdesk/pkg/logx"
	"tripdesk/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	dir        *notify.Directory
	registry   *jobs.Registry
	zones      *jobs.Coordinator
	reminders  *reminders.Service
	dispatcher *dispatch.Dispatcher
	api        *httpapi.Server
}

// New loads the config file and builds every component. Nothing runs until
// Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO"))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The alert sink needs the Telegram sender, which needs a logger. Start
	// with alerts off, attach the sink, then apply the real config.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Alerts.Enabled = false
	logSvc, log := logx.New(bootCfg)
	appLog := log.With(logx.String("comp", "app"))

	fail := func(err error, closers ...func() error) (*App, error) {
		for _, c := range closers {
			_ = c()
		}
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	store, err := storage.Open(mapStorageConfig(cfg), log)
	if err != nil {
		return fail(err)
	}

	reg, err := jobs.NewRegistry(ctx, store, jobs.Options{
		Log:         log.With(logx.String("comp", "jobs")),
		Bus:         bus,
		DefaultZone: cfg.Scheduler.Timezone,
	})
	if err != nil {
		return fail(err, store.Close)
	}
	catalog, err := cfg.Catalog()
	if err != nil {
		return fail(err, store.Close)
	}
	added, err := reg.Provision(ctx, catalog)
	if err != nil {
		return fail(err, store.Close)
	}
	if len(added) > 0 {
		appLog.Info("jobs provisioned", logx.Strings("jobs", added))
	}

	dir := notify.NewDirectory(mapUsers(cfg))
	rems := reminders.NewService(store, reminders.Options{
		Directory: dir,
		Log:       log.With(logx.String("comp", "reminders")),
		Bus:       bus,
	})

	var senders notify.Multi
	if cfg.Notify.Log || !cfg.Notify.Telegram.Enabled {
		senders = append(senders, notify.LogSender{Log: log.With(logx.String("comp", "notify"))})
	}
	if cfg.Notify.Telegram.Enabled {
		tg, err := notify.NewTelegramSender(mapTelegramConfig(cfg), dir, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return fail(err, store.Close)
		}
		senders = append(senders, tg)
		logSvc.SetAlertSender(tg)
	}
	logSvc.Apply(logCfg)

	disp := dispatch.New(mapDispatchConfig(cfg), reg, rems, senders, dispatch.Options{
		Log: log.With(logx.String("comp", "dispatch")),
		Bus: bus,
	})
	reg.SetRunner(disp)

	zones := jobs.NewCoordinator(reg)
	api := httpapi.New(mapHTTPConfig(cfg), httpapi.Deps{
		Jobs:         reg,
		Zones:        zones,
		Reminders:    rems,
		ReminderBulk: reminderBulk(rems, log),
		JobBulk:      jobBulk(reg, log),
		Dispatch:     disp,
	}, log)

	return &App{
		cfgm:       cfgm,
		log:        appLog,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		dir:        dir,
		registry:   reg,
		zones:      zones,
		reminders:  rems,
		dispatcher: disp,
		api:        api,
	}, nil
}

func reminderBulk(rems *reminders.Service, log logx.Logger) *bulk.Coordinator {
	b := bulk.New("reminders", log)
	b.Register("delete", rems.Delete)
	b.Register("purge", rems.Purge)
	b.Register("restore", func(ctx context.Context, id string) error {
		_, err := rems.Restore(ctx, id)
		return err
	})
	b.Register("cancel", func(ctx context.Context, id string) error {
		_, err := rems.Cancel(ctx, id, "bulk cancel")
		return err
	})
	return b
}

func jobBulk(reg *jobs.Registry, log logx.Logger) *bulk.Coordinator {
	b := bulk.New("jobs", log)
	b.Register("enable", func(ctx context.Context, name string) error {
		_, err := reg.SetEnabled(ctx, name, true)
		return err
	})
	b.Register("disable", func(ctx context.Context, name string) error {
		_, err := reg.SetEnabled(ctx, name, false)
		return err
	})
	b.Register("trigger", reg.TriggerNow)
	return b
}

// Addr is the API listen address once started.
func (a *App) Addr() string { return a.api.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	if err := a.dispatcher.Start(a.sup.Context()); err != nil {
		return err
	}
	if expr := strings.TrimSpace(cfg.Storage.PruneSchedule); expr != "" {
		if err := a.dispatcher.Housekeep("reminders.prune", expr, a.prune); err != nil {
			return err
		}
	}

	a.sup.GoRestart("audit", func(c context.Context) error {
		return auditLoop(c, a.bus, a.store, a.log)
	}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	if err := a.api.Start(a.sup.Context()); err != nil {
		return err
	}

	if ok, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		_, _ = systemd.Status(fmt.Sprintf("serving on %s, zone %s", a.api.Addr(), a.registry.Zone()))
	}
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c, a.healthy, a.log)
	})

	a.log.Info("app started",
		logx.String("addr", a.api.Addr()),
		logx.String("zone", a.registry.Zone().String()),
		logx.Int("jobs", len(a.registry.List())))
	return nil
}

// applyConfig pushes a reloaded config into the live components. Sections
// listed by config.RestartRequired are only reported.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.logs.Apply(mapLogConfig(next))
	a.dispatcher.Apply(mapDispatchConfig(next))
	a.dir.Set(mapUsers(next))

	if pending := config.RestartRequired(sections); len(pending) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.Strings("sections", pending))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) prune(ctx context.Context) {
	cfg := a.cfgm.Get()
	before := time.Now().Add(-cfg.Retention())
	n, err := a.reminders.Prune(ctx, before)
	if err != nil {
		a.log.Warn("reminder prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		a.log.Info("reminders pruned", logx.Int("count", n), logx.Time("before", before))
	}
}

func (a *App) healthy() error {
	if err := a.sup.Err(); err != nil {
		return err
	}
	if a.sup.Context().Err() != nil {
		return errors.New("app stopping")
	}
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	// Cancel first so background loops start unwinding while the steps run.
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := a.stopStep(ctx, name, max, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("httpapi", 3*time.Second, a.api.Stop)
	step("dispatcher", 5*time.Second, a.dispatcher.Stop)
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// stopStep runs fn with an upper bound that never extends ctx's deadline.
// A step that overruns is logged and left behind; its late result is
// logged too.
func (a *App) stopStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return context.DeadlineExceeded
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			return err
		}
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return nil
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name),
				logx.Err(err),
				logx.Duration("took", time.Since(start)))
		}()
		return stepCtx.Err()
	}
}
