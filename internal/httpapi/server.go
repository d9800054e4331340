// Package httpapi serves the back-office REST API: job schedules, the
// scheduling zone, manual triggers and reminders.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"tripdesk/internal/bulk"
	"tripdesk/internal/dispatch"
	"tripdesk/internal/jobs"
	"tripdesk/internal/reminders"
	rtsup "tripdesk/internal/runtime/supervisor"
	logx "tripdesk/pkg/logx"
)

// Config controls the listener.
//
// Security: with no tokens every route is open. Prefer a loopback Addr then.
type Config struct {
	Addr         string
	Tokens       []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// JobService is the part of jobs.Registry the API drives.
type JobService interface {
	Zone() *time.Location
	Get(name string) (jobs.Job, error)
	List() []jobs.Job
	Edit(ctx context.Context, name string, e jobs.Edit) (jobs.Job, error)
	SetEnabled(ctx context.Context, name string, enabled bool) (jobs.Job, error)
	TriggerNow(ctx context.Context, name string) error
}

// ZoneService is the part of jobs.Coordinator the API drives.
type ZoneService interface {
	SetZone(ctx context.Context, name string) error
	Zones(now time.Time) []jobs.ZoneInfo
}

// ReminderService is the part of reminders.Service the API drives.
type ReminderService interface {
	Create(ctx context.Context, d reminders.Draft) (reminders.Reminder, error)
	Get(ctx context.Context, id string) (reminders.Reminder, error)
	List(ctx context.Context, f reminders.Filter) ([]reminders.Reminder, error)
	Update(ctx context.Context, id string, p reminders.Patch) (reminders.Reminder, error)
	Cancel(ctx context.Context, id, reason string) (reminders.Reminder, error)
	Delete(ctx context.Context, id string) error
	Restore(ctx context.Context, id string) (reminders.Reminder, error)
	Purge(ctx context.Context, id string) error
}

// BulkApplier runs one action over many ids.
type BulkApplier interface {
	Apply(ctx context.Context, action string, ids []string) (bulk.Result, error)
}

// DispatchView exposes recent delivery outcomes.
type DispatchView interface {
	History() []dispatch.Outcome
	InFlight() []string
}

// Deps are the services behind the routes. History and the bulk appliers
// are optional; their routes answer 503 when unset.
type Deps struct {
	Jobs         JobService
	Zones        ZoneService
	Reminders    ReminderService
	ReminderBulk BulkApplier
	JobBulk      BulkApplier
	Dispatch     DispatchView
	Now          func() time.Time
}

// PreviewRuns is how many upcoming fire times each schedule lists.
const PreviewRuns = 5

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	handler http.Handler

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Server{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "httpapi"))}
	s.handler = s.routes()
	return s
}

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/scheduler/schedules", s.listSchedules)
	mux.HandleFunc("PUT /api/scheduler/schedules/{jobName}", s.updateSchedule)
	mux.HandleFunc("PATCH /api/scheduler/schedules/{jobName}/toggle", s.toggleSchedule)
	mux.HandleFunc("POST /api/scheduler/schedules/bulk", s.bulkSchedules)
	mux.HandleFunc("GET /api/scheduler/timezones", s.listTimezones)
	mux.HandleFunc("PUT /api/scheduler/timezone", s.setTimezone)
	mux.HandleFunc("POST /api/scheduler/trigger/{jobName}", s.triggerJob)
	mux.HandleFunc("GET /api/scheduler/history", s.history)

	mux.HandleFunc("GET /api/notifications/reminders", s.listReminders)
	mux.HandleFunc("POST /api/notifications/reminders", s.createReminder)
	mux.HandleFunc("POST /api/notifications/reminders/bulk", s.bulkReminders)
	mux.HandleFunc("GET /api/notifications/reminders/{id}", s.getReminder)
	mux.HandleFunc("PUT /api/notifications/reminders/{id}", s.updateReminder)
	mux.HandleFunc("DELETE /api/notifications/reminders/{id}", s.deleteReminder)
	mux.HandleFunc("POST /api/notifications/reminders/{id}/restore", s.restoreReminder)
	mux.HandleFunc("POST /api/notifications/reminders/{id}/cancel", s.cancelReminder)

	mux.HandleFunc("GET /healthz", s.healthz)

	return s.withAuth(mux)
}

// Start binds the listener and serves in the background until Stop or ctx
// ends. A bind failure is returned; later serve failures are retried.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}

	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	if len(s.cfg.Tokens) == 0 && !isLoopbackAddr(addr) {
		s.log.Warn("api running without tokens on non-loopback addr (insecure)", logx.String("addr", addr))
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	first := ln
	s.sup.GoRestart("http.serve", func(c context.Context) error {
		l := first
		first = nil
		if l == nil {
			var err error
			if l, err = net.Listen("tcp", addr); err != nil {
				return err
			}
		}
		return s.serveOnce(c, l)
	},
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
	s.log.Info("api started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", len(s.cfg.Tokens) > 0))
	return nil
}

// serveOnce serves ln with a fresh http.Server. A nil return means the
// server was shut down on purpose.
func (s *Server) serveOnce(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}
	s.mu.Lock()
	s.ln, s.srv = ln, srv
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	})
	defer stop()

	err := srv.Serve(ln)
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	if err == nil {
		return errors.New("api server exited unexpectedly")
	}
	s.log.Warn("api serve failed", logx.Err(err))
	return err
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts the server down gracefully, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup, s.ln = nil, nil, nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	var err error
	if srv != nil {
		if err = srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
		}
	}
	_ = sup.Wait(ctx)
	s.log.Info("api stopped")
	return err
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
