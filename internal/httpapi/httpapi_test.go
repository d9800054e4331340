package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"tripdesk/internal/bulk"
	"tripdesk/internal/dispatch"
	"tripdesk/internal/jobs"
	"tripdesk/internal/notify"
	"tripdesk/internal/reminders"
	"tripdesk/internal/schedule"
	"tripdesk/internal/storage"
	logx "tripdesk/pkg/logx"
)

// 12:00 in Dubai.
var testNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type fakeRunner struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (f *fakeRunner) RunManual(ctx context.Context, j jobs.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, j.Name)
	return f.err
}

type fakeDispatch struct{}

func (fakeDispatch) History() []dispatch.Outcome {
	return []dispatch.Outcome{{Key: "job:daily-summary", Kind: "job", Name: "daily-summary", Started: testNow}}
}

func (fakeDispatch) InFlight() []string { return []string{"reminder:r1"} }

type harness struct {
	t      *testing.T
	srv    *httptest.Server
	runner *fakeRunner
	rems   *reminders.Service
	token  string
}

func newHarness(t *testing.T, tokens ...string) *harness {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	now := func() time.Time { return testNow }
	reg, err := jobs.NewRegistry(ctx, store, jobs.Options{Now: now, DefaultZone: "Asia/Dubai"})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if _, err := reg.Provision(ctx, []jobs.Job{
		{Name: "daily-summary", Spec: schedule.Daily(9, 0), Description: "Daily bookings summary", Enabled: true},
		{Name: "checkin-reminder-emails", Spec: schedule.Every(3600), Enabled: true},
	}); err != nil {
		t.Fatalf("provision: %v", err)
	}
	runner := &fakeRunner{}
	reg.SetRunner(runner)

	dir := notify.NewDirectory([]notify.User{{ID: "agent-1"}, {ID: "agent-2"}})
	rems := reminders.NewService(store, reminders.Options{Directory: dir, Now: now})

	remBulk := bulk.New("reminders", logx.Nop())
	remBulk.Register("delete", func(ctx context.Context, id string) error { return rems.Delete(ctx, id) })
	jobBulk := bulk.New("jobs", logx.Nop())
	jobBulk.Register("disable", func(ctx context.Context, name string) error {
		_, err := reg.SetEnabled(ctx, name, false)
		return err
	})

	s := New(Config{Tokens: tokens}, Deps{
		Jobs:         reg,
		Zones:        jobs.NewCoordinator(reg),
		Reminders:    rems,
		ReminderBulk: remBulk,
		JobBulk:      jobBulk,
		Dispatch:     fakeDispatch{},
		Now:          now,
	}, logx.Nop())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	h := &harness{t: t, srv: ts, runner: runner, rems: rems}
	if len(tokens) > 0 {
		h.token = tokens[0]
	}
	return h
}

// do sends body (JSON-encoded unless it is a string) and decodes the
// response into out when out is non-nil.
func (h *harness) do(method, path string, body any, out any) int {
	h.t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			h.t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	if err != nil {
		h.t.Fatalf("request: %v", err)
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	resp, err := h.srv.Client().Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			h.t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

type schedulesResp struct {
	Schedules []jobView `json:"schedules"`
	Timezone  string    `json:"timezone"`
}

func (h *harness) schedule(name string) jobView {
	h.t.Helper()
	var resp schedulesResp
	if code := h.do(http.MethodGet, "/api/scheduler/schedules", nil, &resp); code != http.StatusOK {
		h.t.Fatalf("list schedules: %d", code)
	}
	for _, j := range resp.Schedules {
		if j.Name == name {
			return j
		}
	}
	h.t.Fatalf("schedule %s not listed", name)
	return jobView{}
}

func TestAuth(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "s3cret")

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing", header: "", want: http.StatusUnauthorized},
		{name: "wrong", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "not bearer", header: "Basic s3cret", want: http.StatusUnauthorized},
		{name: "ok", header: "Bearer s3cret", want: http.StatusOK},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/healthz", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		resp, err := h.srv.Client().Do(req)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Fatalf("%s: status = %d, want %d", tt.name, resp.StatusCode, tt.want)
		}
	}
}

func TestListSchedules(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var resp schedulesResp
	if code := h.do(http.MethodGet, "/api/scheduler/schedules", nil, &resp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if resp.Timezone != "Asia/Dubai" || len(resp.Schedules) != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	j := h.schedule("daily-summary")
	want := time.Date(2026, 3, 3, 5, 0, 0, 0, time.UTC)
	if j.ScheduleType != "daily" || j.NextRunAt == nil || !j.NextRunAt.Equal(want) {
		t.Fatalf("daily-summary = %+v", j)
	}
	if j.Metadata.Hour == nil || *j.Metadata.Hour != 9 || j.HumanReadable == "" {
		t.Fatalf("metadata = %+v, human = %q", j.Metadata, j.HumanReadable)
	}
	if len(j.NextRuns) != PreviewRuns || !j.NextRuns[0].Equal(want) || !j.NextRuns[1].Equal(want.Add(24*time.Hour)) {
		t.Fatalf("nextRuns = %v", j.NextRuns)
	}
}

func TestUpdateSchedule(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var j jobView
	if code := h.do(http.MethodPut, "/api/scheduler/schedules/daily-summary",
		map[string]any{"metadata": map[string]any{"minute": 30}, "description": "Bookings digest"}, &j); code != http.StatusOK {
		t.Fatalf("partial update status = %d", code)
	}
	if *j.Metadata.Hour != 9 || *j.Metadata.Minute != 30 || j.Description != "Bookings digest" {
		t.Fatalf("partial update = %+v", j)
	}
	if want := time.Date(2026, 3, 3, 5, 30, 0, 0, time.UTC); j.NextRunAt == nil || !j.NextRunAt.Equal(want) {
		t.Fatalf("nextRunAt = %v, want %v", j.NextRunAt, want)
	}

	if code := h.do(http.MethodPut, "/api/scheduler/schedules/daily-summary",
		map[string]any{"scheduleType": "weekly", "metadata": map[string]any{"hour": 7, "minute": 0, "dayOfWeek": []int{1, 3}}}, &j); code != http.StatusOK {
		t.Fatalf("kind change status = %d", code)
	}
	if j.ScheduleType != "weekly" || len(j.Metadata.DayOfWeek) != 2 {
		t.Fatalf("kind change = %+v", j)
	}

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{name: "hour out of range", path: "daily-summary", body: map[string]any{"metadata": map[string]any{"hour": 25}}, want: http.StatusBadRequest},
		{name: "unknown type", path: "daily-summary", body: map[string]any{"scheduleType": "hourly"}, want: http.StatusBadRequest},
		{name: "interval needs seconds", path: "daily-summary", body: map[string]any{"scheduleType": "interval"}, want: http.StatusBadRequest},
		{name: "unknown field", path: "daily-summary", body: `{"cron":"* * * * *"}`, want: http.StatusBadRequest},
		{name: "unknown job", path: "nope", body: map[string]any{"enabled": false}, want: http.StatusNotFound},
	}
	for _, tt := range tests {
		var e errorBody
		if code := h.do(http.MethodPut, "/api/scheduler/schedules/"+tt.path, tt.body, &e); code != tt.want || e.Error == "" {
			t.Fatalf("%s: status = %d (%q), want %d", tt.name, code, e.Error, tt.want)
		}
	}
}

func TestToggleSchedule(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var j jobView
	if code := h.do(http.MethodPatch, "/api/scheduler/schedules/daily-summary/toggle", map[string]any{"enabled": false}, &j); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if j.Enabled || j.NextRunAt != nil || len(j.NextRuns) != 0 {
		t.Fatalf("disabled job = %+v", j)
	}
	if code := h.do(http.MethodPatch, "/api/scheduler/schedules/daily-summary/toggle", map[string]any{"enabled": true}, &j); code != http.StatusOK || j.NextRunAt == nil {
		t.Fatalf("re-enable = %d, %+v", code, j)
	}
	if code := h.do(http.MethodPatch, "/api/scheduler/schedules/daily-summary/toggle", `{}`, nil); code != http.StatusBadRequest {
		t.Fatalf("missing enabled = %d", code)
	}
}

func TestSetTimezone(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var zones struct {
		Timezones []jobs.ZoneInfo `json:"timezones"`
		Current   string          `json:"current"`
	}
	if code := h.do(http.MethodGet, "/api/scheduler/timezones", nil, &zones); code != http.StatusOK || len(zones.Timezones) == 0 || zones.Current != "Asia/Dubai" {
		t.Fatalf("timezones = %d, %+v", code, zones)
	}

	if code := h.do(http.MethodPut, "/api/scheduler/timezone", map[string]any{"timezone": "Mars/Olympus"}, nil); code != http.StatusBadRequest {
		t.Fatalf("invalid zone = %d", code)
	}
	if code := h.do(http.MethodPut, "/api/scheduler/timezone", map[string]any{"timezone": "Europe/Berlin"}, nil); code != http.StatusOK {
		t.Fatalf("valid zone = %d", code)
	}
	// 09:00 in Berlin (UTC+1 in March before DST).
	j := h.schedule("daily-summary")
	if want := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC).Add(24 * time.Hour); j.NextRunAt == nil || !j.NextRunAt.Equal(want) {
		t.Fatalf("nextRunAt = %v, want %v", j.NextRunAt, want)
	}
	// The interval job ignores the zone.
	if e := h.schedule("checkin-reminder-emails"); e.NextRunAt == nil || !e.NextRunAt.Equal(testNow.Add(time.Hour)) {
		t.Fatalf("interval nextRunAt = %v", e.NextRunAt)
	}
}

func TestTriggerJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var msg messageBody
	if code := h.do(http.MethodPost, "/api/scheduler/trigger/daily-summary", nil, &msg); code != http.StatusOK || msg.Message == "" {
		t.Fatalf("trigger = %d, %+v", code, msg)
	}
	before := h.schedule("daily-summary")
	if before.LastManualRunAt == nil || before.LastRunAt != nil {
		t.Fatalf("manual run bookkeeping = %+v", before)
	}

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "delivery failure", err: &dispatch.DeliveryError{Key: "manual:daily-summary", Err: errors.New("smtp down")}, want: http.StatusBadGateway},
		{name: "overlap", err: dispatch.ErrInFlight, want: http.StatusConflict},
	}
	for _, tt := range tests {
		h.runner.mu.Lock()
		h.runner.err = tt.err
		h.runner.mu.Unlock()
		if code := h.do(http.MethodPost, "/api/scheduler/trigger/daily-summary", nil, nil); code != tt.want {
			t.Fatalf("%s: status = %d, want %d", tt.name, code, tt.want)
		}
	}
	if code := h.do(http.MethodPost, "/api/scheduler/trigger/nope", nil, nil); code != http.StatusNotFound {
		t.Fatalf("unknown job = %d", code)
	}
	after := h.schedule("daily-summary")
	if !after.NextRunAt.Equal(*before.NextRunAt) || after.LastManualError == "" {
		t.Fatalf("after failed trigger = %+v", after)
	}
}

func TestReminderLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	base := "/api/notifications/reminders"

	if code := h.do(http.MethodPost, base, map[string]any{
		"title": "Visa docs", "scheduledFor": testNow.Add(-time.Minute), "targetUsers": []string{"agent-1"},
	}, nil); code != http.StatusBadRequest {
		t.Fatalf("past create = %d", code)
	}
	if code := h.do(http.MethodPost, base, map[string]any{
		"title": "Visa docs", "scheduledFor": testNow.Add(time.Hour),
	}, nil); code != http.StatusBadRequest {
		t.Fatalf("no recipients = %d", code)
	}

	var rem reminderView
	if code := h.do(http.MethodPost, base, map[string]any{
		"title": "Visa docs", "message": "Collect passports", "scheduledFor": testNow.Add(time.Hour),
		"targetUsers": []string{"agent-1"}, "priority": "high",
	}, &rem); code != http.StatusCreated {
		t.Fatalf("create = %d", code)
	}
	if rem.ID == "" || rem.Status != "scheduled" || rem.Priority != "high" || len(rem.TargetUsers) != 1 {
		t.Fatalf("created = %+v", rem)
	}
	item := base + "/" + rem.ID

	if code := h.do(http.MethodPut, item, map[string]any{"scheduledFor": testNow}, nil); code != http.StatusBadRequest {
		t.Fatalf("update to now = %d", code)
	}
	if code := h.do(http.MethodPut, item, map[string]any{"title": "Visa documents"}, &rem); code != http.StatusOK || rem.Title != "Visa documents" {
		t.Fatalf("title update = %d, %+v", code, rem)
	}

	var list struct {
		Data []reminderView `json:"data"`
	}
	if code := h.do(http.MethodDelete, item, nil, nil); code != http.StatusOK {
		t.Fatalf("trash = %d", code)
	}
	h.do(http.MethodGet, base, nil, &list)
	if len(list.Data) != 0 {
		t.Fatalf("live list = %+v", list.Data)
	}
	h.do(http.MethodGet, base+"?trashed=true", nil, &list)
	if len(list.Data) != 1 || list.Data[0].DeletedAt == nil {
		t.Fatalf("trash list = %+v", list.Data)
	}
	if code := h.do(http.MethodPost, item+"/restore", nil, &rem); code != http.StatusOK || rem.DeletedAt != nil {
		t.Fatalf("restore = %d, %+v", code, rem)
	}
	if code := h.do(http.MethodPost, item+"/restore", nil, nil); code != http.StatusConflict {
		t.Fatalf("second restore = %d", code)
	}

	if code := h.do(http.MethodPost, item+"/cancel", map[string]any{"reason": "trip called off"}, &rem); code != http.StatusOK {
		t.Fatalf("cancel = %d", code)
	}
	if rem.Status != "cancelled" || rem.CancelReason != "trip called off" {
		t.Fatalf("cancelled = %+v", rem)
	}
	if code := h.do(http.MethodPut, item, map[string]any{"title": "again"}, nil); code != http.StatusConflict {
		t.Fatalf("update cancelled = %d", code)
	}
	h.do(http.MethodGet, base+"?status=cancelled", nil, &list)
	if len(list.Data) != 1 {
		t.Fatalf("cancelled list = %+v", list.Data)
	}
	if code := h.do(http.MethodGet, base+"?status=lost", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("bad status filter = %d", code)
	}

	if code := h.do(http.MethodDelete, item+"?permanent=true", nil, nil); code != http.StatusOK {
		t.Fatalf("purge = %d", code)
	}
	if code := h.do(http.MethodGet, item, nil, nil); code != http.StatusNotFound {
		t.Fatalf("get purged = %d", code)
	}
}

func TestInstantSystemWideReminder(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var rem reminderView
	if code := h.do(http.MethodPost, "/api/notifications/reminders", map[string]any{
		"title": "Office closes early", "isSystemWide": true, "instant": true,
	}, &rem); code != http.StatusCreated {
		t.Fatalf("create = %d", code)
	}
	if !rem.IsSystemWide || !rem.ScheduledFor.Equal(testNow) || len(rem.TargetUsers) != 0 {
		t.Fatalf("instant = %+v", rem)
	}
}

func TestBulk(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	r1, err := h.rems.Create(context.Background(), reminders.Draft{Title: "a", ScheduledFor: testNow.Add(time.Hour), SystemWide: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var res bulk.Result
	if code := h.do(http.MethodPost, "/api/notifications/reminders/bulk",
		map[string]any{"action": "delete", "ids": []string{r1.ID, "missing", r1.ID}}, &res); code != http.StatusOK {
		t.Fatalf("bulk = %d", code)
	}
	if len(res.Succeeded) != 1 || res.Succeeded[0] != r1.ID || len(res.Failed) != 1 || res.Failed[0].ID != "missing" {
		t.Fatalf("result = %+v", res)
	}
	if code := h.do(http.MethodPost, "/api/notifications/reminders/bulk", map[string]any{"action": "explode", "ids": []string{r1.ID}}, nil); code != http.StatusBadRequest {
		t.Fatalf("unknown action = %d", code)
	}

	// A sent reminder fails the delete; the others in the batch are still trashed.
	ctx := context.Background()
	var ids []string
	for _, title := range []string{"Visa check", "Hotel voucher", "Seat upgrade"} {
		r, err := h.rems.Create(ctx, reminders.Draft{Title: title, Instant: true, TargetUsers: []string{"agent-1"}})
		if err != nil {
			t.Fatalf("create %s: %v", title, err)
		}
		ids = append(ids, r.ID)
	}
	if _, err := h.rems.MarkSent(ctx, ids[1], testNow); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	var mixed bulk.Result
	if code := h.do(http.MethodPost, "/api/notifications/reminders/bulk",
		map[string]any{"action": "delete", "ids": ids}, &mixed); code != http.StatusOK {
		t.Fatalf("mixed bulk = %d", code)
	}
	if len(mixed.Succeeded) != 2 || mixed.Succeeded[0] != ids[0] || mixed.Succeeded[1] != ids[2] {
		t.Fatalf("succeeded = %v", mixed.Succeeded)
	}
	if len(mixed.Failed) != 1 || mixed.Failed[0].ID != ids[1] || mixed.Failed[0].Error == "" {
		t.Fatalf("failed = %+v", mixed.Failed)
	}
	for i, id := range ids {
		r, err := h.rems.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get %s: %v", id, err)
		}
		if trashed := i != 1; r.Trashed() != trashed {
			t.Fatalf("%s trashed = %v, want %v", id, r.Trashed(), trashed)
		}
	}
	if r, _ := h.rems.Get(ctx, ids[1]); r.Status != reminders.StatusSent {
		t.Fatalf("sent reminder status = %s", r.Status)
	}

	if code := h.do(http.MethodPost, "/api/scheduler/schedules/bulk",
		map[string]any{"action": "disable", "ids": []string{"daily-summary", "checkin-reminder-emails"}}, &res); code != http.StatusOK || len(res.Succeeded) != 2 {
		t.Fatalf("jobs bulk = %d, %+v", code, res)
	}
	if j := h.schedule("daily-summary"); j.Enabled {
		t.Fatal("job still enabled")
	}
}

func TestHistory(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var resp struct {
		Data     []dispatch.Outcome `json:"data"`
		InFlight []string           `json:"inFlight"`
	}
	if code := h.do(http.MethodGet, "/api/scheduler/history", nil, &resp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(resp.Data) != 1 || resp.Data[0].Name != "daily-summary" || len(resp.InFlight) != 1 {
		t.Fatalf("history = %+v", resp)
	}
}

func TestStatusOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want int
	}{
		{err: &schedule.Error{Field: "hour", Reason: "x"}, want: http.StatusBadRequest},
		{err: jobs.ErrInvalidZone, want: http.StatusBadRequest},
		{err: reminders.ErrPastSchedule, want: http.StatusBadRequest},
		{err: reminders.ErrNotFound, want: http.StatusNotFound},
		{err: reminders.ErrNotScheduled, want: http.StatusConflict},
		{err: &dispatch.DeliveryError{Key: "job:x", Err: errors.New("boom")}, want: http.StatusBadGateway},
		{err: jobs.ErrNoRunner, want: http.StatusServiceUnavailable},
		{err: errors.New("disk on fire"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusOf(tt.err); got != tt.want {
			t.Fatalf("statusOf(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "127.0.0.1:0"}, Deps{Jobs: stubJobs{}}, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Addr() != "" {
		t.Fatal("address kept after stop")
	}
}

type stubJobs struct{}

func (stubJobs) Zone() *time.Location { return time.UTC }

func (stubJobs) Get(name string) (jobs.Job, error) { return jobs.Job{}, jobs.ErrNotFound }

func (stubJobs) List() []jobs.Job { return nil }

func (stubJobs) TriggerNow(context.Context, string) error { return jobs.ErrNoRunner }

func (stubJobs) Edit(context.Context, string, jobs.Edit) (jobs.Job, error) {
	return jobs.Job{}, jobs.ErrNotFound
}

func (stubJobs) SetEnabled(context.Context, string, bool) (jobs.Job, error) {
	return jobs.Job{}, jobs.ErrNotFound
}
