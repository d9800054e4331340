package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tripdesk/internal/reminders"
)

type reminderView struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Message      string     `json:"message"`
	ScheduledFor time.Time  `json:"scheduledFor"`
	TargetUsers  []string   `json:"targetUsers"`
	IsSystemWide bool       `json:"isSystemWide"`
	Priority     string     `json:"priority"`
	Status       string     `json:"status"`
	Attempts     int        `json:"attempts"`
	LastError    string     `json:"lastError,omitempty"`
	CancelReason string     `json:"cancelReason,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	SentAt       *time.Time `json:"sentAt,omitempty"`
	DeletedAt    *time.Time `json:"deletedAt,omitempty"`
}

func viewReminder(r reminders.Reminder) reminderView {
	targets := r.TargetUsers
	if targets == nil {
		targets = []string{}
	}
	return reminderView{
		ID:           r.ID,
		Title:        r.Title,
		Message:      r.Message,
		ScheduledFor: r.ScheduledFor,
		TargetUsers:  targets,
		IsSystemWide: r.SystemWide,
		Priority:     string(r.Priority),
		Status:       string(r.Status),
		Attempts:     r.Attempts,
		LastError:    r.LastError,
		CancelReason: r.CancelReason,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		SentAt:       r.SentAt,
		DeletedAt:    r.DeletedAt,
	}
}

// listReminders supports ?status=scheduled|sent|cancelled and
// ?trashed=true|false|all (default false).
func (s *Server) listReminders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f reminders.Filter
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		st, err := reminders.ParseStatus(raw)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		f.Status = st
	}
	switch raw := strings.ToLower(strings.TrimSpace(q.Get("trashed"))); raw {
	case "", "false", "0":
		f.Trash = reminders.TrashExclude
	case "all":
		f.Trash = reminders.TrashAny
	default:
		only, err := strconv.ParseBool(raw)
		if err != nil {
			s.fail(w, r, fmt.Errorf("%w: trashed must be true, false or all", errBadRequest))
			return
		}
		if only {
			f.Trash = reminders.TrashOnly
		}
	}

	list, err := s.deps.Reminders.List(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]reminderView, 0, len(list))
	for _, rem := range list {
		out = append(out, viewReminder(rem))
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (s *Server) getReminder(w http.ResponseWriter, r *http.Request) {
	rem, err := s.deps.Reminders.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewReminder(rem))
}

type reminderCreate struct {
	Title        string     `json:"title"`
	Message      string     `json:"message"`
	ScheduledFor *time.Time `json:"scheduledFor"`
	TargetUsers  []string   `json:"targetUsers"`
	IsSystemWide bool       `json:"isSystemWide"`
	Priority     string     `json:"priority"`
	Instant      bool       `json:"instant"`
}

func (s *Server) createReminder(w http.ResponseWriter, r *http.Request) {
	var body reminderCreate
	if err := readJSON(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	d := reminders.Draft{
		Title:       body.Title,
		Message:     body.Message,
		Instant:     body.Instant,
		TargetUsers: body.TargetUsers,
		SystemWide:  body.IsSystemWide,
		Priority:    reminders.Priority(body.Priority),
	}
	if body.ScheduledFor != nil {
		d.ScheduledFor = *body.ScheduledFor
	}
	rem, err := s.deps.Reminders.Create(r.Context(), d)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewReminder(rem))
}

type reminderUpdate struct {
	Title        *string    `json:"title"`
	Message      *string    `json:"message"`
	ScheduledFor *time.Time `json:"scheduledFor"`
	TargetUsers  *[]string  `json:"targetUsers"`
	IsSystemWide *bool      `json:"isSystemWide"`
	Priority     *string    `json:"priority"`
}

func (s *Server) updateReminder(w http.ResponseWriter, r *http.Request) {
	var body reminderUpdate
	if err := readJSON(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	p := reminders.Patch{
		Title:        body.Title,
		Message:      body.Message,
		ScheduledFor: body.ScheduledFor,
		TargetUsers:  body.TargetUsers,
		SystemWide:   body.IsSystemWide,
	}
	if body.Priority != nil {
		pr := reminders.Priority(*body.Priority)
		p.Priority = &pr
	}
	rem, err := s.deps.Reminders.Update(r.Context(), r.PathValue("id"), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewReminder(rem))
}

// deleteReminder moves the reminder to the trash, or removes it for good
// with ?permanent=true.
func (s *Server) deleteReminder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	permanent, _ := strconv.ParseBool(r.URL.Query().Get("permanent"))
	var err error
	if permanent {
		err = s.deps.Reminders.Purge(r.Context(), id)
	} else {
		err = s.deps.Reminders.Delete(r.Context(), id)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	msg := "reminder moved to trash"
	if permanent {
		msg = "reminder deleted"
	}
	writeJSON(w, http.StatusOK, messageBody{Message: msg})
}

func (s *Server) restoreReminder(w http.ResponseWriter, r *http.Request) {
	rem, err := s.deps.Reminders.Restore(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewReminder(rem))
}

func (s *Server) cancelReminder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := readJSON(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	rem, err := s.deps.Reminders.Cancel(r.Context(), r.PathValue("id"), body.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewReminder(rem))
}

func (s *Server) bulkReminders(w http.ResponseWriter, r *http.Request) {
	s.runBulk(w, r, s.deps.ReminderBulk)
}
