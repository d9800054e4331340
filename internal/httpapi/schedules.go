package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"tripdesk/internal/bulk"
	"tripdesk/internal/dispatch"
	"tripdesk/internal/jobs"
	"tripdesk/internal/schedule"
)

type jobView struct {
	Name            string            `json:"name"`
	Description     string            `json:"description"`
	Enabled         bool              `json:"enabled"`
	ScheduleType    string            `json:"scheduleType"`
	Metadata        schedule.Metadata `json:"metadata"`
	HumanReadable   string            `json:"humanReadable"`
	NextRunAt       *time.Time        `json:"nextRunAt"`
	LastRunAt       *time.Time        `json:"lastRunAt"`
	LastError       string            `json:"lastError,omitempty"`
	LastManualRunAt *time.Time        `json:"lastManualRunAt,omitempty"`
	LastManualError string            `json:"lastManualError,omitempty"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	NextRuns        []time.Time       `json:"nextRuns"`
}

func (s *Server) viewJob(j jobs.Job, loc *time.Location, now time.Time) jobView {
	v := jobView{
		Name:            j.Name,
		Description:     j.Description,
		Enabled:         j.Enabled,
		ScheduleType:    j.Spec.Kind.String(),
		Metadata:        schedule.EncodeMetadata(j.Spec),
		HumanReadable:   schedule.Describe(j.Spec, loc),
		NextRunAt:       j.NextRunAt,
		LastRunAt:       j.LastRunAt,
		LastError:       j.LastError,
		LastManualRunAt: j.LastManualRunAt,
		LastManualError: j.LastManualError,
		UpdatedAt:       j.UpdatedAt,
		NextRuns:        []time.Time{},
	}
	if j.Enabled {
		v.NextRuns = schedule.Bind(j.Spec, loc).Preview(now, PreviewRuns)
	}
	return v
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	loc := s.deps.Jobs.Zone()
	now := s.deps.Now()
	list := s.deps.Jobs.List()
	out := make([]jobView, 0, len(list))
	for _, j := range list {
		out = append(out, s.viewJob(j, loc, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"schedules": out,
		"timezone":  loc.String(),
	})
}

type scheduleUpdate struct {
	ScheduleType *string            `json:"scheduleType"`
	Metadata     *schedule.Metadata `json:"metadata"`
	Description  *string            `json:"description"`
	Enabled      *bool              `json:"enabled"`
}

// updateSchedule applies a partial edit. Metadata fields left out keep their
// current values when the schedule type is unchanged.
func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("jobName")
	var body scheduleUpdate
	if err := readJSON(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	cur, err := s.deps.Jobs.Get(name)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	edit := jobs.Edit{Description: body.Description, Enabled: body.Enabled}
	if body.ScheduleType != nil || body.Metadata != nil {
		var kind schedule.Kind
		if body.ScheduleType != nil && strings.TrimSpace(*body.ScheduleType) != "" {
			if kind, err = schedule.ParseKind(*body.ScheduleType); err != nil {
				s.fail(w, r, err)
				return
			}
		}
		var md schedule.Metadata
		if body.Metadata != nil {
			md = *body.Metadata
		}
		spec, err := schedule.DecodeMetadata(kind, md, cur.Spec)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		edit.Spec = &spec
	}

	j, err := s.deps.Jobs.Edit(r.Context(), name, edit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.viewJob(j, s.deps.Jobs.Zone(), s.deps.Now()))
}

func (s *Server) toggleSchedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := readJSON(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if body.Enabled == nil {
		s.fail(w, r, fmt.Errorf("%w: enabled is required", errBadRequest))
		return
	}
	j, err := s.deps.Jobs.SetEnabled(r.Context(), r.PathValue("jobName"), *body.Enabled)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.viewJob(j, s.deps.Jobs.Zone(), s.deps.Now()))
}

func (s *Server) listTimezones(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"timezones": s.deps.Zones.Zones(s.deps.Now()),
		"current":   s.deps.Jobs.Zone().String(),
	})
}

func (s *Server) setTimezone(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Timezone string `json:"timezone"`
	}
	if err := readJSON(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.deps.Zones.SetZone(r.Context(), body.Timezone); err != nil {
		s.fail(w, r, err)
		return
	}
	tz := s.deps.Jobs.Zone().String()
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "timezone updated to " + tz,
		"timezone": tz,
	})
}

func (s *Server) triggerJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("jobName")
	if err := s.deps.Jobs.TriggerNow(r.Context(), name); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageBody{Message: fmt.Sprintf("job %s triggered", name)})
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dispatch == nil {
		s.fail(w, r, fmt.Errorf("%w: dispatch history", errUnavailable))
		return
	}
	out := s.deps.Dispatch.History()
	if out == nil {
		out = []dispatch.Outcome{}
	}
	inFlight := s.deps.Dispatch.InFlight()
	if inFlight == nil {
		inFlight = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":     out,
		"inFlight": inFlight,
	})
}

type bulkRequest struct {
	Action string   `json:"action"`
	IDs    []string `json:"ids"`
}

func (s *Server) bulkSchedules(w http.ResponseWriter, r *http.Request) {
	s.runBulk(w, r, s.deps.JobBulk)
}

func (s *Server) runBulk(w http.ResponseWriter, r *http.Request, b BulkApplier) {
	if b == nil {
		s.fail(w, r, fmt.Errorf("%w: bulk actions", errUnavailable))
		return
	}
	var body bulkRequest
	if err := readJSON(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := b.Apply(r.Context(), body.Action, body.IDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if res.Succeeded == nil {
		res.Succeeded = []string{}
	}
	if res.Failed == nil {
		res.Failed = []bulk.Failure{}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":   "ok",
		"timezone": s.deps.Jobs.Zone().String(),
		"jobs":     len(s.deps.Jobs.List()),
	}
	if s.deps.Dispatch != nil {
		body["inFlight"] = len(s.deps.Dispatch.InFlight())
	}
	writeJSON(w, http.StatusOK, body)
}
