package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"tripdesk/internal/bulk"
	"tripdesk/internal/dispatch"
	"tripdesk/internal/jobs"
	"tripdesk/internal/reminders"
	"tripdesk/internal/schedule"
	logx "tripdesk/pkg/logx"
)

const maxBody = 1 << 20

var (
	errBadRequest  = errors.New("bad request")
	errUnavailable = errors.New("not available")
)

func (s *Server) withAuth(next http.Handler) http.Handler {
	tokens := make([][]byte, 0, len(s.cfg.Tokens))
	for _, t := range s.cfg.Tokens {
		if t = strings.TrimSpace(t); t != "" {
			tokens = append(tokens, []byte(t))
		}
	}
	if len(tokens) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const p = "Bearer "
		ah := r.Header.Get("Authorization")
		if strings.HasPrefix(ah, p) {
			got := []byte(strings.TrimSpace(strings.TrimPrefix(ah, p)))
			for _, t := range tokens {
				if subtle.ConstantTimeCompare(got, t) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
	})
}

type errorBody struct {
	Error string `json:"error"`
}

type messageBody struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// readJSON strictly decodes a single JSON object from the request body.
// An empty body decodes to the zero value.
func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", errBadRequest)
	}
	return nil
}

// statusOf maps domain errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, schedule.ErrInvalidSchedule),
		errors.Is(err, jobs.ErrInvalidZone),
		errors.Is(err, jobs.ErrInvalidJob),
		errors.Is(err, reminders.ErrPastSchedule),
		errors.Is(err, reminders.ErrInvalidReminder),
		errors.Is(err, reminders.ErrNoRecipients),
		errors.Is(err, bulk.ErrUnknownAction),
		errors.Is(err, bulk.ErrNoIDs):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, reminders.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, reminders.ErrNotScheduled),
		errors.Is(err, reminders.ErrTrashed),
		errors.Is(err, reminders.ErrNotTrashed),
		errors.Is(err, dispatch.ErrInFlight):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrDelivery):
		return http.StatusBadGateway
	case errors.Is(err, errUnavailable), errors.Is(err, jobs.ErrNoRunner), errors.Is(err, dispatch.ErrStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", status),
			logx.Err(err),
		)
	} else {
		s.log.Debug("request rejected",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", status),
			logx.Err(err),
		)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}
