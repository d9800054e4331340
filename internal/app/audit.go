package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"tripdesk/internal/dispatch"
	"tripdesk/internal/eventbus"
	"tripdesk/internal/jobs"
	"tripdesk/internal/reminders"
	"tripdesk/internal/storage"
	logx "tripdesk/pkg/logx"
)

// auditPrefixes selects the bus events recorded in the audit trail.
var auditPrefixes = []string{"job.", "reminder.", "dispatch."}

// toAudit maps a bus event onto an audit entry. Events with an unknown
// payload are still recorded, with no target.
func toAudit(e eventbus.Event) storage.AuditEntry {
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	ent := storage.AuditEntry{
		ID:     uuid.NewString(),
		At:     at.UTC(),
		Actor:  e.Source(),
		Action: e.Type,
		OK:     true,
	}

	switch v := e.Data.(type) {
	case jobs.Job:
		ent.Target = v.Name
		if v.LastError != "" && e.Type == jobs.EventJobUpdated {
			ent.Meta = metaJSON(map[string]any{"last_error": v.LastError})
		}
	case jobs.ZoneChange:
		ent.Target = v.To
		ent.Meta = metaJSON(map[string]any{"from": v.From, "jobs": v.Jobs})
	case jobs.ManualRun:
		ent.Target = v.Name
		ent.OK = v.Error == ""
		ent.Error = v.Error
	case reminders.Reminder:
		ent.Target = v.ID
		switch e.Type {
		case reminders.EventFailed, reminders.EventExhausted:
			ent.OK = false
			ent.Error = v.LastError
		case reminders.EventCancelled:
			if v.CancelReason != "" {
				ent.Meta = metaJSON(map[string]any{"reason": v.CancelReason})
			}
		}
	case dispatch.Outcome:
		ent.Target = v.Key
		ent.OK = v.OK()
		ent.Error = v.Error
		ent.TookMS = v.Duration.Milliseconds()
		if v.Final {
			ent.Meta = metaJSON(map[string]any{"final": true})
		}
	}
	return ent
}

func metaJSON(m map[string]any) string {
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

// auditLoop copies matching bus events into the store until ctx is done.
// A failed write is logged and the event is dropped.
func auditLoop(ctx context.Context, bus eventbus.Bus, store storage.Store, log logx.Logger) error {
	events, unsub := bus.Subscribe(256, auditPrefixes...)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			ent := toAudit(e)
			wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			err := store.AppendAudit(wctx, ent)
			cancel()
			if err != nil {
				log.Warn("audit write failed",
					logx.String("action", ent.Action),
					logx.String("target", ent.Target),
					logx.Err(err))
			}
		}
	}
}
