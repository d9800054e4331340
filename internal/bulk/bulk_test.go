package bulk

import (
	"context"
	"errors"
	"strings"
	"testing"

	logx "tripdesk/pkg/logx"
)

var errSent = errors.New("reminder already sent")

func TestApplyIsPerID(t *testing.T) {
	t.Parallel()
	state := map[string]string{"r1": "scheduled", "r2": "sent", "r3": "scheduled"}
	c := New("reminders", logx.Nop())
	c.Register("Delete", func(_ context.Context, id string) error {
		if state[id] != "scheduled" {
			return errSent
		}
		state[id] = "trashed"
		return nil
	})

	res, err := c.Apply(context.Background(), "delete", []string{"r1", "r2", "r3"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if strings.Join(res.Succeeded, ",") != "r1,r3" {
		t.Fatalf("succeeded = %v", res.Succeeded)
	}
	if len(res.Failed) != 1 || res.Failed[0].ID != "r2" || !errors.Is(res.Failed[0].Err(), errSent) {
		t.Fatalf("failed = %+v", res.Failed)
	}
	if state["r1"] != "trashed" || state["r3"] != "trashed" || state["r2"] != "sent" {
		t.Fatalf("state = %v", state)
	}
}

func TestApplyDedupesAndValidates(t *testing.T) {
	t.Parallel()
	var seen []string
	c := New("jobs", logx.Nop())
	c.Register("enable", func(_ context.Context, id string) error {
		seen = append(seen, id)
		return nil
	})

	tests := []struct {
		name    string
		action  string
		ids     []string
		wantErr error
		want    string
	}{
		{name: "dedup keeps order", action: "enable", ids: []string{"b", " a", "b", "", "a "}, want: "b,a"},
		{name: "unknown action", action: "explode", ids: []string{"a"}, wantErr: ErrUnknownAction},
		{name: "no ids", action: "enable", ids: []string{" ", ""}, wantErr: ErrNoIDs},
	}
	for _, tt := range tests {
		seen = nil
		_, err := c.Apply(context.Background(), tt.action, tt.ids)
		if !errors.Is(err, tt.wantErr) {
			t.Fatalf("%s: err = %v, want %v", tt.name, err, tt.wantErr)
		}
		if got := strings.Join(seen, ","); got != tt.want {
			t.Fatalf("%s: applied %q, want %q", tt.name, got, tt.want)
		}
	}
	if got := c.Actions(); len(got) != 1 || got[0] != "enable" {
		t.Fatalf("Actions = %v", got)
	}
}

func TestApplyStopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	c := New("reminders", logx.Nop())
	c.Register("cancel", func(context.Context, string) error {
		cancel()
		return nil
	})
	res, err := c.Apply(ctx, "cancel", []string{"r1", "r2"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(res.Succeeded) != 1 || len(res.Failed) != 1 || !errors.Is(res.Failed[0].Err(), context.Canceled) {
		t.Fatalf("result = %+v", res)
	}
}
