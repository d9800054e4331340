package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "dispatch"))
	log.Info("delivered",
		String("key", "reminder:r1"),
		Int("attempts", 2),
		Bool("final", false),
		Duration("took", 1500*time.Millisecond),
		Strings("users", []string{"agent-1"}),
		Err(errors.New("boom")),
		Err(nil),
	)

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if m["message"] != "delivered" || m["comp"] != "dispatch" || m["key"] != "reminder:r1" || m["err"] != "boom" {
		t.Fatalf("line = %v", m)
	}
	if m["attempts"] != float64(2) || m["final"] != false {
		t.Fatalf("typed fields = %v", m)
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %v", m["caller"])
	}
}

func TestLevelFilter(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("quiet")
	log.Debug("quieter")
	if buf.Len() != 0 {
		t.Fatalf("unexpected output %q", buf.String())
	}
	if log.Enabled(LevelInfo) || !log.Enabled(LevelError) {
		t.Fatalf("Enabled disagrees with level warn")
	}
	log.Warn("loud")
	if !strings.Contains(buf.String(), "loud") {
		t.Fatalf("warn line missing: %q", buf.String())
	}
}

func TestZeroAndNopLoggers(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() || Nop().IsZero() {
		t.Fatalf("IsZero: zero=%v nop=%v", zero.IsZero(), Nop().IsZero())
	}
	zero.Error("dropped", String("k", "v"))
	Nop().With(String("k", "v")).Error("dropped")
}

func TestFormatAlert(t *testing.T) {
	t.Parallel()
	line := `{"level":"error","time":"2026-03-02T08:00:00Z","message":"delivery failed","key":"job:daily-summary","comp":"dispatch"}`
	got := formatAlert([]byte(line))
	want := "[ERROR] delivery failed\n- comp=dispatch\n- key=job:daily-summary"
	if got != want {
		t.Fatalf("formatAlert = %q, want %q", got, want)
	}
	if got := formatAlert([]byte("not json")); got != "not json" {
		t.Fatalf("raw line = %q", got)
	}
	if got := truncate(strings.Repeat("x", 50), 20); len(got) != 20 || !strings.HasSuffix(got, "...") {
		t.Fatalf("truncate = %q", got)
	}
}

type chanSender chan string

func (c chanSender) SendAlert(_ context.Context, text string) error {
	c <- text
	return nil
}

func TestServiceForwardsAlerts(t *testing.T) {
	t.Parallel()
	cfg := Config{
		Level: "info",
		File:  FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "tripdesk.log")},
	}
	svc, log := New(cfg)
	defer svc.Close()

	alerts := make(chanSender, 4)
	svc.SetAlertSender(alerts)
	cfg.Alerts = AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 10}
	svc.Apply(cfg)

	log = log.With(String("comp", "telegram"))
	log.Warn("below threshold")
	log.Error("send failed", String("chat", "11"))

	select {
	case got := <-alerts:
		if !strings.HasPrefix(got, "[ERROR] send failed") || !strings.Contains(got, "- chat=11") || !strings.Contains(got, "- comp=telegram") {
			t.Fatalf("alert = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no alert delivered")
	}
	select {
	case extra := <-alerts:
		t.Fatalf("unexpected alert %q", extra)
	case <-time.After(50 * time.Millisecond):
	}
}
