package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	logx "tripdesk/pkg/logx"
)

func TestLogSenderWritesFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	s := LogSender{Log: logx.NewWriter(&buf, "info")}
	err := s.Send(context.Background(), Notification{Kind: KindReminder, Key: "r-1", Title: "Visa deadline", Recipients: []string{"u1"}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"key":"r-1"`, `"title":"Visa deadline"`, `"kind":"reminder"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output %q missing %s", out, want)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Send(ctx, Notification{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Send with cancelled ctx = %v", err)
	}
}

func TestMultiJoinsFailures(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	var calls int
	ok := SenderFunc(func(context.Context, Notification) error { calls++; return nil })
	bad := SenderFunc(func(context.Context, Notification) error { calls++; return boom })

	err := Multi{bad, nil, ok}.Send(context.Background(), Notification{})
	if !errors.Is(err, boom) {
		t.Fatalf("Multi error = %v, want boom", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want every sender tried", calls)
	}
	if err := (Multi{ok}).Send(context.Background(), Notification{}); err != nil {
		t.Fatalf("Multi ok = %v", err)
	}
}

func TestDirectory(t *testing.T) {
	t.Parallel()
	d := NewDirectory([]User{
		{ID: " agent-1 ", TelegramChatID: 11},
		{ID: "agent-2"},
		{ID: "agent-1", TelegramChatID: 99},
		{ID: ""},
	})
	ids, _ := d.ListUserIDs(context.Background())
	if len(ids) != 2 || ids[0] != "agent-1" || ids[1] != "agent-2" {
		t.Fatalf("ListUserIDs = %q", ids)
	}
	if chat, ok := d.ChatID("agent-1"); !ok || chat != 11 {
		t.Fatalf("ChatID(agent-1) = %d, %v", chat, ok)
	}
	if _, ok := d.ChatID("agent-2"); ok {
		t.Fatal("agent-2 has no chat")
	}
	d.Set([]User{{ID: "agent-3"}})
	if d.Len() != 1 {
		t.Fatalf("Len after Set = %d", d.Len())
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short split = %q", got)
	}

	long := strings.Repeat("line of text\n", 50)
	chunks := splitText(long, 100)
	if len(chunks) < 6 {
		t.Fatalf("chunks = %d, want several", len(chunks))
	}
	for _, c := range chunks {
		if utf8.RuneCountInString(c) > 100 {
			t.Fatalf("chunk longer than limit: %d", utf8.RuneCountInString(c))
		}
		if strings.HasSuffix(c, "\n") || c == "" {
			t.Fatalf("bad chunk %q", c)
		}
	}

	tagged := strings.Repeat("x", 98) + "<b>bold</b>"
	chunks = splitText(tagged, 100)
	if !strings.HasPrefix(chunks[1], "<b>") {
		t.Fatalf("split inside a tag: %q", chunks)
	}
}

func TestFormatTelegramEscapes(t *testing.T) {
	t.Parallel()
	got := formatTelegram(Notification{Kind: KindManual, Title: "Report <Q1>", Message: "a & b", Priority: "urgent"})
	want := "🚨 <b>Report &lt;Q1&gt;</b> <i>(manual run)</i>\na &amp; b"
	if got != want {
		t.Fatalf("formatTelegram = %q, want %q", got, want)
	}
}

type fakeBotAPI struct {
	mu    sync.Mutex
	chats []string
	texts []string
	fail  bool
}

func (f *fakeBotAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		f.mu.Lock()
		f.chats = append(f.chats, fmt.Sprint(body["chat_id"]))
		f.texts = append(f.texts, fmt.Sprint(body["text"]))
		fail := f.fail
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if fail {
			_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":1700000000,"chat":{"id":1,"type":"private"}}}`))
	})
}

func newTestTelegram(t *testing.T, api *fakeBotAPI, operator int64) *TelegramSender {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	dir := NewDirectory([]User{{ID: "u1", TelegramChatID: 101}, {ID: "u2", TelegramChatID: 102}, {ID: "u3"}})
	s, err := NewTelegramSender(TelegramConfig{Token: "123:abc", OperatorChatID: operator, APIURL: srv.URL, RatePerSec: 1000}, dir, logx.Nop())
	if err != nil {
		t.Fatalf("NewTelegramSender: %v", err)
	}
	return s
}

func TestTelegramRoutesRemindersToRecipients(t *testing.T) {
	t.Parallel()
	api := &fakeBotAPI{}
	s := newTestTelegram(t, api, 900)

	err := s.Send(context.Background(), Notification{Kind: KindReminder, Key: "r1", Title: "Pickup", Recipients: []string{"u1", "u2", "u3"}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	api.mu.Lock()
	chats := append([]string(nil), api.chats...)
	api.mu.Unlock()
	sort.Strings(chats)
	if strings.Join(chats, ",") != "101,102" {
		t.Fatalf("chats = %v, want 101,102", chats)
	}

	if err := s.Send(context.Background(), Notification{Kind: KindJob, Key: "daily-summary"}); err != nil {
		t.Fatalf("job Send: %v", err)
	}
	api.mu.Lock()
	last := api.chats[len(api.chats)-1]
	api.mu.Unlock()
	if last != "900" {
		t.Fatalf("job notification went to %s, want operator chat 900", last)
	}
}

func TestTelegramErrors(t *testing.T) {
	t.Parallel()
	api := &fakeBotAPI{}
	s := newTestTelegram(t, api, 0)

	err := s.Send(context.Background(), Notification{Kind: KindReminder, Key: "r1", Recipients: []string{"u3", "nobody"}})
	if !errors.Is(err, ErrNoRoute) {
		t.Fatalf("unroutable reminder = %v, want ErrNoRoute", err)
	}
	if err := s.Send(context.Background(), Notification{Kind: KindJob, Key: "x"}); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("job without operator chat = %v, want ErrNoRoute", err)
	}
	if err := s.SendAlert(context.Background(), "boom"); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("alert without operator chat = %v, want ErrNoRoute", err)
	}

	api.mu.Lock()
	api.fail = true
	api.mu.Unlock()
	if err := s.Send(context.Background(), Notification{Kind: KindReminder, Key: "r1", Recipients: []string{"u1"}}); err == nil {
		t.Fatal("expected API failure to surface")
	}
}

func TestNewTelegramSenderRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := NewTelegramSender(TelegramConfig{Token: " "}, nil, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}
