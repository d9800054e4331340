package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	logx "tripdesk/pkg/logx"
)

// TelegramConfig configures the Telegram transport.
type TelegramConfig struct {
	Token          string
	OperatorChatID int64
	RatePerSec     float64
	// APIURL overrides the Bot API endpoint (tests, local bot API servers).
	APIURL  string
	Timeout time.Duration
}

// ChatResolver maps a user id to a Telegram chat.
type ChatResolver interface {
	ChatID(userID string) (int64, bool)
}

// TelegramSender delivers notifications as Telegram messages. Reminders go to
// the chats of their recipients; job notifications go to the operator chat.
type TelegramSender struct {
	bot      *tele.Bot
	operator int64
	chats    ChatResolver
	limiter  *rate.Limiter
	log      logx.Logger
}

const telegramTextLimit = 4000

func NewTelegramSender(cfg TelegramConfig, chats ChatResolver, log logx.Logger) (*TelegramSender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	// Offline skips the getMe round trip; this sender never polls.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	perSec := cfg.RatePerSec
	if perSec <= 0 {
		// Telegram allows roughly 30 messages per second per bot.
		perSec = 25
	}
	return &TelegramSender{
		bot:      b,
		operator: cfg.OperatorChatID,
		chats:    chats,
		limiter:  rate.NewLimiter(rate.Limit(perSec), 1),
		log:      log,
	}, nil
}

func (s *TelegramSender) Send(ctx context.Context, n Notification) error {
	chats, missing := s.route(n)
	if len(missing) > 0 {
		s.log.Warn("recipients without telegram chat", logx.String("key", n.Key), logx.Strings("users", missing))
	}
	if len(chats) == 0 {
		return fmt.Errorf("%w: %s %s", ErrNoRoute, n.Kind, n.Key)
	}
	text := formatTelegram(n)
	var errs []error
	for _, chat := range chats {
		if err := s.sendText(ctx, chat, text); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, fmt.Errorf("chat %d: %w", chat, err))
		}
	}
	return errors.Join(errs...)
}

// SendAlert forwards a log alert to the operator chat.
func (s *TelegramSender) SendAlert(ctx context.Context, text string) error {
	if s.operator == 0 {
		return ErrNoRoute
	}
	return s.sendText(ctx, s.operator, "<pre>"+html.EscapeString(text)+"</pre>")
}

func (s *TelegramSender) route(n Notification) (chats []int64, missing []string) {
	if len(n.Recipients) == 0 || n.Kind != KindReminder {
		if s.operator != 0 {
			chats = append(chats, s.operator)
		}
		return chats, nil
	}
	seen := map[int64]bool{}
	for _, id := range n.Recipients {
		chat, ok := int64(0), false
		if s.chats != nil {
			chat, ok = s.chats.ChatID(id)
		}
		if !ok {
			missing = append(missing, id)
			continue
		}
		if !seen[chat] {
			seen[chat] = true
			chats = append(chats, chat)
		}
	}
	return chats, missing
}

func (s *TelegramSender) sendText(ctx context.Context, chat int64, text string) error {
	opts := &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true}
	for _, chunk := range splitText(text, telegramTextLimit) {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := s.bot.Send(tele.ChatID(chat), chunk, opts); err != nil {
			return err
		}
	}
	return nil
}

var priorityBadge = map[string]string{
	"urgent": "🚨",
	"high":   "⚠️",
	"medium": "🔔",
	"low":    "ℹ️",
}

func formatTelegram(n Notification) string {
	var b strings.Builder
	if badge, ok := priorityBadge[n.Priority]; ok {
		b.WriteString(badge)
		b.WriteByte(' ')
	}
	title := n.Title
	if title == "" {
		title = n.Key
	}
	b.WriteString("<b>")
	b.WriteString(html.EscapeString(title))
	b.WriteString("</b>")
	if n.Kind == KindManual {
		b.WriteString(" <i>(manual run)</i>")
	}
	if msg := strings.TrimSpace(n.Message); msg != "" {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(msg))
	}
	return b.String()
}

// splitText cuts s into chunks of at most limit runes, preferring line breaks
// in the last two thirds of a window. Chunks never end inside an HTML tag.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
			if open := lastIndexRune(rs[start:end], '<'); open > 0 && open > lastIndexRune(rs[start:end], '>') {
				end = start + open
			}
		}
		if chunk := strings.TrimRight(string(rs[start:end]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func lastIndexRune(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}
