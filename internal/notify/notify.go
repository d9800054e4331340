package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	logx "tripdesk/pkg/logx"
)

// Kind tells a transport what produced a notification.
type Kind string

const (
	KindJob      Kind = "job"
	KindReminder Kind = "reminder"
	KindManual   Kind = "manual"
)

// Notification is one delivery handed to a Sender.
type Notification struct {
	Kind Kind
	// Key is the job name or reminder id.
	Key      string
	Title    string
	Message  string
	Priority string
	// Recipients holds user ids. Empty means the operators.
	Recipients []string
	At         time.Time
}

// Sender delivers notifications. Implementations must honour ctx cancellation:
// the dispatcher bounds every delivery with a deadline.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, n Notification) error

func (f SenderFunc) Send(ctx context.Context, n Notification) error { return f(ctx, n) }

var ErrNoRoute = errors.New("no route to any recipient")

// LogSender writes notifications to the structured log.
type LogSender struct {
	Log logx.Logger
}

func (s LogSender) Send(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	log := s.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log.Info("notification",
		logx.String("kind", string(n.Kind)),
		logx.String("key", n.Key),
		logx.String("title", n.Title),
		logx.String("priority", n.Priority),
		logx.Strings("recipients", n.Recipients),
	)
	return nil
}

// Multi fans a notification out to every sender. All senders are tried; the
// returned error joins every failure.
type Multi []Sender

func (m Multi) Send(ctx context.Context, n Notification) error {
	var errs []error
	for i, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("sender %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
