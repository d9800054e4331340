// Package bulk applies one named action to many ids. Ids are handled
// independently: a failure on one id never rolls back the others.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"

	logx "tripdesk/pkg/logx"
)

var (
	ErrUnknownAction = errors.New("unknown bulk action")
	ErrNoIDs         = errors.New("no ids given")
)

// Action applies to a single id.
type Action func(ctx context.Context, id string) error

type Failure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
	err   error
}

// Err returns the underlying error for errors.Is checks.
func (f Failure) Err() error { return f.err }

type Result struct {
	Succeeded []string  `json:"succeeded"`
	Failed    []Failure `json:"failed"`
}

type Coordinator struct {
	name string
	log  logx.Logger

	mu      sync.RWMutex
	actions map[string]Action
}

// New returns a coordinator. name labels its log lines ("reminders", "jobs").
func New(name string, log logx.Logger) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{name: name, log: log, actions: map[string]Action{}}
}

// Register binds fn to action. Registering the same action twice replaces it.
func (c *Coordinator) Register(action string, fn Action) {
	action = strings.ToLower(strings.TrimSpace(action))
	if action == "" || fn == nil {
		return
	}
	c.mu.Lock()
	c.actions[action] = fn
	c.mu.Unlock()
}

func (c *Coordinator) Actions() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.actions))
	for a := range c.actions {
		out = append(out, a)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Apply runs action over ids in input order. Blank and repeated ids are
// dropped. Cancellation of ctx fails the remaining ids.
func (c *Coordinator) Apply(ctx context.Context, action string, ids []string) (Result, error) {
	key := strings.ToLower(strings.TrimSpace(action))
	c.mu.RLock()
	fn, ok := c.actions[key]
	c.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	ids = lo.Uniq(lo.Filter(lo.Map(ids, func(id string, _ int) string { return strings.TrimSpace(id) }),
		func(id string, _ int) bool { return id != "" }))
	if len(ids) == 0 {
		return Result{}, ErrNoIDs
	}

	res := Result{Succeeded: []string{}, Failed: []Failure{}}
	for _, id := range ids {
		err := ctx.Err()
		if err == nil {
			err = fn(ctx, id)
		}
		if err != nil {
			res.Failed = append(res.Failed, Failure{ID: id, Error: err.Error(), err: err})
			continue
		}
		res.Succeeded = append(res.Succeeded, id)
	}
	c.log.Info("bulk action applied",
		logx.String("target", c.name),
		logx.String("action", key),
		logx.Int("succeeded", len(res.Succeeded)),
		logx.Int("failed", len(res.Failed)))
	return res, nil
}
