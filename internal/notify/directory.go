package notify

import (
	"context"
	"strings"
	"sync"

	"github.com/samber/lo"
)

// User is a back-office user known to the notifier.
type User struct {
	ID             string
	Name           string
	TelegramChatID int64
}

// Directory is the in-memory user list, replaced wholesale on config reload.
type Directory struct {
	mu    sync.RWMutex
	users []User
	byID  map[string]User
}

func NewDirectory(users []User) *Directory {
	d := &Directory{}
	d.Set(users)
	return d
}

// Set replaces the user list. Blank ids are dropped; the first entry wins on
// duplicates.
func (d *Directory) Set(users []User) {
	clean := lo.Filter(users, func(u User, _ int) bool { return strings.TrimSpace(u.ID) != "" })
	clean = lo.Map(clean, func(u User, _ int) User {
		u.ID = strings.TrimSpace(u.ID)
		return u
	})
	clean = lo.UniqBy(clean, func(u User) string { return u.ID })
	byID := lo.SliceToMap(clean, func(u User) (string, User) { return u.ID, u })

	d.mu.Lock()
	d.users = clean
	d.byID = byID
	d.mu.Unlock()
}

// ListUserIDs returns every user id in configuration order.
func (d *Directory) ListUserIDs(ctx context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return lo.Map(d.users, func(u User, _ int) string { return u.ID }), nil
}

// ChatID returns the Telegram chat bound to a user id.
func (d *Directory) ChatID(userID string) (int64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byID[userID]
	if !ok || u.TelegramChatID == 0 {
		return 0, false
	}
	return u.TelegramChatID, true
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}
