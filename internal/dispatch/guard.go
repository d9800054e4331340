package dispatch

import (
	"sort"
	"sync"
)

// guard tracks which entities have a delivery in flight. A key is held from
// the moment a due item is picked up until its outcome has been recorded.
type guard struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newGuard() *guard { return &guard{keys: map[string]struct{}{}} }

func (g *guard) tryAcquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.keys[key]; busy {
		return false
	}
	g.keys[key] = struct{}{}
	return true
}

func (g *guard) release(key string) {
	g.mu.Lock()
	delete(g.keys, key)
	g.mu.Unlock()
}

func (g *guard) held() []string {
	g.mu.Lock()
	out := make([]string, 0, len(g.keys))
	for k := range g.keys {
		out = append(out, k)
	}
	g.mu.Unlock()
	sort.Strings(out)
	return out
}

func jobKey(name string) string { return "job:" + name }

func reminderKey(id string) string { return "reminder:" + id }

func manualKey(name string) string { return "manual:" + name }
