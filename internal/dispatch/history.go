package dispatch

import (
	"sync"
	"time"
)

// Outcome is one finished delivery.
type Outcome struct {
	Key      string        `json:"key"`
	Kind     string        `json:"kind"`
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	// Final is set when a failed reminder was cancelled for good.
	Final bool `json:"final,omitempty"`
}

func (o Outcome) OK() bool { return o.Error == "" }

// history is a fixed-size ring of recent outcomes.
type history struct {
	mu    sync.Mutex
	items []Outcome
	next  int
	full  bool
}

func newHistory(size int) *history {
	if size <= 0 {
		size = 200
	}
	return &history{items: make([]Outcome, size)}
}

func (h *history) add(o Outcome) {
	h.mu.Lock()
	h.items[h.next] = o
	h.next = (h.next + 1) % len(h.items)
	if h.next == 0 {
		h.full = true
	}
	h.mu.Unlock()
}

// list returns outcomes newest first.
func (h *history) list() []Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.next
	if h.full {
		n = len(h.items)
	}
	out := make([]Outcome, 0, n)
	for i := 1; i <= n; i++ {
		idx := (h.next - i + len(h.items)) % len(h.items)
		out = append(out, h.items[idx])
	}
	return out
}

// resize keeps the newest outcomes that fit.
func (h *history) resize(size int) {
	if size <= 0 {
		return
	}
	cur := h.list()
	h.mu.Lock()
	defer h.mu.Unlock()
	if size == len(h.items) {
		return
	}
	if len(cur) > size {
		cur = cur[:size]
	}
	h.items = make([]Outcome, size)
	h.next, h.full = 0, false
	for i := len(cur) - 1; i >= 0; i-- {
		h.items[h.next] = cur[i]
		h.next = (h.next + 1) % size
		if h.next == 0 {
			h.full = true
		}
	}
}
