package coordinator

import (
	"sync"
	"time"
)

const DefaultHistorySize = 1000

type Entry struct {
	Topic    string    `json:"topic"`
	Payload  string    `json:"payload"`
	Received time.Time `json:"received"`
}

// History keeps the most recent messages, oldest first.
type History struct {
	mu      sync.Mutex
	entries []Entry
	max     int
}

func NewHistory(max int) *History {
	if max <= 0 {
		max = DefaultHistorySize
	}
	return &History{
		entries: make([]Entry, 0, min(max, 64)),
		max:     max,
	}
}

func (h *History) Append(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) >= h.max {
		// drop the oldest
		copy(h.entries, h.entries[1:])
		h.entries = h.entries[:len(h.entries)-1]
	}
	h.entries = append(h.entries, e)
}

// Entries returns a copy, the caller may keep it.
func (h *History) Entries() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = h.entries[:0]
}
