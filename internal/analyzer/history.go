package analyzer

import (
	"sync"

	"github.com/powa-team/querypool/internal/model"
)

// History is a fixed-size ring of slow-query analyses. When full, the oldest
// entry is overwritten.
type History struct {
	mu      sync.Mutex
	entries []model.QueryAnalysis
	next    int
	full    bool
}

// NewHistory creates a History holding at most size entries.
func NewHistory(size int) *History {
	if size < 1 {
		size = 100
	}
	return &History{entries: make([]model.QueryAnalysis, size)}
}

// Add records an analysis.
func (h *History) Add(a model.QueryAnalysis) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries[h.next] = a
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
}

// SlowQueries returns the recorded analyses, oldest first.
func (h *History) SlowQueries() []model.QueryAnalysis {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.full {
		return append([]model.QueryAnalysis(nil), h.entries[:h.next]...)
	}
	out := make([]model.QueryAnalysis, 0, len(h.entries))
	out = append(out, h.entries[h.next:]...)
	return append(out, h.entries[:h.next]...)
}

// Len returns the number of recorded analyses.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return len(h.entries)
	}
	return h.next
}

// Recent returns up to n of the most recent analyses, newest first.
func (h *History) Recent(n int) []model.QueryAnalysis {
	all := h.SlowQueries()
	if n > len(all) {
		n = len(all)
	}
	out := make([]model.QueryAnalysis, 0, n)
	for i := len(all) - 1; i >= len(all)-n; i-- {
		out = append(out, all[i])
	}
	return out
}
