package factory

import (
	"sync"
)

// table tracks live allocations by handle.
// Handles are slot index + 1; freed slots are reused LIFO.
type table struct {
	entries []*state
	free    []HandleID
	mu      sync.Mutex
	max     int
	live    int
}

func newTable(limit int) *table {
	return &table{
		entries: make([]*state, 0, min(limit, 64)),
		free:    make([]HandleID, 0, 16),
		max:     limit,
	}
}

// insert stores s and assigns its handle. It fails when max handles are live.
func (t *table) insert(s *state) (HandleID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.free) > 0 {
		id := t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
		t.entries[id-1] = s
		s.id = id
		t.live++
		return id, true
	}
	if t.max > 0 && len(t.entries) >= t.max {
		return 0, false
	}
	t.entries = append(t.entries, s)
	id := HandleID(len(t.entries))
	s.id = id
	t.live++
	return id, true
}

func (t *table) get(id HandleID) (*state, bool) {
	if id == 0 {
		return nil, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	idx := int(id) - 1
	if idx >= len(t.entries) || t.entries[idx] == nil {
		return nil, false
	}
	return t.entries[idx], true
}

// remove clears the slot of s. Slots already reused by another state are
// left alone.
func (t *table) remove(s *state) bool {
	if s.id == 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	idx := int(s.id) - 1
	if idx >= len(t.entries) || t.entries[idx] != s {
		return false
	}
	t.entries[idx] = nil
	t.free = append(t.free, s.id)
	t.live--
	return true
}

func (t *table) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// snapshot returns the live states in handle order.
func (t *table) snapshot() []*state {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*state, 0, t.live)
	for _, s := range t.entries {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}
