package pipeline

import (
	"strings"
	"sync"
)

const DefaultMaxSelection = 100

// Selection is a capped set of lead ids kept in the order they were added.
type Selection struct {
	mu    sync.RWMutex
	max   int
	ids   map[string]struct{}
	order []string
}

func NewSelection(max int) *Selection {
	if max <= 0 {
		max = DefaultMaxSelection
	}
	return &Selection{max: max, ids: map[string]struct{}{}}
}

func (s *Selection) Max() int {
	return s.max
}

// Add selects id and reports whether it is selected afterwards. It fails
// only when the set is already full.
func (s *Selection) Add(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(id)
}

// Toggle flips membership of id. ok is false when id could not be added
// because the set is full.
func (s *Selection) Toggle(id string) (selected bool, ok bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.ids[id]; exists {
		s.removeLocked(id)
		return false, true
	}
	if !s.addLocked(id) {
		return false, false
	}
	return true, true
}

func (s *Selection) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
}

// SelectAll replaces the selection with the first ids up to the cap and
// returns how many were selected.
func (s *Selection) SelectAll(ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = map[string]struct{}{}
	s.order = nil
	for _, id := range ids {
		if len(s.order) >= s.max {
			break
		}
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		s.addLocked(id)
	}
	return len(s.order)
}

func (s *Selection) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = map[string]struct{}{}
	s.order = nil
}

func (s *Selection) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

func (s *Selection) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func (s *Selection) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Prune drops every id for which exists reports false and returns the
// number removed.
func (s *Selection) Prune(exists func(id string) bool) int {
	if exists == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.order[:0]
	removed := 0
	for _, id := range s.order {
		if exists(id) {
			kept = append(kept, id)
			continue
		}
		delete(s.ids, id)
		removed++
	}
	s.order = kept
	return removed
}

func (s *Selection) addLocked(id string) bool {
	if _, exists := s.ids[id]; exists {
		return true
	}
	if len(s.order) >= s.max {
		return false
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}

func (s *Selection) removeLocked(id string) {
	if _, exists := s.ids[id]; !exists {
		return
	}
	delete(s.ids, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}
