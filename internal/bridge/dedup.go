package bridge

import "sync"

// seenSet remembers the most recent event ids, evicting the oldest once
// capacity is reached. The backplane is at-least-once, so a redelivered
// event must be recognised within this window to stay exactly-once
// towards connections.
type seenSet struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	ring  []string
	head  int
	count int
}

func newSeenSet(capacity int) *seenSet {
	if capacity < 1 {
		capacity = 1
	}
	return &seenSet{
		ids:  make(map[string]struct{}, capacity),
		ring: make([]string, capacity),
	}
}

// Add records id and reports whether it was new.
func (s *seenSet) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[id]; ok {
		return false
	}

	if s.count == len(s.ring) {
		delete(s.ids, s.ring[s.head])
	} else {
		s.count++
	}
	s.ring[s.head] = id
	s.head = (s.head + 1) % len(s.ring)
	s.ids[id] = struct{}{}
	return true
}

func (s *seenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
