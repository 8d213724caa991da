package memory

import (
	"sync"
	"time"

	"github.com/yyd/aurora/pkg/affect"
)

// Percept is one raw observation held by the sensory buffer.
type Percept struct {
	Text        string
	Observation affect.Observation
	At          time.Time
}

// Sensory keeps the last few percepts per session for a short TTL.
// It is never persisted.
type Sensory struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	rings    map[string]*ring
	now      func() time.Time
}

type ring struct {
	items []Percept
	next  int
	full  bool
	last  time.Time
}

// NewSensory creates a sensory buffer holding capacity percepts per
// session for ttl.
func NewSensory(capacity int, ttl time.Duration) *Sensory {
	if capacity <= 0 {
		capacity = 32
	}
	return &Sensory{
		capacity: capacity,
		ttl:      ttl,
		rings:    make(map[string]*ring),
		now:      time.Now,
	}
}

// Add records p for the session, overwriting the oldest percept when full.
func (s *Sensory) Add(sessionID string, p Percept) {
	if p.At.IsZero() {
		p.At = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rings[sessionID]
	if !ok {
		r = &ring{items: make([]Percept, s.capacity)}
		s.rings[sessionID] = r
	}
	r.items[r.next] = p
	r.next = (r.next + 1) % s.capacity
	if r.next == 0 {
		r.full = true
	}
	r.last = p.At
}

// Recent returns the unexpired percepts of a session, oldest first.
func (s *Sensory) Recent(sessionID string) []Percept {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rings[sessionID]
	if !ok {
		return nil
	}
	start, n := 0, r.next
	if r.full {
		start, n = r.next, s.capacity
	}
	cutoff := s.now().Add(-s.ttl)
	out := make([]Percept, 0, n)
	for i := 0; i < n; i++ {
		p := r.items[(start+i)%s.capacity]
		if s.ttl > 0 && p.At.Before(cutoff) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Forget drops a session's percepts.
func (s *Sensory) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rings, sessionID)
}

// Sweep removes sessions whose newest percept expired and returns how
// many were removed.
func (s *Sensory) Sweep() int {
	if s.ttl <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.ttl)
	removed := 0
	for id, r := range s.rings {
		if r.last.Before(cutoff) {
			delete(s.rings, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of sessions with buffered percepts.
func (s *Sensory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rings)
}
