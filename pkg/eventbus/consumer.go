package eventbus

import (
	"container/list"
	"sync"
)

const defaultRememberedIDs = 10000

// Receiver parses delivered envelopes, checks them against contracts and
// filters redeliveries by event id.
type Receiver struct {
	contracts *Contracts
	seen      *recentIDs
}

// NewReceiver remembers up to remember event ids; 0 picks a default.
// A nil contracts only parses.
func NewReceiver(contracts *Contracts, remember int) *Receiver {
	if remember <= 0 {
		remember = defaultRememberedIDs
	}
	return &Receiver{contracts: contracts, seen: newRecentIDs(remember)}
}

// Receive returns the envelope and whether its event id is new.
// Invalid envelopes are never remembered.
func (r *Receiver) Receive(raw []byte) (Envelope, bool, error) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return Envelope{}, false, err
	}
	if r.contracts != nil {
		if err := r.contracts.Check(env); err != nil {
			return Envelope{}, false, err
		}
	}
	return env, r.seen.add(env.EventID), nil
}

// recentIDs is a bounded set evicting the oldest id first.
type recentIDs struct {
	mu    sync.Mutex
	limit int
	index map[string]*list.Element
	fifo  *list.List
}

func newRecentIDs(limit int) *recentIDs {
	return &recentIDs{limit: limit, index: make(map[string]*list.Element), fifo: list.New()}
}

// add reports whether id was absent.
func (s *recentIDs) add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.index[id]; dup {
		return false
	}
	s.index[id] = s.fifo.PushBack(id)
	if s.fifo.Len() > s.limit {
		oldest := s.fifo.Remove(s.fifo.Front()).(string)
		delete(s.index, oldest)
	}
	return true
}
