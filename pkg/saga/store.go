package saga

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ListFilter narrows List results. Newest instances come first.
type ListFilter struct {
	State  string
	Limit  int
	Offset int
}

// Store persists saga instances.
type Store interface {
	Save(ctx context.Context, inst *Instance) error
	Get(ctx context.Context, sagaID string) (*Instance, error)
	List(ctx context.Context, filter ListFilter) ([]*Instance, int, error)
	Delete(ctx context.Context, sagaID string) error
}

// MemoryStore keeps instances in a map.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[string]*Instance)}
}

func (s *MemoryStore) Save(_ context.Context, inst *Instance) error {
	if inst == nil {
		return errors.New("saga: instance cannot be nil")
	}
	s.mu.Lock()
	s.instances[inst.ID] = inst.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, sagaID string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[sagaID]
	if !ok {
		return nil, ErrNotFound
	}
	return inst.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*Instance, int, error) {
	s.mu.RLock()
	all := make([]*Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		if filter.State != "" && inst.State.String() != filter.State {
			continue
		}
		all = append(all, inst.Clone())
	}
	s.mu.RUnlock()
	page, total := paginate(all, filter)
	return page, total, nil
}

func (s *MemoryStore) Delete(_ context.Context, sagaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[sagaID]; !ok {
		return ErrNotFound
	}
	delete(s.instances, sagaID)
	return nil
}

func paginate(all []*Instance, filter ListFilter) ([]*Instance, int) {
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	total := len(all)
	offset := max(filter.Offset, 0)
	if offset > total {
		offset = total
	}
	end := total
	if filter.Limit > 0 && offset+filter.Limit < end {
		end = offset + filter.Limit
	}
	return all[offset:end], total
}
