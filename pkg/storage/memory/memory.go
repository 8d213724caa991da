// Package memory provides an in-memory implementation of storage.RecordStore.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yyd/aurora/pkg/storage"
)

// MemoryStorage implements storage.RecordStore using maps guarded by one
// RWMutex. Values are copied on the way in and out.
type MemoryStorage struct {
	mu          sync.RWMutex
	sessions    map[string]*storage.Session
	messages    map[string]*storage.Message
	bySession   map[string][]string // sessionID -> message ids in append order
	knowledge   map[string]*storage.KnowledgeEntry
	experiences []*storage.Experience
	handoffs    map[string]*storage.HandoffRecord
	episodes    map[string]*storage.Episode
}

// NewMemoryStorage creates a new in-memory storage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		sessions:  make(map[string]*storage.Session),
		messages:  make(map[string]*storage.Message),
		bySession: make(map[string][]string),
		knowledge: make(map[string]*storage.KnowledgeEntry),
		handoffs:  make(map[string]*storage.HandoffRecord),
		episodes:  make(map[string]*storage.Episode),
	}
}

func (m *MemoryStorage) CreateSession(ctx context.Context, s *storage.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return &storage.DuplicateKeyError{EntityType: "session", ID: s.ID}
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStorage) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, &storage.NotFoundError{EntityType: "session", ID: id}
	}
	return s.Clone(), nil
}

func (m *MemoryStorage) UpdateSession(ctx context.Context, s *storage.Session, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[s.ID]
	if !ok {
		return &storage.NotFoundError{EntityType: "session", ID: s.ID}
	}
	if cur.Version != expectedVersion {
		return &storage.ConflictError{EntityType: "session", ID: s.ID, Expected: expectedVersion, Actual: cur.Version}
	}
	s.Version = expectedVersion + 1
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStorage) ListSessions(ctx context.Context, filter storage.SessionFilter) ([]*storage.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*storage.Session
	for _, s := range m.sessions {
		if filter.Matches(s) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return storage.Head(out, filter.Limit), nil
}

func (m *MemoryStorage) AppendMessage(ctx context.Context, msg *storage.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[msg.ID]; ok {
		return &storage.DuplicateKeyError{EntityType: "message", ID: msg.ID}
	}
	m.messages[msg.ID] = msg.Clone()
	m.bySession[msg.SessionID] = append(m.bySession[msg.SessionID], msg.ID)
	return nil
}

func (m *MemoryStorage) GetMessage(ctx context.Context, id string) (*storage.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, &storage.NotFoundError{EntityType: "message", ID: id}
	}
	return msg.Clone(), nil
}

func (m *MemoryStorage) DeleteMessage(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return &storage.NotFoundError{EntityType: "message", ID: id}
	}
	delete(m.messages, id)
	ids := m.bySession[msg.SessionID]
	for i, mid := range ids {
		if mid == id {
			m.bySession[msg.SessionID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryStorage) ListMessages(ctx context.Context, sessionID string, limit int) ([]*storage.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := storage.Limit(m.bySession[sessionID], limit)
	out := make([]*storage.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.messages[id].Clone())
	}
	return out, nil
}

func (m *MemoryStorage) SaveKnowledge(ctx context.Context, e *storage.KnowledgeEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.knowledge[e.ID] = e.Clone()
	return nil
}

func (m *MemoryStorage) GetKnowledge(ctx context.Context, id string) (*storage.KnowledgeEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.knowledge[id]
	if !ok {
		return nil, &storage.NotFoundError{EntityType: "knowledge", ID: id}
	}
	return e.Clone(), nil
}

func (m *MemoryStorage) ListKnowledge(ctx context.Context, filter storage.KnowledgeFilter) ([]*storage.KnowledgeEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*storage.KnowledgeEntry
	for _, e := range m.knowledge {
		if filter.Matches(e) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return storage.Head(out, filter.Limit), nil
}

func (m *MemoryStorage) DeleteKnowledge(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.knowledge[id]; !ok {
		return &storage.NotFoundError{EntityType: "knowledge", ID: id}
	}
	delete(m.knowledge, id)
	return nil
}

func (m *MemoryStorage) RecordKnowledgeUsage(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.knowledge[id]
	if !ok {
		return &storage.NotFoundError{EntityType: "knowledge", ID: id}
	}
	e.UsageCount++
	t := at
	e.LastUsedAt = &t
	return nil
}

func (m *MemoryStorage) AppendExperience(ctx context.Context, e *storage.Experience) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.experiences = append(m.experiences, e.Clone())
	return nil
}

func (m *MemoryStorage) ListExperiences(ctx context.Context, since time.Time, limit int) ([]*storage.Experience, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*storage.Experience
	for _, e := range m.experiences {
		if !e.CreatedAt.Before(since) {
			out = append(out, e.Clone())
		}
	}
	return storage.Limit(out, limit), nil
}

func (m *MemoryStorage) CreateHandoff(ctx context.Context, h *storage.HandoffRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handoffs[h.ID]; ok {
		return &storage.DuplicateKeyError{EntityType: "handoff", ID: h.ID}
	}
	m.handoffs[h.ID] = h.Clone()
	return nil
}

func (m *MemoryStorage) GetHandoff(ctx context.Context, id string) (*storage.HandoffRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handoffs[id]
	if !ok {
		return nil, &storage.NotFoundError{EntityType: "handoff", ID: id}
	}
	return h.Clone(), nil
}

func (m *MemoryStorage) UpdateHandoff(ctx context.Context, h *storage.HandoffRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handoffs[h.ID]; !ok {
		return &storage.NotFoundError{EntityType: "handoff", ID: h.ID}
	}
	m.handoffs[h.ID] = h.Clone()
	return nil
}

func (m *MemoryStorage) DeleteHandoff(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handoffs[id]; !ok {
		return &storage.NotFoundError{EntityType: "handoff", ID: id}
	}
	delete(m.handoffs, id)
	return nil
}

func (m *MemoryStorage) ListHandoffs(ctx context.Context, filter storage.HandoffFilter) ([]*storage.HandoffRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*storage.HandoffRecord
	for _, h := range m.handoffs {
		if filter.Matches(h) {
			out = append(out, h.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return storage.Head(out, filter.Limit), nil
}

func (m *MemoryStorage) SaveEpisode(ctx context.Context, e *storage.Episode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.episodes[e.ID] = e.Clone()
	return nil
}

func (m *MemoryStorage) GetEpisode(ctx context.Context, id string) (*storage.Episode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.episodes[id]
	if !ok {
		return nil, &storage.NotFoundError{EntityType: "episode", ID: id}
	}
	return e.Clone(), nil
}

func (m *MemoryStorage) ListEpisodes(ctx context.Context, filter storage.EpisodeFilter) ([]*storage.Episode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*storage.Episode
	for _, e := range m.episodes {
		if filter.Matches(e) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return storage.Head(out, filter.Limit), nil
}

// Close is a no-op.
func (m *MemoryStorage) Close() error {
	return nil
}

var _ storage.RecordStore = (*MemoryStorage)(nil)
