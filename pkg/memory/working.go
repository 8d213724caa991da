package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// WorkingSet is the short-lived conversational context of one session.
type WorkingSet struct {
	SessionID     string    `json:"session_id"`
	RecentReplies []string  `json:"recent_replies,omitempty"`
	LastIntent    string    `json:"last_intent,omitempty"`
	LastTone      string    `json:"last_tone,omitempty"`
	Feedback      float64   `json:"feedback"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Remember appends reply, keeping at most window replies.
func (w *WorkingSet) Remember(reply string, window int) {
	w.RecentReplies = append(w.RecentReplies, reply)
	if window > 0 && len(w.RecentReplies) > window {
		w.RecentReplies = append([]string(nil), w.RecentReplies[len(w.RecentReplies)-window:]...)
	}
}

// Working stores working sets with a TTL. Get returns ErrNotFound for a
// missing or expired set.
type Working interface {
	Get(ctx context.Context, sessionID string) (*WorkingSet, error)
	Put(ctx context.Context, ws *WorkingSet) error
	Delete(ctx context.Context, sessionID string) error
}

// MemoryWorking is an in-process Working store.
type MemoryWorking struct {
	mu   sync.Mutex
	ttl  time.Duration
	sets map[string]workingItem
	now  func() time.Time
}

type workingItem struct {
	data    []byte
	expires time.Time
}

// NewMemoryWorking creates an in-process working store; ttl <= 0 keeps
// sets until deleted.
func NewMemoryWorking(ttl time.Duration) *MemoryWorking {
	return &MemoryWorking{ttl: ttl, sets: make(map[string]workingItem), now: time.Now}
}

func (m *MemoryWorking) Get(ctx context.Context, sessionID string) (*WorkingSet, error) {
	m.mu.Lock()
	item, ok := m.sets[sessionID]
	if ok && !item.expires.IsZero() && m.now().After(item.expires) {
		delete(m.sets, sessionID)
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	var ws WorkingSet
	if err := json.Unmarshal(item.data, &ws); err != nil {
		return nil, fmt.Errorf("memory: decode working set: %w", err)
	}
	return &ws, nil
}

func (m *MemoryWorking) Put(ctx context.Context, ws *WorkingSet) error {
	if ws.SessionID == "" {
		return ErrInvalidSessionID
	}
	data, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("memory: encode working set: %w", err)
	}
	item := workingItem{data: data}
	if m.ttl > 0 {
		item.expires = m.now().Add(m.ttl)
	}
	m.mu.Lock()
	m.sets[ws.SessionID] = item
	m.mu.Unlock()
	return nil
}

func (m *MemoryWorking) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.sets, sessionID)
	m.mu.Unlock()
	return nil
}

// RedisWorking keeps working sets in Redis so several engine replicas
// share them.
type RedisWorking struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisWorking creates a Redis-backed working store.
func NewRedisWorking(client redis.Cmdable, keyPrefix string, ttl time.Duration) *RedisWorking {
	if keyPrefix == "" {
		keyPrefix = "aurora:"
	}
	return &RedisWorking{client: client, prefix: keyPrefix + "working:", ttl: ttl}
}

func (r *RedisWorking) Get(ctx context.Context, sessionID string) (*WorkingSet, error) {
	data, err := r.client.Get(ctx, r.prefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("memory: redis get working set: %w", err)
	}
	var ws WorkingSet
	if err := json.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("memory: decode working set: %w", err)
	}
	return &ws, nil
}

func (r *RedisWorking) Put(ctx context.Context, ws *WorkingSet) error {
	if ws.SessionID == "" {
		return ErrInvalidSessionID
	}
	data, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("memory: encode working set: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+ws.SessionID, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("memory: redis set working set: %w", err)
	}
	return nil
}

func (r *RedisWorking) Delete(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.prefix+sessionID).Err(); err != nil {
		return fmt.Errorf("memory: redis delete working set: %w", err)
	}
	return nil
}
