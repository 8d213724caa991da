package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Idempotency remembers which inbound event ids were already taken.
// Claim returns false for an id claimed before and not yet expired.
type Idempotency interface {
	Claim(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

// MemoryIdempotency keeps claimed ids in process for ttl.
type MemoryIdempotency struct {
	mu      sync.Mutex
	ttl     time.Duration
	claimed map[string]time.Time
	now     func() time.Time
	claims  int
}

// NewMemoryIdempotency creates an in-process store; ttl <= 0 keeps ids
// forever.
func NewMemoryIdempotency(ttl time.Duration) *MemoryIdempotency {
	return &MemoryIdempotency{ttl: ttl, claimed: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryIdempotency) Claim(ctx context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expires, ok := m.claimed[eventID]; ok && (expires.IsZero() || now.Before(expires)) {
		return false, nil
	}
	var expires time.Time
	if m.ttl > 0 {
		expires = now.Add(m.ttl)
	}
	m.claimed[eventID] = expires

	// Sweep expired ids every so often instead of on a timer.
	m.claims++
	if m.ttl > 0 && m.claims%1024 == 0 {
		for id, exp := range m.claimed {
			if !now.Before(exp) {
				delete(m.claimed, id)
			}
		}
	}
	return true, nil
}

func (m *MemoryIdempotency) Release(ctx context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claimed, eventID)
	return nil
}

// Len returns the number of remembered ids, expired ones included.
func (m *MemoryIdempotency) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.claimed)
}

// RedisIdempotency claims ids with SET NX so every engine replica
// shares one duplicate set.
type RedisIdempotency struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisIdempotency creates a Redis-backed store.
func NewRedisIdempotency(client redis.Cmdable, keyPrefix string, ttl time.Duration) *RedisIdempotency {
	if keyPrefix == "" {
		keyPrefix = "aurora:"
	}
	return &RedisIdempotency{client: client, prefix: keyPrefix + "turn:", ttl: ttl}
}

func (r *RedisIdempotency) Claim(ctx context.Context, eventID string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+eventID, time.Now().UTC().Format(time.RFC3339Nano), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("conversation: claim event %s: %w", eventID, err)
	}
	return ok, nil
}

func (r *RedisIdempotency) Release(ctx context.Context, eventID string) error {
	if err := r.client.Del(ctx, r.prefix+eventID).Err(); err != nil {
		return fmt.Errorf("conversation: release event %s: %w", eventID, err)
	}
	return nil
}
