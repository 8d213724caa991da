package learning

import (
	"math/rand/v2"
	"sync"

	"github.com/yyd/aurora/pkg/storage"
)

// Buffer is a fixed-capacity ring of experiences. When full, appending
// overwrites the oldest experience.
type Buffer struct {
	mu    sync.Mutex
	items []storage.Experience
	next  int
	full  bool
	total int64
}

// NewBuffer creates a ring holding capacity experiences.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Buffer{items: make([]storage.Experience, capacity)}
}

// Append records e. It never blocks on training.
func (b *Buffer) Append(e storage.Experience) {
	b.mu.Lock()
	b.items[b.next] = e
	b.next = (b.next + 1) % len(b.items)
	if b.next == 0 {
		b.full = true
	}
	b.total++
	b.mu.Unlock()
}

// Len returns how many experiences are held.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return len(b.items)
	}
	return b.next
}

// Cap returns the capacity.
func (b *Buffer) Cap() int { return len(b.items) }

// Total returns how many experiences were ever appended.
func (b *Buffer) Total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Snapshot copies the held experiences, oldest first.
func (b *Buffer) Snapshot() []storage.Experience {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.full {
		return append([]storage.Experience(nil), b.items[:b.next]...)
	}
	out := make([]storage.Experience, 0, len(b.items))
	out = append(out, b.items[b.next:]...)
	return append(out, b.items[:b.next]...)
}

// Sample returns up to n experiences drawn without replacement from a
// snapshot, in buffer order.
func (b *Buffer) Sample(n int, rng *rand.Rand) []storage.Experience {
	snap := b.Snapshot()
	if n <= 0 || n >= len(snap) {
		return snap
	}
	picked := rng.Perm(len(snap))[:n]
	keep := make([]bool, len(snap))
	for _, i := range picked {
		keep[i] = true
	}
	out := make([]storage.Experience, 0, n)
	for i, e := range snap {
		if keep[i] {
			out = append(out, e)
		}
	}
	return out
}
