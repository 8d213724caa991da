package scoring

import (
	"sync/atomic"

	"github.com/yyd/aurora/pkg/affect"
)

type toneSet struct {
	version int
	vectors map[affect.Tone]affect.Vector
}

// ToneBook holds the reference vector of each tone class. The learning
// loop publishes new versions; readers never see a partial update.
type ToneBook struct {
	current atomic.Pointer[toneSet]
}

// NewToneBook creates a book at version 1.
func NewToneBook(vectors map[affect.Tone]affect.Vector) *ToneBook {
	b := &ToneBook{}
	b.current.Store(&toneSet{version: 1, vectors: copyVectors(vectors)})
	return b
}

// Vector returns the reference vector for tone.
func (b *ToneBook) Vector(tone affect.Tone) (affect.Vector, bool) {
	v, ok := b.current.Load().vectors[tone]
	return v, ok
}

// Vectors returns a copy of every reference vector.
func (b *ToneBook) Vectors() map[affect.Tone]affect.Vector {
	return copyVectors(b.current.Load().vectors)
}

// Version returns the published version.
func (b *ToneBook) Version() int { return b.current.Load().version }

// Publish replaces all vectors and returns the new version.
func (b *ToneBook) Publish(vectors map[affect.Tone]affect.Vector) int {
	for {
		old := b.current.Load()
		next := &toneSet{version: old.version + 1, vectors: copyVectors(vectors)}
		if b.current.CompareAndSwap(old, next) {
			return next.version
		}
	}
}

func copyVectors(in map[affect.Tone]affect.Vector) map[affect.Tone]affect.Vector {
	out := make(map[affect.Tone]affect.Vector, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
