// Package knowledge stores multilingual answers and retrieves them by
// embedding similarity, degrading to keyword search while the embedding
// provider is unavailable.
package knowledge

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/yyd/aurora/pkg/storage"
)

var (
	// ErrDimensionMismatch reports an embedding of the wrong length.
	ErrDimensionMismatch = errors.New("knowledge: vector dimension mismatch")
	// ErrInvalidEntry reports an entry without a category or any text.
	ErrInvalidEntry = errors.New("knowledge: invalid entry")
)

// Mode names the retrieval strategy in use.
type Mode string

const (
	ModeVector  Mode = "vector"
	ModeKeyword Mode = "keyword"
)

// Query describes a retrieval request.
type Query struct {
	Text          string
	Locale        string
	Category      string
	TopK          int
	MinSimilarity float64
}

// Match is one retrieved entry with the text variant for the query locale.
type Match struct {
	Entry      *storage.KnowledgeEntry
	Text       string
	Locale     string
	Similarity float64
	Mode       Mode
}

// Store retrieves knowledge. VectorStore and KeywordStore implement it
// over the same catalog; Router picks between them.
type Store interface {
	Search(ctx context.Context, q Query) ([]Match, error)
	Mode() Mode
}

// catalog is the in-process view of active entries shared by both stores.
type catalog struct {
	mu      sync.RWMutex
	entries map[string]*storage.KnowledgeEntry
	vectors *VectorIndex
	words   *KeywordIndex
}

func newCatalog() *catalog {
	return &catalog{
		entries: make(map[string]*storage.KnowledgeEntry),
		vectors: NewVectorIndex(0),
		words:   NewKeywordIndex(),
	}
}

// put indexes an active entry, or drops an inactive one.
func (c *catalog) put(e *storage.KnowledgeEntry) error {
	if !e.Active {
		c.remove(e.ID)
		return nil
	}
	c.words.Upsert(e.ID, e.Category, document(e))
	if len(e.Embedding) > 0 && !e.EmbeddingPending {
		if err := c.vectors.Upsert(e.ID, e.Category, e.Embedding); err != nil {
			return err
		}
	} else {
		c.vectors.Delete(e.ID)
	}
	c.mu.Lock()
	c.entries[e.ID] = e.Clone()
	c.mu.Unlock()
	return nil
}

func (c *catalog) remove(id string) {
	c.words.Delete(id)
	c.vectors.Delete(id)
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

func (c *catalog) get(id string) (*storage.KnowledgeEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	return e, ok
}

func (c *catalog) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *catalog) matches(hits []hit, q Query, mode Mode) []Match {
	out := make([]Match, 0, len(hits))
	for _, h := range hits {
		if h.score < q.MinSimilarity {
			continue
		}
		e, ok := c.get(h.id)
		if !ok {
			continue
		}
		text, loc := e.Text(q.Locale)
		if text == "" {
			continue
		}
		out = append(out, Match{Entry: e.Clone(), Text: text, Locale: loc, Similarity: h.score, Mode: mode})
	}
	return out
}

// document is the text embedded and keyword-indexed for an entry.
func document(e *storage.KnowledgeEntry) string {
	var b strings.Builder
	b.WriteString(e.Category)
	for _, tag := range e.Tags {
		b.WriteString(" ")
		b.WriteString(tag)
	}
	for _, loc := range sortedLocales(e.Texts) {
		b.WriteString("\n")
		b.WriteString(e.Texts[loc])
	}
	return b.String()
}
