package knowledge

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// VectorIndex is a brute-force cosine index over entry embeddings.
// Reads take a read lock and never block each other.
type VectorIndex struct {
	mu         sync.RWMutex
	dimension  int
	vectors    map[string][]float32 // entryID -> vector
	categories map[string]string    // entryID -> category
}

// NewVectorIndex creates an index. A zero dimension adopts the length of
// the first vector added.
func NewVectorIndex(dimension int) *VectorIndex {
	return &VectorIndex{
		dimension:  dimension,
		vectors:    make(map[string][]float32),
		categories: make(map[string]string),
	}
}

// Upsert adds or replaces the vector of an entry.
func (v *VectorIndex) Upsert(entryID, category string, vector []float32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.dimension == 0 {
		v.dimension = len(vector)
	}
	if len(vector) != v.dimension {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, v.dimension, len(vector))
	}
	v.vectors[entryID] = vector
	v.categories[entryID] = category
	return nil
}

// Delete removes an entry from the index.
func (v *VectorIndex) Delete(entryID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.vectors, entryID)
	delete(v.categories, entryID)
}

type hit struct {
	id    string
	score float64
}

// Search returns up to topK entries by descending cosine similarity,
// restricted to category when it is non-empty.
func (v *VectorIndex) Search(query []float32, topK int, category string) ([]hit, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.dimension != 0 && len(query) != v.dimension {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, v.dimension, len(query))
	}

	results := make([]hit, 0, len(v.vectors))
	for id, vec := range v.vectors {
		if category != "" && v.categories[id] != category {
			continue
		}
		results = append(results, hit{id: id, score: cosineSimilarity(query, vec)})
	}
	sortHits(results)
	if topK > 0 && topK < len(results) {
		results = results[:topK]
	}
	return results, nil
}

// Len returns the number of vectors in the index.
func (v *VectorIndex) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.vectors)
}

// sortHits orders by score, then id so equal scores rank deterministically.
func sortHits(h []hit) {
	sort.Slice(h, func(i, j int) bool {
		if h[i].score != h[j].score {
			return h[i].score > h[j].score
		}
		return h[i].id < h[j].id
	})
}

func cosineSimilarity(a []float32, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dotProduct / denom
}
