package knowledge

import (
	"context"
	"fmt"
	"sort"

	"github.com/yyd/aurora/pkg/provider"
)

// VectorStore ranks entries by cosine similarity between the query
// embedding and each entry embedding.
type VectorStore struct {
	catalog  *catalog
	embedder provider.EmbeddingProvider
}

func (s *VectorStore) Mode() Mode { return ModeVector }

// Search embeds the query. An embedding failure is returned so the
// Router can degrade.
func (s *VectorStore) Search(ctx context.Context, q Query) ([]Match, error) {
	vec, err := s.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("knowledge: embed query: %w", err)
	}
	hits, err := s.catalog.vectors.Search(vec, q.TopK, q.Category)
	if err != nil {
		return nil, err
	}
	return s.catalog.matches(hits, q, ModeVector), nil
}

// KeywordStore ranks entries by BM25; similarity is the fraction of query
// terms the entry contains.
type KeywordStore struct {
	catalog *catalog
}

func (s *KeywordStore) Mode() Mode { return ModeKeyword }

func (s *KeywordStore) Search(ctx context.Context, q Query) ([]Match, error) {
	hits := s.catalog.words.Search(q.Text, q.TopK, q.Category)
	return s.catalog.matches(hits, q, ModeKeyword), nil
}

func sortedLocales(texts map[string]string) []string {
	locs := make([]string, 0, len(texts))
	for loc := range texts {
		locs = append(locs, loc)
	}
	sort.Strings(locs)
	return locs
}
