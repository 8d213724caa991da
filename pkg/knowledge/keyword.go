package knowledge

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// KeywordIndex ranks entries with BM25 over their category, tags and
// every locale variant. It needs no embeddings, so it serves queries
// while the embedding provider is down.
type KeywordIndex struct {
	mu sync.RWMutex

	k1 float64
	b  float64

	invertedIndex map[string]map[string]struct{} // term -> entryIDs
	termFreqs     map[string]map[string]int      // entryID -> term -> count
	docLengths    map[string]int
	categories    map[string]string

	totalDocs int
	totalLen  int
}

// NewKeywordIndex creates a BM25 index with the usual k1=1.2, b=0.75.
func NewKeywordIndex() *KeywordIndex {
	return &KeywordIndex{
		k1:            1.2,
		b:             0.75,
		invertedIndex: make(map[string]map[string]struct{}),
		termFreqs:     make(map[string]map[string]int),
		docLengths:    make(map[string]int),
		categories:    make(map[string]string),
	}
}

// Upsert indexes content for an entry, replacing earlier content.
func (idx *KeywordIndex) Upsert(entryID, category, content string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.termFreqs[entryID]; exists {
		idx.removeLocked(entryID)
	}

	tokens := tokenize(content)
	freqs := make(map[string]int)
	for _, token := range tokens {
		freqs[token]++
	}

	idx.termFreqs[entryID] = freqs
	idx.docLengths[entryID] = len(tokens)
	idx.categories[entryID] = category
	idx.totalDocs++
	idx.totalLen += len(tokens)

	for term := range freqs {
		if idx.invertedIndex[term] == nil {
			idx.invertedIndex[term] = make(map[string]struct{})
		}
		idx.invertedIndex[term][entryID] = struct{}{}
	}
}

// Delete removes an entry from the index.
func (idx *KeywordIndex) Delete(entryID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(entryID)
}

func (idx *KeywordIndex) removeLocked(entryID string) {
	freqs, exists := idx.termFreqs[entryID]
	if !exists {
		return
	}
	for term := range freqs {
		if docs, ok := idx.invertedIndex[term]; ok {
			delete(docs, entryID)
			if len(docs) == 0 {
				delete(idx.invertedIndex, term)
			}
		}
	}
	idx.totalLen -= idx.docLengths[entryID]
	idx.totalDocs--
	delete(idx.termFreqs, entryID)
	delete(idx.docLengths, entryID)
	delete(idx.categories, entryID)
}

// Search ranks matching entries by BM25 and reports, as each hit's
// score, the fraction of distinct query terms the entry contains.
func (idx *KeywordIndex) Search(query string, topK int, category string) []hit {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.totalDocs == 0 {
		return nil
	}
	queryTokens := unique(tokenize(query))
	if len(queryTokens) == 0 {
		return nil
	}
	avgDL := float64(idx.totalLen) / float64(idx.totalDocs)

	candidates := make(map[string]struct{})
	for _, token := range queryTokens {
		for id := range idx.invertedIndex[token] {
			if category != "" && idx.categories[id] != category {
				continue
			}
			candidates[id] = struct{}{}
		}
	}

	type ranked struct {
		id       string
		bm25     float64
		coverage float64
	}
	results := make([]ranked, 0, len(candidates))
	for id := range candidates {
		bm25, matched := idx.scoreLocked(id, queryTokens, avgDL)
		if matched == 0 {
			continue
		}
		results = append(results, ranked{id: id, bm25: bm25, coverage: float64(matched) / float64(len(queryTokens))})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].bm25 != results[j].bm25 {
			return results[i].bm25 > results[j].bm25
		}
		return results[i].id < results[j].id
	})

	hits := make([]hit, len(results))
	for i, r := range results {
		hits[i] = hit{id: r.id, score: r.coverage}
	}
	if topK > 0 && topK < len(hits) {
		hits = hits[:topK]
	}
	return hits
}

// Len returns the number of indexed entries.
func (idx *KeywordIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.totalDocs
}

// scoreLocked returns the BM25 score of a document and how many query
// terms it contains. Must be called with the read lock held.
func (idx *KeywordIndex) scoreLocked(docID string, queryTokens []string, avgDL float64) (float64, int) {
	docLen := float64(idx.docLengths[docID])
	freqs := idx.termFreqs[docID]
	score := 0.0
	matched := 0

	for _, term := range queryTokens {
		tf := float64(freqs[term])
		if tf == 0 {
			continue
		}
		matched++

		// IDF: log((N - n + 0.5) / (n + 0.5) + 1)
		n := float64(len(idx.invertedIndex[term]))
		idf := math.Log((float64(idx.totalDocs)-n+0.5)/(n+0.5) + 1.0)

		numerator := tf * (idx.k1 + 1)
		denominator := tf + idx.k1*(1-idx.b+idx.b*docLen/avgDL)
		score += idf * numerator / denominator
	}
	return score, matched
}

func unique(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := tokens[:0:0]
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// tokenize splits text into lowercase tokens, dropping punctuation and
// stop words in English, Portuguese and Spanish.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := fields[:0]
	for _, f := range fields {
		if _, stop := stopWords[f]; !stop {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

var stopWords = func() map[string]struct{} {
	words := []string{
		// en
		"a", "an", "the", "is", "are", "was", "were", "be", "been", "have", "has", "had",
		"do", "does", "did", "will", "would", "could", "should", "can", "to", "of", "in",
		"for", "on", "with", "at", "by", "from", "as", "and", "but", "or", "not", "so",
		"if", "what", "which", "who", "how", "when", "where", "this", "that", "these",
		"those", "i", "me", "my", "we", "our", "you", "your", "it", "its", "they", "them",
		"their", "any", "some",
		// pt
		"o", "os", "as", "um", "uma", "de", "da", "do", "das", "dos", "em", "no", "na",
		"nos", "nas", "que", "e", "é", "para", "por", "com", "se", "vocês", "você", "eu",
		"meu", "minha", "qual", "quais", "tem", "têm",
		// es
		"el", "la", "los", "las", "un", "una", "del", "en", "y", "es", "por", "con",
		"que", "qué", "cuál", "cuáles", "tienen", "tiene", "mi", "su", "usted", "ustedes",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()
