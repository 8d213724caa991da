package knowledge

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"
)

// Router sends queries to the vector store while the embedding provider
// is healthy and to the keyword store otherwise. Callers always get a
// result set, never a provider error.
type Router struct {
	vector       Store
	keyword      Store
	failureLimit int
	logger       *slog.Logger

	mu        sync.Mutex
	mode      Mode
	failures  int
	observers []func(Mode)
}

// NewRouter creates a router in vector mode. After failureLimit
// consecutive vector failures it switches to keyword mode until
// MarkHealthy.
func NewRouter(vector, keyword Store, failureLimit int, logger *slog.Logger) *Router {
	if failureLimit <= 0 {
		failureLimit = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		vector:       vector,
		keyword:      keyword,
		failureLimit: failureLimit,
		logger:       logger,
		mode:         ModeVector,
	}
}

// Mode returns the active retrieval mode.
func (r *Router) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// OnModeChange registers fn to run after every mode switch.
func (r *Router) OnModeChange(fn func(Mode)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Search runs q on the active store. In vector mode the keyword results
// are fused in as well, so an entry that shares the query's terms is found
// even when its embedding is not close enough. A failed vector search
// falls back to keywords alone.
func (r *Router) Search(ctx context.Context, q Query) ([]Match, error) {
	if r.Mode() != ModeVector {
		return r.keyword.Search(ctx, q)
	}
	vector, err := r.vector.Search(ctx, q)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("vector search failed, using keyword search", "error", err)
		r.recordFailure()
		return r.keyword.Search(ctx, q)
	}
	r.mu.Lock()
	r.failures = 0
	r.mu.Unlock()

	keyword, err := r.keyword.Search(ctx, q)
	if err != nil {
		r.logger.Warn("keyword search failed, using vector results only", "error", err)
		return vector, nil
	}
	return fuse(vector, keyword, q.TopK), nil
}

const (
	rrfK          = 60.0
	vectorWeight  = 0.6
	keywordWeight = 0.4
)

// fuse merges two ranked lists with weighted reciprocal rank fusion. An
// entry found by both keeps the higher similarity, and its mode is the
// vector mode.
func fuse(vector, keyword []Match, topK int) []Match {
	type fused struct {
		match Match
		score float64
	}
	byID := make(map[string]*fused, len(vector)+len(keyword))
	order := make([]string, 0, len(vector)+len(keyword))
	add := func(list []Match, weight float64) {
		for rank, m := range list {
			f, ok := byID[m.Entry.ID]
			if !ok {
				f = &fused{match: m}
				byID[m.Entry.ID] = f
				order = append(order, m.Entry.ID)
			} else if m.Similarity > f.match.Similarity {
				f.match.Similarity = m.Similarity
			}
			f.score += weight / (rrfK + float64(rank+1))
		}
	}
	add(vector, vectorWeight)
	add(keyword, keywordWeight)

	out := make([]*fused, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	if topK > 0 && topK < len(out) {
		out = out[:topK]
	}
	matches := make([]Match, len(out))
	for i, f := range out {
		matches[i] = f.match
	}
	return matches
}

func (r *Router) recordFailure() {
	r.mu.Lock()
	r.failures++
	trip := r.failures >= r.failureLimit && r.mode == ModeVector
	r.mu.Unlock()
	if trip {
		r.setMode(ModeKeyword)
	}
}

// MarkHealthy returns the router to vector mode.
func (r *Router) MarkHealthy() {
	r.mu.Lock()
	r.failures = 0
	r.mu.Unlock()
	r.setMode(ModeVector)
}

// MarkDegraded switches to keyword mode immediately.
func (r *Router) MarkDegraded() {
	r.setMode(ModeKeyword)
}

func (r *Router) setMode(m Mode) {
	r.mu.Lock()
	if r.mode == m {
		r.mu.Unlock()
		return
	}
	r.mode = m
	observers := slices.Clone(r.observers)
	r.mu.Unlock()

	r.logger.Info("knowledge retrieval mode changed", "mode", m)
	for _, fn := range observers {
		fn(m)
	}
}
