package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/yyd/aurora/pkg/provider"
	"github.com/yyd/aurora/pkg/storage"
)

// EntryInput is the writable part of a knowledge entry.
type EntryInput struct {
	ID               string            `json:"id,omitempty" yaml:"id" validate:"omitempty,max=128"`
	Category         string            `json:"category" yaml:"category" validate:"required,max=64"`
	Tags             []string          `json:"tags,omitempty" yaml:"tags" validate:"max=32,dive,max=64"`
	Texts            map[string]string `json:"texts" yaml:"texts" validate:"required,min=1,dive,keys,min=2,max=10,endkeys,required"`
	ConfidenceWeight float64           `json:"confidence_weight,omitempty" yaml:"weight" validate:"gte=0,lte=1"`
}

// Options tunes retrieval.
type Options struct {
	TopK          int
	MinSimilarity float64
	FailureLimit  int
}

// Service owns knowledge entries: persistence, embeddings and the
// retrieval indexes.
type Service struct {
	store    storage.KnowledgeStore
	embedder provider.EmbeddingProvider
	catalog  *catalog
	router   *Router
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a knowledge service. Call Load before serving.
func NewService(store storage.KnowledgeStore, embedder provider.EmbeddingProvider, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "knowledge")
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	cat := newCatalog()
	return &Service{
		store:    store,
		embedder: embedder,
		catalog:  cat,
		router:   NewRouter(&VectorStore{catalog: cat, embedder: embedder}, &KeywordStore{catalog: cat}, opts.FailureLimit, logger),
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// Router exposes the retrieval router for health tracking.
func (s *Service) Router() *Router { return s.router }

// Load indexes every active entry from the store.
func (s *Service) Load(ctx context.Context) error {
	entries, err := s.store.ListKnowledge(ctx, storage.KnowledgeFilter{})
	if err != nil {
		return fmt.Errorf("knowledge: load entries: %w", err)
	}
	for _, e := range entries {
		if err := s.catalog.put(e); err != nil {
			s.logger.Warn("skipping entry with bad embedding", "knowledge_id", e.ID, "error", err)
		}
	}
	s.logger.Info("knowledge loaded", "entries", s.catalog.len(), "vectors", s.catalog.vectors.Len())
	return nil
}

// Search retrieves entries for text using the configured top-k and
// similarity floor.
func (s *Service) Search(ctx context.Context, text, locale, category string) ([]Match, error) {
	return s.router.Search(ctx, Query{
		Text:          text,
		Locale:        locale,
		Category:      category,
		TopK:          s.opts.TopK,
		MinSimilarity: s.opts.MinSimilarity,
	})
}

// Ingest creates an entry, or replaces it when in.ID already exists.
func (s *Service) Ingest(ctx context.Context, in EntryInput) (*storage.KnowledgeEntry, error) {
	if in.ID != "" {
		if _, err := s.store.GetKnowledge(ctx, in.ID); err == nil {
			return s.Update(ctx, in.ID, in)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	if err := checkInput(in); err != nil {
		return nil, err
	}

	now := s.now()
	e := &storage.KnowledgeEntry{
		ID:               in.ID,
		Category:         in.Category,
		Tags:             in.Tags,
		Texts:            in.Texts,
		ConfidenceWeight: weightOrDefault(in.ConfidenceWeight),
		Active:           true,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	s.embed(ctx, e)
	if err := s.save(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// IngestAll ingests inputs in order and returns how many succeeded.
func (s *Service) IngestAll(ctx context.Context, inputs []EntryInput) (int, error) {
	for i, in := range inputs {
		if _, err := s.Ingest(ctx, in); err != nil {
			return i, fmt.Errorf("knowledge: ingest entry %d: %w", i, err)
		}
	}
	return len(inputs), nil
}

// Update replaces the content of an entry, bumps its version and
// regenerates the embedding.
func (s *Service) Update(ctx context.Context, id string, in EntryInput) (*storage.KnowledgeEntry, error) {
	if err := checkInput(in); err != nil {
		return nil, err
	}
	e, err := s.store.GetKnowledge(ctx, id)
	if err != nil {
		return nil, err
	}
	e.Category = in.Category
	e.Tags = in.Tags
	e.Texts = in.Texts
	e.ConfidenceWeight = weightOrDefault(in.ConfidenceWeight)
	e.Active = true
	e.Version++
	e.UpdatedAt = s.now()
	s.embed(ctx, e)
	if err := s.save(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Deactivate soft-deletes an entry: it stays stored but is no longer
// retrieved.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	e, err := s.store.GetKnowledge(ctx, id)
	if err != nil {
		return err
	}
	e.Active = false
	e.UpdatedAt = s.now()
	return s.save(ctx, e)
}

// Delete removes an entry permanently.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteKnowledge(ctx, id); err != nil {
		return err
	}
	s.catalog.remove(id)
	return nil
}

// Get returns an entry by id, active or not.
func (s *Service) Get(ctx context.Context, id string) (*storage.KnowledgeEntry, error) {
	return s.store.GetKnowledge(ctx, id)
}

// List returns stored entries matching filter.
func (s *Service) List(ctx context.Context, filter storage.KnowledgeFilter) ([]*storage.KnowledgeEntry, error) {
	return s.store.ListKnowledge(ctx, filter)
}

// RecordUsage counts a selection of the entry.
func (s *Service) RecordUsage(ctx context.Context, id string) error {
	return s.store.RecordKnowledgeUsage(ctx, id, s.now())
}

// ReprocessPending embeds entries that were stored while the provider
// was down, batch at a time, and returns how many were embedded.
func (s *Service) ReprocessPending(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = 10
	}
	pending, err := s.store.ListKnowledge(ctx, storage.KnowledgeFilter{PendingOnly: true, IncludeInactive: true})
	if err != nil {
		return 0, fmt.Errorf("knowledge: list pending: %w", err)
	}

	done := 0
	for start := 0; start < len(pending); start += batch {
		end := min(start+batch, len(pending))
		chunk := pending[start:end]
		docs := make([]string, len(chunk))
		for i, e := range chunk {
			docs[i] = document(e)
		}
		vectors, err := provider.EmbedBatch(ctx, s.embedder, docs)
		if err != nil {
			return done, fmt.Errorf("knowledge: reprocess batch: %w", err)
		}
		for i, e := range chunk {
			e.Embedding = vectors[i]
			e.EmbeddingPending = false
			if err := s.save(ctx, e); err != nil {
				return done, err
			}
			done++
		}
	}
	if done > 0 {
		s.logger.Info("reprocessed pending embeddings", "count", done)
	}
	return done, nil
}

// PendingCount returns how many entries wait for an embedding.
func (s *Service) PendingCount(ctx context.Context) (int, error) {
	pending, err := s.store.ListKnowledge(ctx, storage.KnowledgeFilter{PendingOnly: true, IncludeInactive: true})
	return len(pending), err
}

// embed fills e.Embedding, or marks it pending when the provider fails.
func (s *Service) embed(ctx context.Context, e *storage.KnowledgeEntry) {
	vec, err := s.embedder.Embed(ctx, document(e))
	if err != nil {
		s.logger.Warn("embedding unavailable, entry served by keyword search", "knowledge_id", e.ID, "error", err)
		e.Embedding = nil
		e.EmbeddingPending = true
		return
	}
	e.Embedding = vec
	e.EmbeddingPending = false
}

func (s *Service) save(ctx context.Context, e *storage.KnowledgeEntry) error {
	if err := s.store.SaveKnowledge(ctx, e); err != nil {
		return fmt.Errorf("knowledge: save %s: %w", e.ID, err)
	}
	if err := s.catalog.put(e); err != nil {
		return fmt.Errorf("knowledge: index %s: %w", e.ID, err)
	}
	return nil
}

func checkInput(in EntryInput) error {
	if strings.TrimSpace(in.Category) == "" {
		return fmt.Errorf("%w: category is required", ErrInvalidEntry)
	}
	for _, text := range in.Texts {
		if strings.TrimSpace(text) != "" {
			return nil
		}
	}
	return fmt.Errorf("%w: at least one text is required", ErrInvalidEntry)
}

func weightOrDefault(w float64) float64 {
	if w <= 0 {
		return 1
	}
	return w
}
