package candidate

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/yyd/aurora/pkg/knowledge"
	"github.com/yyd/aurora/pkg/memory"
	"github.com/yyd/aurora/pkg/storage"
)

// Retriever searches the knowledge base. *knowledge.Service implements it.
type Retriever interface {
	Search(ctx context.Context, text, locale, category string) ([]knowledge.Match, error)
}

// EpisodeSource recalls remembered replies. *memory.Episodic implements it.
type EpisodeSource interface {
	Recall(ctx context.Context, customerID string, limit int) ([]*storage.Episode, error)
	Learned(ctx context.Context, minRating float64, limit int) ([]*storage.Episode, error)
}

// Options configures a Generator. Nil sources are skipped.
type Options struct {
	Templates *memory.TemplateCache
	Rules     *memory.Procedural
	Knowledge Retriever
	Episodes  EpisodeSource
	// MinLearnedRating is the lowest rating a learned answer needs (default 4).
	MinLearnedRating float64
	// MinLearnedOverlap is the lowest word overlap between the query and
	// the question a learned answer replied to (default 0.5).
	MinLearnedOverlap float64
	Logger            *slog.Logger
}

// Generator runs every candidate source for a turn.
type Generator struct {
	opts   Options
	logger *slog.Logger
}

// NewGenerator creates a Generator.
func NewGenerator(opts Options) *Generator {
	if opts.MinLearnedRating <= 0 {
		opts.MinLearnedRating = 4
	}
	if opts.MinLearnedOverlap <= 0 {
		opts.MinLearnedOverlap = 0.5
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{opts: opts, logger: logger.With("component", "candidate")}
}

// DetectIntent returns the intent of text, or "" when no rule matches.
func (g *Generator) DetectIntent(text string) string {
	if g.opts.Rules == nil {
		return ""
	}
	return g.opts.Rules.Detect(text)
}

type source struct {
	name string
	run  func(ctx context.Context, req Request) ([]Candidate, error)
}

// Generate runs the sources concurrently and concatenates their
// candidates in source order: template, knowledge base, learned,
// episodic. A failing source is logged and contributes nothing.
func (g *Generator) Generate(ctx context.Context, req Request) ([]Candidate, error) {
	if req.Intent == "" {
		req.Intent = g.DetectIntent(req.Query)
	}
	if req.Max <= 0 {
		req.Max = 10
	}

	sources := []source{
		{"template", g.fromTemplates},
		{"knowledge_base", g.fromKnowledge},
		{"learned", g.fromLearned},
		{"episodic", g.fromEpisodes},
	}
	results := make([][]Candidate, len(sources))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, src := range sources {
		eg.Go(func() error {
			out, err := src.run(egCtx, req)
			if err != nil {
				if egCtx.Err() != nil {
					return egCtx.Err()
				}
				g.logger.WarnContext(ctx, "candidate source failed", "source", src.name, "session_id", req.Context.SessionID, "error", err)
				return nil
			}
			results[i] = out
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var all []Candidate
	for _, r := range results {
		all = append(all, r...)
	}
	if len(all) > req.Max {
		all = all[:req.Max]
	}
	return all, nil
}

func (g *Generator) fromTemplates(_ context.Context, req Request) ([]Candidate, error) {
	if g.opts.Templates == nil || req.Intent == "" {
		return nil, nil
	}
	tpl, err := g.opts.Templates.Lookup(req.Intent, req.Locale)
	if errors.Is(err, memory.ErrNoTemplate) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []Candidate{{
		ActionID:   "template:" + tpl.Intent,
		Source:     storage.SourceTemplate,
		Text:       tpl.Text,
		Tone:       toneOf(tpl.Tone, tpl.Text),
		Relevance:  TemplateRelevance,
		Confidence: TemplateConfidence,
		Intent:     tpl.Intent,
	}}, nil
}

func (g *Generator) fromKnowledge(ctx context.Context, req Request) ([]Candidate, error) {
	if g.opts.Knowledge == nil {
		return nil, nil
	}
	matches, err := g.opts.Knowledge.Search(ctx, req.Query, req.Locale, req.Context.Category)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(matches))
	for _, m := range matches {
		out = append(out, Candidate{
			ActionID:    "knowledge:" + m.Entry.ID,
			Source:      storage.SourceKnowledgeBase,
			Text:        m.Text,
			Tone:        toneOf("", m.Text),
			Relevance:   m.Similarity,
			Confidence:  m.Similarity * m.Entry.ConfidenceWeight,
			Intent:      req.Intent,
			Tags:        m.Entry.Tags,
			KnowledgeID: m.Entry.ID,
		})
	}
	return out, nil
}

// fromLearned offers well-rated replies that answered a similar question.
func (g *Generator) fromLearned(ctx context.Context, req Request) ([]Candidate, error) {
	if g.opts.Episodes == nil {
		return nil, nil
	}
	episodes, err := g.opts.Episodes.Learned(ctx, g.opts.MinLearnedRating, 50)
	if err != nil {
		return nil, err
	}
	var out []Candidate
	for _, ep := range episodes {
		if ep.Anonymized || ep.Reply == "" {
			continue
		}
		overlap := Jaccard(req.Query, ep.Query)
		if overlap < g.opts.MinLearnedOverlap {
			continue
		}
		out = append(out, Candidate{
			ActionID:   "learned:" + ep.ID,
			Source:     storage.SourceLearned,
			Text:       ep.Reply,
			Tone:       toneOf(ep.Tone, ep.Reply),
			Relevance:  overlap,
			Confidence: LearnedConfidence,
			Utility:    ep.Rating / 5,
			Intent:     req.Intent,
			EpisodeID:  ep.ID,
		})
		if len(out) == 3 {
			break
		}
	}
	return out, nil
}

// fromEpisodes recalls what this customer was told before.
func (g *Generator) fromEpisodes(ctx context.Context, req Request) ([]Candidate, error) {
	if g.opts.Episodes == nil || req.Context.CustomerID == "" {
		return nil, nil
	}
	episodes, err := g.opts.Episodes.Recall(ctx, req.Context.CustomerID, 3)
	if err != nil {
		return nil, err
	}
	var out []Candidate
	for _, ep := range episodes {
		if ep.Anonymized || ep.Reply == "" {
			continue
		}
		out = append(out, Candidate{
			ActionID:   "episodic:" + ep.ID,
			Source:     storage.SourceEpisodic,
			Text:       ep.Reply,
			Tone:       toneOf(ep.Tone, ep.Reply),
			Relevance:  EpisodicRelevance,
			Confidence: EpisodicConfidence,
			Utility:    ep.Rating / 5,
			Intent:     req.Intent,
			EpisodeID:  ep.ID,
		})
	}
	return out, nil
}
