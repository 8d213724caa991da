package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yyd/aurora/pkg/storage"
)

var (
	emailPattern = regexp.MustCompile(`[\w.+-]+@[\w-]+\.[\w.]+`)
	digitPattern = regexp.MustCompile(`\d{4,}`)
)

// Episodic is long-term memory of past exchanges, recalled per customer
// and mined for answers customers rated well.
type Episodic struct {
	store     storage.EpisodeStore
	decay     *DecayManager
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time

	// mu serializes read-modify-write cycles so a reinforcement never
	// overwrites a rating saved in between, nor the reverse.
	mu sync.Mutex
}

// NewEpisodic creates episodic memory over store. Episodes older than
// retention are anonymized by Maintain; retention <= 0 disables that.
func NewEpisodic(store storage.EpisodeStore, decay *DecayManager, retention time.Duration, logger *slog.Logger) *Episodic {
	if logger == nil {
		logger = slog.Default()
	}
	if decay == nil {
		decay = NewDecayManager(0.05, 0, 0)
	}
	return &Episodic{
		store:     store,
		decay:     decay,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// Record stores a new episode.
func (e *Episodic) Record(ctx context.Context, ep *storage.Episode) error {
	if ep.SessionID == "" {
		return ErrInvalidSessionID
	}
	now := e.now()
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = now
	}
	e.decay.InitEntry(ep, now)
	if err := e.store.SaveEpisode(ctx, ep); err != nil {
		return fmt.Errorf("memory: record episode: %w", err)
	}
	return nil
}

// Recall returns the customer's strongest remembered episodes and
// reinforces them.
func (e *Episodic) Recall(ctx context.Context, customerID string, limit int) ([]*storage.Episode, error) {
	if customerID == "" {
		return nil, nil
	}
	episodes, err := e.store.ListEpisodes(ctx, storage.EpisodeFilter{CustomerID: customerID})
	if err != nil {
		return nil, fmt.Errorf("memory: recall episodes: %w", err)
	}
	out := e.strongest(episodes, limit)

	now := e.now()
	for _, ep := range out {
		err := e.update(ctx, ep.ID, func(fresh *storage.Episode) { e.decay.Boost(fresh, now) })
		if err != nil {
			e.logger.Warn("failed to reinforce episode", "episode_id", ep.ID, "error", err)
		}
	}
	return out, nil
}

// update applies fn to the stored copy of episode id and saves it.
func (e *Episodic) update(ctx context.Context, id string, fn func(*storage.Episode)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ep, err := e.store.GetEpisode(ctx, id)
	if err != nil {
		return err
	}
	fn(ep)
	return e.store.SaveEpisode(ctx, ep)
}

// Learned returns remembered replies rated at least minRating by any
// customer, strongest first.
func (e *Episodic) Learned(ctx context.Context, minRating float64, limit int) ([]*storage.Episode, error) {
	episodes, err := e.store.ListEpisodes(ctx, storage.EpisodeFilter{MinRating: minRating})
	if err != nil {
		return nil, fmt.Errorf("memory: learned episodes: %w", err)
	}
	return e.strongest(episodes, limit), nil
}

func (e *Episodic) strongest(episodes []*storage.Episode, limit int) []*storage.Episode {
	now := e.now()
	type scored struct {
		ep       *storage.Episode
		strength float64
	}
	live := make([]scored, 0, len(episodes))
	for _, ep := range episodes {
		if e.decay.Forgotten(ep, now) {
			continue
		}
		live = append(live, scored{ep: ep, strength: e.decay.Current(ep, now)})
	}
	sort.SliceStable(live, func(i, j int) bool { return live[i].strength > live[j].strength })

	out := make([]*storage.Episode, 0, len(live))
	for _, s := range live {
		out = append(out, s.ep)
	}
	return storage.Head(out, limit)
}

// Rate stores the customer's 1-5 rating of the reply remembered in the
// session's latest episode and returns that episode.
func (e *Episodic) Rate(ctx context.Context, sessionID string, rating float64) (*storage.Episode, error) {
	if math.IsNaN(rating) || rating < 1 || rating > 5 {
		return nil, ErrInvalidRating
	}
	episodes, err := e.store.ListEpisodes(ctx, storage.EpisodeFilter{SessionID: sessionID, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("memory: rate episode: %w", err)
	}
	if len(episodes) == 0 {
		return nil, ErrNotFound
	}
	var rated *storage.Episode
	err = e.update(ctx, episodes[0].ID, func(ep *storage.Episode) {
		ep.Rating = rating
		rated = ep
	})
	if err != nil {
		return nil, fmt.Errorf("memory: rate episode: %w", err)
	}
	return rated, nil
}

// Anonymize strips customer identity and contact details from episodes
// created before cutoff and returns how many changed.
func (e *Episodic) Anonymize(ctx context.Context, cutoff time.Time) (int, error) {
	episodes, err := e.store.ListEpisodes(ctx, storage.EpisodeFilter{CreatedBefore: cutoff})
	if err != nil {
		return 0, fmt.Errorf("memory: list episodes: %w", err)
	}
	changed := 0
	for _, ep := range episodes {
		if ep.Anonymized {
			continue
		}
		err := e.update(ctx, ep.ID, func(stored *storage.Episode) {
			stored.CustomerID = ""
			stored.Query = redact(stored.Query)
			stored.Reply = redact(stored.Reply)
			stored.Anonymized = true
		})
		if err != nil {
			return changed, fmt.Errorf("memory: anonymize episode %s: %w", ep.ID, err)
		}
		changed++
	}
	return changed, nil
}

// Maintain anonymizes episodes past the retention window.
func (e *Episodic) Maintain(ctx context.Context) error {
	if e.retention <= 0 {
		return nil
	}
	n, err := e.Anonymize(ctx, e.now().Add(-e.retention))
	if n > 0 {
		e.logger.Info("anonymized episodes", "count", n)
	}
	return err
}

func redact(text string) string {
	text = emailPattern.ReplaceAllString(text, "[email]")
	return digitPattern.ReplaceAllString(text, "[number]")
}
