package memory

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yyd/aurora/pkg/storage"
	memstore "github.com/yyd/aurora/pkg/storage/memory"
)

func newTestEpisodic(t *testing.T, now time.Time) (*Episodic, *memstore.MemoryStorage) {
	t.Helper()
	store := memstore.NewMemoryStorage()
	e := NewEpisodic(store, NewDecayManager(0.1, 24, time.Hour), 90*24*time.Hour, nil)
	e.now = func() time.Time { return now }
	return e, store
}

func TestEpisodic_RecordAndRecall(t *testing.T) {
	now := time.Now()
	e, store := newTestEpisodic(t, now)
	ctx := context.Background()

	for i, q := range []string{"first", "second"} {
		ep := &storage.Episode{CustomerID: "cust-1", SessionID: "s-1", Query: q, Reply: "ok", CreatedAt: now.Add(time.Duration(i) * time.Minute)}
		if err := e.Record(ctx, ep); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
		if ep.ID == "" || ep.Strength != 1 {
			t.Fatalf("expected id and initial strength, got %+v", ep)
		}
	}
	other := &storage.Episode{CustomerID: "cust-2", SessionID: "s-2", Query: "other"}
	if err := e.Record(ctx, other); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	got, err := e.Recall(ctx, "cust-1", 5)
	if err != nil {
		t.Fatalf("Recall failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 episodes for cust-1, got %d", len(got))
	}

	stored, _ := store.GetEpisode(ctx, got[0].ID)
	if stored.Stability <= 24 {
		t.Errorf("expected recall to grow stability, got %f", stored.Stability)
	}

	if none, _ := e.Recall(ctx, "", 5); none != nil {
		t.Errorf("expected no recall without customer, got %v", none)
	}
	if err := e.Record(ctx, &storage.Episode{}); !errors.Is(err, ErrInvalidSessionID) {
		t.Errorf("expected ErrInvalidSessionID, got %v", err)
	}
}

func TestEpisodic_RecallSkipsForgotten(t *testing.T) {
	now := time.Now()
	e, store := newTestEpisodic(t, now)
	ctx := context.Background()

	old := &storage.Episode{ID: "old", CustomerID: "c", SessionID: "s", Strength: 1, Stability: 24, LastRecalledAt: now.Add(-60 * 24 * time.Hour), CreatedAt: now.Add(-60 * 24 * time.Hour)}
	if err := store.SaveEpisode(ctx, old); err != nil {
		t.Fatalf("SaveEpisode failed: %v", err)
	}
	got, err := e.Recall(ctx, "c", 5)
	if err != nil {
		t.Fatalf("Recall failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected forgotten episode to be skipped, got %d", len(got))
	}
}

func TestEpisodic_RateAndLearned(t *testing.T) {
	now := time.Now()
	e, _ := newTestEpisodic(t, now)
	ctx := context.Background()

	if err := e.Record(ctx, &storage.Episode{SessionID: "s-1", Query: "q1", Reply: "r1", CreatedAt: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := e.Record(ctx, &storage.Episode{SessionID: "s-1", Query: "q2", Reply: "r2", CreatedAt: now}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	rated, err := e.Rate(ctx, "s-1", 5)
	if err != nil {
		t.Fatalf("Rate failed: %v", err)
	}
	if rated.Query != "q2" {
		t.Errorf("expected the latest episode to be rated, got %s", rated.Query)
	}

	learned, err := e.Learned(ctx, 4, 10)
	if err != nil {
		t.Fatalf("Learned failed: %v", err)
	}
	if len(learned) != 1 || learned[0].Reply != "r2" {
		t.Errorf("expected only the rated reply, got %v", learned)
	}

	if _, err := e.Rate(ctx, "s-1", math.NaN()); !errors.Is(err, ErrInvalidRating) {
		t.Errorf("expected ErrInvalidRating for NaN, got %v", err)
	}
	if _, err := e.Rate(ctx, "s-1", 6); !errors.Is(err, ErrInvalidRating) {
		t.Errorf("expected ErrInvalidRating, got %v", err)
	}
	if _, err := e.Rate(ctx, "missing", 3); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEpisodic_Anonymize(t *testing.T) {
	now := time.Now()
	e, store := newTestEpisodic(t, now)
	ctx := context.Background()

	old := &storage.Episode{ID: "old", CustomerID: "cust-1", SessionID: "s-1",
		Query: "my email is ana@example.com and phone 5511999998888", Reply: "noted",
		CreatedAt: now.Add(-100 * 24 * time.Hour)}
	recent := &storage.Episode{ID: "new", CustomerID: "cust-1", SessionID: "s-2", Query: "hi", CreatedAt: now}
	for _, ep := range []*storage.Episode{old, recent} {
		if err := store.SaveEpisode(ctx, ep); err != nil {
			t.Fatalf("SaveEpisode failed: %v", err)
		}
	}

	if err := e.Maintain(ctx); err != nil {
		t.Fatalf("Maintain failed: %v", err)
	}

	got, _ := store.GetEpisode(ctx, "old")
	if !got.Anonymized || got.CustomerID != "" {
		t.Errorf("expected old episode anonymized, got %+v", got)
	}
	if strings.Contains(got.Query, "ana@example.com") || strings.Contains(got.Query, "5511999998888") {
		t.Errorf("expected contact details redacted, got %q", got.Query)
	}
	kept, _ := store.GetEpisode(ctx, "new")
	if kept.Anonymized || kept.CustomerID != "cust-1" {
		t.Errorf("recent episode must be untouched, got %+v", kept)
	}

	n, err := e.Anonymize(ctx, now.Add(-24*time.Hour))
	if err != nil || n != 0 {
		t.Errorf("expected second pass to change nothing, got %d, %v", n, err)
	}
}

// rateDuringRecall rates the session once, right after the customer's
// episodes were listed for recall and before they are reinforced.
type rateDuringRecall struct {
	*memstore.MemoryStorage
	episodic *Episodic
	once     sync.Once
	rateErr  error
}

func (s *rateDuringRecall) ListEpisodes(ctx context.Context, f storage.EpisodeFilter) ([]*storage.Episode, error) {
	out, err := s.MemoryStorage.ListEpisodes(ctx, f)
	if f.CustomerID != "" {
		s.once.Do(func() { _, s.rateErr = s.episodic.Rate(ctx, "s-1", 5) })
	}
	return out, err
}

func TestEpisodic_RecallKeepsConcurrentRating(t *testing.T) {
	store := &rateDuringRecall{MemoryStorage: memstore.NewMemoryStorage()}
	e := NewEpisodic(store, NewDecayManager(0.1, 24, time.Hour), 0, nil)
	store.episodic = e
	ctx := context.Background()

	ep := &storage.Episode{CustomerID: "cust-1", SessionID: "s-1", Query: "tours?", Reply: "daily"}
	if err := e.Record(ctx, ep); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if _, err := e.Recall(ctx, "cust-1", 5); err != nil {
		t.Fatalf("Recall failed: %v", err)
	}
	if store.rateErr != nil {
		t.Fatalf("Rate failed: %v", store.rateErr)
	}

	stored, err := store.GetEpisode(ctx, ep.ID)
	if err != nil {
		t.Fatalf("GetEpisode failed: %v", err)
	}
	if stored.Rating != 5 {
		t.Errorf("rating = %v, want 5", stored.Rating)
	}
	if stored.Stability <= 24 {
		t.Errorf("stability = %v, want the recall boost", stored.Stability)
	}
}

func TestEpisodic_ConcurrentRecallAndRate(t *testing.T) {
	e, store := newTestEpisodic(t, time.Now())
	ctx := context.Background()
	ep := &storage.Episode{CustomerID: "cust-1", SessionID: "s-1", Query: "q", Reply: "r"}
	if err := e.Record(ctx, ep); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Recall(ctx, "cust-1", 5); err != nil {
				t.Errorf("Recall failed: %v", err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := e.Rate(ctx, "s-1", 4); err != nil {
			t.Errorf("Rate failed: %v", err)
		}
	}()
	wg.Wait()

	stored, err := store.GetEpisode(ctx, ep.ID)
	if err != nil {
		t.Fatalf("GetEpisode failed: %v", err)
	}
	if stored.Rating != 4 {
		t.Errorf("rating = %v, want 4", stored.Rating)
	}
}
