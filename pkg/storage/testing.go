package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/yyd/aurora/pkg/affect"
)

// StorageTestSuite defines a test suite that can be run against any RecordStore implementation.
type StorageTestSuite struct {
	NewStorage func(t *testing.T) RecordStore
}

// RunAllTests runs all storage tests against the provided storage implementation.
func (s *StorageTestSuite) RunAllTests(t *testing.T) {
	t.Run("SessionCRUD", s.TestSessionCRUD)
	t.Run("SessionOptimisticUpdate", s.TestSessionOptimisticUpdate)
	t.Run("ListSessionsWithFilter", s.TestListSessionsWithFilter)
	t.Run("MessageOrdering", s.TestMessageOrdering)
	t.Run("MessageDelete", s.TestMessageDelete)
	t.Run("KnowledgeRoundTrip", s.TestKnowledgeRoundTrip)
	t.Run("KnowledgeFilter", s.TestKnowledgeFilter)
	t.Run("Experiences", s.TestExperiences)
	t.Run("HandoffLifecycle", s.TestHandoffLifecycle)
	t.Run("Episodes", s.TestEpisodes)
	t.Run("ConcurrentAccess", s.TestConcurrentAccess)
	t.Run("NotFound", s.TestNotFound)
}

func testSession(id string, created time.Time) *Session {
	return &Session{
		ID:           id,
		Channel:      "web",
		Locale:       "en",
		Status:       SessionActive,
		State:        affect.Equilibrium(),
		Context:      SessionContext{CustomerName: "Ana", Extra: map[string]string{"plan": "pro"}},
		CreatedAt:    created,
		UpdatedAt:    created,
		LastActiveAt: created,
	}
}

// TestSessionCRUD tests create, get and duplicate detection.
func (s *StorageTestSuite) TestSessionCRUD(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	sess := testSession("s-1", now)
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	got, err := store.GetSession(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Channel != "web" || got.Locale != "en" {
		t.Errorf("unexpected session %+v", got)
	}
	if got.Context.Extra["plan"] != "pro" {
		t.Errorf("expected context extra to round-trip, got %v", got.Context.Extra)
	}
	if got.State.Distance(affect.Equilibrium()) > 1e-12 {
		t.Errorf("expected equilibrium state, got %v", got.State)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("expected CreatedAt %v, got %v", now, got.CreatedAt)
	}

	err = store.CreateSession(ctx, testSession("s-1", now))
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

// TestSessionOptimisticUpdate tests version checks on UpdateSession.
func (s *StorageTestSuite) TestSessionOptimisticUpdate(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.CreateSession(ctx, testSession("s-1", time.Now())); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	a, _ := store.GetSession(ctx, "s-1")
	b, _ := store.GetSession(ctx, "s-1")

	a.Context.TurnCount = 1
	if err := store.UpdateSession(ctx, a, a.Version); err != nil {
		t.Fatalf("first UpdateSession failed: %v", err)
	}
	if a.Version != 1 {
		t.Errorf("expected version 1 after update, got %d", a.Version)
	}

	b.Context.TurnCount = 7
	err := store.UpdateSession(ctx, b, b.Version)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for stale version, got %v", err)
	}

	got, _ := store.GetSession(ctx, "s-1")
	if got.Context.TurnCount != 1 || got.Version != 1 {
		t.Errorf("stale write leaked: turn=%d version=%d", got.Context.TurnCount, got.Version)
	}

	err = store.UpdateSession(ctx, testSession("missing", time.Now()), 0)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestListSessionsWithFilter tests status and inactivity filters.
func (s *StorageTestSuite) TestListSessionsWithFilter(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		sess := testSession(fmt.Sprintf("s-%d", i), base.Add(time.Duration(i)*time.Minute))
		if i == 3 {
			sess.Status = SessionClosed
		}
		if err := store.CreateSession(ctx, sess); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
	}

	active, err := store.ListSessions(ctx, SessionFilter{Status: SessionActive})
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(active) != 3 {
		t.Fatalf("expected 3 active sessions, got %d", len(active))
	}
	if active[0].ID != "s-0" || active[2].ID != "s-2" {
		t.Errorf("expected creation order, got %s..%s", active[0].ID, active[2].ID)
	}

	idle, _ := store.ListSessions(ctx, SessionFilter{InactiveBefore: base.Add(90 * time.Second)})
	if len(idle) != 2 {
		t.Errorf("expected 2 idle sessions, got %d", len(idle))
	}

	limited, _ := store.ListSessions(ctx, SessionFilter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("expected 2 sessions with limit, got %d", len(limited))
	}
}

// TestMessageOrdering tests chronological listing and limits.
func (s *StorageTestSuite) TestMessageOrdering(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 5; i++ {
		m := &Message{
			ID:        fmt.Sprintf("m-%d", i),
			SessionID: "s-1",
			Role:      RoleUser,
			Text:      fmt.Sprintf("hello %d", i),
			State:     affect.Equilibrium(),
			Metadata:  MessageMetadata{EventID: fmt.Sprintf("evt-%d", i)},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.AppendMessage(ctx, m); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}
	other := &Message{ID: "x-1", SessionID: "s-2", Role: RoleUser, Text: "other", CreatedAt: base}
	if err := store.AppendMessage(ctx, other); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	all, err := store.ListMessages(ctx, "s-1", 0)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(all))
	}
	for i, m := range all {
		if m.ID != fmt.Sprintf("m-%d", i) {
			t.Errorf("position %d: expected m-%d, got %s", i, i, m.ID)
		}
	}

	last, _ := store.ListMessages(ctx, "s-1", 2)
	if len(last) != 2 || last[0].ID != "m-3" || last[1].ID != "m-4" {
		t.Errorf("expected last two messages m-3, m-4, got %v", last)
	}

	got, err := store.GetMessage(ctx, "m-2")
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if got.Metadata.EventID != "evt-2" {
		t.Errorf("expected metadata to round-trip, got %+v", got.Metadata)
	}

	if err := store.AppendMessage(ctx, &Message{ID: "m-0", SessionID: "s-1"}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists on duplicate message, got %v", err)
	}
}

// TestMessageDelete tests compensation deletes.
func (s *StorageTestSuite) TestMessageDelete(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 3; i++ {
		m := &Message{ID: fmt.Sprintf("m-%d", i), SessionID: "s-1", Role: RoleUser, Text: "hi", CreatedAt: now.Add(time.Duration(i) * time.Second)}
		if err := store.AppendMessage(ctx, m); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	if err := store.DeleteMessage(ctx, "m-1"); err != nil {
		t.Fatalf("DeleteMessage failed: %v", err)
	}
	if _, err := store.GetMessage(ctx, "m-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	msgs, _ := store.ListMessages(ctx, "s-1", 0)
	if len(msgs) != 2 || msgs[0].ID != "m-0" || msgs[1].ID != "m-2" {
		t.Errorf("unexpected messages after delete: %v", msgs)
	}

	if err := store.DeleteMessage(ctx, "m-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

// TestKnowledgeRoundTrip tests that every knowledge field survives storage.
func (s *StorageTestSuite) TestKnowledgeRoundTrip(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	entry := &KnowledgeEntry{
		ID:               "kb-1",
		Category:         "billing",
		Tags:             []string{"refund", "invoice"},
		Texts:            map[string]string{"en": "Refunds take 5 days.", "pt-BR": "Reembolsos levam 5 dias."},
		Embedding:        []float32{0.25, -0.5, 0.125},
		ConfidenceWeight: 0.9,
		Active:           true,
		Version:          3,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := store.SaveKnowledge(ctx, entry); err != nil {
		t.Fatalf("SaveKnowledge failed: %v", err)
	}

	got, err := store.GetKnowledge(ctx, "kb-1")
	if err != nil {
		t.Fatalf("GetKnowledge failed: %v", err)
	}
	if got.Category != "billing" || got.Version != 3 || got.ConfidenceWeight != 0.9 {
		t.Errorf("unexpected entry %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[1] != "invoice" {
		t.Errorf("expected tags to round-trip, got %v", got.Tags)
	}
	if got.Texts["pt-BR"] != "Reembolsos levam 5 dias." {
		t.Errorf("expected pt-BR text, got %v", got.Texts)
	}
	if len(got.Embedding) != 3 || got.Embedding[1] != -0.5 {
		t.Errorf("expected embedding to round-trip, got %v", got.Embedding)
	}

	used := now.Add(time.Minute)
	if err := store.RecordKnowledgeUsage(ctx, "kb-1", used); err != nil {
		t.Fatalf("RecordKnowledgeUsage failed: %v", err)
	}
	if err := store.RecordKnowledgeUsage(ctx, "kb-1", used); err != nil {
		t.Fatalf("RecordKnowledgeUsage failed: %v", err)
	}
	got, _ = store.GetKnowledge(ctx, "kb-1")
	if got.UsageCount != 2 {
		t.Errorf("expected usage count 2, got %d", got.UsageCount)
	}
	if got.LastUsedAt == nil || !got.LastUsedAt.Equal(used) {
		t.Errorf("expected LastUsedAt %v, got %v", used, got.LastUsedAt)
	}

	if err := store.DeleteKnowledge(ctx, "kb-1"); err != nil {
		t.Fatalf("DeleteKnowledge failed: %v", err)
	}
	if err := store.DeleteKnowledge(ctx, "kb-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestKnowledgeFilter tests category, inactive and pending filters.
func (s *StorageTestSuite) TestKnowledgeFilter(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	ctx := context.Background()
	entries := []*KnowledgeEntry{
		{ID: "a", Category: "billing", Texts: map[string]string{"en": "a"}, Active: true},
		{ID: "b", Category: "billing", Texts: map[string]string{"en": "b"}, Active: false},
		{ID: "c", Category: "shipping", Texts: map[string]string{"en": "c"}, Active: true, EmbeddingPending: true},
	}
	for _, e := range entries {
		if err := store.SaveKnowledge(ctx, e); err != nil {
			t.Fatalf("SaveKnowledge failed: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter KnowledgeFilter
		want   []string
	}{
		{"active only", KnowledgeFilter{}, []string{"a", "c"}},
		{"include inactive", KnowledgeFilter{IncludeInactive: true}, []string{"a", "b", "c"}},
		{"category", KnowledgeFilter{Category: "billing", IncludeInactive: true}, []string{"a", "b"}},
		{"pending", KnowledgeFilter{PendingOnly: true}, []string{"c"}},
		{"limit", KnowledgeFilter{IncludeInactive: true, Limit: 1}, []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListKnowledge(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListKnowledge failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d entries, got %d", len(tt.want), len(got))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("position %d: expected %s, got %s", i, id, got[i].ID)
				}
			}
		})
	}
}

// TestExperiences tests the append-only experience log.
func (s *StorageTestSuite) TestExperiences(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		e := &Experience{
			ID:        fmt.Sprintf("e-%d", i),
			SessionID: "s-1",
			State:     affect.Equilibrium(),
			Action:    "reply",
			Tone:      "informative",
			Reward:    float64(i) / 10,
			NextState: affect.Equilibrium(),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.AppendExperience(ctx, e); err != nil {
			t.Fatalf("AppendExperience failed: %v", err)
		}
	}

	all, err := store.ListExperiences(ctx, time.Time{}, 0)
	if err != nil {
		t.Fatalf("ListExperiences failed: %v", err)
	}
	if len(all) != 5 || all[0].ID != "e-0" {
		t.Fatalf("expected 5 experiences starting at e-0, got %d", len(all))
	}

	recent, _ := store.ListExperiences(ctx, base.Add(2*time.Minute), 0)
	if len(recent) != 3 || recent[0].ID != "e-2" {
		t.Errorf("expected 3 experiences since e-2, got %v", recent)
	}

	last, _ := store.ListExperiences(ctx, time.Time{}, 2)
	if len(last) != 2 || last[1].ID != "e-4" {
		t.Errorf("expected last two experiences, got %v", last)
	}
}

// TestHandoffLifecycle tests create, resolve, list and delete of handoffs.
func (s *StorageTestSuite) TestHandoffLifecycle(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now()
	for i, reason := range []HandoffReason{ReasonNegativeEmotion, ReasonLowConfidence, ReasonExplicitRequest} {
		h := &HandoffRecord{
			ID:         fmt.Sprintf("h-%d", i),
			SessionID:  fmt.Sprintf("s-%d", i%2),
			Reason:     reason,
			State:      affect.Equilibrium(),
			Confidence: 0.5,
			Status:     HandoffPending,
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}
		if err := store.CreateHandoff(ctx, h); err != nil {
			t.Fatalf("CreateHandoff failed: %v", err)
		}
	}
	if err := store.CreateHandoff(ctx, &HandoffRecord{ID: "h-0"}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	h, err := store.GetHandoff(ctx, "h-1")
	if err != nil {
		t.Fatalf("GetHandoff failed: %v", err)
	}
	resolved := base.Add(time.Hour)
	h.Status = HandoffResolved
	h.ResolvedAt = &resolved
	h.Notes = "called back"
	if err := store.UpdateHandoff(ctx, h); err != nil {
		t.Fatalf("UpdateHandoff failed: %v", err)
	}

	pending, _ := store.ListHandoffs(ctx, HandoffFilter{Status: HandoffPending})
	if len(pending) != 2 || pending[0].ID != "h-0" || pending[1].ID != "h-2" {
		t.Errorf("expected pending h-0, h-2, got %v", pending)
	}
	bySession, _ := store.ListHandoffs(ctx, HandoffFilter{SessionID: "s-0"})
	if len(bySession) != 2 {
		t.Errorf("expected 2 handoffs for s-0, got %d", len(bySession))
	}

	got, _ := store.GetHandoff(ctx, "h-1")
	if got.Status != HandoffResolved || got.Notes != "called back" || got.ResolvedAt == nil {
		t.Errorf("expected resolved handoff, got %+v", got)
	}

	if err := store.DeleteHandoff(ctx, "h-2"); err != nil {
		t.Fatalf("DeleteHandoff failed: %v", err)
	}
	if err := store.UpdateHandoff(ctx, &HandoffRecord{ID: "h-2"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound updating deleted handoff, got %v", err)
	}
}

// TestEpisodes tests episode upsert and filtering.
func (s *StorageTestSuite) TestEpisodes(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().Add(-48 * time.Hour)
	for i := 0; i < 4; i++ {
		e := &Episode{
			ID:         fmt.Sprintf("ep-%d", i),
			CustomerID: "cust-1",
			SessionID:  "s-1",
			Query:      "where is my order",
			Reply:      "It ships tomorrow.",
			Tone:       "informative",
			Source:     SourceKnowledgeBase,
			State:      affect.Equilibrium(),
			Rating:     float64(i + 2),
			Strength:   1,
			CreatedAt:  base.Add(time.Duration(i) * time.Hour),
		}
		if err := store.SaveEpisode(ctx, e); err != nil {
			t.Fatalf("SaveEpisode failed: %v", err)
		}
	}

	rated, err := store.ListEpisodes(ctx, EpisodeFilter{CustomerID: "cust-1", MinRating: 4})
	if err != nil {
		t.Fatalf("ListEpisodes failed: %v", err)
	}
	if len(rated) != 2 || rated[0].ID != "ep-3" {
		t.Errorf("expected newest-first ep-3, ep-2, got %v", rated)
	}

	old, _ := store.ListEpisodes(ctx, EpisodeFilter{CreatedBefore: base.Add(90 * time.Minute)})
	if len(old) != 2 {
		t.Errorf("expected 2 episodes before cutoff, got %d", len(old))
	}

	ep, _ := store.GetEpisode(ctx, "ep-0")
	ep.Anonymized = true
	ep.CustomerID = ""
	ep.Query = ""
	if err := store.SaveEpisode(ctx, ep); err != nil {
		t.Fatalf("SaveEpisode upsert failed: %v", err)
	}
	mine, _ := store.ListEpisodes(ctx, EpisodeFilter{CustomerID: "cust-1"})
	if len(mine) != 3 {
		t.Errorf("expected anonymized episode to drop out of customer filter, got %d", len(mine))
	}
}

// TestConcurrentAccess tests that concurrent writers never lose an
// optimistic update without noticing.
func (s *StorageTestSuite) TestConcurrentAccess(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.CreateSession(ctx, testSession("s-1", time.Now())); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for {
				sess, err := store.GetSession(ctx, "s-1")
				if err != nil {
					t.Errorf("GetSession failed: %v", err)
					return
				}
				sess.Context.TurnCount++
				err = store.UpdateSession(ctx, sess, sess.Version)
				if errors.Is(err, ErrConflict) {
					continue
				}
				if err != nil {
					t.Errorf("UpdateSession failed: %v", err)
					return
				}
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
		}(i)

		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			m := &Message{ID: fmt.Sprintf("m-%d", n), SessionID: "s-1", Role: RoleUser, Text: "hi", CreatedAt: time.Now()}
			if err := store.AppendMessage(ctx, m); err != nil {
				t.Errorf("AppendMessage failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := store.GetSession(ctx, "s-1")
	if succeeded != writers || got.Context.TurnCount != writers {
		t.Errorf("expected %d serialized updates, got succeeded=%d turns=%d", writers, succeeded, got.Context.TurnCount)
	}
	if got.Version != writers {
		t.Errorf("expected version %d, got %d", writers, got.Version)
	}

	msgs, _ := store.ListMessages(ctx, "s-1", 0)
	if len(msgs) != writers {
		t.Errorf("expected %d messages, got %d", writers, len(msgs))
	}
}

// TestNotFound tests not-found errors on every getter.
func (s *StorageTestSuite) TestNotFound(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	ctx := context.Background()
	checks := map[string]func() error{
		"session":   func() error { _, err := store.GetSession(ctx, "nope"); return err },
		"message":   func() error { _, err := store.GetMessage(ctx, "nope"); return err },
		"knowledge": func() error { _, err := store.GetKnowledge(ctx, "nope"); return err },
		"handoff":   func() error { _, err := store.GetHandoff(ctx, "nope"); return err },
		"episode":   func() error { _, err := store.GetEpisode(ctx, "nope"); return err },
		"usage":     func() error { return store.RecordKnowledgeUsage(ctx, "nope", time.Now()) },
	}
	for name, check := range checks {
		err := check()
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: expected ErrNotFound, got %v", name, err)
		}
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			t.Errorf("%s: expected *NotFoundError, got %T", name, err)
		}
	}
}
