package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/yyd/aurora/config"
	"github.com/yyd/aurora/pkg/affect"
	"github.com/yyd/aurora/pkg/candidate"
	"github.com/yyd/aurora/pkg/escalation"
	"github.com/yyd/aurora/pkg/eventbus"
	"github.com/yyd/aurora/pkg/events"
	"github.com/yyd/aurora/pkg/knowledge"
	"github.com/yyd/aurora/pkg/learning"
	"github.com/yyd/aurora/pkg/memory"
	"github.com/yyd/aurora/pkg/provider"
	"github.com/yyd/aurora/pkg/provider/providertest"
	"github.com/yyd/aurora/pkg/scoring"
	"github.com/yyd/aurora/pkg/storage"
	memstore "github.com/yyd/aurora/pkg/storage/memory"
)

const (
	toursQuery = "What tours do you have?"
	toursText  = "We run city tours and wine tours every day."
	// toursDocument is how the knowledge index renders the tours entry
	// for embedding: category, then one line per locale text.
	toursDocument = "tours\n" + toursText
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, ev eventbus.Event) (eventbus.Envelope, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return eventbus.Envelope{EventID: fmt.Sprintf("ev-%d", len(p.events)), EventType: ev.Type, Timestamp: time.Now()}, nil
}

func (p *recordingPublisher) ofType(typ string) []eventbus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []eventbus.Event
	for _, ev := range p.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	engine    *Engine
	store     storage.RecordStore
	memory    *memory.Hierarchy
	knowledge *knowledge.Service
	embedder  *providertest.Embedder
	completer *providertest.Completer
	channel   *providertest.Channel
	buffer    *learning.Buffer
	publisher *recordingPublisher
}

type harnessOption func(*Options)

func withStore(s storage.RecordStore) harnessOption {
	return func(o *Options) { o.Store = s }
}

func unitVector(weights map[int]float32) []float32 {
	v := make([]float32, 64)
	var norm float64
	for i, w := range weights {
		v[i] = w
		norm += float64(w * w)
	}
	for i := range v {
		v[i] /= float32(math.Sqrt(norm))
	}
	return v
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.NewMemoryStorage()

	mem, err := memory.NewHierarchy(&config.MemoryConfig{
		SensoryTTL:        time.Minute,
		SensoryCapacity:   16,
		WorkingTTL:        time.Hour,
		TemplateCacheSize: 64,
		EpisodeRetention:  24 * time.Hour,
	}, store, nil, logger)
	if err != nil {
		t.Fatalf("NewHierarchy() error = %v", err)
	}

	emb := providertest.NewEmbedder()
	emb.Set(toursDocument, unitVector(map[int]float32{0: 1}))
	emb.Set(toursQuery, unitVector(map[int]float32{0: 0.9, 1: 0.1}))
	ks := knowledge.NewService(store, emb, knowledge.Options{TopK: 5, MinSimilarity: 0.5, FailureLimit: 3}, logger)

	scorer, err := scoring.NewScorer(scoring.DefaultOptions(), nil)
	if err != nil {
		t.Fatalf("NewScorer() error = %v", err)
	}
	gate, err := escalation.NewGate(escalation.DefaultThresholds(), nil)
	if err != nil {
		t.Fatalf("NewGate() error = %v", err)
	}

	h := &harness{
		store:     store,
		memory:    mem,
		knowledge: ks,
		embedder:  emb,
		completer: providertest.NewCompleter("Our team is happy to help with that."),
		channel:   providertest.NewChannel("web"),
		buffer:    learning.NewBuffer(100),
		publisher: &recordingPublisher{},
	}

	o := Options{
		Store:  store,
		Memory: mem,
		Generator: candidate.NewGenerator(candidate.Options{
			Templates: mem.Templates,
			Rules:     mem.Procedural,
			Knowledge: ks,
			Episodes:  mem.Episodic,
			Logger:    logger,
		}),
		Scorer:      scorer,
		Gate:        gate,
		Completer:   h.completer,
		Channels:    provider.NewChannels(h.channel),
		Knowledge:   ks,
		Publisher:   h.publisher,
		Experiences: h.buffer,
		Logger:      logger,
		Config: config.ConversationConfig{
			DeadLetterCapacity: 10,
			IdempotencyTTL:     time.Hour,
			InactivityTimeout:  time.Hour,
			JanitorInterval:    10 * time.Millisecond,
			DefaultLocale:      "en",
		},
		Saga: config.SagaConfig{
			StepTimeout:    2 * time.Second,
			MaxRetries:     2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	h.engine, err = NewEngine(o)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return h
}

func (h *harness) ingestTours(t *testing.T, weight float64) {
	t.Helper()
	_, err := h.knowledge.Ingest(context.Background(), knowledge.EntryInput{
		ID:               "tours-overview",
		Category:         "tours",
		Texts:            map[string]string{"en": toursText},
		ConfidenceWeight: weight,
	})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
}

func inbound(id, session, text string) events.InboundMessage {
	return events.InboundMessage{ID: id, SessionID: session, Text: text, Locale: "en", Channel: "web"}
}

func (h *harness) messages(t *testing.T, session string) []*storage.Message {
	t.Helper()
	msgs, err := h.store.ListMessages(context.Background(), session, 0)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	return msgs
}

func TestHandleInbound_GreetingRaisesActivation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.engine.HandleInbound(ctx, inbound("e1", "s-a", "Hello!!!"))
	if err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	if res.State.Activation() <= affect.Equilibrium().Activation() {
		t.Errorf("activation = %.3f, want above %.3f", res.State.Activation(), affect.Equilibrium().Activation())
	}
	if math.Abs(res.State.Norm()-1) > 1e-6 {
		t.Errorf("state norm = %v, want 1", res.State.Norm())
	}
	if res.Source != storage.SourceTemplate || res.Intent != "greeting" {
		t.Errorf("source/intent = %s/%s, want template/greeting", res.Source, res.Intent)
	}
	if res.RequiresHandoff || res.RequiresFallback {
		t.Errorf("unexpected escalation: %+v", res)
	}

	sess, err := h.store.GetSession(ctx, "s-a")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.Status != storage.SessionActive {
		t.Errorf("status = %s, want active", sess.Status)
	}
	if sess.Context.TurnCount != 1 || sess.Version != 1 {
		t.Errorf("turn count/version = %d/%d, want 1/1", sess.Context.TurnCount, sess.Version)
	}
	if sess.Context.LastReplyID != res.ReplyID {
		t.Errorf("last reply = %q, want %q", sess.Context.LastReplyID, res.ReplyID)
	}

	msgs := h.messages(t, "s-a")
	if len(msgs) != 2 || msgs[0].Role != storage.RoleUser || msgs[1].Role != storage.RoleAssistant {
		t.Fatalf("messages = %+v, want user then assistant", msgs)
	}
	if got := h.channel.Deliveries(); len(got) != 1 || got[0].Text != res.Reply {
		t.Errorf("deliveries = %+v", got)
	}
	if got := len(h.publisher.ofType(events.TypeReplySent)); got != 1 {
		t.Errorf("reply_sent events = %d, want 1", got)
	}
	if got := h.memory.Sensory.Recent("s-a"); len(got) != 1 {
		t.Errorf("sensory percepts = %d, want 1", len(got))
	}
}

func TestHandleInbound_KnowledgeAnswer(t *testing.T) {
	h := newHarness(t)
	h.ingestTours(t, 1)
	ctx := context.Background()

	res, err := h.engine.HandleInbound(ctx, inbound("e1", "s-b", toursQuery))
	if err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	if res.Source != storage.SourceKnowledgeBase {
		t.Fatalf("source = %s, want knowledge_base", res.Source)
	}
	if res.RequiresHandoff {
		t.Errorf("handoff = %s, want none", res.HandoffReason)
	}
	if res.Reply != toursText {
		t.Errorf("reply = %q", res.Reply)
	}

	entry, err := h.store.GetKnowledge(ctx, "tours-overview")
	if err != nil {
		t.Fatalf("GetKnowledge() error = %v", err)
	}
	if entry.UsageCount != 1 || entry.LastUsedAt == nil {
		t.Errorf("usage = %d (last %v), want 1", entry.UsageCount, entry.LastUsedAt)
	}
}

func TestHandleInbound_KnowledgeAnswerWithHashEmbedder(t *testing.T) {
	var ks *knowledge.Service
	h := newHarness(t, func(o *Options) {
		ks = knowledge.NewService(o.Store, provider.NewHashEmbedder(256), knowledge.Options{TopK: 5, MinSimilarity: 0.5, FailureLimit: 3}, o.Logger)
		o.Knowledge = ks
		o.Generator = candidate.NewGenerator(candidate.Options{
			Templates: o.Memory.Templates,
			Rules:     o.Memory.Procedural,
			Knowledge: ks,
			Episodes:  o.Memory.Episodic,
			Logger:    o.Logger,
		})
	})
	ctx := context.Background()
	if _, err := ks.Ingest(ctx, knowledge.EntryInput{
		ID:       "tours-overview",
		Category: "tours",
		Tags:     []string{"catalog", "excursions"},
		Texts:    map[string]string{"en": toursText},
	}); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	res, err := h.engine.HandleInbound(ctx, inbound("e1", "s-b2", toursQuery))
	if err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	if res.Source != storage.SourceKnowledgeBase || res.Reply != toursText {
		t.Fatalf("reply = %q from %s, want the tours answer", res.Reply, res.Source)
	}
	if res.RequiresHandoff {
		t.Errorf("handoff = %s, want none", res.HandoffReason)
	}
}

func TestHandleInbound_NegativeEmotionHandsOff(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.engine.HandleInbound(ctx, inbound("e1", "s-c", "This is terrible, I want a refund now!"))
	if err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	if !res.RequiresHandoff || res.HandoffReason != string(escalation.ReasonNegativeEmotion) {
		t.Fatalf("handoff = %v/%s, want negative_emotion", res.RequiresHandoff, res.HandoffReason)
	}
	if res.Reply == "" {
		t.Error("a handed-off turn still replies")
	}

	handoffs, err := h.store.ListHandoffs(ctx, storage.HandoffFilter{SessionID: "s-c"})
	if err != nil {
		t.Fatalf("ListHandoffs() error = %v", err)
	}
	if len(handoffs) != 1 || handoffs[0].ID != res.HandoffID || handoffs[0].Status != storage.HandoffPending {
		t.Fatalf("handoffs = %+v", handoffs)
	}
	if handoffs[0].State.Warmth() >= -0.6 {
		t.Errorf("handoff warmth = %.3f, want below -0.6", handoffs[0].State.Warmth())
	}
	if got := len(h.publisher.ofType(events.TypeHandoffCreated)); got != 1 {
		t.Errorf("handoff_created events = %d, want 1", got)
	}
}

func TestHandleInbound_DegradedFallback(t *testing.T) {
	h := newHarness(t)
	h.completer.SetDown(true)

	res, err := h.engine.HandleInbound(context.Background(), inbound("e1", "s-d", "Where can I park the car?"))
	if err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	if res.Source != storage.SourceFallbackDegraded {
		t.Fatalf("source = %s, want fallback_degraded", res.Source)
	}
	if !res.LowConfidence || !res.RequiresFallback {
		t.Errorf("low confidence/fallback = %v/%v, want both", res.LowConfidence, res.RequiresFallback)
	}
	if res.Reply != GenericReply("en") {
		t.Errorf("reply = %q, want the generic reply", res.Reply)
	}
	if res.HandoffReason != string(escalation.ReasonLowConfidence) {
		t.Errorf("reason = %q, want low_confidence", res.HandoffReason)
	}
	if h.completer.Calls() != 1 {
		t.Errorf("completer calls = %d, want 1", h.completer.Calls())
	}
}

func TestHandleInbound_GenerativeFallbackIsGrounded(t *testing.T) {
	h := newHarness(t)
	h.ingestTours(t, 0.6)

	res, err := h.engine.HandleInbound(context.Background(), inbound("e1", "s-g", toursQuery))
	if err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	if res.Source != storage.SourceGenerativeFallback {
		t.Fatalf("source = %s, want generative_fallback", res.Source)
	}
	if res.Reply != h.completer.Reply {
		t.Errorf("reply = %q", res.Reply)
	}
	grounding := h.completer.LastGrounding()
	if len(grounding) != 1 || grounding[0] != toursText {
		t.Errorf("grounding = %q, want the tours answer", grounding)
	}
}

func TestHandleInbound_ExplicitRequestHandsOff(t *testing.T) {
	h := newHarness(t)

	res, err := h.engine.HandleInbound(context.Background(), inbound("e1", "s-e", "Can I talk to a human please?"))
	if err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	if !res.RequiresHandoff || res.HandoffReason != string(escalation.ReasonExplicitRequest) {
		t.Fatalf("handoff = %v/%s, want explicit_request", res.RequiresHandoff, res.HandoffReason)
	}
	if res.Intent != "human_agent" {
		t.Errorf("intent = %q, want human_agent", res.Intent)
	}
}

func TestHandleInbound_DuplicateEventHasOneEffect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	msg := inbound("e1", "s-dup", "Hello!!!")

	if _, err := h.engine.HandleInbound(ctx, msg); err != nil {
		t.Fatalf("first HandleInbound() error = %v", err)
	}
	res, err := h.engine.HandleInbound(ctx, msg)
	if !errors.Is(err, ErrDuplicate) || res != nil {
		t.Fatalf("second HandleInbound() = %v, %v; want ErrDuplicate", res, err)
	}

	if got := len(h.messages(t, "s-dup")); got != 2 {
		t.Errorf("messages = %d, want 2", got)
	}
	if got := h.channel.Attempts(); got != 1 {
		t.Errorf("delivery attempts = %d, want 1", got)
	}
}

func TestHandleInbound_RejectsInvalidMessage(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.HandleInbound(context.Background(), events.InboundMessage{SessionID: "s-1", Text: "hi"})
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("error = %v, want ErrInvalidMessage", err)
	}
}

func TestHandleInbound_DeliveryFailureCompensatesAndDeadLetters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.channel.FailNext(3)

	res, err := h.engine.HandleInbound(ctx, inbound("e1", "s-f", "This is terrible, I want a refund now!"))
	if !errors.Is(err, ErrTurnFailed) {
		t.Fatalf("error = %v, want ErrTurnFailed", err)
	}
	if res == nil || !res.DeadLettered {
		t.Fatalf("result = %+v, want dead-lettered", res)
	}
	if got := h.channel.Attempts(); got != 3 {
		t.Errorf("delivery attempts = %d, want 3", got)
	}

	if got := len(h.messages(t, "s-f")); got != 0 {
		t.Errorf("messages after compensation = %d, want 0", got)
	}
	handoffs, _ := h.store.ListHandoffs(ctx, storage.HandoffFilter{SessionID: "s-f"})
	if len(handoffs) != 0 {
		t.Errorf("handoffs after compensation = %d, want 0", len(handoffs))
	}
	sess, err := h.store.GetSession(ctx, "s-f")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.Context.TurnCount != 0 || sess.State != affect.Equilibrium() {
		t.Errorf("session not restored: turns %d, state %v", sess.Context.TurnCount, sess.State)
	}

	dl, err := h.engine.DeadLetters().Get(ctx, "e1")
	if err != nil {
		t.Fatalf("dead letter Get() error = %v", err)
	}
	if dl.FailedStep != StepNotify || dl.SagaState != "compensated" || dl.Attempts != 1 {
		t.Errorf("dead letter = %+v", dl)
	}
	if got := len(h.publisher.ofType(events.TypeTurnDeadLettered)); got != 1 {
		t.Errorf("turn_dead_lettered events = %d, want 1", got)
	}

	// Redelivery of the same event stays a no-op.
	if _, err := h.engine.HandleInbound(ctx, inbound("e1", "s-f", "again")); !errors.Is(err, ErrDuplicate) {
		t.Errorf("redelivery error = %v, want ErrDuplicate", err)
	}

	h.channel.FailNext(3)
	if _, err := h.engine.Reprocess(ctx, "e1"); !errors.Is(err, ErrTurnFailed) {
		t.Fatalf("failing Reprocess() error = %v", err)
	}
	if dl, _ = h.engine.DeadLetters().Get(ctx, "e1"); dl.Attempts != 2 {
		t.Errorf("attempts after failed reprocess = %d, want 2", dl.Attempts)
	}

	res, err = h.engine.Reprocess(ctx, "e1")
	if err != nil {
		t.Fatalf("Reprocess() error = %v", err)
	}
	if !res.RequiresHandoff {
		t.Error("reprocessed turn lost its handoff")
	}
	if n, _ := h.engine.DeadLetters().Len(ctx); n != 0 {
		t.Errorf("dead letters = %d, want 0", n)
	}
	if got := len(h.messages(t, "s-f")); got != 2 {
		t.Errorf("messages after reprocess = %d, want 2", got)
	}
}

func TestHandleInbound_RetriedDeliveryKeepsEventKey(t *testing.T) {
	h := newHarness(t)
	h.channel.LoseAckNext(1)

	if _, err := h.engine.HandleInbound(context.Background(), inbound("e1", "s-ack", "Hello!!!")); err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	if got := h.channel.Attempts(); got != 2 {
		t.Errorf("delivery attempts = %d, want 2", got)
	}
	deliveries := h.channel.Deliveries()
	if len(deliveries) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(deliveries))
	}
	if deliveries[0].Key != "e1" {
		t.Errorf("idempotency key = %q, want the event id", deliveries[0].Key)
	}
}

func TestHandleInbound_CancelledTurnReleasesLock(t *testing.T) {
	h := newHarness(t)
	h.channel.Block(true)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.engine.HandleInbound(ctx, inbound("e1", "s-x", "Hello!!!"))
	if !errors.Is(err, ErrTurnFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want a dead-lettered deadline", err)
	}
	if got := h.channel.Attempts(); got != 1 {
		t.Errorf("delivery attempts = %d, want 1 (no retry after cancellation)", got)
	}
	if n := h.engine.locks.Len(); n != 0 {
		t.Errorf("session locks held = %d, want 0", n)
	}
	if got := len(h.messages(t, "s-x")); got != 0 {
		t.Errorf("messages = %d, want 0", got)
	}

	h.channel.Block(false)
	bg := context.Background()
	if _, err := h.engine.HandleInbound(bg, inbound("e1", "s-x", "Hello!!!")); !errors.Is(err, ErrDuplicate) {
		t.Errorf("cancelled event id not marked: %v", err)
	}
	if _, err := h.engine.HandleInbound(bg, inbound("e2", "s-x", "Hello!!!")); err != nil {
		t.Errorf("next turn error = %v", err)
	}
}

func TestHandleInbound_ConcurrentTurnsCommitInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const turns = 20

	var wg sync.WaitGroup
	errs := make(chan error, 2*turns)
	for i := 0; i < turns; i++ {
		for _, session := range []string{"s-1", "s-2"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := h.engine.HandleInbound(ctx, inbound(fmt.Sprintf("%s-e%d", session, i), session, "Hello, what tours do you have?"))
				if err != nil {
					errs <- err
				}
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("HandleInbound() error = %v", err)
	}

	for _, id := range []string{"s-1", "s-2"} {
		sess, err := h.store.GetSession(ctx, id)
		if err != nil {
			t.Fatalf("GetSession(%s) error = %v", id, err)
		}
		if sess.Context.TurnCount != turns || sess.Version != turns {
			t.Errorf("%s: turns/version = %d/%d, want %d", id, sess.Context.TurnCount, sess.Version, turns)
		}
		if got := len(h.messages(t, id)); got != 2*turns {
			t.Errorf("%s: messages = %d, want %d", id, got, 2*turns)
		}
		if !sess.State.IsUnit() {
			t.Errorf("%s: state %v is not unit", id, sess.State)
		}
	}
	if n := h.engine.locks.Len(); n != 0 {
		t.Errorf("session locks held = %d, want 0", n)
	}
}

func TestHandleInbound_RecordsExperienceForPreviousReply(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.engine.HandleInbound(ctx, inbound("e1", "s-l", "Hello!!!")); err != nil {
		t.Fatalf("turn 1 error = %v", err)
	}
	if h.buffer.Len() != 0 {
		t.Fatalf("buffer = %d after the first turn, want 0", h.buffer.Len())
	}
	if _, err := h.engine.HandleInbound(ctx, inbound("e2", "s-l", "This is terrible, I want a refund now!")); err != nil {
		t.Fatalf("turn 2 error = %v", err)
	}

	got := h.buffer.Snapshot()
	if len(got) != 1 {
		t.Fatalf("buffer = %d, want 1", len(got))
	}
	exp := got[0]
	if exp.Action != "template:greeting" || exp.Tone != string(affect.ToneGreeting) {
		t.Errorf("experience action/tone = %s/%s", exp.Action, exp.Tone)
	}
	if exp.Reward >= 0 {
		t.Errorf("reward = %.3f, want negative after a complaint", exp.Reward)
	}
	stored, err := h.store.ListExperiences(ctx, time.Time{}, 0)
	if err != nil || len(stored) != 1 {
		t.Errorf("stored experiences = %d (%v), want 1", len(stored), err)
	}

	ws, err := h.memory.Working.Get(ctx, "s-l")
	if err != nil {
		t.Fatalf("working set error = %v", err)
	}
	if len(ws.RecentReplies) != 2 || ws.LastIntent != "refund" {
		t.Errorf("working set = %+v", ws)
	}
}

type conflictingStore struct {
	storage.RecordStore
}

func (s conflictingStore) UpdateSession(ctx context.Context, sess *storage.Session, expected int64) error {
	return &storage.ConflictError{EntityType: "session", ID: sess.ID, Expected: expected, Actual: expected + 1}
}

func TestHandleInbound_CommitConflictDeadLetters(t *testing.T) {
	base := memstore.NewMemoryStorage()
	h := newHarness(t, withStore(conflictingStore{base}))
	h.store = base

	_, err := h.engine.HandleInbound(context.Background(), inbound("e1", "s-k", "Hello!!!"))
	if !errors.Is(err, ErrTurnFailed) || !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("error = %v, want a dead-lettered conflict", err)
	}
	if got := len(h.messages(t, "s-k")); got != 0 {
		t.Errorf("messages = %d, want 0", got)
	}
	dl, err := h.engine.DeadLetters().Get(context.Background(), "e1")
	if err != nil || dl.FailedStep != StepPersistOutcome {
		t.Errorf("dead letter = %+v (%v), want failure at persist_outcome", dl, err)
	}
	if h.channel.Attempts() != 0 {
		t.Error("a failed commit must not deliver")
	}
}

func TestHandleInbound_MalformedStoredStateIsReset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	err := h.store.CreateSession(ctx, &storage.Session{
		ID:     "s-m",
		Status: storage.SessionActive,
		State:  affect.Vector{math.NaN(), 0, 0},
	})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	res, err := h.engine.HandleInbound(ctx, inbound("e1", "s-m", "Hello!!!"))
	if err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	if !res.State.Finite() || !res.State.IsUnit() {
		t.Errorf("state = %v, want a finite unit vector", res.State)
	}
}
