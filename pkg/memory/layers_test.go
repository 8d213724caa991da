package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/yyd/aurora/config"
	"github.com/yyd/aurora/pkg/affect"
	memstore "github.com/yyd/aurora/pkg/storage/memory"
	"go.uber.org/goleak"
)

func TestSensory_RingAndTTL(t *testing.T) {
	now := time.Now()
	s := NewSensory(3, time.Minute)
	s.now = func() time.Time { return now }

	for i, text := range []string{"a", "b", "c", "d"} {
		s.Add("s-1", Percept{Text: text, At: now.Add(time.Duration(i-4) * time.Second)})
	}
	got := s.Recent("s-1")
	if len(got) != 3 || got[0].Text != "b" || got[2].Text != "d" {
		t.Fatalf("expected b,c,d oldest first, got %v", got)
	}

	s.Add("s-2", Percept{Text: "stale", At: now.Add(-2 * time.Minute)})
	if got := s.Recent("s-2"); len(got) != 0 {
		t.Errorf("expected expired percept to be hidden, got %v", got)
	}
	if removed := s.Sweep(); removed != 1 {
		t.Errorf("expected 1 session swept, got %d", removed)
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 live session, got %d", s.Len())
	}

	s.Forget("s-1")
	if s.Recent("s-1") != nil {
		t.Error("expected forgotten session to be empty")
	}
}

func TestMemoryWorking_TTL(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	w := NewMemoryWorking(time.Minute)
	w.now = func() time.Time { return now }

	ws := &WorkingSet{SessionID: "s-1", LastIntent: "greeting"}
	ws.Remember("hello", 2)
	ws.Remember("how can I help", 2)
	ws.Remember("anything else?", 2)
	if err := w.Put(ctx, ws); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := w.Get(ctx, "s-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got.RecentReplies) != 2 || got.RecentReplies[0] != "how can I help" {
		t.Errorf("expected window of 2 replies, got %v", got.RecentReplies)
	}

	now = now.Add(2 * time.Minute)
	if _, err := w.Get(ctx, "s-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected expired set to be gone, got %v", err)
	}
	if err := w.Put(ctx, &WorkingSet{}); !errors.Is(err, ErrInvalidSessionID) {
		t.Errorf("expected ErrInvalidSessionID, got %v", err)
	}
}

var errMockRedisUnavailable = errors.New("mock redis unavailable")

type mockRedisClient struct {
	redis.Cmdable

	mu   sync.Mutex
	kv   map[string]string
	ttls map[string]time.Duration
	down bool
}

func newMockRedisClient(t *testing.T) *mockRedisClient {
	t.Helper()
	return &mockRedisClient{kv: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (m *mockRedisClient) Get(_ context.Context, key string) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return redis.NewStringResult("", errMockRedisUnavailable)
	}
	v, ok := m.kv[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *mockRedisClient) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return redis.NewStatusResult("", errMockRedisUnavailable)
	}
	switch v := value.(type) {
	case []byte:
		m.kv[key] = string(v)
	case string:
		m.kv[key] = v
	}
	m.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (m *mockRedisClient) Del(_ context.Context, keys ...string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := m.kv[k]; ok {
			delete(m.kv, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestRedisWorking(t *testing.T) {
	ctx := context.Background()
	client := newMockRedisClient(t)
	w := NewRedisWorking(client, "test:", 30*time.Minute)

	if err := w.Put(ctx, &WorkingSet{SessionID: "s-1", LastTone: "greeting", Feedback: 0.5}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if client.ttls["test:working:s-1"] != 30*time.Minute {
		t.Errorf("expected TTL to be set, got %v", client.ttls)
	}

	got, err := w.Get(ctx, "s-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.LastTone != "greeting" || got.Feedback != 0.5 {
		t.Errorf("unexpected working set %+v", got)
	}

	if err := w.Delete(ctx, "s-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := w.Get(ctx, "s-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	client.down = true
	if _, err := w.Get(ctx, "s-1"); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("expected a transport error, got %v", err)
	}
}

func TestProcedural_DetectAndVersions(t *testing.T) {
	seed, err := DefaultSeed()
	if err != nil {
		t.Fatalf("DefaultSeed failed: %v", err)
	}
	p := NewProcedural(seed.Rules)

	tests := []struct {
		text string
		want string
	}{
		{"Hello!!!", "greeting"},
		{"Olá, bom dia", "greeting"},
		{"What tours do you have?", "tours"},
		{"I want to book the city tour", "booking"},
		{"This is terrible, I want a refund now!", "refund"},
		{"¿Cuánto cuesta?", "pricing"},
		{"I want to talk to a human", "human_agent"},
		{"nice weather", ""},
	}
	for _, tt := range tests {
		if got := p.Detect(tt.text); got != tt.want {
			t.Errorf("Detect(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}

	v := p.Update([]Rule{{Intent: "weather", Priority: 1, Keywords: []string{"Rain"}}})
	if v != 2 || p.Detect("will it rain?") != "weather" {
		t.Errorf("expected version 2 with the new rule, got %d", v)
	}
	if p.Detect("hello") != "" {
		t.Error("old rules must not survive an update")
	}

	v, err = p.Rollback(1)
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if v != 3 || p.Detect("hello") != "greeting" {
		t.Errorf("expected rollback to republish version 1 rules as 3, got %d", v)
	}
	if _, err := p.Rollback(42); err == nil {
		t.Error("expected error for unknown version")
	}
}

func TestTemplateCache_LookupAndEviction(t *testing.T) {
	specs := []TemplateSpec{
		{Intent: "greeting", Tone: "greeting", Texts: map[string]string{"en": "Hello", "pt": "Olá"}},
		{Intent: "thanks", Tone: "greeting", Texts: map[string]string{"es": "Gracias"}},
	}
	c := NewTemplateCache(specs, 2)

	tpl, err := c.Lookup("greeting", "pt-BR")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if tpl.Text != "Olá" || tpl.Locale != "pt" {
		t.Errorf("expected pt fallback, got %+v", tpl)
	}
	tpl, _ = c.Lookup("greeting", "fr")
	if tpl.Text != "Hello" {
		t.Errorf("expected English fallback, got %+v", tpl)
	}
	if _, err := c.Lookup("thanks", "en"); !errors.Is(err, ErrNoTemplate) {
		t.Errorf("expected ErrNoTemplate without en or locale variant, got %v", err)
	}
	if _, err := c.Lookup("unknown", "en"); !errors.Is(err, ErrNoTemplate) {
		t.Errorf("expected ErrNoTemplate, got %v", err)
	}

	c.Lookup("greeting", "pt-BR")
	c.Lookup("greeting", "en")
	if c.Len() != 2 {
		t.Errorf("expected LRU bounded at 2, got %d", c.Len())
	}
	if rate, total := c.HitRate(); total != 6 || rate <= 0 {
		t.Errorf("unexpected hit rate %f over %d", rate, total)
	}

	c.Replace(nil)
	if c.Len() != 0 {
		t.Error("expected Replace to clear the cache")
	}
}

type recordingNoiser struct {
	calls  int
	budget int
}

func (r *recordingNoiser) PerturbAll(values, _ []float64) ([]float64, error) {
	if r.calls+len(values) > r.budget {
		return nil, errors.New("budget exhausted")
	}
	r.calls += len(values)
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = v + 0.5
	}
	return out, nil
}

func TestAggregate_Publish(t *testing.T) {
	a := NewAggregate()
	a.RecordTurn("template", "greeting", 0.5, "")
	a.RecordTurn("knowledge_base", "informative", 0.1, "")
	a.RecordTurn("template", "empathetic", -0.7, "negative_emotion")
	a.RecordRating(4)
	a.RecordRating(5)

	exact := a.Snapshot()
	if exact.Turns != 3 || exact.Sources["template"] != 2 || exact.Handoffs["negative_emotion"] != 1 {
		t.Errorf("unexpected snapshot %+v", exact)
	}
	if exact.MeanRating != 4.5 {
		t.Errorf("expected mean rating 4.5, got %f", exact.MeanRating)
	}

	full := &recordingNoiser{budget: 100}
	noisy, err := a.Publish(full)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if !noisy.NoiseReleased || noisy.Turns != 3.5 || noisy.Sources["template"] != 2.5 {
		t.Errorf("expected every value perturbed, got %+v", noisy)
	}
	if noisy.Handoffs["negative_emotion"] != 1.5 || noisy.MeanRating != 5 {
		t.Errorf("expected handoffs and means perturbed, got %+v", noisy)
	}
	// Two totals, six labelled counts and two means.
	if full.calls != 10 {
		t.Errorf("expected 10 released values, got %d", full.calls)
	}

	short := &recordingNoiser{budget: 9}
	if _, err := a.Publish(short); err == nil {
		t.Error("expected Publish to fail when the noiser cannot pay for the snapshot")
	}
	if short.calls != 0 {
		t.Errorf("expected nothing spent on a refused release, got %d", short.calls)
	}
}

func TestLoadSeed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.yaml")
	content := `
rules:
  - intent: hours
    priority: 1
    keywords: [open, hours]
templates:
  - intent: hours
    tone: informative
    texts:
      en: "We are open from 9 to 18."
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	seed, err := LoadSeed(path)
	if err != nil {
		t.Fatalf("LoadSeed failed: %v", err)
	}
	if len(seed.Rules) != 1 || seed.Templates[0].Texts["en"] == "" {
		t.Errorf("unexpected seed %+v", seed)
	}

	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("templates:\n  - tone: x\n"), 0644)
	if _, err := LoadSeed(bad); err == nil {
		t.Error("expected error for template without intent")
	}

	def, err := LoadSeed("")
	if err != nil {
		t.Fatalf("default seed failed: %v", err)
	}
	for _, tpl := range def.Templates {
		if !affect.Tone(tpl.Tone).Valid() {
			t.Errorf("template %s has unknown tone %q", tpl.Intent, tpl.Tone)
		}
	}
}

func TestHierarchy_Lifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := &config.MemoryConfig{
		SensoryTTL:        10 * time.Millisecond,
		SensoryCapacity:   4,
		WorkingTTL:        time.Minute,
		TemplateCacheSize: 8,
		EpisodeRetention:  24 * time.Hour,
	}
	h, err := NewHierarchy(cfg, memstore.NewMemoryStorage(), nil, nil)
	if err != nil {
		t.Fatalf("NewHierarchy failed: %v", err)
	}

	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := h.Start(ctx); err == nil {
		t.Error("expected second Start to fail")
	}

	h.Sensory.Add("s-1", Percept{Text: "hi"})
	deadline := time.Now().Add(2 * time.Second)
	for h.Sensory.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.Sensory.Len() != 0 {
		t.Error("expected maintenance to sweep the idle sensory buffer")
	}

	if tpl, err := h.Templates.Lookup(h.Procedural.Detect("Hello!!!"), "en"); err != nil || tpl.Tone != "greeting" {
		t.Errorf("expected greeting template, got %+v, %v", tpl, err)
	}

	if err := h.Working.Put(ctx, &WorkingSet{SessionID: "s-1"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := h.ForgetSession(ctx, "s-1"); err != nil {
		t.Fatalf("ForgetSession failed: %v", err)
	}
	if _, err := h.Working.Get(ctx, "s-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected working set dropped, got %v", err)
	}

	if err := h.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := h.Stop(ctx); err != nil {
		t.Errorf("second Stop should be a no-op, got %v", err)
	}
}
