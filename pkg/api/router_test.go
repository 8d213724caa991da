package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yyd/aurora/config"
	"github.com/yyd/aurora/pkg/api/handlers"
	"github.com/yyd/aurora/pkg/api/middleware"
	"github.com/yyd/aurora/pkg/api/models"
	"github.com/yyd/aurora/pkg/candidate"
	"github.com/yyd/aurora/pkg/conversation"
	"github.com/yyd/aurora/pkg/escalation"
	"github.com/yyd/aurora/pkg/knowledge"
	"github.com/yyd/aurora/pkg/learning"
	"github.com/yyd/aurora/pkg/memory"
	"github.com/yyd/aurora/pkg/provider"
	"github.com/yyd/aurora/pkg/provider/providertest"
	"github.com/yyd/aurora/pkg/scoring"
	"github.com/yyd/aurora/pkg/storage"
	memstore "github.com/yyd/aurora/pkg/storage/memory"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.RateLimit.Enabled = false
	return cfg
}

// newStack wires a real engine over the in-memory store.
func newStack(t *testing.T, cfg *config.Config) *Handlers {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.NewMemoryStorage()

	mem, err := memory.NewHierarchy(&cfg.Memory, store, nil, log)
	require.NoError(t, err)
	ks := knowledge.NewService(store, provider.NewHashEmbedder(64), knowledge.Options{TopK: 3, MinSimilarity: 0.3, FailureLimit: 3}, log)
	scorer, err := scoring.NewScorer(scoring.DefaultOptions(), nil)
	require.NoError(t, err)
	gate, err := escalation.NewGate(escalation.DefaultThresholds(), nil)
	require.NoError(t, err)

	engine, err := conversation.NewEngine(conversation.Options{
		Store:  store,
		Memory: mem,
		Generator: candidate.NewGenerator(candidate.Options{
			Templates: mem.Templates,
			Rules:     mem.Procedural,
			Knowledge: ks,
			Episodes:  mem.Episodic,
			Logger:    log,
		}),
		Scorer:    scorer,
		Gate:      gate,
		Completer: providertest.NewCompleter("Happy to help with your booking."),
		Channels:  provider.NewChannels(providertest.NewChannel("web")),
		Knowledge: ks,
		Logger:    log,
		Config:    cfg.Conversation,
		Saga:      cfg.Saga,
	})
	require.NoError(t, err)

	budget, err := learning.NewPrivacyBudget(10, 1, rand.New(rand.NewPCG(7, 7)))
	require.NoError(t, err)

	return &Handlers{
		Messages:    handlers.NewMessageHandler(engine, log),
		Sessions:    handlers.NewSessionHandler(store, engine),
		Knowledge:   handlers.NewKnowledgeHandler(ks),
		Handoffs:    handlers.NewHandoffHandler(store),
		DeadLetters: handlers.NewDeadLetterHandler(engine, log),
		Analytics:   handlers.NewAnalyticsHandler(mem.Aggregate, budget),
		Health:      handlers.NewHealthHandler("test", nil, nil),
	}
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_ConversationFlow(t *testing.T) {
	cfg := testConfig()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := NewRouter(cfg, log, newStack(t, cfg))

	msg := map[string]any{"id": "evt-1", "session_id": "s-1", "text": "Hello, I would like to book a tour", "locale": "en"}
	rec := do(t, router, http.MethodPost, "/api/v1/messages", msg)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))

	var first models.MessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.Equal(t, "s-1", first.SessionID)
	assert.NotEmpty(t, first.Reply)
	assert.False(t, first.Duplicate)

	// Redelivery of the same event id is acknowledged, not reprocessed.
	rec = do(t, router, http.MethodPost, "/api/v1/messages", msg)
	require.Equal(t, http.StatusOK, rec.Code)
	var dup models.MessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dup))
	assert.True(t, dup.Duplicate)

	rec = do(t, router, http.MethodGet, "/api/v1/sessions/s-1/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list models.MessageListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Messages, 2)

	rec = do(t, router, http.MethodPost, "/api/v1/sessions/s-1/feedback", map[string]any{"rating": 5})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, router, http.MethodGet, "/api/v1/analytics", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, router, http.MethodPost, "/api/v1/sessions/s-1/close", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodGet, "/api/v1/sessions/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_InvalidMessage(t *testing.T) {
	cfg := testConfig()
	router := NewRouter(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), newStack(t, cfg))

	rec := do(t, router, http.MethodPost, "/api/v1/messages", map[string]any{"text": "no ids"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_KnowledgeLifecycle(t *testing.T) {
	cfg := testConfig()
	router := NewRouter(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), newStack(t, cfg))

	entry := map[string]any{
		"category": "tours",
		"texts":    map[string]string{"en": "Our city tour leaves at nine every morning."},
	}
	rec := do(t, router, http.MethodPost, "/api/v1/knowledge", entry)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created storage.KnowledgeEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	rec = do(t, router, http.MethodGet, "/api/v1/knowledge/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodGet, "/api/v1/knowledge/search?q=city+tour+morning&locale=en", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodDelete, "/api/v1/knowledge/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, router, http.MethodGet, "/api/v1/knowledge/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_NilHandlersLeaveRoutesOut(t *testing.T) {
	cfg := testConfig()
	router := NewRouter(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), &Handlers{
		Health: handlers.NewHealthHandler("test", nil, nil),
	})

	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, router, http.MethodPost, "/api/v1/messages", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, router, http.MethodGet, "/api/v1/handoffs", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, router, http.MethodGet, "/ws/events", nil).Code)
}

func TestRouter_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Server.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 2}
	h := newStack(t, cfg)
	h.RateLimiter = middleware.NewRateLimiter(cfg.Server.RateLimit, time.Minute)
	router := NewRouter(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), h)

	for i := 0; i < 2; i++ {
		rec := do(t, router, http.MethodGet, "/api/v1/handoffs", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := do(t, router, http.MethodGet, "/api/v1/handoffs", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Probes sit outside the limited group.
	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/health", nil).Code)
}

func TestRouter_PropagatesRequestID(t *testing.T) {
	cfg := testConfig()
	router := NewRouter(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), &Handlers{
		Health: handlers.NewHealthHandler("test", nil, nil),
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get(middleware.RequestIDHeader))
}
