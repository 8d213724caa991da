package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/yyd/aurora/config"
	"github.com/yyd/aurora/pkg/affect"
	"github.com/yyd/aurora/pkg/api"
	apievents "github.com/yyd/aurora/pkg/api/events"
	"github.com/yyd/aurora/pkg/api/handlers"
	"github.com/yyd/aurora/pkg/api/middleware"
	"github.com/yyd/aurora/pkg/candidate"
	"github.com/yyd/aurora/pkg/conversation"
	"github.com/yyd/aurora/pkg/escalation"
	"github.com/yyd/aurora/pkg/eventbus"
	"github.com/yyd/aurora/pkg/events"
	"github.com/yyd/aurora/pkg/grpchealth"
	"github.com/yyd/aurora/pkg/knowledge"
	"github.com/yyd/aurora/pkg/learning"
	"github.com/yyd/aurora/pkg/logger"
	"github.com/yyd/aurora/pkg/memory"
	"github.com/yyd/aurora/pkg/metrics"
	"github.com/yyd/aurora/pkg/provider"
	"github.com/yyd/aurora/pkg/saga"
	"github.com/yyd/aurora/pkg/scoring"
	"github.com/yyd/aurora/pkg/storage"
	"github.com/yyd/aurora/pkg/version"
)

const (
	inboundWorkers   = 8
	wsEventBuffer    = 256
	limiterIdleAfter = 10 * time.Minute
)

// app is the wired server: every long-lived component and the order in
// which they start and stop.
type app struct {
	cfg *config.Config
	log *logger.Logger

	store   storage.RecordStore
	db      *badgerdb.DB
	redis   *redis.Client
	metrics *metrics.Manager

	memory    *memory.Hierarchy
	knowledge *knowledge.Service
	monitor   *knowledge.HealthMonitor
	scorer    *scoring.Scorer
	gate      *escalation.Gate

	bus       eventbus.Bus
	publisher *eventbus.Publisher
	engine    *conversation.Engine
	inbound   *eventbus.InboundConsumer

	buffer *learning.Buffer
	loop   *learning.Loop
	budget *learning.PrivacyBudget

	broadcaster *apievents.Broadcaster
	ws          *handlers.WebSocketHandler
	limiter     *middleware.RateLimiter
	http        *api.HTTPServer
	health      *grpchealth.Server

	cancel context.CancelFunc
	bg     errgroup.Group

	reloadMu sync.Mutex
	applied  config.HotReloadableConfig
}

// newApp builds every component without starting any of them.
func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *app, err error) {
	sl := log.Logger
	a := &app{cfg: cfg, log: log, applied: config.ExtractHotReloadable(cfg)}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	a.metrics = metrics.NewManager(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Port:    cfg.Metrics.Port,
		Path:    cfg.Metrics.Path,
	})

	if a.store, a.db, err = openStore(&cfg.Storage, sl); err != nil {
		return nil, err
	}
	if a.redis, err = openRedis(ctx, &cfg.Redis); err != nil {
		return nil, err
	}

	var working memory.Working
	var idempotency conversation.Idempotency
	if a.redis != nil {
		working = memory.NewRedisWorking(a.redis, cfg.Redis.KeyPrefix, cfg.Memory.WorkingTTL)
		idempotency = conversation.NewRedisIdempotency(a.redis, cfg.Redis.KeyPrefix, cfg.Conversation.IdempotencyTTL)
		a.bus = eventbus.NewRedisBus(a.redis, cfg.Redis.KeyPrefix)
	} else {
		a.bus = eventbus.NewMemoryBus()
	}

	if a.memory, err = memory.NewHierarchy(&cfg.Memory, a.store, working, sl); err != nil {
		return nil, err
	}

	prov := newProviders(&cfg.Provider)
	a.knowledge = knowledge.NewService(a.store, prov.embedder, knowledge.Options{
		TopK:          cfg.Knowledge.TopK,
		MinSimilarity: cfg.Knowledge.MinSimilarity,
		FailureLimit:  cfg.Knowledge.FailureLimit,
	}, sl)
	if err = a.knowledge.Load(ctx); err != nil {
		return nil, fmt.Errorf("load knowledge: %w", err)
	}
	if cfg.Knowledge.SeedFile != "" {
		if err = seedKnowledge(ctx, a.knowledge, cfg.Knowledge.SeedFile, sl); err != nil {
			return nil, err
		}
	}
	a.monitor = knowledge.NewHealthMonitor(a.knowledge, cfg.Knowledge.HealthInterval, cfg.Knowledge.ReprocessBatch, sl)
	a.monitor.OnCheck(func(healthy bool, reprocessed int) {
		a.metrics.SetProviderUp(grpchealth.ServiceEmbedding, healthy)
		a.metrics.SetRetrievalMode(string(a.knowledge.Router().Mode()))
		a.metrics.RecordReprocessed(reprocessed)
	})
	a.metrics.SetRetrievalMode(string(a.knowledge.Router().Mode()))

	tones := scoring.NewToneBook(affect.DefaultToneVectors())
	if a.scorer, err = scoring.NewScorer(scoringOptions(&cfg.Scoring), tones); err != nil {
		return nil, fmt.Errorf("scorer: %w", err)
	}
	if a.gate, err = escalation.NewGate(escalation.Thresholds{
		Negative:   cfg.Escalation.NegativeThreshold,
		Confidence: cfg.Escalation.ConfidenceThreshold,
	}, nil); err != nil {
		return nil, fmt.Errorf("escalation gate: %w", err)
	}

	if a.publisher, err = eventbus.NewPublisher(cfg.App.Name, a.bus, eventbus.DefaultRetryConfig(), a.metrics); err != nil {
		return nil, err
	}
	channels := provider.NewChannels(provider.NewLogChannel("web", sl))
	channels.Register(eventbus.NewBusChannel("whatsapp", a.publisher))
	channels.Register(eventbus.NewBusChannel("sms", a.publisher))

	if a.budget, err = learning.NewPrivacyBudget(cfg.Learning.PrivacyBudget, cfg.Learning.PrivacyCost, nil); err != nil {
		return nil, err
	}
	a.buffer = learning.NewBuffer(cfg.Learning.BufferSize)
	estimator := affect.NewEstimator(nil)
	a.loop = learning.NewLoop(a.buffer, tones,
		learning.NewRegressionSuite(learning.DefaultCases, affect.DefaultToneVectors(), cfg.Learning.RegressionMinScore, estimator),
		learning.Options{
			Interval:     cfg.Learning.Interval,
			BatchSize:    cfg.Learning.BatchSize,
			Gamma:        cfg.Learning.Gamma,
			Epsilon:      cfg.Learning.Epsilon,
			LearningRate: cfg.Learning.LearningRate,
			Aggregate:    a.memory.Aggregate,
			Budget:       a.budget,
			Metrics:      a.metrics,
			Logger:       sl,
		})

	sagas, deadLetters, err := a.sagaStores(sl)
	if err != nil {
		return nil, err
	}
	a.engine, err = conversation.NewEngine(conversation.Options{
		Store:     a.store,
		Memory:    a.memory,
		Estimator: estimator,
		Tracker: affect.NewTracker(
			affect.WithAlpha(cfg.Affect.Alpha),
			affect.WithLipschitz(cfg.Affect.Lipschitz),
			affect.WithHalfLife(cfg.Affect.HalfLife),
		),
		Generator: candidate.NewGenerator(candidate.Options{
			Templates: a.memory.Templates,
			Rules:     a.memory.Procedural,
			Knowledge: a.knowledge,
			Episodes:  a.memory.Episodic,
			Logger:    sl,
		}),
		Scorer:            a.scorer,
		Gate:              a.gate,
		Completer:         prov.completer,
		Channels:          channels,
		Knowledge:         a.knowledge,
		Publisher:         a.publisher,
		Experiences:       a.buffer,
		Sagas:             sagas,
		DeadLetters:       deadLetters,
		Idempotency:       idempotency,
		Metrics:           a.metrics,
		Logger:            sl,
		Config:            cfg.Conversation,
		Saga:              cfg.Saga,
		GroundingTopK:     cfg.Escalation.TopK,
		CompletionTimeout: cfg.Provider.Timeout,
		RepetitionWindow:  cfg.Scoring.RepetitionWindow,
	})
	if err != nil {
		return nil, err
	}
	a.inbound = eventbus.NewInboundConsumer(a.bus, a.handleInbound, inboundWorkers, sl)

	if cfg.Server.GRPCHealthPort > 0 {
		a.health = grpchealth.New(grpchealth.Options{
			Address:  net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.GRPCHealthPort)),
			Probes:   prov.probes,
			OnStatus: a.metrics.SetProviderUp,
			Logger:   sl,
		})
	}

	a.broadcaster = apievents.NewBroadcaster()
	a.ws = handlers.NewWebSocketHandler(sl, handlers.WebSocketConfig{
		AllowedOrigins: cfg.Server.CORS.AllowedOrigins,
		MaxConnections: 1000,
	})
	a.limiter = middleware.NewRateLimiter(cfg.Server.RateLimit, limiterIdleAfter)
	a.http = api.NewHTTPServer(cfg, sl, a.handlers())
	return a, nil
}

// sagaStores picks badger-backed saga instances and dead letters when the
// record store is badger, in-memory ones otherwise.
func (a *app) sagaStores(log *slog.Logger) (*saga.Orchestrator, conversation.DeadLetterQueue, error) {
	opts := []saga.Option{saga.WithMetrics(a.metrics), saga.WithLogger(log)}
	if a.db == nil {
		if a.cfg.Saga.Store == "badger" {
			log.Warn("saga store badger needs the badger record store, keeping sagas in memory")
		}
		return saga.NewOrchestrator(opts...), nil, nil
	}

	if a.cfg.Saga.Store == "badger" {
		store, err := saga.NewBadgerStore(a.db)
		if err != nil {
			return nil, nil, fmt.Errorf("saga store: %w", err)
		}
		opts = append(opts, saga.WithStore(store))
	}
	dl, err := conversation.NewBadgerDeadLetters(a.db, a.cfg.Conversation.DeadLetterCapacity)
	if err != nil {
		return nil, nil, fmt.Errorf("dead letters: %w", err)
	}
	return saga.NewOrchestrator(opts...), dl, nil
}

func (a *app) handlers() *api.Handlers {
	sl := a.log.Logger
	checks := map[string]handlers.Check{
		"storage": func(ctx context.Context) error {
			_, err := a.store.GetSession(ctx, "readiness-probe")
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		},
		"eventbus": func(context.Context) error {
			if a.publisher.Degraded() {
				return errors.New("event bus is degraded")
			}
			return nil
		},
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}

	h := &api.Handlers{
		Messages:    handlers.NewMessageHandler(a.engine, sl),
		Sessions:    handlers.NewSessionHandler(a.store, a.engine),
		Knowledge:   handlers.NewKnowledgeHandler(a.knowledge),
		Handoffs:    handlers.NewHandoffHandler(a.store),
		DeadLetters: handlers.NewDeadLetterHandler(a.engine, sl),
		Analytics:   handlers.NewAnalyticsHandler(a.memory.Aggregate, a.budget),
		Health:      handlers.NewHealthHandler(version.Version, checks, a.status),
		Events:      a.ws,
	}
	if a.metrics.Enabled() {
		h.Metrics = a.metrics
	}
	if a.cfg.Server.RateLimit.Enabled {
		h.RateLimiter = a.limiter
	}
	return h
}

// status feeds GET /status.
func (a *app) status(ctx context.Context) map[string]any {
	out := map[string]any{
		"retrieval_mode":           a.knowledge.Router().Mode(),
		"experiences_buffered":     a.buffer.Len(),
		"websocket_clients":        a.ws.Connections(),
		"event_bus_degraded":       a.publisher.Degraded(),
		"privacy_budget_remaining": a.budget.Remaining(),
		"events_dropped":           a.broadcaster.Dropped(),
	}
	if n, err := a.engine.DeadLetters().Len(ctx); err == nil {
		out["dead_letters"] = n
	}
	return out
}

// handleInbound runs a bus-delivered turn. Redeliveries are acknowledged.
func (a *app) handleInbound(ctx context.Context, msg events.InboundMessage) error {
	_, err := a.engine.HandleInbound(ctx, msg)
	if errors.Is(err, conversation.ErrDuplicate) {
		return nil
	}
	return err
}

// start launches every background component and the servers. It returns
// a channel that receives the HTTP server's terminal error.
func (a *app) start(ctx context.Context) (<-chan error, error) {
	sl := a.log.Logger
	ctx, a.cancel = context.WithCancel(ctx)

	if err := a.memory.Start(ctx); err != nil {
		return nil, err
	}
	a.monitor.Start(ctx)
	if err := a.engine.Start(ctx); err != nil {
		return nil, err
	}
	if err := a.inbound.Start(ctx); err != nil {
		return nil, err
	}
	if a.health != nil {
		if err := a.health.Start(ctx); err != nil {
			return nil, err
		}
	}

	if a.metrics.Enabled() {
		a.bg.Go(func() error {
			sl.Info("metrics server listening", "port", a.cfg.Metrics.Port, "path", a.cfg.Metrics.Path)
			if err := a.metrics.StartServer(ctx, a.cfg.Metrics.Port, a.cfg.Metrics.Path); err != nil {
				sl.Error("metrics server stopped", "error", err)
			}
			return nil
		})
	}
	if a.cfg.Learning.Enabled {
		a.bg.Go(func() error { return a.loop.Run(ctx) })
	}
	stream := a.broadcaster.Subscribe(wsEventBuffer)
	a.bg.Go(func() error {
		if err := a.broadcaster.Run(ctx, a.bus, sl); err != nil {
			sl.Error("event broadcaster stopped", "error", err)
		}
		return nil
	})
	a.bg.Go(func() error {
		a.ws.Forward(ctx, stream)
		return nil
	})
	if a.cfg.Server.RateLimit.Enabled {
		a.bg.Go(func() error {
			a.limiter.Run(ctx, time.Minute)
			return nil
		})
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- a.http.Start() }()

	sl.Info("aurora is running",
		"version", version.Version,
		"http", a.http.Addr(),
		"storage", a.cfg.Storage.Type,
		"provider", a.cfg.Provider.Type,
		"redis", a.redis != nil,
	)
	return serverErr, nil
}

// stop shuts down in reverse dependency order.
func (a *app) stop(ctx context.Context) {
	sl := a.log.Logger
	if err := a.http.Shutdown(ctx); err != nil {
		sl.Error("http shutdown", "error", err)
	}
	a.ws.Close()
	if a.health != nil {
		if err := a.health.Stop(ctx); err != nil {
			sl.Error("grpc health shutdown", "error", err)
		}
	}
	a.inbound.Stop()
	a.engine.Stop()
	a.monitor.Stop()
	if err := a.memory.Stop(ctx); err != nil {
		sl.Error("memory shutdown", "error", err)
	}
	if a.cancel != nil {
		a.cancel()
	}
	if err := a.bg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		sl.Error("background task failed", "error", err)
	}
	a.broadcaster.Close()
	a.closeResources()
}

func (a *app) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("close store", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("close redis", "error", err)
		}
	}
}

// applyConfig applies the hot-reloadable part of a reloaded config.
func (a *app) applyConfig(cfg *config.Config) {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	next := config.ExtractHotReloadable(cfg)
	if !next.Changed(a.applied) {
		return
	}
	if next.LogLevel != a.applied.LogLevel {
		a.log.SetLevel(logger.ParseLevel(next.LogLevel))
	}
	err := a.gate.SetThresholds(escalation.Thresholds{
		Negative:   next.NegativeThreshold,
		Confidence: next.ConfidenceThreshold,
	})
	if err != nil {
		a.log.Warn("escalation thresholds rejected", "error", err)
		next.NegativeThreshold = a.applied.NegativeThreshold
		next.ConfidenceThreshold = a.applied.ConfidenceThreshold
	}
	a.scorer.SetForbidden(next.ForbiddenActions)
	a.applied = next
	a.log.Info("configuration reloaded",
		"log_level", next.LogLevel,
		"negative_threshold", next.NegativeThreshold,
		"confidence_threshold", next.ConfidenceThreshold,
		"forbidden_actions", len(next.ForbiddenActions),
	)
}

func scoringOptions(cfg *config.ScoringConfig) scoring.Options {
	opts := scoring.DefaultOptions()
	opts.Weights = scoring.Weights{
		Affective: cfg.AffectiveWeight,
		Semantic:  cfg.SemanticWeight,
		Utility:   cfg.UtilityWeight,
	}
	opts.RepetitionWindow = cfg.RepetitionWindow
	opts.RepetitionPenalty = cfg.RepetitionPenalty
	opts.PenaltyCap = cfg.PenaltyCap
	opts.FeedbackWeight = cfg.FeedbackWeight
	opts.Forbidden = cfg.ForbiddenActions
	return opts
}

// seedKnowledge ingests a seed file. Entries with ids are upserted, so a
// restart does not duplicate them.
func seedKnowledge(ctx context.Context, svc *knowledge.Service, path string, log *slog.Logger) error {
	entries, err := knowledge.LoadSeed(path)
	if err != nil {
		return err
	}
	n, err := svc.IngestAll(ctx, entries)
	if err != nil {
		return err
	}
	log.Info("knowledge seeded", "path", path, "entries", n)
	return nil
}
