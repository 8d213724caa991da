package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yyd/aurora/config"
	"github.com/yyd/aurora/pkg/storage"
)

// Hierarchy bundles every memory layer with one lifecycle.
type Hierarchy struct {
	Sensory    *Sensory
	Working    Working
	Episodic   *Episodic
	Aggregate  *Aggregate
	Templates  *TemplateCache
	Procedural *Procedural

	decay   *DecayManager
	logger  *slog.Logger
	mu      sync.Mutex
	started bool
}

// NewHierarchy builds the layers from configuration. working may be nil,
// in which case an in-process store with cfg.WorkingTTL is used.
func NewHierarchy(cfg *config.MemoryConfig, episodes storage.EpisodeStore, working Working, logger *slog.Logger) (*Hierarchy, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "memory")

	seed, err := LoadSeed(cfg.TemplateFile)
	if err != nil {
		return nil, err
	}
	if working == nil {
		working = NewMemoryWorking(cfg.WorkingTTL)
	}

	// Maintenance runs at most hourly, and at least as often as the
	// sensory TTL so idle buffers do not linger.
	interval := time.Hour
	if cfg.SensoryTTL > 0 && cfg.SensoryTTL < interval {
		interval = cfg.SensoryTTL
	}
	decay := NewDecayManager(0.05, 24*7, interval)

	return &Hierarchy{
		Sensory:    NewSensory(cfg.SensoryCapacity, cfg.SensoryTTL),
		Working:    working,
		Episodic:   NewEpisodic(episodes, decay, cfg.EpisodeRetention, logger),
		Aggregate:  NewAggregate(),
		Templates:  NewTemplateCache(seed.Templates, cfg.TemplateCacheSize),
		Procedural: NewProcedural(seed.Rules),
		decay:      decay,
		logger:     logger,
	}, nil
}

// Start launches background maintenance: sensory sweeps and episode
// anonymization.
func (h *Hierarchy) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return fmt.Errorf("memory hierarchy already started")
	}
	h.decay.Start(ctx, h.logger, h.maintain)
	h.started = true
	h.logger.Info("memory hierarchy started", "rule_version", h.Procedural.Current().Version)
	return nil
}

// Stop halts background maintenance.
func (h *Hierarchy) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return nil
	}
	h.decay.Stop()
	h.started = false
	h.logger.Info("memory hierarchy stopped")
	return nil
}

func (h *Hierarchy) maintain(ctx context.Context) error {
	if n := h.Sensory.Sweep(); n > 0 {
		h.logger.Debug("swept sensory buffers", "sessions", n)
	}
	return h.Episodic.Maintain(ctx)
}

// ForgetSession drops the short-lived layers of a closed session.
func (h *Hierarchy) ForgetSession(ctx context.Context, sessionID string) error {
	h.Sensory.Forget(sessionID)
	return h.Working.Delete(ctx, sessionID)
}
