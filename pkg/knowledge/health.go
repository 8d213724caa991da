package knowledge

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/yyd/aurora/pkg/provider"
)

const probeText = "health check"

// HealthMonitor polls the embedding provider. On success it restores
// vector retrieval and embeds entries stored while the provider was down.
type HealthMonitor struct {
	service  *Service
	embedder provider.EmbeddingProvider
	interval time.Duration
	batch    int
	timeout  time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	observers []func(healthy bool, reprocessed int)
}

// NewHealthMonitor creates a monitor probing every interval and
// reprocessing batch entries per provider round.
func NewHealthMonitor(svc *Service, interval time.Duration, batch int, logger *slog.Logger) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	if batch <= 0 {
		batch = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthMonitor{
		service:  svc,
		embedder: svc.embedder,
		interval: interval,
		batch:    batch,
		timeout:  10 * time.Second,
		logger:   logger.With("component", "knowledge_health"),
	}
}

// OnCheck registers fn to run after every probe.
func (m *HealthMonitor) OnCheck(fn func(healthy bool, reprocessed int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Check probes the provider once. A failed probe switches retrieval to
// keywords; a successful one switches back and reprocesses pending
// entries.
func (m *HealthMonitor) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	_, err := m.embedder.Embed(probeCtx, probeText)
	cancel()

	router := m.service.Router()
	if err != nil {
		if router.Mode() == ModeVector {
			m.logger.Warn("embedding provider unhealthy", "error", err)
		}
		router.MarkDegraded()
		m.notify(false, 0)
		return false
	}

	router.MarkHealthy()
	n, err := m.service.ReprocessPending(ctx, m.batch)
	if err != nil {
		m.logger.Warn("reprocessing pending embeddings stopped", "reprocessed", n, "error", err)
	}
	m.notify(true, n)
	return true
}

func (m *HealthMonitor) notify(healthy bool, reprocessed int) {
	m.mu.Lock()
	observers := slices.Clone(m.observers)
	m.mu.Unlock()
	for _, fn := range observers {
		fn(healthy, reprocessed)
	}
}

// Start runs Check every interval until Stop or ctx is done.
func (m *HealthMonitor) Start(parent context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Check(ctx)
			case <-ctx.Done():
				return
			}
		}
	}(m.done)
}

// Stop ends the polling loop and waits for it to exit.
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
