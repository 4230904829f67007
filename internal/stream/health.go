package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Chachamaru127/harness-mem/internal/models"
)

// SnapshotFunc reports the current coarse health state.
type SnapshotFunc func(ctx context.Context) models.HealthSnapshot

// HealthMonitor periodically samples health and publishes health.changed
// when the snapshot differs from the last one seen.
type HealthMonitor struct {
	pub      *Publisher
	snapshot SnapshotFunc
	interval time.Duration
	logger   *slog.Logger

	running atomic.Bool
	mu      sync.Mutex
	last    *models.HealthSnapshot
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewHealthMonitor(pub *Publisher, snapshot SnapshotFunc, interval time.Duration, logger *slog.Logger) *HealthMonitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthMonitor{pub: pub, snapshot: snapshot, interval: interval, logger: logger}
}

// Start begins the ticker loop. Calling Start twice is a no-op.
func (m *HealthMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx)
}

// Stop halts the loop and waits for it to exit.
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *HealthMonitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check samples health once. It is skipped when a sample is already in
// progress and reports whether a health.changed event was published.
func (m *HealthMonitor) Check(ctx context.Context) bool {
	if !m.running.CompareAndSwap(false, true) {
		return false
	}
	defer m.running.Store(false)

	snap := m.snapshot(ctx)

	m.mu.Lock()
	changed := m.last == nil || *m.last != snap
	if changed {
		m.last = &snap
	}
	m.mu.Unlock()

	if changed {
		m.pub.Publish(models.StreamHealthChanged, snap)
		m.logger.Info("health changed", "status", snap.Status,
			"embedding_degraded", snap.EmbeddingDegraded,
			"retry_backlog", snap.RetryBacklog,
			"queue_saturated", snap.QueueSaturated)
	}
	return changed
}
