package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Chachamaru127/harness-mem/internal/models"
)

const (
	DefaultRetryInterval    = 15 * time.Second
	DefaultRetryBatch       = 50
	DefaultBackoffCap       = 120 * time.Second
	DefaultRetryMaxAttempts = 10
)

// Backoff returns the delay before the next replay of a row that has
// already failed retryCount times: 2^retryCount seconds, capped.
func Backoff(retryCount int, maxDelay time.Duration) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := time.Duration(1<<min(retryCount, 8)) * time.Second
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}

// SweepStats summarizes one sweep.
type SweepStats struct {
	Replayed     int  `json:"replayed"`
	Rescheduled  int  `json:"rescheduled"`
	DeadLettered int  `json:"dead_lettered"`
	Deferred     bool `json:"deferred"`
}

// SweeperConfig tunes the retry sweeper.
type SweeperConfig struct {
	Interval    time.Duration
	BatchSize   int
	BackoffCap  time.Duration
	MaxAttempts int
	Logger      *slog.Logger
	Now         func() time.Time
}

// Sweeper replays due retry rows through the coordinator.
type Sweeper struct {
	coord   *Coordinator
	retries RetryStore
	cfg     SweeperConfig

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewSweeper(coord *Coordinator, retries RetryStore, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRetryInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultRetryBatch
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultBackoffCap
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultRetryMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sweeper{coord: coord, retries: retries, cfg: cfg}
}

// Start runs sweeps on a ticker until Stop.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx)
	s.cfg.Logger.Info("retry sweeper started", "interval", s.cfg.Interval)
}

// Stop halts the ticker loop and waits for an in-flight sweep.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.cfg.Logger.Warn("retry sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce replays one batch of due rows. A sweep already in progress makes
// it return immediately with empty stats.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	if !s.running.CompareAndSwap(false, true) {
		return stats, nil
	}
	defer s.running.Store(false)

	now := s.cfg.Now()
	items, err := s.retries.DueRetries(ctx, now.UnixMilli(), s.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("load due retries: %w", err)
	}

	for _, item := range items {
		var ev models.Event
		if err := json.Unmarshal(item.EventJSON, &ev); err != nil || ev.ID == "" {
			if err == nil {
				err = errors.New("missing event id")
			}
			if err := s.deadLetter(ctx, item, "decode: "+err.Error(), now); err != nil {
				return stats, err
			}
			stats.DeadLettered++
			continue
		}

		out, err := s.coord.Accept(ctx, &ev, AcceptOptions{DisableRetry: true})
		if out.QueueFull {
			stats.Deferred = true
			break
		}
		if errors.Is(err, models.ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return stats, err
		}
		if err == nil {
			id := item.ID
			if err := s.coord.Do(ctx, "retry.delete", func(ctx context.Context) error {
				return s.retries.DeleteRetry(ctx, id)
			}); err != nil {
				return stats, err
			}
			stats.Replayed++
			continue
		}

		if item.RetryCount+1 > s.cfg.MaxAttempts {
			if err := s.deadLetter(ctx, item, err.Error(), now); err != nil {
				return stats, err
			}
			stats.DeadLettered++
			continue
		}

		next := now.Add(Backoff(item.RetryCount, s.cfg.BackoffCap)).UnixMilli()
		reason := err.Error()
		id := item.ID
		if err := s.coord.Do(ctx, "retry.reschedule", func(ctx context.Context) error {
			return s.retries.RescheduleRetry(ctx, id, reason, next)
		}); err != nil {
			return stats, err
		}
		stats.Rescheduled++
	}

	if stats.Replayed+stats.Rescheduled+stats.DeadLettered > 0 || stats.Deferred {
		s.cfg.Logger.Info("retry sweep", "replayed", stats.Replayed, "rescheduled", stats.Rescheduled,
			"dead_lettered", stats.DeadLettered, "deferred", stats.Deferred)
	}
	return stats, nil
}

func (s *Sweeper) deadLetter(ctx context.Context, item models.RetryItem, reason string, now time.Time) error {
	s.cfg.Logger.Warn("retry row dead-lettered", "retry_id", item.ID, "retry_count", item.RetryCount, "reason", reason)
	return s.coord.Do(ctx, "retry.dead_letter", func(ctx context.Context) error {
		return s.retries.DeadLetter(ctx, item, reason, now.UnixMilli())
	})
}
