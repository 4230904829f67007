package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// FallbackEmbedder calls a primary (usually remote) embedder with a bounded
// timeout and degrades to the local hash embedder when it fails. After a
// failure the primary is skipped for a cool-down so an unreachable host
// cannot stall the write path.
type FallbackEmbedder struct {
	primary  Embedder
	fallback *HashEmbedder
	timeout  time.Duration
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	skipUntil time.Time
	degraded  atomic.Bool
}

func NewFallbackEmbedder(primary Embedder, timeout time.Duration, logger *slog.Logger) *FallbackEmbedder {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &FallbackEmbedder{
		primary:  primary,
		fallback: NewHashEmbedder(primary.Dims()),
		timeout:  timeout,
		cooldown: 30 * time.Second,
		logger:   logger,
		now:      time.Now,
	}
}

func (f *FallbackEmbedder) Dims() int     { return f.primary.Dims() }
func (f *FallbackEmbedder) Model() string { return f.primary.Model() }

// Degraded reports whether the last embedding came from the fallback.
func (f *FallbackEmbedder) Degraded() bool { return f.degraded.Load() }

func (f *FallbackEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	skip := f.now().Before(f.skipUntil)
	f.mu.Unlock()

	if !skip {
		callCtx, cancel := context.WithTimeout(ctx, f.timeout)
		vec, err := f.primary.Embed(callCtx, text)
		cancel()
		if err == nil && len(vec) == f.primary.Dims() {
			f.degraded.Store(false)
			return vec, nil
		}
		if err == nil {
			err = fmt.Errorf("primary returned %d dims, expected %d", len(vec), f.primary.Dims())
		}
		f.mu.Lock()
		f.skipUntil = f.now().Add(f.cooldown)
		f.mu.Unlock()
		if !f.degraded.Swap(true) {
			f.logger.Warn("embedding provider unavailable, using hash fallback",
				"model", f.primary.Model(), "error", err)
		}
	}

	return f.fallback.Embed(ctx, text)
}
