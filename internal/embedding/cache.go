package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// VectorCache persists embeddings across restarts.
type VectorCache interface {
	LookupEmbedding(ctx context.Context, model, contentHash string, dims int) ([]float32, bool, error)
	SaveEmbedding(ctx context.Context, model, contentHash string, vec []float32, now int64) error
}

// CachedEmbedder puts an in-process LRU and a persistent cache in front of
// an Embedder. Cache failures are logged and fall through to the inner
// embedder.
type CachedEmbedder struct {
	inner  Embedder
	memo   *lru.Cache[string, []float32]
	cache  VectorCache
	logger *slog.Logger
}

func NewCachedEmbedder(inner Embedder, cache VectorCache, size int, logger *slog.Logger) (*CachedEmbedder, error) {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	memo, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("create embedding lru: %w", err)
	}
	return &CachedEmbedder{inner: inner, memo: memo, cache: cache, logger: logger}, nil
}

func (e *CachedEmbedder) Dims() int     { return e.inner.Dims() }
func (e *CachedEmbedder) Model() string { return e.inner.Model() }

func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	model := e.inner.Model()
	hash := ContentHash(text)
	key := model + "\x00" + hash

	if vec, ok := e.memo.Get(key); ok {
		return vec, nil
	}

	if e.cache != nil {
		vec, ok, err := e.cache.LookupEmbedding(ctx, model, hash, e.inner.Dims())
		switch {
		case err != nil:
			e.logger.Warn("embedding cache lookup failed", "model", model, "error", err)
		case ok:
			e.memo.Add(key, vec)
			return vec, nil
		}
	}

	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	e.memo.Add(key, vec)
	if e.cache != nil {
		if err := e.cache.SaveEmbedding(ctx, model, hash, vec, time.Now().UnixMilli()); err != nil {
			e.logger.Warn("embedding cache write failed", "model", model, "error", err)
		}
	}
	return vec, nil
}

// ContentHash is the hex SHA-256 of text.
func ContentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}
