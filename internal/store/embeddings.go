package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// LookupEmbedding returns the cached vector for (model, contentHash). A row
// stored with a different dimension counts as a miss.
func (db *DB) LookupEmbedding(ctx context.Context, model, contentHash string, dims int) ([]float32, bool, error) {
	var blob []byte
	var dimension int
	err := db.QueryRowContext(ctx,
		`SELECT embedding, dimension FROM embedding_cache WHERE model = ? AND content_hash = ?`,
		model, contentHash).Scan(&blob, &dimension)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup embedding: %w", err)
	}
	if dimension != dims || len(blob) != dims*4 {
		return nil, false, nil
	}
	return BytesToFloat32(blob), true, nil
}

// SaveEmbedding upserts a cached vector. The cache is derived data and is
// written outside the write queue; losing a row only costs a re-embed.
func (db *DB) SaveEmbedding(ctx context.Context, model, contentHash string, vec []float32, now int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO embedding_cache (model, content_hash, embedding, dimension, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(model, content_hash) DO UPDATE SET
			embedding = excluded.embedding,
			dimension = excluded.dimension,
			updated_at = excluded.updated_at
	`, model, contentHash, Float32ToBytes(vec), len(vec), now)
	if err != nil {
		return fmt.Errorf("save embedding: %w", err)
	}
	return nil
}

// EmbeddingCacheLen counts cached vectors for model.
func (db *DB) EmbeddingCacheLen(ctx context.Context, model string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embedding_cache WHERE model = ?`, model).Scan(&n)
	return n, err
}
