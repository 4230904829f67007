package vectorstore

import (
	"context"
	"sort"

	"github.com/Chachamaru127/harness-mem/internal/models"
	"github.com/Chachamaru127/harness-mem/internal/store"
)

// SQLiteIndex scores the most recent stored vectors by brute-force cosine.
// It reads the authoritative vectors table directly, so Upsert is a no-op.
type SQLiteIndex struct {
	db     *store.DB
	window int
}

func NewSQLiteIndex(db *store.DB, window int) *SQLiteIndex {
	if window <= 0 {
		window = 2000
	}
	return &SQLiteIndex{db: db, window: window}
}

func (s *SQLiteIndex) Name() string { return EngineSQLite }

func (s *SQLiteIndex) Upsert(context.Context, ...Doc) error { return nil }

func (s *SQLiteIndex) Search(ctx context.Context, query []float32, f models.Filter, k int) ([]Hit, error) {
	if k <= 0 || isZero(query) {
		return nil, nil
	}
	rows, err := s.db.RecentVectors(ctx, f, s.window)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(rows))
	for _, r := range rows {
		if len(r.Embedding) != len(query) {
			continue
		}
		hits = append(hits, Hit{
			ObservationID: r.ObservationID,
			Similarity:    UnitSimilarity(CosineSimilarity(query, r.Embedding)),
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ObservationID > hits[j].ObservationID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *SQLiteIndex) Len(ctx context.Context) (int, error) { return s.db.VectorCount(ctx) }

func (s *SQLiteIndex) Close() error { return nil }
