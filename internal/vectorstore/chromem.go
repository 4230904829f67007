package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"

	chromem "github.com/philippgille/chromem-go"

	"github.com/Chachamaru127/harness-mem/internal/models"
)

const collectionPrefix = "harness_mem_observations_"

// collectionName keys the collection by dimension so a change of embedder
// dimension starts from an empty collection instead of mixing lengths.
func collectionName(dims int) string {
	return collectionPrefix + strconv.Itoa(dims)
}

// errNoEmbedder is returned if chromem is ever asked to embed content
// itself. Embeddings are always supplied with the document.
var errNoEmbedder = errors.New("chromem: embeddings are supplied by the caller")

func noEmbedding(context.Context, string) ([]float32, error) { return nil, errNoEmbedder }

// ChromemIndex is the embedded, persistent vector index.
type ChromemIndex struct {
	db  *chromem.DB
	col *chromem.Collection
}

// OpenChromem opens (or creates) the persistent chromem database in dir.
func OpenChromem(dir string, dims int) (*ChromemIndex, error) {
	if dir == "" {
		return nil, errors.New("chromem: data directory is required")
	}
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open persistent db: %w", err)
	}
	col, err := db.GetOrCreateCollection(collectionName(dims), nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("get collection: %w", err)
	}
	return &ChromemIndex{db: db, col: col}, nil
}

func (c *ChromemIndex) Name() string { return EngineChromem }

func (c *ChromemIndex) Upsert(ctx context.Context, docs ...Doc) error {
	batch := make([]chromem.Document, 0, len(docs))
	for _, d := range docs {
		// chromem normalizes on insert; a zero vector would become NaN.
		if isZero(d.Embedding) {
			continue
		}
		batch = append(batch, chromem.Document{
			ID:        d.ObservationID,
			Metadata:  docMetadata(d),
			Embedding: d.Embedding,
		})
	}
	switch len(batch) {
	case 0:
		return nil
	case 1:
		return c.col.AddDocument(ctx, batch[0])
	default:
		return c.col.AddDocuments(ctx, batch, runtime.NumCPU())
	}
}

func docMetadata(d Doc) map[string]string {
	private := "0"
	if d.Private {
		private = "1"
	}
	return map[string]string{
		"project":    d.Project,
		"session_id": d.SessionID,
		"private":    private,
		"created_at": strconv.FormatInt(d.CreatedAt, 10),
	}
}

func (c *ChromemIndex) Search(ctx context.Context, query []float32, f models.Filter, k int) ([]Hit, error) {
	if k <= 0 || isZero(query) {
		return nil, nil
	}
	// chromem requires nResults <= collection size.
	n := min(k, c.col.Count())
	if n == 0 {
		return nil, nil
	}

	where := map[string]string{}
	if f.Project != "" {
		where["project"] = f.Project
	}
	if f.SessionID != "" {
		where["session_id"] = f.SessionID
	}
	if !f.IncludePrivate {
		where["private"] = "0"
	}
	if len(where) == 0 {
		where = nil
	}

	results, err := c.col.QueryEmbedding(ctx, query, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	hits := make([]Hit, len(results))
	for i, r := range results {
		hits[i] = Hit{ObservationID: r.ID, Similarity: UnitSimilarity(float64(r.Similarity))}
	}
	return hits, nil
}

func (c *ChromemIndex) Len(context.Context) (int, error) { return c.col.Count(), nil }

// Close is a no-op: the persistent DB writes each document on insert.
func (c *ChromemIndex) Close() error { return nil }
