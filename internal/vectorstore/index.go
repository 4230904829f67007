package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/Chachamaru127/harness-mem/internal/models"
	"github.com/Chachamaru127/harness-mem/internal/store"
)

// Engine names.
const (
	EngineAuto    = "auto"
	EngineChromem = "chromem"
	EngineQdrant  = "qdrant"
	EngineSQLite  = "sqlite"
)

// Doc is one observation vector with the fields indexes filter on.
type Doc struct {
	ObservationID string
	Project       string
	SessionID     string
	Private       bool
	CreatedAt     int64
	Embedding     []float32
}

// Hit is a vector match with similarity mapped to [0, 1].
type Hit struct {
	ObservationID string
	Similarity    float64
}

// Index is a nearest-neighbour index over observation vectors. The SQLite
// vectors table is the source of truth; every Index other than the SQLite
// scan is a derived copy that can be rebuilt from it.
type Index interface {
	Name() string
	Upsert(ctx context.Context, docs ...Doc) error
	// Search returns up to k hits for the query. Project, session and
	// visibility filters are applied by the index; callers re-check the
	// full filter on the loaded rows.
	Search(ctx context.Context, query []float32, f models.Filter, k int) ([]Hit, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// Options selects and configures the vector index.
type Options struct {
	Engine     string
	Dir        string // chromem data directory
	QdrantURL  string
	Dims       int
	ScanWindow int
	Logger     *slog.Logger
}

// DefaultDir returns the chromem directory next to the database file.
func DefaultDir(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), "vectors")
}

// Open selects the vector index once at startup. "auto" prefers the
// embedded chromem index and falls back to the SQLite scan; "qdrant" is
// used only when the server answers its health check.
func Open(ctx context.Context, db *store.DB, opts Options) (Index, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sqliteIdx := NewSQLiteIndex(db, opts.ScanWindow)

	switch opts.Engine {
	case EngineSQLite:
		return sqliteIdx, nil
	case EngineChromem:
		idx, err := OpenChromem(opts.Dir, opts.Dims)
		if err != nil {
			return nil, fmt.Errorf("open chromem index: %w", err)
		}
		return idx, nil
	case EngineQdrant:
		client := NewQdrantClient(opts.QdrantURL, opts.Dims)
		if err := client.HealthCheck(ctx); err != nil {
			logger.Warn("qdrant unavailable, using sqlite vector scan", "url", opts.QdrantURL, "error", err)
			return sqliteIdx, nil
		}
		idx, err := NewQdrantIndex(ctx, client)
		if err != nil {
			logger.Warn("qdrant collection setup failed, using sqlite vector scan", "error", err)
			return sqliteIdx, nil
		}
		return idx, nil
	case EngineAuto, "":
		idx, err := OpenChromem(opts.Dir, opts.Dims)
		if err != nil {
			logger.Warn("chromem index unavailable, using sqlite vector scan", "dir", opts.Dir, "error", err)
			return sqliteIdx, nil
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unknown vector engine %q", opts.Engine)
	}
}

// DocFromVector converts a stored vector row into an index document.
func DocFromVector(v store.IndexedVector) Doc {
	return Doc{
		ObservationID: v.ObservationID,
		Project:       v.Project,
		SessionID:     v.SessionID,
		Private:       v.Private,
		CreatedAt:     v.CreatedAt,
		Embedding:     v.Embedding,
	}
}

// Rebuild copies every stored vector into idx and returns the number
// written. Existing entries are overwritten by id.
func Rebuild(ctx context.Context, db *store.DB, idx Index) (int, error) {
	const page = 500
	total := 0
	after := ""
	for {
		rows, err := db.ListVectors(ctx, after, page)
		if err != nil {
			return total, err
		}
		if len(rows) == 0 {
			return total, nil
		}
		docs := make([]Doc, len(rows))
		for i, r := range rows {
			docs[i] = DocFromVector(r)
		}
		if err := idx.Upsert(ctx, docs...); err != nil {
			return total, fmt.Errorf("rebuild %s index: %w", idx.Name(), err)
		}
		total += len(rows)
		after = rows[len(rows)-1].ObservationID
	}
}

// SyncIfStale rebuilds a derived index when it holds fewer entries than the
// vectors table, which happens after a crash between commit and index
// update or when the index directory was removed.
func SyncIfStale(ctx context.Context, db *store.DB, idx Index, logger *slog.Logger) error {
	if idx.Name() == EngineSQLite {
		return nil
	}
	have, err := idx.Len(ctx)
	if err != nil {
		return err
	}
	want, err := db.VectorCount(ctx)
	if err != nil {
		return err
	}
	if have >= want {
		return nil
	}
	logger.Info("rebuilding vector index", "engine", idx.Name(), "indexed", have, "stored", want)
	n, err := Rebuild(ctx, db, idx)
	if err != nil {
		return err
	}
	logger.Info("vector index rebuilt", "engine", idx.Name(), "count", n)
	return nil
}
