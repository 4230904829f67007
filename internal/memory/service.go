// Package memory wires every component of the memory service together and
// exposes the operations the adapters call.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Chachamaru127/harness-mem/internal/config"
	"github.com/Chachamaru127/harness-mem/internal/embedding"
	"github.com/Chachamaru127/harness-mem/internal/feed"
	"github.com/Chachamaru127/harness-mem/internal/ingest"
	"github.com/Chachamaru127/harness-mem/internal/models"
	"github.com/Chachamaru127/harness-mem/internal/search"
	"github.com/Chachamaru127/harness-mem/internal/sessions"
	"github.com/Chachamaru127/harness-mem/internal/store"
	"github.com/Chachamaru127/harness-mem/internal/stream"
	"github.com/Chachamaru127/harness-mem/internal/vectorstore"
	"github.com/Chachamaru127/harness-mem/internal/writer"
)

var tracer = otel.Tracer("github.com/Chachamaru127/harness-mem/internal/memory")

const (
	DefaultReindexLimit = 500
	shutdownSweepBudget = 10 * time.Second
)

// Service is the main facade for all memory operations.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	db        *store.DB
	embedder  embedding.Embedder
	ollama    *embedding.OllamaClient
	index     vectorstore.Index
	pub       *stream.Publisher
	coord     *writer.Coordinator
	sweeper   *writer.Sweeper
	gate      *ingest.Gate
	search    *search.Engine
	feed      *feed.Service
	finalizer *sessions.Finalizer
	monitor   *stream.HealthMonitor

	closeOnce sync.Once
	closeErr  error
}

// Open builds the service from configuration. Background loops do not run
// until Start.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := store.Open(cfg.DBPath, store.Options{DisableFTS: !cfg.FTSEnabled, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Service{cfg: cfg, logger: logger, db: db}
	if err := s.openEmbedder(); err != nil {
		db.Close()
		return nil, err
	}

	s.index, err = vectorstore.Open(ctx, db, vectorstore.Options{
		Engine:     cfg.VectorEngine,
		Dir:        vectorstore.DefaultDir(cfg.DBPath),
		QdrantURL:  cfg.QdrantURL,
		Dims:       cfg.EmbeddingDim,
		ScanWindow: cfg.VectorScanWindow,
		Logger:     logger,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open vector index: %w", err)
	}
	if err := vectorstore.SyncIfStale(ctx, db, s.index, logger); err != nil {
		logger.Warn("vector index sync failed", "engine", s.index.Name(), "error", err)
	}

	s.pub = stream.NewPublisher(cfg.StreamCapacity)
	s.coord = writer.New(writer.Config{
		Committer:  db,
		Retries:    db,
		Embedder:   s.embedder,
		Index:      s.index,
		Publisher:  s.pub,
		QueueDepth: cfg.WriteQueueDepth,
		Logger:     logger,
	})
	s.sweeper = writer.NewSweeper(s.coord, db, writer.SweeperConfig{
		Interval:    cfg.RetryInterval,
		BatchSize:   cfg.RetryBatchSize,
		BackoffCap:  cfg.RetryBackoffCap,
		MaxAttempts: cfg.RetryMaxAttempts,
		Logger:      logger,
	})
	s.gate = ingest.NewGate(s.coord, logger)
	s.search = search.NewEngine(db, s.index, s.embedder, search.Options{
		Weights: models.SearchWeights{
			Lexical: cfg.LexicalWeight,
			Vector:  cfg.VectorWeight,
			Recency: cfg.RecencyWeight,
			Tag:     cfg.TagWeight,
		},
		HalfLifeHours: cfg.HalfLifeHours,
		ScanWindow:    cfg.LexicalScanWindow,
		Logger:        logger,
	})
	s.feed = feed.NewService(db, cfg.LexicalScanWindow)
	summarizer := sessions.NewSummarizer(cfg.OllamaBaseURL, cfg.SummaryModel, cfg.SummaryEnabled, logger)
	s.finalizer = sessions.NewFinalizer(db, s.coord, summarizer, s.pub, logger)
	s.monitor = stream.NewHealthMonitor(s.pub, s.Snapshot, cfg.HealthInterval, logger)

	logger.Info("memory service opened",
		"db_path", db.Path(),
		"fts_enabled", db.FTSEnabled(),
		"vector_engine", s.index.Name(),
		"embedding_model", s.embedder.Model(),
		"embedding_dim", s.embedder.Dims())
	return s, nil
}

func (s *Service) openEmbedder() error {
	cfg := s.cfg
	switch cfg.EmbeddingProvider {
	case "ollama":
		s.ollama = embedding.NewOllamaClient(cfg.OllamaBaseURL, cfg.EmbeddingModel, cfg.EmbeddingDim)
		cached, err := embedding.NewCachedEmbedder(s.ollama, s.db, cfg.EmbeddingCacheLen, s.logger)
		if err != nil {
			return err
		}
		s.embedder = embedding.NewFallbackEmbedder(cached, cfg.EmbeddingTimeout, s.logger)
	default:
		s.embedder = embedding.NewHashEmbedder(cfg.EmbeddingDim)
	}
	return nil
}

// Start launches the retry sweeper and the health monitor.
func (s *Service) Start() {
	s.sweeper.Start()
	s.monitor.Start()
}

// Close stops background loops, drains due retries once, then closes the
// write queue, the vector index and the database in that order.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.monitor.Stop()
		s.sweeper.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownSweepBudget)
		if _, err := s.sweeper.SweepOnce(ctx); err != nil {
			s.logger.Warn("final retry sweep failed", "error", err)
		}
		cancel()

		s.coord.Close()
		var errs []error
		if err := s.index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close vector index: %w", err))
		}
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
		s.closeErr = errors.Join(errs...)
		s.logger.Info("memory service closed")
	})
	return s.closeErr
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// RecordResult is the outcome of Record.
type RecordResult struct {
	Observation *models.Observation
	Meta        models.RecordMeta
}

// Record runs one envelope through intake and the write queue.
func (s *Service) Record(ctx context.Context, env models.Envelope) (res *RecordResult, err error) {
	ctx, span := startSpan(ctx, "memory.Record",
		attribute.String("session_id", env.SessionID),
		attribute.String("event_type", env.EventType))
	defer func() { endSpan(span, err) }()

	out, err := s.gate.Intake(ctx, env)
	res = &RecordResult{
		Observation: out.Observation,
		Meta: models.RecordMeta{
			Deduped:      out.Duplicate,
			Skipped:      out.Skipped,
			QueueFull:    out.QueueFull,
			RetryQueued:  out.RetryQueued,
			VectorEngine: s.index.Name(),
		},
	}
	return res, err
}

// Search runs a hybrid query.
func (s *Service) Search(ctx context.Context, q search.Query) (res *search.Result, err error) {
	ctx, span := startSpan(ctx, "memory.Search", attribute.String("project", q.Filter.Project))
	defer func() { endSpan(span, err) }()
	return s.search.Search(ctx, q)
}

// Feed returns one feed page.
func (s *Service) Feed(ctx context.Context, q feed.FeedQuery) (page *feed.FeedPage, err error) {
	ctx, span := startSpan(ctx, "memory.Feed")
	defer func() { endSpan(span, err) }()
	return s.feed.Feed(ctx, q)
}

// Timeline returns the window around an observation.
func (s *Service) Timeline(ctx context.Context, q feed.TimelineQuery) (items []models.TimelineItem, err error) {
	ctx, span := startSpan(ctx, "memory.Timeline", attribute.String("anchor_id", q.AnchorID))
	defer func() { endSpan(span, err) }()
	return s.feed.Timeline(ctx, q)
}

// Facets aggregates visible observations.
func (s *Service) Facets(ctx context.Context, query string, f models.Filter) (facets *models.Facets, err error) {
	ctx, span := startSpan(ctx, "memory.Facets")
	defer func() { endSpan(span, err) }()
	return s.feed.Facets(ctx, query, f)
}

// GetObservations batch-fetches observations by id.
func (s *Service) GetObservations(ctx context.Context, ids []string, includePrivate bool) (obs []*models.Observation, err error) {
	ctx, span := startSpan(ctx, "memory.GetObservations", attribute.Int("count", len(ids)))
	defer func() { endSpan(span, err) }()
	return s.feed.GetObservations(ctx, ids, includePrivate)
}

// EventsSince returns buffered stream events newer than lastID.
func (s *Service) EventsSince(lastID uint64, limit int) []models.StreamEvent {
	return s.pub.EventsSince(lastID, limit)
}

// Publisher exposes the stream for long-lived transports.
func (s *Service) Publisher() *stream.Publisher { return s.pub }

// FinalizeSession ends a session and stores its summary.
func (s *Service) FinalizeSession(ctx context.Context, sessionID, summary string) (sess *models.Session, err error) {
	ctx, span := startSpan(ctx, "memory.FinalizeSession", attribute.String("session_id", sessionID))
	defer func() { endSpan(span, err) }()
	return s.finalizer.Finalize(ctx, sessionID, summary)
}

// GetSession fetches a session.
func (s *Service) GetSession(ctx context.Context, sessionID string) (sess *models.Session, err error) {
	ctx, span := startSpan(ctx, "memory.GetSession", attribute.String("session_id", sessionID))
	defer func() { endSpan(span, err) }()

	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", models.ErrValidation)
	}
	sess, err = s.db.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStorage, err)
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: session %s", models.ErrNotFound, sessionID)
	}
	return sess, nil
}

// ReindexResult reports what Reindex refreshed.
type ReindexResult struct {
	Reindexed    int    `json:"reindexed"`
	FTSRebuilt   bool   `json:"fts_rebuilt"`
	VectorEngine string `json:"vector_engine"`
	Degraded     bool   `json:"embedding_degraded,omitempty"`
}

// Reindex embeds up to limit observations whose vector is missing or stale
// for the current embedder, then refreshes the derived indexes.
func (s *Service) Reindex(ctx context.Context, limit int) (res *ReindexResult, err error) {
	ctx, span := startSpan(ctx, "memory.Reindex", attribute.Int("limit", limit))
	defer func() { endSpan(span, err) }()

	if limit <= 0 {
		limit = DefaultReindexLimit
	}
	res = &ReindexResult{VectorEngine: s.index.Name()}

	stale, err := s.db.ObservationsNeedingVectors(ctx, s.embedder.Model(), s.embedder.Dims(), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStorage, err)
	}

	vectors := make([]*models.Vector, 0, len(stale))
	docs := make([]vectorstore.Doc, 0, len(stale))
	for _, o := range stale {
		vec, err := s.embedder.Embed(ctx, writer.EmbeddingText(o))
		if err != nil {
			return nil, fmt.Errorf("%w: embed %s: %v", models.ErrStorage, o.ID, err)
		}
		// Fallback vectors would be stored under the primary model name.
		if d, ok := s.embedder.(interface{ Degraded() bool }); ok && d.Degraded() {
			res.Degraded = true
			break
		}
		vectors = append(vectors, &models.Vector{ObservationID: o.ID, Model: s.embedder.Model(), Embedding: vec})
		docs = append(docs, vectorstore.Doc{
			ObservationID: o.ID,
			Project:       o.Project,
			SessionID:     o.SessionID,
			Private:       o.Private,
			CreatedAt:     o.CreatedAt,
			Embedding:     vec,
		})
	}

	if len(vectors) > 0 {
		now := time.Now().UnixMilli()
		if err := s.coord.Do(ctx, "reindex.vectors", func(ctx context.Context) error {
			for _, v := range vectors {
				v.UpdatedAt = now
				if err := s.db.UpsertVector(ctx, v); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return nil, err
		}
		res.Reindexed = len(vectors)
		if err := s.index.Upsert(ctx, docs...); err != nil {
			s.logger.Warn("vector index refresh failed", "engine", s.index.Name(), "error", err)
		}
	}
	if err := vectorstore.SyncIfStale(ctx, s.db, s.index, s.logger); err != nil {
		s.logger.Warn("vector index sync failed", "engine", s.index.Name(), "error", err)
	}

	if s.db.FTSEnabled() {
		if err := s.coord.Do(ctx, "reindex.fts", s.db.RebuildFTS); err != nil {
			return nil, err
		}
		res.FTSRebuilt = true
	}

	s.logger.Info("reindex complete", "reindexed", res.Reindexed, "fts_rebuilt", res.FTSRebuilt)
	return res, nil
}

// DrainRetries replays one batch of due retry rows now.
func (s *Service) DrainRetries(ctx context.Context) (stats writer.SweepStats, err error) {
	ctx, span := startSpan(ctx, "memory.DrainRetries")
	defer func() { endSpan(span, err) }()
	return s.sweeper.SweepOnce(ctx)
}

func (s *Service) embeddingDegraded() bool {
	d, ok := s.embedder.(interface{ Degraded() bool })
	return ok && d.Degraded()
}

// Snapshot samples the coarse health state without network calls.
func (s *Service) Snapshot(ctx context.Context) models.HealthSnapshot {
	snap := models.HealthSnapshot{
		Status:            "ok",
		FTSEnabled:        s.db.FTSEnabled(),
		VectorEngine:      s.index.Name(),
		EmbeddingDegraded: s.embeddingDegraded(),
		QueueSaturated:    queueSaturated(s.coord.QueueDepth(), s.coord.QueueCapacity()),
	}
	depth, err := s.db.RetryDepth(ctx)
	if err != nil {
		snap.Status = "degraded"
	}
	snap.RetryBacklog = depth > 0
	if snap.EmbeddingDegraded || snap.QueueSaturated {
		snap.Status = "degraded"
	}
	return snap
}

// queueSaturated reports whether the write queue is at least 80% full.
func queueSaturated(depth, capacity int) bool {
	return capacity > 0 && depth*5 >= capacity*4
}

// Health reports detailed service state.
func (s *Service) Health(ctx context.Context) (*models.HealthResponse, error) {
	ctx, span := startSpan(ctx, "memory.Health")
	defer span.End()

	resp := &models.HealthResponse{
		HealthSnapshot: s.Snapshot(ctx),
		QueueDepth:     s.coord.QueueDepth(),
		StreamLastID:   s.pub.LastID(),
	}

	count, err := s.db.ObservationCount(ctx)
	if err != nil {
		resp.DB = models.ServiceCheck{Status: "error", Message: err.Error()}
		resp.Status = "degraded"
	} else {
		resp.DB = models.ServiceCheck{Status: "ok"}
		resp.ObservationCount = count
	}
	if depth, err := s.db.RetryDepth(ctx); err == nil {
		resp.RetryDepth = depth
	}

	switch {
	case s.ollama == nil:
		resp.Embedder = models.ServiceCheck{Status: "ok", Message: s.embedder.Model()}
	default:
		if err := s.ollama.HealthCheck(ctx); err != nil {
			resp.Embedder = models.ServiceCheck{Status: "error", Message: err.Error()}
			resp.Status = "degraded"
		} else {
			resp.Embedder = models.ServiceCheck{Status: "ok", Message: s.embedder.Model()}
		}
	}
	return resp, nil
}
