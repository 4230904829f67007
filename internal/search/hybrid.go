// Package search ranks observations by blending lexical, vector, recency
// and tag signals.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/Chachamaru127/harness-mem/internal/embedding"
	"github.com/Chachamaru127/harness-mem/internal/models"
	"github.com/Chachamaru127/harness-mem/internal/store"
	"github.com/Chachamaru127/harness-mem/internal/vectorstore"
)

const (
	DefaultLimit  = 20
	MaxLimit      = 100
	maxCandidates = 500

	DefaultHalfLifeHours = 168
	Ranking              = "hybrid"
)

// DefaultWeights is the blend used when none is configured.
var DefaultWeights = models.SearchWeights{Lexical: 0.35, Vector: 0.45, Recency: 0.15, Tag: 0.05}

// Query is one search request.
type Query struct {
	Text   string
	Filter models.Filter
	Limit  int
}

// Result is a ranked page of hits plus execution metadata.
type Result struct {
	Items []models.SearchHit
	Meta  models.SearchMeta
}

// Options tunes an Engine.
type Options struct {
	Weights       models.SearchWeights
	HalfLifeHours float64
	ScanWindow    int
	Logger        *slog.Logger
	Now           func() time.Time
}

// degradable is implemented by embedders that can fall back to a local
// model.
type degradable interface {
	Degraded() bool
}

// Engine runs hybrid queries. It never writes.
type Engine struct {
	db       *store.DB
	index    vectorstore.Index
	embedder embedding.Embedder

	weights    models.SearchWeights
	halfLife   float64
	scanWindow int
	logger     *slog.Logger
	now        func() time.Time
}

func NewEngine(db *store.DB, index vectorstore.Index, embedder embedding.Embedder, opts Options) *Engine {
	if opts.Weights == (models.SearchWeights{}) {
		opts.Weights = DefaultWeights
	}
	if opts.HalfLifeHours <= 0 {
		opts.HalfLifeHours = DefaultHalfLifeHours
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		db:         db,
		index:      index,
		embedder:   embedder,
		weights:    opts.Weights,
		halfLife:   opts.HalfLifeHours,
		scanWindow: opts.ScanWindow,
		logger:     opts.Logger,
		now:        opts.Now,
	}
}

// ClampLimit maps a requested limit into [1, MaxLimit].
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

// Search executes the hybrid ranking.
func (e *Engine) Search(ctx context.Context, q Query) (*Result, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, fmt.Errorf("%w: query must not be empty", models.ErrValidation)
	}
	limit := ClampLimit(q.Limit)
	internal := min(maxCandidates, limit*5)

	meta := models.SearchMeta{
		Ranking:    Ranking,
		Weights:    e.weights,
		FTSEnabled: e.db.FTSEnabled(),
	}
	if e.index != nil {
		meta.VectorEngine = e.index.Name()
	}

	lexical, err := e.db.LexicalSearch(ctx, text, q.Filter, internal, e.scanWindow)
	if err != nil {
		return nil, fmt.Errorf("%w: lexical search: %v", models.ErrStorage, err)
	}
	meta.LexicalCandidates = len(lexical)

	vector, degraded := e.vectorCandidates(ctx, text, q.Filter, internal)
	meta.VectorCandidates = len(vector)
	if d, ok := e.embedder.(degradable); ok && d.Degraded() {
		degraded = true
	}
	meta.EmbeddingDegraded = degraded

	lexical = Normalize(lexical)
	vector = Normalize(vector)

	ids := make([]string, 0, len(lexical)+len(vector))
	for id := range lexical {
		ids = append(ids, id)
	}
	for id := range vector {
		if _, ok := lexical[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	observations, err := e.db.GetObservations(ctx, ids, q.Filter.IncludePrivate)
	if err != nil {
		return nil, fmt.Errorf("%w: load candidates: %v", models.ErrStorage, err)
	}

	terms := store.QueryTerms(text)
	nowMs := e.now().UnixMilli()
	hits := make([]models.SearchHit, 0, len(observations))
	for _, o := range observations {
		if !store.Visible(o, q.Filter) {
			continue
		}
		s := models.Scores{
			Lexical:  lexical[o.ID],
			Vector:   vector[o.ID],
			Recency:  Recency(nowMs-o.CreatedAt, e.halfLife),
			TagBoost: TagBoost(terms, o.Tags),
		}
		s.Final = e.weights.Lexical*s.Lexical + e.weights.Vector*s.Vector +
			e.weights.Recency*s.Recency + e.weights.Tag*s.TagBoost
		hits = append(hits, models.SearchHit{Observation: o, Scores: s})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Scores.Final != hits[j].Scores.Final {
			return hits[i].Scores.Final > hits[j].Scores.Final
		}
		return hits[i].ID > hits[j].ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	meta.Count = len(hits)
	return &Result{Items: hits, Meta: meta}, nil
}

// vectorCandidates embeds the query and searches the active index. Failures
// leave the query lexical-only and are reported as degraded.
func (e *Engine) vectorCandidates(ctx context.Context, text string, f models.Filter, k int) (map[string]float64, bool) {
	out := map[string]float64{}
	if e.embedder == nil || e.index == nil {
		return out, false
	}
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		e.logger.Warn("query embedding failed", "error", err)
		return out, true
	}
	hits, err := e.index.Search(ctx, vec, f, k)
	if err != nil {
		e.logger.Warn("vector search failed", "engine", e.index.Name(), "error", err)
		return out, true
	}
	for _, h := range hits {
		if cur, ok := out[h.ObservationID]; !ok || h.Similarity > cur {
			out[h.ObservationID] = h.Similarity
		}
	}
	return out, false
}

// Normalize min-max scales scores into [0, 1]. When every score is equal
// each candidate gets 1.
func Normalize(scores map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(scores))
	if len(scores) == 0 {
		return out
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range scores {
		lo = math.Min(lo, s)
		hi = math.Max(hi, s)
	}
	for id, s := range scores {
		if hi == lo {
			out[id] = 1
			continue
		}
		out[id] = (s - lo) / (hi - lo)
	}
	return out
}

// Recency decays exponentially with age. Future timestamps count as new.
func Recency(ageMs int64, halfLifeHours float64) float64 {
	if ageMs < 0 {
		ageMs = 0
	}
	hours := float64(ageMs) / float64(time.Hour/time.Millisecond)
	return math.Exp(-hours / halfLifeHours)
}

// TagBoost is the fraction of query terms equal to one of the tags.
func TagBoost(terms, tags []string) float64 {
	if len(terms) == 0 || len(tags) == 0 {
		return 0
	}
	set := make(map[string]bool, len(tags))
	for _, t := range tags {
		set[strings.ToLower(t)] = true
	}
	n := 0
	for _, term := range terms {
		if set[term] {
			n++
		}
	}
	return float64(n) / float64(len(terms))
}
