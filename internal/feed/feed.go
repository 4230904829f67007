// Package feed serves the read-only browsing views: the paginated feed,
// the timeline around an anchor and facet aggregates.
package feed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Chachamaru127/harness-mem/internal/models"
	"github.com/Chachamaru127/harness-mem/internal/store"
)

const (
	DefaultFeedLimit = 20
	MaxFeedLimit     = 200

	DefaultWindow = 5
	MaxWindow     = 50

	facetMatchLimit = 500
)

// FeedQuery selects one feed page.
type FeedQuery struct {
	Cursor string
	Limit  int
	Filter models.Filter
}

// FeedPage is one page of the feed.
type FeedPage struct {
	Items []*models.Observation
	Meta  models.FeedMeta
}

// TimelineQuery selects the window around an anchor. Nil windows take the
// default size.
type TimelineQuery struct {
	AnchorID       string
	Before         *int
	After          *int
	IncludePrivate bool
}

// Service reads feed views from the store.
type Service struct {
	db         *store.DB
	scanWindow int
	now        func() time.Time
}

func NewService(db *store.DB, scanWindow int) *Service {
	return &Service{db: db, scanWindow: scanWindow, now: time.Now}
}

// Feed returns the newest-first page after the cursor. A rejected cursor
// starts from the top and sets CursorInvalid.
func (s *Service) Feed(ctx context.Context, q FeedQuery) (*FeedPage, error) {
	limit := clamp(q.Limit, 1, MaxFeedLimit, DefaultFeedLimit)

	var meta models.FeedMeta
	var after *store.FeedPosition
	if c := strings.TrimSpace(q.Cursor); c != "" {
		if pos, ok := DecodeCursor(c); ok {
			after = &pos
		} else {
			meta.CursorInvalid = true
		}
	}

	rows, err := s.db.ListFeed(ctx, q.Filter, after, limit+1)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStorage, err)
	}
	if len(rows) > limit {
		rows = rows[:limit]
		meta.HasMore = true
		last := rows[len(rows)-1]
		next := EncodeCursor(store.FeedPosition{CreatedAt: last.CreatedAt, ID: last.ID})
		meta.NextCursor = &next
	}
	return &FeedPage{Items: rows, Meta: meta}, nil
}

// Timeline returns the anchor with its neighbours in the same project and
// session, oldest first. A hidden anchor reports not found.
func (s *Service) Timeline(ctx context.Context, q TimelineQuery) ([]models.TimelineItem, error) {
	id := strings.TrimSpace(q.AnchorID)
	if id == "" {
		return nil, fmt.Errorf("%w: anchor id must not be empty", models.ErrValidation)
	}
	before := DefaultWindow
	if q.Before != nil {
		before = clamp(*q.Before, 0, MaxWindow, DefaultWindow)
	}
	after := DefaultWindow
	if q.After != nil {
		after = clamp(*q.After, 0, MaxWindow, DefaultWindow)
	}

	anchor, err := s.db.GetObservation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStorage, err)
	}
	if anchor == nil || (anchor.Private && !q.IncludePrivate) {
		return nil, fmt.Errorf("%w: observation %s", models.ErrNotFound, id)
	}

	prev, next, err := s.db.TimelineAround(ctx, anchor, before, after, q.IncludePrivate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStorage, err)
	}

	items := make([]models.TimelineItem, 0, len(prev)+1+len(next))
	for _, o := range prev {
		items = append(items, models.TimelineItem{Observation: o, Position: models.PositionBefore})
	}
	items = append(items, models.TimelineItem{Observation: anchor, Position: models.PositionCenter})
	for _, o := range next {
		items = append(items, models.TimelineItem{Observation: o, Position: models.PositionAfter})
	}
	return items, nil
}

// Facets aggregates visible observations, restricted to lexical matches
// of query when one is given.
func (s *Service) Facets(ctx context.Context, query string, f models.Filter) (*models.Facets, error) {
	var ids []string
	if q := strings.TrimSpace(query); q != "" {
		matches, err := s.db.LexicalSearch(ctx, q, f, facetMatchLimit, s.scanWindow)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrStorage, err)
		}
		ids = make([]string, 0, len(matches))
		for id := range matches {
			ids = append(ids, id)
		}
	}
	facets, err := s.db.Facets(ctx, f, ids, s.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStorage, err)
	}
	return facets, nil
}

// GetObservations batch-fetches observations, dropping hidden ones.
func (s *Service) GetObservations(ctx context.Context, ids []string, includePrivate bool) ([]*models.Observation, error) {
	clean := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			clean = append(clean, id)
		}
	}
	if len(clean) == 0 {
		return nil, fmt.Errorf("%w: ids must not be empty", models.ErrValidation)
	}
	obs, err := s.db.GetObservations(ctx, clean, includePrivate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStorage, err)
	}
	return obs, nil
}

func clamp(v, lo, hi, def int) int {
	if v <= 0 && lo > 0 {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
