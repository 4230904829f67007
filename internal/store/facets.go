package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/Chachamaru127/harness-mem/internal/models"
)

const (
	hourMs = int64(3600 * 1000)
	dayMs  = 24 * hourMs
)

// Facet time buckets, youngest first.
var TimeBuckets = []string{"24h", "7d", "30d", "older"}

// Facets aggregates visible observations by project, event type, tag and
// age. A non-nil ids slice restricts the aggregation to those observations.
func (db *DB) Facets(ctx context.Context, f models.Filter, ids []string, now int64) (*models.Facets, error) {
	out := &models.Facets{
		Projects:    []models.FacetCount{},
		EventTypes:  []models.FacetCount{},
		Tags:        []models.FacetCount{},
		TimeBuckets: make([]models.FacetCount, len(TimeBuckets)),
	}
	for i, b := range TimeBuckets {
		out.TimeBuckets[i] = models.FacetCount{Value: b}
	}
	if ids != nil && len(ids) == 0 {
		return out, nil
	}

	where, args := whereClause(f)
	if ids != nil {
		placeholders := make([]string, len(ids))
		for i, id := range ids {
			placeholders[i] = "?"
			args = append(args, id)
		}
		where += fmt.Sprintf(" AND o.id IN (%s)", strings.Join(placeholders, ","))
	}

	var err error
	if out.Projects, err = db.groupCount(ctx, fmt.Sprintf(
		`SELECT o.project, COUNT(*) FROM observations o WHERE %s
		 GROUP BY o.project ORDER BY COUNT(*) DESC, o.project`, where), args); err != nil {
		return nil, fmt.Errorf("facet projects: %w", err)
	}
	if out.EventTypes, err = db.groupCount(ctx, fmt.Sprintf(
		`SELECT o.event_type, COUNT(*) FROM observations o WHERE %s
		 GROUP BY o.event_type ORDER BY COUNT(*) DESC, o.event_type`, where), args); err != nil {
		return nil, fmt.Errorf("facet event types: %w", err)
	}
	if out.Tags, err = db.groupCount(ctx, fmt.Sprintf(
		`SELECT t.tag, COUNT(*) FROM observations o
		 JOIN observation_tags t ON t.observation_id = o.id AND t.tag_type = 'tag'
		 WHERE %s GROUP BY t.tag ORDER BY COUNT(*) DESC, t.tag LIMIT 50`, where), args); err != nil {
		return nil, fmt.Errorf("facet tags: %w", err)
	}

	bucketArgs := append([]any{now - dayMs, now - 7*dayMs, now - 30*dayMs}, args...)
	buckets, err := db.groupCount(ctx, fmt.Sprintf(
		`SELECT CASE
			WHEN o.created_at >= ? THEN '24h'
			WHEN o.created_at >= ? THEN '7d'
			WHEN o.created_at >= ? THEN '30d'
			ELSE 'older' END AS bucket, COUNT(*)
		 FROM observations o WHERE %s GROUP BY bucket`, where), bucketArgs)
	if err != nil {
		return nil, fmt.Errorf("facet time buckets: %w", err)
	}
	for _, b := range buckets {
		for i := range out.TimeBuckets {
			if out.TimeBuckets[i].Value == b.Value {
				out.TimeBuckets[i].Count = b.Count
			}
		}
	}
	return out, nil
}

func (db *DB) groupCount(ctx context.Context, q string, args []any) ([]models.FacetCount, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.FacetCount, 0)
	for rows.Next() {
		var fc models.FacetCount
		if err := rows.Scan(&fc.Value, &fc.Count); err != nil {
			return nil, err
		}
		out = append(out, fc)
	}
	return out, rows.Err()
}
