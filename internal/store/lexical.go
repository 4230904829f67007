package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/Chachamaru127/harness-mem/internal/models"
)

// QueryTerms splits a query into lowercased alphanumeric terms, dropping
// duplicates. The order of first occurrence is kept.
func QueryTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			terms = append(terms, f)
		}
	}
	return terms
}

// LexicalSearch returns up to limit observation ids matching the query with
// raw lexical scores (higher is better). It uses FTS5 bm25 ranking when the
// index is available and a bounded keyword scan otherwise. Filters and the
// visibility predicate apply in both modes.
func (db *DB) LexicalSearch(ctx context.Context, query string, f models.Filter, limit, scanWindow int) (map[string]float64, error) {
	terms := QueryTerms(query)
	if len(terms) == 0 || limit <= 0 {
		return map[string]float64{}, nil
	}
	if db.ftsEnabled {
		return db.ftsSearch(ctx, terms, f, limit)
	}
	return db.keywordSearch(ctx, terms, f, limit, scanWindow)
}

func (db *DB) ftsSearch(ctx context.Context, terms []string, f models.Filter, limit int) (map[string]float64, error) {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + t + `"`
	}
	where, args := whereClause(f)
	args = append([]any{strings.Join(quoted, " OR ")}, args...)
	args = append(args, limit)

	// bm25 rank is negative with more negative meaning a better match.
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`
		SELECT o.id, -observations_fts.rank AS score
		FROM observations_fts
		JOIN observations o ON o.rowid = observations_fts.rowid
		WHERE observations_fts MATCH ? AND %s
		ORDER BY observations_fts.rank
		LIMIT ?
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var id string
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, fmt.Errorf("scan fts result: %w", err)
		}
		out[id] = score
	}
	return out, rows.Err()
}

func (db *DB) keywordSearch(ctx context.Context, terms []string, f models.Filter, limit, scanWindow int) (map[string]float64, error) {
	if scanWindow <= 0 {
		scanWindow = 2000
	}
	where, args := whereClause(f)
	args = append(args, scanWindow)

	rows, err := db.QueryContext(ctx, fmt.Sprintf(`
		SELECT o.id, o.title, o.content, o.tags FROM observations o
		WHERE %s ORDER BY o.created_at DESC, o.id DESC LIMIT ?
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	type scored struct {
		id    string
		score float64
	}
	var hits []scored
	for rows.Next() {
		var id, title, content, tags string
		if err := rows.Scan(&id, &title, &content, &tags); err != nil {
			return nil, fmt.Errorf("scan keyword row: %w", err)
		}
		if s := keywordScore(terms, strings.ToLower(title+" "+content+" "+tags)); s > 0 {
			hits = append(hits, scored{id, s})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].id > hits[j].id
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}

	out := make(map[string]float64, len(hits))
	for _, h := range hits {
		out[h.id] = h.score
	}
	return out, nil
}

// keywordScore is the share of distinct terms present plus a small bonus for
// repeated occurrences, capped at ten.
func keywordScore(terms []string, text string) float64 {
	matched, occurrences := 0, 0
	for _, t := range terms {
		if n := strings.Count(text, t); n > 0 {
			matched++
			occurrences += n
		}
	}
	if matched == 0 {
		return 0
	}
	return float64(matched)/float64(len(terms)) + 0.1*float64(min(occurrences, 10))/10
}
