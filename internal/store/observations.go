package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Chachamaru127/harness-mem/internal/models"
)

// observationColumns is the canonical column list for observation SELECTs.
// Order must match scanObservation.
const observationColumns = `o.id, o.event_id, o.platform, o.project, o.session_id, o.event_type,
	o.title, o.content, o.content_redacted, o.tags, o.privacy_tags, o.private,
	o.created_at, o.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObservation(row rowScanner) (*models.Observation, error) {
	var o models.Observation
	var tagsJSON, privacyJSON string
	var private int
	if err := row.Scan(
		&o.ID, &o.EventID, &o.Platform, &o.Project, &o.SessionID, &o.EventType,
		&o.Title, &o.Content, &o.ContentRedacted, &tagsJSON, &privacyJSON, &private,
		&o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return nil, err
	}
	o.Private = private != 0
	o.Tags = decodeTags(tagsJSON)
	o.PrivacyTags = decodeTags(privacyJSON)
	return &o, nil
}

func scanObservations(rows *sql.Rows) ([]*models.Observation, error) {
	out := make([]*models.Observation, 0)
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func decodeTags(s string) []string {
	tags := make([]string, 0)
	if s == "" {
		return tags
	}
	_ = json.Unmarshal([]byte(s), &tags)
	return tags
}

func encodeTags(tags []string) string {
	if tags == nil {
		tags = []string{}
	}
	b, _ := json.Marshal(tags)
	return string(b)
}

// whereClause renders the shared filter and visibility predicate against
// the observations alias "o". It always returns a non-empty clause.
func whereClause(f models.Filter) (string, []any) {
	conds := []string{"1 = 1"}
	var args []any
	if !f.IncludePrivate {
		conds = append(conds, "o.private = 0")
	}
	if f.Project != "" {
		conds = append(conds, "o.project = ?")
		args = append(args, f.Project)
	}
	if f.SessionID != "" {
		conds = append(conds, "o.session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.EventType != "" {
		conds = append(conds, "o.event_type = ?")
		args = append(args, f.EventType)
	}
	if f.Since > 0 {
		conds = append(conds, "o.created_at >= ?")
		args = append(args, f.Since)
	}
	if f.Until > 0 {
		conds = append(conds, "o.created_at <= ?")
		args = append(args, f.Until)
	}
	return strings.Join(conds, " AND "), args
}

// Visible reports whether o passes the filter and visibility predicate.
// Index results from outside SQLite are re-checked with it.
func Visible(o *models.Observation, f models.Filter) bool {
	if o.Private && !f.IncludePrivate {
		return false
	}
	if f.Project != "" && o.Project != f.Project {
		return false
	}
	if f.SessionID != "" && o.SessionID != f.SessionID {
		return false
	}
	if f.EventType != "" && o.EventType != f.EventType {
		return false
	}
	if f.Since > 0 && o.CreatedAt < f.Since {
		return false
	}
	if f.Until > 0 && o.CreatedAt > f.Until {
		return false
	}
	return true
}

// GetObservation fetches one observation by id regardless of visibility.
// Returns nil when it does not exist.
func (db *DB) GetObservation(ctx context.Context, id string) (*models.Observation, error) {
	o, err := scanObservation(db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM observations o WHERE o.id = ?`, observationColumns), id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get observation: %w", err)
	}
	return o, nil
}

// GetObservations fetches observations by id, dropping ids that do not
// exist or are hidden by visibility. Result order follows ids.
func (db *DB) GetObservations(ctx context.Context, ids []string, includePrivate bool) ([]*models.Observation, error) {
	out := make([]*models.Observation, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	q := fmt.Sprintf(`SELECT %s FROM observations o WHERE o.id IN (%s)`,
		observationColumns, strings.Join(placeholders, ","))
	if !includePrivate {
		q += " AND o.private = 0"
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("get observations: %w", err)
	}
	defer rows.Close()

	found, err := scanObservations(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Observation, len(found))
	for _, o := range found {
		byID[o.ID] = o
	}
	for _, id := range ids {
		if o, ok := byID[id]; ok {
			out = append(out, o)
			delete(byID, id)
		}
	}
	return out, nil
}

// FeedPosition is a (created_at, id) keyset position.
type FeedPosition struct {
	CreatedAt int64
	ID        string
}

// ListFeed returns up to limit observations in (created_at, id) descending
// order, strictly after the given position when non-nil.
func (db *DB) ListFeed(ctx context.Context, f models.Filter, after *FeedPosition, limit int) ([]*models.Observation, error) {
	where, args := whereClause(f)
	if after != nil {
		where += " AND (o.created_at < ? OR (o.created_at = ? AND o.id < ?))"
		args = append(args, after.CreatedAt, after.CreatedAt, after.ID)
	}
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM observations o WHERE %s ORDER BY o.created_at DESC, o.id DESC LIMIT ?`,
		observationColumns, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list feed: %w", err)
	}
	defer rows.Close()
	return scanObservations(rows)
}

// TimelineAround returns observations in the anchor's project and session
// strictly before and after it. Both slices are chronological.
func (db *DB) TimelineAround(ctx context.Context, anchor *models.Observation, before, after int, includePrivate bool) ([]*models.Observation, []*models.Observation, error) {
	f := models.Filter{Project: anchor.Project, SessionID: anchor.SessionID, IncludePrivate: includePrivate}
	where, args := whereClause(f)

	var beforeRows []*models.Observation
	if before > 0 {
		bArgs := append(append([]any{}, args...), anchor.CreatedAt, anchor.CreatedAt, anchor.ID, before)
		rows, err := db.QueryContext(ctx, fmt.Sprintf(
			`SELECT %s FROM observations o WHERE %s AND (o.created_at < ? OR (o.created_at = ? AND o.id < ?))
			 ORDER BY o.created_at DESC, o.id DESC LIMIT ?`, observationColumns, where), bArgs...)
		if err != nil {
			return nil, nil, fmt.Errorf("timeline before: %w", err)
		}
		beforeRows, err = scanObservations(rows)
		rows.Close()
		if err != nil {
			return nil, nil, err
		}
		for i, j := 0, len(beforeRows)-1; i < j; i, j = i+1, j-1 {
			beforeRows[i], beforeRows[j] = beforeRows[j], beforeRows[i]
		}
	}

	var afterRows []*models.Observation
	if after > 0 {
		aArgs := append(append([]any{}, args...), anchor.CreatedAt, anchor.CreatedAt, anchor.ID, after)
		rows, err := db.QueryContext(ctx, fmt.Sprintf(
			`SELECT %s FROM observations o WHERE %s AND (o.created_at > ? OR (o.created_at = ? AND o.id > ?))
			 ORDER BY o.created_at ASC, o.id ASC LIMIT ?`, observationColumns, where), aArgs...)
		if err != nil {
			return nil, nil, fmt.Errorf("timeline after: %w", err)
		}
		afterRows, err = scanObservations(rows)
		rows.Close()
		if err != nil {
			return nil, nil, err
		}
	}

	return beforeRows, afterRows, nil
}

// SessionObservations returns a session's observations oldest first.
func (db *DB) SessionObservations(ctx context.Context, sessionID string, includePrivate bool, limit int) ([]*models.Observation, error) {
	where, args := whereClause(models.Filter{SessionID: sessionID, IncludePrivate: includePrivate})
	args = append(args, limit)
	rows, err := db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM observations o WHERE %s ORDER BY o.created_at ASC, o.id ASC LIMIT ?`,
		observationColumns, where), args...)
	if err != nil {
		return nil, fmt.Errorf("session observations: %w", err)
	}
	defer rows.Close()
	return scanObservations(rows)
}

// ObservationsNeedingVectors returns observations without a vector for the
// given model and dimension, newest first.
func (db *DB) ObservationsNeedingVectors(ctx context.Context, model string, dim, limit int) ([]*models.Observation, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM observations o LEFT JOIN vectors v ON v.observation_id = o.id
		 WHERE v.observation_id IS NULL OR v.model != ? OR v.dim != ?
		 ORDER BY o.created_at DESC, o.id DESC LIMIT ?`, observationColumns), model, dim, limit)
	if err != nil {
		return nil, fmt.Errorf("observations needing vectors: %w", err)
	}
	defer rows.Close()
	return scanObservations(rows)
}
