package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Chachamaru127/harness-mem/internal/models"
)

// GetSession fetches a session by id. Returns nil when it does not exist.
func (db *DB) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var sess models.Session
	var endedAt sql.NullInt64
	var summary sql.NullString

	err := db.QueryRowContext(ctx, `
		SELECT session_id, platform, project, started_at, ended_at, summary, updated_at
		FROM sessions WHERE session_id = ?
	`, sessionID).Scan(&sess.SessionID, &sess.Platform, &sess.Project, &sess.StartedAt, &endedAt, &summary, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	if endedAt.Valid {
		sess.EndedAt = &endedAt.Int64
	}
	if summary.Valid {
		sess.Summary = &summary.String
	}
	return &sess, nil
}

// FinalizeSession sets ended_at and summary. It reports false when the
// session does not exist.
func (db *DB) FinalizeSession(ctx context.Context, sessionID, summary string, now int64) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE sessions SET ended_at = ?, summary = ?, updated_at = ? WHERE session_id = ?
	`, now, summary, now, sessionID)
	if err != nil {
		return false, fmt.Errorf("finalize session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finalize session: %w", err)
	}
	return n > 0, nil
}
