package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Chachamaru127/harness-mem/internal/models"
)

// CommitInput is everything written for one accepted event.
type CommitInput struct {
	Event       *models.Event
	Observation *models.Observation
	// Vector is optional; a nil vector leaves any existing row untouched.
	Vector *models.Vector
	Now    int64
}

// CommitResult reports the outcome of CommitEvent.
type CommitResult struct {
	Duplicate   bool
	Observation *models.Observation
}

// CommitEvent runs the per-event transaction: session upsert, event insert
// (a dedupe_hash conflict is a duplicate, not an error), observation
// upsert, tag inserts and vector upsert. All of it commits or none does.
func (db *DB) CommitEvent(ctx context.Context, in *CommitInput) (*CommitResult, error) {
	ev := in.Event

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (session_id, platform, project, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			started_at = MIN(sessions.started_at, excluded.started_at),
			updated_at = excluded.updated_at
	`, ev.SessionID, ev.Platform, ev.Project, ev.Timestamp, in.Now); err != nil {
		return nil, fmt.Errorf("upsert session: %w", err)
	}

	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, platform, project, session_id, event_type, ts, payload, tags, privacy_tags, dedupe_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, ev.ID, ev.Platform, ev.Project, ev.SessionID, ev.EventType, ev.Timestamp,
		string(payloadJSON), encodeTags(ev.Tags), encodeTags(ev.PrivacyTags), ev.DedupeHash, in.Now)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}

	eventID := ev.ID
	duplicate := n == 0
	if duplicate {
		if err := tx.QueryRowContext(ctx, `SELECT id FROM events WHERE dedupe_hash = ?`, ev.DedupeHash).Scan(&eventID); err != nil {
			if err == sql.ErrNoRows {
				return nil, fmt.Errorf("insert event: id %s conflicts with a different dedupe hash", ev.ID)
			}
			return nil, fmt.Errorf("resolve duplicate event: %w", err)
		}
	}

	obs := *in.Observation
	obs.EventID = eventID
	obs.ID = models.ObservationID(eventID)

	private := 0
	if obs.Private {
		private = 1
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO observations (id, event_id, platform, project, session_id, event_type,
			title, content, content_redacted, tags, privacy_tags, private, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			content_redacted = excluded.content_redacted,
			tags = excluded.tags,
			privacy_tags = excluded.privacy_tags,
			private = excluded.private,
			updated_at = excluded.updated_at
	`, obs.ID, obs.EventID, obs.Platform, obs.Project, obs.SessionID, obs.EventType,
		obs.Title, obs.Content, obs.ContentRedacted, encodeTags(obs.Tags), encodeTags(obs.PrivacyTags),
		private, obs.CreatedAt, in.Now); err != nil {
		return nil, fmt.Errorf("upsert observation: %w", err)
	}

	for _, group := range []struct {
		tags    []string
		tagType string
	}{
		{obs.Tags, models.TagTypeTag},
		{obs.PrivacyTags, models.TagTypePrivacy},
	} {
		for _, tag := range group.tags {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO observation_tags (observation_id, tag, tag_type, created_at)
				VALUES (?, ?, ?, ?)
			`, obs.ID, tag, group.tagType, in.Now); err != nil {
				return nil, fmt.Errorf("insert tag: %w", err)
			}
		}
	}

	if in.Vector != nil && len(in.Vector.Embedding) > 0 {
		v := *in.Vector
		v.ObservationID = obs.ID
		v.UpdatedAt = in.Now
		if err := upsertVector(ctx, tx, &v); err != nil {
			return nil, err
		}
	}

	stored, err := scanObservation(tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM observations o WHERE o.id = ?`, observationColumns), obs.ID))
	if err != nil {
		return nil, fmt.Errorf("read back observation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &CommitResult{Duplicate: duplicate, Observation: stored}, nil
}

// EventCount returns the number of stored events.
func (db *DB) EventCount(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}
