package store

import (
	"context"
	"fmt"

	"github.com/Chachamaru127/harness-mem/internal/models"
)

// EnqueueRetry records a failed write for later replay.
func (db *DB) EnqueueRetry(ctx context.Context, eventJSON []byte, reason string, nextRetryAt, now int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO retry_queue (event_json, reason, retry_count, next_retry_at, created_at)
		VALUES (?, ?, 0, ?, ?)
	`, string(eventJSON), reason, nextRetryAt, now)
	if err != nil {
		return fmt.Errorf("enqueue retry: %w", err)
	}
	return nil
}

// DueRetries returns up to limit rows whose next_retry_at has passed, oldest
// id first.
func (db *DB) DueRetries(ctx context.Context, now int64, limit int) ([]models.RetryItem, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, event_json, reason, retry_count, next_retry_at, created_at
		FROM retry_queue WHERE next_retry_at <= ? ORDER BY id LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due retries: %w", err)
	}
	defer rows.Close()

	var items []models.RetryItem
	for rows.Next() {
		var it models.RetryItem
		var eventJSON string
		if err := rows.Scan(&it.ID, &eventJSON, &it.Reason, &it.RetryCount, &it.NextRetryAt, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan retry: %w", err)
		}
		it.EventJSON = []byte(eventJSON)
		items = append(items, it)
	}
	return items, rows.Err()
}

// DeleteRetry removes a replayed row.
func (db *DB) DeleteRetry(ctx context.Context, id int64) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM retry_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete retry: %w", err)
	}
	return nil
}

// RescheduleRetry bumps retry_count and moves next_retry_at forward.
func (db *DB) RescheduleRetry(ctx context.Context, id int64, reason string, nextRetryAt int64) error {
	_, err := db.ExecContext(ctx, `
		UPDATE retry_queue SET retry_count = retry_count + 1, reason = ?, next_retry_at = ?
		WHERE id = ?
	`, reason, nextRetryAt, id)
	if err != nil {
		return fmt.Errorf("reschedule retry: %w", err)
	}
	return nil
}

// DeadLetter moves a retry row into dead_letters in one transaction.
func (db *DB) DeadLetter(ctx context.Context, item models.RetryItem, reason string, now int64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letters (event_json, reason, retry_count, created_at) VALUES (?, ?, ?, ?)
	`, string(item.EventJSON), reason, item.RetryCount, now); err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM retry_queue WHERE id = ?`, item.ID); err != nil {
		return fmt.Errorf("delete retry: %w", err)
	}
	return tx.Commit()
}

// RetryDepth returns the number of rows waiting in the retry queue.
func (db *DB) RetryDepth(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM retry_queue`).Scan(&n)
	return n, err
}

// DeadLetterCount returns the number of dead-lettered rows.
func (db *DB) DeadLetterCount(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n)
	return n, err
}
