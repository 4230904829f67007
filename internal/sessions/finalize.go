// Package sessions closes sessions and writes their summaries.
package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Chachamaru127/harness-mem/internal/models"
	"github.com/Chachamaru127/harness-mem/internal/store"
	"github.com/Chachamaru127/harness-mem/internal/stream"
)

// maxSummaryObservations bounds how much of a session feeds its summary.
const maxSummaryObservations = 200

// Scheduler runs a write on the single writer goroutine.
type Scheduler interface {
	Do(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// Finalizer ends sessions.
type Finalizer struct {
	db         *store.DB
	writes     Scheduler
	summarizer *Summarizer
	pub        *stream.Publisher
	logger     *slog.Logger
	now        func() time.Time
}

func NewFinalizer(db *store.DB, writes Scheduler, summarizer *Summarizer, pub *stream.Publisher, logger *slog.Logger) *Finalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Finalizer{db: db, writes: writes, summarizer: summarizer, pub: pub, logger: logger, now: time.Now}
}

// Finalize sets ended_at and the summary of a session. An empty summary is
// generated from the session's visible observations.
func (f *Finalizer) Finalize(ctx context.Context, sessionID, summary string) (*models.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", models.ErrValidation)
	}

	sess, err := f.db.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStorage, err)
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: session %s", models.ErrNotFound, sessionID)
	}

	summary = strings.TrimSpace(summary)
	if summary == "" {
		if summary, err = f.generate(ctx, sessionID); err != nil {
			return nil, err
		}
	}

	now := f.now().UnixMilli()
	var found bool
	if err := f.writes.Do(ctx, "session.finalize", func(ctx context.Context) error {
		var err error
		found, err = f.db.FinalizeSession(ctx, sessionID, summary, now)
		return err
	}); err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: session %s", models.ErrNotFound, sessionID)
	}

	sess.EndedAt = &now
	sess.Summary = &summary
	sess.UpdatedAt = now
	if f.pub != nil {
		f.pub.Publish(models.StreamSessionFinalized, sess)
	}
	f.logger.Info("session finalized", "session_id", sessionID, "summary_len", len(summary))
	return sess, nil
}

func (f *Finalizer) generate(ctx context.Context, sessionID string) (string, error) {
	observations, err := f.db.SessionObservations(ctx, sessionID, false, maxSummaryObservations)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrStorage, err)
	}
	if len(observations) == 0 {
		return "", nil
	}
	if f.summarizer.IsEnabled() {
		text, err := f.summarizer.Summarize(ctx, Transcript(observations))
		if err == nil {
			return text, nil
		}
		f.logger.Warn("session summarization failed, using title list", "session_id", sessionID, "error", err)
	}
	return BulletSummary(observations), nil
}
