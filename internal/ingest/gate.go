// Package ingest validates, normalizes, deduplicates and redacts incoming
// event envelopes before handing them to the write coordinator.
package ingest

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Chachamaru127/harness-mem/internal/models"
	"github.com/Chachamaru127/harness-mem/internal/privacy"
	"github.com/Chachamaru127/harness-mem/internal/writer"
)

// Writer accepts normalized events for durable storage.
type Writer interface {
	Accept(ctx context.Context, ev *models.Event, opts writer.AcceptOptions) (writer.Outcome, error)
}

// Result reports what happened to one envelope.
type Result struct {
	Accepted    bool
	Skipped     bool
	Duplicate   bool
	QueueFull   bool
	RetryQueued bool
	EventID     string
	Observation *models.Observation
}

// Gate is the single entry point for new events.
type Gate struct {
	writer Writer
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entropy io.Reader
}

func NewGate(w Writer, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		writer:  w,
		logger:  logger,
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Intake runs the full intake pipeline for one envelope. A blocked event is
// skipped without any write; a full write queue is reported in the result.
func (g *Gate) Intake(ctx context.Context, env models.Envelope) (Result, error) {
	ev, err := g.Normalize(env)
	if err != nil {
		return Result{}, err
	}
	if privacy.IsBlocked(ev.PrivacyTags) {
		g.logger.Debug("event blocked by privacy tag", "session_id", ev.SessionID, "event_type", ev.EventType)
		return Result{Skipped: true}, nil
	}

	out, err := g.writer.Accept(ctx, ev, writer.AcceptOptions{DisableRetry: env.DisableRetry})
	res := Result{
		Accepted:    out.Stored || out.Duplicate,
		Duplicate:   out.Duplicate,
		QueueFull:   out.QueueFull,
		RetryQueued: out.RetryQueued,
		EventID:     ev.ID,
		Observation: out.Observation,
	}
	if out.Observation != nil {
		res.EventID = out.Observation.EventID
	}
	return res, err
}

// Normalize validates an envelope and returns the redacted event with its
// id and dedupe hash assigned.
func (g *Gate) Normalize(env models.Envelope) (*models.Event, error) {
	platform := strings.TrimSpace(env.Platform)
	project := strings.TrimSpace(env.Project)
	sessionID := strings.TrimSpace(env.SessionID)
	eventType := strings.TrimSpace(env.EventType)

	var missing []string
	for _, f := range []struct{ name, value string }{
		{"platform", platform},
		{"project", project},
		{"session_id", sessionID},
		{"event_type", eventType},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required field(s): %s", models.ErrValidation, strings.Join(missing, ", "))
	}

	ts := g.now()
	if s := strings.TrimSpace(env.Timestamp); s != "" {
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("%w: timestamp must be RFC3339: %q", models.ErrValidation, s)
		}
		ts = parsed
	}
	if ms := ts.UnixMilli(); ms < 0 || uint64(ms) > ulid.MaxTime() {
		return nil, fmt.Errorf("%w: timestamp out of range: %s", models.ErrValidation, ts.Format(time.RFC3339))
	}

	tags := privacy.NormalizeTags(env.Tags)
	privacyTags := privacy.NormalizeTags(env.PrivacyTags)

	hash := strings.TrimSpace(env.DedupeHash)
	if hash == "" {
		hash = DedupeHash(platform, project, sessionID, eventType, ts, env.Payload, tags, privacyTags)
	}

	id, err := g.newID(ts)
	if err != nil {
		return nil, fmt.Errorf("assign event id: %w", err)
	}

	return &models.Event{
		ID:          id,
		Platform:    platform,
		Project:     project,
		SessionID:   sessionID,
		EventType:   eventType,
		Timestamp:   ts.UnixMilli(),
		Payload:     privacy.RedactPayload(env.Payload, privacy.WantsRedaction(privacyTags)),
		Tags:        tags,
		PrivacyTags: privacyTags,
		DedupeHash:  hash,
	}, nil
}

func (g *Gate) newID(ts time.Time) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(ts), g.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
