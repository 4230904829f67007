package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Chachamaru127/harness-mem/internal/models"
	"github.com/Chachamaru127/harness-mem/internal/store"
	"github.com/Chachamaru127/harness-mem/internal/writer"
)

// recordingWriter captures accepted events and replays a canned outcome.
type recordingWriter struct {
	mu      sync.Mutex
	events  []*models.Event
	opts    []writer.AcceptOptions
	outcome writer.Outcome
	err     error
}

func (w *recordingWriter) Accept(_ context.Context, ev *models.Event, opts writer.AcceptOptions) (writer.Outcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, ev)
	w.opts = append(w.opts, opts)
	out := w.outcome
	if out.Observation == nil && (out.Stored || out.Duplicate) {
		out.Observation = &models.Observation{ID: models.ObservationID(ev.ID), EventID: ev.ID}
	}
	return out, w.err
}

func newTestGate(w Writer) *Gate {
	g := NewGate(w, slog.New(slog.NewTextHandler(io.Discard, nil)))
	g.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return g
}

func baseEnvelope() models.Envelope {
	return models.Envelope{
		Platform:  "claude",
		Project:   "harness",
		SessionID: "s1",
		EventType: "user_prompt",
		Timestamp: "2025-03-01T10:00:00Z",
		Payload:   map[string]any{"content": "db uses postgres"},
		Tags:      []string{"DB", " db ", "infra"},
	}
}

func TestIntakeValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.Envelope)
		want   string
	}{
		{"missing project", func(e *models.Envelope) { e.Project = "" }, "project"},
		{"missing session", func(e *models.Envelope) { e.SessionID = "  " }, "session_id"},
		{"missing event type", func(e *models.Envelope) { e.EventType = "" }, "event_type"},
		{"missing platform", func(e *models.Envelope) { e.Platform = "" }, "platform"},
		{"bad timestamp", func(e *models.Envelope) { e.Timestamp = "yesterday" }, "timestamp"},
		{"timestamp before epoch", func(e *models.Envelope) { e.Timestamp = "1969-12-31T23:59:59Z" }, "timestamp"},
		{"timestamp far before epoch", func(e *models.Envelope) { e.Timestamp = "0001-01-01T00:00:00Z" }, "timestamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &recordingWriter{}
			env := baseEnvelope()
			tt.mutate(&env)
			_, err := newTestGate(w).Intake(context.Background(), env)
			if !errors.Is(err, models.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error to mention %q, got %v", tt.want, err)
			}
			if len(w.events) != 0 {
				t.Fatal("invalid envelopes must not reach the writer")
			}
		})
	}
}

func TestIntakeNormalizes(t *testing.T) {
	w := &recordingWriter{outcome: writer.Outcome{Stored: true}}
	res, err := newTestGate(w).Intake(context.Background(), baseEnvelope())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Accepted || res.Skipped || res.Observation == nil {
		t.Fatalf("unexpected result %+v", res)
	}

	ev := w.events[0]
	if got := strings.Join(ev.Tags, ","); got != "db,infra" {
		t.Fatalf("expected normalized tags, got %q", got)
	}
	if ev.Timestamp != time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC).UnixMilli() {
		t.Fatalf("unexpected timestamp %d", ev.Timestamp)
	}
	if !regexp.MustCompile(`^[0-9A-Z]{26}$`).MatchString(ev.ID) {
		t.Fatalf("expected a ULID event id, got %q", ev.ID)
	}
	if len(ev.DedupeHash) != 64 {
		t.Fatalf("expected sha256 hex dedupe hash, got %q", ev.DedupeHash)
	}
}

func TestIntakeDefaultsTimestampToNow(t *testing.T) {
	w := &recordingWriter{outcome: writer.Outcome{Stored: true}}
	env := baseEnvelope()
	env.Timestamp = ""
	if _, err := newTestGate(w).Intake(context.Background(), env); err != nil {
		t.Fatal(err)
	}
	if w.events[0].Timestamp != time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli() {
		t.Fatalf("expected now, got %d", w.events[0].Timestamp)
	}
}

func TestIntakeBlock(t *testing.T) {
	w := &recordingWriter{outcome: writer.Outcome{Stored: true}}
	env := baseEnvelope()
	env.PrivacyTags = []string{"BLOCK"}
	res, err := newTestGate(w).Intake(context.Background(), env)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped || res.Accepted {
		t.Fatalf("expected skipped, got %+v", res)
	}
	if len(w.events) != 0 {
		t.Fatal("blocked events must not reach the writer")
	}
}

func TestIntakeRedaction(t *testing.T) {
	secret := "sk-" + strings.Repeat("a", 24)
	hex := strings.Repeat("ab", 20)

	t.Run("credentials always masked", func(t *testing.T) {
		w := &recordingWriter{outcome: writer.Outcome{Stored: true}}
		env := baseEnvelope()
		env.Payload = map[string]any{
			"content": "key " + secret + " mail dev@example.com <private>hidden</private>",
			"nested":  map[string]any{"list": []any{"password=hunter2hunter2"}},
		}
		if _, err := newTestGate(w).Intake(context.Background(), env); err != nil {
			t.Fatal(err)
		}
		p := w.events[0].Payload
		content := p["content"].(string)
		if strings.Contains(content, secret) || strings.Contains(content, "hidden") {
			t.Fatalf("credential or private block leaked: %q", content)
		}
		if !strings.Contains(content, "dev@example.com") {
			t.Fatalf("email must survive without a redact tag: %q", content)
		}
		nested := p["nested"].(map[string]any)["list"].([]any)[0].(string)
		if strings.Contains(nested, "hunter2") {
			t.Fatalf("nested secret leaked: %q", nested)
		}
		if env.Payload["content"].(string) == content {
			t.Fatal("the caller's payload must not be modified")
		}
	})

	t.Run("redact tag masks emails and hex", func(t *testing.T) {
		w := &recordingWriter{outcome: writer.Outcome{Stored: true}}
		env := baseEnvelope()
		env.PrivacyTags = []string{"redact"}
		env.Payload = map[string]any{"content": "mail dev@example.com hash " + hex}
		if _, err := newTestGate(w).Intake(context.Background(), env); err != nil {
			t.Fatal(err)
		}
		content := w.events[0].Payload["content"].(string)
		if strings.Contains(content, "dev@example.com") || strings.Contains(content, hex) {
			t.Fatalf("expected full masking, got %q", content)
		}
	})
}

func TestDedupeHash(t *testing.T) {
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	payload := map[string]any{"content": "x", "n": 1.0}
	a := DedupeHash("claude", "p", "s", "note", ts, payload, []string{"b", "a"}, nil)

	if a != DedupeHash("claude", "p", "s", "note", ts, map[string]any{"n": 1.0, "content": "x"}, []string{"a", "b"}, []string{}) {
		t.Fatal("key and tag order must not change the hash")
	}
	if a != DedupeHash("claude", "p", "s", "note", ts.In(time.FixedZone("x", 3600)), payload, []string{"a", "b"}, nil) {
		t.Fatal("the same instant in another zone must hash equally")
	}
	if a == DedupeHash("claude", "p", "s", "note", ts.Add(time.Millisecond), payload, []string{"a", "b"}, nil) {
		t.Fatal("a different timestamp must change the hash")
	}
	if a == DedupeHash("codex", "p", "s", "note", ts, payload, []string{"a", "b"}, nil) {
		t.Fatal("a different platform must change the hash")
	}
}

func TestIntakeDedupeHashSource(t *testing.T) {
	w := &recordingWriter{outcome: writer.Outcome{Stored: true}}
	g := newTestGate(w)
	ctx := context.Background()

	g.Intake(ctx, baseEnvelope())
	g.Intake(ctx, baseEnvelope())
	if w.events[0].DedupeHash != w.events[1].DedupeHash {
		t.Fatal("identical envelopes must share a dedupe hash")
	}
	if w.events[0].ID == w.events[1].ID {
		t.Fatal("every intake gets a fresh event id")
	}

	// The hash is computed before redaction, so it reflects the raw payload.
	secretA := baseEnvelope()
	secretA.Payload = map[string]any{"content": "token sk-" + strings.Repeat("a", 24)}
	secretB := baseEnvelope()
	secretB.Payload = map[string]any{"content": "token sk-" + strings.Repeat("b", 24)}
	g.Intake(ctx, secretA)
	g.Intake(ctx, secretB)
	if w.events[2].DedupeHash == w.events[3].DedupeHash {
		t.Fatal("distinct raw payloads must not collide after redaction")
	}

	supplied := baseEnvelope()
	supplied.DedupeHash = "  caller-hash "
	g.Intake(ctx, supplied)
	if w.events[4].DedupeHash != "caller-hash" {
		t.Fatalf("caller hash must win, got %q", w.events[4].DedupeHash)
	}
}

func TestIntakePassesOutcome(t *testing.T) {
	t.Run("queue full", func(t *testing.T) {
		w := &recordingWriter{outcome: writer.Outcome{QueueFull: true}}
		res, err := newTestGate(w).Intake(context.Background(), baseEnvelope())
		if err != nil || !res.QueueFull || res.Accepted {
			t.Fatalf("unexpected result %+v err=%v", res, err)
		}
	})

	t.Run("storage failure with retry", func(t *testing.T) {
		w := &recordingWriter{outcome: writer.Outcome{RetryQueued: true}, err: models.ErrStorage}
		res, err := newTestGate(w).Intake(context.Background(), baseEnvelope())
		if !errors.Is(err, models.ErrStorage) || !res.RetryQueued {
			t.Fatalf("unexpected result %+v err=%v", res, err)
		}
	})

	t.Run("disable retry is forwarded", func(t *testing.T) {
		w := &recordingWriter{outcome: writer.Outcome{Stored: true}}
		env := baseEnvelope()
		env.DisableRetry = true
		newTestGate(w).Intake(context.Background(), env)
		if !w.opts[0].DisableRetry {
			t.Fatal("expected DisableRetry to reach the writer")
		}
	})

	t.Run("duplicate", func(t *testing.T) {
		w := &recordingWriter{outcome: writer.Outcome{Duplicate: true}}
		res, _ := newTestGate(w).Intake(context.Background(), baseEnvelope())
		if !res.Accepted || !res.Duplicate {
			t.Fatalf("duplicates are accepted idempotently, got %+v", res)
		}
	})
}

func TestIntakeThroughCoordinator(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "mem.db"), store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	coord := writer.New(writer.Config{Committer: db, Retries: db})
	defer coord.Close()
	g := newTestGate(coord)
	ctx := context.Background()

	first, err := g.Intake(ctx, baseEnvelope())
	if err != nil {
		t.Fatal(err)
	}
	second, err := g.Intake(ctx, baseEnvelope())
	if err != nil {
		t.Fatal(err)
	}
	if first.Duplicate || !second.Duplicate {
		t.Fatalf("expected the second intake to dedupe: %+v %+v", first, second)
	}
	if first.EventID != second.EventID {
		t.Fatalf("a duplicate reports the original event id, got %s and %s", first.EventID, second.EventID)
	}
	if n, _ := db.EventCount(ctx); n != 1 {
		t.Fatalf("expected one stored event, got %d", n)
	}
}
