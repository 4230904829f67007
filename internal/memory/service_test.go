package memory

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Chachamaru127/harness-mem/internal/config"
	"github.com/Chachamaru127/harness-mem/internal/embedding"
	"github.com/Chachamaru127/harness-mem/internal/feed"
	"github.com/Chachamaru127/harness-mem/internal/models"
	"github.com/Chachamaru127/harness-mem/internal/search"
	"github.com/Chachamaru127/harness-mem/internal/store"
)

func setupService(t *testing.T) *Service {
	t.Helper()
	cfg := config.Defaults()
	cfg.DBPath = filepath.Join(t.TempDir(), "mem.db")
	svc, err := Open(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func envelope(ts time.Time, content string) models.Envelope {
	return models.Envelope{
		Platform:  "claude",
		Project:   "harness",
		SessionID: "s1",
		EventType: "user_prompt",
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		Payload:   map[string]any{"content": content},
	}
}

func record(t *testing.T, svc *Service, env models.Envelope) *RecordResult {
	t.Helper()
	res, err := svc.Record(context.Background(), env)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	return res
}

func TestEndToEnd(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()
	t0 := time.Now().Add(-2 * time.Hour)

	a := record(t, svc, envelope(t0, "db uses mysql")).Observation
	b := record(t, svc, envelope(t0.Add(time.Minute), "db uses postgres")).Observation

	res, err := svc.Search(ctx, search.Query{Text: "db", Filter: models.Filter{Project: "harness"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Items) != 2 || res.Items[0].ID != b.ID || res.Items[1].ID != a.ID {
		t.Fatalf("expected postgres above mysql, got %+v", res.Items)
	}
	if res.Meta.VectorEngine != svc.index.Name() {
		t.Fatalf("unexpected engine in meta: %+v", res.Meta)
	}

	page, err := svc.Feed(ctx, feed.FeedQuery{Limit: 1, Filter: models.Filter{Project: "harness"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != b.ID || page.Meta.NextCursor == nil {
		t.Fatalf("unexpected first page %+v", page)
	}
	page, err = svc.Feed(ctx, feed.FeedQuery{Limit: 1, Cursor: *page.Meta.NextCursor, Filter: models.Filter{Project: "harness"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != a.ID || page.Meta.HasMore {
		t.Fatalf("unexpected second page %+v", page)
	}

	events := svc.EventsSince(0, 10)
	if len(events) != 2 || events[0].Type != models.StreamObservationCreated {
		t.Fatalf("expected two observation.created events, got %+v", events)
	}
}

func TestRecordIdempotentAndBlocked(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()
	env := envelope(time.Now(), "same thing twice")

	first := record(t, svc, env)
	second := record(t, svc, env)
	if first.Meta.Deduped || !second.Meta.Deduped {
		t.Fatalf("expected the repeat to dedupe: %+v %+v", first.Meta, second.Meta)
	}
	if first.Observation.ID != second.Observation.ID {
		t.Fatal("a duplicate must resolve to the original observation")
	}

	blocked := envelope(time.Now(), "never stored")
	blocked.PrivacyTags = []string{"block"}
	res := record(t, svc, blocked)
	if !res.Meta.Skipped || res.Observation != nil {
		t.Fatalf("expected skipped, got %+v", res)
	}

	if n, _ := svc.db.EventCount(ctx); n != 1 {
		t.Fatalf("expected 1 stored event, got %d", n)
	}
	if len(svc.EventsSince(0, 10)) != 1 {
		t.Fatal("duplicates and blocked events must not publish")
	}

	if _, err := svc.Record(ctx, models.Envelope{Platform: "claude"}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPrivateObservationsStayHidden(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	pub := record(t, svc, envelope(time.Now().Add(-time.Minute), "public rollout plan")).Observation
	env := envelope(time.Now(), "private rollout plan")
	env.PrivacyTags = []string{"private"}
	priv := record(t, svc, env).Observation
	if !priv.Private {
		t.Fatal("private tag must mark the observation private")
	}

	res, _ := svc.Search(ctx, search.Query{Text: "rollout"})
	if len(res.Items) != 1 || res.Items[0].ID != pub.ID {
		t.Fatalf("search leaked a private observation: %+v", res.Items)
	}
	res, _ = svc.Search(ctx, search.Query{Text: "rollout", Filter: models.Filter{IncludePrivate: true}})
	if len(res.Items) != 2 {
		t.Fatalf("expected both with include_private, got %d", len(res.Items))
	}

	page, _ := svc.Feed(ctx, feed.FeedQuery{})
	if len(page.Items) != 1 {
		t.Fatalf("feed leaked a private observation: %d items", len(page.Items))
	}

	facets, _ := svc.Facets(ctx, "", models.Filter{})
	if facets.Projects[0].Count != 1 {
		t.Fatalf("facets counted a private observation: %+v", facets.Projects)
	}

	if _, err := svc.Timeline(ctx, feed.TimelineQuery{AnchorID: priv.ID}); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("timeline must hide a private anchor, got %v", err)
	}
	items, _ := svc.Timeline(ctx, feed.TimelineQuery{AnchorID: pub.ID})
	if len(items) != 1 {
		t.Fatalf("timeline leaked a private neighbour: %d items", len(items))
	}

	got, _ := svc.GetObservations(ctx, []string{priv.ID, pub.ID}, false)
	if len(got) != 1 || got[0].ID != pub.ID {
		t.Fatalf("batch fetch leaked a private observation: %+v", got)
	}

	events := svc.EventsSince(0, 10)
	if len(events) != 2 {
		t.Fatalf("expected two stream events, got %d", len(events))
	}
	for _, ev := range events {
		data, _ := json.Marshal(ev)
		if strings.Contains(string(data), "private rollout plan") {
			t.Fatalf("stream leaked private content: %s", data)
		}
	}
	if notice, ok := events[1].Payload.(models.ObservationNotice); !ok || notice.ID != priv.ID {
		t.Fatalf("expected a private notice for %s, got %+v", priv.ID, events[1].Payload)
	}
}

func TestFinalizeAndGetSession(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()
	record(t, svc, envelope(time.Now(), "wrote the migration"))

	sess, err := svc.FinalizeSession(ctx, "s1", "")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Summary == nil || *sess.Summary != "- wrote the migration" {
		t.Fatalf("expected a title-list summary, got %+v", sess.Summary)
	}

	got, err := svc.GetSession(ctx, "s1")
	if err != nil || got.EndedAt == nil {
		t.Fatalf("expected a finalized session, got %+v err=%v", got, err)
	}
	if _, err := svc.GetSession(ctx, "nope"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.GetSession(ctx, ""); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	events := svc.EventsSince(1, 10)
	if len(events) != 1 || events[0].Type != models.StreamSessionFinalized {
		t.Fatalf("expected session.finalized, got %+v", events)
	}
}

func TestReindex(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()
	record(t, svc, envelope(time.Now(), "already embedded"))

	// An observation written without a vector, as after a provider switch.
	_, err := svc.db.CommitEvent(ctx, &store.CommitInput{
		Event: &models.Event{ID: "01J00000000000000000000099", Platform: "claude", Project: "harness",
			SessionID: "s1", EventType: "note", Timestamp: 1, DedupeHash: "manual"},
		Observation: &models.Observation{Platform: "claude", Project: "harness", SessionID: "s1",
			EventType: "note", Title: "missing vector", Content: "missing vector", CreatedAt: 1},
		Now: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := svc.Reindex(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Reindexed != 1 || res.FTSRebuilt != svc.db.FTSEnabled() {
		t.Fatalf("unexpected reindex result %+v", res)
	}
	if v, _ := svc.db.GetVector(ctx, models.ObservationID("01J00000000000000000000099")); v == nil {
		t.Fatal("expected the missing vector to be written")
	}

	res, _ = svc.Reindex(ctx, 0)
	if res.Reindexed != 0 {
		t.Fatalf("second reindex must be a no-op, got %+v", res)
	}
}

// brokenEmbedder fails every request.
type brokenEmbedder struct{ embedding.Embedder }

func (brokenEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("connection refused")
}

func TestReindexEmbedFailureIsStorageError(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()
	record(t, svc, envelope(time.Now(), "needs a new vector"))

	svc.embedder = brokenEmbedder{embedding.NewHashEmbedder(32)}
	_, err := svc.Reindex(ctx, 0)
	if !errors.Is(err, models.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
}

func TestDrainRetriesAndHealth(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()
	record(t, svc, envelope(time.Now(), "healthy"))

	stats, err := svc.DrainRetries(ctx)
	if err != nil || stats.Replayed != 0 {
		t.Fatalf("expected an empty drain, got %+v err=%v", stats, err)
	}

	h, err := svc.Health(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h.Status != "ok" || h.DB.Status != "ok" || h.ObservationCount != 1 || h.StreamLastID != 1 {
		t.Fatalf("unexpected health %+v", h)
	}

	snap := svc.Snapshot(ctx)
	if snap.VectorEngine != svc.index.Name() || snap.RetryBacklog || snap.QueueSaturated {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestQueueSaturated(t *testing.T) {
	tests := []struct {
		depth, capacity int
		want            bool
	}{
		{0, 100, false},
		{79, 100, false},
		{80, 100, true},
		{100, 100, true},
		{0, 0, false},
	}
	for _, tt := range tests {
		if got := queueSaturated(tt.depth, tt.capacity); got != tt.want {
			t.Errorf("queueSaturated(%d, %d) = %v, want %v", tt.depth, tt.capacity, got, tt.want)
		}
	}
}

func TestCloseStopsWrites(t *testing.T) {
	svc := setupService(t)
	svc.Start()
	if err := svc.Close(); err != nil {
		t.Fatal(err)
	}
	if err := svc.Close(); err != nil {
		t.Fatal("second Close must be a no-op")
	}
	if _, err := svc.Record(context.Background(), envelope(time.Now(), "late")); !errors.Is(err, models.ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}
