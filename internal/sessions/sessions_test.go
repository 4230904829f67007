package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Chachamaru127/harness-mem/internal/models"
	"github.com/Chachamaru127/harness-mem/internal/store"
	"github.com/Chachamaru127/harness-mem/internal/stream"
	"github.com/Chachamaru127/harness-mem/internal/writer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	db    *store.DB
	coord *writer.Coordinator
	pub   *stream.Publisher
	seq   int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "sessions.db"), store.Options{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	coord := writer.New(writer.Config{Committer: db, Retries: db, Logger: testLogger()})
	t.Cleanup(func() {
		coord.Close()
		db.Close()
	})
	return &fixture{db: db, coord: coord, pub: stream.NewPublisher(10)}
}

func (f *fixture) add(t *testing.T, session, title string, private bool) {
	t.Helper()
	f.seq++
	id := fmt.Sprintf("01J%023d", f.seq)
	ts := int64(1700000000000 + f.seq)
	_, err := f.db.CommitEvent(context.Background(), &store.CommitInput{
		Event: &models.Event{
			ID: id, Platform: "claude", Project: "p", SessionID: session,
			EventType: "note", Timestamp: ts, DedupeHash: id,
		},
		Observation: &models.Observation{
			Platform: "claude", Project: "p", SessionID: session, EventType: "note",
			Title: title, Content: title + " details", Private: private, CreatedAt: ts,
		},
		Now: ts,
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func fakeGenerate(t *testing.T, status int, reply string, prompts *[]string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode generate request: %v", err)
		}
		if req.Stream {
			t.Error("expected a non-streaming request")
		}
		if prompts != nil {
			*prompts = append(*prompts, req.Prompt)
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(generateResponse{Response: reply, Done: true})
	}))
}

func TestFinalizeWithSummary(t *testing.T) {
	f := newFixture(t)
	f.add(t, "s1", "set up ci", false)

	fin := NewFinalizer(f.db, f.coord, nil, f.pub, testLogger())
	sess, err := fin.Finalize(context.Background(), "s1", "shipped the pipeline")
	if err != nil {
		t.Fatal(err)
	}
	if sess.EndedAt == nil || *sess.Summary != "shipped the pipeline" {
		t.Fatalf("unexpected session %+v", sess)
	}

	stored, _ := f.db.GetSession(context.Background(), "s1")
	if stored.EndedAt == nil || *stored.Summary != "shipped the pipeline" {
		t.Fatalf("finalize was not persisted: %+v", stored)
	}

	events := f.pub.EventsSince(0, 10)
	if len(events) != 1 || events[0].Type != models.StreamSessionFinalized {
		t.Fatalf("expected a session.finalized event, got %+v", events)
	}
}

func TestFinalizeErrors(t *testing.T) {
	f := newFixture(t)
	fin := NewFinalizer(f.db, f.coord, nil, nil, testLogger())
	ctx := context.Background()

	if _, err := fin.Finalize(ctx, "  ", ""); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := fin.Finalize(ctx, "ghost", "x"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	f.add(t, "s1", "work", false)
	f.coord.Close()
	if _, err := fin.Finalize(ctx, "s1", "x"); !errors.Is(err, models.ErrClosed) {
		t.Fatalf("expected closed coordinator error, got %v", err)
	}
}

func TestFinalizeGeneratesSummary(t *testing.T) {
	f := newFixture(t)
	f.add(t, "s1", "fixed flaky test", false)
	f.add(t, "s1", "private thoughts", true)
	f.add(t, "s2", "other session", false)

	var prompts []string
	srv := fakeGenerate(t, http.StatusOK, "  WORK: fixed the flaky test  ", &prompts)
	defer srv.Close()

	fin := NewFinalizer(f.db, f.coord, NewSummarizer(srv.URL, "tiny", true, testLogger()), nil, testLogger())
	sess, err := fin.Finalize(context.Background(), "s1", "")
	if err != nil {
		t.Fatal(err)
	}
	if *sess.Summary != "WORK: fixed the flaky test" {
		t.Fatalf("unexpected summary %q", *sess.Summary)
	}
	if len(prompts) != 1 {
		t.Fatalf("expected one generate call, got %d", len(prompts))
	}
	if !strings.Contains(prompts[0], "fixed flaky test") {
		t.Fatal("prompt must include the session's observations")
	}
	if strings.Contains(prompts[0], "private thoughts") || strings.Contains(prompts[0], "other session") {
		t.Fatal("prompt must only include visible observations of the session")
	}
}

func TestFinalizeFallsBackToTitles(t *testing.T) {
	f := newFixture(t)
	f.add(t, "s1", "first step", false)
	f.add(t, "s1", "second step", false)
	f.add(t, "s1", "second step", false)

	srv := fakeGenerate(t, http.StatusInternalServerError, "", nil)
	defer srv.Close()

	for name, sum := range map[string]*Summarizer{
		"disabled": NewSummarizer(srv.URL, "tiny", false, testLogger()),
		"failing":  NewSummarizer(srv.URL, "tiny", true, testLogger()),
		"nil":      nil,
	} {
		t.Run(name, func(t *testing.T) {
			fin := NewFinalizer(f.db, f.coord, sum, nil, testLogger())
			sess, err := fin.Finalize(context.Background(), "s1", "")
			if err != nil {
				t.Fatal(err)
			}
			if want := "- first step\n- second step"; *sess.Summary != want {
				t.Fatalf("summary = %q, want %q", *sess.Summary, want)
			}
		})
	}
}

func TestSummarizeTruncatesTranscript(t *testing.T) {
	var prompts []string
	srv := fakeGenerate(t, http.StatusOK, "ok", &prompts)
	defer srv.Close()

	s := NewSummarizer(srv.URL, "tiny", true, testLogger())
	long := "HEAD" + strings.Repeat("x", 50000) + "TAIL"
	if _, err := s.Summarize(context.Background(), long); err != nil {
		t.Fatal(err)
	}
	p := prompts[0]
	if !strings.Contains(p, "HEAD") || !strings.Contains(p, "TAIL") || !strings.Contains(p, "middle truncated") {
		t.Fatal("expected head and tail to survive truncation")
	}
	if len(p) > maxTranscript+len(summaryPrompt)+100 {
		t.Fatalf("prompt too long: %d", len(p))
	}

	if _, err := NewSummarizer(srv.URL, "tiny", false, nil).Summarize(context.Background(), "x"); err == nil {
		t.Fatal("disabled summarizer must refuse")
	}
}

func TestTranscript(t *testing.T) {
	got := Transcript([]*models.Observation{
		{EventType: "user_prompt", Title: "hello", Content: "hello"},
		{EventType: "tool_use", Title: "ran tests", Content: "3 failed"},
	})
	want := "[user_prompt] hello\n\n[tool_use] ran tests\n3 failed"
	if got != want {
		t.Fatalf("Transcript() = %q, want %q", got, want)
	}
}
