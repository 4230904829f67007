package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Chachamaru127/harness-mem/internal/config"
	"github.com/Chachamaru127/harness-mem/internal/memory"
	"github.com/Chachamaru127/harness-mem/internal/models"
)

// seedDB records observations into a fresh database and returns its path.
func seedDB(t *testing.T, contents ...string) string {
	t.Helper()
	t.Setenv("HARNESS_MEM_CONFIG", "")
	cfg := config.Defaults()
	cfg.DBPath = filepath.Join(t.TempDir(), "mem.db")
	svc, err := memory.Open(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	base := time.Now().Add(-time.Hour)
	for i, c := range contents {
		_, err := svc.Record(context.Background(), models.Envelope{
			Platform:  "claude",
			Project:   "harness",
			SessionID: "s1",
			EventType: "note",
			Timestamp: base.Add(time.Duration(i) * time.Minute).UTC().Format(time.RFC3339),
			Payload:   map[string]any{"content": c},
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := svc.Close(); err != nil {
		t.Fatal(err)
	}
	return cfg.DBPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd("1.2.3")
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

type cliResponse struct {
	OK    bool            `json:"ok"`
	Items json.RawMessage `json:"items"`
	Meta  map[string]any  `json:"meta"`
}

func decode(t *testing.T, out string) cliResponse {
	t.Helper()
	var r cliResponse
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	return r
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "harness-mem 1.2.3" {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestSearchAndFeed(t *testing.T) {
	db := seedDB(t, "db uses mysql", "db uses postgres", "lunch plans")

	out, err := execute(t, "--db", db, "search", "postgres", "--project", "harness")
	if err != nil {
		t.Fatal(err)
	}
	r := decode(t, out)
	var hits []models.SearchHit
	if err := json.Unmarshal(r.Items, &hits); err != nil {
		t.Fatal(err)
	}
	if !r.OK || len(hits) == 0 || !strings.Contains(hits[0].Content, "postgres") {
		t.Fatalf("unexpected search output: %s", out)
	}

	out, err = execute(t, "--db", db, "feed", "--limit", "2")
	if err != nil {
		t.Fatal(err)
	}
	r = decode(t, out)
	var obs []models.Observation
	if err := json.Unmarshal(r.Items, &obs); err != nil {
		t.Fatal(err)
	}
	if len(obs) != 2 || !strings.Contains(obs[0].Content, "lunch") || r.Meta["has_more"] != true {
		t.Fatalf("unexpected feed output: %s", out)
	}

	if _, err := execute(t, "--db", db, "search"); err == nil {
		t.Fatal("search without a query must fail")
	}
}

func TestReindexAndDrain(t *testing.T) {
	db := seedDB(t, "db uses postgres")

	out, err := execute(t, "--db", db, "reindex")
	if err != nil {
		t.Fatal(err)
	}
	var reindex struct {
		OK    bool                 `json:"ok"`
		Items memory.ReindexResult `json:"items"`
	}
	if err := json.Unmarshal([]byte(out), &reindex); err != nil {
		t.Fatal(err)
	}
	if !reindex.OK || reindex.Items.VectorEngine == "" {
		t.Fatalf("unexpected reindex output: %s", out)
	}

	out, err = execute(t, "--db", db, "retry", "drain")
	if err != nil {
		t.Fatal(err)
	}
	if r := decode(t, out); !r.OK {
		t.Fatalf("unexpected drain output: %s", out)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn")
	logger.Info("hidden")
	logger.Warn("shown", "event_id", "e1")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), `"event_id":"e1"`) {
		t.Fatalf("unexpected log output %q", buf.String())
	}
}
