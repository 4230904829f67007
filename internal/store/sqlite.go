package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection with initialization logic and the
// capabilities discovered at open time.
type DB struct {
	*sql.DB
	path       string
	ftsEnabled bool
}

// Options controls optional storage features.
type Options struct {
	// DisableFTS forces the lexical fallback even when FTS5 is compiled in.
	DisableFTS bool
	Logger     *slog.Logger
}

// Open creates or opens the SQLite database at the given path, runs schema
// initialization, and probes for the FTS5 module.
func Open(dbPath string, opts Options) (*DB, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL lets readers run beside the single writer goroutine.
	db.SetMaxOpenConns(8)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	d := &DB{DB: db, path: dbPath}

	if opts.DisableFTS {
		if err := dropFTSTriggers(db); err != nil {
			db.Close()
			return nil, err
		}
		logger.Info("full-text index disabled by config, using keyword fallback")
		return d, nil
	}

	enabled, err := probeFTS(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	d.ftsEnabled = enabled
	if !enabled {
		logger.Warn("sqlite fts5 unavailable, using keyword fallback")
	}
	return d, nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// FTSEnabled reports whether lexical search uses the native FTS5 index.
func (db *DB) FTSEnabled() bool { return db.ftsEnabled }

func initSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS sessions (
  session_id TEXT PRIMARY KEY,
  platform TEXT NOT NULL,
  project TEXT NOT NULL,
  started_at INTEGER NOT NULL,
  ended_at INTEGER,
  summary TEXT,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
  id TEXT PRIMARY KEY,
  platform TEXT NOT NULL,
  project TEXT NOT NULL,
  session_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  ts INTEGER NOT NULL,
  payload TEXT,
  tags TEXT,
  privacy_tags TEXT,
  dedupe_hash TEXT NOT NULL UNIQUE,
  created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);

CREATE TABLE IF NOT EXISTS observations (
  id TEXT PRIMARY KEY,
  event_id TEXT NOT NULL UNIQUE,
  platform TEXT NOT NULL,
  project TEXT NOT NULL,
  session_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  title TEXT NOT NULL,
  content TEXT NOT NULL,
  content_redacted TEXT NOT NULL,
  tags TEXT NOT NULL DEFAULT '[]',
  privacy_tags TEXT NOT NULL DEFAULT '[]',
  private INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  FOREIGN KEY (event_id) REFERENCES events(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_observations_feed ON observations(created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_observations_project ON observations(project, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_observations_session ON observations(project, session_id, created_at);

CREATE TABLE IF NOT EXISTS observation_tags (
  observation_id TEXT NOT NULL,
  tag TEXT NOT NULL,
  tag_type TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  PRIMARY KEY (observation_id, tag, tag_type),
  FOREIGN KEY (observation_id) REFERENCES observations(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_observation_tags_tag ON observation_tags(tag, tag_type);

CREATE TABLE IF NOT EXISTS vectors (
  observation_id TEXT PRIMARY KEY,
  model TEXT NOT NULL,
  dim INTEGER NOT NULL,
  embedding BLOB NOT NULL,
  updated_at INTEGER NOT NULL,
  FOREIGN KEY (observation_id) REFERENCES observations(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS retry_queue (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  event_json TEXT NOT NULL,
  reason TEXT NOT NULL,
  retry_count INTEGER NOT NULL DEFAULT 0,
  next_retry_at INTEGER NOT NULL,
  created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_retry_queue_due ON retry_queue(next_retry_at, id);

CREATE TABLE IF NOT EXISTS dead_letters (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  event_json TEXT NOT NULL,
  reason TEXT NOT NULL,
  retry_count INTEGER NOT NULL,
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS embedding_cache (
  model TEXT NOT NULL,
  content_hash TEXT NOT NULL,
  embedding BLOB NOT NULL,
  dimension INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY (model, content_hash)
);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

var ftsTriggers = []string{
	`CREATE TRIGGER IF NOT EXISTS observations_ai AFTER INSERT ON observations BEGIN
  INSERT INTO observations_fts(rowid, title, content, tags)
  VALUES (NEW.rowid, NEW.title, NEW.content, NEW.tags);
END;`,
	`CREATE TRIGGER IF NOT EXISTS observations_ad AFTER DELETE ON observations BEGIN
  INSERT INTO observations_fts(observations_fts, rowid, title, content, tags)
  VALUES ('delete', OLD.rowid, OLD.title, OLD.content, OLD.tags);
END;`,
	`CREATE TRIGGER IF NOT EXISTS observations_au AFTER UPDATE ON observations BEGIN
  INSERT INTO observations_fts(observations_fts, rowid, title, content, tags)
  VALUES ('delete', OLD.rowid, OLD.title, OLD.content, OLD.tags);
  INSERT INTO observations_fts(rowid, title, content, tags)
  VALUES (NEW.rowid, NEW.title, NEW.content, NEW.tags);
END;`,
}

// probeFTS creates the FTS5 external-content table and its triggers. A
// missing fts5 module is not an error: it returns false and removes any
// triggers left by an earlier build so writes keep working. When the
// triggers are new the index is rebuilt from existing rows.
func probeFTS(db *sql.DB) (bool, error) {
	fts := `
CREATE VIRTUAL TABLE IF NOT EXISTS observations_fts USING fts5(
  title, content, tags,
  content='observations', content_rowid='rowid',
  tokenize='porter unicode61'
);
`
	if _, err := db.Exec(fts); err != nil {
		if err := dropFTSTriggers(db); err != nil {
			return false, err
		}
		return false, nil
	}

	hadTriggers, err := objectExists(db, "trigger", "observations_ai")
	if err != nil {
		return false, fmt.Errorf("check fts triggers: %w", err)
	}

	for _, t := range ftsTriggers {
		if _, err := db.Exec(t); err != nil {
			return false, fmt.Errorf("create trigger: %w", err)
		}
	}

	if !hadTriggers {
		if _, err := db.Exec(`INSERT INTO observations_fts(observations_fts) VALUES('rebuild')`); err != nil {
			return false, fmt.Errorf("rebuild fts index: %w", err)
		}
	}
	return true, nil
}

func dropFTSTriggers(db *sql.DB) error {
	for _, name := range []string{"observations_ai", "observations_ad", "observations_au"} {
		if _, err := db.Exec("DROP TRIGGER IF EXISTS " + name); err != nil {
			return fmt.Errorf("drop trigger %s: %w", name, err)
		}
	}
	return nil
}

// RebuildFTS re-derives the full-text index from the observations table.
func (db *DB) RebuildFTS(ctx context.Context) error {
	if !db.ftsEnabled {
		return nil
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO observations_fts(observations_fts) VALUES('rebuild')`); err != nil {
		return fmt.Errorf("rebuild fts index: %w", err)
	}
	return nil
}

// ObservationCount returns the total number of observations.
func (db *DB) ObservationCount(ctx context.Context) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM observations").Scan(&count)
	return count, err
}

// objectExists checks sqlite_master for a schema object. The rows cursor is
// closed before returning so no connection is held.
func objectExists(db *sql.DB, kind, name string) (bool, error) {
	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type = ? AND name = ?`, kind, name)
	if err != nil {
		return false, err
	}
	found := rows.Next()
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}
	return found, nil
}
