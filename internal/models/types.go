package models

import "strings"

// Privacy markers recognised in privacy_tags.
const (
	PrivacyBlock     = "block"
	PrivacyPrivate   = "private"
	PrivacySensitive = "sensitive"
	PrivacyRedact    = "redact"
)

// Tag types stored in observation_tags.
const (
	TagTypeTag     = "tag"
	TagTypePrivacy = "privacy"
)

// Stream event types.
const (
	StreamObservationCreated = "observation.created"
	StreamSessionFinalized   = "session.finalized"
	StreamHealthChanged      = "health.changed"
)

// Envelope is the normalized event an ingestion adapter submits.
// Payload is the one free-form extension bag; everything else is typed.
type Envelope struct {
	Platform     string         `json:"platform"`
	Project      string         `json:"project"`
	SessionID    string         `json:"session_id"`
	EventType    string         `json:"event_type"`
	Timestamp    string         `json:"timestamp,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	PrivacyTags  []string       `json:"privacy_tags,omitempty"`
	DedupeHash   string         `json:"dedupe_hash,omitempty"`
	DisableRetry bool           `json:"disable_retry,omitempty"`
}

// Event is an accepted, normalized and redacted envelope. It is the unit
// serialized into the retry queue, so every field needed to replay the
// write must be exported and tagged.
type Event struct {
	ID          string         `json:"id"`
	Platform    string         `json:"platform"`
	Project     string         `json:"project"`
	SessionID   string         `json:"session_id"`
	EventType   string         `json:"event_type"`
	Timestamp   int64          `json:"ts"` // unix ms
	Payload     map[string]any `json:"payload,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	PrivacyTags []string       `json:"privacy_tags,omitempty"`
	DedupeHash  string         `json:"dedupe_hash"`
}

// ObservationID derives the observation id from its source event id.
func ObservationID(eventID string) string {
	return "obs_" + eventID
}

// Session aggregates events sharing a session_id.
type Session struct {
	SessionID string  `json:"session_id"`
	Platform  string  `json:"platform"`
	Project   string  `json:"project"`
	StartedAt int64   `json:"started_at"`
	EndedAt   *int64  `json:"ended_at,omitempty"`
	Summary   *string `json:"summary,omitempty"`
	UpdatedAt int64   `json:"updated_at"`
}

// Vector is the stored embedding of one observation.
type Vector struct {
	ObservationID string    `json:"observation_id"`
	Model         string    `json:"model"`
	Embedding     []float32 `json:"-"`
	UpdatedAt     int64     `json:"updated_at"`
}

// RetryItem is a durable record of a write that failed.
type RetryItem struct {
	ID          int64
	EventJSON   []byte
	Reason      string
	RetryCount  int
	NextRetryAt int64 // unix ms
	CreatedAt   int64
}

// StreamEvent is one entry of the in-memory activity stream.
type StreamEvent struct {
	ID        uint64 `json:"id"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

// Filter is the filter+visibility predicate shared by every read path.
// Since and Until are unix ms; zero means unbounded.
type Filter struct {
	Project        string
	SessionID      string
	EventType      string
	Since          int64
	Until          int64
	IncludePrivate bool
}

// HealthSnapshot is the coarse service state published on change.
type HealthSnapshot struct {
	Status            string `json:"status"`
	FTSEnabled        bool   `json:"fts_enabled"`
	VectorEngine      string `json:"vector_engine"`
	EmbeddingDegraded bool   `json:"embedding_degraded"`
	RetryBacklog      bool   `json:"retry_backlog"`
	QueueSaturated    bool   `json:"queue_saturated"`
}

// HealthResponse is returned from GET /health.
type HealthResponse struct {
	HealthSnapshot
	DB               ServiceCheck `json:"db"`
	Embedder         ServiceCheck `json:"embedder"`
	ObservationCount int          `json:"observation_count"`
	RetryDepth       int          `json:"retry_depth"`
	QueueDepth       int          `json:"queue_depth"`
	StreamLastID     uint64       `json:"stream_last_id"`
}

type ServiceCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HasTag reports whether tags contains tag, ignoring case.
func HasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}
