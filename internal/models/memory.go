package models

// Observation is the read-facing memory item derived from one Event.
type Observation struct {
	ID              string   `json:"id"`
	EventID         string   `json:"event_id"`
	Platform        string   `json:"platform"`
	Project         string   `json:"project"`
	SessionID       string   `json:"session_id"`
	EventType       string   `json:"event_type"`
	Title           string   `json:"title"`
	Content         string   `json:"content"`
	ContentRedacted string   `json:"content_redacted,omitempty"`
	Tags            []string `json:"tags"`
	PrivacyTags     []string `json:"privacy_tags"`
	Private         bool     `json:"private"`
	CreatedAt       int64    `json:"created_at"`
	UpdatedAt       int64    `json:"updated_at"`
}

// ObservationNotice announces a private observation on the stream without
// its content.
type ObservationNotice struct {
	ID        string `json:"id"`
	Private   bool   `json:"private"`
	CreatedAt int64  `json:"created_at"`
}

// Scores carries every ranking axis of a search hit.
type Scores struct {
	Lexical  float64 `json:"lexical"`
	Vector   float64 `json:"vector"`
	Recency  float64 `json:"recency"`
	TagBoost float64 `json:"tag_boost"`
	Final    float64 `json:"final"`
}

// SearchHit is an observation with its per-axis scores.
type SearchHit struct {
	*Observation
	Scores Scores `json:"scores"`
}

// SearchWeights are the blend weights of the hybrid ranking.
type SearchWeights struct {
	Lexical float64 `json:"lexical"`
	Vector  float64 `json:"vector"`
	Recency float64 `json:"recency"`
	Tag     float64 `json:"tag"`
}

// SearchMeta describes how a search was executed.
type SearchMeta struct {
	Count             int           `json:"count"`
	Ranking           string        `json:"ranking"`
	Weights           SearchWeights `json:"weights"`
	VectorEngine      string        `json:"vector_engine"`
	FTSEnabled        bool          `json:"fts_enabled"`
	LexicalCandidates int           `json:"lexical_candidates"`
	VectorCandidates  int           `json:"vector_candidates"`
	EmbeddingDegraded bool          `json:"embedding_degraded,omitempty"`
}

// FeedMeta carries pagination state for the feed.
type FeedMeta struct {
	NextCursor    *string `json:"next_cursor"`
	HasMore       bool    `json:"has_more"`
	CursorInvalid bool    `json:"cursor_invalid,omitempty"`
}

// Timeline positions.
const (
	PositionBefore = "before"
	PositionCenter = "center"
	PositionAfter  = "after"
)

// TimelineItem is an observation placed relative to a timeline anchor.
type TimelineItem struct {
	*Observation
	Position string `json:"position"`
}

// FacetCount is one bucket of a facet aggregation.
type FacetCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// Facets is the aggregate reporting view over visible observations.
type Facets struct {
	Projects    []FacetCount `json:"projects"`
	EventTypes  []FacetCount `json:"event_types"`
	Tags        []FacetCount `json:"tags"`
	TimeBuckets []FacetCount `json:"time_buckets"`
}

// RecordMeta is returned alongside a record call.
type RecordMeta struct {
	Deduped      bool   `json:"deduped,omitempty"`
	Skipped      bool   `json:"skipped,omitempty"`
	QueueFull    bool   `json:"queue_full,omitempty"`
	RetryQueued  bool   `json:"retry_queued,omitempty"`
	VectorEngine string `json:"vector_engine"`
}
