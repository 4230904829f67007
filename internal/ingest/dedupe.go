package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// canonicalEvent fixes the field order hashed for deduplication. Payload map
// keys are sorted by encoding/json.
type canonicalEvent struct {
	Platform    string         `json:"platform"`
	Project     string         `json:"project"`
	SessionID   string         `json:"session_id"`
	EventType   string         `json:"event_type"`
	Timestamp   string         `json:"timestamp"`
	Payload     map[string]any `json:"payload"`
	Tags        []string       `json:"tags"`
	PrivacyTags []string       `json:"privacy_tags"`
}

// DedupeHash is the sha256 hex of the canonical JSON of an event's
// identity fields. Tag order does not affect it.
func DedupeHash(platform, project, sessionID, eventType string, ts time.Time, payload map[string]any, tags, privacyTags []string) string {
	if payload == nil {
		payload = map[string]any{}
	}
	b, err := json.Marshal(canonicalEvent{
		Platform:    platform,
		Project:     project,
		SessionID:   sessionID,
		EventType:   eventType,
		Timestamp:   ts.UTC().Format(time.RFC3339Nano),
		Payload:     payload,
		Tags:        sortedCopy(tags),
		PrivacyTags: sortedCopy(privacyTags),
	})
	if err != nil {
		// Unencodable hand-built payloads hash by identity fields only.
		b = []byte(platform + "\x00" + project + "\x00" + sessionID + "\x00" + eventType + "\x00" + ts.String())
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func sortedCopy(s []string) []string {
	out := append([]string{}, s...)
	sort.Strings(out)
	return out
}
