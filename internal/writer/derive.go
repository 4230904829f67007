package writer

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/Chachamaru127/harness-mem/internal/models"
	"github.com/Chachamaru127/harness-mem/internal/privacy"
)

const maxTitleRunes = 120

// contentKeys are the payload fields checked, in order, for the body text.
var contentKeys = []string{"content", "text", "prompt", "message", "summary", "output", "command"}

// Derive builds the observation for an event. It is a pure function of the
// event so replays and duplicates produce the same row.
func Derive(ev *models.Event) *models.Observation {
	content := payloadContent(ev.Payload)
	title := payloadString(ev.Payload, "title")
	if title == "" {
		title = firstLine(content)
	}
	if title == "" {
		title = ev.EventType
	}

	tags := ev.Tags
	if tags == nil {
		tags = []string{}
	}
	privacyTags := ev.PrivacyTags
	if privacyTags == nil {
		privacyTags = []string{}
	}

	return &models.Observation{
		ID:              models.ObservationID(ev.ID),
		EventID:         ev.ID,
		Platform:        ev.Platform,
		Project:         ev.Project,
		SessionID:       ev.SessionID,
		EventType:       ev.EventType,
		Title:           title,
		Content:         content,
		ContentRedacted: privacy.Redact(content),
		Tags:            tags,
		PrivacyTags:     privacyTags,
		Private:         privacy.IsPrivate(privacyTags),
		CreatedAt:       ev.Timestamp,
	}
}

// EmbeddingText is the text embedded for an observation.
func EmbeddingText(o *models.Observation) string {
	if o.Title == o.Content {
		return o.Content
	}
	return o.Title + "\n" + o.Content
}

func payloadString(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return strings.TrimSpace(s)
}

func payloadContent(payload map[string]any) string {
	for _, k := range contentKeys {
		if s := payloadString(payload, k); s != "" {
			return s
		}
	}
	if len(payload) == 0 {
		return ""
	}
	// encoding/json sorts map keys, so this is canonical.
	b, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(b)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > maxTitleRunes {
		s = string([]rune(s)[:maxTitleRunes])
	}
	return s
}
