package privacy

import (
	"regexp"
	"strings"

	"github.com/Chachamaru127/harness-mem/internal/models"
)

const redactedPlaceholder = "[REDACTED]"

// privateTagRegex matches <private>...</private> blocks (non-greedy, dotall).
var privateTagRegex = regexp.MustCompile(`(?s)<private>.*?</private>`)

// credentialPatterns are masked in every stored string.
var credentialPatterns = []*regexp.Regexp{
	// Anthropic before OpenAI so the longer prefix wins
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9-]{20,}`),
	regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),
	// GitHub tokens
	regexp.MustCompile(`gh[pousr]_[a-zA-Z0-9]{36}`),
	// AWS
	regexp.MustCompile(`AKIA[A-Z0-9]{16}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]{16,}=*`),
	// Secret assignments: key=value, key: value
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd|authorization)\s*[:=]\s*["']?[^\s"']{8,}["']?`),
}

// fullPatterns are additionally masked when an event asks for redaction.
var fullPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
	regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`),
}

// StripPrivateTags removes all <private>...</private> blocks from content.
func StripPrivateTags(content string) string {
	return strings.TrimSpace(privateTagRegex.ReplaceAllString(content, ""))
}

// ScrubCredentials replaces credential-like tokens with [REDACTED].
func ScrubCredentials(text string) string {
	for _, pat := range credentialPatterns {
		text = pat.ReplaceAllString(text, redactedPlaceholder)
	}
	return text
}

// Redact applies every masking pattern, including emails and long hex blobs.
func Redact(text string) string {
	text = ScrubCredentials(text)
	for _, pat := range fullPatterns {
		text = pat.ReplaceAllString(text, redactedPlaceholder)
	}
	return text
}

// RedactPayload returns a copy of payload with every string value cleaned.
// Private blocks and credentials are always removed; full masking applies
// when full is set.
func RedactPayload(payload map[string]any, full bool) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = redactValue(v, full)
	}
	return out
}

func redactValue(v any, full bool) any {
	switch val := v.(type) {
	case string:
		s := privateTagRegex.ReplaceAllString(val, "")
		if full {
			return Redact(s)
		}
		return ScrubCredentials(s)
	case map[string]any:
		return RedactPayload(val, full)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item, full)
		}
		return out
	default:
		return v
	}
}

// NormalizeTags lowercases, trims and de-duplicates tags, dropping empties.
// The first occurrence order is preserved.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// IsBlocked reports whether the event must not be stored at all.
func IsBlocked(privacyTags []string) bool {
	return models.HasTag(privacyTags, models.PrivacyBlock)
}

// IsPrivate reports whether the observation is hidden from default reads.
func IsPrivate(privacyTags []string) bool {
	return models.HasTag(privacyTags, models.PrivacyPrivate) ||
		models.HasTag(privacyTags, models.PrivacySensitive)
}

// WantsRedaction reports whether full masking applies.
func WantsRedaction(privacyTags []string) bool {
	return models.HasTag(privacyTags, models.PrivacyRedact) || IsPrivate(privacyTags)
}
