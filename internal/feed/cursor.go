package feed

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"regexp"

	"github.com/Chachamaru127/harness-mem/internal/store"
)

var cursorIDPattern = regexp.MustCompile(`^obs_[0-9A-Z]{26}$`)

type cursorPayload struct {
	T  int64  `json:"t"`
	ID string `json:"id"`
}

// EncodeCursor renders a keyset position as an opaque base64url token.
func EncodeCursor(p store.FeedPosition) string {
	b, _ := json.Marshal(cursorPayload{T: p.CreatedAt, ID: p.ID})
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor parses a cursor token. Anything malformed returns ok=false.
func DecodeCursor(token string) (store.FeedPosition, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		// Accept padded tokens too.
		if raw, err = base64.URLEncoding.DecodeString(token); err != nil {
			return store.FeedPosition{}, false
		}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var c cursorPayload
	if err := dec.Decode(&c); err != nil || dec.More() {
		return store.FeedPosition{}, false
	}
	if c.T <= 0 || !cursorIDPattern.MatchString(c.ID) {
		return store.FeedPosition{}, false
	}
	return store.FeedPosition{CreatedAt: c.T, ID: c.ID}, true
}
