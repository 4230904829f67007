package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Chachamaru127/harness-mem/internal/models"
)

// Timestamp accepts RFC3339 strings or unix milliseconds, as a JSON string
// or number. It holds unix ms; zero means unset.
type Timestamp int64

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*t = 0
		return nil
	}
	var s string
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	} else {
		s = string(b)
	}
	ms, err := parseTime(s)
	if err != nil {
		return err
	}
	*t = Timestamp(ms)
	return nil
}

func parseTime(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, fmt.Errorf("%w: time %q must be RFC3339 or unix ms", models.ErrValidation, s)
	}
	return ts.UnixMilli(), nil
}

func queryInt(r *http.Request, key string) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", models.ErrValidation, key)
	}
	return n, nil
}

// queryIntPtr distinguishes an absent parameter from an explicit zero.
func queryIntPtr(r *http.Request, key string) (*int, error) {
	if !r.URL.Query().Has(key) {
		return nil, nil
	}
	n, err := queryInt(r, key)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", models.ErrValidation, key)
	}
	return b, nil
}

// queryFilter reads the shared filter parameters from the query string.
func queryFilter(r *http.Request) (models.Filter, error) {
	q := r.URL.Query()
	f := models.Filter{
		Project:   strings.TrimSpace(q.Get("project")),
		SessionID: strings.TrimSpace(q.Get("session_id")),
		EventType: strings.TrimSpace(q.Get("event_type")),
	}
	var err error
	if f.IncludePrivate, err = queryBool(r, "include_private"); err != nil {
		return f, err
	}
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		return f, err
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		return f, err
	}
	return f, nil
}
