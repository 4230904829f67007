package api

import (
	"net/http"
	"strings"

	"github.com/Chachamaru127/harness-mem/internal/memory"
	"github.com/Chachamaru127/harness-mem/internal/models"
	"github.com/Chachamaru127/harness-mem/internal/search"
)

// SearchHandler serves hybrid search and facets.
type SearchHandler struct {
	svc *memory.Service
}

func NewSearchHandler(svc *memory.Service) *SearchHandler {
	return &SearchHandler{svc: svc}
}

type searchRequest struct {
	Query          string    `json:"query"`
	Project        string    `json:"project"`
	SessionID      string    `json:"session_id"`
	EventType      string    `json:"event_type"`
	Since          Timestamp `json:"since"`
	Until          Timestamp `json:"until"`
	IncludePrivate bool      `json:"include_private"`
	Limit          int       `json:"limit"`
}

// Search handles POST /v1/search
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err, nil)
		return
	}

	res, err := h.svc.Search(r.Context(), search.Query{
		Text: req.Query,
		Filter: models.Filter{
			Project:        strings.TrimSpace(req.Project),
			SessionID:      strings.TrimSpace(req.SessionID),
			EventType:      strings.TrimSpace(req.EventType),
			Since:          int64(req.Since),
			Until:          int64(req.Until),
			IncludePrivate: req.IncludePrivate,
		},
		Limit: req.Limit,
	})
	if err != nil {
		writeErr(w, err, nil)
		return
	}
	writeOK(w, http.StatusOK, res.Items, res.Meta)
}

// Facets handles GET /v1/search/facets
func (h *SearchHandler) Facets(w http.ResponseWriter, r *http.Request) {
	f, err := queryFilter(r)
	if err != nil {
		writeErr(w, err, nil)
		return
	}

	facets, err := h.svc.Facets(r.Context(), r.URL.Query().Get("q"), f)
	if err != nil {
		writeErr(w, err, nil)
		return
	}
	writeOK(w, http.StatusOK, []*models.Facets{facets}, nil)
}
