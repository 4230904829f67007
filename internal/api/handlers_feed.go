package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Chachamaru127/harness-mem/internal/feed"
	"github.com/Chachamaru127/harness-mem/internal/memory"
)

// FeedHandler serves the feed, timelines and batch reads.
type FeedHandler struct {
	svc *memory.Service
}

func NewFeedHandler(svc *memory.Service) *FeedHandler {
	return &FeedHandler{svc: svc}
}

// Feed handles GET /v1/feed
func (h *FeedHandler) Feed(w http.ResponseWriter, r *http.Request) {
	f, err := queryFilter(r)
	if err != nil {
		writeErr(w, err, nil)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeErr(w, err, nil)
		return
	}

	page, err := h.svc.Feed(r.Context(), feed.FeedQuery{
		Cursor: r.URL.Query().Get("cursor"),
		Limit:  limit,
		Filter: f,
	})
	if err != nil {
		writeErr(w, err, nil)
		return
	}
	writeOK(w, http.StatusOK, page.Items, page.Meta)
}

// Timeline handles GET /v1/observations/{id}/timeline
func (h *FeedHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	q := feed.TimelineQuery{AnchorID: chi.URLParam(r, "id")}
	var err error
	if q.Before, err = queryIntPtr(r, "before"); err != nil {
		writeErr(w, err, nil)
		return
	}
	if q.After, err = queryIntPtr(r, "after"); err != nil {
		writeErr(w, err, nil)
		return
	}
	if q.IncludePrivate, err = queryBool(r, "include_private"); err != nil {
		writeErr(w, err, nil)
		return
	}

	items, err := h.svc.Timeline(r.Context(), q)
	if err != nil {
		writeErr(w, err, nil)
		return
	}
	writeOK(w, http.StatusOK, items, map[string]int{"count": len(items)})
}

type batchRequest struct {
	IDs            []string `json:"ids"`
	IncludePrivate bool     `json:"include_private"`
}

// Batch handles POST /v1/observations/batch
func (h *FeedHandler) Batch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err, nil)
		return
	}

	obs, err := h.svc.GetObservations(r.Context(), req.IDs, req.IncludePrivate)
	if err != nil {
		writeErr(w, err, nil)
		return
	}
	writeOK(w, http.StatusOK, obs, map[string]int{"count": len(obs)})
}
