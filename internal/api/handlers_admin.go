package api

import (
	"net/http"

	"github.com/Chachamaru127/harness-mem/internal/memory"
	"github.com/Chachamaru127/harness-mem/internal/writer"
)

// AdminHandler exposes maintenance operations.
type AdminHandler struct {
	svc *memory.Service
}

func NewAdminHandler(svc *memory.Service) *AdminHandler {
	return &AdminHandler{svc: svc}
}

type reindexRequest struct {
	Limit int `json:"limit"`
}

// Reindex handles POST /v1/admin/reindex
func (h *AdminHandler) Reindex(w http.ResponseWriter, r *http.Request) {
	var req reindexRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err, nil)
		return
	}

	res, err := h.svc.Reindex(r.Context(), req.Limit)
	if err != nil {
		writeErr(w, err, nil)
		return
	}
	writeOK(w, http.StatusOK, []*memory.ReindexResult{res}, nil)
}

// DrainRetries handles POST /v1/admin/retry/drain
func (h *AdminHandler) DrainRetries(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.DrainRetries(r.Context())
	if err != nil {
		writeErr(w, err, stats)
		return
	}
	writeOK(w, http.StatusOK, []writer.SweepStats{stats}, nil)
}
