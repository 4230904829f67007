package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Chachamaru127/harness-mem/internal/memory"
	"github.com/Chachamaru127/harness-mem/internal/models"
)

// SessionHandler handles session-related HTTP requests.
type SessionHandler struct {
	svc *memory.Service
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(svc *memory.Service) *SessionHandler {
	return &SessionHandler{svc: svc}
}

// Get handles GET /v1/sessions/{id}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err, nil)
		return
	}
	writeOK(w, http.StatusOK, []*models.Session{sess}, nil)
}

type finalizeRequest struct {
	Summary string `json:"summary"`
}

// Finalize handles POST /v1/sessions/{id}/finalize
func (h *SessionHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err, nil)
		return
	}

	sess, err := h.svc.FinalizeSession(r.Context(), chi.URLParam(r, "id"), req.Summary)
	if err != nil {
		writeErr(w, err, nil)
		return
	}
	writeOK(w, http.StatusOK, []*models.Session{sess}, nil)
}
