package api

import (
	"net/http"

	"github.com/Chachamaru127/harness-mem/internal/memory"
)

type HealthHandler struct {
	svc *memory.Service
}

func NewHealthHandler(svc *memory.Service) *HealthHandler {
	return &HealthHandler{svc: svc}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.Health(r.Context())
	if err != nil {
		writeErr(w, err, nil)
		return
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
