package api

import (
	"errors"
	"net/http"

	"github.com/Chachamaru127/harness-mem/internal/memory"
	"github.com/Chachamaru127/harness-mem/internal/models"
)

// EventHandler handles event intake.
type EventHandler struct {
	svc *memory.Service
}

func NewEventHandler(svc *memory.Service) *EventHandler {
	return &EventHandler{svc: svc}
}

// Record handles POST /v1/events
func (h *EventHandler) Record(w http.ResponseWriter, r *http.Request) {
	var env models.Envelope
	if err := decodeJSON(r, &env); err != nil {
		writeErr(w, err, nil)
		return
	}

	res, err := h.svc.Record(r.Context(), env)
	if err != nil {
		var meta any
		if res != nil && errors.Is(err, models.ErrStorage) {
			meta = res.Meta
		}
		writeErr(w, err, meta)
		return
	}

	items := []*models.Observation{}
	if res.Observation != nil {
		items = append(items, res.Observation)
	}

	switch {
	case res.Meta.QueueFull:
		// Accepted by the adapter but not written; the caller retries.
		writeOK(w, http.StatusTooManyRequests, items, res.Meta)
	case res.Meta.Deduped, res.Meta.Skipped:
		writeOK(w, http.StatusOK, items, res.Meta)
	default:
		writeOK(w, http.StatusCreated, items, res.Meta)
	}
}
