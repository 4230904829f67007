package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Chachamaru127/harness-mem/internal/models"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeOK renders a successful envelope.
func writeOK(w http.ResponseWriter, status int, items, meta any) {
	writeJSON(w, status, models.NewResponse(items, meta, nil))
}

// writeErr renders an ok=false envelope with the status mapped from err.
func writeErr(w http.ResponseWriter, err error, meta any) {
	writeJSON(w, statusFor(err), models.NewResponse(nil, meta, err))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.NewResponse(nil, nil, errors.New(msg)))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrStorage), errors.Is(err, models.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a bounded JSON body. Decode failures are validation
// errors. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: invalid request body: %v", models.ErrValidation, err)
	}
	return nil
}
