package models

import "errors"

// Error taxonomy. Components wrap these with %w; adapters map them with
// errors.Is to status codes and the ok=false envelope.
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrStorage    = errors.New("storage error")
	ErrClosed     = errors.New("service closed")
)

// Response is the envelope every public operation is rendered into.
type Response struct {
	OK    bool   `json:"ok"`
	Items any    `json:"items"`
	Meta  any    `json:"meta,omitempty"`
	Error string `json:"error,omitempty"`
}

// NewResponse builds an envelope. A non-nil err yields ok=false with the
// error text and no items.
func NewResponse(items, meta any, err error) Response {
	if err != nil {
		return Response{OK: false, Items: []any{}, Meta: meta, Error: err.Error()}
	}
	if items == nil {
		items = []any{}
	}
	return Response{OK: true, Items: items, Meta: meta}
}
