package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Chachamaru127/harness-mem/internal/memory"
	"github.com/Chachamaru127/harness-mem/internal/models"
	"github.com/Chachamaru127/harness-mem/internal/stream"
)

const (
	streamBatch    = 100
	wsWriteWait    = 10 * time.Second
	maxWSReadBytes = 4 * 1024
)

// StreamHandler serves the event stream over polling, SSE and WebSocket.
type StreamHandler struct {
	svc       *memory.Service
	heartbeat time.Duration
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

func NewStreamHandler(svc *memory.Service, heartbeat time.Duration, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{
		svc:       svc,
		heartbeat: heartbeat,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Local service; auth is the bearer token, not the origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// sinceParam resolves the resume point from Last-Event-ID or ?since.
func sinceParam(r *http.Request) (uint64, error) {
	v := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if v == "" {
		v = strings.TrimSpace(r.URL.Query().Get("since"))
	}
	if v == "" {
		return 0, nil
	}
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: since must be a stream event id", models.ErrValidation)
	}
	return id, nil
}

// Events handles GET /v1/stream/events
func (h *StreamHandler) Events(w http.ResponseWriter, r *http.Request) {
	since, err := sinceParam(r)
	if err != nil {
		writeErr(w, err, nil)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeErr(w, err, nil)
		return
	}
	if limit <= 0 {
		limit = stream.DefaultLimit
	}

	events := h.svc.EventsSince(since, limit)
	meta := map[string]any{"last_id": h.svc.Publisher().LastID(), "count": len(events)}
	writeOK(w, http.StatusOK, events, meta)
}

// follow writes every event after since through emit, pinging on the
// heartbeat, until ctx ends or a write fails.
func (h *StreamHandler) follow(ctx context.Context, since uint64, emit func(models.StreamEvent) error, ping func() error) error {
	pub := h.svc.Publisher()
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	last := since
	for {
		for {
			events := pub.EventsSince(last, streamBatch)
			for _, ev := range events {
				if err := emit(ev); err != nil {
					return err
				}
				last = ev.ID
			}
			if len(events) < streamBatch {
				break
			}
		}

		waitCtx, cancel := context.WithTimeout(ctx, h.heartbeat)
		pub.Wait(waitCtx, last)
		cancel()
		if err := ctx.Err(); err != nil {
			return err
		}

		select {
		case <-ticker.C:
			if err := ping(); err != nil {
				return err
			}
		default:
		}
	}
}

// SSE handles GET /v1/stream
func (h *StreamHandler) SSE(w http.ResponseWriter, r *http.Request) {
	since, err := sinceParam(r)
	if err != nil {
		writeErr(w, err, nil)
		return
	}

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Warn("sse: clear write deadline", "error", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Warn("sse: flush unsupported", "error", err)
		return
	}

	emit := func(ev models.StreamEvent) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data); err != nil {
			return err
		}
		return rc.Flush()
	}
	ping := func() error {
		if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
			return err
		}
		return rc.Flush()
	}

	err = h.follow(r.Context(), since, emit, ping)
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Debug("sse stream ended", "error", err, "request_id", RequestIDFrom(r.Context()))
	}
}

// WebSocket handles GET /v1/stream/ws
func (h *StreamHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	since, err := sinceParam(r)
	if err != nil {
		writeErr(w, err, nil)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Clients only send control frames; any read failure ends the stream.
	pongWait := 2*h.heartbeat + wsWriteWait
	go func() {
		defer cancel()
		conn.SetReadLimit(maxWSReadBytes)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	emit := func(ev models.StreamEvent) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(ev)
	}
	ping := func() error {
		return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
	}

	err = h.follow(ctx, since, emit, ping)
	if errors.Is(err, context.Canceled) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		return
	}
	h.logger.Debug("websocket stream ended", "error", err, "request_id", RequestIDFrom(r.Context()))
}
