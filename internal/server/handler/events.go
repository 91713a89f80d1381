package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// EventService reads the replayable event stream.
type EventService interface {
	Events(ctx context.Context, since string, count int) ([]domain.StreamMessage, error)
}

// EventHandler serves the event log.
type EventHandler struct {
	events EventService
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(events EventService, logger *slog.Logger) *EventHandler {
	return &EventHandler{events: events, logger: logHandler(logger, "events")}
}

type streamEvent struct {
	StreamID string          `json:"stream_id"`
	Event    json.RawMessage `json:"event"`
}

type listEventsResponse struct {
	Events []streamEvent `json:"events"`
	Next   string        `json:"next,omitempty"`
}

// ListEvents returns events after the given stream id. Pass the returned
// next value as since to page forward.
// GET /api/events?since=<stream id>&count=100
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	count := 0
	if v := q.Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid count")
			return
		}
		count = min(n, 1000)
	}
	msgs, err := h.events.Events(r.Context(), q.Get("since"), count)
	if err != nil {
		writeServiceError(w, r, h.logger, "list events", err)
		return
	}
	out := listEventsResponse{Events: make([]streamEvent, 0, len(msgs))}
	for _, m := range msgs {
		out.Events = append(out.Events, streamEvent{StreamID: m.ID, Event: json.RawMessage(m.Payload)})
		out.Next = m.ID
	}
	writeJSON(w, http.StatusOK, out)
}
