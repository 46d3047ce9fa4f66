package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sitebench/sitebench/pkg/bus"
	"github.com/sitebench/sitebench/pkg/logging"
)

// StreamEvent is the unified event format for the bus-fed SSE stream.
type StreamEvent struct {
	Type      string         `json:"type"`
	ID        string         `json:"id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// handleBenchmarkStream relays the execution backend's per-session event
// stream to the client verbatim. The relay does not parse events; the
// backend's payloads pass through untouched.
func (s *Server) handleBenchmarkStream(w http.ResponseWriter, r *http.Request) {
	externalID := chi.URLParam(r, "externalID")

	// Ownership check before touching the backend.
	if _, err := s.orchestrator.GetSession(externalID, ownerID(r)); err != nil {
		writeAppError(w, err)
		return
	}

	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Open upstream first: a failed connect must return an error status,
	// never an empty stream.
	upstream, err := s.streams.OpenStream(r.Context(), externalID)
	if err != nil {
		writeAppError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := s.relay.Pipe(r.Context(), externalID, upstream, w); err != nil {
		// Headers are long gone; the broken stream itself is the signal.
		s.logger.Warn(logging.CategoryRelay, "relay_failed", "benchmark stream ended with error", map[string]any{
			"session_id": externalID,
			"error":      err.Error(),
		})
	}
}

// handleEventStream provides a unified SSE stream of session and record
// events off the message bus. Clients can narrow the feed with a subject
// filter query param.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.eventBus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	filter := r.URL.Query().Get("filter")
	if filter == "" {
		filter = "sitebench.>"
	}

	ctx := r.Context()
	events := make(chan StreamEvent, 128)

	sub, err := s.eventBus.Subscribe(ctx, filter, func(msg *bus.Message) {
		event := StreamEvent{
			Type:      msg.Subject,
			Timestamp: time.Now(),
		}
		var payload map[string]any
		if json.Unmarshal(msg.Data, &payload) == nil {
			event.Data = payload
			if id, ok := payload["externalId"].(string); ok {
				event.ID = id
			}
		}
		select {
		case events <- event:
		default:
			// Drop when the client cannot keep up.
		}
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to subscribe: "+err.Error())
		return
	}
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	writeStreamEvent(w, flusher, StreamEvent{
		Type:      "connected",
		Timestamp: time.Now(),
		Data:      map[string]any{"filter": filter},
	})

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !writeStreamEvent(w, flusher, StreamEvent{Type: "heartbeat", Timestamp: time.Now()}) {
				return
			}
		case event := <-events:
			if !writeStreamEvent(w, flusher, event) {
				return
			}
		}
	}
}

func writeStreamEvent(w http.ResponseWriter, flusher http.Flusher, event StreamEvent) bool {
	data, err := json.Marshal(event)
	if err != nil {
		return true
	}
	if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
