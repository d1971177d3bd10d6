package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/manoj0727/Wi-fi-firewall/pkg/events"
)

const sseKeepAlive = 15 * time.Second

// initialData is sent once when a stream opens
type initialData struct {
	Stats any `json:"stats"`
	Rules any `json:"rules"`
}

// handleEvents handles GET /api/events as a server-sent event stream.
// Each hub message becomes one event named after its topic.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Event stream not available")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub := s.hub.Subscribe(events.DefaultBuffer)
	defer s.hub.Unsubscribe(sub)

	if err := writeEvent(w, "initial-data", "", initialData{
		Stats: s.pipeline.PublicStats(),
		Rules: s.pipeline.Rules(),
	}); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeEvent(w, msg.Topic, msg.ID, msg.Data); err != nil {
				s.logger.Debug("Event stream write failed", "subscriber", sub.ID, "error", err)
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, name, id string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload)
	return err
}
