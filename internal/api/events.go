package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-pipeline/internal/pipeline"
)

const (
	eventBuffer       = 32
	heartbeatInterval = 15 * time.Second
)

// streamEvents relays broadcaster messages as server-sent events. Only events published
// by this process are visible.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	messages, cancel := s.deps.Events.Subscribe(eventBuffer)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case msg, open := <-messages:
			if !open {
				return
			}
			if err := writeEvent(w, msg.ID, msg.Payload); err != nil {
				s.logger.Warn("write event", zap.String("message_id", msg.ID), zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, id string, payload any) error {
	eventType := "message"
	if ev, ok := payload.(pipeline.Event); ok {
		eventType = ev.Type
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", id, eventType, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}
