package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/aristath/cellar/internal/events"
)

const streamHeartbeat = 30 * time.Second

// typeFilter parses the comma-separated types query parameter. An empty
// parameter subscribes to everything.
func typeFilter(r *http.Request) []events.EventType {
	raw := strings.TrimSpace(r.URL.Query().Get("types"))
	if raw == "" {
		return nil
	}
	var types []events.EventType
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, events.EventType(t))
		}
	}
	return types
}

// handleEventsStream streams bus events over SSE. A heartbeat comment
// keeps intermediaries from closing idle connections.
func (s *Server) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	id, eventChan := s.deps.Bus.Subscribe(typeFilter(r)...)
	defer s.deps.Bus.Unsubscribe(id)
	s.trackSubscriber(1)
	defer s.trackSubscriber(-1)

	s.log.Info().Str("subscriber_id", id).Msg("Client connected to event stream")

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.log.Debug().Str("subscriber_id", id).Msg("Event stream client disconnected")
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case event, open := <-eventChan:
			if !open {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				s.log.Warn().Err(err).Msg("Failed to marshal event for SSE")
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// handleEventsWS streams the same events over a websocket for clients
// that need bidirectional framing or run behind SSE-hostile proxies.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("Websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	id, eventChan := s.deps.Bus.Subscribe(typeFilter(r)...)
	defer s.deps.Bus.Unsubscribe(id)
	s.trackSubscriber(1)
	defer s.trackSubscriber(-1)

	s.log.Info().Str("subscriber_id", id).Msg("Client connected to websocket stream")

	ctx := r.Context()
	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		case event, open := <-eventChan:
			if !open {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				s.log.Warn().Err(err).Msg("Failed to marshal event for websocket")
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
		}
	}
}

func (s *Server) trackSubscriber(delta int) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.StreamSubscriberDelta(delta)
	}
}
