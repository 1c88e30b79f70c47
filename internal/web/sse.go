package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/madhatter5501/conductor"
)

// Broadcast fans a dispatched event out to the connected event-stream
// clients. Wire it into the dispatcher with Tap; it must never block the
// dispatching goroutine, so slow clients lose frames instead.
func (s *Server) Broadcast(ev conductor.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("event not streamable", "kind", ev.Kind(), "error", err)
		return
	}
	frame := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Kind(), payload))

	s.sseMu.RLock()
	defer s.sseMu.RUnlock()
	for ch := range s.sseClients {
		select {
		case ch <- frame:
		default:
			// Client too slow, skip.
		}
	}
}

// handleSSE streams dispatched events as server-sent events.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	frames := make(chan []byte, 16)
	s.sseMu.Lock()
	s.sseClients[frames] = true
	s.sseMu.Unlock()

	defer func() {
		s.sseMu.Lock()
		if s.sseClients[frames] {
			delete(s.sseClients, frames)
			close(frames)
		}
		s.sseMu.Unlock()
	}()

	fmt.Fprint(w, "event: connected\ndata: {\"status\":\"connected\"}\n\n")
	flusher.Flush()
	s.logger.Debug("event-stream client connected")

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("event-stream client disconnected")
			return
		case frame, ok := <-frames:
			if !ok {
				// Server shutting down.
				return
			}
			_, _ = w.Write(frame)
			flusher.Flush()
		}
	}
}
